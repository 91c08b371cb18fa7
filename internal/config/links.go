package config

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/p4net/model"
)

// Link is one entry of the links section, written either positionally,
//
//	[node1, node2, latency, bandwidth, weight]
//
// with every element after the node names optional, or with a parameter
// mapping,
//
//	[node1, node2, {delay: 5ms, bw: 10, port1: 3}]
type Link struct {
	Node1 string `validate:"required"`
	Node2 string `validate:"required"`
	LinkParams
}

// LinkParams are the keys accepted in a link's parameter mapping.
type LinkParams struct {
	Delay       string  `mapstructure:"delay"`
	Jitter      string  `mapstructure:"jitter"`
	Bandwidth   float64 `mapstructure:"bw" validate:"gte=0"`
	Loss        float64 `mapstructure:"loss" validate:"gte=0,lte=100"`
	QueueLength int     `mapstructure:"queue_length" validate:"gte=0"`
	MTU         int     `mapstructure:"mtu" validate:"gte=0"`
	Weight      int     `mapstructure:"weight" validate:"gte=0"`
	Port1       int     `mapstructure:"port1" validate:"gte=0"`
	Port2       int     `mapstructure:"port2" validate:"gte=0"`
	Intf1       string  `mapstructure:"intf1"`
	Intf2       string  `mapstructure:"intf2"`
	Addr1       string  `mapstructure:"addr1" validate:"omitempty,mac"`
	Addr2       string  `mapstructure:"addr2" validate:"omitempty,mac"`
	IP1         string  `mapstructure:"ip1"`
	IP2         string  `mapstructure:"ip2"`
}

func (l *Link) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode || len(value.Content) < 2 {
		return fmt.Errorf("line %d: link must be a list starting with two node names", value.Line)
	}
	items := value.Content
	if err := items[0].Decode(&l.Node1); err != nil {
		return err
	}
	if err := items[1].Decode(&l.Node2); err != nil {
		return err
	}
	if len(items) == 3 && items[2].Kind == yaml.MappingNode {
		var raw map[string]any
		if err := items[2].Decode(&raw); err != nil {
			return err
		}
		return decodeParams(raw, &l.LinkParams)
	}
	return l.positional(items[2:])
}

func decodeParams(raw map[string]any, out *LinkParams) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		Metadata:         &md,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("link parameters: %w", err)
	}
	if len(md.Unused) > 0 {
		return fmt.Errorf("link parameters: unknown keys %v", md.Unused)
	}
	return nil
}

// positional handles [latency, bandwidth, weight]. Empty or null elements
// keep the default.
func (l *Link) positional(items []*yaml.Node) error {
	if len(items) > 3 {
		return fmt.Errorf("line %d: link has %d positional parameters, at most 3", items[0].Line, len(items))
	}
	for i, it := range items {
		if it.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: positional link parameter must be a scalar", it.Line)
		}
		if it.Tag == "!!null" || it.Value == "" {
			continue
		}
		switch i {
		case 0:
			l.Delay = formatLatency(it)
		case 1:
			bw, err := strconv.ParseFloat(it.Value, 64)
			if err != nil {
				return fmt.Errorf("line %d: bandwidth %q: %w", it.Line, it.Value, err)
			}
			l.Bandwidth = bw
		case 2:
			w, err := strconv.Atoi(it.Value)
			if err != nil {
				return fmt.Errorf("line %d: weight %q: %w", it.Line, it.Value, err)
			}
			l.Weight = w
		}
	}
	return nil
}

// formatLatency reads bare numbers as milliseconds.
func formatLatency(n *yaml.Node) string {
	if n.Tag == "!!int" || n.Tag == "!!float" {
		return n.Value + "ms"
	}
	return n.Value
}

func (l Link) spec() model.LinkSpec {
	return model.LinkSpec{
		Node1: l.Node1,
		Node2: l.Node2,
		Port1: l.Port1,
		Port2: l.Port2,
		Intf1: l.Intf1,
		Intf2: l.Intf2,
		MAC1:  l.Addr1,
		MAC2:  l.Addr2,
		IP1:   l.IP1,
		IP2:   l.IP2,
		Attrs: model.LinkAttrs{
			BandwidthMbps: l.Bandwidth,
			Delay:         l.Delay,
			Jitter:        l.Jitter,
			LossPercent:   l.Loss,
			MaxQueueSize:  l.QueueLength,
			MTU:           l.MTU,
			Weight:        l.Weight,
		},
	}
}
