// Package config loads network descriptions from p4app-style YAML or JSON
// files. Host and switch sections are mappings whose key order is kept as
// declaration order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/p4net/model"
)

var (
	// ErrInvalidConfig matches every problem found in a config file.
	ErrInvalidConfig = errors.New("invalid config")

	validate = validator.New()
)

// File is the on-disk layout.
type File struct {
	Program          string `yaml:"program"`
	Switch           string `yaml:"switch"`
	Compiler         string `yaml:"compiler"`
	Options          string `yaml:"options"`
	SwitchCLI        string `yaml:"switch_cli"`
	CLI              bool   `yaml:"cli"`
	PcapDump         bool   `yaml:"pcap_dump"`
	PcapDir          string `yaml:"pcap_dir"`
	EnableLog        bool   `yaml:"enable_log"`
	LogDir           string `yaml:"log_dir"`
	ControlPlaneHost string `yaml:"control_plane_host" validate:"omitempty,ip|hostname"`
	ConnectTimeout   string `yaml:"connect_timeout"`

	Topology Topology `yaml:"topology"`

	// dir resolves relative paths; empty for in-memory configs.
	dir string
}

// Topology is the topology section.
type Topology struct {
	AssignmentStrategy string `yaml:"assignment_strategy" validate:"omitempty,oneof=l2 mixed l3 manual"`
	AutoARPTables      *bool  `yaml:"auto_arp_tables"`
	AutoGatewayARP     *bool  `yaml:"auto_gw_arp"`

	Links    []Link   `yaml:"links" validate:"dive"`
	Hosts    Hosts    `yaml:"hosts" validate:"dive"`
	Switches Switches `yaml:"switches" validate:"dive"`
}

// Host is one entry of the hosts section.
type Host struct {
	Name         string         `yaml:"-" validate:"required,max=64"`
	IP           string         `yaml:"ip"`
	MAC          string         `yaml:"mac" validate:"omitempty,mac"`
	DefaultRoute string         `yaml:"gw" validate:"omitempty,ipv4"`
	Exec         []string       `yaml:"exec"`
	DependsOn    []string       `yaml:"depends_on"`
	Extra        map[string]any `yaml:",inline"`
}

// Switch is one entry of the switches section.
type Switch struct {
	Name              string         `yaml:"-" validate:"required,max=64"`
	Program           string         `yaml:"program"`
	Switch            string         `yaml:"switch"`
	Compiler          string         `yaml:"compiler"`
	Options           string         `yaml:"options"`
	SwitchCLI         string         `yaml:"switch_cli"`
	CLIInput          string         `yaml:"cli_input"`
	DeviceID          int            `yaml:"device_id" validate:"gte=0"`
	GRPCPort          int            `yaml:"grpc_port" validate:"gte=0,lte=65535"`
	ThriftPort        int            `yaml:"thrift_port" validate:"gte=0,lte=65535"`
	CPUPort           bool           `yaml:"cpu_port"`
	NotificationsAddr string         `yaml:"notifications_addr"`
	DependsOn         []string       `yaml:"depends_on"`
	Extra             map[string]any `yaml:",inline"`
}

// Hosts keeps the declaration order of the hosts mapping.
type Hosts []Host

// Switches keeps the declaration order of the switches mapping.
type Switches []Switch

func (h *Hosts) UnmarshalYAML(value *yaml.Node) error {
	return decodeOrdered(value, func(name string, v *yaml.Node) error {
		var host Host
		if err := decodeOptional(v, &host); err != nil {
			return fmt.Errorf("host %q: %w", name, err)
		}
		host.Name = name
		*h = append(*h, host)
		return nil
	})
}

func (s *Switches) UnmarshalYAML(value *yaml.Node) error {
	return decodeOrdered(value, func(name string, v *yaml.Node) error {
		var sw Switch
		if err := decodeOptional(v, &sw); err != nil {
			return fmt.Errorf("switch %q: %w", name, err)
		}
		sw.Name = name
		*s = append(*s, sw)
		return nil
	})
}

// decodeOrdered walks a mapping node pairwise so key order survives.
func decodeOrdered(value *yaml.Node, fn func(name string, v *yaml.Node) error) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of names", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if err := fn(value.Content[i].Value, value.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// decodeOptional accepts `name: {}`, `name:` and `name: null`.
func decodeOptional(v *yaml.Node, out any) error {
	if v.Kind == yaml.ScalarNode && (v.Tag == "!!null" || v.Value == "") {
		return nil
	}
	return v.Decode(out)
}

//
// ---------- Loading ----------
//

// Load reads and validates a config file. Relative paths inside it are
// resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Parse decodes and validates YAML or JSON config data.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks field-level constraints. Graph-level checks such as
// unknown link endpoints are left to the topology builder.
func (f *File) Validate() error {
	var problems []error
	if err := validate.Struct(f); err != nil {
		problems = append(problems, formatValidationError(err)...)
	}
	if f.ConnectTimeout != "" {
		if d, err := time.ParseDuration(f.ConnectTimeout); err != nil || d <= 0 {
			problems = append(problems, fmt.Errorf("connect_timeout: %q is not a positive duration", f.ConnectTimeout))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

func formatValidationError(err error) []error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}
	out := make([]error, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "File.")
		switch e.Tag() {
		case "required":
			out = append(out, fmt.Errorf("%s: field is required", field))
		case "oneof":
			out = append(out, fmt.Errorf("%s: %q is not one of %s", field, e.Value(), e.Param()))
		case "gte", "lte", "max":
			out = append(out, fmt.Errorf("%s: %v out of range (%s %s)", field, e.Value(), e.Tag(), e.Param()))
		default:
			out = append(out, fmt.Errorf("%s: %v is not a valid %s", field, e.Value(), e.Tag()))
		}
	}
	return out
}

//
// ---------- Conversion ----------
//

// Description converts the file to the builder's input.
func (f *File) Description() model.Description {
	d := model.Description{
		Defaults: model.Defaults{
			Program:            f.path(f.Program),
			SwitchBinary:       f.Switch,
			Compiler:           f.Compiler,
			CompilerOptions:    f.Options,
			CLIBinary:          f.SwitchCLI,
			AssignmentStrategy: f.Topology.AssignmentStrategy,
			AutoARPTables:      boolOr(f.Topology.AutoARPTables, true),
			AutoGatewayARP:     boolOr(f.Topology.AutoGatewayARP, true),
			CLI:                f.CLI,
			PcapDump:           f.PcapDump,
			PcapDir:            f.path(f.PcapDir),
			EnableLog:          f.EnableLog,
			LogDir:             f.path(f.LogDir),
			ControlPlaneHost:   f.ControlPlaneHost,
		},
	}
	if f.ConnectTimeout != "" {
		d.Defaults.ConnectTimeout, _ = time.ParseDuration(f.ConnectTimeout)
	}
	for _, h := range f.Topology.Hosts {
		d.Hosts = append(d.Hosts, model.HostSpec{
			Name:         h.Name,
			IP:           h.IP,
			MAC:          h.MAC,
			DefaultRoute: h.DefaultRoute,
			Exec:         h.Exec,
			DependsOn:    h.DependsOn,
			Extra:        h.Extra,
		})
	}
	for _, s := range f.Topology.Switches {
		d.Switches = append(d.Switches, model.SwitchSpec{
			Name:              s.Name,
			Program:           f.path(s.Program),
			SwitchBinary:      s.Switch,
			Compiler:          s.Compiler,
			CompilerOptions:   s.Options,
			CLIBinary:         s.SwitchCLI,
			CLIInput:          f.path(s.CLIInput),
			DeviceID:          s.DeviceID,
			GRPCPort:          s.GRPCPort,
			ThriftPort:        s.ThriftPort,
			CPUPort:           s.CPUPort,
			NotificationsAddr: s.NotificationsAddr,
			DependsOn:         s.DependsOn,
			Extra:             s.Extra,
		})
	}
	for _, l := range f.Topology.Links {
		d.Links = append(d.Links, l.spec())
	}
	return d
}

func (f *File) path(p string) string {
	if p == "" || f.dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.dir, p)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
