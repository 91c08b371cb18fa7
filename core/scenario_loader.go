package core

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/signalsfoundry/p4net/model"
)

// Accepted ranges for numeric link and node parameters.
const (
	MaxPort          = 511
	MinMTU           = 68
	MaxMTU           = 65535
	MaxBandwidthMbps = 100000
	MaxInterfaceName = 15
)

// Build validates a description and returns the topology it declares. All
// validation problems are reported together in a *ValidationError; no
// partial topology is returned.
func Build(desc model.Description) (*Topology, error) {
	b := &builder{
		topo: &Topology{
			defaults: desc.Defaults.WithFallbacks(),
			nodes:    make(map[string]*Node),
			linkByID: make(map[string]*Link),
		},
		explicitPorts: make(map[string]map[int]bool),
	}

	for _, h := range desc.Hosts {
		b.addHost(h)
	}
	for _, s := range desc.Switches {
		b.addSwitch(s)
	}
	b.checkDependencies()
	b.addLinks(desc.Links)
	b.checkHostAddresses(desc.Hosts)

	if len(b.problems) > 0 {
		return nil, &ValidationError{Problems: b.problems}
	}
	return b.topo, nil
}

type builder struct {
	topo          *Topology
	problems      []error
	explicitPorts map[string]map[int]bool
}

func (b *builder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Errorf(format, args...))
}

func (b *builder) addNode(n *Node) bool {
	if err := validName(n.name); err != nil {
		b.fail("%s %q: %v", n.kind, n.name, err)
		return false
	}
	if _, exists := b.topo.nodes[n.name]; exists {
		b.fail("duplicate node name %q", n.name)
		return false
	}
	n.index = len(b.topo.order)
	b.topo.nodes[n.name] = n
	b.topo.order = append(b.topo.order, n)
	return true
}

func (b *builder) addHost(h model.HostSpec) {
	n := &Node{
		name:                  h.Name,
		kind:                  model.KindHost,
		dependsOn:             slices.Clone(h.DependsOn),
		extra:                 maps.Clone(h.Extra),
		requestedDefaultRoute: h.DefaultRoute,
		host:                  HostConfig{Exec: slices.Clone(h.Exec)},
	}
	if h.IP != "" && !isAuto(h.IP) {
		if _, err := ParseIPv4Prefix(h.IP); err != nil {
			b.fail("host %q: %v", h.Name, err)
		}
	}
	if h.MAC != "" {
		if _, err := net.ParseMAC(h.MAC); err != nil {
			b.fail("host %q: invalid MAC %q", h.Name, h.MAC)
		}
	}
	if h.DefaultRoute != "" {
		if addr, err := netip.ParseAddr(h.DefaultRoute); err != nil || !addr.Is4() {
			b.fail("host %q: invalid default route %q", h.Name, h.DefaultRoute)
		}
	}
	b.addNode(n)
}

func (b *builder) addSwitch(s model.SwitchSpec) {
	d := b.topo.defaults
	cfg := SwitchConfig{
		Program:           firstNonEmpty(s.Program, d.Program),
		SwitchBinary:      firstNonEmpty(s.SwitchBinary, d.SwitchBinary),
		Compiler:          firstNonEmpty(s.Compiler, d.Compiler),
		CompilerOptions:   firstNonEmpty(s.CompilerOptions, d.CompilerOptions),
		CLIBinary:         firstNonEmpty(s.CLIBinary, d.CLIBinary),
		CLIInput:          s.CLIInput,
		CPUPort:           s.CPUPort,
		NotificationsAddr: s.NotificationsAddr,
		DeviceID:          s.DeviceID,
		GRPCPort:          s.GRPCPort,
		ThriftPort:        s.ThriftPort,
	}
	if cfg.Program == "" {
		b.problems = append(b.problems, &MissingProgramError{Switch: s.Name})
	}
	if s.DeviceID < 0 {
		b.fail("switch %q: device id %d is negative", s.Name, s.DeviceID)
	}
	if s.GRPCPort < 0 || s.GRPCPort > 65535 {
		b.fail("switch %q: grpc port %d out of range", s.Name, s.GRPCPort)
	}
	if s.ThriftPort < 0 || s.ThriftPort > 65535 {
		b.fail("switch %q: thrift port %d out of range", s.Name, s.ThriftPort)
	}
	b.addNode(&Node{
		name:      s.Name,
		kind:      model.KindSwitch,
		dependsOn: slices.Clone(s.DependsOn),
		extra:     maps.Clone(s.Extra),
		sw:        cfg,
	})
}

func (b *builder) checkDependencies() {
	for _, n := range b.topo.order {
		for _, dep := range n.dependsOn {
			if dep == n.name {
				b.fail("%s %q depends on itself", n.kind, n.name)
				continue
			}
			if _, ok := b.topo.nodes[dep]; !ok {
				b.fail("%s %q depends on unknown node %q", n.kind, n.name, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(b.topo.order))
	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		switch marks[name] {
		case visiting:
			b.fail("dependency cycle: %s", strings.Join(append(path, name), " -> "))
			return false
		case done:
			return true
		}
		marks[name] = visiting
		n := b.topo.nodes[name]
		for _, dep := range n.dependsOn {
			if _, ok := b.topo.nodes[dep]; !ok || dep == name {
				continue
			}
			if !visit(dep, append(path, name)) {
				return false
			}
		}
		marks[name] = done
		return true
	}
	for _, n := range b.topo.order {
		if marks[n.name] == unvisited && !visit(n.name, nil) {
			return
		}
	}
}

func (b *builder) addLinks(specs []model.LinkSpec) {
	type endpoint struct {
		node *Node
		port int
		name string
		mac  string
		ip   string
	}
	type pending struct {
		a, b  endpoint
		attrs model.LinkAttrs
	}

	// Reserve explicit ports before auto-numbering so declaration order
	// cannot steal a slot a later link names explicitly.
	var links []pending
	for i, spec := range specs {
		n1, ok1 := b.topo.nodes[spec.Node1]
		n2, ok2 := b.topo.nodes[spec.Node2]
		switch {
		case !ok1:
			b.fail("link %d: unknown node %q", i, spec.Node1)
			continue
		case !ok2:
			b.fail("link %d: unknown node %q", i, spec.Node2)
			continue
		case n1 == n2:
			b.fail("link %d: both endpoints on node %q", i, spec.Node1)
			continue
		}
		if err := validateLinkAttrs(spec.Attrs); err != nil {
			b.fail("link %d (%s-%s): %v", i, spec.Node1, spec.Node2, err)
			continue
		}
		p := pending{
			a:     endpoint{node: n1, port: spec.Port1, name: spec.Intf1, mac: spec.MAC1, ip: spec.IP1},
			b:     endpoint{node: n2, port: spec.Port2, name: spec.Intf2, mac: spec.MAC2, ip: spec.IP2},
			attrs: spec.Attrs,
		}
		valid := true
		for _, ep := range []endpoint{p.a, p.b} {
			if err := b.checkEndpoint(ep.node, ep.port, ep.mac, ep.ip); err != nil {
				b.fail("link %d: %v", i, err)
				valid = false
			}
		}
		if valid {
			links = append(links, p)
		}
	}

	for i, p := range links {
		ia, errA := b.newInterface(p.a.node, p.a.port, p.a.name, p.a.mac, p.a.ip)
		ib, errB := b.newInterface(p.b.node, p.b.port, p.b.name, p.b.mac, p.b.ip)
		if err := errors.Join(errA, errB); err != nil {
			b.fail("link %s-%s: %v", p.a.node.name, p.b.node.name, err)
			continue
		}
		l := newLink(i, ia, ib, p.attrs)
		if _, dup := b.topo.linkByID[l.id]; dup {
			b.fail("duplicate link %q", l.id)
			continue
		}
		ia.node.addInterface(ia)
		ib.node.addInterface(ib)
		b.topo.links = append(b.topo.links, l)
		b.topo.linkByID[l.id] = l
	}
}

func (b *builder) checkEndpoint(n *Node, port int, mac, ip string) error {
	if port < 0 || port > MaxPort {
		return fmt.Errorf("%s port %d out of range 0..%d", n.name, port, MaxPort)
	}
	if port > 0 {
		used := b.explicitPorts[n.name]
		if used == nil {
			used = make(map[int]bool)
			b.explicitPorts[n.name] = used
		}
		if used[port] {
			return fmt.Errorf("%s port %d used by more than one link", n.name, port)
		}
		used[port] = true
	}
	if mac != "" {
		if _, err := net.ParseMAC(mac); err != nil {
			return fmt.Errorf("%s: invalid MAC %q", n.name, mac)
		}
	}
	if ip != "" && !isAuto(ip) {
		if _, err := ParseIPv4Prefix(ip); err != nil {
			return fmt.Errorf("%s: %v", n.name, err)
		}
	}
	return nil
}

func (b *builder) newInterface(n *Node, port int, name, mac, ip string) (*Interface, error) {
	if port == 0 {
		port = b.nextFreePort(n)
	} else if n.portInUse(port) {
		return nil, fmt.Errorf("%s port %d already in use", n.name, port)
	}
	if name == "" {
		name = fmt.Sprintf("%s-eth%d", n.name, port)
	}
	if len(name) > MaxInterfaceName {
		return nil, fmt.Errorf("interface name %q longer than %d bytes", name, MaxInterfaceName)
	}
	if n.nameInUse(name) {
		return nil, fmt.Errorf("interface %q already exists on %s", name, n.name)
	}
	if isAuto(ip) {
		ip = ""
	}
	return &Interface{
		node:         n,
		name:         name,
		port:         port,
		requestedMAC: mac,
		requestedIP:  ip,
	}, nil
}

// nextFreePort numbers host interfaces from 0 and switch ports from 1,
// skipping ports already taken or reserved by an explicit link.
func (b *builder) nextFreePort(n *Node) int {
	port := 0
	if n.kind == model.KindSwitch {
		port = 1
	}
	for n.portInUse(port) || b.explicitPorts[n.name][port] {
		port++
	}
	return port
}

// checkHostAddresses moves host-level addresses onto the host's first
// interface unless the link already set one.
func (b *builder) checkHostAddresses(hosts []model.HostSpec) {
	for _, h := range hosts {
		if (h.IP == "" || isAuto(h.IP)) && h.MAC == "" {
			continue
		}
		n, ok := b.topo.nodes[h.Name]
		if !ok || n.kind != model.KindHost {
			continue
		}
		if len(n.interfaces) == 0 {
			b.fail("host %q declares an address but has no links", h.Name)
			continue
		}
		first := n.interfaces[0]
		if first.requestedIP == "" && !isAuto(h.IP) {
			first.requestedIP = h.IP
		}
		if first.requestedMAC == "" {
			first.requestedMAC = h.MAC
		}
	}
}

func validateLinkAttrs(a model.LinkAttrs) error {
	if a.BandwidthMbps < 0 || a.BandwidthMbps > MaxBandwidthMbps {
		return fmt.Errorf("bandwidth %.2f Mbit/s out of range 0..%d", a.BandwidthMbps, MaxBandwidthMbps)
	}
	if a.LossPercent < 0 || a.LossPercent > 100 {
		return fmt.Errorf("loss %.2f%% out of range 0..100", a.LossPercent)
	}
	if a.MTU != 0 && (a.MTU < MinMTU || a.MTU > MaxMTU) {
		return fmt.Errorf("mtu %d out of range %d..%d", a.MTU, MinMTU, MaxMTU)
	}
	if a.MaxQueueSize < 0 {
		return fmt.Errorf("max queue size %d is negative", a.MaxQueueSize)
	}
	if a.Weight < 0 {
		return fmt.Errorf("weight %d is negative", a.Weight)
	}
	for label, v := range map[string]string{"delay": a.Delay, "jitter": a.Jitter} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid %s %q", label, v)
		}
	}
	return nil
}

// ParseIPv4Prefix accepts "a.b.c.d/len" or a bare address, which is
// treated as a /24 like the emulator's other defaults.
func ParseIPv4Prefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil || !p.Addr().Is4() {
			return netip.Prefix{}, fmt.Errorf("invalid IPv4 prefix %q", s)
		}
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return netip.PrefixFrom(addr, 24), nil
}

func validName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.ContainsAny(name, " \t\n/:") {
		return errors.New("name contains whitespace, '/' or ':'")
	}
	return nil
}

func isAuto(s string) bool { return strings.EqualFold(s, "auto") }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
