// Package assign derives device IDs, control-plane ports, MAC and IPv4
// addresses, default routes and static ARP tables for a topology. Results
// depend only on the topology and the chosen strategy.
package assign

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/model"
)

const (
	DefaultGRPCPortBase   = 9559
	DefaultThriftPortBase = 9090
)

var (
	l2Pool     = netip.MustParsePrefix("10.0.0.0/16")
	manualPool = netip.MustParsePrefix("10.0.0.0/8")

	hostNamePattern   = regexp.MustCompile(`^h(\d+)$`)
	switchNamePattern = regexp.MustCompile(`^s(\d+)$`)
)

// Options select the strategy and identifier bases.
type Options struct {
	Strategy         string
	AutoARP          bool
	AutoGatewayARP   bool
	ControlPlaneHost string
	GRPCPortBase     int
	ThriftPortBase   int
}

// OptionsFromDefaults maps a topology's global configuration onto Options.
func OptionsFromDefaults(d model.Defaults) Options {
	d = d.WithFallbacks()
	return Options{
		Strategy:         d.AssignmentStrategy,
		AutoARP:          d.AutoARPTables,
		AutoGatewayARP:   d.AutoGatewayARP,
		ControlPlaneHost: d.ControlPlaneHost,
	}
}

func (o Options) withFallbacks() Options {
	if o.Strategy == "" {
		o.Strategy = model.StrategyMixed
	}
	if o.ControlPlaneHost == "" {
		o.ControlPlaneHost = model.DefaultControlPlaneHost
	}
	if o.GRPCPortBase <= 0 {
		o.GRPCPortBase = DefaultGRPCPortBase
	}
	if o.ThriftPortBase <= 0 {
		o.ThriftPortBase = DefaultThriftPortBase
	}
	return o
}

// SwitchAssignment is the identity chosen for one switch.
type SwitchAssignment struct {
	Node string
	core.SwitchIdentity
}

// InterfaceAddress is the MAC and IPv4 prefix chosen for one interface.
type InterfaceAddress struct {
	InterfaceRef
	MAC string
	IP  netip.Prefix
}

// DefaultRoute is a host's gateway.
type DefaultRoute struct {
	Host    string
	Gateway netip.Addr
}

// ARPTable holds the static entries for one interface.
type ARPTable struct {
	InterfaceRef
	Entries []core.ARPEntry
}

// Plan is the full result of an assignment run, in topology order.
type Plan struct {
	Strategy      string
	Switches      []SwitchAssignment
	Interfaces    []InterfaceAddress
	DefaultRoutes []DefaultRoute
	ARP           []ARPTable
}

// Assign computes a plan and writes it into the topology.
func Assign(topo *core.Topology, opts Options) (*Plan, error) {
	plan, err := Compute(topo, opts)
	if err != nil {
		return nil, err
	}
	if err := Apply(topo, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Apply writes a plan into the topology through its setters.
func Apply(topo *core.Topology, plan *Plan) error {
	for _, sw := range plan.Switches {
		if err := topo.SetSwitchIdentity(sw.Node, sw.SwitchIdentity); err != nil {
			return err
		}
	}
	for _, ia := range plan.Interfaces {
		if err := topo.SetInterfaceAddress(ia.Node, ia.Interface, ia.MAC, ia.IP); err != nil {
			return err
		}
	}
	for _, r := range plan.DefaultRoutes {
		if err := topo.SetHostDefaultRoute(r.Host, r.Gateway); err != nil {
			return err
		}
	}
	for _, t := range plan.ARP {
		if err := topo.SetInterfaceARP(t.Node, t.Interface, t.Entries); err != nil {
			return err
		}
	}
	return nil
}

// Compute derives a plan without touching the topology.
func Compute(topo *core.Topology, opts Options) (*Plan, error) {
	opts = opts.withFallbacks()
	run := &run{
		topo:     topo,
		opts:     opts,
		ids:      make(map[string]int),
		ips:      make(map[*core.Interface]netip.Prefix),
		macs:     make(map[*core.Interface]string),
		routes:   make(map[string]netip.Addr),
		usedIPs:  make(map[netip.Addr]InterfaceRef),
		usedMACs: make(map[string]InterfaceRef),
	}

	plan := &Plan{Strategy: opts.Strategy}
	switches, err := run.switchIdentities()
	if err != nil {
		return nil, err
	}
	plan.Switches = switches

	if err := run.reserveExplicit(); err != nil {
		return nil, err
	}

	switch opts.Strategy {
	case model.StrategyL2:
		err = run.l2()
	case model.StrategyMixed:
		err = run.mixed()
	case model.StrategyL3:
		err = run.l3()
	case model.StrategyManual:
		err = run.manual()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, opts.Strategy)
	}
	if err != nil {
		return nil, err
	}

	run.explicitRoutes()
	run.assignMACs()

	for _, n := range topo.Nodes() {
		for _, iface := range n.Interfaces() {
			plan.Interfaces = append(plan.Interfaces, InterfaceAddress{
				InterfaceRef: refOf(iface),
				MAC:          run.macs[iface],
				IP:           run.ips[iface],
			})
		}
		if gw, ok := run.routes[n.Name()]; ok {
			plan.DefaultRoutes = append(plan.DefaultRoutes, DefaultRoute{Host: n.Name(), Gateway: gw})
		}
	}
	if opts.AutoARP || opts.AutoGatewayARP {
		plan.ARP = run.arpTables()
	}
	return plan, nil
}

type run struct {
	topo *core.Topology
	opts Options

	ids    map[string]int
	ips    map[*core.Interface]netip.Prefix
	macs   map[*core.Interface]string
	routes map[string]netip.Addr

	usedIPs  map[netip.Addr]InterfaceRef
	usedMACs map[string]InterfaceRef
}

func refOf(iface *core.Interface) InterfaceRef {
	return InterfaceRef{Node: iface.Node(), Interface: iface.Name()}
}

//
// ---------- Switch identities ----------
//

func (r *run) switchIdentities() ([]SwitchAssignment, error) {
	switches := r.topo.Switches()
	owner := make(map[int]string)

	claim := func(name string, id int) error {
		if prev, taken := owner[id]; taken {
			return fmt.Errorf("%w: device id %d used by %q and %q", ErrDuplicateID, id, prev, name)
		}
		owner[id] = name
		r.ids[name] = id
		return nil
	}

	for _, sw := range switches {
		if id := sw.Switch().DeviceID; id > 0 {
			if err := claim(sw.Name(), id); err != nil {
				return nil, err
			}
		}
	}
	for _, sw := range switches {
		if _, done := r.ids[sw.Name()]; done {
			continue
		}
		if n, ok := numberFromName(switchNamePattern, sw.Name()); ok && n > 0 {
			if _, taken := owner[n]; !taken {
				_ = claim(sw.Name(), n)
			}
		}
	}
	next := 1
	for _, sw := range switches {
		if _, done := r.ids[sw.Name()]; done {
			continue
		}
		for {
			if _, taken := owner[next]; !taken {
				break
			}
			next++
		}
		_ = claim(sw.Name(), next)
	}

	grpcPorts, err := r.ports(switches, func(c core.SwitchConfig) int { return c.GRPCPort }, r.opts.GRPCPortBase, "grpc")
	if err != nil {
		return nil, err
	}
	thriftPorts, err := r.ports(switches, func(c core.SwitchConfig) int { return c.ThriftPort }, r.opts.ThriftPortBase, "thrift")
	if err != nil {
		return nil, err
	}

	out := make([]SwitchAssignment, 0, len(switches))
	for i, sw := range switches {
		out = append(out, SwitchAssignment{
			Node: sw.Name(),
			SwitchIdentity: core.SwitchIdentity{
				DeviceID:   r.ids[sw.Name()],
				GRPCPort:   grpcPorts[i],
				ThriftPort: thriftPorts[i],
				Endpoint:   net.JoinHostPort(r.opts.ControlPlaneHost, strconv.Itoa(grpcPorts[i])),
			},
		})
	}
	return out, nil
}

func (r *run) ports(switches []*core.Node, explicit func(core.SwitchConfig) int, base int, label string) ([]int, error) {
	out := make([]int, len(switches))
	owner := make(map[int]string)
	for i, sw := range switches {
		p := explicit(sw.Switch())
		if p == 0 {
			continue
		}
		if prev, taken := owner[p]; taken {
			return nil, fmt.Errorf("%w: %s port %d used by %q and %q", ErrDuplicateID, label, p, prev, sw.Name())
		}
		owner[p] = sw.Name()
		out[i] = p
	}
	next := base
	for i, sw := range switches {
		if out[i] != 0 {
			continue
		}
		for {
			if _, taken := owner[next]; !taken {
				break
			}
			next++
		}
		owner[next] = sw.Name()
		out[i] = next
	}
	return out, nil
}

//
// ---------- Explicit addresses ----------
//

func (r *run) reserveExplicit() error {
	for _, n := range r.topo.Nodes() {
		for _, iface := range n.Interfaces() {
			mac, ip := iface.Requested()
			ref := refOf(iface)
			if ip != "" {
				prefix, err := core.ParseIPv4Prefix(ip)
				if err != nil {
					return fmt.Errorf("%s: %w", ref, err)
				}
				if prev, taken := r.usedIPs[prefix.Addr()]; taken {
					return &AddressConflictError{Address: prefix.Addr().String(), First: prev, Second: ref}
				}
				r.usedIPs[prefix.Addr()] = ref
				r.ips[iface] = prefix
			}
			if mac != "" {
				hw, err := net.ParseMAC(mac)
				if err != nil {
					return fmt.Errorf("%s: invalid MAC %q", ref, mac)
				}
				canonical := hw.String()
				if prev, taken := r.usedMACs[canonical]; taken {
					return &AddressConflictError{Address: canonical, First: prev, Second: ref}
				}
				r.usedMACs[canonical] = ref
				r.macs[iface] = canonical
			}
		}
	}
	return nil
}

func (r *run) explicitRoutes() {
	for _, h := range r.topo.Hosts() {
		if gw := h.RequestedDefaultRoute(); gw != "" {
			if addr, err := netip.ParseAddr(gw); err == nil {
				r.routes[h.Name()] = addr
			}
		}
	}
}

//
// ---------- Strategies ----------
//

func (r *run) l2() error {
	for _, h := range r.topo.Hosts() {
		for i, iface := range h.Interfaces() {
			if _, ok := r.ips[iface]; ok {
				continue
			}
			var want netip.Addr
			if n, ok := numberFromName(hostNamePattern, h.Name()); ok && i == 0 && n > 0 && n < 65535 {
				want = netip.AddrFrom4([4]byte{10, 0, byte(n >> 8), byte(n)})
			}
			addr, err := r.allocate(want, l2Pool, iface)
			if err != nil {
				return err
			}
			r.ips[iface] = netip.PrefixFrom(addr, l2Pool.Bits())
		}
	}
	return nil
}

func (r *run) mixed() error {
	for _, h := range r.topo.Hosts() {
		iface, sw, err := r.singleHomed(h)
		if err != nil {
			return err
		}
		if iface == nil {
			continue
		}
		id := r.ids[sw.Name()]
		subnet := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(id >> 8), byte(id), 0}), 24)
		gw := netip.AddrFrom4([4]byte{10, byte(id >> 8), byte(id), 254})
		if _, ok := r.routes[h.Name()]; !ok {
			r.routes[h.Name()] = gw
		}
		// Every host-facing port of a switch carries the same gateway
		// address, so it is not recorded in usedIPs.
		if swIface := iface.Peer(); !r.ips[swIface].IsValid() {
			if prev, taken := r.usedIPs[gw]; taken && prev.Node != sw.Name() {
				return &AddressConflictError{Address: gw.String(), First: prev, Second: refOf(swIface)}
			}
			r.ips[swIface] = netip.PrefixFrom(gw, 24)
		}
		if _, ok := r.ips[iface]; ok {
			continue
		}
		var want netip.Addr
		if n, ok := numberFromName(hostNamePattern, h.Name()); ok && n > 0 && n < 254 {
			want = netip.AddrFrom4([4]byte{10, byte(id >> 8), byte(id), byte(n)})
		}
		addr, err := r.allocateExcept(want, subnet, iface, gw)
		if err != nil {
			return err
		}
		r.ips[iface] = netip.PrefixFrom(addr, 24)
	}
	return r.switchLinks()
}

func (r *run) l3() error {
	for _, sw := range r.topo.Switches() {
		if id := r.ids[sw.Name()]; id > 255 {
			return fmt.Errorf("%w: l3 needs device ids <= 255, %q has %d", ErrUnsupportedTopology, sw.Name(), id)
		}
	}

	type attachment struct {
		host  *core.Node
		iface *core.Interface
		sw    *core.Node
	}
	var attached []attachment
	taken := make(map[string]map[int]bool)
	index := make(map[*core.Node]int)
	for _, h := range r.topo.Hosts() {
		iface, sw, err := r.singleHomed(h)
		if err != nil {
			return err
		}
		if iface == nil {
			continue
		}
		attached = append(attached, attachment{host: h, iface: iface, sw: sw})
		if taken[sw.Name()] == nil {
			taken[sw.Name()] = make(map[int]bool)
		}
		if n, ok := numberFromName(hostNamePattern, h.Name()); ok && n > 0 && n < 255 && !taken[sw.Name()][n] {
			taken[sw.Name()][n] = true
			index[h] = n
		}
	}
	for _, a := range attached {
		if _, ok := index[a.host]; ok {
			continue
		}
		n := 1
		for taken[a.sw.Name()][n] {
			n++
		}
		if n > 254 {
			return fmt.Errorf("%w: too many hosts on %q", ErrPoolExhausted, a.sw.Name())
		}
		taken[a.sw.Name()][n] = true
		index[a.host] = n
	}

	for _, a := range attached {
		id, n := r.ids[a.sw.Name()], index[a.host]
		subnet := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(id), byte(n), 0}), 24)
		hostAddr := netip.AddrFrom4([4]byte{10, byte(id), byte(n), 2})
		gwAddr := netip.AddrFrom4([4]byte{10, byte(id), byte(n), 1})

		swIface := a.iface.Peer()
		if p, ok := r.ips[swIface]; ok {
			gwAddr = p.Addr()
		} else {
			addr, err := r.allocate(gwAddr, subnet, swIface)
			if err != nil {
				return err
			}
			gwAddr = addr
			r.ips[swIface] = netip.PrefixFrom(addr, 24)
		}
		if _, ok := r.ips[a.iface]; !ok {
			addr, err := r.allocate(hostAddr, subnet, a.iface)
			if err != nil {
				return err
			}
			r.ips[a.iface] = netip.PrefixFrom(addr, 24)
		}
		if _, ok := r.routes[a.host.Name()]; !ok {
			r.routes[a.host.Name()] = gwAddr
		}
	}

	return r.switchLinks()
}

// switchLinks numbers both ends of every switch-to-switch link from
// 20.<id1>.<id2>.0/24, .1 on the first endpoint and .2 on the second.
// Links touching a device ID above 255 stay unnumbered.
func (r *run) switchLinks() error {
	for _, l := range r.topo.Links() {
		ia, ib := l.Endpoints()
		na, _ := r.topo.Node(ia.Node())
		nb, _ := r.topo.Node(ib.Node())
		if !na.IsSwitch() || !nb.IsSwitch() {
			continue
		}
		ida, idb := r.ids[na.Name()], r.ids[nb.Name()]
		if ida > 255 || idb > 255 {
			continue
		}
		subnet := netip.PrefixFrom(netip.AddrFrom4([4]byte{20, byte(ida), byte(idb), 0}), 24)
		for i, iface := range []*core.Interface{ia, ib} {
			if _, ok := r.ips[iface]; ok {
				continue
			}
			want := netip.AddrFrom4([4]byte{20, byte(ida), byte(idb), byte(i + 1)})
			addr, err := r.allocate(want, subnet, iface)
			if err != nil {
				return err
			}
			r.ips[iface] = netip.PrefixFrom(addr, 24)
		}
	}
	return nil
}

func (r *run) manual() error {
	for _, h := range r.topo.Hosts() {
		for _, iface := range h.Interfaces() {
			if _, ok := r.ips[iface]; ok {
				continue
			}
			addr, err := r.allocate(netip.Addr{}, manualPool, iface)
			if err != nil {
				return err
			}
			r.ips[iface] = netip.PrefixFrom(addr, manualPool.Bits())
		}
	}
	return nil
}

// singleHomed returns a host's only interface and the switch it connects
// to. Hosts without links yield nil.
func (r *run) singleHomed(h *core.Node) (*core.Interface, *core.Node, error) {
	ifaces := h.Interfaces()
	switch len(ifaces) {
	case 0:
		return nil, nil, nil
	case 1:
	default:
		return nil, nil, fmt.Errorf("%w: %s needs host %q to have a single link", ErrUnsupportedTopology, r.opts.Strategy, h.Name())
	}
	peer := ifaces[0].Peer()
	sw, err := r.topo.Node(peer.Node())
	if err != nil {
		return nil, nil, err
	}
	if !sw.IsSwitch() {
		return nil, nil, fmt.Errorf("%w: %s needs host %q to connect to a switch", ErrUnsupportedTopology, r.opts.Strategy, h.Name())
	}
	return ifaces[0], sw, nil
}

//
// ---------- Address pools ----------
//

func (r *run) allocate(want netip.Addr, pool netip.Prefix, iface *core.Interface) (netip.Addr, error) {
	return r.allocateExcept(want, pool, iface)
}

// allocateExcept takes want if it is free, otherwise the lowest free host
// address in pool. Addresses in skip are never handed out.
func (r *run) allocateExcept(want netip.Addr, pool netip.Prefix, iface *core.Interface, skip ...netip.Addr) (netip.Addr, error) {
	pool = pool.Masked()
	reserved := func(a netip.Addr) bool {
		if _, used := r.usedIPs[a]; used {
			return true
		}
		for _, s := range skip {
			if s == a {
				return true
			}
		}
		return false
	}
	if want.IsValid() && pool.Contains(want) && !reserved(want) {
		r.usedIPs[want] = refOf(iface)
		return want, nil
	}
	broadcast := lastAddr(pool)
	for a := pool.Addr().Next(); a.IsValid() && pool.Contains(a) && a != broadcast; a = a.Next() {
		if !reserved(a) {
			r.usedIPs[a] = refOf(iface)
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s for %s", ErrPoolExhausted, pool, refOf(iface))
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	hostBits := 32 - p.Bits()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= (1 << hostBits) - 1
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func numberFromName(re *regexp.Regexp, name string) (int, bool) {
	m := re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
