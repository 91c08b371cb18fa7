package core

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/signalsfoundry/p4net/model"
)

// Topology is the validated, live graph of a network. The node map and
// link set are fixed by Build; node-scoped state changes through the
// setters below, each taking only the affected node's lock.
type Topology struct {
	defaults model.Defaults

	nodes    map[string]*Node
	order    []*Node
	links    []*Link
	linkByID map[string]*Link
}

// Defaults returns the topology-wide configuration with fallbacks applied.
func (t *Topology) Defaults() model.Defaults { return t.defaults }

//
// ---------- Nodes ----------
//

// Node returns the named node or ErrNodeNotFound.
func (t *Topology) Node(name string) (*Node, error) {
	n, ok := t.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return n, nil
}

// Nodes returns every node in declaration order.
func (t *Topology) Nodes() []*Node { return slices.Clone(t.order) }

func (t *Topology) Hosts() []*Node { return t.nodesOfKind(model.KindHost) }

func (t *Topology) Switches() []*Node { return t.nodesOfKind(model.KindSwitch) }

func (t *Topology) nodesOfKind(kind model.NodeKind) []*Node {
	var out []*Node
	for _, n := range t.order {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Interface resolves node/interface names.
func (t *Topology) Interface(node, name string) (*Interface, error) {
	n, err := t.Node(node)
	if err != nil {
		return nil, err
	}
	iface, ok := n.Interface(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrInterfaceNotFound, node, name)
	}
	return iface, nil
}

//
// ---------- Links ----------
//

// Links returns every link in declaration order.
func (t *Topology) Links() []*Link { return slices.Clone(t.links) }

func (t *Topology) Link(id string) (*Link, error) {
	l, ok := t.linkByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLinkNotFound, id)
	}
	return l, nil
}

// LinksOf returns the links touching node in declaration order.
func (t *Topology) LinksOf(node string) ([]*Link, error) {
	if _, err := t.Node(node); err != nil {
		return nil, err
	}
	var out []*Link
	for _, l := range t.links {
		if l.Touches(node) {
			out = append(out, l)
		}
	}
	return out, nil
}

//
// ---------- Setters ----------
//

// SetNodeState moves a node to a new lifecycle state, rejecting moves the
// node's state machine does not allow. A non-nil err is recorded as the
// node's last error; reaching Running clears it.
func (t *Topology) SetNodeState(name string, to model.LifecycleState, err error) (model.LifecycleState, error) {
	n, lookupErr := t.Node(name)
	if lookupErr != nil {
		return 0, lookupErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	from := n.state
	if !model.CanTransition(n.kind, from, to) {
		return from, fmt.Errorf("%w: %s %q %s -> %s", ErrInvalidTransition, n.kind, name, from, to)
	}
	n.state = to
	switch {
	case err != nil:
		n.lastErr = err
	case to == model.StateRunning:
		n.lastErr = nil
	}
	return from, nil
}

// SetInterfaceAddress records the MAC and IPv4 prefix of an interface.
func (t *Topology) SetInterfaceAddress(node, iface, mac string, ip netip.Prefix) error {
	intf, err := t.Interface(node, iface)
	if err != nil {
		return err
	}
	if ip.IsValid() && !ip.Addr().Is4() {
		return fmt.Errorf("interface %s/%s: %s is not IPv4", node, iface, ip)
	}
	intf.node.mu.Lock()
	defer intf.node.mu.Unlock()
	intf.mac = mac
	intf.ip = ip
	return nil
}

// SetInterfaceARP replaces the static neighbour entries of an interface.
func (t *Topology) SetInterfaceARP(node, iface string, entries []ARPEntry) error {
	intf, err := t.Interface(node, iface)
	if err != nil {
		return err
	}
	intf.node.mu.Lock()
	defer intf.node.mu.Unlock()
	intf.arp = slices.Clone(entries)
	return nil
}

// SetSwitchIdentity records the device ID and control-plane addressing of
// a switch.
func (t *Topology) SetSwitchIdentity(name string, id SwitchIdentity) error {
	n, err := t.switchNode(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sw.DeviceID = id.DeviceID
	n.sw.GRPCPort = id.GRPCPort
	n.sw.ThriftPort = id.ThriftPort
	n.sw.Endpoint = id.Endpoint
	return nil
}

// SetSwitchProgram records the program and compiled artifact a switch is
// running.
func (t *Topology) SetSwitchProgram(name, program, artifact string) error {
	n, err := t.switchNode(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if program != "" {
		n.sw.Program = program
	}
	n.sw.Artifact = artifact
	return nil
}

// SetHostDefaultRoute records a host's default gateway.
func (t *Topology) SetHostDefaultRoute(name string, gw netip.Addr) error {
	n, err := t.Node(name)
	if err != nil {
		return err
	}
	if n.kind != model.KindHost {
		return fmt.Errorf("%w: default route on %s %q", ErrWrongKind, n.kind, name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.host.DefaultRoute = gw
	return nil
}

// SetLinkLive flips a link's liveness flag.
func (t *Topology) SetLinkLive(id string, live bool) error {
	l, err := t.Link(id)
	if err != nil {
		return err
	}
	l.live.Store(live)
	return nil
}

func (t *Topology) switchNode(name string) (*Node, error) {
	n, err := t.Node(name)
	if err != nil {
		return nil, err
	}
	if n.kind != model.KindSwitch {
		return nil, fmt.Errorf("%w: %s %q is not a switch", ErrWrongKind, n.kind, name)
	}
	return n, nil
}
