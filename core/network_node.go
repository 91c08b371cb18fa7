package core

import (
	"maps"
	"net/netip"
	"slices"
	"sync"

	"github.com/signalsfoundry/p4net/model"
)

// SwitchConfig is a switch's resolved configuration: declared values with
// topology defaults applied, plus identity fields filled in by assignment.
type SwitchConfig struct {
	Program         string
	SwitchBinary    string
	Compiler        string
	CompilerOptions string
	CLIBinary       string
	CLIInput        string

	CPUPort           bool
	NotificationsAddr string

	DeviceID   int
	GRPCPort   int
	ThriftPort int
	// Endpoint is the control-plane runtime address, host:port.
	Endpoint string

	// Artifact is the compiled program currently loaded, if any.
	Artifact string
}

// HostConfig is a host's resolved configuration.
type HostConfig struct {
	DefaultRoute netip.Addr
	Exec         []string
}

// SwitchIdentity groups the identifiers assigned to a switch.
type SwitchIdentity struct {
	DeviceID   int
	GRPCPort   int
	ThriftPort int
	Endpoint   string
}

// Node is a host or switch in the topology. Identity and declared
// attributes are immutable; lifecycle state and addresses are guarded by
// mu and change only through Topology setters.
type Node struct {
	name      string
	kind      model.NodeKind
	index     int
	dependsOn []string
	extra     map[string]any

	requestedDefaultRoute string

	mu         sync.RWMutex
	state      model.LifecycleState
	lastErr    error
	interfaces []*Interface
	sw         SwitchConfig
	host       HostConfig
}

func (n *Node) Name() string { return n.name }

func (n *Node) Kind() model.NodeKind { return n.kind }

// Index is the node's position in declaration order.
func (n *Node) Index() int { return n.index }

func (n *Node) IsSwitch() bool { return n.kind == model.KindSwitch }

func (n *Node) IsHost() bool { return n.kind == model.KindHost }

// DependsOn lists nodes that must settle before this node starts.
func (n *Node) DependsOn() []string { return slices.Clone(n.dependsOn) }

// Extra returns a copy of the node's extra attributes.
func (n *Node) Extra() map[string]any { return maps.Clone(n.extra) }

// RequestedDefaultRoute is the gateway given in the description, if any.
func (n *Node) RequestedDefaultRoute() string { return n.requestedDefaultRoute }

func (n *Node) State() model.LifecycleState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// LastError is the error recorded with the most recent failure, kept
// until the node next reaches Running.
func (n *Node) LastError() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastErr
}

// Status returns state and last error under one lock acquisition.
func (n *Node) Status() (model.LifecycleState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state, n.lastErr
}

// Interfaces returns the node's interfaces in port order.
func (n *Node) Interfaces() []*Interface {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.interfaces)
}

// Interface looks up an interface by name.
func (n *Node) Interface(name string) (*Interface, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, iface := range n.interfaces {
		if iface.name == name {
			return iface, true
		}
	}
	return nil, false
}

// Switch returns the resolved switch configuration. It is the zero value
// for hosts.
func (n *Node) Switch() SwitchConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sw
}

// Host returns the resolved host configuration. It is the zero value for
// switches.
func (n *Node) Host() HostConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	hc := n.host
	hc.Exec = slices.Clone(hc.Exec)
	return hc
}

func (n *Node) addInterface(iface *Interface) {
	n.interfaces = append(n.interfaces, iface)
	slices.SortFunc(n.interfaces, func(a, b *Interface) int { return a.port - b.port })
}

func (n *Node) portInUse(port int) bool {
	for _, iface := range n.interfaces {
		if iface.port == port {
			return true
		}
	}
	return false
}

func (n *Node) nameInUse(name string) bool {
	for _, iface := range n.interfaces {
		if iface.name == name {
			return true
		}
	}
	return false
}
