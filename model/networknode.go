package model

import "fmt"

// NodeKind tags a node as a host or a switch. Kind-specific data lives
// in HostSpec / SwitchSpec; lifecycle behaviour is selected by kind.
type NodeKind int

const (
	KindHost NodeKind = iota
	KindSwitch
)

func (k NodeKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindSwitch:
		return "switch"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// HostSpec is the declared shape of an emulated host.
type HostSpec struct {
	Name string

	// Optional address for the host's first interface, CIDR or bare
	// IPv4. "auto" or empty lets the assigner pick one.
	IP  string
	MAC string

	// DefaultRoute is a gateway IPv4 address. Empty lets the assigner
	// derive one when the strategy has a gateway.
	DefaultRoute string

	// Exec commands run inside the host context at the end of Starting.
	Exec []string

	DependsOn []string
	Extra     map[string]any
}

// SwitchSpec is the declared shape of a P4 software switch. Empty string
// and zero-valued fields fall back to the topology defaults.
type SwitchSpec struct {
	Name string

	Program         string
	SwitchBinary    string
	Compiler        string
	CompilerOptions string
	CLIBinary       string

	// CLIInput is a file of runtime commands applied once the switch
	// accepts a control-plane session.
	CLIInput string

	DeviceID   int
	GRPCPort   int
	ThriftPort int
	CPUPort    bool

	// NotificationsAddr is a nanomsg URL the switch publishes events on.
	NotificationsAddr string

	DependsOn []string
	Extra     map[string]any
}

// LinkSpec declares an undirected link between two nodes. Port and
// interface names are optional; unset values are assigned in declaration
// order.
type LinkSpec struct {
	Node1, Node2 string
	Port1, Port2 int
	Intf1, Intf2 string
	MAC1, MAC2   string
	IP1, IP2     string

	Attrs LinkAttrs
}

// LinkAttrs are passed through to the provisioning substrate untouched.
type LinkAttrs struct {
	BandwidthMbps float64
	Delay         string
	Jitter        string
	LossPercent   float64
	MaxQueueSize  int
	MTU           int
	Weight        int
}
