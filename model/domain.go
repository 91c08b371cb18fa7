package model

import "time"

// Assignment strategy identifiers.
const (
	StrategyL2     = "l2"
	StrategyMixed  = "mixed"
	StrategyL3     = "l3"
	StrategyManual = "manual"
)

// Defaults holding the global configuration of a topology. Per-switch
// fields override the corresponding default.
type Defaults struct {
	Program         string
	SwitchBinary    string
	Compiler        string
	CompilerOptions string
	CLIBinary       string

	AssignmentStrategy string
	AutoARPTables      bool
	AutoGatewayARP     bool

	// CLI keeps the network up after build until the front-end exits.
	CLI bool

	PcapDump  bool
	PcapDir   string
	EnableLog bool
	LogDir    string

	ControlPlaneHost string
	ConnectTimeout   time.Duration
}

// Description is the declarative input to a topology build. Slice order
// is declaration order and drives every deterministic walk of the graph.
type Description struct {
	Defaults Defaults
	Hosts    []HostSpec
	Switches []SwitchSpec
	Links    []LinkSpec
}

// Fallback values applied when the description leaves them empty.
// DefaultSwitchBinary is the gRPC build of bmv2: control-plane sessions
// need the --grpc-server-addr target option that plain simple_switch
// does not accept.
const (
	DefaultSwitchBinary     = "simple_switch_grpc"
	DefaultCompiler         = "p4c"
	DefaultCompilerOptions  = "--target bmv2 --arch v1model --std p4-16"
	DefaultCLIBinary        = "simple_switch_CLI"
	DefaultControlPlaneHost = "127.0.0.1"
	DefaultConnectTimeout   = 10 * time.Second
)

// WithFallbacks returns a copy of d with empty fields filled in.
func (d Defaults) WithFallbacks() Defaults {
	if d.SwitchBinary == "" {
		d.SwitchBinary = DefaultSwitchBinary
	}
	if d.Compiler == "" {
		d.Compiler = DefaultCompiler
	}
	if d.CompilerOptions == "" {
		d.CompilerOptions = DefaultCompilerOptions
	}
	if d.CLIBinary == "" {
		d.CLIBinary = DefaultCLIBinary
	}
	if d.AssignmentStrategy == "" {
		d.AssignmentStrategy = StrategyMixed
	}
	if d.ControlPlaneHost == "" {
		d.ControlPlaneHost = DefaultControlPlaneHost
	}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = DefaultConnectTimeout
	}
	return d
}
