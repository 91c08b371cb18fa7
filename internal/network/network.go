// Package network is the entry point the front-end uses: it builds a
// topology from a description, assigns addresses, brings the nodes up and
// hands back an explicit handle for reboot, teardown and queries. There is
// no package-level state; several networks may coexist.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/assign"
	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpclient"
	"github.com/signalsfoundry/p4net/internal/lifecycle"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/query"
	"github.com/signalsfoundry/p4net/internal/substrate"
	"github.com/signalsfoundry/p4net/model"
)

// Re-export the error taxonomy so callers can depend on network.* alone.
var (
	ErrNotFound          = core.ErrNotFound
	ErrNodeNotFound      = core.ErrNodeNotFound
	ErrValidation        = core.ErrValidation
	ErrWrongKind         = core.ErrWrongKind
	ErrInvalidTransition = core.ErrInvalidTransition
	ErrNotRunning        = lifecycle.ErrNotRunning
	ErrTornDown          = lifecycle.ErrTornDown
	ErrEntryNotFound     = cpclient.ErrNotFound
	ErrNoPath            = query.ErrNoPath
)

type (
	ValidationError      = core.ValidationError
	MissingProgramError  = core.MissingProgramError
	AddressConflictError = assign.AddressConflictError
	CompileError         = compiler.CompileError
	SpawnError           = substrate.SpawnError
	ConnectError         = cpclient.ConnectError
	RuntimeError         = cpclient.RuntimeError
)

// Deps are the external collaborators. Client and Compiler default to a
// plain cpclient and p4c when nil; Substrate is required.
type Deps = lifecycle.Deps

// MetricsRecorder receives the size and health of a network after build
// and after every reboot or teardown.
type MetricsRecorder interface {
	SetNetworkCounts(nodes, links, running, failed int)
}

type nopMetrics struct{}

func (nopMetrics) SetNetworkCounts(int, int, int, int) {}

// Option customises Build.
type Option func(*options)

type options struct {
	log       logging.Logger
	metrics   MetricsRecorder
	assign    *assign.Options
	lifecycle []lifecycle.Option
}

// WithLogger attaches a logger to the network and its lifecycle manager.
func WithLogger(log logging.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics attaches a recorder for network-level gauges.
func WithMetrics(r MetricsRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithAssignOptions overrides the assignment options otherwise derived
// from the description's defaults.
func WithAssignOptions(a assign.Options) Option {
	return func(o *options) { o.assign = &a }
}

// WithLifecycleOptions passes options through to the lifecycle manager.
func WithLifecycleOptions(opts ...lifecycle.Option) Option {
	return func(o *options) { o.lifecycle = append(o.lifecycle, opts...) }
}

// Network is a built network. Methods are safe for concurrent use.
type Network struct {
	id      string
	topo    *core.Topology
	plan    *assign.Plan
	mgr     *lifecycle.Manager
	query   *query.Service
	log     logging.Logger
	metrics MetricsRecorder
	created time.Time

	teardownOnce sync.Once
	teardownErr  error
}

// Prepare validates desc and computes its address plan without touching
// the substrate.
func Prepare(desc model.Description, opts ...Option) (*core.Topology, *assign.Plan, error) {
	o := buildOptions(opts)
	return prepare(desc, o)
}

func buildOptions(opts []Option) *options {
	o := &options{log: logging.Noop(), metrics: nopMetrics{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func prepare(desc model.Description, o *options) (*core.Topology, *assign.Plan, error) {
	topo, err := core.Build(desc)
	if err != nil {
		return nil, nil, err
	}
	aopts := assign.OptionsFromDefaults(topo.Defaults())
	if o.assign != nil {
		aopts = *o.assign
	}
	plan, err := assign.Assign(topo, aopts)
	if err != nil {
		return nil, nil, err
	}
	return topo, plan, nil
}

// Build turns desc into a running network. Validation and address
// conflicts fail before anything is provisioned. Per-node failures do
// not fail Build: those nodes end in Failed and stay queryable. Cancelling
// ctx during Build tears down whatever was started and returns the cause.
func Build(ctx context.Context, desc model.Description, deps Deps, opts ...Option) (*Network, error) {
	if deps.Substrate == nil {
		return nil, fmt.Errorf("network: substrate is required")
	}
	o := buildOptions(opts)
	topo, plan, err := prepare(desc, o)
	if err != nil {
		return nil, err
	}

	n := &Network{
		id:      uuid.NewString(),
		topo:    topo,
		plan:    plan,
		query:   query.New(topo),
		metrics: o.metrics,
		created: time.Now(),
	}
	n.log = o.log.With(logging.String("network", n.id))
	n.mgr = lifecycle.New(topo, deps, append([]lifecycle.Option{lifecycle.WithLogger(n.log)}, o.lifecycle...)...)

	n.log.Info(ctx, "building network",
		logging.Int("hosts", len(topo.Hosts())),
		logging.Int("switches", len(topo.Switches())),
		logging.Int("links", len(topo.Links())),
	)
	if err := n.mgr.Start(ctx); err != nil {
		n.recordCounts()
		return nil, err
	}
	n.recordCounts()
	return n, nil
}

func (n *Network) recordCounts() {
	running, failed := 0, 0
	for _, node := range n.topo.Nodes() {
		switch node.State() {
		case model.StateRunning:
			running++
		case model.StateFailed:
			failed++
		}
	}
	n.metrics.SetNetworkCounts(len(n.topo.Nodes()), len(n.topo.Links()), running, failed)
}

// ID identifies this build in logs and the introspection API.
func (n *Network) ID() string { return n.id }

// Created is when Build was called.
func (n *Network) Created() time.Time { return n.created }

func (n *Network) Topology() *core.Topology { return n.topo }

// Plan is the address and identifier plan applied at build time.
func (n *Network) Plan() *assign.Plan { return n.plan }

// Query returns the live query service.
func (n *Network) Query() *query.Service { return n.query }

// Reboot swaps a running switch's data-plane program in place. An empty
// program recompiles the current one.
func (n *Network) Reboot(ctx context.Context, node, program string) error {
	err := n.mgr.Reboot(ctx, node, program)
	n.recordCounts()
	return err
}

// Stop stops a single node. Stopping a stopped node is a no-op.
func (n *Network) Stop(ctx context.Context, node string) error {
	err := n.mgr.Stop(ctx, node)
	n.recordCounts()
	return err
}

// WithSession runs fn with the named switch's control-plane session. The
// switch cannot change state while fn runs.
func (n *Network) WithSession(ctx context.Context, node string, fn func(context.Context, *cpclient.Session) error) error {
	return n.mgr.WithSession(ctx, node, fn)
}

// Teardown stops every node and releases links and contexts. Later calls
// return the first call's result.
func (n *Network) Teardown(ctx context.Context) error {
	n.teardownOnce.Do(func() {
		n.log.Info(ctx, "tearing down network")
		n.teardownErr = n.mgr.Teardown(ctx)
		n.recordCounts()
	})
	return n.teardownErr
}
