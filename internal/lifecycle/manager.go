// Package lifecycle brings the nodes of a topology up and down: execution
// contexts and links first, then one task per node driving its state
// machine, with per-node transitions serialised and readiness dependencies
// honoured.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpclient"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/notify"
	"github.com/signalsfoundry/p4net/internal/substrate"
	"github.com/signalsfoundry/p4net/model"
)

const tracerName = "github.com/signalsfoundry/p4net/internal/lifecycle"

// Deps are the collaborators a Manager drives.
type Deps struct {
	Substrate substrate.Substrate
	Compiler  compiler.Compiler
	Client    *cpclient.Client
}

// Option configures a Manager.
type Option func(*Manager)

// WithParallelism caps the number of node tasks running at once. Zero or
// less means unbounded.
func WithParallelism(n int) Option {
	return func(m *Manager) { m.parallelism = n }
}

// WithLogger attaches a logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithNotificationHandler receives events from switches that publish
// notifications.
func WithNotificationHandler(h notify.Handler) Option {
	return func(m *Manager) { m.onEvent = h }
}

// WithStopSignal sets the signal sent to processes on stop.
func WithStopSignal(sig os.Signal) Option {
	return func(m *Manager) { m.stopSignal = sig }
}

// Manager owns the running state of one topology.
type Manager struct {
	topo       *core.Topology
	sub        substrate.Substrate
	comp       compiler.Compiler
	client     *cpclient.Client
	log        logging.Logger
	metrics    MetricsRecorder
	tracer     trace.Tracer
	onEvent    notify.Handler
	stopSignal os.Signal

	parallelism int

	ctx    context.Context
	cancel context.CancelCauseFunc

	runners map[string]*runner

	mu       sync.Mutex
	started  bool
	tornDown bool
	contexts map[string]substrate.ContextHandle
	links    []linkHandle
}

type linkHandle struct {
	id string
	h  substrate.LinkHandle
}

// runner is the per-node task state. mu serialises the node's
// transitions and guards the process and session fields.
type runner struct {
	node *core.Node

	mu       sync.Mutex
	proc     substrate.Process
	execs    []substrate.Process
	session  *cpclient.Session
	listener *notify.Listener

	settled    chan struct{}
	settleOnce sync.Once
}

func (r *runner) settle() { r.settleOnce.Do(func() { close(r.settled) }) }

// New returns a Manager for topo. Nothing is provisioned until Start.
func New(topo *core.Topology, deps Deps, opts ...Option) *Manager {
	ctx, cancel := context.WithCancelCause(context.Background())
	m := &Manager{
		topo:       topo,
		sub:        deps.Substrate,
		comp:       deps.Compiler,
		client:     deps.Client,
		log:        logging.Noop(),
		metrics:    nopMetrics{},
		tracer:     otel.Tracer(tracerName),
		stopSignal: syscall.SIGTERM,
		ctx:        ctx,
		cancel:     cancel,
		runners:    make(map[string]*runner),
		contexts:   make(map[string]substrate.ContextHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = cpclient.New(cpclient.WithLogger(m.log))
	}
	if m.comp == nil {
		m.comp = compiler.NewP4C(compiler.WithLogger(m.log))
	}
	for _, n := range topo.Nodes() {
		m.runners[n.Name()] = &runner{node: n, settled: make(chan struct{})}
	}
	return m
}

// Topology returns the managed topology.
func (m *Manager) Topology() *core.Topology { return m.topo }

//
// ---------- Bring-up ----------
//

// Start provisions contexts and links, then brings every node up in
// parallel. It returns once each node is Running or Failed. Per-node
// failures are recorded on the node and do not fail Start; cancelling ctx
// aborts the build and tears the network down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { m.cancel(context.Cause(ctx)) })
	defer stop()

	ctx, span := m.tracer.Start(ctx, "lifecycle.Start", trace.WithAttributes(
		attribute.Int("p4net.nodes", len(m.runners)),
		attribute.Int("p4net.links", len(m.topo.Links())),
	))
	defer span.End()
	start := time.Now()

	// Node spans hang off the build span but node tasks follow the
	// manager's lifetime, not the caller's.
	tctx := trace.ContextWithSpan(m.ctx, span)
	m.provision(tctx)

	g := new(errgroup.Group)
	if m.parallelism > 0 {
		g.SetLimit(m.parallelism)
	}
	for _, n := range m.startOrder() {
		r := m.runners[n.Name()]
		g.Go(func() error {
			if n.IsSwitch() {
				m.bringUpSwitch(tctx, r)
			} else {
				m.bringUpHost(tctx, r)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.ctx.Err(); err != nil {
		cause := context.Cause(m.ctx)
		if !errors.Is(cause, ErrTornDown) {
			m.log.Warn(ctx, "build aborted, tearing down", logging.Err(cause))
			if terr := m.Teardown(context.WithoutCancel(ctx)); terr != nil {
				m.log.Error(ctx, "teardown after abort failed", logging.Err(terr))
			}
		}
		span.SetStatus(codes.Error, "aborted")
		return fmt.Errorf("build aborted: %w", cause)
	}

	running, failed := 0, 0
	for _, n := range m.topo.Nodes() {
		switch n.State() {
		case model.StateRunning:
			running++
		case model.StateFailed:
			failed++
		}
	}
	span.SetAttributes(attribute.Int("p4net.running", running), attribute.Int("p4net.failed", failed))
	m.log.Info(ctx, "network started",
		logging.Int("running", running),
		logging.Int("failed", failed),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// provision creates every execution context, then every link between
// nodes that got one. Failures leave the affected nodes without a context
// or the link down; they surface when the node starts.
func (m *Manager) provision(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.topo.Nodes() {
		if m.tornDown || ctx.Err() != nil {
			return
		}
		h, err := m.sub.CreateContext(ctx, substrate.ContextSpec{Node: n.Name(), Kind: n.Kind(), Isolated: n.IsHost()})
		if err != nil {
			m.log.Error(ctx, "cannot create execution context", logging.Node(n.Name()), logging.Err(err))
			continue
		}
		m.contexts[n.Name()] = h
	}
	for _, l := range m.topo.Links() {
		if m.tornDown || ctx.Err() != nil {
			return
		}
		a, b := l.Endpoints()
		ea, okA := m.endpointLocked(a)
		eb, okB := m.endpointLocked(b)
		if !okA || !okB {
			m.log.Warn(ctx, "skipping link without both contexts", logging.String("link", l.ID()))
			continue
		}
		h, err := m.sub.CreateLink(ctx, ea, eb, l.Attrs())
		if err != nil {
			m.log.Error(ctx, "cannot create link", logging.String("link", l.ID()), logging.Err(err))
			continue
		}
		m.links = append(m.links, linkHandle{id: l.ID(), h: h})
		_ = m.topo.SetLinkLive(l.ID(), true)
	}
}

func (m *Manager) endpointLocked(iface *core.Interface) (substrate.Endpoint, bool) {
	h, ok := m.contexts[iface.Node()]
	if !ok {
		return substrate.Endpoint{}, false
	}
	ep := substrate.Endpoint{Context: h, Interface: iface.Name(), MAC: iface.MAC()}
	// Switch ports are data-plane ports; only host interfaces get a
	// kernel address.
	if h.Isolated {
		if p := iface.IP(); p.IsValid() {
			ep.IP = p.String()
		}
	}
	return ep, true
}

func (m *Manager) contextOf(name string) (substrate.ContextHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.contexts[name]
	return h, ok
}

// startOrder lists nodes so that every node follows its readiness
// dependencies, keeping declaration order otherwise. Dependencies are
// acyclic by construction of the topology.
func (m *Manager) startOrder() []*core.Node {
	var out []*core.Node
	seen := make(map[string]bool)
	var visit func(n *core.Node)
	visit = func(n *core.Node) {
		if seen[n.Name()] {
			return
		}
		seen[n.Name()] = true
		for _, dep := range n.DependsOn() {
			if d, err := m.topo.Node(dep); err == nil {
				visit(d)
			}
		}
		out = append(out, n)
	}
	for _, n := range m.topo.Nodes() {
		visit(n)
	}
	return out
}

// waitDependencies blocks until every dependency of r has settled. A
// dependency that did not reach Running is logged and otherwise ignored.
func (m *Manager) waitDependencies(ctx context.Context, r *runner) error {
	for _, dep := range r.node.DependsOn() {
		d, ok := m.runners[dep]
		if !ok {
			continue
		}
		select {
		case <-d.settled:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		if st, err := d.node.Status(); st != model.StateRunning {
			m.log.Warn(ctx, "dependency did not come up",
				logging.Node(r.node.Name()),
				logging.String("dependency", dep),
				logging.String("state", st.String()),
				logging.Any("dependency_error", err),
			)
		}
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, n *core.Node, to model.LifecycleState, cause error) error {
	from, err := m.topo.SetNodeState(n.Name(), to, cause)
	if err != nil {
		return err
	}
	m.metrics.ObserveTransition(n.Kind(), from, to)
	fields := []logging.Field{logging.Node(n.Name()), logging.String("from", from.String()), logging.String("to", to.String())}
	if cause != nil {
		m.log.Warn(ctx, "node transition", append(fields, logging.Err(cause))...)
	} else {
		m.log.Debug(ctx, "node transition", fields...)
	}
	return nil
}

// fail releases whatever the node holds and marks it Failed, unless the
// build is being torn down, in which case teardown owns the node.
func (m *Manager) fail(ctx context.Context, r *runner, cause error) {
	m.release(context.WithoutCancel(ctx), r)
	if m.ctx.Err() != nil {
		return
	}
	if err := m.transition(ctx, r.node, model.StateFailed, cause); err != nil {
		m.log.Error(ctx, "cannot mark node failed", logging.Node(r.node.Name()), logging.Err(err))
	}
}

func (m *Manager) bringUpSwitch(ctx context.Context, r *runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.settle()
	if ctx.Err() != nil {
		return
	}
	n := r.node
	ctx, span := m.tracer.Start(ctx, "lifecycle.bringUpSwitch", trace.WithAttributes(attribute.String("p4net.node", n.Name())))
	defer span.End()
	start := time.Now()

	err := m.bringUpSwitchLocked(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.metrics.ObserveBringUp(n.Kind(), time.Since(start), err)
}

func (m *Manager) bringUpSwitchLocked(ctx context.Context, r *runner) error {
	n := r.node
	if err := m.transition(ctx, n, model.StateCompiling, nil); err != nil {
		return err
	}
	if err := m.compile(ctx, n, ""); err != nil {
		m.fail(ctx, r, err)
		return err
	}
	if err := m.waitDependencies(ctx, r); err != nil {
		return err
	}
	if err := m.transition(ctx, n, model.StateStarting, nil); err != nil {
		return err
	}
	if err := m.startSwitch(ctx, r); err != nil {
		m.fail(ctx, r, err)
		return err
	}
	return m.transition(ctx, n, model.StateRunning, nil)
}

func (m *Manager) bringUpHost(ctx context.Context, r *runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.settle()
	if ctx.Err() != nil {
		return
	}
	n := r.node
	ctx, span := m.tracer.Start(ctx, "lifecycle.bringUpHost", trace.WithAttributes(attribute.String("p4net.node", n.Name())))
	defer span.End()
	start := time.Now()

	err := m.bringUpHostLocked(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.metrics.ObserveBringUp(n.Kind(), time.Since(start), err)
}

func (m *Manager) bringUpHostLocked(ctx context.Context, r *runner) error {
	n := r.node
	if err := m.waitDependencies(ctx, r); err != nil {
		return err
	}
	if err := m.transition(ctx, n, model.StateStarting, nil); err != nil {
		return err
	}
	if err := m.startHost(ctx, r); err != nil {
		m.fail(ctx, r, err)
		return err
	}
	return m.transition(ctx, n, model.StateRunning, nil)
}

//
// ---------- Reboot ----------
//

// Reboot recompiles a running switch, optionally with a new program, and
// restarts its process in the same execution context. Interfaces, links
// and addresses are untouched. On failure the node is Failed and its old
// process is gone.
func (m *Manager) Reboot(ctx context.Context, name, program string) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	if !r.node.IsSwitch() {
		return fmt.Errorf("%w: reboot %s %q", core.ErrWrongKind, r.node.Kind(), name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.node.State(); st != model.StateRunning {
		return fmt.Errorf("%w: %q is %s", ErrNotRunning, name, st)
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.Reboot", trace.WithAttributes(
		attribute.String("p4net.node", name),
		attribute.String("p4net.program", program),
	))
	defer span.End()
	start := time.Now()

	err = m.rebootLocked(ctx, r, program)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.metrics.ObserveReboot(time.Since(start), err)
	return err
}

func (m *Manager) rebootLocked(ctx context.Context, r *runner, program string) error {
	n := r.node
	if err := m.transition(ctx, n, model.StateReconfiguring, nil); err != nil {
		return err
	}
	if err := m.compile(ctx, n, program); err != nil {
		m.fail(ctx, r, err)
		return err
	}
	m.release(ctx, r)
	if err := m.startSwitch(ctx, r); err != nil {
		m.fail(ctx, r, err)
		return err
	}
	m.log.Info(ctx, "switch rebooted", logging.Node(n.Name()), logging.String("artifact", n.Switch().Artifact))
	return m.transition(ctx, n, model.StateRunning, nil)
}

//
// ---------- Stop / teardown ----------
//

// Stop stops one node. Stopping a stopped node is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.stopLocked(ctx, r)
}

func (m *Manager) stopLocked(ctx context.Context, r *runner) error {
	defer r.settle()
	st := r.node.State()
	if st == model.StateStopped {
		return nil
	}
	if err := m.transition(ctx, r.node, model.StateStopping, nil); err != nil {
		return err
	}
	m.release(ctx, r)
	return m.transition(ctx, r.node, model.StateStopped, nil)
}

// Teardown aborts any in-flight bring-up, stops every node in parallel,
// then removes links and contexts. It is safe on a partially built network
// and only the first call has an effect.
func (m *Manager) Teardown(ctx context.Context) error {
	m.cancel(ErrTornDown)
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil
	}
	m.tornDown = true
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "lifecycle.Teardown")
	defer span.End()

	var (
		errMu sync.Mutex
		errs  []error
	)
	record := func(err error) {
		if err != nil {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
	}

	var g errgroup.Group
	for _, n := range m.topo.Nodes() {
		name := n.Name()
		g.Go(func() error {
			if err := m.Stop(ctx, name); err != nil {
				record(fmt.Errorf("stop %q: %w", name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	links := slices.Clone(m.links)
	m.links = nil
	contexts := make([]substrate.ContextHandle, 0, len(m.contexts))
	for _, n := range m.topo.Nodes() {
		if h, ok := m.contexts[n.Name()]; ok {
			contexts = append(contexts, h)
		}
	}
	clear(m.contexts)
	m.mu.Unlock()

	for _, l := range links {
		record(m.sub.RemoveLink(ctx, l.h))
		_ = m.topo.SetLinkLive(l.id, false)
	}
	for _, h := range contexts {
		record(m.sub.DestroyContext(ctx, h))
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown incomplete")
	}
	m.log.Info(ctx, "network torn down", logging.Int("links", len(links)), logging.Int("contexts", len(contexts)))
	return err
}

//
// ---------- Control-plane access ----------
//

// WithSession runs fn with the node's control-plane session while holding
// the node's transition lock, so the session cannot be swapped underneath.
func (m *Manager) WithSession(ctx context.Context, name string, fn func(context.Context, *cpclient.Session) error) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	if !r.node.IsSwitch() {
		return fmt.Errorf("%w: %s %q has no control plane", core.ErrWrongKind, r.node.Kind(), name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.node.State(); st != model.StateRunning || r.session == nil {
		return fmt.Errorf("%w: %q is %s", ErrNotRunning, name, st)
	}
	return fn(ctx, r.session)
}

func (m *Manager) runner(name string) (*runner, error) {
	r, ok := m.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrNodeNotFound, name)
	}
	return r, nil
}
