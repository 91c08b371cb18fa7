package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/assign"
	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpclient"
	"github.com/signalsfoundry/p4net/internal/runtimesim"
	"github.com/signalsfoundry/p4net/internal/substrate"
	"github.com/signalsfoundry/p4net/model"
)

var testProgram = runtimesim.Program{Tables: []compiler.Table{{
	Name:    "MyIngress.ipv4_lpm",
	Keys:    []string{"hdr.ipv4.dstAddr"},
	Actions: []string{"MyIngress.ipv4_forward", "MyIngress.drop"},
}}}

// recorder keeps the target state of every transition, in order.
type recorder struct {
	nopMetrics
	mu     sync.Mutex
	events []model.LifecycleState
}

func (r *recorder) ObserveTransition(_ model.NodeKind, _, to model.LifecycleState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, to)
}

type harness struct {
	topo *core.Topology
	fake *substrate.Fake
	emu  *runtimesim.Emulator
	mgr  *Manager

	mu    sync.Mutex
	gates map[string]chan struct{}
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	clientOpts []cpclient.Option
	mgrOpts    []Option
	spawnHook  func(p *substrate.FakeProcess) bool
	failCtx    func(spec substrate.ContextSpec) error
}

func withClient(opts ...cpclient.Option) harnessOption {
	return func(c *harnessConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

func withManager(opts ...Option) harnessOption {
	return func(c *harnessConfig) { c.mgrOpts = append(c.mgrOpts, opts...) }
}

// withSpawnHook intercepts spawns before the emulator; returning true
// swallows the spawn.
func withSpawnHook(fn func(p *substrate.FakeProcess) bool) harnessOption {
	return func(c *harnessConfig) { c.spawnHook = fn }
}

func newHarness(t *testing.T, desc model.Description, opts ...harnessOption) *harness {
	t.Helper()
	cfg := &harnessConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	topo, err := core.Build(desc)
	require.NoError(t, err)
	_, err = assign.Assign(topo, assign.OptionsFromDefaults(topo.Defaults()))
	require.NoError(t, err)

	h := &harness{topo: topo, fake: substrate.NewFake(), gates: make(map[string]chan struct{})}
	h.fake.FailContext = cfg.failCtx
	h.emu = runtimesim.NewEmulator(nil)
	h.emu.Loader = func(path string) (runtimesim.Program, error) {
		if strings.Contains(path, "crash") {
			return runtimesim.Program{}, errors.New("segmentation fault")
		}
		return testProgram, nil
	}
	h.emu.Attach(h.fake)
	if cfg.spawnHook != nil {
		next := h.fake.OnSpawn
		h.fake.OnSpawn = func(p *substrate.FakeProcess) {
			if !cfg.spawnHook(p) {
				next(p)
			}
		}
	}

	comp := compiler.Func(func(ctx context.Context, req compiler.Request) (*compiler.Artifact, error) {
		base := filepath.Base(req.Program)
		if gate := h.gate(base); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if strings.HasPrefix(base, "bad") {
			return nil, &compiler.CompileError{Program: req.Program, Diagnostic: "syntax error", Err: errors.New("exit status 1")}
		}
		return &compiler.Artifact{Program: req.Program, JSONPath: strings.TrimSuffix(req.Program, ".p4") + ".json"}, nil
	})
	client := cpclient.New(append([]cpclient.Option{
		cpclient.WithDialOptions(h.emu.DialOption()),
		cpclient.WithRetry(5, time.Millisecond, 10*time.Millisecond),
		cpclient.WithConnectTimeout(time.Second),
	}, cfg.clientOpts...)...)

	h.mgr = New(topo, Deps{Substrate: h.fake, Compiler: comp, Client: client}, cfg.mgrOpts...)
	t.Cleanup(func() { _ = h.mgr.Teardown(context.Background()) })
	return h
}

// hold makes compiles of program block until the returned func is called.
func (h *harness) hold(program string) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	h.gates[program] = ch
	h.mu.Unlock()
	return func() { close(ch) }
}

func (h *harness) gate(program string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gates[program]
}

func (h *harness) state(t *testing.T, name string) model.LifecycleState {
	t.Helper()
	n, err := h.topo.Node(name)
	require.NoError(t, err)
	return n.State()
}

func (h *harness) server(t *testing.T, name string) *runtimesim.Server {
	t.Helper()
	n, err := h.topo.Node(name)
	require.NoError(t, err)
	srv := h.emu.Server(n.Switch().Endpoint)
	require.NotNil(t, srv, "no runtime for %s", name)
	return srv
}

func lineDesc() model.Description {
	return model.Description{
		Defaults: model.Defaults{Program: "basic.p4", AutoARPTables: true},
		Hosts:    []model.HostSpec{{Name: "h1"}, {Name: "h2"}},
		Switches: []model.SwitchSpec{{Name: "s1"}},
		Links: []model.LinkSpec{
			{Node1: "h1", Node2: "s1"},
			{Node1: "h2", Node2: "s1"},
		},
	}
}

func TestStartLineTopologyInstallsARP(t *testing.T) {
	h := newHarness(t, lineDesc())
	require.NoError(t, h.mgr.Start(t.Context()))

	for _, name := range []string{"h1", "h2", "s1"} {
		require.Equal(t, model.StateRunning, h.state(t, name), name)
	}

	links, err := h.topo.LinksOf("h1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "s1", links[0].Other("h1"))
	require.True(t, links[0].Live())
	require.Len(t, h.fake.Contexts(), 3)
	require.Len(t, h.fake.Links(), 2)

	var want []runtimesim.ARPEntry
	for _, host := range []string{"h1", "h2"} {
		n, _ := h.topo.Node(host)
		iface := n.Interfaces()[0]
		want = append(want, runtimesim.ARPEntry{Interface: iface.Peer().Name(), IP: iface.IP().Addr().String(), MAC: iface.MAC()})
	}
	require.ElementsMatch(t, want, h.server(t, "s1").ARP())

	// Hosts got their neighbour entries through the substrate.
	var neigh int
	for _, cmd := range h.fake.History() {
		if cmd.Path == "ip" && len(cmd.Args) > 0 && cmd.Args[0] == "neigh" {
			neigh++
		}
	}
	require.Equal(t, 2, neigh)
}

func TestCompileFailureIsIsolated(t *testing.T) {
	h := newHarness(t, model.Description{
		Defaults: model.Defaults{Program: "basic.p4"},
		Switches: []model.SwitchSpec{{Name: "a", Program: "bad.p4"}, {Name: "b", Program: "good.p4"}},
	})
	require.NoError(t, h.mgr.Start(t.Context()))

	require.Equal(t, model.StateFailed, h.state(t, "a"))
	require.Equal(t, model.StateRunning, h.state(t, "b"))

	a, _ := h.topo.Node("a")
	st, lastErr := a.Status()
	require.Equal(t, model.StateFailed, st)
	var cerr *compiler.CompileError
	require.ErrorAs(t, lastErr, &cerr)
	require.Equal(t, "syntax error", cerr.Diagnostic)

	b, _ := h.topo.Node("b")
	require.Equal(t, []string{b.Switch().Endpoint}, h.emu.Endpoints())
}

func TestSwitchProcessExitFailsStart(t *testing.T) {
	h := newHarness(t, model.Description{
		Defaults: model.Defaults{Program: "crash.p4"},
		Switches: []model.SwitchSpec{{Name: "s1"}},
	}, withClient(cpclient.WithRetry(50, 10*time.Millisecond, 50*time.Millisecond)))
	require.NoError(t, h.mgr.Start(t.Context()))

	s1, _ := h.topo.Node("s1")
	st, err := s1.Status()
	require.Equal(t, model.StateFailed, st)
	var serr *substrate.SpawnError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, ErrProcessExited)
}

func TestMissingContextFailsNode(t *testing.T) {
	h := newHarness(t, lineDesc(), func(c *harnessConfig) {
		c.failCtx = func(spec substrate.ContextSpec) error {
			if spec.Node == "h2" {
				return errors.New("namespace exists")
			}
			return nil
		}
	})
	require.NoError(t, h.mgr.Start(t.Context()))

	h2, _ := h.topo.Node("h2")
	st, err := h2.Status()
	require.Equal(t, model.StateFailed, st)
	require.ErrorIs(t, err, ErrNoContext)
	require.Equal(t, model.StateRunning, h.state(t, "h1"))
	require.Equal(t, model.StateRunning, h.state(t, "s1"))
	require.Len(t, h.fake.Links(), 1)
}

func TestDependenciesStartFirst(t *testing.T) {
	desc := lineDesc()
	desc.Hosts[0].DependsOn = []string{"s1"}
	desc.Switches = append(desc.Switches, model.SwitchSpec{Name: "s2", Program: "bad.p4"})
	desc.Hosts[1].DependsOn = []string{"s2"}

	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, desc, withManager(WithParallelism(1)), withSpawnHook(func(p *substrate.FakeProcess) bool {
		mu.Lock()
		order = append(order, p.Context.Node)
		mu.Unlock()
		return false
	}))
	require.NoError(t, h.mgr.Start(t.Context()))

	// h2 waits for s2, which fails; the failure does not block h2.
	require.Equal(t, model.StateFailed, h.state(t, "s2"))
	require.Equal(t, model.StateRunning, h.state(t, "h2"))
	require.Equal(t, model.StateRunning, h.state(t, "h1"))

	mu.Lock()
	defer mu.Unlock()
	first := slices.Index(order, "h1")
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, slices.Index(order, "s1"), first)
}

func TestTeardownDuringStarting(t *testing.T) {
	desc := model.Description{
		Defaults: model.Defaults{Program: "basic.p4"},
		Hosts:    []model.HostSpec{{Name: "h1"}},
		Switches: []model.SwitchSpec{{Name: "s1"}, {Name: "s2", Program: "slow.p4"}},
		Links: []model.LinkSpec{
			{Node1: "h1", Node2: "s1"},
			{Node1: "s1", Node2: "s2"},
		},
	}
	// s2's process stays up but never opens its endpoint.
	h := newHarness(t, desc,
		withClient(cpclient.WithRetry(1000, 5*time.Millisecond, 20*time.Millisecond)),
		withSpawnHook(func(p *substrate.FakeProcess) bool {
			return strings.Contains(p.Command.String(), "slow.json")
		}),
	)

	errc := make(chan error, 1)
	go func() { errc <- h.mgr.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.state(t, "s2") == model.StateStarting && h.state(t, "s1") == model.StateRunning
	}, 5*time.Second, 5*time.Millisecond)
	srv := h.server(t, "s1")
	require.Equal(t, 1, srv.ActiveSessions())

	require.NoError(t, h.mgr.Teardown(t.Context()))
	err := <-errc
	require.ErrorIs(t, err, ErrTornDown)

	for _, name := range []string{"h1", "s1", "s2"} {
		require.Equal(t, model.StateStopped, h.state(t, name), name)
	}
	require.Empty(t, h.fake.Running())
	require.Empty(t, h.fake.Links())
	require.Empty(t, h.fake.Contexts())
	require.Empty(t, h.emu.Endpoints())
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)

	// Teardown is idempotent.
	require.NoError(t, h.mgr.Teardown(t.Context()))
}

func TestStartAbortTearsDown(t *testing.T) {
	h := newHarness(t, model.Description{
		Defaults: model.Defaults{Program: "slow.p4"},
		Switches: []model.SwitchSpec{{Name: "s1"}},
	})
	release := h.hold("slow.p4")
	defer release()

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- h.mgr.Start(ctx) }()
	require.Eventually(t, func() bool { return h.state(t, "s1") == model.StateCompiling }, 2*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Equal(t, model.StateStopped, h.state(t, "s1"))
	require.Empty(t, h.fake.Contexts())
}

func TestRebootPreservesWiring(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, lineDesc(), withManager(WithMetrics(rec)))
	require.NoError(t, h.mgr.Start(t.Context()))

	type addr struct{ mac, ip string }
	snapshot := func() map[string]addr {
		out := make(map[string]addr)
		for _, n := range h.topo.Nodes() {
			for _, iface := range n.Interfaces() {
				out[n.Name()+"/"+iface.Name()] = addr{iface.MAC(), iface.IP().String()}
			}
		}
		return out
	}
	before := snapshot()
	linksBefore, _ := h.topo.LinksOf("s1")
	oldServer := h.server(t, "s1")

	release := h.hold("v2.p4")
	errc := make(chan error, 1)
	go func() { errc <- h.mgr.Reboot(context.Background(), "s1", "v2.p4") }()

	require.Eventually(t, func() bool { return h.state(t, "s1") == model.StateReconfiguring }, 2*time.Second, time.Millisecond)
	rec.mu.Lock()
	rec.events = nil
	rec.mu.Unlock()
	release()
	require.NoError(t, <-errc)

	require.Equal(t, model.StateRunning, h.state(t, "s1"))
	require.Equal(t, before, snapshot())
	linksAfter, _ := h.topo.LinksOf("s1")
	require.Equal(t, linksBefore, linksAfter)

	s1, _ := h.topo.Node("s1")
	require.Equal(t, "v2.p4", s1.Switch().Program)
	require.Equal(t, "v2.json", s1.Switch().Artifact)

	newServer := h.server(t, "s1")
	require.NotSame(t, oldServer, newServer)
	require.Len(t, newServer.ARP(), 2)
	require.Eventually(t, func() bool { return oldServer.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, model.StateRunning, h.state(t, "h1"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []model.LifecycleState{model.StateRunning}, rec.events)
}

func TestRebootFailureLeavesNodeFailed(t *testing.T) {
	h := newHarness(t, lineDesc())
	require.NoError(t, h.mgr.Start(t.Context()))

	err := h.mgr.Reboot(t.Context(), "s1", "bad.p4")
	var cerr *compiler.CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, model.StateFailed, h.state(t, "s1"))
	require.Empty(t, h.emu.Endpoints())
	require.Equal(t, model.StateRunning, h.state(t, "h1"))

	err = h.mgr.Reboot(t.Context(), "s1", "")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRebootRejectsHostsAndUnknownNodes(t *testing.T) {
	h := newHarness(t, lineDesc())
	require.NoError(t, h.mgr.Start(t.Context()))

	require.ErrorIs(t, h.mgr.Reboot(t.Context(), "h1", ""), core.ErrWrongKind)
	require.ErrorIs(t, h.mgr.Reboot(t.Context(), "nope", ""), core.ErrNotFound)
}

func TestWithSession(t *testing.T) {
	h := newHarness(t, lineDesc())
	require.NoError(t, h.mgr.Start(t.Context()))

	var handle cpclient.EntryHandle
	err := h.mgr.WithSession(t.Context(), "s1", func(ctx context.Context, s *cpclient.Session) error {
		var err error
		handle, err = s.InstallEntry(ctx, cpclient.Entry{Table: "ipv4_lpm", Action: "drop", Match: []string{"10.0.9.9/32"}})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), handle.ID)
	require.Equal(t, 1, h.server(t, "s1").Entries("ipv4_lpm"))

	require.ErrorIs(t, h.mgr.WithSession(t.Context(), "h1", nil), core.ErrWrongKind)

	require.NoError(t, h.mgr.Stop(t.Context(), "s1"))
	require.NoError(t, h.mgr.Stop(t.Context(), "s1"))
	require.Equal(t, model.StateStopped, h.state(t, "s1"))
	require.ErrorIs(t, h.mgr.WithSession(t.Context(), "s1", nil), ErrNotRunning)
}

func TestCommandFileApplied(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "s1-commands.txt")
	require.NoError(t, os.WriteFile(good, []byte("table_add ipv4_lpm ipv4_forward 10.0.1.1/32 => 00:00:0a:00:01:01 1\n"), 0o644))
	bad := filepath.Join(dir, "s2-commands.txt")
	require.NoError(t, os.WriteFile(bad, []byte("table_add ipv4_lpm flood 10.0.1.1/32 =>\n"), 0o644))

	h := newHarness(t, model.Description{
		Defaults: model.Defaults{Program: "basic.p4"},
		Switches: []model.SwitchSpec{{Name: "s1", CLIInput: good}, {Name: "s2", CLIInput: bad}},
	})
	require.NoError(t, h.mgr.Start(t.Context()))

	require.Equal(t, model.StateRunning, h.state(t, "s1"))
	require.Equal(t, 1, h.server(t, "s1").Entries("ipv4_lpm"))

	s2, _ := h.topo.Node("s2")
	st, err := s2.Status()
	require.Equal(t, model.StateFailed, st)
	var rerr *cpclient.RuntimeError
	require.ErrorAs(t, err, &rerr)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, lineDesc())
	require.NoError(t, h.mgr.Start(t.Context()))
	require.ErrorIs(t, h.mgr.Start(t.Context()), ErrAlreadyStarted)
}
