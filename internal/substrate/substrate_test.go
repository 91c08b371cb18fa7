package substrate

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/p4net/model"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	r.calls = append(r.calls, line)
	r.mu.Unlock()
	if r.fail != "" && strings.Contains(line, r.fail) {
		return nil, errors.New("exit status 2")
	}
	return nil, nil
}

func TestNetnsCreatesIsolatedHostAndShapedLink(t *testing.T) {
	runner := &recordingRunner{}
	ns := NewNetns(WithRunner(runner))
	ctx := context.Background()

	host, err := ns.CreateContext(ctx, ContextSpec{Node: "h1", Kind: model.KindHost, Isolated: true})
	if err != nil {
		t.Fatalf("CreateContext(h1): %v", err)
	}
	sw, err := ns.CreateContext(ctx, ContextSpec{Node: "s1", Kind: model.KindSwitch})
	if err != nil {
		t.Fatalf("CreateContext(s1): %v", err)
	}
	if sw.Isolated || sw.ID != "root" {
		t.Fatalf("switch context = %+v, want root namespace", sw)
	}

	_, err = ns.CreateLink(ctx,
		Endpoint{Context: host, Interface: "h1-eth0", MAC: "00:00:0a:00:01:01", IP: "10.0.1.1/24"},
		Endpoint{Context: sw, Interface: "s1-eth1", MAC: "00:01:0a:00:01:01"},
		model.LinkAttrs{Delay: "5ms", LossPercent: 1, BandwidthMbps: 10},
	)
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	want := []string{
		"ip netns add p4net-h1",
		"ip netns exec p4net-h1 ip link set lo up",
		"ip link add h1-eth0 type veth peer name s1-eth1",
		"ip link set h1-eth0 netns p4net-h1",
		"ip netns exec p4net-h1 ip link set dev h1-eth0 address 00:00:0a:00:01:01",
		"ip netns exec p4net-h1 ip addr add 10.0.1.1/24 dev h1-eth0",
		"ip netns exec p4net-h1 ip link set dev h1-eth0 up",
		"ip netns exec p4net-h1 tc qdisc add dev h1-eth0 root netem delay 5ms loss 1% rate 10mbit",
		"ip link set dev s1-eth1 address 00:01:0a:00:01:01",
		"ip link set dev s1-eth1 up",
		"tc qdisc add dev s1-eth1 root netem delay 5ms loss 1% rate 10mbit",
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("calls = %d (%v), want %d", len(runner.calls), runner.calls, len(want))
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, runner.calls[i], want[i])
		}
	}

	if err := ns.DestroyContext(ctx, host); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	if err := ns.DestroyContext(ctx, host); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("second DestroyContext error = %v, want ErrUnknownContext", err)
	}
}

func TestNetnsLinkFailureCleansUp(t *testing.T) {
	runner := &recordingRunner{fail: "address"}
	ns := NewNetns(WithRunner(runner))
	root := ContextHandle{ID: "root"}

	_, err := ns.CreateLink(context.Background(),
		Endpoint{Context: root, Interface: "s1-eth1", MAC: "00:02:00:01:00:01"},
		Endpoint{Context: root, Interface: "s2-eth1"},
		model.LinkAttrs{},
	)
	if err == nil {
		t.Fatalf("expected CreateLink to fail")
	}
	last := runner.calls[len(runner.calls)-1]
	if last != "ip link del s1-eth1" {
		t.Fatalf("last call = %q, want veth cleanup", last)
	}
}

func TestFakeProcessLifecycle(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()
	h, err := fake.CreateContext(ctx, ContextSpec{Node: "s1"})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	stopped := false
	fake.OnSpawn = func(p *FakeProcess) {
		p.OnTerminate(func() { stopped = true })
	}
	p, err := fake.Spawn(ctx, h, Command{Path: "simple_switch_grpc"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(fake.Running()) != 1 {
		t.Fatalf("running = %d, want 1", len(fake.Running()))
	}
	if err := fake.Terminate(ctx, p, os.Interrupt); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatalf("process did not exit")
	}
	if !stopped {
		t.Fatalf("terminate hook not called")
	}
	if p.Err() == nil {
		t.Fatalf("terminated process should report an exit error")
	}
}

func TestRunReportsFailedCommand(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()
	h, _ := fake.CreateContext(ctx, ContextSpec{Node: "h1", Isolated: true})

	fake.OnSpawn = func(p *FakeProcess) { p.Exit(errors.New("exit status 1")) }
	err := Run(ctx, fake, h, Command{Path: "ip", Args: []string{"route", "add", "default"}})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Run error = %v, want SpawnError", err)
	}
	if spawnErr.Node != "h1" {
		t.Fatalf("SpawnError node = %q, want h1", spawnErr.Node)
	}
}
