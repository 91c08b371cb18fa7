package cpclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpproto"
	"github.com/signalsfoundry/p4net/internal/runtimesim"
)

const endpoint = "127.0.0.1:9559"

func serve(t *testing.T, srv cpproto.RuntimeServer) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	cpproto.RegisterRuntimeServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis
}

func dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func program() runtimesim.Program {
	return runtimesim.Program{
		Tables: []compiler.Table{{
			Name:    "MyIngress.ipv4_lpm",
			Keys:    []string{"hdr.ipv4.dstAddr"},
			Actions: []string{"MyIngress.ipv4_forward", "MyIngress.drop"},
		}},
		Registers: []compiler.Register{{Name: "MyIngress.flow_bytes", Size: 4, Bitwidth: 16}},
	}
}

type recorder struct {
	mu       sync.Mutex
	attempts []int
	opened   int
	closed   int
	requests map[string]int
}

func (r *recorder) ObserveConnect(_ string, attempts int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempts)
}

func (r *recorder) ObserveRequest(op string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests == nil {
		r.requests = make(map[string]int)
	}
	r.requests[op]++
}

func (r *recorder) SessionOpened()       { r.mu.Lock(); r.opened++; r.mu.Unlock() }
func (r *recorder) SessionClosed()       { r.mu.Lock(); r.closed++; r.mu.Unlock() }
func (r *recorder) NotificationDropped() {}

func connect(t *testing.T, srv *runtimesim.Server, opts ...Option) *Session {
	t.Helper()
	lis := serve(t, srv)
	c := New(append([]Option{WithDialOptions(dialer(lis))}, opts...)...)
	s, err := c.Connect(t.Context(), endpoint, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestSessionEntryLifecycle(t *testing.T) {
	srv := runtimesim.NewServer(program(), runtimesim.WithDeviceID(2))
	s := connect(t, srv)
	ctx := t.Context()

	require.Equal(t, 2, s.DeviceID())
	require.Len(t, s.KnownTables(), 1)

	h, err := s.InstallEntry(ctx, Entry{
		Table:  "ipv4_lpm",
		Match:  []string{"10.0.1.1/32"},
		Action: "ipv4_forward",
		Params: []string{"00:00:0a:00:01:01", "1"},
	})
	require.NoError(t, err)
	require.Equal(t, EntryHandle{Table: "ipv4_lpm", ID: 0}, h)
	require.Equal(t, []EntryHandle{h}, s.Handles())

	require.NoError(t, s.ModifyEntry(ctx, h, "drop", nil))

	require.NoError(t, srv.Hit("MyIngress.ipv4_lpm", h.ID, 64))
	snap, err := s.ReadCounters(ctx, "MyIngress.ipv4_lpm", h)
	require.NoError(t, err)
	require.Equal(t, CounterSnapshot{Packets: 1, Bytes: 64}, snap)

	require.NoError(t, s.DeleteEntry(ctx, h))
	err = s.DeleteEntry(ctx, h)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, s.Handles())
}

func TestDefaultActionAndClear(t *testing.T) {
	srv := runtimesim.NewServer(program())
	s := connect(t, srv)
	ctx := t.Context()

	require.NoError(t, s.SetDefaultAction(ctx, "MyIngress.ipv4_lpm", "MyIngress.drop", nil))
	action, params := srv.DefaultAction("ipv4_lpm")
	require.Equal(t, "MyIngress.drop", action)
	require.Empty(t, params)

	err := s.SetDefaultAction(ctx, "ipv4_lpm", "flood", nil)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, cpproto.CodeInvalidActionName, rerr.Code)
	require.Equal(t, cpproto.OpSetDefault, rerr.Op)

	for _, dst := range []string{"10.0.1.1/32", "10.0.2.2/32"} {
		_, err := s.InstallEntry(ctx, Entry{Table: "ipv4_lpm", Match: []string{dst}, Action: "drop"})
		require.NoError(t, err)
	}
	require.Len(t, s.Handles(), 2)
	require.NoError(t, s.ClearTable(ctx, "ipv4_lpm"))
	require.Empty(t, s.Handles())
	require.Equal(t, 0, srv.Entries("ipv4_lpm"))
	action, _ = srv.DefaultAction("ipv4_lpm")
	require.Equal(t, "MyIngress.drop", action, "clearing keeps the default action")
}

func TestRegisterAccess(t *testing.T) {
	srv := runtimesim.NewServer(program())
	s := connect(t, srv)
	ctx := t.Context()

	require.NoError(t, s.WriteRegister(ctx, "flow_bytes", 1, 0x12345))
	v, err := s.ReadRegister(ctx, "MyIngress.flow_bytes", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2345), v, "values are truncated to 16 bits")

	all, err := s.ReadRegisterArray(ctx, "flow_bytes")
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0x2345, 0, 0}, all)

	err = s.WriteRegister(ctx, "flow_bytes", 4, 1)
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, cpproto.CodeError, rerr.Code)
	require.Contains(t, rerr.Message, "Invalid index 4")

	_, err = s.ReadRegister(ctx, "missing", 0)
	require.ErrorAs(t, err, &rerr)
	require.Contains(t, rerr.Message, "Invalid register name")

	require.NoError(t, s.ResetRegister(ctx, "flow_bytes"))
	require.Equal(t, []uint64{0, 0, 0, 0}, srv.Register("flow_bytes"))
}

func TestRuntimeErrorIsVerbatim(t *testing.T) {
	s := connect(t, runtimesim.NewServer(program()))
	_, err := s.InstallEntry(t.Context(), Entry{Table: "ipv4_lpm", Action: "flood", Match: []string{"10.0.0.1/32"}})

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, cpproto.CodeInvalidActionName, rerr.Code)
	require.Equal(t, "Invalid action name (flood) for table MyIngress.ipv4_lpm", rerr.Message)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestStaticARPAndTables(t *testing.T) {
	srv := runtimesim.NewServer(program())
	s := connect(t, srv)

	require.NoError(t, s.AddStaticARP(t.Context(), "s1-eth1", "10.0.1.1", "00:00:0a:00:01:01"))
	require.Equal(t, []runtimesim.ARPEntry{{Interface: "s1-eth1", IP: "10.0.1.1", MAC: "00:00:0a:00:01:01"}}, srv.ARP())

	tables, err := s.Tables(t.Context())
	require.NoError(t, err)
	require.Equal(t, "MyIngress.ipv4_lpm", tables[0].Name)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := runtimesim.NewServer(program())
	rec := &recorder{}
	lis := serve(t, srv)
	c := New(WithDialOptions(dialer(lis)), WithMetrics(rec))
	s, err := c.Connect(t.Context(), endpoint, time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	<-s.Done()
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)

	_, err = s.InstallEntry(t.Context(), Entry{Table: "ipv4_lpm", Action: "drop", Match: []string{"x"}})
	require.ErrorIs(t, err, ErrSessionClosed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 1, rec.opened)
	require.Equal(t, 1, rec.closed)
}

func TestNotificationsAreForwarded(t *testing.T) {
	srv := runtimesim.NewServer(program(), runtimesim.WithDeviceID(7))
	s := connect(t, srv)
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	srv.Notify(cpproto.Notification{Kind: "learn", Message: "00:00:0a:00:01:01"})
	select {
	case n := <-s.Notifications():
		require.Equal(t, "learn", n.Kind)
		require.Equal(t, 7, n.Device)
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification received")
	}
}

// reorderingRuntime answers two requests in reverse order with a
// notification in between.
type reorderingRuntime struct{}

func (reorderingRuntime) Session(stream grpc.ServerStream) error {
	var hello cpproto.Frame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	if err := stream.SendMsg(&cpproto.Frame{Type: cpproto.FrameHelloAck, Hello: &cpproto.Hello{Version: cpproto.Version}}); err != nil {
		return err
	}
	var reqs []cpproto.Frame
	for len(reqs) < 2 {
		var f cpproto.Frame
		if err := stream.RecvMsg(&f); err != nil {
			return err
		}
		reqs = append(reqs, f)
	}
	handles := map[string]uint64{"a": 100, "b": 200}
	for i := len(reqs) - 1; i >= 0; i-- {
		f := reqs[i]
		if err := stream.SendMsg(&cpproto.Frame{Type: cpproto.FrameReply, Seq: f.Seq, Reply: &cpproto.Reply{Handle: handles[f.Request.Table]}}); err != nil {
			return err
		}
		if i == 1 {
			if err := stream.SendMsg(&cpproto.Frame{Type: cpproto.FrameNotification, Notification: &cpproto.Notification{Kind: "ageing"}}); err != nil {
				return err
			}
		}
	}
	<-stream.Context().Done()
	return nil
}

func TestRepliesMatchedBySequence(t *testing.T) {
	lis := serve(t, reorderingRuntime{})
	s, err := New(WithDialOptions(dialer(lis))).Connect(t.Context(), endpoint, time.Second)
	require.NoError(t, err)
	defer s.Disconnect()

	var wg sync.WaitGroup
	got := make(map[string]EntryHandle)
	var mu sync.Mutex
	for _, table := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.InstallEntry(t.Context(), Entry{Table: table, Action: "x", Match: []string{"1"}})
			if err != nil {
				t.Errorf("InstallEntry(%s): %v", table, err)
				return
			}
			mu.Lock()
			got[table] = h
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(100), got["a"].ID)
	require.Equal(t, uint64(200), got["b"].ID)

	n := <-s.Notifications()
	require.Equal(t, "ageing", n.Kind)
}

func TestConnectWithRetryWaitsForEndpoint(t *testing.T) {
	lis := serve(t, runtimesim.NewServer(program()))
	var dials atomic.Int32
	flaky := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		if dials.Add(1) <= 2 {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return lis.DialContext(ctx)
	})
	rec := &recorder{}
	c := New(WithDialOptions(flaky), WithMetrics(rec), WithRetry(10, time.Millisecond, 5*time.Millisecond))

	s, err := c.ConnectWithRetry(t.Context(), endpoint)
	require.NoError(t, err)
	defer s.Disconnect()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.attempts, 1)
	require.Greater(t, rec.attempts[0], 1)
}

func TestConnectWithRetryGivesUp(t *testing.T) {
	refuse := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	})
	c := New(WithDialOptions(refuse), WithRetry(3, time.Millisecond, 2*time.Millisecond), WithConnectTimeout(200*time.Millisecond))

	_, err := c.ConnectWithRetry(t.Context(), endpoint)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, Refused, ce.Kind)
	require.Equal(t, 3, ce.Attempts)
	require.True(t, ce.Retryable())
}

func TestProtocolMismatchIsPermanent(t *testing.T) {
	lis := serve(t, runtimesim.NewServer(program(), runtimesim.WithVersion("bmv2-thrift/0")))
	c := New(WithDialOptions(dialer(lis)), WithRetry(5, time.Millisecond, time.Millisecond))

	_, err := c.ConnectWithRetry(t.Context(), endpoint)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ProtocolMismatch, ce.Kind)
	require.Equal(t, 1, ce.Attempts)
	require.True(t, strings.Contains(err.Error(), "bmv2-thrift/0"), err.Error())
}

func TestConnectHonoursCancellation(t *testing.T) {
	refuse := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := New(WithDialOptions(refuse)).ConnectWithRetry(ctx, endpoint)
	require.Error(t, err)
}

func TestSessionEndsWhenRuntimeStops(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	cpproto.RegisterRuntimeServer(gs, runtimesim.NewServer(program()))
	go func() { _ = gs.Serve(lis) }()

	s, err := New(WithDialOptions(dialer(lis))).Connect(t.Context(), endpoint, time.Second)
	require.NoError(t, err)
	gs.Stop()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not notice the runtime going away")
	}
	_, err = s.Tables(t.Context())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, s.Disconnect())
}
