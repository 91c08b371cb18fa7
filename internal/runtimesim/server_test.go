package runtimesim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpproto"
	"github.com/signalsfoundry/p4net/internal/substrate"
)

func testProgram() Program {
	return Program{Tables: []compiler.Table{
		{Name: "MyIngress.ipv4_lpm", ID: 0, MatchType: "lpm", Keys: []string{"hdr.ipv4.dstAddr"},
			Actions: []string{"MyIngress.ipv4_forward", "MyIngress.drop", "NoAction"}, MaxSize: 2},
		{Name: "MyEgress.ipv4_lpm", ID: 1, MatchType: "exact", Keys: []string{"meta.port"},
			Actions: []string{"NoAction"}},
	}}
}

func TestHandleTableLifecycle(t *testing.T) {
	s := NewServer(testProgram())

	add := s.handle(cpproto.Request{Op: cpproto.OpAdd, Table: "MyIngress.ipv4_lpm", Action: "ipv4_forward",
		Match: []string{"10.0.1.1/32"}, Params: []string{"00:00:0a:00:01:01", "1"}})
	require.Nil(t, add.Error)
	require.Equal(t, uint64(0), add.Handle)

	dup := s.handle(cpproto.Request{Op: cpproto.OpAdd, Table: "MyIngress.ipv4_lpm", Action: "drop", Match: []string{"10.0.1.1/32"}})
	require.NotNil(t, dup.Error)
	require.Equal(t, cpproto.CodeDuplicateEntry, dup.Error.Code)

	second := s.handle(cpproto.Request{Op: cpproto.OpAdd, Table: "MyIngress.ipv4_lpm", Action: "drop", Match: []string{"10.0.2.2/32"}})
	require.Nil(t, second.Error)
	require.Equal(t, uint64(1), second.Handle)

	full := s.handle(cpproto.Request{Op: cpproto.OpAdd, Table: "MyIngress.ipv4_lpm", Action: "drop", Match: []string{"10.0.3.3/32"}})
	require.Equal(t, cpproto.CodeTableFull, full.Error.Code)

	require.NoError(t, s.Hit("MyIngress.ipv4_lpm", 0, 100))
	counters := s.handle(cpproto.Request{Op: cpproto.OpCounters, Table: "MyIngress.ipv4_lpm", Handle: 0})
	require.Equal(t, &cpproto.CounterSnapshot{Packets: 1, Bytes: 100}, counters.Counters)

	del := s.handle(cpproto.Request{Op: cpproto.OpDelete, Table: "MyIngress.ipv4_lpm", Handle: 0})
	require.Nil(t, del.Error)
	again := s.handle(cpproto.Request{Op: cpproto.OpDelete, Table: "MyIngress.ipv4_lpm", Handle: 0})
	require.Equal(t, cpproto.CodeInvalidHandle, again.Error.Code)
	require.Equal(t, 1, s.Entries("MyIngress.ipv4_lpm"))
}

func TestHandleRejectsBadRequests(t *testing.T) {
	s := NewServer(testProgram())
	cases := []struct {
		name string
		req  cpproto.Request
		code int
	}{
		{"unknown table", cpproto.Request{Op: cpproto.OpAdd, Table: "nope", Action: "drop", Match: []string{"x"}}, cpproto.CodeInvalidTableName},
		{"ambiguous suffix", cpproto.Request{Op: cpproto.OpAdd, Table: "ipv4_lpm", Action: "NoAction", Match: []string{"x"}}, cpproto.CodeInvalidTableName},
		{"unknown action", cpproto.Request{Op: cpproto.OpAdd, Table: "MyIngress.ipv4_lpm", Action: "flood", Match: []string{"x"}}, cpproto.CodeInvalidActionName},
		{"key count", cpproto.Request{Op: cpproto.OpAdd, Table: "MyIngress.ipv4_lpm", Action: "drop"}, cpproto.CodeBadMatchKey},
		{"modify unknown", cpproto.Request{Op: cpproto.OpModify, Table: "MyIngress.ipv4_lpm", Action: "drop", Handle: 9}, cpproto.CodeInvalidHandle},
		{"bad arp", cpproto.Request{Op: cpproto.OpARPAdd, IP: "10.0.0.1", MAC: "zz"}, cpproto.CodeError},
		{"unknown op", cpproto.Request{Op: "meter_set"}, cpproto.CodeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply := s.handle(tc.req)
			require.NotNil(t, reply.Error)
			require.Equal(t, tc.code, reply.Error.Code, reply.Error.Message)
		})
	}
}

func TestStaticARPReplacesSameAddress(t *testing.T) {
	s := NewServer(Program{})
	require.Nil(t, s.handle(cpproto.Request{Op: cpproto.OpARPAdd, Interface: "s1-eth1", IP: "10.0.1.1", MAC: "00:00:0a:00:01:01"}).Error)
	require.Nil(t, s.handle(cpproto.Request{Op: cpproto.OpARPAdd, Interface: "s1-eth1", IP: "10.0.1.1", MAC: "00:00:0a:00:01:02"}).Error)
	require.Equal(t, []ARPEntry{{Interface: "s1-eth1", IP: "10.0.1.1", MAC: "00:00:0a:00:01:02"}}, s.ARP())
}

func TestNotifyPublishesOnSocket(t *testing.T) {
	s := NewServer(Program{}, WithDeviceID(3))
	addr := "inproc://runtimesim-notify-test"
	require.NoError(t, s.ListenNotifications(addr))
	t.Cleanup(func() { _ = s.Close() })

	sock, err := sub.NewSocket()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	require.NoError(t, sock.SetOption(mangos.OptionSubscribe, []byte("")))
	require.NoError(t, sock.SetOption(mangos.OptionRecvDeadline, 100*time.Millisecond))
	require.NoError(t, sock.Dial(addr))

	// PUB drops messages until the subscriber is attached.
	var got cpproto.Notification
	require.Eventually(t, func() bool {
		s.Notify(cpproto.Notification{Kind: "port_down", Message: "s1-eth2"})
		data, err := sock.Recv()
		if err != nil {
			return false
		}
		return json.Unmarshal(data, &got) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "port_down", got.Kind)
	require.Equal(t, 3, got.Device)
}

func TestParseSwitchArgs(t *testing.T) {
	args := []string{"-i", "1@s1-eth1", "--device-id", "4", "--thrift-port", "9093", "/tmp/prog.json",
		"--", "--grpc-server-addr", "127.0.0.1:9562", "--cpu-port", "255", "--notifications-addr", "ipc:///tmp/n.ipc"}
	got, ok := ParseSwitchArgs(args)
	require.True(t, ok)
	require.Equal(t, SwitchArgs{Endpoint: "127.0.0.1:9562", DeviceID: 4, Artifact: "/tmp/prog.json", NotificationsAddr: "ipc:///tmp/n.ipc"}, got)

	_, ok = ParseSwitchArgs([]string{"sysctl", "-w", "net.ipv6.conf.all.disable_ipv6=1"})
	require.False(t, ok)
}

func TestEmulatorServesSpawnedSwitch(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "prog.json")
	require.NoError(t, os.WriteFile(prog, []byte(`{"pipelines":[{"name":"ingress","tables":[
		{"name":"MyIngress.fwd","id":0,"match_type":"exact","max_size":64,
		 "key":[{"name":"standard_metadata.ingress_port","match_type":"exact"}],
		 "actions":["MyIngress.forward","NoAction"]}]}]}`), 0o644))

	fake := substrate.NewFake()
	emu := NewEmulator(nil)
	emu.Attach(fake)

	h, err := fake.CreateContext(t.Context(), substrate.ContextSpec{Node: "s1"})
	require.NoError(t, err)
	p, err := fake.Spawn(t.Context(), h, substrate.Command{Path: "simple_switch_grpc",
		Args: []string{"--device-id", "1", prog, "--", "--grpc-server-addr", "127.0.0.1:9559"}})
	require.NoError(t, err)

	require.Equal(t, []string{"127.0.0.1:9559"}, emu.Endpoints())
	srv := emu.Server("127.0.0.1:9559")
	require.NotNil(t, srv)
	require.Equal(t, 1, len(srv.tableInfoLocked()))

	// Non-switch commands exit immediately.
	other, err := fake.Spawn(t.Context(), h, substrate.Command{Path: "true"})
	require.NoError(t, err)
	<-other.Done()

	require.NoError(t, fake.Terminate(t.Context(), p, os.Interrupt))
	<-p.Done()
	require.Empty(t, emu.Endpoints())
	require.Nil(t, emu.Server("127.0.0.1:9559"))
}

func TestEmulatorLoaderFailureExitsProcess(t *testing.T) {
	fake := substrate.NewFake()
	emu := NewEmulator(nil)
	emu.Attach(fake)

	h, err := fake.CreateContext(t.Context(), substrate.ContextSpec{Node: "s1"})
	require.NoError(t, err)
	p, err := fake.Spawn(t.Context(), h, substrate.Command{Path: "simple_switch_grpc",
		Args: []string{"/missing.json", "--", "--grpc-server-addr", "127.0.0.1:9559"}})
	require.NoError(t, err)
	<-p.Done()
	require.Error(t, p.Err())
	require.Empty(t, emu.Endpoints())
}
