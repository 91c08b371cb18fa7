package lifecycle

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/assign"
	"github.com/signalsfoundry/p4net/model"
)

func builtLine(t *testing.T, defaults model.Defaults, sw model.SwitchSpec) *core.Topology {
	t.Helper()
	topo, err := core.Build(model.Description{
		Defaults: defaults,
		Hosts:    []model.HostSpec{{Name: "h1"}, {Name: "h2"}},
		Switches: []model.SwitchSpec{sw},
		Links: []model.LinkSpec{
			{Node1: "h1", Node2: sw.Name},
			{Node1: "h2", Node2: sw.Name},
		},
	})
	require.NoError(t, err)
	_, err = assign.Assign(topo, assign.OptionsFromDefaults(topo.Defaults()))
	require.NoError(t, err)
	return topo
}

func TestSwitchCommandLayout(t *testing.T) {
	topo := builtLine(t, model.Defaults{Program: "basic.p4"}, model.SwitchSpec{Name: "s1"})
	require.NoError(t, topo.SetSwitchProgram("s1", "", "/tmp/basic.json"))
	s1, _ := topo.Node("s1")

	cmd, err := switchCommand(s1, topo.Defaults())
	require.NoError(t, err)
	require.Equal(t, model.DefaultSwitchBinary, cmd.Path)
	require.Equal(t, "simple_switch_grpc", cmd.Path, "sessions need the gRPC build")
	require.Equal(t, []string{
		"-i", "1@s1-eth1",
		"-i", "2@s1-eth2",
		"--device-id", "1",
		"--thrift-port", "9090",
		"/tmp/basic.json",
		"--",
		"--grpc-server-addr", "127.0.0.1:9559",
	}, cmd.Args)
}

func TestSwitchCommandOptions(t *testing.T) {
	defaults := model.Defaults{Program: "basic.p4", PcapDump: true, PcapDir: "/tmp/pcap", EnableLog: true, LogDir: "/tmp/log"}
	sw := model.SwitchSpec{
		Name:              "s1",
		SwitchBinary:      "/opt/bmv2/simple_switch_grpc",
		CPUPort:           true,
		NotificationsAddr: "ipc:///tmp/bmv2-1-notifications.ipc",
		Extra:             map[string]any{"debugger": true, "log_level": "debug", "priority_queues": "8"},
	}
	topo := builtLine(t, defaults, sw)
	require.NoError(t, topo.SetSwitchProgram("s1", "", "/tmp/basic.json"))
	s1, _ := topo.Node("s1")

	cmd, err := switchCommand(s1, topo.Defaults())
	require.NoError(t, err)
	require.Equal(t, "/opt/bmv2/simple_switch_grpc", cmd.Path)
	require.Equal(t, []string{
		"-i", "1@s1-eth1",
		"-i", "2@s1-eth2",
		"--pcap=/tmp/pcap",
		"--nanolog", "ipc:///tmp/bm-1-log.ipc",
		"--log-file", "/tmp/log/s1",
		"--log-level", "debug",
		"--debugger",
		"--device-id", "1",
		"--thrift-port", "9090",
		"/tmp/basic.json",
		"--",
		"--grpc-server-addr", "127.0.0.1:9559",
		"--cpu-port", "255",
		"--priority-queues", "8",
		"--notifications-addr", "ipc:///tmp/bmv2-1-notifications.ipc",
	}, cmd.Args)
}

func TestSwitchCommandRejectsBadExtras(t *testing.T) {
	topo := builtLine(t, model.Defaults{Program: "basic.p4"}, model.SwitchSpec{
		Name:  "s1",
		Extra: map[string]any{"priority_queues": "many"},
	})
	s1, _ := topo.Node("s1")
	_, err := switchCommand(s1, topo.Defaults())
	require.Error(t, err)
}

func TestHostSetupCommands(t *testing.T) {
	topo := builtLine(t, model.Defaults{Program: "basic.p4", AutoARPTables: true, AssignmentStrategy: model.StrategyL3}, model.SwitchSpec{Name: "s1"})
	h1, _ := topo.Node("h1")

	cmds := hostSetupCommands(h1)
	var got []string
	for _, c := range cmds {
		got = append(got, c.String())
	}
	gw := h1.Host().DefaultRoute
	require.True(t, gw.IsValid())
	require.Equal(t, netip.MustParseAddr("10.1.1.1"), gw)
	require.Contains(t, got, "sysctl -w net.ipv6.conf.all.disable_ipv6=1")
	require.Contains(t, got, "ethtool -K h1-eth0 rx off tx off sg off")
	require.Contains(t, got, "ip route replace default via 10.1.1.1 dev h1-eth0")
}
