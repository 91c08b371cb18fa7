package lifecycle

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/substrate"
	"github.com/signalsfoundry/p4net/model"
)

// DefaultCPUPort is the switch port wired to the control plane when a
// switch asks for a CPU port without naming one.
const DefaultCPUPort = 255

// switchExtras are the optional per-switch knobs read from a switch's
// free-form attributes.
type switchExtras struct {
	Debugger       bool   `mapstructure:"debugger"`
	LogLevel       string `mapstructure:"log_level"`
	PriorityQueues int    `mapstructure:"priority_queues"`
	CPUPort        int    `mapstructure:"cpu_port"`
}

func decodeExtras(extra map[string]any) (switchExtras, error) {
	var out switchExtras
	if len(extra) == 0 {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(extra); err != nil {
		return out, fmt.Errorf("switch attributes: %w", err)
	}
	return out, nil
}

// switchCommand builds the software switch command line: data ports,
// capture and logging flags, identity, the artifact, then target options
// after "--".
func switchCommand(n *core.Node, defaults model.Defaults) (substrate.Command, error) {
	sw := n.Switch()
	extras, err := decodeExtras(n.Extra())
	if err != nil {
		return substrate.Command{}, err
	}

	bin := sw.SwitchBinary
	if bin == "" {
		bin = model.DefaultSwitchBinary
	}
	var args []string
	for _, iface := range n.Interfaces() {
		args = append(args, "-i", strconv.Itoa(iface.Port())+"@"+iface.Name())
	}
	if defaults.PcapDump {
		if defaults.PcapDir != "" {
			args = append(args, "--pcap="+defaults.PcapDir)
		} else {
			args = append(args, "--pcap")
		}
	}
	if defaults.EnableLog {
		args = append(args, "--nanolog", fmt.Sprintf("ipc:///tmp/bm-%d-log.ipc", sw.DeviceID))
		if defaults.LogDir != "" {
			args = append(args, "--log-file", filepath.Join(defaults.LogDir, n.Name()))
		} else {
			args = append(args, "--log-console")
		}
		if extras.LogLevel != "" {
			args = append(args, "--log-level", extras.LogLevel)
		}
	}
	if extras.Debugger {
		args = append(args, "--debugger")
	}
	args = append(args,
		"--device-id", strconv.Itoa(sw.DeviceID),
		"--thrift-port", strconv.Itoa(sw.ThriftPort),
		sw.Artifact,
		"--",
		"--grpc-server-addr", sw.Endpoint,
	)
	if sw.CPUPort || extras.CPUPort > 0 {
		port := extras.CPUPort
		if port <= 0 {
			port = DefaultCPUPort
		}
		args = append(args, "--cpu-port", strconv.Itoa(port))
	}
	if extras.PriorityQueues > 0 {
		args = append(args, "--priority-queues", strconv.Itoa(extras.PriorityQueues))
	}
	if sw.NotificationsAddr != "" {
		args = append(args, "--notifications-addr", sw.NotificationsAddr)
	}
	return substrate.Command{Path: bin, Args: args}, nil
}

// hostSetupCommands prepares a host context: no IPv6 chatter, no checksum
// offload on the veths, the default route, then static neighbours.
func hostSetupCommands(n *core.Node) []substrate.Command {
	cmds := []substrate.Command{
		{Path: "sysctl", Args: []string{"-w", "net.ipv6.conf.all.disable_ipv6=1"}},
	}
	ifaces := n.Interfaces()
	for _, iface := range ifaces {
		cmds = append(cmds, substrate.Command{Path: "ethtool", Args: []string{"-K", iface.Name(), "rx", "off", "tx", "off", "sg", "off"}})
	}
	if gw := n.Host().DefaultRoute; gw.IsValid() && len(ifaces) > 0 {
		dev := ifaces[0].Name()
		for _, iface := range ifaces {
			if p := iface.IP(); p.IsValid() && p.Masked().Contains(gw) {
				dev = iface.Name()
				break
			}
		}
		cmds = append(cmds, substrate.Command{Path: "ip", Args: []string{"route", "replace", "default", "via", gw.String(), "dev", dev}})
	}
	for _, iface := range ifaces {
		for _, e := range iface.ARP() {
			cmds = append(cmds, substrate.Command{Path: "ip", Args: []string{
				"neigh", "replace", e.IP.String(), "lladdr", e.MAC, "dev", iface.Name(), "nud", "permanent",
			}})
		}
	}
	return cmds
}
