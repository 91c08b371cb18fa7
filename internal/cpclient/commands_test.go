package cpclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/p4net/internal/runtimesim"
)

const commandFile = `
# forwarding
table_add ipv4_lpm ipv4_forward 10.0.1.1/32 => 00:00:0a:00:01:01 1
// second host
table_add MyIngress.ipv4_lpm ipv4_forward 10.0.2.2/32 => 00:00:0a:00:02:02 2
table_modify ipv4_lpm drop 1
table_delete ipv4_lpm 0
`

func TestParseCommands(t *testing.T) {
	cmds, err := ParseCommands(strings.NewReader(commandFile))
	require.NoError(t, err)
	require.Len(t, cmds, 4)

	require.Equal(t, "table_add", cmds[0].Op)
	require.Equal(t, 3, cmds[0].Line)
	require.Equal(t, Entry{Table: "ipv4_lpm", Action: "ipv4_forward", Match: []string{"10.0.1.1/32"}, Params: []string{"00:00:0a:00:01:01", "1"}}, cmds[0].Entry)
	require.Equal(t, uint64(1), cmds[2].Handle)
	require.Equal(t, "drop", cmds[2].Entry.Action)
	require.Equal(t, uint64(0), cmds[3].Handle)
}

func TestParseCommandsTernaryPriority(t *testing.T) {
	cmds, err := ParseCommands(strings.NewReader("table_add acl deny 10.0.0.0&&&255.0.0.0 => 10\n"))
	require.NoError(t, err)
	require.Equal(t, 10, cmds[0].Entry.Priority)
	require.Empty(t, cmds[0].Entry.Params)
}

const stateFile = `
table_set_default MyIngress.ipv4_lpm MyIngress.drop
table_add ipv4_lpm ipv4_forward 10.0.1.1/32 => 00:00:0a:00:01:01 1
register_write flow_bytes 2 0x1ff
register_read MyIngress.flow_bytes 2
register_read flow_bytes
table_clear ipv4_lpm
`

func TestParseDefaultsAndRegisters(t *testing.T) {
	cmds, err := ParseCommands(strings.NewReader(stateFile))
	require.NoError(t, err)
	require.Len(t, cmds, 6)

	require.Equal(t, "table_set_default", cmds[0].Op)
	require.Equal(t, Entry{Table: "MyIngress.ipv4_lpm", Action: "MyIngress.drop"}, cmds[0].Entry)

	require.Equal(t, "register_write", cmds[2].Op)
	require.Equal(t, "flow_bytes", cmds[2].Register)
	require.Equal(t, 2, cmds[2].Index)
	require.Equal(t, uint64(0x1ff), cmds[2].Value)
	require.Equal(t, 2, cmds[3].Index)
	require.Equal(t, -1, cmds[4].Index)

	require.Equal(t, "table_clear", cmds[5].Op)
	require.Equal(t, "ipv4_lpm", cmds[5].Entry.Table)
}

func TestApplyDefaultsAndRegisters(t *testing.T) {
	srv := runtimesim.NewServer(program())
	s := connect(t, srv)

	cmds, err := ParseCommands(strings.NewReader(stateFile))
	require.NoError(t, err)
	require.NoError(t, s.Apply(t.Context(), cmds))

	action, _ := srv.DefaultAction("ipv4_lpm")
	require.Equal(t, "MyIngress.drop", action)
	require.Equal(t, []uint64{0, 0, 0x1ff, 0}, srv.Register("flow_bytes"))
	require.Equal(t, 0, srv.Entries("ipv4_lpm"))
}

func TestParseCommandsErrors(t *testing.T) {
	for _, in := range []string{
		"mirroring_add 1 2",
		"table_add t",
		"table_add t a => 1",
		"table_delete t x",
		"table_modify t a",
		"table_set_default t",
		"table_clear",
		"register_write r 1",
		"register_write r 1 zz",
		"register_read r -1",
		"register_reset",
	} {
		_, err := ParseCommands(strings.NewReader("\n" + in))
		var cerr *CommandError
		require.ErrorAs(t, err, &cerr, in)
		require.Equal(t, 2, cerr.Line)
	}
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	srv := runtimesim.NewServer(program())
	s := connect(t, srv)

	cmds, err := ParseCommands(strings.NewReader(commandFile))
	require.NoError(t, err)
	require.NoError(t, s.Apply(t.Context(), cmds))
	require.Equal(t, 1, srv.Entries("ipv4_lpm"))

	// Deleting handle 0 again fails on the runtime.
	err = s.Apply(t.Context(), cmds[3:])
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 7, cerr.Line)
	require.ErrorIs(t, err, ErrNotFound)
}
