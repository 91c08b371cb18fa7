package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const bmv2JSON = `{
  "register_arrays": [
    {"name": "MyIngress.flow_bytes", "id": 0, "size": 8, "bitwidth": 32}
  ],
  "pipelines": [
    {"name": "ingress", "tables": [
      {"name": "MyIngress.ipv4_lpm", "id": 0, "match_type": "lpm", "max_size": 1024,
       "key": [{"match_type": "lpm", "name": "hdr.ipv4.dstAddr", "target": ["ipv4", "dstAddr"]}],
       "actions": ["MyIngress.ipv4_forward", "MyIngress.drop", "NoAction"]}
    ]},
    {"name": "egress", "tables": [
      {"name": "MyEgress.rewrite", "id": 0, "match_type": "exact", "max_size": 64,
       "key": [{"match_type": "exact", "name": "standard_metadata.egress_port"}],
       "actions": ["MyEgress.set_smac"]}
    ]}
  ]
}`

type fakeRunner struct {
	calls atomic.Int32
	args  [][]string
	run   func(ctx context.Context, args []string) ([]byte, error)
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls.Add(1)
	r.args = append(r.args, append([]string{name}, args...))
	return r.run(ctx, args)
}

// writesOutput emulates p4c writing <outdir>/<base>.json.
func writesOutput(ctx context.Context, args []string) ([]byte, error) {
	out := args[slices.Index(args, "-o")+1]
	src := args[len(args)-1]
	base := strings.TrimSuffix(filepath.Base(src), ".p4")
	return nil, os.WriteFile(filepath.Join(out, base+".json"), []byte(bmv2JSON), 0o644)
}

func writeProgram(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write program: %v", err)
	}
	return path
}

func TestParseBMv2(t *testing.T) {
	tables, err := ParseBMv2([]byte(bmv2JSON))
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, Table{
		Name:      "MyIngress.ipv4_lpm",
		ID:        0,
		MatchType: "lpm",
		Keys:      []string{"hdr.ipv4.dstAddr"},
		Actions:   []string{"MyIngress.ipv4_forward", "MyIngress.drop", "NoAction"},
		MaxSize:   1024,
	}, tables[0])
	require.Equal(t, 1, tables[1].ID)

	_, err = ParseBMv2([]byte("{"))
	require.Error(t, err)

	regs, err := ParseRegisters([]byte(bmv2JSON))
	require.NoError(t, err)
	require.Equal(t, []Register{{Name: "MyIngress.flow_bytes", ID: 0, Size: 8, Bitwidth: 32}}, regs)
}

func TestP4CCompilesAndCaches(t *testing.T) {
	prog := writeProgram(t, "router.p4", "control MyIngress() {}")
	runner := &fakeRunner{run: writesOutput}
	c := NewP4C(WithRunner(runner))

	art, err := c.Compile(t.Context(), Request{Program: prog})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(filepath.Dir(prog), "router.json"), art.JSONPath)
	require.Equal(t, filepath.Join(filepath.Dir(prog), "router_p4rt.txt"), art.P4InfoPath)
	require.Len(t, art.Checksum, 64)
	require.Len(t, art.Tables, 2)
	require.False(t, art.Cached)

	got := runner.args[0]
	require.Equal(t, "p4c", got[0])
	require.Equal(t, []string{"--target", "bmv2", "--arch", "v1model", "--std", "p4-16"}, got[1:7])
	require.Equal(t, prog, got[len(got)-1])

	again, err := c.Compile(t.Context(), Request{Program: prog})
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, int32(1), runner.calls.Load())

	// Changed source recompiles.
	require.NoError(t, os.WriteFile(prog, []byte("control MyIngress() { apply {} }"), 0o644))
	changed, err := c.Compile(t.Context(), Request{Program: prog})
	require.NoError(t, err)
	require.False(t, changed.Cached)
	require.NotEqual(t, art.Checksum, changed.Checksum)
	require.Equal(t, int32(2), runner.calls.Load())
}

func TestP4CReportsDiagnostics(t *testing.T) {
	prog := writeProgram(t, "broken.p4", "control {")
	runner := &fakeRunner{run: func(context.Context, []string) ([]byte, error) {
		return []byte("broken.p4(1): syntax error, unexpected {"), errors.New("exit status 1")
	}}
	_, err := NewP4C(WithRunner(runner)).Compile(t.Context(), Request{Program: prog})

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, prog, cerr.Program)
	require.Contains(t, cerr.Diagnostic, "syntax error")
	require.Contains(t, err.Error(), "syntax error")
}

func TestP4CTimeout(t *testing.T) {
	prog := writeProgram(t, "slow.p4", "control {}")
	runner := &fakeRunner{run: func(ctx context.Context, _ []string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, err := NewP4C(WithRunner(runner), WithTimeout(20*time.Millisecond)).Compile(t.Context(), Request{Program: prog})

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestP4CMissingProgram(t *testing.T) {
	_, err := NewP4C().Compile(t.Context(), Request{Program: filepath.Join(t.TempDir(), "nope.p4")})
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestP4CPassesThroughJSON(t *testing.T) {
	prog := writeProgram(t, "prebuilt.json", bmv2JSON)
	runner := &fakeRunner{run: writesOutput}
	art, err := NewP4C(WithRunner(runner)).Compile(t.Context(), Request{Program: prog})
	require.NoError(t, err)
	require.Equal(t, prog, art.JSONPath)
	require.Len(t, art.Tables, 2)
	require.Zero(t, runner.calls.Load())
}

func TestFuncAdapter(t *testing.T) {
	var c Compiler = Func(func(_ context.Context, req Request) (*Artifact, error) {
		return &Artifact{Program: req.Program}, nil
	})
	art, err := c.Compile(t.Context(), Request{Program: "x.p4"})
	require.NoError(t, err)
	require.Equal(t, "x.p4", art.Program)
}
