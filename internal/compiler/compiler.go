// Package compiler turns P4 programs into data-plane artifacts that a
// software switch can load.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/substrate"
	"github.com/signalsfoundry/p4net/model"
)

// Request is one compile invocation.
type Request struct {
	Program string
	Binary  string
	Options string
	// OutDir defaults to the program's directory.
	OutDir string
}

// Artifact is a compiled program.
type Artifact struct {
	Program    string
	JSONPath   string
	P4InfoPath string
	Checksum   string
	Tables     []Table
	// Cached is set when the artifact came from a previous compile of the
	// same source and options.
	Cached bool
}

// Compiler compiles programs. Implementations must honour ctx deadlines.
type Compiler interface {
	Compile(ctx context.Context, req Request) (*Artifact, error)
}

// Func adapts a function to Compiler.
type Func func(ctx context.Context, req Request) (*Artifact, error)

func (f Func) Compile(ctx context.Context, req Request) (*Artifact, error) { return f(ctx, req) }

// CompileError carries the compiler's diagnostic output.
type CompileError struct {
	Program    string
	Diagnostic string
	Err        error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile %s: %v", e.Program, e.Err)
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *CompileError) Unwrap() error { return e.Err }

// P4C invokes the p4c front-end. Results are cached by source checksum,
// binary and options so unchanged programs are not recompiled on reboot.
type P4C struct {
	runner  substrate.Runner
	timeout time.Duration
	cache   *cache.Cache
	log     logging.Logger
}

// Option configures a P4C compiler.
type Option func(*P4C)

// WithTimeout bounds each compiler invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *P4C) { c.timeout = d }
}

// WithRunner replaces the command runner.
func WithRunner(r substrate.Runner) Option {
	return func(c *P4C) { c.runner = r }
}

// WithCacheTTL sets how long compiled artifacts are remembered.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *P4C) { c.cache = cache.New(ttl, 2*ttl) }
}

// WithLogger attaches a logger.
func WithLogger(log logging.Logger) Option {
	return func(c *P4C) {
		if log != nil {
			c.log = log
		}
	}
}

// NewP4C returns a p4c-backed compiler.
func NewP4C(opts ...Option) *P4C {
	c := &P4C{
		runner:  substrate.ExecRunner{},
		timeout: 2 * time.Minute,
		cache:   cache.New(cache.NoExpiration, 10*time.Minute),
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *P4C) Compile(ctx context.Context, req Request) (*Artifact, error) {
	if req.Binary == "" {
		req.Binary = model.DefaultCompiler
	}
	if req.Options == "" {
		req.Options = model.DefaultCompilerOptions
	}
	source, err := os.ReadFile(req.Program)
	if err != nil {
		return nil, &CompileError{Program: req.Program, Err: err}
	}
	sum := sha256.Sum256(source)
	checksum := hex.EncodeToString(sum[:])

	// Already-compiled bmv2 JSON is loaded as is.
	if strings.HasSuffix(req.Program, ".json") {
		tables, err := ParseBMv2(source)
		if err != nil {
			return nil, &CompileError{Program: req.Program, Err: err}
		}
		return &Artifact{Program: req.Program, JSONPath: req.Program, Checksum: checksum, Tables: tables}, nil
	}

	outDir := req.OutDir
	if outDir == "" {
		outDir = filepath.Dir(req.Program)
	}
	base := strings.TrimSuffix(filepath.Base(req.Program), filepath.Ext(req.Program))
	jsonPath := filepath.Join(outDir, base+".json")
	p4info := filepath.Join(outDir, base+"_p4rt.txt")

	key := strings.Join([]string{req.Binary, req.Options, outDir, checksum}, "|")
	if hit, ok := c.cache.Get(key); ok {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			art := *hit.(*Artifact)
			art.Cached = true
			c.log.Debug(ctx, "reusing compiled program", logging.String("program", req.Program))
			return &art, nil
		}
		c.cache.Delete(key)
	}

	args := append(strings.Fields(req.Options), "-o", outDir, "--p4runtime-files", p4info, req.Program)
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.runner.Run(cctx, req.Binary, args...)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("compiler timed out after %s: %w", c.timeout, cctx.Err())
		}
		return nil, &CompileError{Program: req.Program, Diagnostic: string(out), Err: err}
	}

	compiled, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, &CompileError{Program: req.Program, Diagnostic: string(out), Err: fmt.Errorf("read output: %w", err)}
	}
	tables, err := ParseBMv2(compiled)
	if err != nil {
		return nil, &CompileError{Program: req.Program, Err: err}
	}

	art := &Artifact{
		Program:    req.Program,
		JSONPath:   jsonPath,
		P4InfoPath: p4info,
		Checksum:   checksum,
		Tables:     tables,
	}
	c.cache.Set(key, art, cache.DefaultExpiration)
	c.log.Info(ctx, "compiled program",
		logging.String("program", req.Program),
		logging.String("output", jsonPath),
		logging.Duration("elapsed", time.Since(start)),
	)
	return art, nil
}
