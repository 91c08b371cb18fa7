// Package substrate is the boundary to the isolation layer that hosts
// emulated nodes: execution contexts, virtual links and processes.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/signalsfoundry/p4net/model"
)

var (
	ErrUnknownContext = errors.New("unknown execution context")
	ErrUnknownLink    = errors.New("unknown link")
	ErrUnknownProcess = errors.New("unknown process")
)

// ContextSpec describes the execution context for one node.
type ContextSpec struct {
	Node string
	Kind model.NodeKind
	// Isolated asks for a private network namespace. Switches normally
	// share the root namespace so their control-plane endpoint is
	// reachable from the orchestrator.
	Isolated bool
}

// ContextHandle identifies a created execution context.
type ContextHandle struct {
	ID       string
	Node     string
	Isolated bool
}

// Endpoint is one side of a virtual link.
type Endpoint struct {
	Context   ContextHandle
	Interface string
	MAC       string
	// IP is a CIDR string; empty leaves the interface unnumbered.
	IP string
}

// LinkHandle identifies a created virtual link.
type LinkHandle struct {
	ID string
	A  Endpoint
	B  Endpoint
}

// Command is a process to run inside a context.
type Command struct {
	Path string
	Args []string
	Env  []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Process is a spawned process. Done is closed once the process exits;
// Err then reports how it exited.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Err() error
}

// Substrate is the capability set the orchestrator needs from the
// isolation layer. Spawn must not block on the process.
type Substrate interface {
	CreateContext(ctx context.Context, spec ContextSpec) (ContextHandle, error)
	DestroyContext(ctx context.Context, h ContextHandle) error
	CreateLink(ctx context.Context, a, b Endpoint, attrs model.LinkAttrs) (LinkHandle, error)
	RemoveLink(ctx context.Context, h LinkHandle) error
	Spawn(ctx context.Context, h ContextHandle, cmd Command) (Process, error)
	Terminate(ctx context.Context, p Process, sig os.Signal) error
}

// SpawnError reports a process that could not be started or exited while
// it was expected to keep running.
type SpawnError struct {
	Node    string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("spawn %q on %s: %v", e.Command, e.Node, e.Err)
	}
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Run spawns cmd and waits for it to exit, for short configuration
// commands.
func Run(ctx context.Context, s Substrate, h ContextHandle, cmd Command) error {
	p, err := s.Spawn(ctx, h, cmd)
	if err != nil {
		return err
	}
	select {
	case <-p.Done():
		if err := p.Err(); err != nil {
			return &SpawnError{Node: h.Node, Command: cmd.String(), Err: err}
		}
		return nil
	case <-ctx.Done():
		_ = s.Terminate(context.WithoutCancel(ctx), p, os.Kill)
		return ctx.Err()
	}
}
