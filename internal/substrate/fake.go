package substrate

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/signalsfoundry/p4net/model"
)

// Fake is an in-memory Substrate. Contexts and links are bookkeeping only;
// spawned processes exit immediately unless OnSpawn keeps them alive.
type Fake struct {
	// OnSpawn is called synchronously for every spawned process. Leave a
	// process running by not calling Exit.
	OnSpawn func(p *FakeProcess)
	// Fail hooks inject errors into individual operations.
	FailContext func(spec ContextSpec) error
	FailSpawn   func(h ContextHandle, cmd Command) error

	mu       sync.Mutex
	nextPID  int
	contexts map[string]ContextHandle
	links    map[string]LinkHandle
	procs    map[int]*FakeProcess
	history  []Command
}

// NewFake returns an empty fake substrate.
func NewFake() *Fake {
	return &Fake{
		nextPID:  100,
		contexts: make(map[string]ContextHandle),
		links:    make(map[string]LinkHandle),
		procs:    make(map[int]*FakeProcess),
	}
}

func (f *Fake) CreateContext(_ context.Context, spec ContextSpec) (ContextHandle, error) {
	if f.FailContext != nil {
		if err := f.FailContext(spec); err != nil {
			return ContextHandle{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := ContextHandle{ID: "ctx-" + spec.Node, Node: spec.Node, Isolated: spec.Isolated}
	if _, exists := f.contexts[h.ID]; exists {
		return ContextHandle{}, fmt.Errorf("context %q already exists", h.ID)
	}
	f.contexts[h.ID] = h
	return h, nil
}

func (f *Fake) DestroyContext(_ context.Context, h ContextHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts[h.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContext, h.ID)
	}
	delete(f.contexts, h.ID)
	return nil
}

func (f *Fake) CreateLink(_ context.Context, a, b Endpoint, _ model.LinkAttrs) (LinkHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ep := range []Endpoint{a, b} {
		if _, ok := f.contexts[ep.Context.ID]; !ok {
			return LinkHandle{}, fmt.Errorf("%w: %q", ErrUnknownContext, ep.Context.ID)
		}
	}
	h := LinkHandle{ID: a.Interface + "--" + b.Interface, A: a, B: b}
	f.links[h.ID] = h
	return h, nil
}

func (f *Fake) RemoveLink(_ context.Context, h LinkHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[h.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLink, h.ID)
	}
	delete(f.links, h.ID)
	return nil
}

func (f *Fake) Spawn(_ context.Context, h ContextHandle, cmd Command) (Process, error) {
	if f.FailSpawn != nil {
		if err := f.FailSpawn(h, cmd); err != nil {
			return nil, &SpawnError{Node: h.Node, Command: cmd.String(), Err: err}
		}
	}
	f.mu.Lock()
	if _, ok := f.contexts[h.ID]; !ok {
		f.mu.Unlock()
		return nil, &SpawnError{Node: h.Node, Command: cmd.String(), Err: fmt.Errorf("%w: %q", ErrUnknownContext, h.ID)}
	}
	f.nextPID++
	p := &FakeProcess{
		pid:     f.nextPID,
		Context: h,
		Command: cmd,
		done:    make(chan struct{}),
	}
	f.procs[p.pid] = p
	f.history = append(f.history, cmd)
	hook := f.OnSpawn
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	} else {
		p.Exit(nil)
	}
	return p, nil
}

func (f *Fake) Terminate(_ context.Context, p Process, sig os.Signal) error {
	f.mu.Lock()
	fp, ok := f.procs[p.PID()]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrUnknownProcess, p.PID())
	}
	fp.terminate(sig)
	return nil
}

// Contexts returns the live contexts sorted by ID.
func (f *Fake) Contexts() []ContextHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContextHandle, 0, len(f.contexts))
	for _, h := range f.contexts {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b ContextHandle) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Links returns the live links sorted by ID.
func (f *Fake) Links() []LinkHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LinkHandle, 0, len(f.links))
	for _, h := range f.links {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b LinkHandle) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Running returns processes that have not exited, by PID.
func (f *Fake) Running() []*FakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*FakeProcess
	for _, p := range f.procs {
		if !p.exited() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *FakeProcess) int { return a.pid - b.pid })
	return out
}

// History returns every command spawned so far, in order.
func (f *Fake) History() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.history)
}

// FakeProcess is a process spawned by Fake.
type FakeProcess struct {
	Context ContextHandle
	Command Command

	pid  int
	done chan struct{}

	mu          sync.Mutex
	err         error
	closed      bool
	onTerminate []func()
}

func (p *FakeProcess) PID() int { return p.pid }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Exit marks the process as exited with err. Later calls are ignored.
func (p *FakeProcess) Exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.err = err
	close(p.done)
}

// OnTerminate registers fn to run when the process is terminated.
func (p *FakeProcess) OnTerminate(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminate = append(p.onTerminate, fn)
}

func (p *FakeProcess) terminate(sig os.Signal) {
	p.mu.Lock()
	hooks := p.onTerminate
	p.onTerminate = nil
	alive := !p.closed
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	if alive {
		p.Exit(fmt.Errorf("terminated by %v", sig))
	}
}

func (p *FakeProcess) exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
