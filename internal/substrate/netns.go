package substrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/model"
)

const rootContextID = "root"

// Runner executes a setup command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Netns provisions hosts in Linux network namespaces joined by veth pairs,
// with tc netem shaping. Switches run in the root namespace. Requires
// iproute2 and CAP_NET_ADMIN.
type Netns struct {
	runner    Runner
	prefix    string
	killGrace time.Duration
	log       logging.Logger

	mu sync.Mutex
	ns map[string]bool
}

// NetnsOption configures a Netns substrate.
type NetnsOption func(*Netns)

// WithRunner replaces the command runner, mainly for tests.
func WithRunner(r Runner) NetnsOption {
	return func(n *Netns) { n.runner = r }
}

// WithNamespacePrefix sets the prefix of created namespace names.
func WithNamespacePrefix(prefix string) NetnsOption {
	return func(n *Netns) { n.prefix = prefix }
}

// WithLogger attaches a logger.
func WithLogger(log logging.Logger) NetnsOption {
	return func(n *Netns) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNetns returns a namespace-backed substrate.
func NewNetns(opts ...NetnsOption) *Netns {
	n := &Netns{
		runner:    ExecRunner{},
		prefix:    "p4net-",
		killGrace: 3 * time.Second,
		log:       logging.Noop(),
		ns:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Netns) CreateContext(ctx context.Context, spec ContextSpec) (ContextHandle, error) {
	if !spec.Isolated {
		return ContextHandle{ID: rootContextID, Node: spec.Node}, nil
	}
	name := n.prefix + spec.Node
	if _, err := n.runner.Run(ctx, "ip", "netns", "add", name); err != nil {
		return ContextHandle{}, err
	}
	n.mu.Lock()
	n.ns[name] = true
	n.mu.Unlock()

	h := ContextHandle{ID: name, Node: spec.Node, Isolated: true}
	if err := n.in(ctx, h, "ip", "link", "set", "lo", "up"); err != nil {
		return h, err
	}
	n.log.Debug(ctx, "created network namespace", logging.String("node", spec.Node), logging.String("netns", name))
	return h, nil
}

func (n *Netns) DestroyContext(ctx context.Context, h ContextHandle) error {
	if !h.Isolated {
		return nil
	}
	n.mu.Lock()
	known := n.ns[h.ID]
	delete(n.ns, h.ID)
	n.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownContext, h.ID)
	}
	_, err := n.runner.Run(ctx, "ip", "netns", "del", h.ID)
	return err
}

func (n *Netns) CreateLink(ctx context.Context, a, b Endpoint, attrs model.LinkAttrs) (LinkHandle, error) {
	if _, err := n.runner.Run(ctx, "ip", "link", "add", a.Interface, "type", "veth", "peer", "name", b.Interface); err != nil {
		return LinkHandle{}, err
	}
	h := LinkHandle{ID: a.Interface + "--" + b.Interface, A: a, B: b}
	for _, ep := range []Endpoint{a, b} {
		if err := n.configureEndpoint(ctx, ep, attrs); err != nil {
			_, _ = n.runner.Run(context.WithoutCancel(ctx), "ip", "link", "del", a.Interface)
			return LinkHandle{}, err
		}
	}
	return h, nil
}

func (n *Netns) configureEndpoint(ctx context.Context, ep Endpoint, attrs model.LinkAttrs) error {
	if ep.Context.Isolated {
		if _, err := n.runner.Run(ctx, "ip", "link", "set", ep.Interface, "netns", ep.Context.ID); err != nil {
			return err
		}
	}
	if ep.MAC != "" {
		if err := n.in(ctx, ep.Context, "ip", "link", "set", "dev", ep.Interface, "address", ep.MAC); err != nil {
			return err
		}
	}
	if attrs.MTU > 0 {
		if err := n.in(ctx, ep.Context, "ip", "link", "set", "dev", ep.Interface, "mtu", strconv.Itoa(attrs.MTU)); err != nil {
			return err
		}
	}
	if ep.IP != "" {
		if err := n.in(ctx, ep.Context, "ip", "addr", "add", ep.IP, "dev", ep.Interface); err != nil {
			return err
		}
	}
	if err := n.in(ctx, ep.Context, "ip", "link", "set", "dev", ep.Interface, "up"); err != nil {
		return err
	}
	if netem := netemArgs(attrs); len(netem) > 0 {
		args := append([]string{"qdisc", "add", "dev", ep.Interface, "root", "netem"}, netem...)
		if err := n.in(ctx, ep.Context, "tc", args...); err != nil {
			return err
		}
	}
	return nil
}

func netemArgs(attrs model.LinkAttrs) []string {
	var args []string
	if attrs.Delay != "" {
		args = append(args, "delay", attrs.Delay)
		if attrs.Jitter != "" {
			args = append(args, attrs.Jitter)
		}
	}
	if attrs.LossPercent > 0 {
		args = append(args, "loss", strconv.FormatFloat(attrs.LossPercent, 'f', -1, 64)+"%")
	}
	if attrs.BandwidthMbps > 0 {
		args = append(args, "rate", strconv.FormatFloat(attrs.BandwidthMbps, 'f', -1, 64)+"mbit")
	}
	if attrs.MaxQueueSize > 0 {
		args = append(args, "limit", strconv.Itoa(attrs.MaxQueueSize))
	}
	return args
}

func (n *Netns) RemoveLink(ctx context.Context, h LinkHandle) error {
	return n.in(ctx, h.A.Context, "ip", "link", "del", h.A.Interface)
}

func (n *Netns) Spawn(ctx context.Context, h ContextHandle, cmd Command) (Process, error) {
	argv := n.argv(h, cmd.Path, cmd.Args...)
	c := exec.Command(argv[0], argv[1:]...)
	c.Env = append(os.Environ(), cmd.Env...)
	if err := c.Start(); err != nil {
		return nil, &SpawnError{Node: h.Node, Command: cmd.String(), Err: err}
	}
	p := &osProcess{cmd: c, done: make(chan struct{})}
	go func() {
		p.err = c.Wait()
		close(p.done)
	}()
	n.log.Debug(ctx, "spawned process",
		logging.String("node", h.Node),
		logging.Int("pid", c.Process.Pid),
		logging.String("command", cmd.String()),
	)
	return p, nil
}

func (n *Netns) Terminate(ctx context.Context, p Process, sig os.Signal) error {
	op, ok := p.(*osProcess)
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrUnknownProcess, p.PID())
	}
	select {
	case <-op.done:
		return nil
	default:
	}
	if err := op.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	grace := time.NewTimer(n.killGrace)
	defer grace.Stop()
	select {
	case <-op.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := op.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-op.done
	return nil
}

func (n *Netns) in(ctx context.Context, h ContextHandle, name string, args ...string) error {
	argv := n.argv(h, name, args...)
	_, err := n.runner.Run(ctx, argv[0], argv[1:]...)
	return err
}

func (n *Netns) argv(h ContextHandle, name string, args ...string) []string {
	if !h.Isolated {
		return append([]string{name}, args...)
	}
	return append([]string{"ip", "netns", "exec", h.ID, name}, args...)
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Done() <-chan struct{} { return p.done }

// Err is valid once Done is closed.
func (p *osProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
