package lifecycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpclient"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/notify"
	"github.com/signalsfoundry/p4net/internal/substrate"
)

// compile builds the switch's program, or program when non-empty, and
// records the artifact on the node.
func (m *Manager) compile(ctx context.Context, n *core.Node, program string) error {
	sw := n.Switch()
	if program == "" {
		program = sw.Program
	}
	start := time.Now()
	art, err := m.comp.Compile(ctx, compiler.Request{
		Program: program,
		Binary:  sw.Compiler,
		Options: sw.CompilerOptions,
	})
	m.metrics.ObserveCompile(time.Since(start), err)
	if err != nil {
		return err
	}
	return m.topo.SetSwitchProgram(n.Name(), program, art.JSONPath)
}

// startSwitch spawns the switch process and opens its control-plane
// session, then installs static neighbours and the command file. The
// connect is abandoned as soon as the process exits.
func (m *Manager) startSwitch(ctx context.Context, r *runner) error {
	n := r.node
	h, ok := m.contextOf(n.Name())
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoContext, n.Name())
	}
	cmd, err := switchCommand(n, m.topo.Defaults())
	if err != nil {
		return err
	}
	proc, err := m.sub.Spawn(ctx, h, cmd)
	if err != nil {
		return err
	}
	r.proc = proc

	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-proc.Done():
			cancel(&substrate.SpawnError{Node: n.Name(), Command: cmd.String(), Err: fmt.Errorf("%w: %v", ErrProcessExited, proc.Err())})
		case <-cctx.Done():
		}
	}()

	endpoint := n.Switch().Endpoint
	sess, err := m.client.ConnectWithRetry(cctx, endpoint)
	if err != nil {
		if cause := context.Cause(cctx); cause != nil {
			return cause
		}
		return err
	}
	r.session = sess

	if err := m.configureSwitch(ctx, r); err != nil {
		return err
	}

	if addr := n.Switch().NotificationsAddr; addr != "" {
		l, err := notify.Listen(ctx, n.Name(), addr, m.onEvent, m.log)
		if err != nil {
			m.log.Warn(ctx, "notification listener not started", logging.Node(n.Name()), logging.Err(err))
		} else {
			r.listener = l
		}
	}
	m.log.Info(ctx, "switch running",
		logging.Node(n.Name()),
		logging.String("endpoint", endpoint),
		logging.Int("pid", proc.PID()),
	)
	return nil
}

// configureSwitch installs the static neighbours computed by assignment
// and applies the switch's command file.
func (m *Manager) configureSwitch(ctx context.Context, r *runner) error {
	n := r.node
	for _, iface := range n.Interfaces() {
		for _, e := range iface.ARP() {
			dev := e.Interface
			if dev == "" {
				dev = iface.Name()
			}
			if err := r.session.AddStaticARP(ctx, dev, e.IP.String(), e.MAC); err != nil {
				return fmt.Errorf("static ARP %s on %s: %w", e.IP, dev, err)
			}
		}
	}

	path := n.Switch().CLIInput
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("command file: %w", err)
	}
	defer f.Close()
	cmds, err := cpclient.ParseCommands(f)
	if err != nil {
		return fmt.Errorf("command file %s: %w", path, err)
	}
	if err := r.session.Apply(ctx, cmds); err != nil {
		return fmt.Errorf("command file %s: %w", path, err)
	}
	m.log.Debug(ctx, "applied command file", logging.Node(n.Name()), logging.Int("commands", len(cmds)))
	return nil
}

// release disconnects the session, stops the notification listener and
// terminates the node's processes. Safe to call repeatedly.
func (m *Manager) release(ctx context.Context, r *runner) {
	if r.listener != nil {
		_ = r.listener.Close()
		r.listener = nil
	}
	if r.session != nil {
		if err := r.session.Disconnect(); err != nil {
			m.log.Debug(ctx, "session disconnect", logging.Node(r.node.Name()), logging.Err(err))
		}
		r.session = nil
	}
	procs := r.execs
	if r.proc != nil {
		procs = append(procs, r.proc)
	}
	for _, p := range procs {
		m.terminate(ctx, r.node.Name(), p)
	}
	r.proc = nil
	r.execs = nil
}

func (m *Manager) terminate(ctx context.Context, node string, p substrate.Process) {
	select {
	case <-p.Done():
		return
	default:
	}
	if err := m.sub.Terminate(ctx, p, m.stopSignal); err != nil {
		m.log.Warn(ctx, "cannot terminate process", logging.Node(node), logging.Int("pid", p.PID()), logging.Err(err))
		return
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
	}
}
