package runtimesim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/p4net/internal/cpproto"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/substrate"
)

const bufSize = 1 << 20

// Emulator stands in for switch processes spawned on a substrate.Fake.
// Every spawned command carrying --grpc-server-addr gets an in-process
// runtime reachable through DialOption until the process is terminated.
type Emulator struct {
	// Loader loads the artifact named on the switch command line.
	Loader func(path string) (Program, error)

	log logging.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	srv  *Server
	grpc *grpc.Server
	lis  *bufconn.Listener
	proc *substrate.FakeProcess
}

// NewEmulator returns an Emulator loading programs from disk.
func NewEmulator(log logging.Logger) *Emulator {
	if log == nil {
		log = logging.Noop()
	}
	return &Emulator{
		Loader:    LoadProgram,
		log:       log,
		instances: make(map[string]*instance),
	}
}

// Attach installs the emulator on f, chaining any existing spawn hook for
// non-switch commands.
func (e *Emulator) Attach(f *substrate.Fake) {
	prev := f.OnSpawn
	f.OnSpawn = func(p *substrate.FakeProcess) {
		if e.spawn(p) {
			return
		}
		if prev != nil {
			prev(p)
			return
		}
		p.Exit(nil)
	}
}

// SwitchArgs is what the emulator reads from a switch command line.
type SwitchArgs struct {
	Endpoint          string
	DeviceID          int
	Artifact          string
	NotificationsAddr string
}

// ParseSwitchArgs extracts runtime settings from a switch command. It
// reports false for commands that do not start a runtime endpoint.
func ParseSwitchArgs(args []string) (SwitchArgs, bool) {
	var out SwitchArgs
	value := func(i int) string {
		if i+1 < len(args) {
			return args[i+1]
		}
		return ""
	}
	sep := slices.Index(args, "--")
	for i, a := range args {
		switch a {
		case "--grpc-server-addr":
			out.Endpoint = value(i)
		case "--device-id":
			out.DeviceID, _ = strconv.Atoi(value(i))
		case "--notifications-addr":
			out.NotificationsAddr = value(i)
		}
		if strings.HasSuffix(a, ".json") && (sep < 0 || i < sep) {
			out.Artifact = a
		}
	}
	return out, out.Endpoint != ""
}

func (e *Emulator) spawn(p *substrate.FakeProcess) bool {
	args, ok := ParseSwitchArgs(p.Command.Args)
	if !ok {
		return false
	}
	ctx := context.Background()
	prog, err := e.Loader(args.Artifact)
	if err != nil {
		p.Exit(fmt.Errorf("load %s: %w", args.Artifact, err))
		return true
	}

	srv := NewServer(prog, WithDeviceID(args.DeviceID), WithServerLogger(e.log))
	if args.NotificationsAddr != "" {
		if err := srv.ListenNotifications(args.NotificationsAddr); err != nil {
			e.log.Warn(ctx, "emulated switch cannot publish notifications",
				logging.String("addr", args.NotificationsAddr), logging.Err(err))
		}
	}
	inst := &instance{
		srv:  srv,
		grpc: grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		lis:  bufconn.Listen(bufSize),
		proc: p,
	}
	cpproto.RegisterRuntimeServer(inst.grpc, srv)

	e.mu.Lock()
	if _, busy := e.instances[args.Endpoint]; busy {
		e.mu.Unlock()
		_ = srv.Close()
		p.Exit(fmt.Errorf("listen %s: address already in use", args.Endpoint))
		return true
	}
	e.instances[args.Endpoint] = inst
	e.mu.Unlock()

	go func() { _ = inst.grpc.Serve(inst.lis) }()
	p.OnTerminate(func() { e.stop(args.Endpoint, inst) })
	e.log.Debug(ctx, "emulated switch started",
		logging.String("endpoint", args.Endpoint),
		logging.Int("device_id", args.DeviceID),
		logging.Int("tables", len(prog.Tables)),
	)
	return true
}

func (e *Emulator) stop(endpoint string, inst *instance) {
	e.mu.Lock()
	if e.instances[endpoint] == inst {
		delete(e.instances, endpoint)
	}
	e.mu.Unlock()
	inst.grpc.Stop()
	_ = inst.srv.Close()
}

// Crash kills the switch at endpoint as if the process died.
func (e *Emulator) Crash(endpoint string) error {
	e.mu.Lock()
	inst, ok := e.instances[endpoint]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no emulated switch at %s", endpoint)
	}
	e.stop(endpoint, inst)
	inst.proc.Exit(errors.New("signal: killed"))
	return nil
}

// Server returns the runtime serving endpoint, or nil.
func (e *Emulator) Server(endpoint string) *Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[endpoint]; ok {
		return inst.srv
	}
	return nil
}

// Endpoints returns the endpoints with a running switch, sorted.
func (e *Emulator) Endpoints() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.instances))
	for ep := range e.instances {
		out = append(out, ep)
	}
	slices.Sort(out)
	return out
}

// DialOption routes client connections to emulated switches. Endpoints
// without a running switch refuse the connection.
func (e *Emulator) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		e.mu.Lock()
		inst, ok := e.instances[addr]
		e.mu.Unlock()
		if !ok {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return inst.lis.DialContext(ctx)
	})
}
