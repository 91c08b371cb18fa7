package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/config"
	"github.com/signalsfoundry/p4net/internal/cpclient"
	"github.com/signalsfoundry/p4net/internal/introspect"
	"github.com/signalsfoundry/p4net/internal/lifecycle"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/network"
	"github.com/signalsfoundry/p4net/internal/notify"
	"github.com/signalsfoundry/p4net/internal/observability"
	"github.com/signalsfoundry/p4net/internal/runtimesim"
	"github.com/signalsfoundry/p4net/internal/substrate"
	"github.com/signalsfoundry/p4net/model"
)

// Config is the command-line configuration.
type Config struct {
	ConfigPath     string
	APIAddress     string
	MetricsAddress string
	DryRun         bool
	ExitAfterBuild bool
	LogLevel       string
	LogFormat      string
}

const teardownTimeout = 30 * time.Second

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ConfigPath, "config", "p4app.json", "Path to the network description (YAML or JSON)")
	flag.StringVar(&cfg.APIAddress, "api-addr", "127.0.0.1:50100", "TCP address for the introspection gRPC API; empty disables it")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Emulate namespaces, links and switches in-process")
	flag.BoolVar(&cfg.ExitAfterBuild, "exit-after-build", false, "Tear the network down as soon as it is built")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("P4NET_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("P4NET_LOG_FORMAT", "text"), "text or json")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var lis net.Listener
	if cfg.APIAddress != "" {
		lis, err = net.Listen("tcp", cfg.APIAddress)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.APIAddress), logging.Err(err))
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "p4net failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

// run builds the network described by cfg.ConfigPath, serves the API on lis
// (when non-nil) and metrics, and tears everything down when ctx ends.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}
	file, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	desc := file.Description()

	reg := prometheus.NewRegistry()
	apiMetrics, err := observability.NewAPICollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	lcMetrics, err := observability.NewLifecycleCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	cpMetrics, err := observability.NewControlPlaneCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, apiMetrics, log)
	defer shutdownHTTP(metricsSrv)

	deps := buildDeps(cfg, desc, log, cpMetrics)
	n, err := network.Build(ctx, desc, deps,
		network.WithLogger(log),
		network.WithMetrics(apiMetrics),
		network.WithLifecycleOptions(
			lifecycle.WithMetrics(lcMetrics),
			lifecycle.WithNotificationHandler(logNotifications(log)),
		),
	)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := n.Teardown(tctx); err != nil {
			log.Warn(tctx, "teardown finished with errors", logging.Err(err))
		}
	}()
	logSummary(ctx, log, n)

	if cfg.ExitAfterBuild {
		return nil
	}

	var server *grpc.Server
	if lis != nil {
		server = introspect.NewGRPCServer(introspect.NewServer(n, log), log, apiMetrics)
		log.Info(ctx, "starting introspection API", logging.String("addr", lis.Addr().String()))
		go func() {
			if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")
	if server != nil {
		server.GracefulStop()
	}
	return nil
}

func buildDeps(cfg Config, desc model.Description, log logging.Logger, cp *observability.ControlPlaneCollector) network.Deps {
	clientOpts := []cpclient.Option{cpclient.WithLogger(log), cpclient.WithMetrics(cp)}
	if desc.Defaults.ConnectTimeout > 0 {
		clientOpts = append(clientOpts, cpclient.WithConnectTimeout(desc.Defaults.ConnectTimeout))
	}

	if !cfg.DryRun {
		return network.Deps{
			Substrate: substrate.NewNetns(substrate.WithLogger(log)),
			Compiler:  compiler.NewP4C(compiler.WithLogger(log)),
			Client:    cpclient.New(clientOpts...),
		}
	}

	fake := substrate.NewFake()
	emu := runtimesim.NewEmulator(log)
	emu.Loader = func(path string) (runtimesim.Program, error) {
		prog, err := runtimesim.LoadProgram(path)
		if err != nil {
			// Nothing was compiled; run with an empty pipeline.
			return runtimesim.Program{}, nil
		}
		return prog, nil
	}
	emu.Attach(fake)
	clientOpts = append(clientOpts, cpclient.WithDialOptions(emu.DialOption()))
	return network.Deps{
		Substrate: fake,
		Compiler: compiler.Func(func(_ context.Context, req compiler.Request) (*compiler.Artifact, error) {
			return &compiler.Artifact{Program: req.Program, JSONPath: strings.TrimSuffix(req.Program, ".p4") + ".json"}, nil
		}),
		Client: cpclient.New(clientOpts...),
	}
}

func logNotifications(log logging.Logger) notify.Handler {
	return func(ev notify.Event) {
		log.Debug(context.Background(), "switch notification",
			logging.Node(ev.Switch),
			logging.String("kind", ev.Kind),
			logging.String("message", ev.Message),
		)
	}
}

func logSummary(ctx context.Context, log logging.Logger, n *network.Network) {
	q := n.Query()
	for _, name := range append(q.Hosts(), q.Switches()...) {
		st, err := q.NodeStatus(name)
		if err != nil {
			continue
		}
		fields := []logging.Field{logging.Node(name), logging.String("state", st.State.String())}
		if st.Err != nil {
			fields = append(fields, logging.Err(st.Err))
			log.Warn(ctx, "node failed", fields...)
			continue
		}
		log.Info(ctx, "node ready", fields...)
	}
	log.Info(ctx, "network built", logging.String("network", n.ID()))
}

func serveMetrics(addr string, collector *observability.APICollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
