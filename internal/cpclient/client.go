// Package cpclient drives a switch's control-plane runtime endpoint through
// sequence-correlated sessions.
package cpclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/p4net/internal/cpproto"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/model"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second

	notificationBuffer = 64
)

// Client opens control-plane sessions. A Client holds no connections
// itself and may be shared across node tasks.
type Client struct {
	dialOpts        []grpc.DialOption
	log             logging.Logger
	metrics         MetricsRecorder
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	timeout         time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithDialOptions appends gRPC dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithLogger attaches a logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRetry sets the connect retry ceiling and backoff intervals.
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initial > 0 {
			c.initialInterval = initial
		}
		if max > 0 {
			c.maxInterval = max
		}
	}
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a Client.
func New(opts ...Option) *Client {
	c := &Client{
		log:             logging.Noop(),
		metrics:         nopMetrics{},
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		timeout:         model.DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConnectWithRetry connects to endpoint with bounded exponential backoff.
// Refused attempts are retried; a protocol mismatch fails immediately.
func (c *Client) ConnectWithRetry(ctx context.Context, endpoint string) (*Session, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	exp.MaxInterval = c.maxInterval

	attempts := 0
	sess, err := backoff.Retry(ctx, func() (*Session, error) {
		attempts++
		s, err := c.connect(ctx, endpoint, c.timeout)
		if err != nil {
			var ce *ConnectError
			if errors.As(err, &ce) && !ce.Retryable() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return s, nil
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug(ctx, "control-plane connect retry",
				logging.String("endpoint", endpoint),
				logging.Duration("backoff", next),
				logging.Err(err),
			)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		var ce *ConnectError
		if errors.As(err, &ce) {
			ce.Attempts = attempts
		} else {
			// Context cancellation between attempts.
			err = &ConnectError{Endpoint: endpoint, Kind: Refused, Attempts: attempts, Err: err}
		}
		c.metrics.ObserveConnect(endpoint, attempts, err)
		return nil, err
	}
	c.metrics.ObserveConnect(endpoint, attempts, nil)
	return sess, nil
}

// Connect makes a single connection attempt, bounded by timeout for the
// handshake. The returned session outlives ctx and must be released with
// Disconnect.
func (c *Client) Connect(ctx context.Context, endpoint string, timeout time.Duration) (*Session, error) {
	s, err := c.connect(ctx, endpoint, timeout)
	c.metrics.ObserveConnect(endpoint, 1, err)
	return s, err
}

func (c *Client) connect(ctx context.Context, endpoint string, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(cpproto.CodecName)),
	}, c.dialOpts...)
	conn, err := grpc.NewClient("passthrough:///"+endpoint, opts...)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Kind: Refused, Err: err}
	}

	// The stream lives until Disconnect; only the handshake is bounded.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	hctx, hcancel := context.WithTimeout(ctx, timeout)
	defer hcancel()
	stop := context.AfterFunc(hctx, cancel)

	fail := func(kind ConnectErrorKind, err error) (*Session, error) {
		stop()
		cancel()
		_ = conn.Close()
		return nil, &ConnectError{Endpoint: endpoint, Kind: kind, Err: err}
	}

	stream, err := conn.NewStream(sctx, cpproto.SessionStreamDesc, cpproto.SessionMethod)
	if err != nil {
		return fail(classify(err), err)
	}
	clientID := "p4net-" + uuid.NewString()
	if err := stream.SendMsg(&cpproto.Frame{
		Type:  cpproto.FrameHello,
		Hello: &cpproto.Hello{Version: cpproto.Version, ClientID: clientID},
	}); err != nil {
		return fail(classify(err), err)
	}
	var ack cpproto.Frame
	if err := stream.RecvMsg(&ack); err != nil {
		return fail(classify(err), err)
	}
	if ack.Type != cpproto.FrameHelloAck || ack.Hello == nil {
		return fail(ProtocolMismatch, fmt.Errorf("expected %s frame, got %q", cpproto.FrameHelloAck, ack.Type))
	}
	if ack.Hello.Version != cpproto.Version {
		return fail(ProtocolMismatch, fmt.Errorf("runtime speaks %q, want %q", ack.Hello.Version, cpproto.Version))
	}
	if !stop() {
		// The handshake deadline fired after the ack arrived.
		cancel()
		_ = conn.Close()
		return nil, &ConnectError{Endpoint: endpoint, Kind: Refused, Err: hctx.Err()}
	}

	s := newSession(endpoint, clientID, ack.Hello, conn, stream, cancel, c.metrics)
	c.metrics.SessionOpened()
	c.log.Debug(ctx, "control-plane session opened",
		logging.String("endpoint", endpoint),
		logging.Int("device_id", ack.Hello.DeviceID),
		logging.String("session", clientID),
	)
	return s, nil
}

func classify(err error) ConnectErrorKind {
	switch status.Code(err) {
	case codes.Unimplemented, codes.Internal:
		return ProtocolMismatch
	default:
		return Refused
	}
}
