// Package notify subscribes to switch notification sockets.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/signalsfoundry/p4net/internal/cpproto"
	"github.com/signalsfoundry/p4net/internal/logging"
)

// Event is a notification received from a switch.
type Event struct {
	Switch string
	cpproto.Notification
}

// Handler consumes events. It is called from the listener goroutine.
type Handler func(Event)

const pollInterval = 200 * time.Millisecond

// Listener receives notifications from one switch.
type Listener struct {
	node    string
	addr    string
	handler Handler
	log     logging.Logger

	sock   mangos.Socket
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Listen dials addr and delivers decoded events to h until Close. The dial
// is asynchronous, so the switch may start publishing later.
func Listen(ctx context.Context, node, addr string, h Handler, log logging.Logger) (*Listener, error) {
	if log == nil {
		log = logging.Noop()
	}
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, err
	}
	setup := []struct {
		opt string
		val any
	}{
		{mangos.OptionSubscribe, []byte("")},
		{mangos.OptionRecvDeadline, pollInterval},
		{mangos.OptionDialAsynch, true},
	}
	for _, o := range setup {
		if err := sock.SetOption(o.opt, o.val); err != nil {
			_ = sock.Close()
			return nil, err
		}
	}
	if err := sock.Dial(addr); err != nil {
		_ = sock.Close()
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Listener{
		node:    node,
		addr:    addr,
		handler: h,
		log:     log.With(logging.Node(node), logging.String("addr", addr)),
		sock:    sock,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.run(lctx)
	return l, nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := l.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			l.log.Warn(ctx, "notification receive failed", logging.Err(err))
			continue
		}
		var n cpproto.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			l.log.Warn(ctx, "dropping undecodable notification", logging.Err(err))
			continue
		}
		if l.handler != nil {
			l.handler(Event{Switch: l.node, Notification: n})
		}
	}
}

// Close stops the listener and waits for its goroutine.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.sock.Close()
		<-l.done
	})
	return err
}
