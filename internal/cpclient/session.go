package cpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/p4net/internal/cpproto"
)

// Entry is a match-action table entry to install.
type Entry struct {
	Table    string
	Match    []string
	Action   string
	Params   []string
	Priority int
}

// EntryHandle identifies an installed entry. IDs are assigned by the
// runtime and are only meaningful within the table.
type EntryHandle struct {
	Table string
	ID    uint64
}

func (h EntryHandle) String() string { return fmt.Sprintf("%s#%d", h.Table, h.ID) }

// CounterSnapshot is a counter reading for one entry.
type CounterSnapshot = cpproto.CounterSnapshot

// TableInfo describes a table of the running program.
type TableInfo = cpproto.TableInfo

// Notification is an asynchronous runtime event.
type Notification = cpproto.Notification

// Session is one connection to a switch runtime. Requests carry increasing
// sequence numbers; replies are matched by number, so callers may issue
// requests concurrently. A Session belongs to one node and is released
// exactly once by Disconnect.
type Session struct {
	endpoint string
	id       string
	deviceID int
	metrics  MetricsRecorder

	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]chan *cpproto.Reply
	tables   []cpproto.TableInfo
	handles  map[EntryHandle]struct{}
	closed   bool
	closeErr error

	notifications chan Notification
	done          chan struct{}
	once          sync.Once
}

func newSession(endpoint, id string, ack *cpproto.Hello, conn *grpc.ClientConn, stream grpc.ClientStream, cancel context.CancelFunc, m MetricsRecorder) *Session {
	s := &Session{
		endpoint:      endpoint,
		id:            id,
		deviceID:      ack.DeviceID,
		metrics:       m,
		conn:          conn,
		stream:        stream,
		cancel:        cancel,
		pending:       make(map[uint64]chan *cpproto.Reply),
		tables:        ack.Tables,
		handles:       make(map[EntryHandle]struct{}),
		notifications: make(chan Notification, notificationBuffer),
		done:          make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Endpoint returns the runtime address of the session.
func (s *Session) Endpoint() string { return s.endpoint }

// ID returns the client identifier sent in the handshake.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device ID reported by the runtime.
func (s *Session) DeviceID() int { return s.deviceID }

// Done is closed once the session has ended, by Disconnect or because the
// runtime went away.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. It is nil while the session is open
// and after a clean Disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Notifications delivers runtime events until the session ends. Events are
// dropped when the buffer is full.
func (s *Session) Notifications() <-chan Notification { return s.notifications }

// Tables fetches the table list from the runtime and remembers it.
func (s *Session) Tables(ctx context.Context) ([]TableInfo, error) {
	reply, err := s.call(ctx, cpproto.Request{Op: cpproto.OpTables})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tables = reply.Tables
	s.mu.Unlock()
	return append([]TableInfo(nil), reply.Tables...), nil
}

// KnownTables returns the table list from the handshake or the last
// Tables call.
func (s *Session) KnownTables() []TableInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TableInfo(nil), s.tables...)
}

// Handles returns the entries installed through this session and not yet
// deleted.
func (s *Session) Handles() []EntryHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryHandle, 0, len(s.handles))
	for h := range s.handles {
		out = append(out, h)
	}
	return out
}

// InstallEntry adds a table entry and returns the runtime-assigned handle.
func (s *Session) InstallEntry(ctx context.Context, e Entry) (EntryHandle, error) {
	reply, err := s.call(ctx, cpproto.Request{
		Op:       cpproto.OpAdd,
		Table:    e.Table,
		Match:    e.Match,
		Action:   e.Action,
		Params:   e.Params,
		Priority: e.Priority,
	})
	if err != nil {
		return EntryHandle{}, err
	}
	h := EntryHandle{Table: e.Table, ID: reply.Handle}
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()
	return h, nil
}

// ModifyEntry replaces the action and parameters of an installed entry.
func (s *Session) ModifyEntry(ctx context.Context, h EntryHandle, action string, params []string) error {
	_, err := s.call(ctx, cpproto.Request{
		Op:     cpproto.OpModify,
		Table:  h.Table,
		Handle: h.ID,
		Action: action,
		Params: params,
	})
	return err
}

// DeleteEntry removes an installed entry. Deleting an unknown handle fails
// with an error matching ErrNotFound.
func (s *Session) DeleteEntry(ctx context.Context, h EntryHandle) error {
	_, err := s.call(ctx, cpproto.Request{Op: cpproto.OpDelete, Table: h.Table, Handle: h.ID})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
	return err
}

// SetDefaultAction sets the action a table applies on a miss.
func (s *Session) SetDefaultAction(ctx context.Context, table, action string, params []string) error {
	_, err := s.call(ctx, cpproto.Request{Op: cpproto.OpSetDefault, Table: table, Action: action, Params: params})
	return err
}

// ClearTable removes every entry of a table. The default action is kept.
func (s *Session) ClearTable(ctx context.Context, table string) error {
	if _, err := s.call(ctx, cpproto.Request{Op: cpproto.OpClear, Table: table}); err != nil {
		return err
	}
	s.mu.Lock()
	for h := range s.handles {
		if h.Table == table {
			delete(s.handles, h)
		}
	}
	s.mu.Unlock()
	return nil
}

// ReadRegister reads one cell of a register array.
func (s *Session) ReadRegister(ctx context.Context, register string, index int) (uint64, error) {
	if index < 0 {
		return 0, fmt.Errorf("register %s: negative index %d", register, index)
	}
	reply, err := s.call(ctx, cpproto.Request{Op: cpproto.OpRegisterRead, Register: register, Index: index})
	if err != nil {
		return 0, err
	}
	if len(reply.Values) != 1 {
		return 0, fmt.Errorf("register %s[%d]: runtime returned %d values", register, index, len(reply.Values))
	}
	return reply.Values[0], nil
}

// ReadRegisterArray reads every cell of a register array.
func (s *Session) ReadRegisterArray(ctx context.Context, register string) ([]uint64, error) {
	reply, err := s.call(ctx, cpproto.Request{Op: cpproto.OpRegisterRead, Register: register, Index: -1})
	if err != nil {
		return nil, err
	}
	return reply.Values, nil
}

// WriteRegister stores value in one cell of a register array. The runtime
// truncates it to the register's bit width.
func (s *Session) WriteRegister(ctx context.Context, register string, index int, value uint64) error {
	_, err := s.call(ctx, cpproto.Request{Op: cpproto.OpRegisterWrite, Register: register, Index: index, Value: value})
	return err
}

// ResetRegister zeroes every cell of a register array.
func (s *Session) ResetRegister(ctx context.Context, register string) error {
	_, err := s.call(ctx, cpproto.Request{Op: cpproto.OpRegisterReset, Register: register})
	return err
}

// ReadCounters reads the direct counter of an entry. It has no side
// effects on the switch.
func (s *Session) ReadCounters(ctx context.Context, table string, h EntryHandle) (CounterSnapshot, error) {
	reply, err := s.call(ctx, cpproto.Request{Op: cpproto.OpCounters, Table: table, Handle: h.ID})
	if err != nil {
		return CounterSnapshot{}, err
	}
	if reply.Counters == nil {
		return CounterSnapshot{}, nil
	}
	return *reply.Counters, nil
}

// AddStaticARP installs a static neighbour entry on the switch.
func (s *Session) AddStaticARP(ctx context.Context, iface, ip, mac string) error {
	_, err := s.call(ctx, cpproto.Request{Op: cpproto.OpARPAdd, Interface: iface, IP: ip, MAC: mac})
	return err
}

// Disconnect releases the session. Only the first call has an effect.
func (s *Session) Disconnect() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		_ = s.stream.CloseSend()
		s.sendMu.Unlock()
		s.cancel()
		err = s.conn.Close()
		<-s.done
		s.metrics.SessionClosed()
	})
	return err
}

func (s *Session) call(ctx context.Context, req cpproto.Request) (*cpproto.Reply, error) {
	start := time.Now()
	reply, err := s.roundTrip(ctx, req)
	s.metrics.ObserveRequest(string(req.Op), time.Since(start), err)
	return reply, err
}

func (s *Session) roundTrip(ctx context.Context, req cpproto.Request) (*cpproto.Reply, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.seq++
	seq := s.seq
	ch := make(chan *cpproto.Reply, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	s.sendMu.Lock()
	err := s.stream.SendMsg(&cpproto.Frame{Type: cpproto.FrameRequest, Seq: seq, Request: &req})
	s.sendMu.Unlock()
	if err != nil {
		s.forget(seq)
		return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		if reply.Error != nil {
			return nil, &RuntimeError{Op: req.Op, Code: reply.Error.Code, Message: reply.Error.Message}
		}
		return reply, nil
	case <-ctx.Done():
		s.forget(seq)
		return nil, ctx.Err()
	}
}

func (s *Session) forget(seq uint64) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// readLoop is the only receiver on the stream.
func (s *Session) readLoop() {
	defer close(s.notifications)
	for {
		var f cpproto.Frame
		if err := s.stream.RecvMsg(&f); err != nil {
			s.shutdown(err)
			return
		}
		switch f.Type {
		case cpproto.FrameReply:
			s.mu.Lock()
			ch, ok := s.pending[f.Seq]
			delete(s.pending, f.Seq)
			s.mu.Unlock()
			if ok && f.Reply != nil {
				ch <- f.Reply
			}
		case cpproto.FrameNotification:
			if f.Notification == nil {
				continue
			}
			select {
			case s.notifications <- *f.Notification:
			default:
				s.metrics.NotificationDropped()
			}
		}
	}
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	s.closed = true
	if err != io.EOF && status.Code(err) != codes.Canceled {
		s.closeErr = err
	}
	for seq, ch := range s.pending {
		close(ch)
		delete(s.pending, seq)
	}
	s.mu.Unlock()
	close(s.done)
}
