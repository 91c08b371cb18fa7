// Package runtimesim is an in-process switch runtime. It speaks the
// control-plane session protocol against tables loaded from a bmv2 program,
// so full lifecycles can run without switch binaries or root privileges.
package runtimesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/signalsfoundry/p4net/internal/compiler"
	"github.com/signalsfoundry/p4net/internal/cpproto"
	"github.com/signalsfoundry/p4net/internal/logging"
)

// Program is the loaded data-plane program.
type Program struct {
	Tables    []compiler.Table
	Registers []compiler.Register
}

// LoadProgram reads a bmv2 JSON file.
func LoadProgram(path string) (Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Program{}, err
	}
	tables, err := compiler.ParseBMv2(data)
	if err != nil {
		return Program{}, err
	}
	registers, err := compiler.ParseRegisters(data)
	if err != nil {
		return Program{}, err
	}
	return Program{Tables: tables, Registers: registers}, nil
}

// ARPEntry is a static neighbour installed through the session protocol.
type ARPEntry struct {
	Interface string
	IP        string
	MAC       string
}

type entry struct {
	match    []string
	action   string
	params   []string
	priority int
	packets  uint64
	bytes    uint64
}

type table struct {
	info    compiler.Table
	next    uint64
	entries map[uint64]*entry
	keys    map[string]uint64

	defaultAction string
	defaultParams []string
}

type register struct {
	info   compiler.Register
	values []uint64
}

// Server implements cpproto.RuntimeServer.
type Server struct {
	deviceID int
	version  string
	log      logging.Logger

	mu        sync.Mutex
	tables    map[string]*table
	order     []string
	registers map[string]*register
	regOrder  []string
	arp       []ARPEntry
	sessions  int
	subs      map[int]chan cpproto.Notification
	nextSub   int
	pub       mangos.Socket
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDeviceID sets the device ID reported in the handshake.
func WithDeviceID(id int) ServerOption {
	return func(s *Server) { s.deviceID = id }
}

// WithVersion overrides the protocol version the server acknowledges.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithServerLogger attaches a logger.
func WithServerLogger(log logging.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer returns a runtime serving prog.
func NewServer(prog Program, opts ...ServerOption) *Server {
	s := &Server{
		version:   cpproto.Version,
		log:       logging.Noop(),
		tables:    make(map[string]*table),
		registers: make(map[string]*register),
		subs:      make(map[int]chan cpproto.Notification),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range prog.Tables {
		s.tables[t.Name] = &table{info: t, entries: make(map[uint64]*entry), keys: make(map[string]uint64)}
		s.order = append(s.order, t.Name)
	}
	for _, r := range prog.Registers {
		s.registers[r.Name] = &register{info: r, values: make([]uint64, max(r.Size, 0))}
		s.regOrder = append(s.regOrder, r.Name)
	}
	return s
}

// ListenNotifications publishes notifications on a mangos PUB socket.
func (s *Server) ListenNotifications(addr string) error {
	sock, err := pub.NewSocket()
	if err != nil {
		return err
	}
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	old := s.pub
	s.pub = sock
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the notification socket.
func (s *Server) Close() error {
	s.mu.Lock()
	sock := s.pub
	s.pub = nil
	s.mu.Unlock()
	if sock != nil {
		return sock.Close()
	}
	return nil
}

//
// ---------- Session stream ----------
//

func (s *Server) Session(stream grpc.ServerStream) error {
	var hello cpproto.Frame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	if hello.Type != cpproto.FrameHello || hello.Hello == nil {
		return status.Errorf(codes.InvalidArgument, "expected hello, got %q", hello.Type)
	}

	s.mu.Lock()
	s.sessions++
	id := s.nextSub
	s.nextSub++
	notes := make(chan cpproto.Notification, 16)
	s.subs[id] = notes
	ack := &cpproto.Hello{Version: s.version, DeviceID: s.deviceID, Tables: s.tableInfoLocked()}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sessions--
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	var sendMu sync.Mutex
	send := func(f *cpproto.Frame) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.SendMsg(f)
	}
	if err := send(&cpproto.Frame{Type: cpproto.FrameHelloAck, Hello: ack}); err != nil {
		return err
	}
	s.log.Debug(stream.Context(), "runtime session opened", logging.String("client", hello.Hello.ClientID))

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case n := <-notes:
				_ = send(&cpproto.Frame{Type: cpproto.FrameNotification, Notification: &n})
			case <-done:
				return
			case <-stream.Context().Done():
				return
			}
		}
	}()

	for {
		var f cpproto.Frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Type != cpproto.FrameRequest || f.Request == nil {
			continue
		}
		reply := s.handle(*f.Request)
		if err := send(&cpproto.Frame{Type: cpproto.FrameReply, Seq: f.Seq, Reply: reply}); err != nil {
			return err
		}
	}
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Notify sends n to every open session and the PUB socket, if any.
func (s *Server) Notify(n cpproto.Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	n.Device = s.deviceID

	s.mu.Lock()
	sock := s.pub
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
	s.mu.Unlock()

	if sock != nil {
		if data, err := json.Marshal(n); err == nil {
			_ = sock.Send(data)
		}
	}
}

//
// ---------- Table operations ----------
//

func wireErr(code int, format string, args ...any) *cpproto.Reply {
	return &cpproto.Reply{Error: &cpproto.WireError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

func (s *Server) handle(req cpproto.Request) *cpproto.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Op {
	case cpproto.OpTables:
		return &cpproto.Reply{Tables: s.tableInfoLocked()}
	case cpproto.OpARPAdd:
		return s.addARPLocked(req)
	case cpproto.OpRegisterRead, cpproto.OpRegisterWrite, cpproto.OpRegisterReset:
		return s.registerLocked(req)
	case cpproto.OpAdd, cpproto.OpModify, cpproto.OpDelete, cpproto.OpSetDefault, cpproto.OpClear, cpproto.OpCounters:
	default:
		return wireErr(cpproto.CodeError, "unknown operation %q", req.Op)
	}

	t, ok := s.lookupLocked(req.Table)
	if !ok {
		return wireErr(cpproto.CodeInvalidTableName, "Invalid table name (%s)", req.Table)
	}

	switch req.Op {
	case cpproto.OpAdd:
		action, ok := resolve(t.info.Actions, req.Action)
		if !ok {
			return wireErr(cpproto.CodeInvalidActionName, "Invalid action name (%s) for table %s", req.Action, t.info.Name)
		}
		if len(req.Match) != len(t.info.Keys) {
			return wireErr(cpproto.CodeBadMatchKey, "Invalid number of match fields: expected %d, got %d", len(t.info.Keys), len(req.Match))
		}
		key := strings.Join(req.Match, " ")
		if h, dup := t.keys[key]; dup {
			return wireErr(cpproto.CodeDuplicateEntry, "Duplicate entry, handle %d", h)
		}
		if t.info.MaxSize > 0 && len(t.entries) >= t.info.MaxSize {
			return wireErr(cpproto.CodeTableFull, "Table %s is full", t.info.Name)
		}
		h := t.next
		t.next++
		t.entries[h] = &entry{
			match:    slices.Clone(req.Match),
			action:   action,
			params:   slices.Clone(req.Params),
			priority: req.Priority,
		}
		t.keys[key] = h
		return &cpproto.Reply{Handle: h}

	case cpproto.OpModify:
		e, ok := t.entries[req.Handle]
		if !ok {
			return wireErr(cpproto.CodeInvalidHandle, "Invalid entry handle %d", req.Handle)
		}
		action, ok := resolve(t.info.Actions, req.Action)
		if !ok {
			return wireErr(cpproto.CodeInvalidActionName, "Invalid action name (%s) for table %s", req.Action, t.info.Name)
		}
		e.action = action
		e.params = slices.Clone(req.Params)
		return &cpproto.Reply{Handle: req.Handle}

	case cpproto.OpDelete:
		e, ok := t.entries[req.Handle]
		if !ok {
			return wireErr(cpproto.CodeInvalidHandle, "Invalid entry handle %d", req.Handle)
		}
		delete(t.keys, strings.Join(e.match, " "))
		delete(t.entries, req.Handle)
		return &cpproto.Reply{Handle: req.Handle}

	case cpproto.OpSetDefault:
		action, ok := resolve(t.info.Actions, req.Action)
		if !ok {
			return wireErr(cpproto.CodeInvalidActionName, "Invalid action name (%s) for table %s", req.Action, t.info.Name)
		}
		t.defaultAction = action
		t.defaultParams = slices.Clone(req.Params)
		return &cpproto.Reply{}

	case cpproto.OpClear:
		clear(t.entries)
		clear(t.keys)
		return &cpproto.Reply{}

	default: // OpCounters
		e, ok := t.entries[req.Handle]
		if !ok {
			return wireErr(cpproto.CodeInvalidHandle, "Invalid entry handle %d", req.Handle)
		}
		return &cpproto.Reply{Handle: req.Handle, Counters: &cpproto.CounterSnapshot{Packets: e.packets, Bytes: e.bytes}}
	}
}

func (s *Server) registerLocked(req cpproto.Request) *cpproto.Reply {
	r, ok := s.registers[req.Register]
	if !ok {
		full, found := resolve(s.regOrder, req.Register)
		if !found {
			return wireErr(cpproto.CodeError, "Invalid register name (%s)", req.Register)
		}
		r = s.registers[full]
	}
	if req.Op == cpproto.OpRegisterReset {
		clear(r.values)
		return &cpproto.Reply{}
	}
	if req.Op == cpproto.OpRegisterRead && req.Index < 0 {
		return &cpproto.Reply{Values: slices.Clone(r.values)}
	}
	if req.Index < 0 || req.Index >= len(r.values) {
		return wireErr(cpproto.CodeError, "Invalid index %d for register %s of size %d", req.Index, r.info.Name, len(r.values))
	}
	if req.Op == cpproto.OpRegisterWrite {
		v := req.Value
		if w := r.info.Bitwidth; w > 0 && w < 64 {
			v &= 1<<w - 1
		}
		r.values[req.Index] = v
		return &cpproto.Reply{}
	}
	return &cpproto.Reply{Values: []uint64{r.values[req.Index]}}
}

func (s *Server) addARPLocked(req cpproto.Request) *cpproto.Reply {
	if _, err := netip.ParseAddr(req.IP); err != nil {
		return wireErr(cpproto.CodeError, "invalid IP %q", req.IP)
	}
	if _, err := net.ParseMAC(req.MAC); err != nil {
		return wireErr(cpproto.CodeError, "invalid MAC %q", req.MAC)
	}
	for i, e := range s.arp {
		if e.Interface == req.Interface && e.IP == req.IP {
			s.arp[i].MAC = req.MAC
			return &cpproto.Reply{}
		}
	}
	s.arp = append(s.arp, ARPEntry{Interface: req.Interface, IP: req.IP, MAC: req.MAC})
	return &cpproto.Reply{}
}

// lookupLocked accepts a fully qualified table name or a unique suffix
// after the control block prefix.
func (s *Server) lookupLocked(name string) (*table, bool) {
	if t, ok := s.tables[name]; ok {
		return t, true
	}
	full, ok := resolve(s.order, name)
	if !ok {
		return nil, false
	}
	return s.tables[full], true
}

func resolve(names []string, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	match := ""
	for _, n := range names {
		if n == name {
			return n, true
		}
		if strings.HasSuffix(n, "."+name) {
			if match != "" {
				return "", false
			}
			match = n
		}
	}
	return match, match != ""
}

func (s *Server) tableInfoLocked() []cpproto.TableInfo {
	out := make([]cpproto.TableInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tables[name]
		out = append(out, cpproto.TableInfo{
			Name:    t.info.Name,
			ID:      t.info.ID,
			Keys:    len(t.info.Keys),
			Actions: slices.Clone(t.info.Actions),
			MaxSize: t.info.MaxSize,
		})
	}
	return out
}

//
// ---------- Inspection ----------
//

// ARP returns the static neighbours installed so far.
func (s *Server) ARP() []ARPEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.arp)
}

// Entries returns the number of entries in table.
func (s *Server) Entries(tableName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookupLocked(tableName)
	if !ok {
		return 0
	}
	return len(t.entries)
}

// DefaultAction returns the default action and parameters set on table.
func (s *Server) DefaultAction(tableName string) (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookupLocked(tableName)
	if !ok {
		return "", nil
	}
	return t.defaultAction, slices.Clone(t.defaultParams)
}

// Register returns a copy of a register array, or nil if it is unknown.
func (s *Server) Register(name string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := resolve(s.regOrder, name)
	if !ok {
		return nil
	}
	return slices.Clone(s.registers[full].values)
}

// Hit accounts one packet of size bytes against an entry.
func (s *Server) Hit(tableName string, handle uint64, bytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookupLocked(tableName)
	if !ok {
		return fmt.Errorf("unknown table %q", tableName)
	}
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("unknown handle %d in %s", handle, t.info.Name)
	}
	e.packets++
	e.bytes += uint64(bytes)
	return nil
}
