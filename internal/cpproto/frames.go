// Package cpproto defines the wire protocol spoken between the orchestrator
// and a switch's control-plane runtime endpoint.
//
// A session is one bidirectional stream. The client opens with a hello
// frame and waits for hello_ack; afterwards every request carries a
// sequence number that the matching reply echoes. The runtime may interleave
// notification frames with replies at any point.
package cpproto

import "time"

// Version is the protocol version negotiated in the handshake.
const Version = "p4net-runtime/1"

// FrameType discriminates Frame payloads.
type FrameType string

const (
	FrameHello        FrameType = "hello"
	FrameHelloAck     FrameType = "hello_ack"
	FrameRequest      FrameType = "request"
	FrameReply        FrameType = "reply"
	FrameNotification FrameType = "notification"
)

// Op is a control-plane operation.
type Op string

const (
	OpTables        Op = "tables"
	OpAdd           Op = "table_add"
	OpModify        Op = "table_modify"
	OpDelete        Op = "table_delete"
	OpSetDefault    Op = "table_set_default"
	OpClear         Op = "table_clear"
	OpCounters      Op = "counter_read"
	OpRegisterRead  Op = "register_read"
	OpRegisterWrite Op = "register_write"
	OpRegisterReset Op = "register_reset"
	OpARPAdd        Op = "arp_add"
)

// Frame is the single message type carried on the session stream.
type Frame struct {
	Type         FrameType     `json:"type"`
	Seq          uint64        `json:"seq,omitempty"`
	Hello        *Hello        `json:"hello,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Reply        *Reply        `json:"reply,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Hello opens a session (client to runtime) or acknowledges it.
type Hello struct {
	Version  string      `json:"version"`
	ClientID string      `json:"client_id,omitempty"`
	DeviceID int         `json:"device_id,omitempty"`
	Tables   []TableInfo `json:"tables,omitempty"`
}

// Request is a single control-plane call.
type Request struct {
	Op       Op       `json:"op"`
	Table    string   `json:"table,omitempty"`
	Match    []string `json:"match,omitempty"`
	Action   string   `json:"action,omitempty"`
	Params   []string `json:"params,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Handle   uint64   `json:"handle,omitempty"`

	// Register access. A negative index reads the whole array.
	Register string `json:"register,omitempty"`
	Index    int    `json:"index,omitempty"`
	Value    uint64 `json:"value,omitempty"`

	// Static ARP.
	IP        string `json:"ip,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Interface string `json:"interface,omitempty"`
}

// Reply answers the request with the same sequence number.
type Reply struct {
	Handle   uint64           `json:"handle,omitempty"`
	Tables   []TableInfo      `json:"tables,omitempty"`
	Counters *CounterSnapshot `json:"counters,omitempty"`
	Values   []uint64         `json:"values,omitempty"`
	Error    *WireError       `json:"error,omitempty"`
}

// WireError is a runtime-side failure, reported with the runtime's own code.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TableInfo describes a table exposed by the loaded program.
type TableInfo struct {
	Name    string   `json:"name"`
	ID      int      `json:"id"`
	Keys    int      `json:"keys"`
	Actions []string `json:"actions,omitempty"`
	MaxSize int      `json:"max_size,omitempty"`
}

// CounterSnapshot is a direct counter reading for one entry.
type CounterSnapshot struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Notification is an unsolicited event from the runtime.
type Notification struct {
	Kind    string    `json:"kind"`
	Device  int       `json:"device,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}
