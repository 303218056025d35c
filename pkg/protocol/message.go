// Package protocol implements the communication protocol between the
// CServer and its agents. Every frame on the control channel is a JSON
// text message discriminated by a "type" field; payload bytes travelling
// through a session are base64-encoded into the "data" field so any chunk
// is safe to carry over a text frame.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message type discriminators. The value on the wire is the variant name.
const (
	TypeRegister      = "Register"      // A→S, first frame after the WebSocket handshake
	TypeRegistered    = "Registered"    // S→A, carries the assigned agent ID
	TypeConnect       = "Connect"       // S→A, open an outbound TCP connection
	TypeConnectResult = "ConnectResult" // A→S, outcome of a Connect
	TypeData          = "Data"          // both directions, one chunk of session payload
	TypeCloseWrite    = "CloseWrite"    // both directions, sender will send no more data
	TypeClose         = "Close"         // both directions, full session teardown
	TypePing          = "Ping"          // both directions, liveness probe
	TypePong          = "Pong"          // both directions, liveness reply
)

// ChunkSize is the maximum payload carried by a single Data message,
// measured before base64 expansion. Kept well under common WebSocket
// frame limits.
const ChunkSize = 32 * 1024

// Metadata describes an agent to the CServer. It is carried verbatim in
// the Register frame and kept in the registry for the lifetime of the link.
type Metadata struct {
	CountryCode string `json:"country_code,omitempty"`
	PublicIP    string `json:"public_ip,omitempty"`
	OSName      string `json:"os_name,omitempty"`
	OSVersion   string `json:"os_version,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Username    string `json:"username,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	ASN         string `json:"asn,omitempty"`
	ASNOrg      string `json:"asn_org,omitempty"`
}

// Message is the single frame envelope. Only the fields belonging to the
// variant named by Type are populated; everything else stays at its zero
// value and is omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// Register
	Metadata

	// Registered
	AgentID string `json:"agent_id,omitempty"`

	// Session-scoped variants
	SessionID string `json:"session_id,omitempty"`

	// Connect
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`

	// ConnectResult
	OK        bool   `json:"ok,omitempty"`
	BoundAddr string `json:"bound_addr,omitempty"`
	Error     string `json:"error,omitempty"`

	// Data
	Seq  uint64 `json:"seq,omitempty"`
	Data string `json:"data,omitempty"`

	// Close
	Reason string `json:"reason,omitempty"`
}

// NewRegister builds the first frame an agent sends on a fresh link.
func NewRegister(meta Metadata) Message {
	return Message{Type: TypeRegister, Metadata: meta}
}

// NewRegistered acknowledges a Register with the server-assigned agent ID.
func NewRegistered(agentID string) Message {
	return Message{Type: TypeRegistered, AgentID: agentID}
}

// NewConnect asks the agent to dial host:port on behalf of a session.
func NewConnect(sessionID, host string, port uint16) Message {
	return Message{Type: TypeConnect, SessionID: sessionID, Host: host, Port: port}
}

// NewConnectOK reports a successful outbound dial.
func NewConnectOK(sessionID, boundAddr string) Message {
	return Message{Type: TypeConnectResult, SessionID: sessionID, OK: true, BoundAddr: boundAddr}
}

// NewConnectFailed reports a failed outbound dial.
func NewConnectFailed(sessionID, reason string) Message {
	return Message{Type: TypeConnectResult, SessionID: sessionID, OK: false, Error: reason}
}

// NewData wraps one chunk of session payload. The caller owns the seq
// counter; it increases monotonically per direction and is used only for
// diagnostics.
func NewData(sessionID string, seq uint64, payload []byte) Message {
	return Message{
		Type:      TypeData,
		SessionID: sessionID,
		Seq:       seq,
		Data:      base64.StdEncoding.EncodeToString(payload),
	}
}

// NewCloseWrite signals that the sender will emit no more Data for the
// session but keeps reading.
func NewCloseWrite(sessionID string) Message {
	return Message{Type: TypeCloseWrite, SessionID: sessionID}
}

// NewClose tears the session down entirely. No frames for the session are
// valid after it.
func NewClose(sessionID, reason string) Message {
	return Message{Type: TypeClose, SessionID: sessionID, Reason: reason}
}

// NewPing and NewPong are the link liveness probes.
func NewPing() Message { return Message{Type: TypePing} }
func NewPong() Message { return Message{Type: TypePong} }

// Payload decodes the base64 data field of a Data message.
func (m *Message) Payload() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

// Encode serializes the message into a JSON text frame.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return raw, nil
}

// Decode parses a JSON text frame and validates its shape: the type must
// be known and session-scoped variants must carry a session ID.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch m.Type {
	case TypeRegister, TypeRegistered, TypePing, TypePong:
	case TypeConnect, TypeConnectResult, TypeData, TypeCloseWrite, TypeClose:
		if m.SessionID == "" {
			return Message{}, fmt.Errorf("%w: %s without session_id", ErrMalformedFrame, m.Type)
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}
