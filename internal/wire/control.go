package wire

import (
	"encoding/json"
	"errors"
)

// Control frame actions, client to relay.
const (
	ActionCreate      = "create"
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionAck         = "ack"
	ActionQueueStatus = "queue_status"
)

// Control frame actions, relay to client.
const (
	ActionSessionCreated   = "session_created"
	ActionSessionJoined    = "session_joined"
	ActionPeerConnected    = "peer_connected"
	ActionPeerDisconnected = "peer_disconnected"
	ActionError            = "error"
	ActionPing             = "ping"
)

// Relay protocol error codes.
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeAlreadyConnected = "ALREADY_CONNECTED"
	CodeNotJoined        = "NOT_JOINED"
	CodeInternalError    = "INTERNAL_ERROR"
)

var ErrMissingAction = errors.New("control frame has no action")

// ControlFrame carries every plaintext action over the duplex
// transport; unused fields are omitted per action.
type ControlFrame struct {
	Action string `json:"action"`

	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`

	PeerPublicKey string `json:"peerPublicKey,omitempty"`
	PeerType      string `json:"peerType,omitempty"`

	LastMessageID   string `json:"lastMessageId,omitempty"`
	QueuedMessages  *int   `json:"queuedMessages,omitempty"`
	OldestTimestamp *int64 `json:"oldestTimestamp,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode marshals the frame for the transport.
func (f ControlFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ErrorFrame builds the relay's error reply.
func ErrorFrame(code, message string) ControlFrame {
	return ControlFrame{Action: ActionError, Code: code, Message: message}
}

// QueueStatusFrame builds the relay's queue_status reply. oldest is
// omitted when the queue is empty.
func QueueStatusFrame(sessionID string, queued int, oldest int64) ControlFrame {
	f := ControlFrame{Action: ActionQueueStatus, SessionID: sessionID, QueuedMessages: &queued}
	if queued > 0 {
		f.OldestTimestamp = &oldest
	}
	return f
}

// FrameKind discriminates the two shapes sharing the transport.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindControl
	KindEnvelope
)

// Classify inspects a raw frame: a top-level action marks a control
// frame, encryptedPayload marks an envelope. Anything else is unknown
// and dropped by callers.
func Classify(raw []byte) FrameKind {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return KindUnknown
	}
	if _, ok := probe["action"]; ok {
		return KindControl
	}
	if _, ok := probe["encryptedPayload"]; ok {
		return KindEnvelope
	}
	return KindUnknown
}

// DecodeControl parses a control frame.
func DecodeControl(raw []byte) (ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ControlFrame{}, err
	}
	if f.Action == "" {
		return ControlFrame{}, ErrMissingAction
	}
	return f, nil
}

// ValidRole reports whether s names a session role.
func ValidRole(s string) bool {
	return s == RoleController || s == RoleOperator
}

// PeerRole returns the opposite role.
func PeerRole(role string) string {
	if role == RoleController {
		return RoleOperator
	}
	return RoleController
}
