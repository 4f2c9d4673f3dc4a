package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"msignal/models"
)

// Event names. Inbound and outbound traffic share one vocabulary.
const (
	EventAuth       = "auth"
	EventRegister   = "reg"
	EventPing       = "ping"
	EventPong       = "pong"
	EventBye        = "bye"
	EventOK         = "ok"
	EventFail       = "fail"
	EventCreateChat = "create_chat"
	EventSync       = "sync"
	EventPresence   = "presence"
	EventHelp       = "help"

	EventNewMessage       = "new_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventTyping           = "typing"
	EventRecording        = "recording"

	EventNewFriendRequest       = "new_friend_request"
	EventFriendRequestAccepted  = "friend_request_accepted"
	EventFriendRequestDeclined  = "friend_request_declined"
	EventFriendRequestCancelled = "friend_request_cancelled"
	EventFriendOnlineStatus     = "friend_online_status_changed"

	EventCallInvite      = "call:invite"
	EventCallAnswer      = "call:answer"
	EventCallSignal      = "call:signal"
	EventCallRenegotiate = "call:renegotiate"
	EventCallConnected   = "call:connected"
	EventCallEnd         = "call:end"
)

// Envelope is the transport-independent unit of traffic. ID correlates a
// request with its ok/fail reply and is empty on pushed events.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload: %w", e.Event, models.ErrInvalidInput)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %v: %w", e.Event, err, models.ErrInvalidInput)
	}
	return nil
}

// EncodeLine renders env as one line of the TCP protocol: EVENT|ID|JSON.
func EncodeLine(env Envelope) string {
	payload := string(env.Payload)
	if payload == "" {
		payload = "null"
	}
	return FormatPacket(env.Event, env.ID, payload)
}

// DecodeLine parses one line of the TCP protocol.
func DecodeLine(line string) (Envelope, error) {
	pkt, err := ParsePacket(line)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Event: pkt.Type, ID: pkt.Destination}
	if pkt.Content != "" {
		if !json.Valid([]byte(pkt.Content)) {
			return Envelope{}, ErrInvalidPacket
		}
		env.Payload = json.RawMessage(pkt.Content)
	}
	return env, nil
}

// Payloads.

type AuthPayload struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type CreateChatPayload struct {
	Members []string `json:"members"`
}

type NewMessagePayload struct {
	ChatID  string         `json:"chat_id"`
	Content models.Content `json:"content"`
}

type MessageRefPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id,omitempty"`
}

type ActivityPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id,omitempty"`
	Active bool   `json:"active"`
}

type FriendRequestPayload struct {
	RequestID  string `json:"request_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
}

type OnlineStatusPayload struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

type CallInvitePayload struct {
	CalleeID string          `json:"callee_id"`
	Kind     models.CallKind `json:"kind"`
}

type CallAnswerPayload struct {
	CallID string `json:"call_id"`
	Accept bool   `json:"accept"`
}

// CallSignalPayload wraps an opaque negotiation payload. Data is relayed
// verbatim and never inspected.
type CallSignalPayload struct {
	CallID string          `json:"call_id"`
	From   string          `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type CallRefPayload struct {
	CallID string `json:"call_id"`
}

// CallStatePayload is pushed to both parties on answer and termination.
type CallStatePayload struct {
	Call   *models.CallSession `json:"call"`
	Reason string              `json:"reason,omitempty"`
}

type OKPayload struct {
	Op     string `json:"op"`
	Result any    `json:"result,omitempty"`
}

// FailPayload carries the error kind in Reason. Result holds the affected
// entity when there is one, e.g. a message that failed to persist.
type FailPayload struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
	Result any    `json:"result,omitempty"`
}

// ByePayload tells a client why the server is closing its connection.
type ByePayload struct {
	Reason string     `json:"reason,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}
