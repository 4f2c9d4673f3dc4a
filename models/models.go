package models

import (
	"strings"
	"time"
)

type User struct {
	ID       int64
	Login    string
	Password string // hashed
}

// Friendship is one direction of an accepted friend relation. Accepting a
// request stores both directions.
type Friendship struct {
	ID     int64
	Owner  string
	Friend string
}

type Chat struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageState is the delivery state of a message.
type MessageState string

const (
	MessageSending   MessageState = "sending"
	MessageSent      MessageState = "sent"
	MessageDelivered MessageState = "delivered"
	MessageRead      MessageState = "read"
	MessageFailed    MessageState = "failed"
)

// rank orders the non-terminal delivery states. failed has no rank.
func (s MessageState) rank() int {
	switch s {
	case MessageSending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	}
	return 0
}

// CanAdvance reports whether a message in state s may move to next.
// States only move forward through sending < sent < delivered < read;
// failed is reachable from sending or sent and is final.
func (s MessageState) CanAdvance(next MessageState) bool {
	if next == MessageFailed {
		return s == MessageSending || s == MessageSent
	}
	if s == MessageFailed || next.rank() == 0 {
		return false
	}
	return next.rank() > s.rank()
}

// MediaRef points at an attachment kept by an external object store.
type MediaRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Content is either text or a sequence of media references.
type Content struct {
	Text  string     `json:"text,omitempty"`
	Media []MediaRef `json:"media,omitempty"`
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Media) == 0
}

// Summary is the short form handed to push notifications.
func (c Content) Summary() string {
	if c.Text != "" {
		if r := []rune(c.Text); len(r) > 64 {
			return string(r[:64]) + "..."
		}
		return c.Text
	}
	if len(c.Media) == 1 {
		return "[attachment]"
	}
	return "[attachments]"
}

type Message struct {
	ID        string       `json:"id"`
	ChatID    string       `json:"chat_id"`
	SenderID  string       `json:"sender_id"`
	Content   Content      `json:"content"`
	State     MessageState `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

type FriendRequestState string

const (
	RequestPending   FriendRequestState = "pending"
	RequestAccepted  FriendRequestState = "accepted"
	RequestDeclined  FriendRequestState = "declined"
	RequestCancelled FriendRequestState = "cancelled"
)

func (s FriendRequestState) Terminal() bool {
	return s != RequestPending
}

type FriendRequest struct {
	ID         string             `json:"id"`
	SenderID   string             `json:"sender_id"`
	ReceiverID string             `json:"receiver_id"`
	State      FriendRequestState `json:"state"`
	CreatedAt  time.Time          `json:"created_at"`
}

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

type CallState string

const (
	CallCalling    CallState = "calling"
	CallIncoming   CallState = "incoming"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallEnded      CallState = "ended"
	CallMissed     CallState = "missed"
)

func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallMissed
}

type CallSession struct {
	ID          string     `json:"id"`
	CallerID    string     `json:"caller_id"`
	CalleeID    string     `json:"callee_id"`
	Kind        CallKind   `json:"kind"`
	State       CallState  `json:"state"`
	AnsweredBy  string     `json:"answered_by,omitempty"` // callee connection that won the answer
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CallerReady bool       `json:"-"`
	CalleeReady bool       `json:"-"`
}

// Party reports whether userID takes part in the call.
func (c *CallSession) Party(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Other returns the counterpart of userID.
func (c *CallSession) Other(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// PairKey identifies an unordered pair of users.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// PeerStatus is the presence view of one peer.
type PeerStatus struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}
