// Package presence derives online/offline and typing/recording state from
// connection membership and transient client events.
package presence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"msignal/keylock"
	"msignal/models"
	"msignal/protocol"
	"msignal/timers"

	"github.com/sirupsen/logrus"
)

// Activity is a per-chat transient indicator.
type Activity string

const (
	Typing    Activity = protocol.EventTyping
	Recording Activity = protocol.EventRecording
)

func (a Activity) Valid() bool {
	return a == Typing || a == Recording
}

// Directory answers who is interested in a user's presence.
type Directory interface {
	Peers(userID string) ([]string, error)
	ChatMembers(chatID string) ([]string, error)
}

// Fanout is the subset of the connection registry the tracker needs.
type Fanout interface {
	Broadcast(userID string, env protocol.Envelope, except ...string) (int, error)
	IsOnline(userID string) bool
}

type indicator struct {
	userID string
	chatID string
	kind   Activity
	gen    uint64
}

type Tracker struct {
	dir   Directory
	fan   Fanout
	ttl   time.Duration
	timer *timers.Scheduler
	users *keylock.Locker

	mu      sync.Mutex
	online  map[string]bool
	active  map[string]indicator
	nextGen uint64
	clock   func() time.Time
}

// New creates a tracker whose typing/recording flags expire after ttl
// without a refresh.
func New(dir Directory, fan Fanout, ttl time.Duration) *Tracker {
	return &Tracker{
		dir:    dir,
		fan:    fan,
		ttl:    ttl,
		timer:  timers.New(),
		users:  keylock.New(),
		online: make(map[string]bool),
		active: make(map[string]indicator),
		clock:  time.Now,
	}
}

// OnConnectionsChanged is the registry hook. A notification goes out only
// when the user's observable state really changed since the last one sent.
func (t *Tracker) OnConnectionsChanged(userID string, online bool) {
	unlock := t.users.Lock(userID)
	defer unlock()

	// The registry may have moved on while this hook was queued.
	if t.fan.IsOnline(userID) != online {
		return
	}

	t.mu.Lock()
	if t.online[userID] == online {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()

	if !online {
		t.ClearUser(userID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OnConnectionsChanged",
		"user_id":  userID,
		"online":   online,
	}).Info("Presence changed")

	peers, err := t.dir.Peers(userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionsChanged",
			"user_id":  userID,
			"error":    err.Error(),
		}).Error("Failed to resolve peers")
		return
	}

	env := protocol.MustEnvelope(protocol.EventFriendOnlineStatus, protocol.OnlineStatusPayload{
		UserID: userID,
		Online: online,
		At:     t.clock().UTC(),
	})
	for _, peer := range peers {
		t.send(peer, env)
	}
}

// IsTracked reports the last state announced for userID.
func (t *Tracker) IsTracked(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// SetTyping sets or clears the kind flag of userID in chatID. Setting an
// already active flag only refreshes its expiry.
func (t *Tracker) SetTyping(userID, chatID string, kind Activity, active bool) error {
	if !kind.Valid() {
		return fmt.Errorf("activity %q: %w", kind, models.ErrInvalidInput)
	}
	members, err := t.dir.ChatMembers(chatID)
	if err != nil {
		return err
	}
	if !containsUser(members, userID) {
		return fmt.Errorf("user %s in chat %s: %w", userID, chatID, models.ErrNotAuthorized)
	}

	key := indicatorKey(userID, chatID, kind)

	t.mu.Lock()
	_, was := t.active[key]
	if active {
		t.nextGen++
		ind := indicator{userID: userID, chatID: chatID, kind: kind, gen: t.nextGen}
		t.active[key] = ind
		t.timer.Schedule(key, t.ttl, func() { t.expire(key, ind.gen) })
	} else if was {
		delete(t.active, key)
		t.timer.Cancel(key)
	}
	t.mu.Unlock()

	if was != active {
		t.emitActivity(members, userID, chatID, kind, active)
	}
	return nil
}

func (t *Tracker) expire(key string, gen uint64) {
	t.mu.Lock()
	ind, ok := t.active[key]
	if !ok || ind.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "expire",
		"user_id":  ind.userID,
		"chat_id":  ind.chatID,
		"kind":     ind.kind,
	}).Debug("Activity expired")

	t.emitChat(ind, false)
}

// ClearUser drops every flag held by userID, announcing each one.
func (t *Tracker) ClearUser(userID string) {
	var cleared []indicator

	t.mu.Lock()
	for key, ind := range t.active {
		if ind.userID != userID {
			continue
		}
		delete(t.active, key)
		t.timer.Cancel(key)
		cleared = append(cleared, ind)
	}
	t.mu.Unlock()

	for _, ind := range cleared {
		t.emitChat(ind, false)
	}
}

// Active reports whether kind is currently set for userID in chatID.
func (t *Tracker) Active(userID, chatID string, kind Activity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[indicatorKey(userID, chatID, kind)]
	return ok
}

// Stop cancels all pending expiries.
func (t *Tracker) Stop() {
	t.timer.Stop()
}

func (t *Tracker) emitChat(ind indicator, active bool) {
	members, err := t.dir.ChatMembers(ind.chatID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emitChat",
			"chat_id":  ind.chatID,
			"error":    err.Error(),
		}).Error("Failed to resolve chat members")
		return
	}
	t.emitActivity(members, ind.userID, ind.chatID, ind.kind, active)
}

func (t *Tracker) emitActivity(members []string, userID, chatID string, kind Activity, active bool) {
	env := protocol.MustEnvelope(string(kind), protocol.ActivityPayload{
		ChatID: chatID,
		UserID: userID,
		Active: active,
	})
	for _, member := range members {
		if member != userID {
			t.send(member, env)
		}
	}
}

func (t *Tracker) send(userID string, env protocol.Envelope) {
	if _, err := t.fan.Broadcast(userID, env); err != nil && !errors.Is(err, models.ErrNoLiveTarget) {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"user_id":  userID,
			"event":    env.Event,
			"error":    err.Error(),
		}).Warn("Presence notification failed")
	}
}

func indicatorKey(userID, chatID string, kind Activity) string {
	return string(kind) + "\x00" + chatID + "\x00" + userID
}

func containsUser(list []string, userID string) bool {
	for _, v := range list {
		if v == userID {
			return true
		}
	}
	return false
}
