// Package calls drives the lifecycle of two-party call sessions and relays
// negotiation payloads between the parties without looking inside them.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"msignal/keylock"
	"msignal/models"
	"msignal/ownership"
	"msignal/protocol"
	"msignal/push"
	"msignal/timers"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Reasons carried by call:end and call:answer notifications.
const (
	ReasonAccepted    = "accepted"
	ReasonDeclined    = "declined"
	ReasonEnded       = "ended"
	ReasonMissed      = "missed"
	ReasonUnreachable = "peer_unreachable"
)

type Store interface {
	SaveCallSession(c *models.CallSession) error
	UpdateCallState(c *models.CallSession, from models.CallState) error
	GetCallSession(id string) (*models.CallSession, error)
	ActiveCallForPair(a, b string) (*models.CallSession, error)
	RingingCallsFor(callee string) ([]*models.CallSession, error)
}

// Fanout is the subset of the connection registry the manager needs.
type Fanout interface {
	Broadcast(userID string, env protocol.Envelope, except ...string) (int, error)
	SendTo(connID string, env protocol.Envelope) error
}

type Manager struct {
	store  Store
	fan    Fanout
	push   push.Dispatcher
	owners *ownership.Registry
	timer  *timers.Scheduler
	locks  *keylock.Locker
	ring   time.Duration
	clock  func() time.Time

	endsMu sync.Mutex
	ends   map[string]ownership.Token // call end -> its owning connection
}

// New creates a manager that marks unanswered calls missed after
// ringTimeout.
func New(store Store, fan Fanout, dispatcher push.Dispatcher, ringTimeout time.Duration) *Manager {
	return &Manager{
		store:  store,
		fan:    fan,
		push:   dispatcher,
		owners: ownership.New(),
		ends:   make(map[string]ownership.Token),
		timer:  timers.New(),
		locks:  keylock.New(),
		ring:   ringTimeout,
		clock:  time.Now,
	}
}

// Invite opens a session from callerID to calleeID and rings every live
// connection of the callee. The initiating connection owns the caller's end.
func (m *Manager) Invite(ctx context.Context, callerID, connID, calleeID string, kind models.CallKind) (*models.CallSession, error) {
	if calleeID == "" || calleeID == callerID {
		return nil, fmt.Errorf("callee %q: %w", calleeID, models.ErrInvalidInput)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("call kind %q: %w", kind, models.ErrInvalidInput)
	}

	unlockPair := m.locks.Lock("pair:" + models.PairKey(callerID, calleeID))
	active, err := m.store.ActiveCallForPair(callerID, calleeID)
	if err != nil {
		unlockPair()
		return nil, err
	}
	if active != nil {
		unlockPair()
		return nil, fmt.Errorf("call %s between %s and %s is %s: %w",
			active.ID, callerID, calleeID, active.State, models.ErrConflict)
	}

	c := &models.CallSession{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		State:     models.CallCalling,
		StartedAt: m.clock().UTC(),
	}
	if err := m.store.SaveCallSession(c); err != nil {
		unlockPair()
		return nil, err
	}

	unlock := m.locks.Lock(c.ID)
	unlockPair()
	defer unlock()

	m.hold(resource(c.ID, callerID), connID)
	id := c.ID
	m.timer.Schedule(id, m.ring, func() { m.ringTimeout(id) })

	logrus.WithFields(logrus.Fields{
		"function": "Invite",
		"call_id":  c.ID,
		"caller":   callerID,
		"callee":   calleeID,
		"kind":     kind,
	}).Info("Call started")

	m.deliverInvite(ctx, c)
	return c, nil
}

// deliverInvite rings the callee. With nobody connected the session keeps
// ringing until the timeout, in case the callee comes online.
func (m *Manager) deliverInvite(ctx context.Context, c *models.CallSession) {
	env := protocol.MustEnvelope(protocol.EventCallInvite, protocol.CallStatePayload{Call: c})
	if _, err := m.fan.Broadcast(c.CalleeID, env); err != nil {
		m.push.Dispatch(ctx, c.CalleeID, protocol.EventCallInvite, fmt.Sprintf("%s call from %s", c.Kind, c.CallerID))
		return
	}
	if err := m.transition(c, TriggerDelivered, nil); err != nil {
		m.logError("deliverInvite", c, err)
	}
}

// ResumeRinging delivers invites that were waiting for userID to come
// online.
func (m *Manager) ResumeRinging(ctx context.Context, userID string) {
	ringing, err := m.store.RingingCallsFor(userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ResumeRinging",
			"user_id":  userID,
			"error":    err.Error(),
		}).Error("Failed to load ringing calls")
		return
	}

	for _, pending := range ringing {
		unlock := m.locks.Lock(pending.ID)
		c, err := m.store.GetCallSession(pending.ID)
		if err == nil && c.State == models.CallCalling {
			m.deliverInvite(ctx, c)
		}
		unlock()
	}
}

// Answer accepts or declines a ringing call on behalf of one of the
// callee's connections. Only the first answer wins; any later one fails
// with ErrConflict.
func (m *Manager) Answer(ctx context.Context, callID, userID, connID string, accept bool) (*models.CallSession, error) {
	unlock := m.locks.Lock(callID)
	c, err := m.store.GetCallSession(callID)
	if err != nil {
		unlock()
		return nil, err
	}
	if userID != c.CalleeID {
		unlock()
		return nil, fmt.Errorf("user %s answering call %s: %w", userID, callID, models.ErrNotAuthorized)
	}
	if c.State != models.CallIncoming {
		unlock()
		return nil, fmt.Errorf("call %s already %s: %w", callID, c.State, models.ErrConflict)
	}

	reason := ReasonAccepted
	if accept {
		err = m.transition(c, TriggerAccept, func(next *models.CallSession) {
			next.AnsweredBy = connID
		})
	} else {
		reason = ReasonDeclined
		err = m.transition(c, TriggerDecline, nil)
	}
	if err != nil {
		unlock()
		return nil, err
	}
	if accept {
		m.hold(resource(c.ID, c.CalleeID), connID)
	}
	unlock()

	event := protocol.EventCallAnswer
	if !accept {
		event = protocol.EventCallEnd
	}
	env := protocol.MustEnvelope(event, protocol.CallStatePayload{Call: c, Reason: reason})
	m.fan.Broadcast(c.CallerID, env)
	// Other tabs of the callee stop ringing.
	m.fan.Broadcast(c.CalleeID, env, connID)
	return c, nil
}

// Signal relays an opaque negotiation payload to the other party. event is
// call:signal or call:renegotiate. If the other party cannot be reached the
// call ends and the sender is told why.
func (m *Manager) Signal(ctx context.Context, callID, userID, connID, event string, data json.RawMessage) (*models.CallSession, error) {
	unlock := m.locks.Lock(callID)
	defer unlock()

	c, err := m.store.GetCallSession(callID)
	if err != nil {
		return nil, err
	}
	if !c.Party(userID) {
		return nil, fmt.Errorf("user %s signalling call %s: %w", userID, callID, models.ErrNotAuthorized)
	}
	if !CanSignal(c.State) {
		return nil, fmt.Errorf("signal on %s call %s: %w", c.State, callID, models.ErrInvalidTransition)
	}

	env := protocol.MustEnvelope(event, protocol.CallSignalPayload{CallID: c.ID, From: userID, Data: data})
	err = m.relay(c, c.Other(userID), env)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, models.ErrNoLiveTarget) {
		return nil, err
	}

	if err := m.transition(c, TriggerNoLiveTarget, nil); err != nil {
		return nil, err
	}
	m.fan.Broadcast(userID, protocol.MustEnvelope(protocol.EventCallEnd,
		protocol.CallStatePayload{Call: c, Reason: ReasonUnreachable}))
	return c, fmt.Errorf("call %s peer %s: %w", callID, c.Other(userID), models.ErrNoLiveTarget)
}

// relay prefers the connection that owns the other party's end of the
// call and falls back to all of that party's connections.
func (m *Manager) relay(c *models.CallSession, to string, env protocol.Envelope) error {
	if owner, ok := m.holder(resource(c.ID, to)); ok {
		if err := m.fan.SendTo(owner, env); err == nil {
			return nil
		}
	}
	_, err := m.fan.Broadcast(to, env)
	return err
}

// Connected records that userID finished negotiation. The session becomes
// connected once both parties have reported.
func (m *Manager) Connected(ctx context.Context, callID, userID string) (*models.CallSession, error) {
	unlock := m.locks.Lock(callID)
	c, err := m.store.GetCallSession(callID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !c.Party(userID) {
		unlock()
		return nil, fmt.Errorf("user %s on call %s: %w", userID, callID, models.ErrNotAuthorized)
	}
	if c.State == models.CallConnected {
		unlock()
		return c, nil
	}
	if c.State != models.CallConnecting {
		unlock()
		return nil, fmt.Errorf("negotiated on %s call %s: %w", c.State, callID, models.ErrInvalidTransition)
	}

	ready := func(next *models.CallSession) {
		if userID == next.CallerID {
			next.CallerReady = true
		} else {
			next.CalleeReady = true
		}
	}

	next := *c
	ready(&next)
	if next.CallerReady && next.CalleeReady {
		err = m.transition(c, TriggerNegotiated, ready)
	} else {
		err = m.store.UpdateCallState(&next, c.State)
		if err == nil {
			*c = next
		}
	}
	unlock()
	if err != nil {
		return nil, err
	}

	if c.State == models.CallConnected {
		env := protocol.MustEnvelope(protocol.EventCallConnected, protocol.CallStatePayload{Call: c})
		m.fan.Broadcast(c.CallerID, env)
		m.fan.Broadcast(c.CalleeID, env)
	}
	return c, nil
}

// End terminates a non-terminal call on behalf of either party.
func (m *Manager) End(ctx context.Context, callID, userID, connID string) (*models.CallSession, error) {
	unlock := m.locks.Lock(callID)
	c, err := m.store.GetCallSession(callID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !c.Party(userID) {
		unlock()
		return nil, fmt.Errorf("user %s ending call %s: %w", userID, callID, models.ErrNotAuthorized)
	}
	wasRinging := Ringing(c.State)
	if err := m.transition(c, TriggerEnd, nil); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	env := protocol.MustEnvelope(protocol.EventCallEnd, protocol.CallStatePayload{Call: c, Reason: ReasonEnded})
	other := c.Other(userID)
	if _, err := m.fan.Broadcast(other, env); errors.Is(err, models.ErrNoLiveTarget) && wasRinging && other == c.CalleeID {
		m.push.Dispatch(ctx, other, protocol.EventCallEnd, fmt.Sprintf("missed %s call from %s", c.Kind, c.CallerID))
	}
	m.fan.Broadcast(userID, env, connID)
	return c, nil
}

func (m *Manager) ringTimeout(callID string) {
	unlock := m.locks.Lock(callID)
	c, err := m.store.GetCallSession(callID)
	if err != nil || !Ringing(c.State) {
		unlock()
		return
	}
	if err := m.transition(c, TriggerRingTimeout, nil); err != nil {
		unlock()
		m.logError("ringTimeout", c, err)
		return
	}
	unlock()

	env := protocol.MustEnvelope(protocol.EventCallEnd, protocol.CallStatePayload{Call: c, Reason: ReasonMissed})
	m.fan.Broadcast(c.CallerID, env)
	if _, err := m.fan.Broadcast(c.CalleeID, env); errors.Is(err, models.ErrNoLiveTarget) {
		m.push.Dispatch(context.Background(), c.CalleeID, protocol.EventCallEnd,
			fmt.Sprintf("missed %s call from %s", c.Kind, c.CallerID))
	}
}

// transition applies t to c through the store. The stored state must still
// be c.State, so a competing transition that got there first wins. On
// success c holds the new session.
func (m *Manager) transition(c *models.CallSession, t Trigger, mutate func(*models.CallSession)) error {
	to, err := Next(c.State, t)
	if err != nil {
		return err
	}

	next := *c
	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	if to.Terminal() {
		now := m.clock().UTC()
		next.EndedAt = &now
	}

	if err := m.store.UpdateCallState(&next, c.State); err != nil {
		return err
	}
	from := c.State
	*c = next

	if !Ringing(to) {
		m.timer.Cancel(c.ID)
	}
	if to.Terminal() {
		m.drop(resource(c.ID, c.CallerID))
		m.drop(resource(c.ID, c.CalleeID))
	}

	logrus.WithFields(logrus.Fields{
		"function": "transition",
		"call_id":  c.ID,
		"trigger":  t,
		"from":     from,
		"to":       to,
	}).Info("Call state changed")
	return nil
}

// Disconnected drops every call end owned by connID so relays fall back to
// the user's remaining connections.
func (m *Manager) Disconnected(connID string) {
	released := m.owners.ReleaseHolder(connID)
	m.endsMu.Lock()
	for _, res := range released {
		delete(m.ends, res)
	}
	m.endsMu.Unlock()

	if len(released) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Disconnected",
			"conn_id":   connID,
			"resources": released,
		}).Debug("Released call ownership")
	}
}

// Stop cancels pending ring timeouts.
func (m *Manager) Stop() {
	m.timer.Stop()
}

func (m *Manager) logError(fn string, c *models.CallSession, err error) {
	logrus.WithFields(logrus.Fields{
		"function": fn,
		"call_id":  c.ID,
		"state":    c.State,
		"error":    err.Error(),
	}).Error("Call transition failed")
}

// hold makes connID the owner of a call end and keeps its token.
func (m *Manager) hold(res, connID string) {
	t := m.owners.Acquire(res, connID)
	m.endsMu.Lock()
	m.ends[res] = t
	m.endsMu.Unlock()
}

// holder returns the connection owning a call end while its token is
// still valid.
func (m *Manager) holder(res string) (string, bool) {
	m.endsMu.Lock()
	t, ok := m.ends[res]
	m.endsMu.Unlock()
	if !ok || !m.owners.Valid(t) {
		return "", false
	}
	return t.Holder, true
}

func (m *Manager) drop(res string) {
	m.endsMu.Lock()
	t, ok := m.ends[res]
	delete(m.ends, res)
	m.endsMu.Unlock()
	if ok {
		m.owners.Release(t)
	}
}

func resource(callID, userID string) string {
	return callID + "/" + userID
}
