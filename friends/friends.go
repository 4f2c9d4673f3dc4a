// Package friends relays friend-request transitions to the users they
// concern.
package friends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msignal/keylock"
	"msignal/models"
	"msignal/protocol"
	"msignal/push"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Store interface {
	UserExists(login string) (bool, error)
	AreFriends(a, b string) (bool, error)
	SaveFriendRequest(r *models.FriendRequest) error
	UpdateFriendRequestState(id string, from, to models.FriendRequestState) error
	AcceptFriendRequest(id string) error
	GetFriendRequest(id string) (*models.FriendRequest, error)
	PendingRequestForPair(a, b string) (*models.FriendRequest, error)
	PendingRequestsFor(receiver string) ([]*models.FriendRequest, error)
}

type Fanout interface {
	Broadcast(userID string, env protocol.Envelope, except ...string) (int, error)
}

type Relay struct {
	store Store
	fan   Fanout
	push  push.Dispatcher
	locks *keylock.Locker
	clock func() time.Time
}

func New(store Store, fan Fanout, dispatcher push.Dispatcher) *Relay {
	return &Relay{
		store: store,
		fan:   fan,
		push:  dispatcher,
		locks: keylock.New(),
		clock: time.Now,
	}
}

// SendRequest opens a pending request from senderID to receiverID. Only one
// pending request may exist per pair, whichever side sent it.
func (r *Relay) SendRequest(ctx context.Context, senderID, connID, receiverID string) (*models.FriendRequest, error) {
	if receiverID == "" || receiverID == senderID {
		return nil, fmt.Errorf("receiver %q: %w", receiverID, models.ErrInvalidInput)
	}
	exists, err := r.store.UserExists(receiverID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("user %s: %w", receiverID, models.ErrNotFound)
	}

	unlock := r.locks.Lock("pair:" + models.PairKey(senderID, receiverID))
	defer unlock()

	friends, err := r.store.AreFriends(senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if friends {
		return nil, fmt.Errorf("%s and %s are already friends: %w", senderID, receiverID, models.ErrConflict)
	}
	pending, err := r.store.PendingRequestForPair(senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("request %s already pending: %w", pending.ID, models.ErrConflict)
	}

	req := &models.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		State:      models.RequestPending,
		CreatedAt:  r.clock().UTC(),
	}
	if err := r.store.SaveFriendRequest(req); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendRequest",
		"request_id": req.ID,
		"sender":     senderID,
		"receiver":   receiverID,
	}).Info("Friend request sent")

	env := protocol.MustEnvelope(protocol.EventNewFriendRequest, req)
	r.notify(ctx, receiverID, env, fmt.Sprintf("friend request from %s", senderID))
	r.fan.Broadcast(senderID, env, connID)
	return req, nil
}

// Accept is valid only for the receiver of a pending request.
func (r *Relay) Accept(ctx context.Context, requestID, userID, connID string) (*models.FriendRequest, error) {
	return r.resolve(ctx, requestID, userID, connID, models.RequestAccepted)
}

// Decline is valid only for the receiver of a pending request.
func (r *Relay) Decline(ctx context.Context, requestID, userID, connID string) (*models.FriendRequest, error) {
	return r.resolve(ctx, requestID, userID, connID, models.RequestDeclined)
}

// Cancel is valid only for the sender of a pending request.
func (r *Relay) Cancel(ctx context.Context, requestID, userID, connID string) (*models.FriendRequest, error) {
	return r.resolve(ctx, requestID, userID, connID, models.RequestCancelled)
}

func (r *Relay) resolve(ctx context.Context, requestID, userID, connID string, to models.FriendRequestState) (*models.FriendRequest, error) {
	unlock := r.locks.Lock(requestID)
	defer unlock()

	req, err := r.store.GetFriendRequest(requestID)
	if err != nil {
		return nil, err
	}

	actor, counterparty := req.ReceiverID, req.SenderID
	if to == models.RequestCancelled {
		actor, counterparty = req.SenderID, req.ReceiverID
	}
	if userID != actor {
		return nil, fmt.Errorf("user %s cannot move request %s to %s: %w", userID, requestID, to, models.ErrNotAuthorized)
	}
	if req.State != models.RequestPending {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.State, models.ErrInvalidTransition)
	}

	if to == models.RequestAccepted {
		err = r.store.AcceptFriendRequest(requestID)
	} else {
		err = r.store.UpdateFriendRequestState(requestID, models.RequestPending, to)
	}
	if err != nil {
		return nil, err
	}
	req.State = to

	logrus.WithFields(logrus.Fields{
		"function":   "resolve",
		"request_id": requestID,
		"actor":      userID,
		"state":      to,
	}).Info("Friend request resolved")

	event := eventFor(to)
	env := protocol.MustEnvelope(event, req)
	r.notify(ctx, counterparty, env, fmt.Sprintf("%s: %s", event, userID))
	r.fan.Broadcast(userID, env, connID)
	return req, nil
}

// Replay pushes pending incoming requests to one of userID's connections,
// e.g. after a reconnect.
func (r *Relay) Replay(userID string, send func(protocol.Envelope) error) (int, error) {
	requests, err := r.store.PendingRequestsFor(userID)
	if err != nil {
		return 0, err
	}
	for i, req := range requests {
		if err := send(protocol.MustEnvelope(protocol.EventNewFriendRequest, req)); err != nil {
			return i, err
		}
	}
	return len(requests), nil
}

func (r *Relay) notify(ctx context.Context, userID string, env protocol.Envelope, summary string) {
	_, err := r.fan.Broadcast(userID, env)
	if errors.Is(err, models.ErrNoLiveTarget) {
		r.push.Dispatch(ctx, userID, env.Event, summary)
	}
}

func eventFor(state models.FriendRequestState) string {
	switch state {
	case models.RequestAccepted:
		return protocol.EventFriendRequestAccepted
	case models.RequestDeclined:
		return protocol.EventFriendRequestDeclined
	case models.RequestCancelled:
		return protocol.EventFriendRequestCancelled
	}
	return protocol.EventNewFriendRequest
}
