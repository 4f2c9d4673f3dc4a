// Package delivery accepts outbound chat messages, persists them and fans
// them out to every live connection of the chat's members. Delivery and read
// acknowledgements advance the persisted state monotonically.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"msignal/keylock"
	"msignal/models"
	"msignal/protocol"
	"msignal/push"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultSyncLimit caps one backlog sync.
const DefaultSyncLimit = 500

// Store is the persistence and membership surface the pipeline needs.
type Store interface {
	IsParticipant(userID, chatID string) (bool, error)
	ChatMembers(chatID string) ([]string, error)
	SaveMessage(m *models.Message) error
	UpdateMessageState(id string, from, to models.MessageState) error
	GetMessage(id string) (*models.Message, error)
	ReceiptState(messageID, recipient string) (models.MessageState, error)
	AdvanceReceipt(messageID, recipient string, from, to models.MessageState) (models.MessageState, error)
	PendingMessages(recipient string, limit int) ([]*models.Message, error)
}

// Fanout is the subset of the connection registry the pipeline needs.
type Fanout interface {
	Broadcast(userID string, env protocol.Envelope, except ...string) (int, error)
	SendTo(connID string, env protocol.Envelope) error
}

type Pipeline struct {
	store Store
	fan   Fanout
	push  push.Dispatcher
	locks *keylock.Locker
	wg    sync.WaitGroup
	clock func() time.Time
}

func New(store Store, fan Fanout, dispatcher push.Dispatcher) *Pipeline {
	return &Pipeline{
		store: store,
		fan:   fan,
		push:  dispatcher,
		locks: keylock.New(),
		clock: time.Now,
	}
}

// Submit persists a message from senderID to chatID and returns it once it
// is durable. Fan-out to the other members and to the sender's other
// connections continues in the background. When persistence fails the
// returned message is in the failed state and nobody else sees it.
func (p *Pipeline) Submit(ctx context.Context, senderID, originConnID, chatID string, content models.Content) (*models.Message, error) {
	if chatID == "" || content.Empty() {
		return nil, fmt.Errorf("message needs a chat and content: %w", models.ErrInvalidInput)
	}

	ok, err := p.store.IsParticipant(senderID, chatID)
	if err != nil {
		return nil, persistErr("check participant", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %s in chat %s: %w", senderID, chatID, models.ErrNotAuthorized)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		State:     models.MessageSending,
		Timestamp: p.clock().UTC(),
	}

	if err := p.store.SaveMessage(msg); err != nil {
		msg.State = models.MessageFailed
		p.logFailure("save", msg, err)
		return msg, persistErr("save message", err)
	}

	if err := p.store.UpdateMessageState(msg.ID, models.MessageSending, models.MessageSent); err != nil {
		if ferr := p.store.UpdateMessageState(msg.ID, models.MessageSending, models.MessageFailed); ferr != nil {
			p.logFailure("mark failed", msg, ferr)
		}
		msg.State = models.MessageFailed
		p.logFailure("confirm", msg, err)
		return msg, persistErr("confirm message", err)
	}
	msg.State = models.MessageSent

	logrus.WithFields(logrus.Fields{
		"function":   "Submit",
		"message_id": msg.ID,
		"chat_id":    chatID,
		"sender":     senderID,
	}).Info("Message persisted")

	snapshot := *msg
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fanOut(context.WithoutCancel(ctx), &snapshot, originConnID)
	}()

	return msg, nil
}

func (p *Pipeline) fanOut(ctx context.Context, msg *models.Message, originConnID string) {
	members, err := p.store.ChatMembers(msg.ChatID)
	if err != nil {
		p.logFailure("resolve members", msg, err)
		return
	}

	env := protocol.MustEnvelope(protocol.EventNewMessage, msg)

	var wg sync.WaitGroup
	for _, member := range members {
		if member == msg.SenderID {
			continue
		}
		wg.Add(1)
		go func(recipient string) {
			defer wg.Done()
			n, err := p.fan.Broadcast(recipient, env)
			if errors.Is(err, models.ErrNoLiveTarget) {
				p.push.Dispatch(ctx, recipient, protocol.EventNewMessage, msg.Content.Summary())
				return
			}
			logrus.WithFields(logrus.Fields{
				"function":   "fanOut",
				"message_id": msg.ID,
				"recipient":  recipient,
				"conns":      n,
			}).Debug("Message fanned out")
		}(member)
	}

	// Sender's other tabs; nothing to fall back to.
	p.fan.Broadcast(msg.SenderID, env, originConnID)
	wg.Wait()
}

// Acknowledge records that one of userID's connections received the
// message. The first acknowledgement from a recipient advances their
// receipt from sent to delivered; later ones from other tabs change
// nothing. The message's own state follows the furthest receipt.
func (p *Pipeline) Acknowledge(ctx context.Context, messageID, userID string) (*models.Message, error) {
	return p.advance(messageID, userID, models.MessageDelivered, protocol.EventMessageDelivered)
}

// MarkRead advances readerID's receipt to read. Reading an already read
// message is a no-op. A sent receipt may skip straight to read; the order
// is still monotonic.
func (p *Pipeline) MarkRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	return p.advance(messageID, readerID, models.MessageRead, protocol.EventMessageRead)
}

func (p *Pipeline) advance(messageID, userID string, to models.MessageState, event string) (*models.Message, error) {
	unlock := p.locks.Lock(messageID)
	msg, receipt, err := p.recipientMessage(messageID, userID)
	if err != nil {
		unlock()
		return nil, err
	}

	if !receipt.CanAdvance(to) {
		// Already there or past it.
		unlock()
		return msg, nil
	}
	if msg.State == models.MessageSending || msg.State == models.MessageFailed {
		unlock()
		return nil, fmt.Errorf("%s on %s message %s: %w", event, msg.State, messageID, models.ErrInvalidTransition)
	}

	aggregate, err := p.store.AdvanceReceipt(messageID, userID, receipt, to)
	if err != nil {
		unlock()
		return nil, err
	}
	msg.State = aggregate
	unlock()

	p.notifySender(msg, event, userID)
	return msg, nil
}

// Sync redelivers to one connection every message addressed to userID that
// no connection of theirs has acknowledged yet.
func (p *Pipeline) Sync(ctx context.Context, userID, connID string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > DefaultSyncLimit {
		limit = DefaultSyncLimit
	}
	msgs, err := p.store.PendingMessages(userID, limit)
	if err != nil {
		return nil, persistErr("pending messages", err)
	}

	for _, msg := range msgs {
		if err := p.fan.SendTo(connID, protocol.MustEnvelope(protocol.EventNewMessage, msg)); err != nil {
			return msgs, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sync",
		"user_id":  userID,
		"conn_id":  connID,
		"count":    len(msgs),
	}).Info("Backlog redelivered")
	return msgs, nil
}

// Wait blocks until background fan-outs finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// recipientMessage loads a message and userID's receipt for it. Only
// recipients have receipts; the sender and outsiders are not authorized.
func (p *Pipeline) recipientMessage(messageID, userID string) (*models.Message, models.MessageState, error) {
	msg, err := p.store.GetMessage(messageID)
	if err != nil {
		return nil, "", err
	}
	if msg.SenderID == userID {
		return nil, "", fmt.Errorf("sender acknowledging own message %s: %w", messageID, models.ErrNotAuthorized)
	}
	receipt, err := p.store.ReceiptState(messageID, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, "", fmt.Errorf("user %s is not a recipient of %s: %w", userID, messageID, models.ErrNotAuthorized)
	}
	if err != nil {
		return nil, "", persistErr("receipt state", err)
	}
	return msg, receipt, nil
}

func (p *Pipeline) notifySender(msg *models.Message, event, byUser string) {
	env := protocol.MustEnvelope(event, protocol.MessageRefPayload{MessageID: msg.ID, UserID: byUser})
	if _, err := p.fan.Broadcast(msg.SenderID, env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "notifySender",
			"message_id": msg.ID,
			"event":      event,
			"error":      err.Error(),
		}).Debug("Sender not connected")
	}
}

func (p *Pipeline) logFailure(step string, msg *models.Message, err error) {
	logrus.WithFields(logrus.Fields{
		"function":   "Submit",
		"step":       step,
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
		"error":      err.Error(),
	}).Error("Message persistence failed")
}

func persistErr(op string, err error) error {
	if models.IsPersistence(err) {
		return err
	}
	return models.Persistence(op, err)
}
