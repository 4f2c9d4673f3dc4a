package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"msignal/models"
	"msignal/presence"
	"msignal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// dispatch routes one inbound envelope. It returns false when the session
// should be closed.
func (s *Server) dispatch(sess *Session, env protocol.Envelope) bool {
	sess.touch()

	switch env.Event {
	case protocol.EventPing:
		sess.Send(protocol.Envelope{Event: protocol.EventPong, ID: env.ID})
		return true
	case protocol.EventHelp:
		s.handleHelp(sess, env)
		return true
	case protocol.EventAuth:
		s.handleAuth(sess, env)
		return true
	case protocol.EventRegister:
		s.handleRegister(sess, env)
		return true
	case protocol.EventBye:
		s.sendBye(sess, "", time.Time{})
		return false
	}

	if sess.UserID() == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("not authenticated: %w", models.ErrNotAuthorized))
		return true
	}

	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"conn_id":  sess.id,
		"user_id":  sess.UserID(),
		"event":    env.Event,
	}).Debug("Inbound event")

	switch env.Event {
	case protocol.EventCreateChat:
		s.handleCreateChat(sess, env)
	case protocol.EventSync:
		s.handleSync(sess, env)
	case protocol.EventPresence:
		s.handlePresence(sess, env)

	case protocol.EventNewMessage:
		s.handleNewMessage(sess, env)
	case protocol.EventMessageDelivered, protocol.EventMessageRead:
		s.handleMessageAck(sess, env)
	case protocol.EventTyping, protocol.EventRecording:
		s.handleActivity(sess, env)

	case protocol.EventNewFriendRequest:
		s.handleFriendRequest(sess, env)
	case protocol.EventFriendRequestAccepted, protocol.EventFriendRequestDeclined, protocol.EventFriendRequestCancelled:
		s.handleFriendResolve(sess, env)

	case protocol.EventCallInvite:
		s.handleCallInvite(sess, env)
	case protocol.EventCallAnswer:
		s.handleCallAnswer(sess, env)
	case protocol.EventCallSignal, protocol.EventCallRenegotiate:
		s.handleCallSignal(sess, env)
	case protocol.EventCallConnected, protocol.EventCallEnd:
		s.handleCallRef(sess, env)

	default:
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("unknown event %q: %w", env.Event, models.ErrInvalidInput))
	}
	return true
}

func (s *Server) sendOK(sess *Session, id, op string, result any) {
	env := protocol.MustEnvelope(protocol.EventOK, protocol.OKPayload{Op: op, Result: result})
	env.ID = id
	sess.Send(env)
}

func (s *Server) sendFail(sess *Session, id, op string, err error) {
	s.sendFailWith(sess, id, op, err, nil)
}

func (s *Server) sendFailWith(sess *Session, id, op string, err error, result any) {
	reason := models.ErrorKind(err)
	if errors.Is(err, protocol.ErrInvalidPacket) {
		reason = "invalid"
	}
	desc := err.Error()
	if reason == "persistence" || reason == "internal" {
		logrus.WithFields(logrus.Fields{
			"function": "sendFail",
			"conn_id":  sess.id,
			"op":       op,
			"error":    desc,
		}).Error("Request failed")
		desc = "internal error"
	}

	env := protocol.MustEnvelope(protocol.EventFail, protocol.FailPayload{
		Op:     op,
		Reason: reason,
		Error:  desc,
		Result: result,
	})
	env.ID = id
	sess.Send(env)
}

// reply sends ok with result, or fail with err.
func (s *Server) reply(sess *Session, env protocol.Envelope, result any, err error) {
	if err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	s.sendOK(sess, env.ID, env.Event, result)
}

func (s *Server) handleHelp(sess *Session, env protocol.Envelope) {
	events := []string{
		protocol.EventAuth, protocol.EventRegister, protocol.EventPing, protocol.EventBye, protocol.EventHelp,
		protocol.EventCreateChat, protocol.EventSync, protocol.EventPresence,
		protocol.EventNewMessage, protocol.EventMessageDelivered, protocol.EventMessageRead,
		protocol.EventTyping, protocol.EventRecording,
		protocol.EventNewFriendRequest, protocol.EventFriendRequestAccepted,
		protocol.EventFriendRequestDeclined, protocol.EventFriendRequestCancelled,
		protocol.EventCallInvite, protocol.EventCallAnswer, protocol.EventCallSignal,
		protocol.EventCallRenegotiate, protocol.EventCallConnected, protocol.EventCallEnd,
	}
	s.sendOK(sess, env.ID, env.Event, events)
}

func (s *Server) handleAuth(sess *Session, env protocol.Envelope) {
	var p protocol.AuthPayload
	if err := env.Decode(&p); err != nil || p.Login == "" || p.Password == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("invalid credentials: %w", models.ErrInvalidInput))
		return
	}

	if login := sess.UserID(); login != "" {
		if login != p.Login {
			s.sendFail(sess, env.ID, env.Event, fmt.Errorf("already authenticated as %s: %w", login, models.ErrConflict))
			return
		}
		s.sendOK(sess, env.ID, env.Event, map[string]string{"user_id": login, "conn_id": sess.id})
		return
	}

	valid, err := s.db.AuthenticateUser(p.Login, p.Password)
	if err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	if !valid {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("invalid credentials: %w", models.ErrNotAuthorized))
		return
	}

	sess.setLogin(p.Login)
	s.sendOK(sess, env.ID, env.Event, map[string]string{"user_id": p.Login, "conn_id": sess.id})
	if sess.closed() {
		return
	}
	s.registry.Register(sess)
	// closeSession may have unregistered before Register ran.
	if sess.closed() {
		s.registry.Unregister(sess.id)
	}
}

func (s *Server) handleRegister(sess *Session, env protocol.Envelope) {
	var p protocol.AuthPayload
	if err := env.Decode(&p); err != nil || p.Login == "" || p.Password == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("invalid data: %w", models.ErrInvalidInput))
		return
	}
	if strings.ContainsAny(p.Login, "\x00|") {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("login contains reserved characters: %w", models.ErrInvalidInput))
		return
	}

	if err := s.db.CreateUser(p.Login, p.Password); err != nil {
		if errors.Is(err, models.ErrConflict) {
			err = fmt.Errorf("user already exists: %w", models.ErrConflict)
		}
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	s.sendOK(sess, env.ID, env.Event, nil)
}

func (s *Server) handleCreateChat(sess *Session, env protocol.Envelope) {
	var p protocol.CreateChatPayload
	if err := env.Decode(&p); err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}

	login := sess.UserID()
	members := []string{login}
	seen := map[string]bool{login: true}
	for _, m := range p.Members {
		if m == "" || seen[m] {
			continue
		}
		exists, err := s.db.UserExists(m)
		if err != nil {
			s.sendFail(sess, env.ID, env.Event, err)
			return
		}
		if !exists {
			s.sendFail(sess, env.ID, env.Event, fmt.Errorf("user %s: %w", m, models.ErrNotFound))
			return
		}
		seen[m] = true
		members = append(members, m)
	}
	if len(members) < 2 {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("chat needs another member: %w", models.ErrInvalidInput))
		return
	}

	chat, err := s.db.CreateChat(uuid.NewString(), members)
	if err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	s.sendOK(sess, env.ID, env.Event, chat)

	notice := protocol.MustEnvelope(protocol.EventCreateChat, chat)
	for _, m := range members {
		s.registry.Broadcast(m, notice, sess.id)
	}
}

func (s *Server) handleSync(sess *Session, env protocol.Envelope) {
	login := sess.UserID()
	msgs, err := s.delivery.Sync(s.ctx, login, sess.id, 0)
	if err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	requests, err := s.friends.Replay(login, sess.Send)
	if err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	s.sendOK(sess, env.ID, env.Event, map[string]int{"messages": len(msgs), "friend_requests": requests})
}

func (s *Server) handlePresence(sess *Session, env protocol.Envelope) {
	peers, err := s.db.Peers(sess.UserID())
	if err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	sort.Strings(peers)

	statuses := make([]models.PeerStatus, 0, len(peers))
	for _, peer := range peers {
		lastSeen, err := s.db.LastSeen(peer)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			s.sendFail(sess, env.ID, env.Event, err)
			return
		}
		statuses = append(statuses, models.PeerStatus{
			UserID:   peer,
			Online:   s.registry.IsOnline(peer),
			LastSeen: lastSeen,
		})
	}
	s.sendOK(sess, env.ID, env.Event, statuses)
}

func (s *Server) handleNewMessage(sess *Session, env protocol.Envelope) {
	var p protocol.NewMessagePayload
	if err := env.Decode(&p); err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}

	msg, err := s.delivery.Submit(s.ctx, sess.UserID(), sess.id, p.ChatID, p.Content)
	if err != nil {
		// A failed message goes back to its author only.
		var result any
		if msg != nil {
			result = msg
		}
		s.sendFailWith(sess, env.ID, env.Event, err, result)
		return
	}
	s.sendOK(sess, env.ID, env.Event, msg)
}

func (s *Server) handleMessageAck(sess *Session, env protocol.Envelope) {
	var p protocol.MessageRefPayload
	if err := env.Decode(&p); err != nil || p.MessageID == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("message_id required: %w", models.ErrInvalidInput))
		return
	}

	var msg *models.Message
	var err error
	if env.Event == protocol.EventMessageRead {
		msg, err = s.delivery.MarkRead(s.ctx, p.MessageID, sess.UserID())
	} else {
		msg, err = s.delivery.Acknowledge(s.ctx, p.MessageID, sess.UserID())
	}
	s.reply(sess, env, msg, err)
}

func (s *Server) handleActivity(sess *Session, env protocol.Envelope) {
	var p protocol.ActivityPayload
	if err := env.Decode(&p); err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	err := s.presence.SetTyping(sess.UserID(), p.ChatID, presence.Activity(env.Event), p.Active)
	s.reply(sess, env, nil, err)
}

func (s *Server) handleFriendRequest(sess *Session, env protocol.Envelope) {
	var p protocol.FriendRequestPayload
	if err := env.Decode(&p); err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	req, err := s.friends.SendRequest(s.ctx, sess.UserID(), sess.id, p.ReceiverID)
	s.reply(sess, env, req, err)
}

func (s *Server) handleFriendResolve(sess *Session, env protocol.Envelope) {
	var p protocol.FriendRequestPayload
	if err := env.Decode(&p); err != nil || p.RequestID == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("request_id required: %w", models.ErrInvalidInput))
		return
	}

	var req *models.FriendRequest
	var err error
	switch env.Event {
	case protocol.EventFriendRequestAccepted:
		req, err = s.friends.Accept(s.ctx, p.RequestID, sess.UserID(), sess.id)
	case protocol.EventFriendRequestDeclined:
		req, err = s.friends.Decline(s.ctx, p.RequestID, sess.UserID(), sess.id)
	default:
		req, err = s.friends.Cancel(s.ctx, p.RequestID, sess.UserID(), sess.id)
	}
	s.reply(sess, env, req, err)
}

func (s *Server) handleCallInvite(sess *Session, env protocol.Envelope) {
	var p protocol.CallInvitePayload
	if err := env.Decode(&p); err != nil {
		s.sendFail(sess, env.ID, env.Event, err)
		return
	}
	call, err := s.calls.Invite(s.ctx, sess.UserID(), sess.id, p.CalleeID, p.Kind)
	s.reply(sess, env, call, err)
}

func (s *Server) handleCallAnswer(sess *Session, env protocol.Envelope) {
	var p protocol.CallAnswerPayload
	if err := env.Decode(&p); err != nil || p.CallID == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("call_id required: %w", models.ErrInvalidInput))
		return
	}
	call, err := s.calls.Answer(s.ctx, p.CallID, sess.UserID(), sess.id, p.Accept)
	s.reply(sess, env, call, err)
}

func (s *Server) handleCallSignal(sess *Session, env protocol.Envelope) {
	var p protocol.CallSignalPayload
	if err := env.Decode(&p); err != nil || p.CallID == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("call_id required: %w", models.ErrInvalidInput))
		return
	}
	_, err := s.calls.Signal(s.ctx, p.CallID, sess.UserID(), sess.id, env.Event, p.Data)
	s.reply(sess, env, nil, err)
}

func (s *Server) handleCallRef(sess *Session, env protocol.Envelope) {
	var p protocol.CallRefPayload
	if err := env.Decode(&p); err != nil || p.CallID == "" {
		s.sendFail(sess, env.ID, env.Event, fmt.Errorf("call_id required: %w", models.ErrInvalidInput))
		return
	}

	var call *models.CallSession
	var err error
	if env.Event == protocol.EventCallConnected {
		call, err = s.calls.Connected(s.ctx, p.CallID, sess.UserID())
	} else {
		call, err = s.calls.End(s.ctx, p.CallID, sess.UserID(), sess.id)
	}
	s.reply(sess, env, call, err)
}
