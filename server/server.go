package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"msignal/calls"
	"msignal/db"
	"msignal/delivery"
	"msignal/friends"
	"msignal/presence"
	"msignal/protocol"
	"msignal/push"
	"msignal/registry"

	"github.com/sirupsen/logrus"
)

// maxLineSize bounds one inbound TCP line.
const maxLineSize = 64 * 1024

type Server struct {
	db       *db.DB
	config   *ServerConfig
	registry *registry.Registry
	presence *presence.Tracker
	delivery *delivery.Pipeline
	calls    *calls.Manager
	friends  *friends.Relay

	ctx    context.Context
	cancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	started  time.Time

	listenMu  sync.Mutex
	listeners []io.Closer
}

type ServerConfig struct {
	Port         int
	WSAddr       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RingTimeout  time.Duration
	TypingTTL    time.Duration
	SendBuffer   int
}

func New(database *db.DB, config *ServerConfig, dispatcher push.Dispatcher) *Server {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.RingTimeout <= 0 {
		config.RingTimeout = 40 * time.Second
	}
	if config.TypingTTL <= 0 {
		config.TypingTTL = 8 * time.Second
	}
	if dispatcher == nil {
		dispatcher = push.LogDispatcher{}
	}

	reg := registry.New()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		db:       database,
		config:   config,
		registry: reg,
		presence: presence.New(database, reg, config.TypingTTL),
		delivery: delivery.New(database, reg, dispatcher),
		calls:    calls.New(database, reg, dispatcher, config.RingTimeout),
		friends:  friends.New(database, reg, dispatcher),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		started:  time.Now(),
	}
	reg.OnChange(s.onPresenceChange)
	return s
}

// onPresenceChange runs when a user goes from zero to one live connection
// or back.
func (s *Server) onPresenceChange(login string, online bool) {
	now := time.Now().UTC()
	var err error
	if online {
		err = s.db.UpdateLastOnline(login, now)
	} else {
		err = s.db.UpdateLastOffline(login, now)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onPresenceChange",
			"user_id":  login,
			"online":   online,
			"error":    err.Error(),
		}).Error("Failed to record last seen")
	}

	s.presence.OnConnectionsChanged(login, online)
	if online {
		s.calls.ResumeRinging(s.ctx, login)
	}
}

// Start serves the TCP line protocol until the listener is closed.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.track(listener)
	defer listener.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     s.config.Port,
	}).Info("msignal server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Error accepting connection")
			continue
		}

		go s.handleConnection(conn)
	}
}

// StartWS serves WebSocket clients on config.WSAddr at /ws.
func (s *Server) StartWS() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)

	httpServer := &http.Server{
		Addr:              s.config.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.track(httpServer)

	logrus.WithFields(logrus.Fields{
		"function": "StartWS",
		"addr":     s.config.WSAddr,
	}).Info("WebSocket listener started")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) track(c io.Closer) {
	s.listenMu.Lock()
	s.listeners = append(s.listeners, c)
	s.listenMu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := newSession(newLineTransport(conn, s.config.WriteTimeout), s.config.SendBuffer)
	s.addSession(sess)
	go sess.writeLoop(0)
	defer s.closeSession(sess)

	remoteAddr := sess.transport.RemoteAddr()
	logrus.WithFields(logrus.Fields{
		"function": "handleConnection",
		"conn_id":  sess.id,
		"remote":   remoteAddr,
	}).Info("New client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !sess.closed() {
				s.sendBye(sess, "timeout", time.Time{})
			} else if err != nil && !errors.Is(err, net.ErrClosed) && !sess.closed() {
				logrus.WithFields(logrus.Fields{
					"function": "handleConnection",
					"conn_id":  sess.id,
					"remote":   remoteAddr,
					"error":    err.Error(),
				}).Warn("Read error")
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		env, err := protocol.DecodeLine(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleConnection",
				"conn_id":  sess.id,
				"error":    err.Error(),
			}).Debug("Parse error")
			s.sendFail(sess, "", "", err)
			continue
		}

		if !s.dispatch(sess, env) {
			return
		}
	}
}

// closeSession unregisters sess and releases everything it held.
func (s *Server) closeSession(sess *Session) {
	sess.Close()
	if !s.removeSession(sess.id) {
		return
	}

	login := sess.UserID()
	if login != "" {
		s.registry.Unregister(sess.id)
		s.calls.Disconnected(sess.id)
	}

	logrus.WithFields(logrus.Fields{
		"function": "closeSession",
		"conn_id":  sess.id,
		"user_id":  login,
	}).Info("Client disconnected")
}

func (s *Server) sendBye(sess *Session, reason string, until time.Time) {
	payload := protocol.ByePayload{Reason: reason}
	if !until.IsZero() {
		u := until.UTC()
		payload.Until = &u
	}
	sess.Send(protocol.MustEnvelope(protocol.EventBye, payload))
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) removeSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Shutdown says bye to every client with reason and stops the listeners.
// until, when set, tells clients when service is expected back.
func (s *Server) Shutdown(reason string, until time.Time) {
	s.listenMu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	s.listenMu.Unlock()

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		s.sendBye(sess, reason, until)
		s.closeSession(sess)
	}

	s.cancel()
	s.calls.Stop()
	s.presence.Stop()
	s.delivery.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"reason":   reason,
		"sessions": len(sessions),
	}).Info("Server shut down")
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	connections := len(s.sessions)
	s.mu.RUnlock()

	users := s.registry.OnlineUsers()
	sort.Strings(users)

	return "connections=" + strconv.Itoa(connections) +
		",online=" + strconv.Itoa(len(users)) +
		",uptime=" + time.Since(s.started).Truncate(time.Second).String() +
		",users=" + strings.Join(users, ";")
}
