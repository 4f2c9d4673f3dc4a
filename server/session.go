package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"msignal/protocol"
	"msignal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrSendBufferFull = errors.New("send buffer full")

// transport writes envelopes to one client in its wire format.
type transport interface {
	WriteEnvelope(env protocol.Envelope) error
	// Ping keeps the link alive; transports without keepalive return nil.
	Ping() error
	Close() error
	RemoteAddr() string
}

// Session is one client connection. Outbound traffic is queued on send and
// written by a single writer goroutine, so Send never blocks on the network.
type Session struct {
	id        string
	transport transport
	send      chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
	created   time.Time

	mu       sync.Mutex
	login    string
	lastSeen time.Time
}

var _ registry.Conn = (*Session)(nil)

func newSession(t transport, buffer int) *Session {
	now := time.Now()
	return &Session{
		id:        uuid.NewString(),
		transport: t,
		send:      make(chan protocol.Envelope, buffer),
		done:      make(chan struct{}),
		created:   now,
		lastSeen:  now,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login
}

func (s *Session) setLogin(login string) {
	s.mu.Lock()
	s.login = login
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Send queues env. A client that stops reading loses events once its
// buffer is full rather than stalling everyone fanning out to it.
func (s *Session) Send(env protocol.Envelope) error {
	select {
	case <-s.done:
		return registry.ErrClosed
	default:
	}

	select {
	case s.send <- env:
		return nil
	case <-s.done:
		return registry.ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer after it flushes what is already queued.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writeLoop owns all writes to the transport. pingPeriod of zero disables
// keepalive pings.
func (s *Session) writeLoop(pingPeriod time.Duration) {
	defer s.transport.Close()

	var tick <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case env := <-s.send:
			if err := s.transport.WriteEnvelope(env); err != nil {
				s.writeFailed(err)
				return
			}
		case <-tick:
			if err := s.transport.Ping(); err != nil {
				s.writeFailed(err)
				return
			}
		case <-s.done:
			for {
				select {
				case env := <-s.send:
					if err := s.transport.WriteEnvelope(env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeFailed(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "writeLoop",
		"conn_id":  s.id,
		"user_id":  s.UserID(),
		"remote":   s.transport.RemoteAddr(),
		"error":    err.Error(),
	}).Debug("Write failed, closing session")
	s.Close()
}

// lineTransport speaks the pipe-delimited TCP protocol.
type lineTransport struct {
	conn         net.Conn
	writer       *bufio.Writer
	writeTimeout time.Duration
}

func newLineTransport(conn net.Conn, writeTimeout time.Duration) *lineTransport {
	return &lineTransport{conn: conn, writer: bufio.NewWriter(conn), writeTimeout: writeTimeout}
}

func (t *lineTransport) WriteEnvelope(env protocol.Envelope) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := t.writer.WriteString(protocol.EncodeLine(env)); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *lineTransport) Ping() error { return nil }

func (t *lineTransport) Close() error { return t.conn.Close() }

func (t *lineTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// wsTransport sends each envelope as one JSON text frame.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (t *wsTransport) WriteEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
