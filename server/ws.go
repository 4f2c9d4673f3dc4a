package server

import (
	"encoding/json"
	"net/http"
	"time"

	"msignal/models"
	"msignal/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and serves the client with JSON envelope
// frames. It shares dispatch with the TCP transport.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeWS",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("Upgrade failed")
		return
	}

	pongWait := s.config.ReadTimeout
	sess := newSession(&wsTransport{conn: conn, writeWait: writeWait}, s.config.SendBuffer)
	s.addSession(sess)
	go sess.writeLoop(pongWait * 9 / 10)
	defer s.closeSession(sess)

	logrus.WithFields(logrus.Fields{
		"function": "ServeWS",
		"conn_id":  sess.id,
		"remote":   r.RemoteAddr,
	}).Info("New WebSocket client connected")

	conn.SetReadLimit(maxLineSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		sess.touch()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !sess.closed() {
				logrus.WithFields(logrus.Fields{
					"function": "ServeWS",
					"conn_id":  sess.id,
					"error":    err.Error(),
				}).Warn("Read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.sendFail(sess, "", "", models.ErrInvalidInput)
			continue
		}

		if !s.dispatch(sess, env) {
			return
		}
	}
}
