package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"msignal/db"
	"msignal/models"
	"msignal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestServer creates a server backed by a temporary database.
func setupTestServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	config := &ServerConfig{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		RingTimeout:  time.Minute,
		TypingTTL:    time.Minute,
	}
	srv := New(database, config, nil)
	t.Cleanup(func() {
		srv.Shutdown("test", time.Time{})
		database.Close()
	})
	return srv
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	seq    int
}

// connect attaches a client to srv over an in-memory pipe.
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
}

func (c *testClient) sendLine(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// send issues a request and returns its id.
func (c *testClient) send(event string, payload any) string {
	c.t.Helper()
	c.seq++
	env := protocol.MustEnvelope(event, payload)
	env.ID = strconv.Itoa(c.seq)
	c.sendLine(strings.TrimSuffix(protocol.EncodeLine(env), "\n"))
	return env.ID
}

func (c *testClient) read() protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	env, err := protocol.DecodeLine(line)
	require.NoError(c.t, err, "line %q", line)
	return env
}

// expect skips unrelated traffic until event arrives.
func (c *testClient) expect(event string) protocol.Envelope {
	c.t.Helper()
	for {
		env := c.read()
		if env.Event == event {
			return env
		}
	}
}

// reply waits for the ok or fail answering request id.
func (c *testClient) reply(id string) protocol.Envelope {
	c.t.Helper()
	for {
		env := c.read()
		if env.ID == id && (env.Event == protocol.EventOK || env.Event == protocol.EventFail) {
			return env
		}
	}
}

func (c *testClient) ok(event string, payload any) protocol.OKPayload {
	c.t.Helper()
	env := c.reply(c.send(event, payload))
	require.Equal(c.t, protocol.EventOK, env.Event, "payload %s", env.Payload)
	var p protocol.OKPayload
	require.NoError(c.t, json.Unmarshal(env.Payload, &p))
	return p
}

func (c *testClient) fail(event string, payload any) protocol.FailPayload {
	c.t.Helper()
	env := c.reply(c.send(event, payload))
	require.Equal(c.t, protocol.EventFail, env.Event, "payload %s", env.Payload)
	var p protocol.FailPayload
	require.NoError(c.t, json.Unmarshal(env.Payload, &p))
	return p
}

// login authenticates and waits until the connection is routable.
func (c *testClient) login(srv *Server, user string) {
	c.t.Helper()
	var ids map[string]string
	result(c.t, c.ok(protocol.EventAuth, protocol.AuthPayload{Login: user, Password: "pw"}), &ids)
	waitRegistered(c.t, srv, ids["conn_id"])
}

func waitRegistered(t *testing.T, srv *Server, connID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := srv.registry.Conn(connID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}

func createUsers(t *testing.T, srv *Server, users ...string) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, srv.db.CreateUser(u, "pw"))
	}
}

// result re-decodes an ok result into v.
func result(t *testing.T, p protocol.OKPayload, v any) {
	t.Helper()
	raw, err := json.Marshal(p.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestPing(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.sendLine("ping")
	assert.Equal(t, protocol.EventPong, c.read().Event)

	id := c.send(protocol.EventPing, nil)
	env := c.read()
	assert.Equal(t, protocol.EventPong, env.Event)
	assert.Equal(t, id, env.ID)
}

func TestRegisterAndAuth(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.ok(protocol.EventRegister, protocol.AuthPayload{Login: "alice", Password: "secret"})

	p := c.fail(protocol.EventRegister, protocol.AuthPayload{Login: "alice", Password: "other"})
	assert.Equal(t, "conflict", p.Reason)
	assert.Equal(t, protocol.EventRegister, p.Op)

	p = c.fail(protocol.EventAuth, protocol.AuthPayload{Login: "alice", Password: "wrong"})
	assert.Equal(t, "not_authorized", p.Reason)

	ok := c.ok(protocol.EventAuth, protocol.AuthPayload{Login: "alice", Password: "secret"})
	var ids map[string]string
	result(t, ok, &ids)
	assert.Equal(t, "alice", ids["user_id"])
	waitRegistered(t, srv, ids["conn_id"])
	assert.True(t, srv.registry.IsOnline("alice"))
}

func TestAuthOnClosedSessionIsNotRegistered(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	sess := newSession(newLineTransport(serverConn, time.Second), 8)
	srv.addSession(sess)

	// Shutdown got to the session first.
	srv.closeSession(sess)

	auth := protocol.MustEnvelope(protocol.EventAuth, protocol.AuthPayload{Login: "alice", Password: "pw"})
	srv.dispatch(sess, auth)

	_, ok := srv.registry.Conn(sess.id)
	assert.False(t, ok)
	assert.False(t, srv.registry.IsOnline("alice"))
}

func TestUnauthenticatedAccess(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	p := c.fail(protocol.EventNewMessage, protocol.NewMessagePayload{ChatID: "c1", Content: models.Content{Text: "hi"}})
	assert.Equal(t, "not_authorized", p.Reason)
}

func TestInvalidPacket(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.sendLine("new_message|1|{not json")
	env := c.expect(protocol.EventFail)
	var p protocol.FailPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "invalid", p.Reason)
}

func TestMessageLifecycle(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice", "bob")

	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bob.login(srv, "bob")

	var chat models.Chat
	result(t, alice.ok(protocol.EventCreateChat, protocol.CreateChatPayload{Members: []string{"bob"}}), &chat)
	assert.ElementsMatch(t, []string{"alice", "bob"}, chat.Members)
	bob.expect(protocol.EventCreateChat)

	var sent models.Message
	result(t, alice.ok(protocol.EventNewMessage, protocol.NewMessagePayload{
		ChatID:  chat.ID,
		Content: models.Content{Text: "hello | bob"},
	}), &sent)
	assert.Equal(t, models.MessageSent, sent.State)

	var incoming models.Message
	require.NoError(t, bob.expect(protocol.EventNewMessage).Decode(&incoming))
	assert.Equal(t, sent.ID, incoming.ID)
	assert.Equal(t, "hello | bob", incoming.Content.Text)

	bob.ok(protocol.EventMessageDelivered, protocol.MessageRefPayload{MessageID: sent.ID})
	var ack protocol.MessageRefPayload
	require.NoError(t, alice.expect(protocol.EventMessageDelivered).Decode(&ack))
	assert.Equal(t, sent.ID, ack.MessageID)
	assert.Equal(t, "bob", ack.UserID)

	bob.ok(protocol.EventMessageRead, protocol.MessageRefPayload{MessageID: sent.ID})
	alice.expect(protocol.EventMessageRead)

	p := alice.fail(protocol.EventMessageRead, protocol.MessageRefPayload{MessageID: sent.ID})
	assert.Equal(t, "not_authorized", p.Reason, "the sender is not a reader")
}

func TestOfflineRecipientSync(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice", "bob")
	_, err := srv.db.CreateChat("c1", []string{"alice", "bob"})
	require.NoError(t, err)

	alice := connect(t, srv)
	alice.login(srv, "alice")
	alice.ok(protocol.EventNewMessage, protocol.NewMessagePayload{ChatID: "c1", Content: models.Content{Text: "while you were out"}})
	srv.delivery.Wait()

	bob := connect(t, srv)
	bob.login(srv, "bob")
	id := bob.send(protocol.EventSync, nil)

	var msg models.Message
	require.NoError(t, bob.expect(protocol.EventNewMessage).Decode(&msg))
	assert.Equal(t, "while you were out", msg.Content.Text)
	assert.Equal(t, models.MessageSent, msg.State)

	env := bob.reply(id)
	require.Equal(t, protocol.EventOK, env.Event)
	var ok protocol.OKPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ok))
	var counts map[string]int
	result(t, ok, &counts)
	assert.Equal(t, 1, counts["messages"])
}

func TestPresenceNotifications(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice", "bob")
	require.NoError(t, srv.db.AddFriendship("alice", "bob"))

	bob := connect(t, srv)
	bob.login(srv, "bob")

	alice1 := connect(t, srv)
	alice1.login(srv, "alice")

	var status protocol.OnlineStatusPayload
	require.NoError(t, bob.expect(protocol.EventFriendOnlineStatus).Decode(&status))
	assert.Equal(t, "alice", status.UserID)
	assert.True(t, status.Online)

	alice2 := connect(t, srv)
	alice2.login(srv, "alice")

	// A second tab is not a transition: the next thing bob sees is his pong.
	bob.send(protocol.EventPing, nil)
	assert.Equal(t, protocol.EventPong, bob.read().Event)

	var statuses []models.PeerStatus
	result(t, bob.ok(protocol.EventPresence, nil), &statuses)
	require.Len(t, statuses, 1)
	assert.Equal(t, "alice", statuses[0].UserID)
	assert.True(t, statuses[0].Online)

	alice1.conn.Close()
	alice2.conn.Close()

	require.NoError(t, bob.expect(protocol.EventFriendOnlineStatus).Decode(&status))
	assert.False(t, status.Online)
}

func TestTypingIndicator(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice", "bob")
	_, err := srv.db.CreateChat("c1", []string{"alice", "bob"})
	require.NoError(t, err)

	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bob.login(srv, "bob")

	alice.ok(protocol.EventTyping, protocol.ActivityPayload{ChatID: "c1", Active: true})
	var activity protocol.ActivityPayload
	require.NoError(t, bob.expect(protocol.EventTyping).Decode(&activity))
	assert.Equal(t, "alice", activity.UserID)
	assert.True(t, activity.Active)

	alice.ok(protocol.EventTyping, protocol.ActivityPayload{ChatID: "c1", Active: false})
	require.NoError(t, bob.expect(protocol.EventTyping).Decode(&activity))
	assert.False(t, activity.Active)
}

func TestCallAnsweredBySecondTab(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice", "bob")

	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob1 := connect(t, srv)
	bob1.login(srv, "bob")
	bob2 := connect(t, srv)
	bob2.login(srv, "bob")

	var call models.CallSession
	result(t, alice.ok(protocol.EventCallInvite, protocol.CallInvitePayload{CalleeID: "bob", Kind: models.CallAudio}), &call)
	assert.Equal(t, models.CallIncoming, call.State)

	bob1.expect(protocol.EventCallInvite)
	bob2.expect(protocol.EventCallInvite)

	var answered models.CallSession
	result(t, bob2.ok(protocol.EventCallAnswer, protocol.CallAnswerPayload{CallID: call.ID, Accept: true}), &answered)
	assert.Equal(t, models.CallConnecting, answered.State)

	p := bob1.fail(protocol.EventCallAnswer, protocol.CallAnswerPayload{CallID: call.ID, Accept: true})
	assert.Equal(t, "conflict", p.Reason)

	alice.expect(protocol.EventCallAnswer)

	data := json.RawMessage(`{"type":"offer","sdp":"v=0\r\na=x|y"}`)
	alice.ok(protocol.EventCallSignal, protocol.CallSignalPayload{CallID: call.ID, Data: data})
	var sig protocol.CallSignalPayload
	require.NoError(t, bob2.expect(protocol.EventCallSignal).Decode(&sig))
	assert.JSONEq(t, string(data), string(sig.Data))

	p = alice.fail(protocol.EventCallInvite, protocol.CallInvitePayload{CalleeID: "bob", Kind: models.CallVideo})
	assert.Equal(t, "conflict", p.Reason)

	alice.ok(protocol.EventCallEnd, protocol.CallRefPayload{CallID: call.ID})
	bob2.expect(protocol.EventCallEnd)
}

func TestFriendRequestOverTCP(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice", "bob")

	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bob.login(srv, "bob")

	var req models.FriendRequest
	result(t, alice.ok(protocol.EventNewFriendRequest, protocol.FriendRequestPayload{ReceiverID: "bob"}), &req)

	p := alice.fail(protocol.EventNewFriendRequest, protocol.FriendRequestPayload{ReceiverID: "bob"})
	assert.Equal(t, "conflict", p.Reason)

	bob.expect(protocol.EventNewFriendRequest)
	bob.ok(protocol.EventFriendRequestAccepted, protocol.FriendRequestPayload{RequestID: req.ID})
	alice.expect(protocol.EventFriendRequestAccepted)
}

func TestBye(t *testing.T) {
	srv := setupTestServer(t)
	c := connect(t, srv)

	c.send(protocol.EventBye, nil)
	assert.Equal(t, protocol.EventBye, c.read().Event)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.reader.ReadString('\n')
	assert.Error(t, err, "server closes after bye")
}

func TestShutdownSendsBye(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice")
	c := connect(t, srv)
	c.login(srv, "alice")

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	srv.Shutdown("maintenance", until)

	var bye protocol.ByePayload
	require.NoError(t, c.expect(protocol.EventBye).Decode(&bye))
	assert.Equal(t, "maintenance", bye.Reason)
	require.NotNil(t, bye.Until)
	assert.True(t, until.Equal(*bye.Until))
}

func TestStats(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice")
	c := connect(t, srv)
	c.login(srv, "alice")

	stats := srv.GetStats()
	assert.Contains(t, stats, "connections=1")
	assert.Contains(t, stats, "online=1")
	assert.Contains(t, stats, "users=alice")
}

func TestWebSocketTransport(t *testing.T) {
	srv := setupTestServer(t)
	createUsers(t, srv, "alice")

	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	roundTrip := func(env protocol.Envelope) protocol.Envelope {
		require.NoError(t, ws.WriteJSON(env))
		for {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			var got protocol.Envelope
			require.NoError(t, ws.ReadJSON(&got))
			if got.ID == env.ID {
				return got
			}
		}
	}

	auth := protocol.MustEnvelope(protocol.EventAuth, protocol.AuthPayload{Login: "alice", Password: "pw"})
	auth.ID = "1"
	reply := roundTrip(auth)
	require.Equal(t, protocol.EventOK, reply.Event)
	var ok protocol.OKPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ok))
	var ids map[string]string
	result(t, ok, &ids)
	waitRegistered(t, srv, ids["conn_id"])
	assert.True(t, srv.registry.IsOnline("alice"))

	pong := roundTrip(protocol.Envelope{Event: protocol.EventPing, ID: "2"})
	assert.Equal(t, protocol.EventPong, pong.Event)
}
