// Package registry maps user identities to their live transport
// connections. A user may hold many connections (tabs, devices); the
// registry is the only place that knows which ones are live.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"msignal/models"
	"msignal/protocol"

	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("connection closed")

// Conn is a live, authenticated transport session.
type Conn interface {
	ID() string
	UserID() string
	// Send queues env for delivery. It must not block on the network.
	Send(env protocol.Envelope) error
}

// ChangeHook observes a user's transition between online and offline.
type ChangeHook func(userID string, online bool)

type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn
	byID   map[string]Conn

	hookMu sync.RWMutex
	hooks  []ChangeHook
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		byID:   make(map[string]Conn),
	}
}

// OnChange registers a hook fired after every 0->1 and 1->0 transition of a
// user's connection count. Hooks run outside the registry lock.
func (r *Registry) OnChange(fn ChangeHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hookMu.Unlock()
}

// Register adds c under its user and reports whether the user just came
// online.
func (r *Registry) Register(c Conn) (cameOnline bool) {
	userID := c.UserID()

	r.mu.Lock()
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	conns[c.ID()] = c
	r.byID[c.ID()] = c
	cameOnline = len(conns) == 1
	total := len(r.byID)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Register",
		"user_id":     userID,
		"conn_id":     c.ID(),
		"came_online": cameOnline,
		"total_conns": total,
	}).Info("Connection registered")

	if cameOnline {
		r.fire(userID, true)
	}
	return cameOnline
}

// Unregister removes a connection and reports whether its user went fully
// offline. Unknown ids are a no-op.
func (r *Registry) Unregister(connID string) (userID string, wentOffline bool) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	userID = c.UserID()
	delete(r.byID, connID)
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
			wentOffline = true
		}
	}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Unregister",
		"user_id":      userID,
		"conn_id":      connID,
		"went_offline": wentOffline,
	}).Info("Connection unregistered")

	if wentOffline {
		r.fire(userID, false)
	}
	return userID, wentOffline
}

func (r *Registry) fire(userID string, online bool) {
	r.hookMu.RLock()
	hooks := make([]ChangeHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(userID, online)
	}
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Conn(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Stats returns the number of online users and live connections.
func (r *Registry) Stats() (users, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser), len(r.byID)
}

// OnlineUsers returns the ids of every online user.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// SendTo delivers env to a single connection.
func (r *Registry) SendTo(connID string, env protocol.Envelope) error {
	c, ok := r.Conn(connID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, models.ErrNoLiveTarget)
	}
	return c.Send(env)
}

// Broadcast fans env out to every live connection of userID except the
// listed connection ids. Sends run concurrently; a failing target is logged
// and skipped. It returns the number of connections that accepted env and
// ErrNoLiveTarget when none did.
func (r *Registry) Broadcast(userID string, env protocol.Envelope, except ...string) (int, error) {
	var targets []Conn
	for _, c := range r.ConnectionsFor(userID) {
		if !contains(except, c.ID()) {
			targets = append(targets, c)
		}
	}
	return SendAll(targets, env)
}

// SendAll delivers env to each of conns concurrently.
func SendAll(conns []Conn, env protocol.Envelope) (int, error) {
	if len(conns) == 0 {
		return 0, models.ErrNoLiveTarget
	}

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			if err := c.Send(env); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "SendAll",
					"conn_id":  c.ID(),
					"user_id":  c.UserID(),
					"event":    env.Event,
					"error":    err.Error(),
				}).Warn("Dropping fan-out target")
				return
			}
			delivered.Add(1)
		}(c)
	}
	wg.Wait()

	n := int(delivered.Load())
	if n == 0 {
		return 0, fmt.Errorf("all %d targets failed: %w", len(conns), models.ErrNoLiveTarget)
	}
	return n, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
