// Package timers runs deferred actions keyed by entity identifier.
// Scheduling a key again or cancelling it guarantees the earlier action
// never starts.
package timers

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type entry struct {
	timer *time.Timer
}

type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
}

func New() *Scheduler {
	return &Scheduler{pending: make(map[string]*entry)}
}

// Schedule runs fn after d unless key is cancelled or rescheduled first.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if old, ok := s.pending[key]; ok {
		old.timer.Stop()
	}

	e := &entry{}
	e.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.pending[key]
		if !ok || current != e {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Schedule",
			"key":      key,
		}).Debug("Deferred action fired")
		fn()
	})
	s.pending[key] = e
}

// Cancel drops the action for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels everything and refuses new work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.closed = true
}
