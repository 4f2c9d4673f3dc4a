package db

import (
	"database/sql"
	"fmt"

	"msignal/models"
)

const callColumns = "id, caller, callee, kind, state, answered_by, caller_ready, callee_ready, started_at, ended_at"

// SaveCallSession inserts a new session. A second active session for the
// same unordered pair is rejected by the partial unique index.
func (db *DB) SaveCallSession(c *models.CallSession) error {
	_, err := db.conn.Exec(
		"INSERT INTO call_sessions ("+callColumns+", pair_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.ID, c.CallerID, c.CalleeID, string(c.Kind), string(c.State), c.AnsweredBy,
		c.CallerReady, c.CalleeReady, formatTime(c.StartedAt), nullTime(c),
		models.PairKey(c.CallerID, c.CalleeID),
	)
	return wrap("save call session", err)
}

// UpdateCallState writes c's mutable fields provided the stored state is
// still from. The stored state is the arbiter between competing transitions.
func (db *DB) UpdateCallState(c *models.CallSession, from models.CallState) error {
	result, err := db.conn.Exec(
		`UPDATE call_sessions
		SET state = ?, answered_by = ?, caller_ready = ?, callee_ready = ?, ended_at = ?
		WHERE id = ? AND state = ?`,
		string(c.State), c.AnsweredBy, c.CallerReady, c.CalleeReady, nullTime(c),
		c.ID, string(from),
	)
	if err != nil {
		return wrap("update call state", err)
	}
	return db.checkSwapped("call session", result, func() error {
		_, err := db.GetCallSession(c.ID)
		return err
	})
}

func (db *DB) GetCallSession(id string) (*models.CallSession, error) {
	row := db.conn.QueryRow("SELECT "+callColumns+" FROM call_sessions WHERE id = ?", id)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get call session", err)
	}
	return c, nil
}

// ActiveCallForPair returns the non-terminal session between a and b, or nil.
func (db *DB) ActiveCallForPair(a, b string) (*models.CallSession, error) {
	row := db.conn.QueryRow(
		"SELECT "+callColumns+" FROM call_sessions WHERE pair_key = ? AND state NOT IN (?, ?)",
		models.PairKey(a, b), string(models.CallEnded), string(models.CallMissed),
	)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("active call", err)
	}
	return c, nil
}

// RingingCallsFor returns sessions still waiting to reach callee.
func (db *DB) RingingCallsFor(callee string) ([]*models.CallSession, error) {
	rows, err := db.conn.Query(
		"SELECT "+callColumns+" FROM call_sessions WHERE callee = ? AND state = ? ORDER BY started_at",
		callee, string(models.CallCalling),
	)
	if err != nil {
		return nil, wrap("ringing calls", err)
	}
	defer rows.Close()

	var calls []*models.CallSession
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, wrap("ringing calls", err)
		}
		calls = append(calls, c)
	}
	return calls, wrap("ringing calls", rows.Err())
}

func nullTime(c *models.CallSession) any {
	if c.EndedAt == nil {
		return nil
	}
	return formatTime(*c.EndedAt)
}

func scanCall(s scanner) (*models.CallSession, error) {
	var c models.CallSession
	var kind, state, started string
	var ended sql.NullString
	if err := s.Scan(&c.ID, &c.CallerID, &c.CalleeID, &kind, &state, &c.AnsweredBy,
		&c.CallerReady, &c.CalleeReady, &started, &ended); err != nil {
		return nil, err
	}
	c.Kind = models.CallKind(kind)
	c.State = models.CallState(state)
	c.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		c.EndedAt = &t
	}
	return &c, nil
}
