package db

import (
	"database/sql"
	"fmt"

	"msignal/models"
)

// SaveFriendRequest inserts a new request. A second pending request for the
// same unordered pair is rejected by the partial unique index.
func (db *DB) SaveFriendRequest(r *models.FriendRequest) error {
	_, err := db.conn.Exec(
		"INSERT INTO friend_requests (id, sender, receiver, pair_key, state, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.ID, r.SenderID, r.ReceiverID, models.PairKey(r.SenderID, r.ReceiverID), string(r.State), formatTime(r.CreatedAt),
	)
	return wrap("save friend request", err)
}

func (db *DB) UpdateFriendRequestState(id string, from, to models.FriendRequestState) error {
	result, err := db.conn.Exec(
		"UPDATE friend_requests SET state = ? WHERE id = ? AND state = ?",
		string(to), id, string(from),
	)
	if err != nil {
		return wrap("update friend request state", err)
	}
	return db.checkSwapped("friend request", result, func() error {
		_, err := db.GetFriendRequest(id)
		return err
	})
}

// AcceptFriendRequest moves a pending request to accepted and records the
// friendship in the same transaction.
func (db *DB) AcceptFriendRequest(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return wrap("accept friend request", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"UPDATE friend_requests SET state = ? WHERE id = ? AND state = ?",
		string(models.RequestAccepted), id, string(models.RequestPending),
	)
	if err != nil {
		return wrap("accept friend request", err)
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		return db.checkSwapped("friend request", result, func() error {
			_, err := db.GetFriendRequest(id)
			return err
		})
	}

	var sender, receiver string
	if err := tx.QueryRow("SELECT sender, receiver FROM friend_requests WHERE id = ?", id).Scan(&sender, &receiver); err != nil {
		return wrap("accept friend request", err)
	}
	for _, pair := range [][2]string{{sender, receiver}, {receiver, sender}} {
		if _, err := tx.Exec("INSERT OR IGNORE INTO friendships (owner, friend) VALUES (?, ?)", pair[0], pair[1]); err != nil {
			return wrap("accept friend request", err)
		}
	}
	return wrap("accept friend request", tx.Commit())
}

func (db *DB) GetFriendRequest(id string) (*models.FriendRequest, error) {
	row := db.conn.QueryRow(
		"SELECT id, sender, receiver, state, created_at FROM friend_requests WHERE id = ?", id,
	)
	r, err := scanFriendRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("friend request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get friend request", err)
	}
	return r, nil
}

// PendingRequestForPair returns the pending request between a and b in
// either direction, or nil.
func (db *DB) PendingRequestForPair(a, b string) (*models.FriendRequest, error) {
	row := db.conn.QueryRow(
		"SELECT id, sender, receiver, state, created_at FROM friend_requests WHERE pair_key = ? AND state = ?",
		models.PairKey(a, b), string(models.RequestPending),
	)
	r, err := scanFriendRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("pending friend request", err)
	}
	return r, nil
}

// PendingRequestsFor returns requests still waiting on receiver, oldest
// first.
func (db *DB) PendingRequestsFor(receiver string) ([]*models.FriendRequest, error) {
	rows, err := db.conn.Query(
		"SELECT id, sender, receiver, state, created_at FROM friend_requests WHERE receiver = ? AND state = ? ORDER BY created_at",
		receiver, string(models.RequestPending),
	)
	if err != nil {
		return nil, wrap("pending friend requests", err)
	}
	defer rows.Close()

	var requests []*models.FriendRequest
	for rows.Next() {
		r, err := scanFriendRequest(rows)
		if err != nil {
			return nil, wrap("pending friend requests", err)
		}
		requests = append(requests, r)
	}
	return requests, wrap("pending friend requests", rows.Err())
}

// CountPendingForPair reports the pending requests between a and b in
// either direction. The pending index keeps it at zero or one.
func (db *DB) CountPendingForPair(a, b string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM friend_requests WHERE pair_key = ? AND state = ?",
		models.PairKey(a, b), string(models.RequestPending),
	).Scan(&count)
	return count, wrap("count pending friend requests", err)
}

func scanFriendRequest(s scanner) (*models.FriendRequest, error) {
	var r models.FriendRequest
	var state, created string
	if err := s.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &state, &created); err != nil {
		return nil, err
	}
	r.State = models.FriendRequestState(state)
	r.CreatedAt = parseTime(created)
	return &r, nil
}
