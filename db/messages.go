package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"msignal/models"
)

// SaveMessage stores m and one receipt per chat member other than the
// sender. Receipts carry each recipient's own delivery progress.
func (db *DB) SaveMessage(m *models.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("save message: %w", models.ErrInvalidInput)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return wrap("save message", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO messages (id, chat_id, sender, content, state, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID, m.ChatID, m.SenderID, string(content), string(m.State), formatTime(m.Timestamp),
	)
	if err != nil {
		return wrap("save message", err)
	}

	_, err = tx.Exec(
		`INSERT INTO message_receipts (message_id, recipient, state)
		SELECT ?, user_id, ? FROM chat_members WHERE chat_id = ? AND user_id != ?`,
		m.ID, string(models.MessageSent), m.ChatID, m.SenderID,
	)
	if err != nil {
		return wrap("save message receipts", err)
	}
	return wrap("save message", tx.Commit())
}

// UpdateMessageState moves a message from one state to another. It fails
// with ErrConflict when the stored state is no longer from.
func (db *DB) UpdateMessageState(id string, from, to models.MessageState) error {
	result, err := db.conn.Exec(
		"UPDATE messages SET state = ? WHERE id = ? AND state = ?",
		string(to), id, string(from),
	)
	if err != nil {
		return wrap("update message state", err)
	}
	return db.checkSwapped("message", result, func() error {
		_, err := db.GetMessage(id)
		return err
	})
}

func (db *DB) GetMessage(id string) (*models.Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, chat_id, sender, content, state, timestamp FROM messages WHERE id = ?", id,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return m, nil
}

// ReceiptState returns recipient's delivery state for a message. A user
// without a receipt is not a recipient and gets ErrNotFound.
func (db *DB) ReceiptState(messageID, recipient string) (models.MessageState, error) {
	var state string
	err := db.conn.QueryRow(
		"SELECT state FROM message_receipts WHERE message_id = ? AND recipient = ?",
		messageID, recipient,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("receipt %s for %s: %w", messageID, recipient, models.ErrNotFound)
	}
	if err != nil {
		return "", wrap("receipt state", err)
	}
	return models.MessageState(state), nil
}

// AdvanceReceipt moves recipient's receipt from one state to another and
// lifts the message's own state to the furthest any recipient has reached.
// It returns that aggregate state. A receipt no longer in from fails with
// ErrConflict.
func (db *DB) AdvanceReceipt(messageID, recipient string, from, to models.MessageState) (models.MessageState, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return "", wrap("advance receipt", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"UPDATE message_receipts SET state = ? WHERE message_id = ? AND recipient = ? AND state = ?",
		string(to), messageID, recipient, string(from),
	)
	if err != nil {
		return "", wrap("advance receipt", err)
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		return "", db.checkSwapped("receipt", result, func() error {
			_, err := db.ReceiptState(messageID, recipient)
			return err
		})
	}

	var current string
	if err := tx.QueryRow("SELECT state FROM messages WHERE id = ?", messageID).Scan(&current); err != nil {
		return "", wrap("advance receipt", err)
	}

	rows, err := tx.Query("SELECT state FROM message_receipts WHERE message_id = ?", messageID)
	if err != nil {
		return "", wrap("advance receipt", err)
	}
	aggregate := models.MessageState(current)
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			rows.Close()
			return "", wrap("advance receipt", err)
		}
		if aggregate.CanAdvance(models.MessageState(state)) {
			aggregate = models.MessageState(state)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", wrap("advance receipt", err)
	}

	if aggregate != models.MessageState(current) {
		if _, err := tx.Exec(
			"UPDATE messages SET state = ? WHERE id = ? AND state = ?",
			string(aggregate), messageID, current,
		); err != nil {
			return "", wrap("advance receipt", err)
		}
	}
	return aggregate, wrap("advance receipt", tx.Commit())
}

// PendingMessages returns messages recipient has not acknowledged yet,
// oldest first. Each message carries the recipient's own receipt state.
func (db *DB) PendingMessages(recipient string, limit int) ([]*models.Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.sender, m.content, r.state, m.timestamp
		FROM message_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE r.recipient = ? AND r.state = ? AND m.state NOT IN (?, ?)
		ORDER BY m.timestamp ASC
		LIMIT ?
	`
	rows, err := db.conn.Query(query, recipient, string(models.MessageSent),
		string(models.MessageSending), string(models.MessageFailed), limit)
	if err != nil {
		return nil, wrap("pending messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("pending messages", err)
		}
		messages = append(messages, m)
	}
	return messages, wrap("pending messages", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*models.Message, error) {
	var m models.Message
	var content, state, timestamp string
	if err := s.Scan(&m.ID, &m.ChatID, &m.SenderID, &content, &state, &timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return nil, err
	}
	m.State = models.MessageState(state)
	m.Timestamp = parseTime(timestamp)
	return &m, nil
}

// checkSwapped turns a zero-row conditional update into ErrNotFound or
// ErrConflict.
func (db *DB) checkSwapped(entity string, result sql.Result, exists func() error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return wrap("update "+entity, err)
	}
	if n > 0 {
		return nil
	}
	if err := exists(); err != nil {
		return err
	}
	return fmt.Errorf("%s state changed concurrently: %w", entity, models.ErrConflict)
}
