package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"msignal/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// timeLayout keeps a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one pooled connection avoids SQLITE_BUSY
	// between concurrent handlers.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			friend TEXT NOT NULL,
			UNIQUE(owner, friend)
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL REFERENCES chats(id),
			user_id TEXT NOT NULL,
			PRIMARY KEY(chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			state TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id TEXT NOT NULL REFERENCES messages(id),
			recipient TEXT NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY(message_id, recipient)
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			pair_key TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id TEXT PRIMARY KEY,
			caller TEXT NOT NULL,
			callee TEXT NOT NULL,
			pair_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			answered_by TEXT NOT NULL DEFAULT '',
			caller_ready INTEGER NOT NULL DEFAULT 0,
			callee_ready INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_owner ON friendships(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_message_receipts_recipient ON message_receipts(recipient, state)`,
		// At most one pending request and one active call per unordered pair.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_pending
			ON friend_requests(pair_key) WHERE state = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_call_sessions_active
			ON call_sessions(pair_key) WHERE state NOT IN ('ended', 'missed')`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate performs auto-migration for new columns
func (db *DB) migrate() error {
	now := formatTime(time.Now())

	for _, column := range []string{"last_online", "last_offline"} {
		if db.columnExists("users", column) {
			continue
		}
		// SQLite doesn't support parameters in ALTER TABLE
		alterQuery := "ALTER TABLE users ADD COLUMN " + column + " TEXT DEFAULT '" + now + "'"
		if _, err := db.conn.Exec(alterQuery); err != nil {
			return err
		}
		if _, err := db.conn.Exec("UPDATE users SET "+column+" = ? WHERE "+column+" IS NULL", now); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// wrap classifies a driver error: unique-constraint violations are
// conflicts, everything else is a persistence failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%s: %w", op, models.ErrConflict)
	}
	return models.Persistence(op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// User methods
func (db *DB) CreateUser(login, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := formatTime(time.Now())
	_, err = db.conn.Exec(
		"INSERT INTO users (login, password, last_online, last_offline) VALUES (?, ?, ?, ?)",
		login, string(hashed), now, now,
	)
	return wrap("create user", err)
}

func (db *DB) AuthenticateUser(login, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRow("SELECT password FROM users WHERE login = ?", login).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrap("authenticate user", err)
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, wrap("user exists", err)
	}
	return count > 0, nil
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(login string, t time.Time) error {
	_, err := db.conn.Exec("UPDATE users SET last_online = ? WHERE login = ?", formatTime(t), login)
	return wrap("update last online", err)
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(login string, t time.Time) error {
	_, err := db.conn.Exec("UPDATE users SET last_offline = ? WHERE login = ?", formatTime(t), login)
	return wrap("update last offline", err)
}

// LastSeen returns the later of the user's last online and last offline times.
func (db *DB) LastSeen(login string) (time.Time, error) {
	var onlineStr, offlineStr string
	err := db.conn.QueryRow(
		"SELECT COALESCE(last_online, ''), COALESCE(last_offline, '') FROM users WHERE login = ?",
		login,
	).Scan(&onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		return time.Time{}, models.ErrNotFound
	}
	if err != nil {
		return time.Time{}, wrap("last seen", err)
	}

	online, offline := parseTime(onlineStr), parseTime(offlineStr)
	if online.After(offline) {
		return online, nil
	}
	return offline, nil
}

// Friendship methods

// AddFriendship stores both directions of the relation.
func (db *DB) AddFriendship(a, b string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return wrap("add friendship", err)
	}
	defer tx.Rollback()

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.Exec("INSERT OR IGNORE INTO friendships (owner, friend) VALUES (?, ?)", pair[0], pair[1]); err != nil {
			return wrap("add friendship", err)
		}
	}
	return wrap("add friendship", tx.Commit())
}

func (db *DB) AreFriends(a, b string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM friendships WHERE owner = ? AND friend = ?", a, b).Scan(&count)
	if err != nil {
		return false, wrap("are friends", err)
	}
	return count > 0, nil
}

func (db *DB) Friends(owner string) ([]string, error) {
	return db.strings("friends", "SELECT friend FROM friendships WHERE owner = ? ORDER BY friend", owner)
}

// Chat methods

func (db *DB) CreateChat(id string, members []string) (*models.Chat, error) {
	chat := &models.Chat{ID: id, Members: members, CreatedAt: time.Now().UTC()}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, wrap("create chat", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT INTO chats (id, created_at) VALUES (?, ?)", id, formatTime(chat.CreatedAt)); err != nil {
		return nil, wrap("create chat", err)
	}
	for _, member := range members {
		if _, err := tx.Exec("INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)", id, member); err != nil {
			return nil, wrap("create chat", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("create chat", err)
	}
	return chat, nil
}

// IsParticipant is the chat-membership oracle.
func (db *DB) IsParticipant(userID, chatID string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?", chatID, userID,
	).Scan(&count)
	if err != nil {
		return false, wrap("is participant", err)
	}
	return count > 0, nil
}

func (db *DB) ChatMembers(chatID string) ([]string, error) {
	return db.strings("chat members", "SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id", chatID)
}

// Peers returns every user sharing a chat or a friendship with userID.
func (db *DB) Peers(userID string) ([]string, error) {
	query := `
		SELECT friend FROM friendships WHERE owner = ?
		UNION
		SELECT m.user_id FROM chat_members m
		JOIN chat_members me ON me.chat_id = m.chat_id
		WHERE me.user_id = ? AND m.user_id != ?
	`
	return db.strings("peers", query, userID, userID, userID)
}

func (db *DB) strings(op, query string, args ...any) ([]string, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, s)
	}
	return out, wrap(op, rows.Err())
}
