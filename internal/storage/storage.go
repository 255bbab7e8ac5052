package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"MuseChat/internal/session"
	"MuseChat/internal/verification"
)

var ErrNotFound = errors.New("transcript not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	user_address TEXT NOT NULL,
	offline INTEGER NOT NULL DEFAULT 0,
	start_time DATETIME,
	archived_at DATETIME
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	slot INTEGER NOT NULL,
	message_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	commitment_hash TEXT,
	tee_verified INTEGER NOT NULL DEFAULT 0,
	timestamp DATETIME,
	PRIMARY KEY (session_id, slot),
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);

CREATE TABLE IF NOT EXISTS rated_messages (
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	rated_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, message_id)
);`

// DB is the sqlite store for transcripts and the durable rating guard
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// IsRated reports whether a message was rated
func (d *DB) IsRated(ctx context.Context, sessionID, messageID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rated_messages WHERE session_id = ? AND message_id = ?",
		sessionID, messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query rated messages: %w", err)
	}
	return n > 0, nil
}

// MarkRated records a rated message. Marking twice is a no-op.
func (d *DB) MarkRated(ctx context.Context, sessionID, messageID string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rated_messages (session_id, message_id, rated_at) VALUES (?, ?, ?)",
		sessionID, messageID, d.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark message rated: %w", err)
	}
	return nil
}

// SaveTranscript archives a session and its messages, replacing any
// earlier archive of the same session.
func (d *DB) SaveTranscript(ctx context.Context, sess session.Session) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, agent_id, user_address, offline, start_time, archived_at) VALUES (?, ?, ?, ?, ?, ?)",
		sess.ID, sess.AgentID, sess.UserAddress, sess.Offline, sess.StartTime, d.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	for slot, msg := range sess.Messages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, slot, message_id, role, content, status, commitment_hash, tee_verified, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, slot, msg.ID(), msg.Role, msg.Content, msg.Status, msg.CommitmentHash(), msg.TEEVerified(), msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message %d: %w", slot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TranscriptMessage is an archived message
type TranscriptMessage struct {
	ID             string
	Role           session.Role
	Content        string
	Status         verification.Status
	CommitmentHash string
	TEEVerified    bool
	Timestamp      time.Time
}

// Transcript is an archived session
type Transcript struct {
	SessionID   string
	AgentID     string
	UserAddress string
	Offline     bool
	StartTime   time.Time
	Messages    []TranscriptMessage
}

// LoadTranscript reads an archived session
func (d *DB) LoadTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	t := &Transcript{SessionID: sessionID}
	err := d.db.QueryRowContext(ctx,
		"SELECT agent_id, user_address, offline, start_time FROM sessions WHERE id = ?", sessionID,
	).Scan(&t.AgentID, &t.UserAddress, &t.Offline, &t.StartTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT message_id, role, content, status, commitment_hash, tee_verified, timestamp
		FROM messages WHERE session_id = ? ORDER BY slot`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m TranscriptMessage
		var hash sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Status, &hash, &m.TEEVerified, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CommitmentHash = hash.String
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return t, nil
}
