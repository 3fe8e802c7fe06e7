// Package store provides PostgreSQL-backed durable storage for direct
// messages and per-user activity timestamps. Messages are append-only except
// for the delivered flag, which transitions false -> true exactly once.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrPersistence wraps every database failure surfaced by this package so
// callers can map any store outage to a single error class.
var ErrPersistence = errors.New("store: persistence failure")

// Message is one durable direct message. All fields are immutable after
// Append except Delivered.
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Content    string
	Delivered  bool
	CreatedAt  time.Time
}

// Store manages messages and user activity in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using a lib/pq DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Used by tests and by callers
// that manage the pool themselves.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists a new message with delivered=false and returns the stored
// row with its assigned ID and creation time. IDs are monotonically assigned
// by the messages sequence, so (created_at, id) defines a total order.
func (s *Store) Append(ctx context.Context, senderID, receiverID int64, content string) (Message, error) {
	const query = `
		INSERT INTO messages (sender_id, receiver_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	m := Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	err := s.db.QueryRowContext(ctx, query, senderID, receiverID, content).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("%w: append: %v", ErrPersistence, err)
	}
	return m, nil
}

// MarkDelivered flips the delivered flag for one message. The update is
// idempotent and monotone: an already-delivered message is left untouched,
// and the flag never reverts. Racing with the replay-triggered bulk flip is
// safe because both writers only ever set true.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	const query = `UPDATE messages SET delivered = TRUE WHERE id = $1 AND NOT delivered`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: mark delivered id=%d: %v", ErrPersistence, id, err)
	}
	return nil
}

// MarkConversationDelivered flips delivered for every still-undelivered
// message sent by senderID to receiverID, and returns how many rows changed.
// Called after a history replay has pushed those messages to the receiver.
func (s *Store) MarkConversationDelivered(ctx context.Context, receiverID, senderID int64) (int64, error) {
	const query = `
		UPDATE messages SET delivered = TRUE
		WHERE receiver_id = $1 AND sender_id = $2 AND NOT delivered`

	res, err := s.db.ExecContext(ctx, query, receiverID, senderID)
	if err != nil {
		return 0, fmt.Errorf("%w: mark conversation delivered: %v", ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrPersistence, err)
	}
	return n, nil
}

// History returns the full two-way conversation between userA and userB,
// ordered by created_at ascending with ties broken by id. Repeated calls with
// no new messages return an identical sequence.
func (s *Store) History(ctx context.Context, userA, userB int64) ([]Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, delivered, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("%w: history query: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: history scan: %v", ErrPersistence, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history rows: %v", ErrPersistence, err)
	}
	return messages, nil
}

// Get returns one message by ID, or sql.ErrNoRows wrapped as a persistence
// error when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, delivered, created_at
		FROM messages WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Delivered, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("%w: get id=%d: %v", ErrPersistence, id, err)
	}
	return m, nil
}

// TouchLastActivity advances the user's last_activity timestamp. The guard
// clause makes the write monotonic: an out-of-order touch carrying an older
// timestamp changes nothing. Touching an unknown user is a no-op.
func (s *Store) TouchLastActivity(ctx context.Context, userID int64, at time.Time) error {
	const query = `
		UPDATE users SET last_activity = $2
		WHERE id = $1 AND (last_activity IS NULL OR last_activity < $2)`

	if _, err := s.db.ExecContext(ctx, query, userID, at); err != nil {
		return fmt.Errorf("%w: touch last activity user=%d: %v", ErrPersistence, userID, err)
	}
	return nil
}

// LastActivity returns the user's last recorded activity. A user with no
// recorded activity (or an unknown user) returns the zero time and no error.
func (s *Store) LastActivity(ctx context.Context, userID int64) (time.Time, error) {
	const query = `SELECT last_activity FROM users WHERE id = $1`

	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: last activity user=%d: %v", ErrPersistence, userID, err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}
