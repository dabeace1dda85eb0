package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/converge/chatsync/internal/protocol"
)

// PostgresStore persists messages in the messages table. Rows are keyed by a
// monotonically increasing seq column so Recent reflects server arrival
// order, not client timestamps.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL with the given DSN and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies pending schema migrations from the given directory.
func (s *PostgresStore) Migrate(migrationsDir string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// Append inserts the message.
func (s *PostgresStore) Append(ctx context.Context, msg protocol.Message) error {
	const query = `
		INSERT INTO messages (id, conversation_id, user_id, content, kind, status, nonce, edit_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.UserID,
		msg.Content,
		msg.Kind,
		msg.Status,
		msg.Nonce,
		msg.EditOf,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest messages, oldest first.
func (s *PostgresStore) Recent(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	const query = `
		SELECT id, conversation_id, user_id, content, kind, status, nonce, edit_of, created_at
		FROM (
			SELECT id, conversation_id, user_id, content, kind, status, nonce, edit_of, created_at, seq
			FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) newest
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: select recent: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Content, &m.Kind, &m.Status, &m.Nonce, &m.EditOf, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return msgs, nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
