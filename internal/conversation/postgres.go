package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema holds the DDL for the conversations table. Execute it via Migrate
// or your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    agent      TEXT NOT NULL DEFAULT '',
    model      TEXT NOT NULL DEFAULT '',
    messages   JSONB NOT NULL DEFAULT '[]'::jsonb,
    summary    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS conversations_updated_at_idx
    ON conversations (updated_at DESC);
`

// DB is the subset of pgx used by PostgresStore. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the conversations table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, agent, model, messages, summary, created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	var c Conversation
	var messages []byte
	err := row.Scan(&c.ID, &c.Title, &c.Agent, &c.Model, &messages,
		&c.Summary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get %q: %w", id, err)
	}
	c.Messages = json.RawMessage(messages)
	return &c, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, agent, model, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Metadata, error) {
		var m Metadata
		err := row.Scan(&m.ID, &m.Title, &m.Agent, &m.Model, &m.CreatedAt, &m.UpdatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Save(ctx context.Context, c *Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	messages := []byte(c.Messages)
	if messages == nil {
		messages = []byte("[]")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, title, agent, model, messages, summary)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			agent = EXCLUDED.agent,
			model = EXCLUDED.model,
			messages = EXCLUDED.messages,
			summary = EXCLUDED.summary,
			updated_at = now()`,
		c.ID, c.Title, c.Agent, c.Model, messages, c.Summary)
	if err != nil {
		return fmt.Errorf("conversation: save %q: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("conversation: delete %q: %w", id, err)
	}
	return nil
}
