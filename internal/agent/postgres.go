package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema holds the DDL for the agent definition table. Execute it via
// Migrate or your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
    name                  TEXT PRIMARY KEY,
    prompt                TEXT NOT NULL,
    enabled_tools         JSONB,
    max_memories          INTEGER NOT NULL DEFAULT 5,
    max_tool_runs         INTEGER NOT NULL DEFAULT 10,
    min_similarity        DOUBLE PRECISION NOT NULL DEFAULT 0,
    context_compression   BOOLEAN NOT NULL DEFAULT FALSE,
    context_max_tokens    INTEGER NOT NULL DEFAULT 0,
    context_window_tokens INTEGER NOT NULL DEFAULT 0,
    is_template           BOOLEAN NOT NULL DEFAULT FALSE,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of pgx used by PostgresStore. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists agent definitions in PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the agent_definitions table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agent: migrate: %w", err)
	}
	return nil
}

const definitionColumns = `name, prompt, enabled_tools, max_memories, max_tool_runs,
	min_similarity, context_compression, context_max_tokens, context_window_tokens, is_template`

func (s *PostgresStore) Get(ctx context.Context, name string) (*Definition, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions WHERE name = $1`, name)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent: get %q: %w", name, err)
	}
	return def, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	defer rows.Close()

	var out []*Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("agent: list: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Save(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	var toolsJSON []byte
	if def.EnabledTools != nil {
		var err error
		toolsJSON, err = json.Marshal(def.EnabledTools)
		if err != nil {
			return fmt.Errorf("agent: save %q: marshal enabled_tools: %w", def.Name, err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			prompt = EXCLUDED.prompt,
			enabled_tools = EXCLUDED.enabled_tools,
			max_memories = EXCLUDED.max_memories,
			max_tool_runs = EXCLUDED.max_tool_runs,
			min_similarity = EXCLUDED.min_similarity,
			context_compression = EXCLUDED.context_compression,
			context_max_tokens = EXCLUDED.context_max_tokens,
			context_window_tokens = EXCLUDED.context_window_tokens,
			is_template = EXCLUDED.is_template,
			updated_at = now()`,
		def.Name, def.Prompt, toolsJSON, def.MaxMemories, def.MaxToolRuns,
		def.MinSimilarity, def.ContextCompression, def.ContextMaxTokens,
		def.ContextWindowTokens, def.IsTemplate)
	if err != nil {
		return fmt.Errorf("agent: save %q: %w", def.Name, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM agent_definitions WHERE name = $1`, name); err != nil {
		return fmt.Errorf("agent: delete %q: %w", name, err)
	}
	return nil
}

func scanDefinition(row pgx.Row) (*Definition, error) {
	var def Definition
	var toolsJSON []byte
	if err := row.Scan(&def.Name, &def.Prompt, &toolsJSON, &def.MaxMemories,
		&def.MaxToolRuns, &def.MinSimilarity, &def.ContextCompression,
		&def.ContextMaxTokens, &def.ContextWindowTokens, &def.IsTemplate); err != nil {
		return nil, err
	}
	if toolsJSON != nil {
		if err := json.Unmarshal(toolsJSON, &def.EnabledTools); err != nil {
			return nil, fmt.Errorf("unmarshal enabled_tools: %w", err)
		}
	}
	return &def, nil
}
