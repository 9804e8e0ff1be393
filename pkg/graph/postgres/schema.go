// Package postgres provides a PostgreSQL-backed implementation of the
// rtx-chat knowledge graph ([graph.Store]).
//
// Nodes of every label share a single table; identity is enforced by a
// UNIQUE (label, merge_key) constraint so that merges behave like Cypher
// MERGE. Each label gets its own partial HNSW index over the embedding
// column, which keeps per-label vector queries on the index even though the
// table is shared. Edges live in a second table with ON DELETE CASCADE, so
// deleting a node detaches it automatically.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	id, created, err := store.MergeNode(ctx, graph.Person{Name: "Alek"}, emb)
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — nodes + edges
// ─────────────────────────────────────────────────────────────────────────────

// ddlNodes returns the node-table DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlNodes(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS nodes (
    id         TEXT         PRIMARY KEY,
    label      TEXT         NOT NULL,
    merge_key  TEXT         NOT NULL,
    props      JSONB        NOT NULL DEFAULT '{}',
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (label, merge_key)
);

CREATE INDEX IF NOT EXISTS idx_nodes_label ON nodes (label);

CREATE INDEX IF NOT EXISTS idx_nodes_props
    ON nodes USING GIN (props jsonb_path_ops);
`, embeddingDimensions)
}

const ddlEdges = `
CREATE TABLE IF NOT EXISTS edges (
    from_id    TEXT         NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
    rel_type   TEXT         NOT NULL,
    to_id      TEXT         NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
    props      JSONB        NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (from_id, rel_type, to_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges (from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to   ON edges (to_id);
`

// ddlVectorIndexes returns one partial HNSW index per node label. Partial
// indexes keep each label's vectors in a separate index structure, the
// per-label equivalent of Neo4j's named vector indexes.
func ddlVectorIndexes() string {
	labels := append(graph.MemoryLabels(), graph.LabelUser, graph.LabelKnowledgeChunk)
	var b strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&b,
			"CREATE INDEX IF NOT EXISTS idx_nodes_embedding_%s\n"+
				"    ON nodes USING hnsw (embedding vector_cosine_ops)\n"+
				"    WHERE label = '%s';\n",
			strings.ToLower(string(label)), label)
	}
	return b.String()
}

// Migrate creates or ensures all required tables, indexes and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 768 for embeddinggemma, 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlNodes(embeddingDimensions),
		ddlEdges,
		ddlVectorIndexes(),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("graph migrate: %w", err)
		}
	}
	return nil
}
