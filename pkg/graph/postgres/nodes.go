package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// MergeNode implements [graph.Store]. The node is upserted by its
// (label, merge key) identity; on conflict the existing node's properties are
// merged with the new ones (new keys win, absent keys survive) and the
// embedding is replaced when one is provided.
func (s *Store) MergeNode(ctx context.Context, n graph.Node, embedding []float32) (string, bool, error) {
	propsJSON, err := json.Marshal(n.Props())
	if err != nil {
		return "", false, fmt.Errorf("graph store: marshal props: %w", err)
	}

	const q = `
		INSERT INTO nodes (id, label, merge_key, props, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (label, merge_key) DO UPDATE SET
		    props      = nodes.props || EXCLUDED.props,
		    embedding  = COALESCE(EXCLUDED.embedding, nodes.embedding),
		    updated_at = now()
		RETURNING id`

	candidate := uuid.NewString()
	var id string
	err = s.pool.QueryRow(ctx, q,
		candidate,
		string(n.Label()),
		graph.MergeKeyString(n.MergeKey()),
		propsJSON,
		nullableVector(embedding),
	).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("graph store: merge node: %w", err)
	}

	// The candidate ID survives only when the INSERT branch ran.
	return id, id == candidate, nil
}

// UpdateNode implements [graph.Store]. It merges props into the node's
// property map (keys present in props overwrite, absent keys are kept) and
// replaces the stored embedding when one is provided.
//
// Updates that rewrite a merge-key property (a fact's content, a preference's
// instruction, …) also rewrite the node's identity, so a later merge under
// the old key creates a fresh node instead of clobbering this one. An update
// that would collide with another node's identity fails with the constraint
// error.
func (s *Store) UpdateNode(ctx context.Context, id string, props map[string]any, embedding []float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: update node: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		label     string
		propsJSON []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT label, props FROM nodes WHERE id = $1 FOR UPDATE`, id,
	).Scan(&label, &propsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("graph store: update node: node %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("graph store: update node: %w", err)
	}

	var merged map[string]any
	if err := unmarshalProps(propsJSON, &merged); err != nil {
		return fmt.Errorf("graph store: update node: %w", err)
	}
	for k, v := range props {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("graph store: marshal update props: %w", err)
	}

	const q = `
		UPDATE nodes
		SET    props      = $2::jsonb,
		       merge_key  = COALESCE($3, merge_key),
		       embedding  = COALESCE($4, embedding),
		       updated_at = now()
		WHERE  id = $1`

	var mergeKey any
	if key := graph.MergeKeyFromProps(graph.Label(label), merged); key != nil {
		mergeKey = graph.MergeKeyString(key)
	}

	if _, err := tx.Exec(ctx, q, id, mergedJSON, mergeKey, nullableVector(embedding)); err != nil {
		return fmt.Errorf("graph store: update node: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: update node: commit: %w", err)
	}
	return nil
}

// GetNode implements [graph.Store]. Returns (nil, nil) when the node does
// not exist.
func (s *Store) GetNode(ctx context.Context, id string) (*graph.StoredNode, error) {
	const q = `
		SELECT id, label, props, created_at, updated_at
		FROM   nodes
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("graph store: get node: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: get node: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

// DeleteNode implements [graph.Store]. Attached edges are removed via
// ON DELETE CASCADE, so this is the detach-delete of the graph model.
func (s *Store) DeleteNode(ctx context.Context, id string) (bool, error) {
	const q = `DELETE FROM nodes WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("graph store: delete node: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindNodes implements [graph.Store]. match is applied as JSONB containment
// (props @> match), so list-valued match entries test membership.
func (s *Store) FindNodes(ctx context.Context, label graph.Label, match map[string]any, limit int) ([]graph.StoredNode, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"label = " + next(string(label))}
	if len(match) > 0 {
		matchJSON, err := json.Marshal(match)
		if err != nil {
			return nil, fmt.Errorf("graph store: marshal match: %w", err)
		}
		conditions = append(conditions, "props @> "+next(string(matchJSON))+"::jsonb")
	}

	q := "SELECT id, label, props, created_at, updated_at\nFROM   nodes\nWHERE  " +
		strings.Join(conditions, "\n  AND ") + "\nORDER  BY created_at"
	if limit > 0 {
		q += "\nLIMIT " + next(limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: find nodes: %w", err)
	}
	result, err := collectNodes(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: find nodes: %w", err)
	}
	return result, nil
}

// QueryByVector implements [graph.Store]. Results are ordered by ascending
// cosine distance and hits scoring below [graph.MinSimilarity] are discarded.
func (s *Store) QueryByVector(ctx context.Context, label graph.Label, embedding []float32, limit int, match map[string]any) ([]graph.NodeHit, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	vec := next(pgvector.NewVector(embedding))
	conditions := []string{
		"label = " + next(string(label)),
		"embedding IS NOT NULL",
		"(embedding <=> " + vec + ") <= " + next(1-graph.MinSimilarity),
	}
	if len(match) > 0 {
		matchJSON, err := json.Marshal(match)
		if err != nil {
			return nil, fmt.Errorf("graph store: marshal match: %w", err)
		}
		conditions = append(conditions, "props @> "+next(string(matchJSON))+"::jsonb")
	}

	q := "SELECT id, label, props, created_at, updated_at,\n" +
		"       1 - (embedding <=> " + vec + ") AS score\n" +
		"FROM   nodes\nWHERE  " + strings.Join(conditions, "\n  AND ") +
		"\nORDER  BY embedding <=> " + vec + ", id"
	if limit > 0 {
		q += "\nLIMIT " + next(limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: query by vector: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.NodeHit, error) {
		var (
			h         graph.NodeHit
			propsJSON []byte
		)
		if err := row.Scan(&h.Node.ID, &h.Node.Label, &propsJSON, &h.Node.CreatedAt, &h.Node.UpdatedAt, &h.Score); err != nil {
			return graph.NodeHit{}, err
		}
		if err := unmarshalProps(propsJSON, &h.Node.Props); err != nil {
			return graph.NodeHit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: query by vector: %w", err)
	}
	if hits == nil {
		hits = []graph.NodeHit{}
	}
	return hits, nil
}

// nullableVector converts an embedding to a pgx parameter: a vector value, or
// NULL when the embedding is absent.
func nullableVector(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// collectNodes scans pgx rows into a slice of StoredNode values.
func collectNodes(rows pgx.Rows) ([]graph.StoredNode, error) {
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.StoredNode, error) {
		var (
			n         graph.StoredNode
			propsJSON []byte
		)
		if err := row.Scan(&n.ID, &n.Label, &propsJSON, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return graph.StoredNode{}, err
		}
		if err := unmarshalProps(propsJSON, &n.Props); err != nil {
			return graph.StoredNode{}, err
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []graph.StoredNode{}
	}
	return nodes, nil
}

func unmarshalProps(propsJSON []byte, dst *map[string]any) error {
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, dst); err != nil {
			return fmt.Errorf("unmarshal props: %w", err)
		}
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}
