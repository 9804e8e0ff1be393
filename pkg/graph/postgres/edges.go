package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// UpsertEdge implements [graph.Store]. The edge type is sanitised before it
// is stored. If the edge (FromID, Type, ToID) already exists its properties
// are merged with e.Props, new keys winning.
func (s *Store) UpsertEdge(ctx context.Context, e graph.Edge) error {
	e.Type = graph.SanitizeRelType(e.Type)
	propsJSON, err := json.Marshal(orEmpty(e.Props))
	if err != nil {
		return fmt.Errorf("graph store: marshal edge props: %w", err)
	}

	const q = `
		INSERT INTO edges (from_id, rel_type, to_id, props, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (from_id, rel_type, to_id) DO UPDATE SET
		    props = edges.props || EXCLUDED.props`

	if _, err := s.pool.Exec(ctx, q, e.FromID, e.Type, e.ToID, propsJSON); err != nil {
		return fmt.Errorf("graph store: upsert edge: %w", err)
	}
	return nil
}

// Linked implements [graph.Store]. It returns the one-hop neighbourhood of
// nodeID in both directions, oldest edges first.
func (s *Store) Linked(ctx context.Context, nodeID string, limit int) ([]graph.LinkedNode, error) {
	q := `
		SELECT n.id, n.label, n.props, n.created_at, n.updated_at,
		       e.rel_type, e.props, (e.from_id = $1) AS outgoing
		FROM   edges e
		JOIN   nodes n
		  ON   n.id = CASE WHEN e.from_id = $1 THEN e.to_id ELSE e.from_id END
		WHERE  e.from_id = $1 OR e.to_id = $1
		ORDER  BY e.created_at`

	args := []any{nodeID}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: linked: %w", err)
	}

	linked, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.LinkedNode, error) {
		var (
			l         graph.LinkedNode
			propsJSON []byte
			edgeJSON  []byte
		)
		if err := row.Scan(
			&l.Node.ID, &l.Node.Label, &propsJSON, &l.Node.CreatedAt, &l.Node.UpdatedAt,
			&l.RelType, &edgeJSON, &l.Outgoing,
		); err != nil {
			return graph.LinkedNode{}, err
		}
		if err := unmarshalProps(propsJSON, &l.Node.Props); err != nil {
			return graph.LinkedNode{}, err
		}
		if err := unmarshalProps(edgeJSON, &l.Props); err != nil {
			return graph.LinkedNode{}, err
		}
		return l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: linked: %w", err)
	}
	if linked == nil {
		linked = []graph.LinkedNode{}
	}
	return linked, nil
}

// ConnectedPersons implements [graph.Store]. For each requested node ID it
// collects the Person nodes one edge away, in either direction.
func (s *Store) ConnectedPersons(ctx context.Context, nodeIDs []string) (map[string][]graph.Connection, error) {
	result := make(map[string][]graph.Connection)
	if len(nodeIDs) == 0 {
		return result, nil
	}

	const q = `
		WITH touching AS (
		    SELECT from_id AS node_id, to_id AS other_id, rel_type, true AS outgoing
		    FROM   edges
		    WHERE  from_id = ANY($1::text[])
		    UNION ALL
		    SELECT to_id, from_id, rel_type, false
		    FROM   edges
		    WHERE  to_id = ANY($1::text[])
		)
		SELECT t.node_id, n.id, COALESCE(n.props->>'name', ''), t.rel_type, t.outgoing
		FROM   touching t
		JOIN   nodes n ON n.id = t.other_id
		WHERE  n.label = $2
		ORDER  BY n.props->>'name'`

	rows, err := s.pool.Query(ctx, q, nodeIDs, string(graph.LabelPerson))
	if err != nil {
		return nil, fmt.Errorf("graph store: connected persons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			nodeID string
			conn   graph.Connection
		)
		if err := rows.Scan(&nodeID, &conn.PersonID, &conn.Name, &conn.RelType, &conn.Outgoing); err != nil {
			return nil, fmt.Errorf("graph store: connected persons: %w", err)
		}
		result[nodeID] = append(result[nodeID], conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph store: connected persons: %w", err)
	}
	return result, nil
}

// orEmpty substitutes an empty map for nil so edge props marshal to {}.
func orEmpty(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}
