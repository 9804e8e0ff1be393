package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// Alias-merge guards. A mention is folded into an existing person only when
// the embedding is very close AND the cheap lexical checks agree, so that
// "Alek"/"Aleks" converge while "Ala"/"Ola" stay apart.
const (
	aliasSimilarityThreshold = 0.85
	aliasMaxLengthDelta      = 6
	aliasCandidateLimit      = 50
)

// Embedder is the subset of embeddings.Provider the memory subsystem needs.
// Wrap the provider in resilience.NewRetryEmbedder before passing it here so
// transient backend failures are retried.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Canonicalizer resolves free-form person mentions to Person node IDs.
// The model refers to the same person under varying spellings and inflected
// forms; canonicalisation keeps all of them on a single node, recording the
// variants as aliases.
type Canonicalizer struct {
	store    graph.Store
	embedder Embedder
}

// NewCanonicalizer returns a Canonicalizer over store and embedder.
func NewCanonicalizer(store graph.Store, embedder Embedder) *Canonicalizer {
	return &Canonicalizer{store: store, embedder: embedder}
}

// Canonicalize resolves name to a Person node ID, creating the node when
// nothing matches. Resolution order:
//
//  1. exact match on the canonical name or any recorded alias,
//  2. embedding similarity against existing persons, guarded by the lexical
//     checks above; a hit records name as a new alias of that person,
//  3. a fresh Person node carrying the name's embedding.
//
// When embedding fails only step 1 runs and the node is created without a
// vector; a mention is never alias-merged on a guess.
func (c *Canonicalizer) Canonicalize(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("memory: canonicalize: empty person name")
	}

	if id, ok, err := c.Resolve(ctx, name); err != nil || ok {
		return id, err
	}

	emb, embErr := c.embedder.Embed(ctx, name)
	if embErr != nil {
		slog.Warn("person name embedding failed, skipping similarity match",
			"name", name,
			"error", embErr)
		emb = nil
	} else {
		id, ok, err := c.similarityMatch(ctx, name, emb)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}

	id, created, err := c.store.MergeNode(ctx, graph.Person{Name: name}, emb)
	if err != nil {
		return "", fmt.Errorf("memory: create person %q: %w", name, err)
	}
	if created {
		slog.Info("person created", "name", name)
	}
	return id, nil
}

// Resolve finds a person by exact canonical name or alias membership. It
// never creates nodes and never mutates aliases, so it is safe for read and
// link-only paths. ok is false when no person matches.
func (c *Canonicalizer) Resolve(ctx context.Context, name string) (id string, ok bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}

	byName, err := c.store.FindNodes(ctx, graph.LabelPerson, map[string]any{"name": name}, 1)
	if err != nil {
		return "", false, fmt.Errorf("memory: find person %q: %w", name, err)
	}
	if len(byName) > 0 {
		return byName[0].ID, true, nil
	}

	byAlias, err := c.store.FindNodes(ctx, graph.LabelPerson, map[string]any{"aliases": []string{name}}, 1)
	if err != nil {
		return "", false, fmt.Errorf("memory: find person %q by alias: %w", name, err)
	}
	if len(byAlias) > 0 {
		return byAlias[0].ID, true, nil
	}
	return "", false, nil
}

// similarityMatch scans the persons closest to name's embedding for one that
// is the same name spelled differently. On acceptance the spelling is
// appended to the person's aliases so the next resolution is exact.
func (c *Canonicalizer) similarityMatch(ctx context.Context, name string, emb []float32) (string, bool, error) {
	hits, err := c.store.QueryByVector(ctx, graph.LabelPerson, emb, aliasCandidateLimit, nil)
	if err != nil {
		return "", false, fmt.Errorf("memory: scan persons for %q: %w", name, err)
	}

	for _, hit := range hits {
		if hit.Score < aliasSimilarityThreshold {
			break
		}
		candidate := graph.PropString(hit.Node.Props, "name")
		if candidate == "" || !sameFirstLetter(name, candidate) || lengthDelta(name, candidate) > aliasMaxLengthDelta {
			continue
		}

		aliases := graph.PropStrings(hit.Node.Props, "aliases")
		if !slices.Contains(aliases, name) {
			aliases = append(aliases, name)
			if err := c.store.UpdateNode(ctx, hit.Node.ID, map[string]any{"aliases": aliases}, nil); err != nil {
				return "", false, fmt.Errorf("memory: record alias %q for %q: %w", name, candidate, err)
			}
		}
		slog.Info("person alias merged",
			"alias", name,
			"canonical", candidate,
			"similarity", hit.Score)
		return hit.Node.ID, true, nil
	}
	return "", false, nil
}

func sameFirstLetter(a, b string) bool {
	ra, _ := utf8.DecodeRuneInString(a)
	rb, _ := utf8.DecodeRuneInString(b)
	return ra != utf8.RuneError && rb != utf8.RuneError && strings.EqualFold(string(ra), string(rb))
}

func lengthDelta(a, b string) int {
	d := utf8.RuneCountInString(a) - utf8.RuneCountInString(b)
	if d < 0 {
		return -d
	}
	return d
}
