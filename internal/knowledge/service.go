// Package knowledge implements the per-agent document knowledge base.
//
// Uploaded documents are split into overlapping chunks, optionally enriched
// with an LLM-generated summary and topic tags, embedded, and stored as
// KnowledgeChunk nodes under a KnowledgeDocument node:
//
//	(KnowledgeDocument)-[:HAS_CHUNK]->(KnowledgeChunk)
//
// Every chunk carries a scope (the agent name it was uploaded to); search
// never crosses scopes. Documents merge on (scope, filename), so re-ingesting
// a file replaces its previous chunks instead of accumulating versions.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// Chunking parameters, in characters.
const (
	ChunkSize    = 800
	ChunkOverlap = 100
)

// Search defaults, applied when the caller passes zero values. The effective
// similarity floor is per-agent configuration; this is only the fallback.
const (
	DefaultMinSimilarity = 0.6
	DefaultSearchLimit   = 5
)

// Embedder is the subset of embeddings.Provider the knowledge base needs.
// Wrap the provider in resilience.NewRetryEmbedder before passing it here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service is the knowledge-base API. Safe for concurrent use.
type Service struct {
	store    graph.Store
	embedder Embedder
	enricher *Enricher
}

// NewService returns a knowledge Service over store and embedder. A nil
// enricher disables chunk enrichment; chunks are then stored with empty
// summaries and no topics.
func NewService(store graph.Store, embedder Embedder, enricher *Enricher) *Service {
	return &Service{store: store, embedder: embedder, enricher: enricher}
}

// Document is one row of the document listing API.
type Document struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	DocType    string `json:"doc_type"`
	SourceURL  string `json:"source_url,omitempty"`
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  string `json:"created_at"`
}

// ChunkDetail is one chunk of a document as returned by the detail API.
type ChunkDetail struct {
	Index   int      `json:"index"`
	Content string   `json:"content"`
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// IngestRequest describes a document to ingest.
type IngestRequest struct {
	// Scope is the agent name whose knowledge base receives the document.
	Scope string

	// Filename is the display name of the source. Together with Scope it
	// identifies the document; re-ingesting the same pair replaces it.
	Filename string

	// DocType is the source kind: "text", "pdf" or "url".
	DocType string

	// SourceURL is set when the document was fetched from a URL.
	SourceURL string

	// Content is the full extracted text to chunk and index.
	Content string

	// Enrich requests an LLM summary and topic tags per chunk. Ignored when
	// the service has no enricher.
	Enrich bool

	// Progress, when non-nil, is called after each chunk is stored.
	Progress func(current, total int)
}

// Ingest chunks, enriches, embeds and stores a document. It returns the
// stored document's metadata. Embedding failures abort the ingestion; a
// chunk without a vector would be unreachable by search.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*Document, error) {
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		return nil, fmt.Errorf("knowledge: ingest: empty scope")
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return nil, fmt.Errorf("knowledge: ingest: empty filename")
	}

	chunks := SplitChunks(req.Content, ChunkSize, ChunkOverlap)

	doc := graph.KnowledgeDocument{
		Scope:      scope,
		Filename:   filename,
		DocType:    req.DocType,
		SourceURL:  req.SourceURL,
		ChunkCount: len(chunks),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	docID, created, err := s.store.MergeNode(ctx, doc, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: save document %q: %w", filename, err)
	}
	if !created {
		// Replacing an earlier version: drop its chunks so a shorter upload
		// cannot leave stale tails behind.
		if err := s.deleteChunks(ctx, docID); err != nil {
			return nil, err
		}
	}

	for idx, content := range chunks {
		var enrichment Enrichment
		if req.Enrich && s.enricher != nil && strings.TrimSpace(content) != "" {
			enrichment = s.enricher.Enrich(ctx, content)
		}

		chunk := graph.KnowledgeChunk{
			DocumentID: docID,
			Scope:      scope,
			Content:    content,
			Summary:    enrichment.Summary,
			Topics:     enrichment.Topics,
			ChunkIndex: idx,
		}
		emb, err := s.embedder.Embed(ctx, chunk.EmbeddingText())
		if err != nil {
			return nil, fmt.Errorf("knowledge: embed chunk %d of %q: %w", idx, filename, err)
		}
		chunkID, _, err := s.store.MergeNode(ctx, chunk, emb)
		if err != nil {
			return nil, fmt.Errorf("knowledge: save chunk %d of %q: %w", idx, filename, err)
		}
		if err := s.store.UpsertEdge(ctx, graph.Edge{FromID: docID, Type: graph.EdgeHasChunk, ToID: chunkID}); err != nil {
			return nil, fmt.Errorf("knowledge: link chunk %d of %q: %w", idx, filename, err)
		}

		if req.Progress != nil {
			req.Progress(idx+1, len(chunks))
		}
	}

	slog.Info("document ingested",
		"scope", scope,
		"filename", filename,
		"doc_type", req.DocType,
		"chunks", len(chunks),
		"replaced", !created)

	result := documentFromProps(docID, doc.Props())
	return &result, nil
}

// Documents lists the documents in a scope, newest first.
func (s *Service) Documents(ctx context.Context, scope string) ([]Document, error) {
	nodes, err := s.store.FindNodes(ctx, graph.LabelKnowledgeDocument, map[string]any{"scope": scope}, 0)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	docs := make([]Document, 0, len(nodes))
	for _, n := range nodes {
		docs = append(docs, documentFromProps(n.ID, n.Props))
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].CreatedAt > docs[j].CreatedAt })
	return docs, nil
}

// Document returns one document with its chunks in index order. It returns
// (nil, nil, nil) when the document does not exist or belongs to another
// scope.
func (s *Service) Document(ctx context.Context, scope, id string) (*Document, []ChunkDetail, error) {
	node, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge: get document: %w", err)
	}
	if node == nil || node.Label != graph.LabelKnowledgeDocument || graph.PropString(node.Props, "scope") != scope {
		return nil, nil, nil
	}

	chunkNodes, err := s.store.FindNodes(ctx, graph.LabelKnowledgeChunk, map[string]any{"document_id": id}, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge: list chunks: %w", err)
	}
	chunks := make([]ChunkDetail, 0, len(chunkNodes))
	for _, c := range chunkNodes {
		chunks = append(chunks, ChunkDetail{
			Index:   graph.PropInt(c.Props, "chunk_index"),
			Content: graph.PropString(c.Props, "content"),
			Summary: graph.PropString(c.Props, "summary"),
			Topics:  graph.PropStrings(c.Props, "topics"),
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	doc := documentFromProps(node.ID, node.Props)
	return &doc, chunks, nil
}

// DeleteDocument removes a document and all of its chunks. It reports whether
// the document existed in the given scope.
func (s *Service) DeleteDocument(ctx context.Context, scope, id string) (bool, error) {
	node, err := s.store.GetNode(ctx, id)
	if err != nil {
		return false, fmt.Errorf("knowledge: get document: %w", err)
	}
	if node == nil || node.Label != graph.LabelKnowledgeDocument || graph.PropString(node.Props, "scope") != scope {
		return false, nil
	}

	if err := s.deleteChunks(ctx, id); err != nil {
		return false, err
	}
	if _, err := s.store.DeleteNode(ctx, id); err != nil {
		return false, fmt.Errorf("knowledge: delete document: %w", err)
	}

	slog.Info("document deleted",
		"scope", scope,
		"filename", graph.PropString(node.Props, "filename"))
	return true, nil
}

// deleteChunks removes every chunk node belonging to the given document.
func (s *Service) deleteChunks(ctx context.Context, docID string) error {
	chunks, err := s.store.FindNodes(ctx, graph.LabelKnowledgeChunk, map[string]any{"document_id": docID}, 0)
	if err != nil {
		return fmt.Errorf("knowledge: find chunks: %w", err)
	}
	for _, c := range chunks {
		if _, err := s.store.DeleteNode(ctx, c.ID); err != nil {
			return fmt.Errorf("knowledge: delete chunk: %w", err)
		}
	}
	return nil
}

func documentFromProps(id string, props map[string]any) Document {
	return Document{
		ID:         id,
		Filename:   graph.PropString(props, "filename"),
		DocType:    graph.PropString(props, "doc_type"),
		SourceURL:  graph.PropString(props, "source_url"),
		ChunkCount: graph.PropInt(props, "chunk_count"),
		CreatedAt:  graph.PropString(props, "created_at"),
	}
}
