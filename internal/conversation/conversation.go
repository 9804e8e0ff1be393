// Package conversation persists chat transcripts so sessions survive process
// restarts and the UI can list, reopen, rename and delete earlier chats.
//
// A Conversation stores its messages as an opaque JSON array: the HTTP layer
// round-trips client-side histories without caring about their exact shape,
// and the server serialises its own session state through the same column.
// Listing returns metadata only; full transcripts are fetched per id.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Conversation is one stored chat transcript.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// Agent and Model record what the conversation ran under so reopening
	// it restores the same setup.
	Agent string `json:"agent"`
	Model string `json:"model"`

	// Messages is the serialized message array. Stores treat it as opaque
	// JSON; nil is persisted as an empty array.
	Messages json.RawMessage `json:"messages"`

	// Summary is the rolling context summary carried across turns, empty
	// until the conversation has been compacted at least once.
	Summary string `json:"summary,omitempty"`

	// CreatedAt and UpdatedAt are assigned by the store: CreatedAt on first
	// save, UpdatedAt on every save.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is one row of the conversation listing, without the transcript.
type Metadata struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an unsaved conversation with a fresh id.
func New(title, agent, model string) *Conversation {
	return &Conversation{
		ID:    uuid.NewString(),
		Title: title,
		Agent: agent,
		Model: model,
	}
}

// Metadata returns the listing view of the conversation.
func (c *Conversation) Metadata() Metadata {
	return Metadata{
		ID:        c.ID,
		Title:     c.Title,
		Agent:     c.Agent,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Validate reports whether the conversation can be saved.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation: id must not be empty")
	}
	if c.Messages != nil && !json.Valid(c.Messages) {
		return errors.New("conversation: messages is not valid JSON")
	}
	return nil
}

// Store persists conversations. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the full conversation, or (nil, nil) when the id is
	// unknown.
	Get(ctx context.Context, id string) (*Conversation, error)

	// List returns metadata for every conversation, most recently updated
	// first.
	List(ctx context.Context) ([]Metadata, error)

	// Save upserts the conversation by id. The store assigns CreatedAt on
	// insert and bumps UpdatedAt on every save; caller-supplied timestamps
	// are ignored.
	Save(ctx context.Context, c *Conversation) error

	// Delete removes the conversation. Deleting an unknown id is not an
	// error.
	Delete(ctx context.Context, id string) error
}
