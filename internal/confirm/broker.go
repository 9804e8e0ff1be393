// Package confirm implements the human-in-the-loop gate for mutating tool
// calls.
//
// When the model requests a tool whose name marks it as mutating (see
// [RequiresConfirmation]), the agent engine registers the call with a
// [Broker], emits a confirmation-required event to the client, and suspends
// the turn until the user's decision arrives through the HTTP layer. Denied
// calls are never executed; the denial is recorded as the tool's output so
// the model sees it and does not retry.
//
// All methods are safe for concurrent use.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// mutatingMarkers are the tool-name fragments that force a confirmation
// round-trip before execution.
var mutatingMarkers = []string{"add_", "update_", "delete_"}

// RequiresConfirmation reports whether a tool may only run after explicit
// user approval. The check is by name so it covers MCP-imported tools the
// registry has never seen before.
func RequiresConfirmation(toolName string) bool {
	for _, marker := range mutatingMarkers {
		if strings.Contains(toolName, marker) {
			return true
		}
	}
	return false
}

// Broker matches suspended tool calls with user decisions. Each pending call
// is keyed by its tool call ID and carries a single-slot signal channel, so
// a decision that arrives before the engine starts waiting is not lost.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
	results map[string]bool
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		pending: make(map[string]chan struct{}),
		results: make(map[string]bool),
	}
}

// Expect registers toolCallID as awaiting a decision. Calling Expect twice
// for the same ID is harmless; the first registration stays in effect.
func (b *Broker) Expect(toolCallID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[toolCallID]; ok {
		return
	}
	b.pending[toolCallID] = make(chan struct{}, 1)
}

// Resolve records the user's decision for toolCallID and releases the waiting
// engine. It reports whether the ID was actually pending; a false return
// means the turn already moved on (or the ID never existed) and the decision
// was discarded.
func (b *Broker) Resolve(toolCallID string, approved bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[toolCallID]
	if !ok {
		return false
	}
	b.results[toolCallID] = approved
	select {
	case ch <- struct{}{}:
	default:
		// Already signalled; keep the latest result.
	}
	return true
}

// Await blocks until toolCallID is resolved or ctx is done, then removes all
// state for the ID. Cancellation counts as no approval: the caller must treat
// the call as denied.
func (b *Broker) Await(ctx context.Context, toolCallID string) (bool, error) {
	b.mu.Lock()
	ch, ok := b.pending[toolCallID]
	b.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("confirm: tool call %q is not pending", toolCallID)
	}
	defer b.Forget(toolCallID)

	select {
	case <-ch:
		b.mu.Lock()
		approved := b.results[toolCallID]
		b.mu.Unlock()
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Forget drops any state held for toolCallID. The engine calls it on every
// turn exit path, so pending entries never outlive their turn.
func (b *Broker) Forget(toolCallID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, toolCallID)
	delete(b.results, toolCallID)
}

// PendingCount reports how many tool calls are currently awaiting a decision.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
