package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miskibin/rtx-chat/pkg/provider/embeddings"
)

// RetryEmbedder implements [embeddings.Provider] with bounded retries around a
// single backend. Embedding calls sit on the hot path of memory writes and
// retrieval, where a transient Ollama hiccup would otherwise degrade a whole
// turn; a couple of quick retries absorbs most of those.
type RetryEmbedder struct {
	inner   embeddings.Provider
	retries int
	backoff time.Duration
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*RetryEmbedder)(nil)

// NewRetryEmbedder wraps inner with up to retries additional attempts per call.
// A retries value <= 0 disables retrying. Attempts are spaced by a linearly
// growing backoff starting at 200ms.
func NewRetryEmbedder(inner embeddings.Provider, retries int) *RetryEmbedder {
	if retries < 0 {
		retries = 0
	}
	return &RetryEmbedder{
		inner:   inner,
		retries: retries,
		backoff: 200 * time.Millisecond,
	}
}

// Embed implements embeddings.Provider.
func (r *RetryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry(ctx, r, "embed", func() ([]float32, error) {
		return r.inner.Embed(ctx, text)
	})
}

// EmbedBatch implements embeddings.Provider.
func (r *RetryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return retry(ctx, r, "embed batch", func() ([][]float32, error) {
		return r.inner.EmbedBatch(ctx, texts)
	})
}

// Dimensions implements embeddings.Provider.
func (r *RetryEmbedder) Dimensions() int {
	return r.inner.Dimensions()
}

// ModelID implements embeddings.Provider.
func (r *RetryEmbedder) ModelID() string {
	return r.inner.ModelID()
}

// retry runs fn up to r.retries+1 times, sleeping between attempts. Context
// cancellation aborts immediately since a cancelled embed can never succeed.
func retry[R any](ctx context.Context, r *RetryEmbedder, op string, fn func() (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			slog.Warn("embedding call failed, retrying",
				"op", op,
				"model", r.inner.ModelID(),
				"attempt", attempt,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * r.backoff):
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, fmt.Errorf("%s after %d attempts: %w", op, r.retries+1, lastErr)
}
