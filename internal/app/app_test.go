package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/miskibin/rtx-chat/internal/app"
	"github.com/miskibin/rtx-chat/internal/config"
	"github.com/miskibin/rtx-chat/pkg/graph/memstore"
	embmock "github.com/miskibin/rtx-chat/pkg/provider/embeddings/mock"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
	llmmock "github.com/miskibin/rtx-chat/pkg/provider/llm/mock"
)

type stubProviders struct{ provider llm.Provider }

func (s stubProviders) Provider(string) (llm.Provider, error) { return s.provider, nil }

func newTestApp(t *testing.T) *app.App {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Server.DataDir = dir
	cfg.Server.ArtifactsDir = dir + "/artifacts"

	a, err := app.New(context.Background(), cfg,
		app.WithGraphStore(memstore.New()),
		app.WithEmbedder(&embmock.Provider{}),
		app.WithProviderSource(stubProviders{provider: &llmmock.Provider{}}),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func TestNewWiresWorkingHandler(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	for _, path := range []string{"/api/health", "/api/init", "/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestNewSeedsTemplateAgents(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/agents/psychological", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("template agent missing: %d %s", rec.Code, rec.Body.String())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t)
	if err := a.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
