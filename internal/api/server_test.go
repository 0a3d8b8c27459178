package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadscout/leadscout/internal/config"
	memoryexport "github.com/leadscout/leadscout/internal/export/memory"
	memorypublisher "github.com/leadscout/leadscout/internal/publisher/memory"
	"github.com/leadscout/leadscout/internal/queue"
	"github.com/leadscout/leadscout/internal/runner"
	"github.com/leadscout/leadscout/internal/scrape"
	"github.com/leadscout/leadscout/internal/session"
	memorystorage "github.com/leadscout/leadscout/internal/storage/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("session-%d", g.n.Add(1)), nil
}

// gateSource serves one business per town and can hold searches open.
type gateSource struct {
	mu      sync.Mutex
	block   bool
	release chan struct{}
}

func newGateSource() *gateSource {
	return &gateSource{release: make(chan struct{})}
}

func (s *gateSource) hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = true
}

func (s *gateSource) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block {
		s.block = false
		close(s.release)
		s.release = make(chan struct{})
	}
}

func (s *gateSource) SearchBusinesses(ctx context.Context, town, industry string) ([]scrape.Business, error) {
	s.mu.Lock()
	blocked := s.block
	release := s.release
	s.mu.Unlock()
	if blocked {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []scrape.Business{{Name: town + " Services", Town: town, Industry: industry}}, nil
}

func (s *gateSource) LookupProvider(_ context.Context, b scrape.Business) (scrape.Business, error) {
	b.Provider = "ACME"
	return b, nil
}

type testEnv struct {
	server   *Server
	store    *memorystorage.JobStore
	source   *gateSource
	exporter *memoryexport.Exporter
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Config{}
	cfg.Server.Port = 8080
	cfg.Scrape = config.ScrapeConfig{
		SimultaneousTowns:      3,
		SimultaneousIndustries: 2,
		SimultaneousLookups:    2,
		EnableProviderLookup:   true,
	}
	cfg.Source.BaseURL = "https://directory.example"
	cfg.Source.TimeoutSeconds = 15
	cfg.Export.Provider = "memory"
	cfg.Export.Prefix = "results"
	cfg.Queue.Capacity = 50
	cfg.Queue.DefaultWaitMinutes = 10
	if mutate != nil {
		mutate(&cfg)
	}

	store := memorystorage.NewJobStore()
	source := newGateSource()
	exporter := memoryexport.New()
	qm := queue.NewManager(queue.Config{FallbackWait: cfg.DefaultWait()}, store, nil)
	coordinator := runner.New(
		ctx,
		qm,
		session.NewRegistry(),
		store,
		store,
		source,
		memorypublisher.New(),
		realClock{},
		&seqIDGen{},
		runner.Config{},
		nil,
	)
	server := NewServer(coordinator, store, store, exporter, cfg, nil)
	return &testEnv{server: server, store: store, source: source, exporter: exporter}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (env *testEnv) waitForStatus(t *testing.T, sessionID string, status scrape.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := env.store.GetJob(context.Background(), sessionID)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scraper_")
}

func TestStartScrape_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"industries": []string{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "towns")

	rec = env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns": []string{"A"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "industries")

	rec = env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A"},
		"industries": []string{},
		"config":     map[string]any{"simultaneousTowns": 9},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "simultaneous_towns")
}

func TestStartScrape_StartedImmediately(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A", "B"},
		"industries": []string{},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "started", body["status"])
	sessionID, ok := body["sessionId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionID)

	env.waitForStatus(t, sessionID, scrape.StatusCompleted)
}

func TestStartScrape_SecondJobQueued(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.source.hold()
	defer env.source.open()

	first := decodeBody(t, env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A"},
		"industries": []string{},
	}))
	require.Equal(t, "started", first["status"])

	rec := env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"B"},
		"industries": []string{},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "queued", body["status"])
	require.EqualValues(t, 1, body["queuePosition"])
	require.EqualValues(t, 10, body["estimatedWaitMinutes"])
}

func TestPauseResumeStop_Flow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.source.hold()

	body := decodeBody(t, env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A", "B", "C"},
		"industries": []string{},
	}))
	sessionID := body["sessionId"].(string)

	rec := env.do(t, http.MethodPost, "/v1/scrape/pause", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paused", decodeBody(t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/v1/scrape/resume", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", decodeBody(t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/v1/scrape/stop", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	stopBody := decodeBody(t, rec)
	require.Equal(t, "stopped", stopBody["status"])
	require.Contains(t, stopBody, "businessesCollected")

	// The registry entry is gone, so a second stop is a 404.
	rec = env.do(t, http.MethodPost, "/v1/scrape/stop", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.source.open()
}

func TestPauseScrape_UnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/scrape/pause", map[string]any{"sessionId": "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/scrape/pause", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveScrape_RenameOnlyWhenCompleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	body := decodeBody(t, env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A"},
		"industries": []string{},
	}))
	sessionID := body["sessionId"].(string)
	env.waitForStatus(t, sessionID, scrape.StatusCompleted)

	rec := env.do(t, http.MethodPost, "/v1/scrape/save", map[string]any{
		"sessionId": sessionID,
		"name":      "spring campaign",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	saveBody := decodeBody(t, rec)
	require.Equal(t, true, saveBody["success"])
	require.EqualValues(t, 1, saveBody["businessesCount"])

	job, err := env.store.GetJob(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, "spring campaign", job.Name)

	// Completed jobs were already persisted; no fresh snapshot is exported.
	_, ok := env.exporter.Object("results/" + sessionID + ".json")
	require.False(t, ok)
}

func TestSaveScrape_PersistsRunningJobSynchronously(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.source.hold()

	body := decodeBody(t, env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A"},
		"industries": []string{},
	}))
	sessionID := body["sessionId"].(string)

	rec := env.do(t, http.MethodPost, "/v1/scrape/save", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	saveBody := decodeBody(t, rec)
	require.Equal(t, true, saveBody["success"])
	require.EqualValues(t, 0, saveBody["businessesCount"])

	_, ok := env.exporter.Object("results/" + sessionID + ".json")
	require.True(t, ok)

	env.source.open()
}

func TestSaveScrape_UnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/scrape/save", map[string]any{"sessionId": "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatusAndResults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	body := decodeBody(t, env.do(t, http.MethodPost, "/v1/scrape/start", map[string]any{
		"towns":      []string{"A", "B"},
		"industries": []string{},
	}))
	sessionID := body["sessionId"].(string)
	env.waitForStatus(t, sessionID, scrape.StatusCompleted)

	rec := env.do(t, http.MethodGet, "/v1/scrape/"+sessionID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	statusBody := decodeBody(t, rec)
	job, ok := statusBody["job"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "completed", job["status"])
	require.EqualValues(t, 100, job["progress"])

	rec = env.do(t, http.MethodGet, "/v1/scrape/"+sessionID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resultsBody := decodeBody(t, rec)
	require.EqualValues(t, 2, resultsBody["count"])

	rec = env.do(t, http.MethodGet, "/v1/scrape/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/scrape/missing/results", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	query := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(query, httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil))
	require.Equal(t, http.StatusOK, query.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
