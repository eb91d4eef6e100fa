package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/config"
	coordmem "github.com/medialens/arena-collector/internal/coord/memory"
	"github.com/medialens/arena-collector/internal/credstore"
	credmem "github.com/medialens/arena-collector/internal/credstore/memory"
	"github.com/medialens/arena-collector/internal/orchestrator"
	"github.com/medialens/arena-collector/internal/pool"
	"github.com/medialens/arena-collector/internal/progress"
	queuemem "github.com/medialens/arena-collector/internal/queue/memory"
	"github.com/medialens/arena-collector/internal/ratelimit"
	storemem "github.com/medialens/arena-collector/internal/store/memory"
)

type stubCollector struct{ platform string }

func (c stubCollector) Descriptor() arena.Descriptor {
	return arena.Descriptor{
		Platform: c.platform,
		Arena:    "social",
		Tiers:    []arena.Tier{arena.TierFree},
		Temporal: arena.TemporalRecent,
	}
}

func (stubCollector) CollectByTerms(context.Context, arena.TermsRequest, arena.Gate, arena.EmitFunc) error {
	return nil
}

func (stubCollector) CollectByActors(context.Context, arena.ActorsRequest, arena.Gate, arena.EmitFunc) error {
	return nil
}

func (stubCollector) Normalize(arena.RawItem) (arena.UniversalRecord, error) {
	return arena.UniversalRecord{}, nil
}

// refreshingCollector can re-fetch engagement counters.
type refreshingCollector struct{ stubCollector }

func (refreshingCollector) RefreshEngagement(ctx context.Context, rec arena.UniversalRecord, _ arena.Credential, gate arena.Gate) (arena.UniversalRecord, error) {
	if err := gate.Do(ctx, func(context.Context) error { return nil }); err != nil {
		return arena.UniversalRecord{}, err
	}
	rec.Engagement.Likes *= 2
	return rec, nil
}

// unhealthyCollector reports its platform unreachable.
type unhealthyCollector struct{ stubCollector }

func (unhealthyCollector) HealthCheck(context.Context) bool { return false }

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "job-0001", nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type testEnv struct {
	server *Server
	queue  *queuemem.Queue
	jobs   *storemem.JobStore
	creds  *credmem.Store
	cipher *credstore.Cipher
}

func newTestEnv(t *testing.T, mutate func(*config.Config), collectors ...arena.Collector) *testEnv {
	t.Helper()

	cfg := config.Config{}
	cfg.Server.Port = 8080
	cfg.Server.TimeoutSeconds = 5
	if mutate != nil {
		mutate(&cfg)
	}

	registry := arena.NewRegistry()
	if len(collectors) == 0 {
		collectors = []arena.Collector{stubCollector{platform: "reddit"}}
	}
	for _, c := range collectors {
		require.NoError(t, registry.Register(c))
	}
	registry.Freeze()

	cipher, err := credstore.NewCipher(bytes.Repeat([]byte{0x42}, credstore.KeySize))
	require.NoError(t, err)

	env := &testEnv{
		queue:  queuemem.NewQueue(8),
		jobs:   storemem.NewJobStore(),
		creds:  credmem.NewStore(),
		cipher: cipher,
	}
	coordStore := coordmem.NewStore()
	credPool := pool.New(env.creds, coordStore, cipher, nil, systemClock{}, zap.NewNop(), pool.Config{})
	limiter := ratelimit.NewLimiter(coordStore, zap.NewNop(), 2*time.Second)
	dispatcher := orchestrator.NewDispatcher(
		env.queue, env.jobs, registry, &seqIDs{}, systemClock{}, nopEmitter{}, nil, zap.NewNop())

	env.server = NewServer(dispatcher, registry, env.creds, cipher, credPool, limiter, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobAcceptedAndEnqueued(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/jobs", submitJobRequest{
		Platforms:  []string{"reddit"},
		TermGroups: [][]string{{"inflation"}},
		Tier:       "free",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-0001", resp["job_id"])
	require.Equal(t, "queued", resp["status"])

	task, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-0001", task.JobID)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/jobs", submitJobRequest{Tier: "free"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/jobs", submitJobRequest{
		Platforms: []string{"reddit"}, TermGroups: [][]string{{"x"}}, Tier: "platinum",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/jobs", submitJobRequest{
		Platforms: []string{"unregistered"}, TermGroups: [][]string{{"x"}}, Tier: "free",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatusAndCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/jobs", submitJobRequest{
		Platforms: []string{"reddit"}, TermGroups: [][]string{{"x"}}, Tier: "free",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/job-0001/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Job    arena.Job        `json:"job"`
		Arenas []arena.ArenaRun `json:"arenas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, arena.JobStatusQueued, status.Job.Status)
	require.Len(t, status.Arenas, 1)

	rec = env.do(t, http.MethodPost, "/v1/jobs/job-0001/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	canceled, err := env.jobs.Canceled(context.Background(), "job-0001")
	require.NoError(t, err)
	require.True(t, canceled)

	rec = env.do(t, http.MethodGet, "/v1/jobs/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListArenas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/arenas", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Arenas []arena.Descriptor `json:"arenas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Arenas, 1)
	require.Equal(t, "reddit", resp.Arenas[0].Platform)
}

func TestCredentialLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/credentials", createCredentialRequest{
		Platform: "reddit",
		Tier:     "free",
		Label:    "primary",
		Secrets:  map[string]string{"api_key": "sekret"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["credential_id"]
	require.NotEmpty(t, id)

	// Stored sealed, not plaintext; only the cipher recovers it.
	stored, err := env.creds.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotContains(t, string(stored.Encrypted), "sekret")
	secrets, err := env.cipher.Open(stored.Encrypted)
	require.NoError(t, err)
	require.Equal(t, "sekret", secrets["api_key"])

	rec = env.do(t, http.MethodPost, "/v1/credentials/"+id+"/reset-errors", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/credentials/"+id+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = env.creds.Get(context.Background(), id)
	require.NoError(t, err)
	require.False(t, stored.Active)

	rec = env.do(t, http.MethodPost, "/v1/credentials", createCredentialRequest{Platform: "reddit"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "hunter2"
	})

	rec := env.do(t, http.MethodGet, "/v1/arenas", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/arenas", nil)
	req.Header.Set("X-API-Key", "hunter2")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestRefreshEngagement(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, refreshingCollector{stubCollector{platform: "reddit"}})

	rec := arena.UniversalRecord{Platform: "reddit", Engagement: arena.UnknownEngagement()}
	rec.Engagement.Likes = 5

	// No usable credential yet.
	resp := env.do(t, http.MethodPost, "/v1/records/refresh-engagement", refreshEngagementRequest{
		Record: rec, Tier: "free",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	sealed, err := env.cipher.Seal(map[string]string{"api_key": "k"})
	require.NoError(t, err)
	_, err = env.creds.Create(context.Background(), "reddit", arena.TierFree, sealed, "test", credstore.Quotas{})
	require.NoError(t, err)

	resp = env.do(t, http.MethodPost, "/v1/records/refresh-engagement", refreshEngagementRequest{
		Record: rec, Tier: "free",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Record arena.UniversalRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.EqualValues(t, 10, body.Record.Engagement.Likes)
}

func TestRefreshEngagementUnsupportedPlatform(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil) // plain stub: no refresh capability
	resp := env.do(t, http.MethodPost, "/v1/records/refresh-engagement", refreshEngagementRequest{
		Record: arena.UniversalRecord{Platform: "reddit"},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/v1/records/refresh-engagement", refreshEngagementRequest{})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReadyzReportsUnhealthyCollectors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, unhealthyCollector{stubCollector{platform: "reddit"}})
	resp := env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Contains(t, resp.Body.String(), "reddit")
}
