package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/server"
	"github.com/queryvault/queryvault/internal/service/embedding"
	"github.com/queryvault/queryvault/internal/storage"
	"github.com/queryvault/queryvault/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartTimescaleDB()

	code := func() int {
		defer tc.Terminate()

		ctx := context.Background()
		logger := testutil.TestLogger()

		var err error
		testDB, err = tc.NewTestDB(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "server_test: failed to create test DB: %v\n", err)
			return 1
		}
		defer testDB.Close()

		return m.Run()
	}()

	os.Exit(code)
}

// fakeEmbedder implements embedding.Provider with a fixed vector, letting
// search tests exercise the full handler path without real model calls.
type fakeEmbedder struct {
	vec []float32
}

func (f *fakeEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.NewVector(f.vec), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		v, _ := f.Embed(ctx, texts[i])
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }

func newTestServer(t *testing.T, embedder *fakeEmbedder) (*server.Server, string) {
	t.Helper()

	ws, key, err := testDB.CreateWorkspace(context.Background(), "srv-test-"+uuid.New().String()[:8], 30)
	require.NoError(t, err)

	storageRing := buffer.New[model.QueryMetric](1024)
	liveRing := buffer.New[model.QueryMetric](1024)
	live := server.NewLiveChannel(1024, testutil.TestLogger())
	t.Cleanup(live.Close)

	var provider embedding.Provider
	if embedder != nil {
		provider = embedder
	}

	cfg := server.ServerConfig{
		DB:                  testDB,
		StorageRing:         storageRing,
		LiveRing:            liveRing,
		Live:                live,
		Searcher:            testDB,
		Logger:              testutil.TestLogger(),
		ListenAddr:          "127.0.0.1:0",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	if provider != nil {
		cfg.Embedder = provider
	}

	srv := server.New(cfg)
	_ = ws
	return srv, key
}

func TestHandleHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/ingest", bytes.NewReader([]byte(`{"metrics":[]}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestAndListMetrics(t *testing.T) {
	srv, key := newTestServer(t, nil)

	serviceID := uuid.New()
	body, err := json.Marshal(map[string]any{
		"metrics": []map[string]any{
			{
				"service_id":  serviceID.String(),
				"query_text":  "select 1",
				"status":      "success",
				"duration_ms": 12,
				"started_at":  time.Now().UTC().Format(time.RFC3339Nano),
				"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
			},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var ingestResp struct {
		Ingested int `json:"ingested"`
		Dropped  int `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingestResp))
	assert.Equal(t, 1, ingestResp.Ingested)
	assert.Equal(t, 0, ingestResp.Dropped)

	ws, err := testDB.VerifyAPIKey(context.Background(), key)
	require.NoError(t, err)

	// HandleListMetrics reads straight from Postgres; ingest only stages
	// into the in-memory rings for the flush worker to drain, so insert a
	// row directly to exercise the read path.
	now := time.Now().UTC()
	require.NoError(t, testDB.InsertMetric(context.Background(), model.QueryMetric{
		ID:            uuid.New(),
		WorkspaceID:   ws.ID,
		ServiceID:     serviceID,
		QueryText:     "select 2",
		QueryTextHash: "hash-svc-a",
		Status:        model.StatusSuccess,
		DurationMs:    5,
		StartedAt:     now,
		CompletedAt:   now,
		IngestedAt:    now,
	}))

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces/"+ws.ID.String()+"/metrics", nil)
	listReq.Header.Set("Authorization", "Bearer "+key)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, listReq)

	require.Equal(t, http.StatusOK, listRec.Code)
	var listResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listResp))
	assert.Equal(t, 1, listResp.Count)
}

func TestListMetricsRejectsCrossTenantAccess(t *testing.T) {
	srv, key := newTestServer(t, nil)

	otherWorkspaceID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces/"+otherWorkspaceID.String()+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchSimilarWithoutEmbedderReturns500(t *testing.T) {
	srv, key := newTestServer(t, nil)

	ws, err := testDB.VerifyAPIKey(context.Background(), key)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"query": "select * from users"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/"+ws.ID.String()+"/search/similar", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSearchSimilarFindsMatch(t *testing.T) {
	vec := make([]float32, 8)
	vec[0] = 1
	srv, key := newTestServer(t, &fakeEmbedder{vec: vec})

	ws, err := testDB.VerifyAPIKey(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, testDB.UpsertEmbedding(context.Background(), model.QueryEmbedding{
		WorkspaceID:   ws.ID,
		QueryTextHash: "hash-match",
		QueryText:     "select * from accounts",
		Embedding:     vec,
		Dimensions:    len(vec),
		UpdatedAt:     time.Now().UTC(),
	}))

	body, _ := json.Marshal(map[string]any{"query": "select * from accounts", "limit": 5})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/"+ws.ID.String()+"/search/similar", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "hash-match", resp.Results[0].ID)
}

func TestHandleAnomaliesEmpty(t *testing.T) {
	srv, key := newTestServer(t, nil)

	ws, err := testDB.VerifyAPIKey(context.Background(), key)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workspaces/"+ws.ID.String()+"/anomalies", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestHandleReady(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
