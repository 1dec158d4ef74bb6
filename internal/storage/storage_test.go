package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryvault/queryvault/internal/model"
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
			fmt.Fprintf(os.Stderr, "storage_test: failed to create test DB: %v\n", err)
			return 1
		}
		defer testDB.Close()

		return m.Run()
	}()

	os.Exit(code)
}

func createTestWorkspace(t *testing.T) (model.Workspace, string) {
	t.Helper()
	ws, key, err := testDB.CreateWorkspace(context.Background(), "test-"+uuid.New().String()[:8], 30)
	require.NoError(t, err)
	return ws, key
}

func sampleMetric(workspaceID uuid.UUID, durationMs int64) model.QueryMetric {
	now := time.Now().UTC()
	return model.QueryMetric{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		ServiceID:     uuid.New(),
		QueryText:     "select * from users",
		QueryTextHash: "abc123",
		Status:        model.StatusSuccess,
		DurationMs:    durationMs,
		StartedAt:     now.Add(-time.Duration(durationMs) * time.Millisecond),
		CompletedAt:   now,
		IngestedAt:    now,
	}
}

func TestCreateAndVerifyWorkspace(t *testing.T) {
	ws, key := createTestWorkspace(t)

	got, err := testDB.VerifyAPIKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)

	_, err = testDB.VerifyAPIKey(context.Background(), "not-a-real-key")
	assert.ErrorIs(t, err, storage.ErrUnauthorized)
}

func TestGetWorkspaceNotFound(t *testing.T) {
	_, err := testDB.GetWorkspace(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertAndRecentMetrics(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, int64(10+i))))
	}

	rows, err := testDB.RecentMetrics(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestInsertMetricsBatch(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	batch := []model.QueryMetric{
		sampleMetric(ws.ID, 5),
		sampleMetric(ws.ID, 6),
		sampleMetric(ws.ID, 7),
	}
	failed, err := testDB.InsertMetricsBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)

	rows, err := testDB.RecentMetrics(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestInsertMetricsBatchEmpty(t *testing.T) {
	failed, err := testDB.InsertMetricsBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestMetricsStats(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	for _, d := range []int64{10, 10, 10, 10, 100} {
		require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, d)))
	}

	stats, err := testDB.MetricsStats(context.Background(), ws.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Count)
	assert.Greater(t, stats.MeanMs, 0.0)
	assert.Greater(t, stats.StdDevMs, 0.0)
}

func TestRecentSlowMetrics(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, 5)))
	require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, 500)))

	slow, err := testDB.RecentSlowMetrics(context.Background(), ws.ID, 3600, 100)
	require.NoError(t, err)
	require.Len(t, slow, 1)
	assert.Equal(t, int64(500), slow[0].DurationMs)
}

func TestParseWindowRejectsUnknown(t *testing.T) {
	_, _, err := storage.ParseWindow("2h")
	assert.ErrorIs(t, err, storage.ErrInvalidRequest)
}

func TestParseWindowAccepted(t *testing.T) {
	for _, w := range []string{"5s", "1m", "5m"} {
		_, view, err := storage.ParseWindow(w)
		require.NoError(t, err)
		assert.NotEmpty(t, view)
	}
}

func TestPruneOlderThan(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	old := sampleMetric(ws.ID, 1)
	old.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	old.CompletedAt = old.StartedAt
	require.NoError(t, testDB.InsertMetric(context.Background(), old))

	fresh := sampleMetric(ws.ID, 1)
	require.NoError(t, testDB.InsertMetric(context.Background(), fresh))

	deleted, err := testDB.PruneOlderThan(context.Background(), ws.ID, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := testDB.RecentMetrics(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAllWorkspaceIDsIncludesCreated(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	ids, err := testDB.AllWorkspaceIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, ws.ID)
}

func TestEmbeddingUpsertAndSearch(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	vec := make([]float32, 8)
	vec[0] = 1
	require.NoError(t, testDB.UpsertEmbedding(context.Background(), model.QueryEmbedding{
		WorkspaceID:   ws.ID,
		QueryTextHash: "hash-1",
		QueryText:     "select * from orders",
		Embedding:     vec,
		Dimensions:    len(vec),
		UpdatedAt:     time.Now().UTC(),
	}))

	exists, err := testDB.EmbeddingExists(context.Background(), ws.ID, "hash-1")
	require.NoError(t, err)
	assert.True(t, exists)

	results, err := testDB.SearchSimilar(context.Background(), ws.ID, vec, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hash-1", results[0].QueryTextHash)
}

func TestUnembeddedQueries(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	m := sampleMetric(ws.ID, 10)
	m.QueryTextHash = "hash-unembedded"
	require.NoError(t, testDB.InsertMetric(context.Background(), m))

	pending, err := testDB.UnembeddedQueries(context.Background(), ws.ID, 10)
	require.NoError(t, err)

	found := false
	for _, p := range pending {
		if p.QueryTextHash == "hash-unembedded" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnomalyInsertAndList(t *testing.T) {
	ws, _ := createTestWorkspace(t)

	a := model.QueryAnomaly{
		ID:          uuid.New(),
		WorkspaceID: ws.ID,
		ServiceID:   uuid.New(),
		MetricID:    uuid.New(),
		QueryText:   "select * from users",
		DurationMs:  900,
		MeanMs:      100,
		StdDevMs:    20,
		ZScore:      40,
		DetectedAt:  time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertAnomaly(context.Background(), a))

	rows, err := testDB.ListAnomalies(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a.ID, rows[0].ID)
}
