package workers_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/service/embedding"
	"github.com/queryvault/queryvault/internal/storage"
	"github.com/queryvault/queryvault/internal/testutil"
	"github.com/queryvault/queryvault/internal/workers"
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
			fmt.Fprintf(os.Stderr, "workers_test: failed to create test DB: %v\n", err)
			return 1
		}
		defer testDB.Close()

		return m.Run()
	}()

	os.Exit(code)
}

func createTestWorkspace(t *testing.T, retainForDays int) model.Workspace {
	t.Helper()
	ws, _, err := testDB.CreateWorkspace(context.Background(), "test-"+uuid.New().String()[:8], retainForDays)
	require.NoError(t, err)
	return ws
}

func sampleMetric(workspaceID uuid.UUID, durationMs int64) model.QueryMetric {
	now := time.Now().UTC()
	return model.QueryMetric{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		ServiceID:     uuid.New(),
		QueryText:     "select * from orders",
		QueryTextHash: "hash-orders",
		Status:        model.StatusSuccess,
		DurationMs:    durationMs,
		StartedAt:     now,
		CompletedAt:   now,
		IngestedAt:    now,
	}
}

func TestFlusherTickDrainsRing(t *testing.T) {
	ws := createTestWorkspace(t, 30)

	ring := buffer.New[model.QueryMetric](64)
	for i := 0; i < 5; i++ {
		require.NoError(t, ring.TryPush(sampleMetric(ws.ID, int64(10+i))))
	}

	f := workers.NewFlusher(ring, testDB, testutil.TestLogger(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	// interval is an hour, so the only tick that will fire in this test is
	// the shutdown drain Run performs once ctx is cancelled.
	cancel()
	time.Sleep(50 * time.Millisecond)

	rows, err := testDB.RecentMetrics(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, 0, ring.Len())
}

func TestBroadcasterTickPublishesAll(t *testing.T) {
	ws := createTestWorkspace(t, 30)

	ring := buffer.New[model.QueryMetric](64)
	require.NoError(t, ring.TryPush(sampleMetric(ws.ID, 42)))
	require.NoError(t, ring.TryPush(sampleMetric(ws.ID, 43)))

	var published []model.QueryMetric
	b := workers.NewBroadcaster(ring, func(m model.QueryMetric) {
		published = append(published, m)
	}, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go b.Run(ctx)

	time.Sleep(150 * time.Millisecond)

	assert.Len(t, published, 2)
	assert.Equal(t, 0, ring.Len())
}

func TestAnomalyDetectorSkipsSmallSamples(t *testing.T) {
	ws := createTestWorkspace(t, 30)
	require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, 10)))

	var published []model.QueryAnomaly
	detector := workers.NewAnomalyDetector(testDB, func(a model.QueryAnomaly) {
		published = append(published, a)
	}, testutil.TestLogger(), time.Hour, 3.0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go detector.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	rows, err := testDB.ListAnomalies(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, published)
}

func TestAnomalyDetectorDetectsOutlier(t *testing.T) {
	ws := createTestWorkspace(t, 30)

	for i := 0; i < 150; i++ {
		require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, 10)))
	}
	require.NoError(t, testDB.InsertMetric(context.Background(), sampleMetric(ws.ID, 10_000)))

	var published []model.QueryAnomaly
	detector := workers.NewAnomalyDetector(testDB, func(a model.QueryAnomaly) {
		published = append(published, a)
	}, testutil.TestLogger(), time.Hour, 3.0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go detector.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	rows, err := testDB.ListAnomalies(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, published, 1)
	assert.Equal(t, int64(10_000), rows[0].DurationMs)
}

func TestEmbeddingWorkerNoopProviderSkipsStorage(t *testing.T) {
	ws := createTestWorkspace(t, 30)
	m := sampleMetric(ws.ID, 10)
	m.QueryTextHash = "hash-noop"
	require.NoError(t, testDB.InsertMetric(context.Background(), m))

	worker := workers.NewEmbeddingWorker(testDB, embedding.NewNoopProvider(8), nil, testutil.TestLogger(), 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go worker.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	exists, err := testDB.EmbeddingExists(context.Background(), ws.ID, "hash-noop")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEmbeddingWorkerNilProviderNeverRuns(t *testing.T) {
	worker := workers.NewEmbeddingWorker(testDB, nil, nil, testutil.TestLogger(), time.Millisecond)

	done := make(chan struct{})
	go func() {
		worker.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run with a nil provider should return immediately")
	}
}

func TestRetentionPrunerRespectsCancellationBeforeInitialDelay(t *testing.T) {
	ws := createTestWorkspace(t, 0)

	old := sampleMetric(ws.ID, 1)
	old.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	old.CompletedAt = old.StartedAt
	require.NoError(t, testDB.InsertMetric(context.Background(), old))

	pruner := workers.NewRetentionPruner(testDB, testutil.TestLogger(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		pruner.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return promptly once ctx is cancelled, even before its initial delay elapses")
	}

	// The pruner never ran its tick, so the old row (and its retention-day
	// window recorded against the workspace) is untouched; the actual
	// pruning arithmetic is covered by storage's PruneOlderThan tests.
	rows, err := testDB.RecentMetrics(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
