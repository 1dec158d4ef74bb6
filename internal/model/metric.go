// Package model defines the core QueryVault data types shared across the
// storage, buffer, worker, and server packages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MetricStatus classifies how a query execution ended.
type MetricStatus string

const (
	StatusRunning   MetricStatus = "running"
	StatusSuccess   MetricStatus = "success"
	StatusFailed    MetricStatus = "failed"
	StatusCancelled MetricStatus = "cancelled"
	StatusTimeout   MetricStatus = "timeout"
)

// QueryMetric is a single SQL query execution event reported by a producer.
type QueryMetric struct {
	ID            uuid.UUID    `json:"id"`
	WorkspaceID   uuid.UUID    `json:"workspace_id"`
	ServiceID     uuid.UUID    `json:"service_id"`
	QueryText     string       `json:"query_text"`
	QueryTextHash string       `json:"query_text_hash"`
	Status        MetricStatus `json:"status"`
	DurationMs    int64        `json:"duration_ms"`
	RowsAffected  *int64       `json:"rows_affected,omitempty"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   time.Time    `json:"completed_at"`
	IngestedAt    time.Time    `json:"ingested_at"`
}

// Workspace is a tenant that owns metrics, embeddings, and anomalies.
// APIKeyHash stores the Argon2id hash of the bearer credential producers
// present; the plaintext key is never persisted.
type Workspace struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	APIKeyHash  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	RetainForDays int     `json:"retain_for_days"`
}

// AggregationWindow is a fixed allow-list of supported aggregation bucket
// widths. Never built from raw request strings — see storage.ParseWindow.
type AggregationWindow string

const (
	Window5s AggregationWindow = "5s"
	Window1m AggregationWindow = "1m"
	Window5m AggregationWindow = "5m"
)

// AggregatedMetric is one bucket of a continuous aggregate view.
type AggregatedMetric struct {
	WorkspaceID      uuid.UUID `json:"workspace_id"`
	ServiceID        uuid.UUID `json:"service_id"`
	Bucket           time.Time `json:"bucket"`
	QueryCount       int64     `json:"query_count"`
	MinDurationMs    float64   `json:"min_duration_ms"`
	AvgDurationMs    float64   `json:"avg_duration_ms"`
	MaxDurationMs    float64   `json:"max_duration_ms"`
	P95DurationMs    float64   `json:"p95_duration_ms"`
	P99DurationMs    float64   `json:"p99_duration_ms"`
	SuccessCount     int64     `json:"success_count"`
	FailedCount      int64     `json:"failed_count"`
	TotalRowsAffected int64    `json:"total_rows_affected"`
}

// QueryAnomaly is a detected latency outlier for a (workspace, service) pair.
type QueryAnomaly struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	ServiceID   uuid.UUID `json:"service_id"`
	MetricID    uuid.UUID `json:"metric_id"`
	QueryText   string    `json:"query_text"`
	DurationMs  int64     `json:"duration_ms"`
	MeanMs      float64   `json:"mean_ms"`
	StdDevMs    float64   `json:"stddev_ms"`
	ZScore      float64   `json:"z_score"`
	DetectedAt  time.Time `json:"detected_at"`
}

// QueryEmbedding is an L2-normalized semantic embedding of a distinct query
// text, keyed by its normalized-text hash within a workspace.
type QueryEmbedding struct {
	WorkspaceID   uuid.UUID `json:"workspace_id"`
	QueryTextHash string    `json:"query_text_hash"`
	QueryText     string    `json:"query_text"`
	Embedding     []float32 `json:"-"`
	Dimensions    int       `json:"dimensions"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Envelope is the type of message published on a LiveChannel: either a
// freshly ingested metric or a newly detected anomaly. Exactly one of Metric
// or Anomaly is set, selected by Kind.
type EnvelopeKind string

const (
	EnvelopeMetric  EnvelopeKind = "metric"
	EnvelopeAnomaly EnvelopeKind = "anomaly"
)

type Envelope struct {
	Kind    EnvelopeKind  `json:"kind"`
	Metric  *QueryMetric  `json:"metric,omitempty"`
	Anomaly *QueryAnomaly `json:"anomaly,omitempty"`
}
