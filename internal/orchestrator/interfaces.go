package orchestrator

import (
	"context"
	"io"
	"time"
)

// TaskStore persists batches and their embedded Url-Tasks. Every mutation is a
// conditional update scoped to one task or one batch flag; the bool result reports
// whether the condition matched and the row changed.
type TaskStore interface {
	CreateBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, id string) (Batch, error)
	FindTaskByCorrelation(ctx context.Context, correlationID string) (TaskRef, error)

	// ListWaitingTasks returns waiting tasks whose backoff gate is at or before now.
	ListWaitingTasks(ctx context.Context, now time.Time, limit int) ([]TaskRef, error)
	ListDispatchedTasks(ctx context.Context, limit int) ([]TaskRef, error)
	// ListRequeueCandidates returns failed tasks of batches still before the barrier
	// that were last updated at or before failedBefore and have fewer than maxRequeues resets.
	ListRequeueCandidates(ctx context.Context, failedBefore time.Time, maxRequeues, limit int) ([]TaskRef, error)

	MarkDispatched(ctx context.Context, key TaskKey, correlationID string, at time.Time) (bool, error)
	RecordSubmitFailure(ctx context.Context, key TaskKey, attempts int, next time.Time, reason string, at time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, correlationID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, correlationID, reason string, at time.Time) (bool, error)
	RequeueTask(ctx context.Context, key TaskKey, at time.Time) (bool, error)

	// ListOpenBatches returns batches before the barrier that are not flagged.
	ListOpenBatches(ctx context.Context, limit int) ([]Batch, error)
	MarkAllTasksTerminal(ctx context.Context, batchID string) (bool, error)
	FlagBatch(ctx context.Context, batchID, reason string) (bool, error)
	// RequeueFailedTasks resets every failed task of a batch before the barrier and clears its flag.
	RequeueFailedTasks(ctx context.Context, batchID string, at time.Time) (int, error)

	// NextReadyBatch returns the oldest unflagged batch past the barrier without a stored artifact.
	NextReadyBatch(ctx context.Context) (Batch, bool, error)
	MarkArtifactStored(ctx context.Context, batchID, location string) (bool, error)
	// ListUnfinalizedBatches returns stored batches whose cleanup or notification is pending.
	ListUnfinalizedBatches(ctx context.Context, limit int) ([]Batch, error)
	MarkResultsCleaned(ctx context.Context, batchID string) (bool, error)
	MarkArtifactPublished(ctx context.Context, batchID string) (bool, error)
}

// ResultStore persists Extraction Results keyed by correlation id.
type ResultStore interface {
	UpsertResult(ctx context.Context, result ExtractionResult) error
	ListResults(ctx context.Context, correlationIDs []string) ([]ExtractionResult, error)
	DeleteResults(ctx context.Context, correlationIDs []string) (int, error)
}

// ExtractionClient talks to the external extraction service.
type ExtractionClient interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	FetchResult(ctx context.Context, correlationID string) (ExtractionPayload, error)
}

// SubmitRequest carries the URL plus routing data echoed back by the service.
type SubmitRequest struct {
	URL       string
	BatchID   string
	TaskIndex int
}

// ArtifactStore is the durable storage collaborator.
type ArtifactStore interface {
	Publish(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Renderer turns ordered entries into an artifact byte stream.
type Renderer interface {
	Render(ctx context.Context, doc Document) ([]byte, error)
	ContentType() string
	Extension() string
}

// Document is the renderer input for one batch.
type Document struct {
	BatchID      string
	OwnerProject string
	Kind         ArtifactKind
	GeneratedAt  time.Time
	Entries      []Entry
}

// Publisher announces events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SubmitPolicy throttles submissions per source.
type SubmitPolicy interface {
	AllowSubmit(url string) bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
