package orchestrator

import (
	"strings"
	"time"
)

// TaskState is the lifecycle state of a single Url-Task.
type TaskState string

// Url-Task states.
const (
	TaskWaiting    TaskState = "waiting"
	TaskDispatched TaskState = "dispatched"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether no further extraction work is expected for the state.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Valid reports whether s is one of the known states.
func (s TaskState) Valid() bool {
	switch s {
	case TaskWaiting, TaskDispatched, TaskSucceeded, TaskFailed:
		return true
	}
	return false
}

// ArtifactKind selects how a batch is rendered and where its artifact lives.
type ArtifactKind string

// Supported artifact kinds.
const (
	KindFullConversion ArtifactKind = "full_conversion"
	KindTextOnly       ArtifactKind = "text_only"
)

// ParseArtifactKind accepts the canonical names plus the labels used by intake forms.
func ParseArtifactKind(raw string) (ArtifactKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "full_conversion", "full", "full conversion":
		return KindFullConversion, true
	case "text_only", "text", "text-only conversion", "text_conversion":
		return KindTextOnly, true
	}
	return "", false
}

// Folder is the storage folder segment for the kind.
func (k ArtifactKind) Folder() string {
	if k == KindTextOnly {
		return "text_conversion"
	}
	return "full_conversion"
}

// IncludesMedia reports whether rendered entries list media references.
func (k ArtifactKind) IncludesMedia() bool {
	return k != KindTextOnly
}

// Batch is one intake request: an ordered set of Url-Tasks producing one artifact.
type Batch struct {
	ID           string
	OwnerProject string
	Kind         ArtifactKind
	SubmittedAt  time.Time
	Tasks        []UrlTask

	// AllTasksTerminal is the barrier flag. Once true it is never cleared.
	AllTasksTerminal  bool
	ArtifactStored    bool
	ArtifactLocation  string
	ResultsCleaned    bool
	ArtifactPublished bool

	// NeedsAttention marks a batch that cannot progress without an operator.
	NeedsAttention  bool
	AttentionReason string
}

// Counts returns the number of tasks per state.
func (b Batch) Counts() map[TaskState]int {
	out := make(map[TaskState]int, 4)
	for _, t := range b.Tasks {
		out[t.State]++
	}
	return out
}

// UrlTask is one unit of extraction work embedded in a Batch.
type UrlTask struct {
	Index          int
	URL            string
	State          TaskState
	CorrelationID  string
	ResultReceived bool

	// Attempts counts consecutive failed submissions; NextAttemptAt gates the next one.
	Attempts      int
	NextAttemptAt time.Time
	// Requeues counts policy-driven failed -> waiting resets.
	Requeues  int
	LastError string
	UpdatedAt time.Time
}

// TaskKey addresses one embedded task.
type TaskKey struct {
	BatchID string
	Index   int
}

// TaskRef is a task together with the batch it belongs to.
type TaskRef struct {
	BatchID string
	Task    UrlTask
}

// Key returns the address of the referenced task.
func (r TaskRef) Key() TaskKey {
	return TaskKey{BatchID: r.BatchID, Index: r.Task.Index}
}

// Media is a media reference attached to an extracted article.
type Media struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// ExtractionPayload is what the extraction service returns for one URL.
type ExtractionPayload struct {
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Summary     string     `json:"summary,omitempty"`
	Authors     []string   `json:"authors,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Media       []Media    `json:"media,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ExtractionResult is the persisted payload, one row per correlation id.
type ExtractionResult struct {
	CorrelationID string
	BatchID       string
	TaskIndex     int
	URL           string
	ExtractionPayload
	ReceivedAt time.Time
}

// Entry is one record handed to the renderer.
type Entry struct {
	Title       string
	Body        string
	Summary     string
	Authors     []string
	Keywords    []string
	Media       []Media
	SourceURL   string
	Timestamp   *time.Time
	Placeholder bool
}

// HasTitle reports whether the entry carries a non-blank title.
func (e Entry) HasTitle() bool {
	return strings.TrimSpace(e.Title) != ""
}

// Notification is a completion signal for one correlation id. A nil Result with
// Failed unset means the caller only knows the job finished; the result is pulled.
type Notification struct {
	CorrelationID string
	Result        *ExtractionPayload
	Failed        bool
	Reason        string
}

// ObjectInfo describes one stored artifact.
type ObjectInfo struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

// ArtifactEvent is announced after a batch artifact has been stored.
type ArtifactEvent struct {
	BatchID      string       `json:"batch_id"`
	OwnerProject string       `json:"owner_project"`
	Kind         ArtifactKind `json:"kind"`
	Location     string       `json:"location"`
	Entries      int          `json:"entries"`
	Placeholders int          `json:"placeholders"`
	AnnouncedAt  time.Time    `json:"announced_at"`
}
