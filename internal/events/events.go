// Package events defines the frames broadcast by the Control & Progress
// Surface and the bus workers publish them through.
//
// Workers never hold a reference to the control server (spec §9, "Cyclic
// ownership"): they publish to a Bus, and the control server is the only
// subscriber. This keeps the dependency graph acyclic.
package events

// Type discriminates the frames defined in spec §6.
type Type string

const (
	TypeConfig   Type = "config"
	TypeProgress Type = "progress"
	TypeChunk    Type = "chunk"
	TypeStatus   Type = "status"
	TypeError    Type = "error"
)

// ChunkStatus is the per-part status carried on a Chunk event.
type ChunkStatus string

const (
	ChunkUploading ChunkStatus = "uploading"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// JobStatus mirrors the UploadJob.status values a status frame may report,
// plus the transient phases the Supervisor passes through.
type JobStatus string

const (
	StatusPreparing JobStatus = "preparing"
	StatusUploading JobStatus = "uploading"
	StatusPaused    JobStatus = "paused"
	StatusVerifying JobStatus = "verifying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Error codes emitted on Error events, per spec §6.
const (
	CodeUploadInProgress      = "upload_in_progress"
	CodeFileLockFailed        = "file_lock_failed"
	CodeInitiateFailed        = "initiate_failed"
	CodeIncomplete            = "incomplete"
	CodeUploadError           = "upload_error"
	CodeCoordinatorUnavailable = "coordinator_unavailable"
)

// Config is pushed once per connection, immediately on connect.
type Config struct {
	Type             Type  `json:"type"`
	ChunkSizeMB      int64 `json:"chunkSizeMB"`
	MaxThreads       int   `json:"maxThreads"`
	PresignBatchSize int   `json:"presignBatchSize"`
	WSPort           int   `json:"wsPort"`
}

// Progress is emitted on the ticker cadence while a job is active.
type Progress struct {
	Type             Type    `json:"type"`
	UploadID         string  `json:"uploadId"`
	Percent          float64 `json:"percent"`
	Speed            float64 `json:"speed"`
	ETA              float64 `json:"eta"`
	BytesTransferred int64   `json:"bytesTransferred"`
	TotalBytes       int64   `json:"totalBytes"`
	ActiveThreads    int     `json:"activeThreads"`
	CompletedParts   int     `json:"completedParts"`
	TotalParts       int     `json:"totalParts"`
}

// Chunk reports a single part's lifecycle transition.
type Chunk struct {
	Type       Type        `json:"type"`
	UploadID   string      `json:"uploadId"`
	PartNumber int         `json:"partNumber"`
	Status     ChunkStatus `json:"status"`
	ETag       string      `json:"etag,omitempty"`
}

// Status reports a job-level (or agent-level, if UploadID is empty) phase
// transition.
type Status struct {
	Type     Type      `json:"type"`
	UploadID string    `json:"uploadId,omitempty"`
	Status   JobStatus `json:"status"`
	Message  string    `json:"message"`
}

// Error reports a terminal or surfaced failure. The Supervisor is the sole
// emitter of job-level error frames (spec §7).
type Error struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId,omitempty"`
	Error    string `json:"error"`
	Code     string `json:"code"`
}

// Bus fans out events from any number of producers (workers, the progress
// ticker, the Supervisor) to any number of consumers (WebSocket
// connections). Sends never block the producer: a full subscriber channel
// drops the event for that subscriber rather than stalling the pipeline.
//
// This is the message-passing seam called for in spec §9 ("Cyclic
// ownership"): the worker pool and Supervisor only ever call Publish, never
// reach into the control server.
type Bus struct {
	mu   chan struct{} // binary semaphore guarding subs
	subs map[int]chan interface{}
	next int
}

// NewBus allocates an empty Bus.
func NewBus() *Bus {
	b := &Bus{
		mu:   make(chan struct{}, 1),
		subs: make(map[int]chan interface{}),
	}
	b.mu <- struct{}{}
	return b
}

// Subscribe registers a new consumer and returns a receive-only channel of
// events plus an Unsubscribe func the caller must invoke when done.
func (b *Bus) Subscribe(buffer int) (<-chan interface{}, func()) {
	<-b.mu
	id := b.next
	b.next++
	ch := make(chan interface{}, buffer)
	b.subs[id] = ch
	b.mu <- struct{}{}

	return ch, func() {
		<-b.mu
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu <- struct{}{}
	}
}

// Publish broadcasts an event to every current subscriber. Non-blocking:
// a subscriber whose buffer is full misses this event rather than stalling
// the publisher.
func (b *Bus) Publish(event interface{}) {
	<-b.mu
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	b.mu <- struct{}{}
}
