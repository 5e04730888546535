// Package supervisor implements the Job Supervisor of spec §4.8: lifecycle
// glue that validates commands, drives the {idle, preparing, uploading,
// paused, finalizing, completed, failed, cancelled} state machine, and
// binds the File Reader, Coordinator Client, State Store, URL Prefetcher,
// and Worker Pool to one active job at a time.
//
// Store, coordinator, event bus, and logger are all passed in rather than
// resolved internally, so the supervisor can be constructed and tested
// without a live backend or database.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/upload-agent/internal/config"
	"github.com/bitrise-io/upload-agent/internal/control"
	"github.com/bitrise-io/upload-agent/internal/coordinator"
	"github.com/bitrise-io/upload-agent/internal/events"
	"github.com/bitrise-io/upload-agent/internal/filereader"
	"github.com/bitrise-io/upload-agent/internal/metrics"
	"github.com/bitrise-io/upload-agent/internal/prefetch"
	"github.com/bitrise-io/upload-agent/internal/store"
	"github.com/bitrise-io/upload-agent/internal/workerpool"
)

// Status mirrors the state-machine states of spec §4.8.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusPreparing   Status = "preparing"
	StatusUploading   Status = "uploading"
	StatusPaused      Status = "paused"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Snapshot is the supplemented CurrentStatus() report — what a freshly
// connected control-surface client, or a Bootstrap caller, needs to know
// about the currently active (or most recently active) job without
// waiting for the next progress tick.
type Snapshot struct {
	Status           Status
	UploadID         string
	FileName         string
	TotalParts       int
	CompletedParts   int
	BytesTransferred int64
	TotalBytes       int64
	Resumed          bool
}

// Supervisor is the single-job lifecycle controller; the only component
// allowed to change job status (spec §9, "State store abstraction").
type Supervisor struct {
	cfg     config.Config
	store   store.Operations
	coord   *coordinator.Client
	bus     *events.Bus
	log     log.Logger
	metrics *metrics.AgentMetrics

	mu       sync.Mutex
	status   Status
	job      store.UploadJob
	reader   *filereader.Reader
	pool     *workerpool.Pool
	prefetch *prefetch.Prefetcher
	cancel   context.CancelFunc
	started  time.Time
	resumed  bool

	tickerDone chan struct{}
}

// New builds a Supervisor bound to one coordinator and store for the
// lifetime of the agent process. m may be nil, in which case metrics are
// not recorded (e.g. in tests).
func New(cfg config.Config, st store.Operations, coord *coordinator.Client, bus *events.Bus, m *metrics.AgentMetrics, logger log.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		coord:   coord,
		bus:     bus,
		metrics: m,
		log:     logger,
		status:  StatusIdle,
	}
}

// HandleCommand implements control.CommandHandler.
func (sv *Supervisor) HandleCommand(cmd control.Command) {
	var err error
	switch cmd.Action {
	case "start":
		err = sv.Start(cmd.FilePath, cmd.BackendURL)
	case "pause":
		err = sv.Pause(cmd.UploadID)
	case "resume":
		err = sv.Resume(cmd.UploadID)
	case "cancel":
		err = sv.Cancel(cmd.UploadID)
	case "delete":
		err = sv.DeleteJob(cmd.UploadID)
	}
	if err != nil {
		sv.log.Warnf("supervisor: command %q failed: %v", cmd.Action, err)
	}
}

// CurrentStatus reports the supervisor's state without side effects. Lets a
// freshly connected client, or cmd/agent at startup, learn whether a job is
// already active before the next progress tick arrives.
func (sv *Supervisor) CurrentStatus() Snapshot {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	snap := Snapshot{Status: sv.status, Resumed: sv.resumed}
	if sv.job.UploadID != "" {
		snap.UploadID = sv.job.UploadID
		snap.FileName = sv.job.FileName
		snap.TotalParts = sv.job.TotalParts
		snap.TotalBytes = sv.job.FileSize
		if sv.pool != nil {
			snap.BytesTransferred = sv.pool.BytesTransferred()
		}
		if n, err := sv.store.CountCompleted(context.Background(), sv.job.UploadID); err == nil {
			snap.CompletedParts = n
		}
	}
	return snap
}

// BootstrapReport builds the one-time status frame a freshly connected
// control-surface client receives right after the config frame: a
// description of the current (or last known) job, with a distinct message
// for a job a prior process left resumable. Returns nil if there has never
// been a job at all.
func (sv *Supervisor) BootstrapReport() *events.Status {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.job.UploadID == "" {
		return nil
	}

	msg := "job status"
	if sv.resumed && (sv.status == StatusUploading || sv.status == StatusPreparing) {
		msg = "resumable upload found"
	}

	return &events.Status{
		Type:     events.TypeStatus,
		UploadID: sv.job.UploadID,
		Status:   events.JobStatus(sv.status),
		Message:  msg,
	}
}

// Bootstrap is called once at process startup. If the store holds a job
// left in-progress or paused by a prior crash, it resumes dispatch of the
// still-pending parts automatically instead of waiting for an explicit
// "start" command — spec §8 testable property 4 ("resume idempotence"),
// extended here to happen proactively rather than only on request.
func (sv *Supervisor) Bootstrap(ctx context.Context) error {
	job, err := sv.store.GetActiveJob(ctx)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	sv.log.Infof("supervisor: resuming job %s left %s by a prior run", job.UploadID, job.Status)

	sv.mu.Lock()
	sv.resumed = true
	sv.mu.Unlock()

	return sv.resumeJob(ctx, job)
}

// Start validates and begins the idle→preparing→uploading transition of
// spec §4.8.
func (sv *Supervisor) Start(filePath, backendURL string) error {
	sv.mu.Lock()
	if sv.status == StatusUploading || sv.status == StatusPaused || sv.status == StatusPreparing {
		sv.mu.Unlock()
		sv.emitError("", "upload already in progress", events.CodeUploadInProgress)
		return fmt.Errorf("upload_in_progress")
	}
	sv.status = StatusPreparing
	sv.mu.Unlock()

	if sv.metrics != nil {
		sv.metrics.JobsStarted.Inc()
	}

	sv.emitStatus("", StatusPreparing, "preparing upload")

	reader, err := filereader.Lock(filePath)
	if err != nil {
		sv.fail("", events.CodeFileLockFailed, err)
		return err
	}

	partSize, ok := filereader.AutoSizePartSize(reader.Size(), sv.cfg.PartSizeBytes, sv.cfg.MaxParts, sv.cfg.MaxPartSizeMiB)
	if !ok {
		reader.Release()
		err := fmt.Errorf("file of %d bytes cannot be split into at most %d parts even at the %d MiB part size cap", reader.Size(), sv.cfg.MaxParts, sv.cfg.MaxPartSizeMiB)
		sv.fail("", events.CodeUploadError, err)
		return err
	}

	coord := sv.coord
	if backendURL != "" {
		coord = coordinator.New(backendURL, sv.log)
	}

	initResp, err := coord.Initiate(coordinator.InitiateRequest{
		FileName:        filepath.Base(filePath),
		FileSize:        reader.Size(),
		FileFingerprint: reader.Fingerprint(),
		ContentType:     "application/octet-stream",
	})
	if err != nil {
		reader.Release()
		sv.fail("", events.CodeInitiateFailed, err)
		return err
	}

	// The locally-sliced part count is this job's total_parts, not the
	// coordinator's initResp.TotalParts: the two processes size parts
	// independently (spec §4.3 auto-sizing runs on the agent, not the
	// backend), and finalize's completion check must compare against the
	// count of rows actually inserted below, or a divergence between the
	// two sizing decisions leaves finalize waiting on a part count that
	// will never be reached.
	parts := filereader.Slice(reader.Size(), partSize)
	rows := make([]store.PartRow, len(parts))
	for i, p := range parts {
		rows[i] = store.PartRow{PartNumber: p.PartNumber, ByteOffset: p.ByteOffset, ByteLength: p.ByteLength, Status: store.PartPending}
	}

	job := store.UploadJob{
		UploadID:    initResp.UploadID,
		FilePath:    filePath,
		FileName:    filepath.Base(filePath),
		FileSize:    reader.Size(),
		Fingerprint: reader.Fingerprint(),
		Bucket:      initResp.Bucket,
		ObjectKey:   initResp.ObjectKey,
		PartSize:    partSize,
		TotalParts:  len(rows),
		Status:      store.JobInProgress,
	}

	ctx := context.Background()
	if err := sv.store.CreateUpload(ctx, job); err != nil {
		reader.Release()
		sv.fail(job.UploadID, events.CodeInitiateFailed, err)
		return err
	}

	if err := sv.store.InitParts(ctx, job.UploadID, rows); err != nil {
		reader.Release()
		sv.fail(job.UploadID, events.CodeInitiateFailed, err)
		return err
	}

	sv.log.Infof("supervisor: starting job %s: %s in %d parts of ~%s each", job.UploadID, units.HumanSizeWithPrecision(float64(job.FileSize), 3), job.TotalParts, units.HumanSizeWithPrecision(float64(partSize), 3))

	sv.mu.Lock()
	sv.job = job
	sv.reader = reader
	sv.resumed = false
	sv.mu.Unlock()

	return sv.launch(job, parts, coord)
}

// resumeJob re-derives the dispatch set for a job discovered by Bootstrap,
// per spec §4.8's
// fingerprint-mismatch refusal and §8 property 4.
func (sv *Supervisor) resumeJob(ctx context.Context, job store.UploadJob) error {
	reader, err := filereader.Lock(job.FilePath)
	if err != nil {
		sv.fail(job.UploadID, events.CodeFileLockFailed, err)
		return err
	}

	if reader.Fingerprint() != job.Fingerprint {
		reader.Release()
		err := fmt.Errorf("fingerprint mismatch: file changed since job %s was created", job.UploadID)
		sv.fail(job.UploadID, events.CodeUploadError, err)
		return err
	}

	pending, err := sv.store.GetPending(ctx, job.UploadID, sv.cfg.RetryMaxAttempts+1)
	if err != nil {
		reader.Release()
		sv.fail(job.UploadID, events.CodeUploadError, err)
		return err
	}

	parts := make([]filereader.Part, len(pending))
	for i, row := range pending {
		parts[i] = filereader.Part{PartNumber: row.PartNumber, ByteOffset: row.ByteOffset, ByteLength: row.ByteLength}
	}

	sv.mu.Lock()
	sv.job = job
	sv.reader = reader
	sv.mu.Unlock()

	return sv.launch(job, parts, sv.coord)
}

// launch starts the URL prefetcher, worker pool, and progress ticker and
// blocks (in a background goroutine) until the job reaches a terminal
// state, per the preparing→uploading and uploading→{finalizing,failed}
// transitions of spec §4.8.
func (sv *Supervisor) launch(job store.UploadJob, parts []filereader.Part, coord *coordinator.Client) error {
	ctx, cancel := context.WithCancel(context.Background())

	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber
	}

	pf := prefetch.New(coord, job.UploadID, job.Bucket, job.ObjectKey, sv.cfg.PresignBatchSize, sv.cfg.PresignLookahead, partNumbers, sv.log)

	pool := workerpool.New(workerpool.Params{
		UploadID:         job.UploadID,
		Reader:           sv.currentReader(),
		URLs:             pf,
		Store:            sv.store,
		Bus:              sv.bus,
		Metrics:          sv.metrics,
		Workers:          sv.cfg.EffectiveWorkers(job.PartSize),
		RetryMaxAttempts: sv.cfg.RetryMaxAttempts,
		RetryBaseDelay:   sv.cfg.RetryBaseDelay,
		RetryMaxDelay:    sv.cfg.RetryMaxDelay,
		HTTPTimeout:      sv.cfg.HTTPTimeout,
		PresignWait:      sv.cfg.PresignWait,
		Logger:           sv.log,
	})

	sv.mu.Lock()
	sv.pool = pool
	sv.prefetch = pf
	sv.cancel = cancel
	sv.status = StatusUploading
	sv.started = time.Now()
	sv.mu.Unlock()

	sv.store.UpdateJobStatus(ctx, job.UploadID, store.JobInProgress)
	sv.emitStatus(job.UploadID, StatusUploading, "uploading")

	go pf.Run(ctx)
	sv.tickerDone = make(chan struct{})
	go sv.runProgressTicker(ctx, job)

	go func() {
		failedCount, runErr := pool.Run(ctx, parts)
		close(sv.tickerDone)

		if runErr != nil {
			// cancellation; Cancel() already drove the terminal transition.
			return
		}
		sv.finalize(context.Background(), job, failedCount)
	}()

	return nil
}

// finalize implements the uploading→{finalizing,failed} transitions.
func (sv *Supervisor) finalize(ctx context.Context, job store.UploadJob, failedCount int) {
	if failedCount > 0 {
		sv.fail(job.UploadID, events.CodeUploadError, fmt.Errorf("%d part(s) permanently failed", failedCount))
		return
	}

	sv.mu.Lock()
	sv.status = StatusFinalizing
	sv.mu.Unlock()
	sv.bus.Publish(events.Status{Type: events.TypeStatus, UploadID: job.UploadID, Status: events.StatusVerifying, Message: "verifying"})

	completed, err := sv.store.GetCompleted(ctx, job.UploadID)
	if err != nil {
		sv.fail(job.UploadID, events.CodeIncomplete, err)
		return
	}
	if len(completed) != job.TotalParts {
		sv.fail(job.UploadID, events.CodeIncomplete, fmt.Errorf("expected %d completed parts, have %d", job.TotalParts, len(completed)))
		return
	}

	receipts := make([]coordinator.CompletePart, len(completed))
	for i, row := range completed {
		receipts[i] = coordinator.CompletePart{PartNumber: row.PartNumber, ETag: row.ETag}
	}

	resp, err := sv.coord.Complete(job.UploadID, job.Bucket, job.ObjectKey, receipts)
	if err != nil || resp.Status != "completed" {
		sv.coord.Abort(job.UploadID, job.Bucket, job.ObjectKey) // best-effort, spec §7
		if err == nil {
			err = fmt.Errorf("coordinator refused completion: status=%q", resp.Status)
		}
		sv.fail(job.UploadID, events.CodeUploadError, err)
		return
	}

	sv.releaseReader()
	sv.store.UpdateJobStatus(ctx, job.UploadID, store.JobCompleted)

	sv.mu.Lock()
	sv.status = StatusCompleted
	sv.mu.Unlock()
	if sv.metrics != nil {
		sv.metrics.JobsCompleted.Inc()
	}
	sv.emitStatus(job.UploadID, StatusCompleted, "upload completed")
}

// Pause blocks new dispatches; in-flight PUTs drain (spec §9). A uploadID
// that doesn't match the active job is ignored, not errored: any connected
// client may address the single active job, but a stale or mistyped
// uploadId must never touch it.
func (sv *Supervisor) Pause(uploadID string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.job.UploadID != uploadID {
		return nil
	}
	if sv.status != StatusUploading || sv.pool == nil {
		return fmt.Errorf("no active upload to pause")
	}
	sv.pool.Pause()
	sv.status = StatusPaused
	sv.store.UpdateJobStatus(context.Background(), sv.job.UploadID, store.JobPaused)
	sv.emitStatus(sv.job.UploadID, StatusPaused, "paused")
	return nil
}

// Resume releases the pause gate; dispatches continue from the same
// bytes_transferred (spec §8 scenario G). A mismatched uploadID is ignored,
// not errored — see Pause.
func (sv *Supervisor) Resume(uploadID string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.job.UploadID != uploadID {
		return nil
	}
	if sv.status != StatusPaused || sv.pool == nil {
		return fmt.Errorf("no paused upload to resume")
	}
	sv.pool.Resume()
	sv.status = StatusUploading
	sv.store.UpdateJobStatus(context.Background(), sv.job.UploadID, store.JobInProgress)
	sv.emitStatus(sv.job.UploadID, StatusUploading, "resumed")
	return nil
}

// Cancel aborts the current job: cancels worker contexts, calls coordinator
// abort, updates status, releases the file (spec §4.8). A mismatched
// uploadID is ignored, not errored — see Pause.
func (sv *Supervisor) Cancel(uploadID string) error {
	sv.mu.Lock()
	if sv.job.UploadID != uploadID {
		sv.mu.Unlock()
		return nil
	}
	if sv.cancel == nil || sv.job.UploadID == "" {
		sv.mu.Unlock()
		return fmt.Errorf("no active upload to cancel")
	}
	job := sv.job
	cancel := sv.cancel
	sv.status = StatusCancelled
	sv.mu.Unlock()

	cancel()
	sv.coord.Abort(job.UploadID, job.Bucket, job.ObjectKey) // best-effort
	sv.store.UpdateJobStatus(context.Background(), job.UploadID, store.JobCancelled)
	sv.releaseReader()
	if sv.metrics != nil {
		sv.metrics.JobsCancelled.Inc()
	}
	sv.emitStatus(job.UploadID, StatusCancelled, "cancelled")
	return nil
}

// DeleteJob removes a job's records from the store, letting a client clean
// up a completed, failed, or cancelled job it no longer needs. Refuses
// while the job is active.
func (sv *Supervisor) DeleteJob(uploadID string) error {
	sv.mu.Lock()
	active := sv.job.UploadID == uploadID && (sv.status == StatusUploading || sv.status == StatusPaused || sv.status == StatusPreparing)
	sv.mu.Unlock()
	if active {
		sv.emitError(uploadID, "cannot delete an active upload", events.CodeUploadInProgress)
		return fmt.Errorf("cannot delete an active upload")
	}
	return sv.store.DeleteJob(context.Background(), uploadID)
}

func (sv *Supervisor) runProgressTicker(ctx context.Context, job store.UploadJob) {
	ticker := time.NewTicker(sv.cfg.ProgressInterval)
	defer ticker.Stop()

	start := time.Now()
	var lastTransferred int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.tickerDone:
			return
		case <-ticker.C:
			sv.publishProgress(job, start, &lastTransferred)
		}
	}
}

// publishProgress emits a progress frame and records the delta since the
// previous snapshot into the cumulative Prometheus counters.
func (sv *Supervisor) publishProgress(job store.UploadJob, start time.Time, lastTransferred *int64) {
	sv.mu.Lock()
	pool := sv.pool
	pf := sv.prefetch
	sv.mu.Unlock()
	if pool == nil {
		return
	}

	transferred := pool.BytesTransferred()
	elapsed := time.Since(start).Seconds()

	if sv.metrics != nil {
		sv.metrics.BytesTransferred.Add(float64(transferred - *lastTransferred))
		sv.metrics.ActiveWorkers.Set(float64(pool.ActiveWorkers()))
		if pf != nil {
			sv.metrics.PrefetchBuf.Set(float64(pf.BufferLen()))
		}
	}
	*lastTransferred = transferred

	var speed float64
	if elapsed > 0 {
		speed = float64(transferred) / elapsed
	}

	var eta float64
	if speed > 0 {
		eta = float64(job.FileSize-transferred) / speed
	}

	var percent float64
	if job.FileSize > 0 {
		percent = 100 * float64(transferred) / float64(job.FileSize)
	}

	completed, _ := sv.store.CountCompleted(context.Background(), job.UploadID)

	sv.bus.Publish(events.Progress{
		Type:             events.TypeProgress,
		UploadID:         job.UploadID,
		Percent:          percent,
		Speed:            speed,
		ETA:              eta,
		BytesTransferred: transferred,
		TotalBytes:       job.FileSize,
		ActiveThreads:    pool.ActiveWorkers(),
		CompletedParts:   completed,
		TotalParts:       job.TotalParts,
	})
}

func (sv *Supervisor) fail(uploadID, code string, err error) {
	sv.mu.Lock()
	sv.status = StatusFailed
	sv.mu.Unlock()

	if uploadID != "" {
		sv.store.UpdateJobStatus(context.Background(), uploadID, store.JobFailed)
	}
	sv.releaseReader()
	if sv.metrics != nil {
		sv.metrics.JobsFailed.Inc()
		if code == events.CodeCoordinatorUnavailable || code == events.CodeInitiateFailed {
			sv.metrics.CoordinatorErrors.WithLabelValues(code).Inc()
		}
	}
	sv.emitError(uploadID, err.Error(), code)
	sv.emitStatus(uploadID, StatusFailed, err.Error())
}

func (sv *Supervisor) releaseReader() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.reader != nil {
		sv.reader.Release()
		sv.reader = nil
	}
}

func (sv *Supervisor) currentReader() *filereader.Reader {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.reader
}

func (sv *Supervisor) emitStatus(uploadID string, status Status, message string) {
	sv.bus.Publish(events.Status{Type: events.TypeStatus, UploadID: uploadID, Status: events.JobStatus(status), Message: message})
}

func (sv *Supervisor) emitError(uploadID, message, code string) {
	sv.bus.Publish(events.Error{Type: events.TypeError, UploadID: uploadID, Error: message, Code: code})
}
