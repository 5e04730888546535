// Package workerpool implements the Worker Pool of spec §4.6: a bounded
// set of parallel upload workers that consume part descriptors and
// presigned URLs, stream bytes to storage, record receipts, and apply
// retry/backoff/requeue policy.
//
// Each PUT is sent with a plain *http.Client over a bytes.Reader body, so a
// failed attempt can be resent without re-reading the file, and every
// attempt runs under its own ctx-scoped deadline. Retry classification
// distinguishes transient (network/5xx/408/429) from permanent (other 4xx)
// failures per spec §7; a missing ETag on an otherwise-200 response is
// always treated as a retriable failure rather than synthesized, per
// spec §9's Open Questions resolution.
package workerpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/upload-agent/internal/events"
	"github.com/bitrise-io/upload-agent/internal/filereader"
	"github.com/bitrise-io/upload-agent/internal/metrics"
	"github.com/bitrise-io/upload-agent/internal/prefetch"
	"github.com/bitrise-io/upload-agent/internal/store"
)

// PartReader is the subset of filereader.Reader the pool needs.
type PartReader interface {
	ReadAt(offset, length int64) ([]byte, error)
}

// URLSource is the subset of prefetch.Prefetcher the pool needs.
type URLSource interface {
	Acquire(ctx context.Context, partNumber int, timeout time.Duration) (prefetch.Entry, bool)
	RequestPart(partNumber int)
}

// errPermanent marks a PUT failure that must not be retried (spec §7,
// "Permanent HTTP 4xx").
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// Pool drives effectiveWorkers concurrent upload workers for one job.
type Pool struct {
	uploadID string

	reader     PartReader
	urls       URLSource
	store      store.Operations
	bus        *events.Bus
	httpClient *http.Client
	metrics    *metrics.AgentMetrics

	workers          int
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	presignWait      time.Duration
	httpTimeout      time.Duration

	logger log.Logger

	bytesTransferred int64
	activeWorkers    int32

	pauseMu  sync.Mutex
	paused   bool
	pauseGen chan struct{} // closed and replaced on resume to wake waiters
}

// Params bundles Pool construction arguments.
type Params struct {
	UploadID         string
	Reader           PartReader
	URLs             URLSource
	Store            store.Operations
	Bus              *events.Bus
	Metrics          *metrics.AgentMetrics
	Workers          int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	HTTPTimeout      time.Duration
	PresignWait      time.Duration
	Logger           log.Logger
}

// New builds a Pool. The pool's http.Client carries no overall timeout;
// each PUT's deadline instead comes from a per-request context built from
// HTTPTimeout in putOnce, so a slow-but-alive upload of one large part is
// never cut short by an unrelated client-wide idle timeout, while a
// genuinely stuck PUT still fails instead of hanging forever.
func New(p Params) *Pool {
	return &Pool{
		uploadID: p.UploadID,
		reader:   p.Reader,
		urls:     p.URLs,
		store:    p.Store,
		bus:      p.Bus,
		metrics:  p.Metrics,
		httpClient: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:        p.Workers * 2,
				MaxConnsPerHost:     p.Workers * 2,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		workers:          p.Workers,
		retryMaxAttempts: p.RetryMaxAttempts,
		retryBaseDelay:   p.RetryBaseDelay,
		retryMaxDelay:    p.RetryMaxDelay,
		presignWait:      p.PresignWait,
		httpTimeout:      p.HTTPTimeout,
		logger:           p.Logger,
		pauseGen:         make(chan struct{}),
	}
}

// BytesTransferred is the shared atomic counter consumed by the progress
// ticker.
func (pl *Pool) BytesTransferred() int64 { return atomic.LoadInt64(&pl.bytesTransferred) }

// ActiveWorkers reports the number of workers currently mid-PUT.
func (pl *Pool) ActiveWorkers() int { return int(atomic.LoadInt32(&pl.activeWorkers)) }

// Pause blocks new dispatches; in-flight PUTs complete (spec §9, "gate not
// a kill").
func (pl *Pool) Pause() {
	pl.pauseMu.Lock()
	defer pl.pauseMu.Unlock()
	pl.paused = true
}

// Resume releases any workers blocked at the pause gate.
func (pl *Pool) Resume() {
	pl.pauseMu.Lock()
	defer pl.pauseMu.Unlock()
	if !pl.paused {
		return
	}
	pl.paused = false
	close(pl.pauseGen)
	pl.pauseGen = make(chan struct{})
}

func (pl *Pool) waitIfPaused(ctx context.Context) bool {
	for {
		pl.pauseMu.Lock()
		if !pl.paused {
			pl.pauseMu.Unlock()
			return true
		}
		gen := pl.pauseGen
		pl.pauseMu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-gen:
		}
	}
}

// Run dispatches parts and blocks until every part has reached a terminal
// state (completed, or permanently failed) or ctx is cancelled. It returns
// the count of permanently failed parts.
func (pl *Pool) Run(ctx context.Context, parts []filereader.Part) (failedCount int, err error) {
	if len(parts) == 0 {
		return 0, nil
	}

	q := newQueue(len(parts))
	for _, p := range parts {
		q.push(p)
	}

	var outstanding int64 = int64(len(parts))
	var failed int64
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	resolve := func() {
		if atomic.AddInt64(&outstanding, -1) == 0 {
			cancelRun()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < pl.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pl.worker(ctx, runCtx, q, resolve, &failed)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return int(atomic.LoadInt64(&failed)), ctx.Err()
	}
	return int(atomic.LoadInt64(&failed)), nil
}

// outcome classifies what a single dispatch of processPart resolved to.
type outcome int

const (
	outcomeRequeue outcome = iota
	outcomeSuccess
	outcomeFailedTerminal
)

func (pl *Pool) worker(ctx, runCtx context.Context, q *queue, resolve func(), failed *int64) {
	for {
		if !pl.waitIfPaused(ctx) {
			return
		}

		part, ok := q.pop(runCtx)
		if !ok {
			return
		}

		atomic.AddInt32(&pl.activeWorkers, 1)
		out := pl.processPart(ctx, part)
		atomic.AddInt32(&pl.activeWorkers, -1)

		switch out {
		case outcomeRequeue:
			q.push(part)
		case outcomeSuccess:
			resolve()
		case outcomeFailedTerminal:
			resolve()
			atomic.AddInt64(failed, 1)
		}
	}
}

// processPart runs one dispatch attempt for part: URL resolution, read,
// PUT-with-inline-retry, and receipt persistence.
func (pl *Pool) processPart(ctx context.Context, part filereader.Part) outcome {
	pl.publishChunk(part.PartNumber, events.ChunkUploading, "")

	entry, ok := pl.urls.Acquire(ctx, part.PartNumber, pl.presignWait)
	if !ok {
		pl.urls.RequestPart(part.PartNumber)
		return pl.onPutFailure(ctx, part)
	}

	if err := pl.store.MarkUploading(ctx, pl.uploadID, part.PartNumber); err != nil {
		pl.logger.Warnf("part %d: mark uploading failed: %v", part.PartNumber, err)
	}

	data, err := pl.reader.ReadAt(part.ByteOffset, part.ByteLength)
	if err != nil {
		pl.logger.Errorf("part %d: read failed: %v", part.PartNumber, err)
		return pl.onPutFailure(ctx, part)
	}

	etag, putErr := pl.putWithRetry(ctx, part, entry.URL, data)
	if putErr != nil {
		var perm errPermanent
		if errors.As(putErr, &perm) {
			pl.logger.Warnf("part %d: permanent upload failure, not retrying: %v", part.PartNumber, putErr)
			if err := pl.store.MarkFailed(ctx, pl.uploadID, part.PartNumber); err != nil {
				pl.logger.Errorf("part %d: mark failed failed: %v", part.PartNumber, err)
			}
			pl.publishChunk(part.PartNumber, events.ChunkFailed, "")
			if pl.metrics != nil {
				pl.metrics.PartsFailed.Inc()
			}
			return outcomeFailedTerminal
		}
		pl.logger.Warnf("part %d: inline retries exhausted: %v", part.PartNumber, putErr)
		return pl.onPutFailure(ctx, part)
	}

	if err := pl.store.MarkCompleted(ctx, pl.uploadID, part.PartNumber, etag); err != nil {
		pl.logger.Errorf("part %d: mark completed failed: %v", part.PartNumber, err)
		return pl.onPutFailure(ctx, part)
	}
	atomic.AddInt64(&pl.bytesTransferred, part.ByteLength)
	if pl.metrics != nil {
		pl.metrics.PartsCompleted.Inc()
	}
	pl.publishChunk(part.PartNumber, events.ChunkCompleted, etag)
	return outcomeSuccess
}

// onPutFailure records the failure and decides whether the part still has
// retry budget left (spec §8 testable property 6: retry schedule is
// bounded by retry_max_attempts).
func (pl *Pool) onPutFailure(ctx context.Context, part filereader.Part) outcome {
	if err := pl.store.MarkFailed(ctx, pl.uploadID, part.PartNumber); err != nil {
		pl.logger.Errorf("part %d: mark failed failed: %v", part.PartNumber, err)
	}
	pl.publishChunk(part.PartNumber, events.ChunkFailed, "")

	row, err := pl.partRow(ctx, part.PartNumber)
	if err == nil && row.RetryCount < pl.retryMaxAttempts {
		pl.logger.Warnf("part %d: requeueing (retry_count=%d)", part.PartNumber, row.RetryCount)
		if pl.metrics != nil {
			pl.metrics.PartsRetried.Inc()
		}
		return outcomeRequeue
	}
	if pl.metrics != nil {
		pl.metrics.PartsFailed.Inc()
	}
	return outcomeFailedTerminal
}

func (pl *Pool) partRow(ctx context.Context, partNumber int) (store.PartRow, error) {
	pending, err := pl.store.GetPending(ctx, pl.uploadID, pl.retryMaxAttempts+1)
	if err != nil {
		return store.PartRow{}, err
	}
	for _, row := range pending {
		if row.PartNumber == partNumber {
			return row, nil
		}
	}
	return store.PartRow{}, fmt.Errorf("part %d not found among pending rows", partNumber)
}

// putWithRetry uploads data to url, retrying transient failures inline
// with exponential backoff up to retryMaxAttempts (spec §4.6 step 7,
// §8 testable property 6).
func (pl *Pool) putWithRetry(ctx context.Context, part filereader.Part, url string, data []byte) (etag string, err error) {
	for attempt := 0; attempt <= pl.retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(pl.retryBaseDelay, pl.retryMaxDelay, attempt-1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		etag, err = pl.putOnce(ctx, url, data)
		if err == nil {
			return etag, nil
		}

		var perm errPermanent
		if errors.As(err, &perm) {
			return "", err
		}

		pl.logger.Warnf("part %d: attempt %d/%d failed: %v", part.PartNumber, attempt+1, pl.retryMaxAttempts+1, err)
	}
	return "", err
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (pl *Pool) putOnce(ctx context.Context, url string, data []byte) (string, error) {
	if pl.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pl.httpTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := pl.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		etag := resp.Header.Get("ETag")
		if etag == "" {
			return "", fmt.Errorf("PUT succeeded but response carried no ETag")
		}
		return etag, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if isTransientStatus(resp.StatusCode) {
		return "", fmt.Errorf("transient PUT failure: HTTP %d: %s", resp.StatusCode, string(body))
	}

	return "", errPermanent{fmt.Errorf("permanent PUT failure: HTTP %d: %s", resp.StatusCode, string(body))}
}

func isTransientStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (pl *Pool) publishChunk(partNumber int, status events.ChunkStatus, etag string) {
	pl.bus.Publish(events.Chunk{
		Type:       events.TypeChunk,
		UploadID:   pl.uploadID,
		PartNumber: partNumber,
		Status:     status,
		ETag:       etag,
	})
}
