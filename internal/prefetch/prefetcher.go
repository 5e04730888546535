// Package prefetch implements the URL Prefetcher of spec §4.5: a single
// producer that keeps a bounded buffer of presigned URLs topped up to the
// lookahead watermark, backpressuring the coordinator instead of the
// workers.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"

	"github.com/bitrise-io/upload-agent/internal/coordinator"
)

// Entry is one buffered presigned URL, spec §4.5/§6.
type Entry struct {
	PartNumber int
	URL        string
	ExpiresAt  time.Time
}

func (e Entry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Presigner is the subset of coordinator.Client the prefetcher needs.
type Presigner interface {
	PresignBatch(uploadID, bucket, objectKey string, partNumbers []int) ([]coordinator.PresignedURL, error)
}

const retryDelay = 3 * time.Second

// Prefetcher owns the bounded buffer and the producer loop that fills it.
type Prefetcher struct {
	client    Presigner
	uploadID  string
	bucket    string
	objectKey string
	batchSize int
	lookahead int
	logger    log.Logger

	mu      sync.Mutex
	buffer  []Entry
	pending []int // part numbers not yet in buffer, in dispatch order
	notify  chan struct{}
}

// New builds a Prefetcher. partNumbers is the full ordered set of parts
// that still need a URL at prefetcher start (the initial pending set, or
// the set recomputed after a resume).
func New(client Presigner, uploadID, bucket, objectKey string, batchSize, lookahead int, partNumbers []int, logger log.Logger) *Prefetcher {
	p := &Prefetcher{
		client:    client,
		uploadID:  uploadID,
		bucket:    bucket,
		objectKey: objectKey,
		batchSize: batchSize,
		lookahead: lookahead,
		logger:    logger,
		pending:   append([]int(nil), partNumbers...),
		notify:    make(chan struct{}, 1),
	}
	return p
}

// Run drives the producer loop until ctx is cancelled. While nothing is
// pending or the buffer is at the lookahead watermark it idles, waking on
// RequestPart or every 500ms to check again.
func (p *Prefetcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		needed := p.lookahead - len(p.buffer)
		outOfWork := needed <= 0 || len(p.pending) == 0
		p.mu.Unlock()

		if outOfWork {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		batch := p.takeBatch(needed)
		if len(batch) == 0 {
			continue
		}

		urls, err := p.client.PresignBatch(p.uploadID, p.bucket, p.objectKey, batch)
		if err != nil {
			p.logger.Warnf("prefetch: presign batch failed, retrying in %s: %v", retryDelay, err)
			p.returnToPending(batch)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		p.appendEntries(urls)
	}
}

// RequestPart pushes a single part number back to the front of the pending
// queue, used when a consumer's presigned URL expired or never arrived —
// spec §4.5 "Expiry" and §7 "Expired/mismatched presigned URL".
func (p *Prefetcher) RequestPart(partNumber int) {
	p.mu.Lock()
	p.pending = append([]int{partNumber}, p.pending...)
	p.mu.Unlock()
	p.wake()
}

// Acquire waits up to timeout for a buffered, non-expired entry whose
// PartNumber matches. Entries peeked for other part numbers are returned
// to the buffer unchanged, per spec §4.6 step 3.
func (p *Prefetcher) Acquire(ctx context.Context, partNumber int, timeout time.Duration) (Entry, bool) {
	deadline := time.Now().Add(timeout)

	for {
		if e, ok := p.tryTake(partNumber); ok {
			return e, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Entry{}, false
		}

		wait := remaining
		if wait > 200*time.Millisecond {
			wait = 200 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return Entry{}, false
		case <-time.After(wait):
		}
	}
}

func (p *Prefetcher) tryTake(partNumber int) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.buffer[:0:0]
	var found Entry
	ok := false

	for _, e := range p.buffer {
		switch {
		case e.expired(now):
			// drop silently and put the part back at the end of pending
			// so the producer fetches a fresh URL for it
			p.pending = append(p.pending, e.PartNumber)
		case e.PartNumber == partNumber && !ok:
			found = e
			ok = true
		default:
			kept = append(kept, e)
		}
	}
	p.buffer = kept
	return found, ok
}

func (p *Prefetcher) takeBatch(max int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := max
	if n > p.batchSize {
		n = p.batchSize
	}
	if n > len(p.pending) {
		n = len(p.pending)
	}
	if n <= 0 {
		return nil
	}

	batch := p.pending[:n]
	p.pending = p.pending[n:]
	return append([]int(nil), batch...)
}

func (p *Prefetcher) returnToPending(partNumbers []int) {
	p.mu.Lock()
	p.pending = append(partNumbers, p.pending...)
	p.mu.Unlock()
}

func (p *Prefetcher) appendEntries(urls []coordinator.PresignedURL) {
	entries := lo.Map(urls, func(u coordinator.PresignedURL, _ int) Entry {
		return Entry{PartNumber: u.PartNumber, URL: u.URL, ExpiresAt: u.ExpiresAt}
	})

	p.mu.Lock()
	p.buffer = append(p.buffer, entries...)
	p.mu.Unlock()
}

func (p *Prefetcher) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// BufferLen reports the current unconsumed-entry count, for testability
// property 5 (bounded by presign_lookahead).
func (p *Prefetcher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
