package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/upload-agent/internal/coordinator"
)

type fakePresigner struct {
	mu       sync.Mutex
	calls    int32
	ttl      time.Duration
	failNext bool
}

func (f *fakePresigner) PresignBatch(uploadID, bucket, objectKey string, partNumbers []int) ([]coordinator.PresignedURL, error) {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()

	atomic.AddInt32(&f.calls, 1)
	if fail {
		return nil, context.DeadlineExceeded
	}

	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	urls := make([]coordinator.PresignedURL, len(partNumbers))
	for i, n := range partNumbers {
		urls[i] = coordinator.PresignedURL{PartNumber: n, URL: "http://example/part", ExpiresAt: time.Now().Add(ttl)}
	}
	return urls, nil
}

func TestPrefetcher_FillsBufferToLookahead(t *testing.T) {
	client := &fakePresigner{}
	pending := []int{1, 2, 3, 4, 5}
	p := New(client, "up-1", "b", "k", 2, 3, pending, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.BufferLen() == 3 }, time.Second, 5*time.Millisecond)
}

func TestPrefetcher_AcquireReturnsMatchingEntry(t *testing.T) {
	client := &fakePresigner{}
	p := New(client, "up-2", "b", "k", 5, 5, []int{1, 2}, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	entry, ok := p.Acquire(context.Background(), 2, time.Second)
	require.True(t, ok)
	require.Equal(t, 2, entry.PartNumber)
}

func TestPrefetcher_AcquireTimesOutWhenPartNeverRequested(t *testing.T) {
	client := &fakePresigner{}
	p := New(client, "up-3", "b", "k", 5, 5, nil, log.NewLogger())

	_, ok := p.Acquire(context.Background(), 99, 30*time.Millisecond)
	require.False(t, ok)
}

func TestPrefetcher_RequestPartReprioritizesToFront(t *testing.T) {
	client := &fakePresigner{}
	p := New(client, "up-4", "b", "k", 5, 0, nil, log.NewLogger())

	p.RequestPart(7)
	p.mu.Lock()
	front := p.pending[0]
	p.mu.Unlock()
	require.Equal(t, 7, front)
}

func TestPrefetcher_ExpiredEntryIsDroppedAndRequeued(t *testing.T) {
	client := &fakePresigner{ttl: 10 * time.Millisecond}
	p := New(client, "up-5", "b", "k", 5, 5, []int{1}, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.BufferLen() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the entry expire

	_, ok := p.Acquire(context.Background(), 1, 30*time.Millisecond)
	require.False(t, ok, "an expired entry must never be handed to a worker")
}

func TestPrefetcher_PresignFailureRetries(t *testing.T) {
	client := &fakePresigner{failNext: true}
	p := New(client, "up-6", "b", "k", 5, 5, []int{1}, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.BufferLen() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&client.calls), int32(2))
}
