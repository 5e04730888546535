package workerpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/upload-agent/internal/events"
	"github.com/bitrise-io/upload-agent/internal/filereader"
	"github.com/bitrise-io/upload-agent/internal/prefetch"
	"github.com/bitrise-io/upload-agent/internal/store"
)

// fakeReader serves a fixed byte slice, mirroring filereader.Reader's
// ReadAt contract.
type fakeReader struct{ data []byte }

func (f *fakeReader) ReadAt(offset, length int64) ([]byte, error) {
	end := offset + length
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return f.data[offset:end], nil
}

// fakeURLSource always has a URL ready for any part number, pointed at a
// test server.
type fakeURLSource struct {
	url         string
	requeued    []int
	mu          sync.Mutex
	deny        map[int]bool // part numbers that never resolve, for the expiry path
}

func (f *fakeURLSource) Acquire(ctx context.Context, partNumber int, timeout time.Duration) (prefetch.Entry, bool) {
	f.mu.Lock()
	denied := f.deny != nil && f.deny[partNumber]
	f.mu.Unlock()
	if denied {
		return prefetch.Entry{}, false
	}
	return prefetch.Entry{PartNumber: partNumber, URL: f.url, ExpiresAt: time.Now().Add(time.Hour)}, true
}

func (f *fakeURLSource) RequestPart(partNumber int) {
	f.mu.Lock()
	f.requeued = append(f.requeued, partNumber)
	f.mu.Unlock()
}

// fakeStore is a minimal in-memory store.Operations, sufficient for the
// pool's needs (MarkUploading/Completed/Failed, GetPending).
type fakeStore struct {
	mu   sync.Mutex
	rows map[int]*store.PartRow
}

func newFakeStore(parts []filereader.Part) *fakeStore {
	rows := make(map[int]*store.PartRow, len(parts))
	for _, p := range parts {
		rows[p.PartNumber] = &store.PartRow{
			PartNumber: p.PartNumber,
			ByteOffset: p.ByteOffset,
			ByteLength: p.ByteLength,
			Status:     store.PartPending,
		}
	}
	return &fakeStore{rows: rows}
}

func (s *fakeStore) CreateUpload(ctx context.Context, job store.UploadJob) error { return nil }
func (s *fakeStore) InitParts(ctx context.Context, uploadID string, parts []store.PartRow) error {
	return nil
}

func (s *fakeStore) MarkUploading(ctx context.Context, uploadID string, partNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[partNumber].Status = store.PartUploading
	return nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, uploadID string, partNumber int, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[partNumber].Status = store.PartCompleted
	s.rows[partNumber].ETag = etag
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, uploadID string, partNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[partNumber].Status = store.PartFailed
	s.rows[partNumber].RetryCount++
	return nil
}

func (s *fakeStore) GetPending(ctx context.Context, uploadID string, maxRetries int) ([]store.PartRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PartRow
	for _, r := range s.rows {
		if (r.Status == store.PartPending || r.Status == store.PartFailed) && r.RetryCount < maxRetries {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetCompleted(ctx context.Context, uploadID string) ([]store.PartRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PartRow
	for _, r := range s.rows {
		if r.Status == store.PartCompleted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) CountCompleted(ctx context.Context, uploadID string) (int, error) {
	rows, _ := s.GetCompleted(ctx, uploadID)
	return len(rows), nil
}

func (s *fakeStore) UpdateJobStatus(ctx context.Context, uploadID string, status store.JobStatus) error {
	return nil
}
func (s *fakeStore) GetJob(ctx context.Context, uploadID string) (store.UploadJob, error) {
	return store.UploadJob{}, store.ErrNotFound
}
func (s *fakeStore) GetActiveJob(ctx context.Context) (store.UploadJob, error) {
	return store.UploadJob{}, store.ErrNotFound
}
func (s *fakeStore) DeleteJob(ctx context.Context, uploadID string) error { return nil }
func (s *fakeStore) Close() error                                        { return nil }

func (s *fakeStore) statusOf(partNumber int) store.PartStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[partNumber].Status
}

func testParts(n int, partSize int64) []filereader.Part {
	parts := make([]filereader.Part, n)
	for i := 0; i < n; i++ {
		parts[i] = filereader.Part{PartNumber: i + 1, ByteOffset: int64(i) * partSize, ByteLength: partSize}
	}
	return parts
}

func newTestPool(uploadID string, urlSrc URLSource, st store.Operations, reader PartReader) *Pool {
	return New(Params{
		UploadID:         uploadID,
		Reader:           reader,
		URLs:             urlSrc,
		Store:            st,
		Bus:              events.NewBus(),
		Workers:          4,
		RetryMaxAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    10 * time.Millisecond,
		HTTPTimeout:      5 * time.Second,
		PresignWait:      time.Second,
		Logger:           log.NewLogger(),
	})
}

func TestPool_RunCompletesAllParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"deadbeef"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	parts := testParts(6, 10)
	st := newFakeStore(parts)
	reader := &fakeReader{data: make([]byte, 60)}
	urls := &fakeURLSource{url: srv.URL}

	pool := newTestPool("up-1", urls, st, reader)

	failed, err := pool.Run(context.Background(), parts)
	require.NoError(t, err)
	require.Equal(t, 0, failed)

	for _, p := range parts {
		require.Equal(t, store.PartCompleted, st.statusOf(p.PartNumber))
	}
	require.Equal(t, int64(60), pool.BytesTransferred())
}

func TestPool_PermanentFailureDoesNotRetry(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	parts := testParts(1, 10)
	st := newFakeStore(parts)
	reader := &fakeReader{data: make([]byte, 10)}
	urls := &fakeURLSource{url: srv.URL}

	pool := newTestPool("up-2", urls, st, reader)

	failed, err := pool.Run(context.Background(), parts)
	require.NoError(t, err)
	require.Equal(t, 1, failed)
	require.Equal(t, store.PartFailed, st.statusOf(1))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), attempts, "a permanent 403 must not be retried")
}

func TestPool_TransientFailureRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("ETag", `"cafebabe"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	parts := testParts(1, 10)
	st := newFakeStore(parts)
	reader := &fakeReader{data: make([]byte, 10)}
	urls := &fakeURLSource{url: srv.URL}

	pool := newTestPool("up-3", urls, st, reader)

	failed, err := pool.Run(context.Background(), parts)
	require.NoError(t, err)
	require.Equal(t, 0, failed)
	require.Equal(t, store.PartCompleted, st.statusOf(1))
}

func TestPool_MissingETagIsTreatedAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // no ETag header
	}))
	defer srv.Close()

	parts := testParts(1, 10)
	st := newFakeStore(parts)
	reader := &fakeReader{data: make([]byte, 10)}
	urls := &fakeURLSource{url: srv.URL}

	pool := newTestPool("up-4", urls, st, reader)

	failed, err := pool.Run(context.Background(), parts)
	require.NoError(t, err)
	require.Equal(t, 1, failed, "a 2xx with no ETag must never be treated as a completed part")
}

func TestPool_HungPUTFailsAfterHTTPTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block // never responds on its own; only the client-side deadline ends this
	}))
	defer srv.Close()
	defer close(block)

	parts := testParts(1, 10)
	st := newFakeStore(parts)
	reader := &fakeReader{data: make([]byte, 10)}
	urls := &fakeURLSource{url: srv.URL}

	pool := New(Params{
		UploadID:         "up-timeout",
		Reader:           reader,
		URLs:             urls,
		Store:            st,
		Bus:              events.NewBus(),
		Workers:          1,
		RetryMaxAttempts: 0,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    time.Millisecond,
		HTTPTimeout:      50 * time.Millisecond,
		PresignWait:      time.Second,
		Logger:           log.NewLogger(),
	})

	start := time.Now()
	failed, err := pool.Run(context.Background(), parts)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, 1, failed, "a PUT that never responds must fail once HTTPTimeout elapses, not hang forever")
	require.Less(t, elapsed, 5*time.Second, "putOnce must apply HTTPTimeout as a per-request deadline")
}

func TestPool_RunIsNoopOnEmptyPartList(t *testing.T) {
	pool := newTestPool("up-5", &fakeURLSource{}, newFakeStore(nil), &fakeReader{})
	failed, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, failed)
}

func TestPool_PauseBlocksNewDispatch(t *testing.T) {
	var dispatched int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dispatched++
		mu.Unlock()
		w.Header().Set("ETag", `"x"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	parts := testParts(4, 10)
	st := newFakeStore(parts)
	reader := &fakeReader{data: make([]byte, 40)}
	urls := &fakeURLSource{url: srv.URL}

	pool := newTestPool("up-6", urls, st, reader)
	pool.Pause()

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background(), parts)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned while paused with no dispatches allowed")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	require.Equal(t, int32(0), dispatched)
	mu.Unlock()

	pool.Resume()
	<-done
}
