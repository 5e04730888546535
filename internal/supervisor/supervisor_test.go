package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/upload-agent/internal/config"
	"github.com/bitrise-io/upload-agent/internal/coordinator"
	"github.com/bitrise-io/upload-agent/internal/events"
	"github.com/bitrise-io/upload-agent/internal/store"
)

// memStore is a minimal in-memory store.Operations for supervisor tests,
// standing in for the gorm-backed Store (which needs cgo's sqlite driver).
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]store.UploadJob
	parts map[string]map[int]*store.PartRow
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]store.UploadJob{}, parts: map[string]map[int]*store.PartRow{}}
}

func (s *memStore) CreateUpload(ctx context.Context, job store.UploadJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.UploadID] = job
	s.parts[job.UploadID] = map[int]*store.PartRow{}
	return nil
}

func (s *memStore) InitParts(ctx context.Context, uploadID string, parts []store.PartRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range parts {
		p := parts[i]
		p.UploadID = uploadID
		s.parts[uploadID][p.PartNumber] = &p
	}
	return nil
}

func (s *memStore) MarkUploading(ctx context.Context, uploadID string, partNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[uploadID][partNumber].Status = store.PartUploading
	return nil
}

func (s *memStore) MarkCompleted(ctx context.Context, uploadID string, partNumber int, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[uploadID][partNumber].Status = store.PartCompleted
	s.parts[uploadID][partNumber].ETag = etag
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, uploadID string, partNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[uploadID][partNumber].Status = store.PartFailed
	s.parts[uploadID][partNumber].RetryCount++
	return nil
}

func (s *memStore) GetPending(ctx context.Context, uploadID string, maxRetries int) ([]store.PartRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PartRow
	for _, r := range s.parts[uploadID] {
		if (r.Status == store.PartPending || r.Status == store.PartFailed) && r.RetryCount < maxRetries {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) GetCompleted(ctx context.Context, uploadID string) ([]store.PartRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PartRow
	for _, r := range s.parts[uploadID] {
		if r.Status == store.PartCompleted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) CountCompleted(ctx context.Context, uploadID string) (int, error) {
	rows, _ := s.GetCompleted(ctx, uploadID)
	return len(rows), nil
}

func (s *memStore) UpdateJobStatus(ctx context.Context, uploadID string, status store.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[uploadID]
	job.Status = status
	s.jobs[uploadID] = job
	return nil
}

func (s *memStore) GetJob(ctx context.Context, uploadID string) (store.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[uploadID]
	if !ok {
		return store.UploadJob{}, store.ErrNotFound
	}
	return job, nil
}

func (s *memStore) GetActiveJob(ctx context.Context) (store.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == store.JobInProgress || j.Status == store.JobPaused {
			return j, nil
		}
	}
	return store.UploadJob{}, store.ErrNotFound
}

func (s *memStore) DeleteJob(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, uploadID)
	delete(s.parts, uploadID)
	return nil
}

func (s *memStore) Close() error { return nil }

func TestSupervisor_StartRejectsSecondStartWhileUploading(t *testing.T) {
	storageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("ETag", `"x"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer storageSrv.Close()

	dir := t.TempDir()
	filePath := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(filePath, make([]byte, 32), 0o644))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload/initiate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(coordinator.InitiateResponse{UploadID: "up-busy", Bucket: "b", ObjectKey: "k", ChunkSize: 16, TotalParts: 2})
	})
	mux.HandleFunc("/api/upload/presign", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			URLs []coordinator.PresignedURL `json:"urls"`
		}{URLs: []coordinator.PresignedURL{
			{PartNumber: 1, URL: storageSrv.URL, ExpiresAt: time.Now().Add(time.Hour)},
			{PartNumber: 2, URL: storageSrv.URL, ExpiresAt: time.Now().Add(time.Hour)},
		}})
	})
	mux.HandleFunc("/api/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(coordinator.CompleteResponse{Status: "completed"})
	})
	mux.HandleFunc("/api/upload/abort", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.New(config.WithPartSizeBytes(16), config.WithWorkers(2), config.WithBackendURL(srv.URL))
	sv := New(cfg, newMemStore(), coordinator.New(srv.URL, log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	require.NoError(t, sv.Start(filePath, ""))
	err := sv.Start(filePath, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "upload_in_progress")
}

func TestSupervisor_StartFailsWhenPartCountInfeasibleEvenAtCap(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "payload.bin")
	// A 2 MiB file with the part size capped at 1 MiB still needs 2 parts,
	// more than maxParts=1, so even the capped part size can never bring
	// this file under the cap (spec §8 Scenario D) — Start must fail
	// outright rather than proceed.
	require.NoError(t, os.WriteFile(filePath, make([]byte, 2*1024*1024), 0o644))

	cfg := config.New(config.WithPartSizeBytes(1), config.WithPartSizeBounds(1, 1, 1))
	sv := New(cfg, newMemStore(), coordinator.New("http://unused", log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	err := sv.Start(filePath, "")
	require.Error(t, err)
	require.Equal(t, StatusFailed, sv.CurrentStatus().Status)
}

func TestSupervisor_PauseResumeCancelRejectWhenIdleAndAddressedCorrectly(t *testing.T) {
	cfg := config.New()
	sv := New(cfg, newMemStore(), coordinator.New("http://unused", log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	// sv.job.UploadID is "" while idle, so an empty uploadID addresses the
	// (nonexistent) active job correctly and must surface the real error.
	require.Error(t, sv.Pause(""))
	require.Error(t, sv.Resume(""))
	require.Error(t, sv.Cancel(""))
}

func TestSupervisor_PauseResumeCancelIgnoreMismatchedUploadID(t *testing.T) {
	cfg := config.New()
	sv := New(cfg, newMemStore(), coordinator.New("http://unused", log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	sv.mu.Lock()
	sv.status = StatusUploading
	sv.job = store.UploadJob{UploadID: "up-active"}
	sv.mu.Unlock()

	// A stale or mistyped uploadId must be ignored, not errored, and must
	// not touch the real active job.
	require.NoError(t, sv.Pause("whatever"))
	require.NoError(t, sv.Resume("whatever"))
	require.NoError(t, sv.Cancel("whatever"))

	sv.mu.Lock()
	status := sv.status
	sv.mu.Unlock()
	require.Equal(t, StatusUploading, status, "the real active job must be untouched by a mismatched command")
}

func TestSupervisor_CurrentStatusReportsIdleInitially(t *testing.T) {
	cfg := config.New()
	sv := New(cfg, newMemStore(), coordinator.New("http://unused", log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	snap := sv.CurrentStatus()
	require.Equal(t, StatusIdle, snap.Status)
	require.Empty(t, snap.UploadID)
}

func TestSupervisor_BootstrapNoopsWithoutActiveJob(t *testing.T) {
	cfg := config.New()
	sv := New(cfg, newMemStore(), coordinator.New("http://unused", log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	require.NoError(t, sv.Bootstrap(context.Background()))
	require.Equal(t, StatusIdle, sv.CurrentStatus().Status)
}

func TestSupervisor_DeleteJobRefusesActiveUpload(t *testing.T) {
	cfg := config.New()
	st := newMemStore()
	sv := New(cfg, st, coordinator.New("http://unused", log.NewLogger()), events.NewBus(), nil, log.NewLogger())

	sv.mu.Lock()
	sv.status = StatusUploading
	sv.job = store.UploadJob{UploadID: "up-active"}
	sv.mu.Unlock()

	err := sv.DeleteJob("up-active")
	require.Error(t, err)
}
