// Package coordinator implements the client side of the backend
// coordinator's REST surface (spec §4.4, §6). It is a thin, synchronous
// request/response wrapper; the package deliberately runs with retries
// disabled (RetryMax: 0) because spec §4.4 reserves all retry policy for
// callers — initiate/complete failures fail the job outright, and presign
// failures are retried by the URL Prefetcher's own loop, not here.
//
// Requests are built with retryablehttp.NewRequest, headers set explicitly,
// and sent with Do — a plain, synchronous request/response client for the
// multipart-upload wire contract of spec §6.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnavailable wraps every network error or non-2xx response from the
// coordinator, per spec §4.4 ("fails with coordinator_unavailable").
var ErrUnavailable = errors.New("coordinator: unavailable")

// InitiateRequest is the /api/upload/initiate request body.
type InitiateRequest struct {
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	FileFingerprint string `json:"file_fingerprint"`
	ContentType     string `json:"content_type"`
}

// InitiateResponse is the /api/upload/initiate response body.
type InitiateResponse struct {
	UploadID   string `json:"upload_id"`
	Bucket     string `json:"bucket"`
	ObjectKey  string `json:"object_key"`
	ChunkSize  int64  `json:"chunk_size"`
	TotalParts int    `json:"total_parts"`
}

// PresignedURL is one entry of the /api/upload/presign response.
type PresignedURL struct {
	PartNumber int       `json:"part_number"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type presignResponse struct {
	URLs []PresignedURL `json:"urls"`
}

// CompletePart is one entry of the /api/upload/complete request's part list.
type CompletePart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type completeRequest struct {
	UploadID  string         `json:"upload_id"`
	Bucket    string         `json:"bucket"`
	ObjectKey string         `json:"object_key"`
	Parts     []CompletePart `json:"parts"`
}

// CompleteResponse is the /api/upload/complete response body.
type CompleteResponse struct {
	Status     string `json:"status"`
	FinalETag  string `json:"final_etag,omitempty"`
	Verified   bool   `json:"verified"`
}

type abortRequest struct {
	UploadID  string `json:"upload_id"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
}

// Client talks to the coordinator's REST surface.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	logger  log.Logger
}

// New builds a Client against baseURL. The underlying retryablehttp.Client
// has RetryMax forced to 0 — see package doc.
func New(baseURL string, logger log.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil // we do our own logging via the injected logger

	return &Client{
		http:    rc,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Initiate calls POST /api/upload/initiate.
func (c *Client) Initiate(req InitiateRequest) (InitiateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("marshal initiate request: %w", err)
	}

	var resp InitiateResponse
	if err := c.doJSON(http.MethodPost, "/api/upload/initiate", body, &resp); err != nil {
		return InitiateResponse{}, err
	}
	return resp, nil
}

// PresignBatch calls GET /api/upload/presign for the given part numbers.
func (c *Client) PresignBatch(uploadID, bucket, objectKey string, partNumbers []int) ([]PresignedURL, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}

	csv := make([]string, len(partNumbers))
	for i, n := range partNumbers {
		csv[i] = strconv.Itoa(n)
	}

	path := fmt.Sprintf("/api/upload/presign?upload_id=%s&bucket=%s&object_key=%s&part_numbers=%s",
		url.QueryEscape(uploadID), url.QueryEscape(bucket), url.QueryEscape(objectKey), strings.Join(csv, ","))

	var resp presignResponse
	if err := c.doJSON(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.URLs, nil
}

// Complete calls POST /api/upload/complete with the ordered receipt list.
func (c *Client) Complete(uploadID, bucket, objectKey string, parts []CompletePart) (CompleteResponse, error) {
	body, err := json.Marshal(completeRequest{
		UploadID:  uploadID,
		Bucket:    bucket,
		ObjectKey: objectKey,
		Parts:     parts,
	})
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("marshal complete request: %w", err)
	}

	var resp CompleteResponse
	if err := c.doJSON(http.MethodPost, "/api/upload/complete", body, &resp); err != nil {
		return CompleteResponse{}, err
	}
	return resp, nil
}

// Abort calls POST /api/upload/abort. Success is any 2xx response.
func (c *Client) Abort(uploadID, bucket, objectKey string) error {
	body, err := json.Marshal(abortRequest{UploadID: uploadID, Bucket: bucket, ObjectKey: objectKey})
	if err != nil {
		return fmt.Errorf("marshal abort request: %w", err)
	}

	return c.doJSON(http.MethodPost, "/api/upload/abort", body, nil)
}

func (c *Client) doJSON(method, path string, body []byte, out interface{}) error {
	req, err := retryablehttp.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debugf("coordinator request %s failed: %s %s: %v", requestID, method, path, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, string(errBody))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
