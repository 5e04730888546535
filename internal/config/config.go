// Package config holds the immutable set of tunables for the upload agent.
//
// A Config is built once via New and never mutated afterwards; components
// receive it by value. Loading from environment variables or a settings
// file is explicitly out of scope here (spec §1) — cmd/agent binds CLI
// flags onto Options directly.
package config

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/mem"
)

const (
	bytesPerMiB = 1024 * 1024

	defaultPartSizeBytes     = 128 * bytesPerMiB
	defaultMinPartSizeMiB    = 5
	defaultMaxPartSizeMiB    = 512
	defaultMaxParts          = 10000
	defaultPresignBatchSize  = 20
	defaultPresignLookahead  = 50
	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelayMs  = 500
	defaultRetryMaxDelayMs   = 20000
	defaultHTTPTimeoutS      = 300
	defaultProgressInterval  = 500 * time.Millisecond
	defaultSpeedSampleWindow = 10 * time.Second
	defaultWSPort            = 8765
	defaultPresignWaitS      = 30

	minWorkers = 2
	maxWorkers = 64
)

// Config is the immutable snapshot of tunables consumed by every component.
type Config struct {
	PartSizeBytes  int64
	MinPartSizeMiB int64
	MaxPartSizeMiB int64
	MaxParts       int

	WorkersMin  int
	WorkersMax  int
	WorkersAuto bool

	PresignBatchSize int
	PresignLookahead int
	PresignWait      time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	HTTPTimeout time.Duration

	ProgressInterval  time.Duration
	SpeedSampleWindow time.Duration

	WSPort     int
	BackendURL string
}

// Option mutates a Config under construction. Applied in order by New.
type Option func(*Config)

// New builds a Config from defaults overridden by opts. The concrete worker
// count is not resolved here; callers get it per job from EffectiveWorkers.
func New(opts ...Option) Config {
	cfg := Config{
		PartSizeBytes:  defaultPartSizeBytes,
		MinPartSizeMiB: defaultMinPartSizeMiB,
		MaxPartSizeMiB: defaultMaxPartSizeMiB,
		MaxParts:       defaultMaxParts,

		WorkersMin:  minWorkers,
		WorkersMax:  maxWorkers,
		WorkersAuto: true,

		PresignBatchSize: defaultPresignBatchSize,
		PresignLookahead: defaultPresignLookahead,
		PresignWait:      defaultPresignWaitS * time.Second,

		RetryMaxAttempts: defaultRetryMaxAttempts,
		RetryBaseDelay:   defaultRetryBaseDelayMs * time.Millisecond,
		RetryMaxDelay:    defaultRetryMaxDelayMs * time.Millisecond,

		HTTPTimeout: defaultHTTPTimeoutS * time.Second,

		ProgressInterval:  defaultProgressInterval,
		SpeedSampleWindow: defaultSpeedSampleWindow,

		WSPort: defaultWSPort,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// WithPartSizeBytes overrides the target part size.
func WithPartSizeBytes(v int64) Option { return func(c *Config) { c.PartSizeBytes = v } }

// WithPartSizeBounds overrides the min/max/self-imposed part-count bounds.
func WithPartSizeBounds(minMiB, maxMiB int64, maxParts int) Option {
	return func(c *Config) {
		c.MinPartSizeMiB = minMiB
		c.MaxPartSizeMiB = maxMiB
		c.MaxParts = maxParts
	}
}

// WithWorkers fixes the worker count and disables auto-sizing.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.WorkersMin = n
		c.WorkersMax = n
		c.WorkersAuto = false
	}
}

// WithWorkerBounds sets the clamp range used by auto-sizing.
func WithWorkerBounds(min, max int) Option {
	return func(c *Config) {
		c.WorkersMin = min
		c.WorkersMax = max
	}
}

// WithPresign overrides batch size and lookahead watermark for the prefetcher.
func WithPresign(batchSize, lookahead int) Option {
	return func(c *Config) {
		c.PresignBatchSize = batchSize
		c.PresignLookahead = lookahead
	}
}

// WithRetry overrides the exponential-backoff retry schedule.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.RetryMaxAttempts = maxAttempts
		c.RetryBaseDelay = baseDelay
		c.RetryMaxDelay = maxDelay
	}
}

// WithHTTPTimeout overrides the per-part PUT deadline.
func WithHTTPTimeout(d time.Duration) Option { return func(c *Config) { c.HTTPTimeout = d } }

// WithProgressInterval overrides the progress push cadence.
func WithProgressInterval(d time.Duration) Option {
	return func(c *Config) { c.ProgressInterval = d }
}

// WithWSPort overrides the control-socket port.
func WithWSPort(port int) Option { return func(c *Config) { c.WSPort = port } }

// WithBackendURL sets the coordinator base URL.
func WithBackendURL(url string) Option { return func(c *Config) { c.BackendURL = url } }

// EffectiveWorkers resolves the worker count to use for a job of the given
// part size, per spec §4.1:
//
//	clamp(floor(0.75 * cpu_cores), workers_min, workers_max)
//
// further clamped so that workers * part_size_bytes <= 0.5 * available_memory,
// but never below WorkersMin: when the memory budget allows fewer than
// WorkersMin workers, WorkersMin is returned. When WorkersAuto is false, WorkersMin (== WorkersMax, see WithWorkers) is
// returned unchanged.
func (c Config) EffectiveWorkers(partSizeBytes int64) int {
	if !c.WorkersAuto {
		return clampInt(c.WorkersMin, c.WorkersMin, c.WorkersMax)
	}

	n := int(float64(runtime.NumCPU()) * 0.75)
	n = clampInt(n, c.WorkersMin, c.WorkersMax)

	if partSizeBytes <= 0 {
		return n
	}

	if avail := availableMemoryBytes(); avail > 0 {
		budget := avail / 2
		maxByMemory := int(budget / uint64(partSizeBytes))
		if maxByMemory < 1 {
			maxByMemory = 1
		}
		if n > maxByMemory {
			n = maxByMemory
		}
		if n < c.WorkersMin {
			n = c.WorkersMin
		}
	}

	return n
}

// availableMemoryBytes reports currently available system memory, used to
// bound worker concurrency so that workers*partSize stays within half of
// it (subject to the WorkersMin floor). Returns 0 if the probe fails, in which case EffectiveWorkers skips
// the memory clamp and relies on WorkersMin/WorkersMax alone.
func availableMemoryBytes() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return 0
	}
	return vm.Available
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
