// Command agent is the upload-agent binary: it wires the Configuration,
// State Store, Coordinator Client, and Job Supervisor together and serves
// the Control & Progress Surface until interrupted.
//
// Flags are bound once at startup and passed down as a config.Config; there
// is no subcommand tree, since this is a single long-running process
// (spec §1, "one active upload per agent").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/upload-agent/internal/config"
	"github.com/bitrise-io/upload-agent/internal/control"
	"github.com/bitrise-io/upload-agent/internal/coordinator"
	"github.com/bitrise-io/upload-agent/internal/events"
	"github.com/bitrise-io/upload-agent/internal/metrics"
	"github.com/bitrise-io/upload-agent/internal/store"
	"github.com/bitrise-io/upload-agent/internal/supervisor"
)

var (
	dbPath       string
	backendURL   string
	wsPort       int
	metricsAddr  string
	partSizeMiB  int64
	workersFixed int
	presignBatch int
	presignLook  int
	retryMax     int
	httpTimeoutS int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Upload agent: concurrent, crash-resumable multipart uploads to object storage",
		Long: `agent runs as a long-lived background process that uploads one large file
at a time to S3-compatible storage via a coordinator backend, driven entirely
through its WebSocket control socket.

Start an upload from another terminal once the agent is running:

  wscat -c ws://localhost:8765
  > {"action": "start", "filePath": "/data/build.tar", "backendUrl": "https://coordinator.example.com"}

The agent resumes any job left in-progress by a prior run automatically.`,
		RunE: runAgent,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "upload-agent.db", "state store sqlite file")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "default coordinator base URL (overridable per start command)")
	rootCmd.PersistentFlags().IntVar(&wsPort, "ws-port", 8765, "control & progress WebSocket port")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().Int64Var(&partSizeMiB, "part-size-mib", 128, "target part size in MiB")
	rootCmd.PersistentFlags().IntVar(&workersFixed, "workers", 0, "fixed worker count (0 = auto-size from CPU and memory)")
	rootCmd.PersistentFlags().IntVar(&presignBatch, "presign-batch", 20, "URLs requested per presign call")
	rootCmd.PersistentFlags().IntVar(&presignLook, "presign-lookahead", 50, "prefetch buffer high-watermark")
	rootCmd.PersistentFlags().IntVar(&retryMax, "retry-max-attempts", 3, "max retry attempts per part PUT")
	rootCmd.PersistentFlags().IntVar(&httpTimeoutS, "http-timeout-s", 300, "per-part PUT timeout in seconds")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// nolint:revive // cmd/args required by cobra.Command RunE signature
func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.NewLogger()

	cfg := buildConfig()

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	coord := coordinator.New(cfg.BackendURL, logger)
	bus := events.NewBus()
	agentMetrics := metrics.New()

	sv := supervisor.New(cfg, st, coord, bus, agentMetrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Bootstrap(ctx); err != nil {
		logger.Warnf("agent: bootstrap failed, starting with no resumed job: %v", err)
	}

	controlSrv := control.New(
		fmt.Sprintf("localhost:%d", cfg.WSPort),
		bus,
		sv,
		func() events.Config {
			return events.Config{
				Type:             events.TypeConfig,
				ChunkSizeMB:      cfg.PartSizeBytes / (1024 * 1024),
				MaxThreads:       cfg.WorkersMax,
				PresignBatchSize: cfg.PresignBatchSize,
				WSPort:           cfg.WSPort,
			}
		},
		sv.BootstrapReport,
		logger,
	)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("agent: shutdown signal received")
		cancel()
	}()

	logger.Infof("agent: control surface listening on ws://localhost:%d", cfg.WSPort)
	if err := controlSrv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func buildConfig() config.Config {
	opts := []config.Option{
		config.WithPartSizeBytes(partSizeMiB * 1024 * 1024),
		config.WithPresign(presignBatch, presignLook),
		config.WithRetry(retryMax, 500*time.Millisecond, 20*time.Second),
		config.WithHTTPTimeout(time.Duration(httpTimeoutS) * time.Second),
		config.WithWSPort(wsPort),
		config.WithBackendURL(backendURL),
	}
	if workersFixed > 0 {
		opts = append(opts, config.WithWorkers(workersFixed))
	}
	return config.New(opts...)
}

func serveMetrics(addr string, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	logger.Infof("agent: metrics listening on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warnf("agent: metrics server stopped: %v", err)
	}
}
