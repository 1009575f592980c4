package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/isee/rtsp-client/internal/config"
	"github.com/isee/rtsp-client/pkg/logger"
	"github.com/isee/rtsp-client/pkg/metrics"
	"github.com/isee/rtsp-client/pkg/rtsp"
	"github.com/isee/rtsp-client/pkg/storage"
	"github.com/isee/rtsp-client/pkg/stream"
)

// teardownTimeout bounds the TEARDOWN sent after the receiver stops
const teardownTimeout = 5 * time.Second

// captureCmd runs a full session and stores the received datagrams
var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Negotiate a session and capture RTP datagrams",
	Long: `Run OPTIONS, DESCRIBE, SETUP and PLAY, receive RTP datagrams on a local
UDP port pair until the packet limit, the duration or an interrupt, then send
TEARDOWN.

Datagrams are written to --output as length-prefixed frames, or kept in
memory when no output is given. A directory output gets one file per run
named after the run id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log, closer, err := setupLogger(cfg.Log)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runCapture(ctx, cfg, log, cmd.OutOrStdout())
	},
}

func init() {
	fs := captureCmd.Flags()
	addServerFlags(fs)
	fs.Bool("keep-alive", true, "refresh the session while streaming")
	fs.String("bind-host", "", "local address for the RTP/RTCP sockets")
	fs.IntP("max-packets", "n", 0, "stop after this many datagrams, 0 for no limit")
	fs.DurationP("duration", "d", 10*time.Second, "stop after this long, 0 for no limit")
	fs.StringP("output", "o", "", "capture file or directory, empty keeps datagrams in memory")
	fs.Int("buffer-bytes", 8<<20, "in-memory capacity in bytes")
	fs.Bool("drop-oldest", false, "evict the oldest datagrams when the memory buffer is full")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9100")
}

// connConfig maps the configuration onto the control channel settings
func connConfig(cfg *config.Config, log *logger.Logger, m *metrics.Collector) rtsp.ConnConfig {
	return rtsp.ConnConfig{
		Timeout:        cfg.Server.Timeout,
		ReadBufferSize: cfg.Server.ReadBufferSize,
		UserAgent:      cfg.Server.UserAgent,
		Logger:         log,
		Metrics:        m,
	}
}

// captureSink is a stream.Sink with storage statistics
type captureSink interface {
	stream.Sink
	GetStats() storage.StorageStats
}

// openSink picks the capture file or the memory buffer
func openSink(cfg config.CaptureConfig, runID string) (captureSink, func() error, error) {
	if cfg.Output == "" {
		return storage.NewBufferSink(cfg.BufferBytes, cfg.DropOldest), func() error { return nil }, nil
	}

	path := cfg.Output
	if strings.HasSuffix(path, string(filepath.Separator)) {
		path = filepath.Join(path, "capture-"+runID+".bin")
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "capture-"+runID+".bin")
	}

	sink, err := storage.NewFileSink(path)
	if err != nil {
		return nil, nil, err
	}
	return sink, sink.Close, nil
}

func serveMetrics(addr string, m *metrics.Collector, log *logger.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// runCapture drives one session from OPTIONS to TEARDOWN. Cancelling ctx
// stops the receiver and still sends TEARDOWN.
func runCapture(ctx context.Context, cfg *config.Config, log *logger.Logger, out io.Writer) error {
	runID := uuid.NewString()
	log = log.WithField("run", runID)

	m := metrics.New(metrics.DefaultConfig())
	if cfg.Metrics.Listen != "" {
		shutdown := serveMetrics(cfg.Metrics.Listen, m, log)
		defer shutdown()
	}

	sink, closeSink, err := openSink(cfg.Capture, runID)
	if err != nil {
		return err
	}
	defer closeSink()

	conn, err := rtsp.DialWithRetry(ctx, cfg.Address(), connConfig(cfg, log, m),
		rtsp.NewRetryConfig(cfg.Server.DialRetries, 200*time.Millisecond, 5*time.Second), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}

	receiver := stream.NewReceiver(sink, stream.ReceiverConfig{
		Bind: stream.BindConfig{Host: cfg.Capture.BindHost},
		Stop: stream.StopCondition{
			MaxPackets: cfg.Capture.MaxPackets,
			Duration:   cfg.Capture.Duration,
		},
		Logger:  log,
		Metrics: m,
	})

	session := rtsp.NewSession(ctx, conn, rtsp.SessionConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Path:        cfg.Server.Path,
		Track:       cfg.Server.Track,
		Credentials: cfg.Credentials(),
		Endpoint:    receiver,
		Logger:      log,
	})
	defer session.Close()

	log.Info("capturing %s", cfg.URI())

	if err := session.Options(ctx); err != nil {
		if errors.Is(err, rtsp.ErrTransport) {
			return err
		}
		log.Warn("OPTIONS failed, continuing without capabilities: %v", err)
	}
	if err := session.Describe(ctx); err != nil {
		return err
	}
	if err := session.Setup(ctx); err != nil {
		return err
	}
	if err := session.Play(ctx); err != nil {
		teardown(ctx, session, log)
		return err
	}

	if cfg.Server.KeepAlive {
		session.StartKeepAlive()
	}

	select {
	case <-receiver.Done():
	case <-ctx.Done():
		log.Info("interrupted, stopping receiver")
	}
	receiver.Stop()
	recvErr := receiver.Wait()

	teardown(ctx, session, log)

	fmt.Fprintf(out, "Run: %s\n", runID)
	fmt.Fprintf(out, "Session: %s\n", cfg.URI())
	fmt.Fprintf(out, "RTP: %s\n", receiver.Stats())
	fmt.Fprintf(out, "Storage: %s\n", sink.GetStats())
	if fs, ok := sink.(*storage.FileSink); ok {
		fmt.Fprintf(out, "Capture file: %s\n", fs.Path())
	}

	return recvErr
}

// teardown ends the session on a context that survives cancellation of ctx
func teardown(ctx context.Context, session *rtsp.Session, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := session.Teardown(ctx); err != nil {
		log.Warn("teardown: %v", err)
	}
}
