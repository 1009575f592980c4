// Package cmd implements the isee command line using cobra.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/isee/rtsp-client/internal/config"
	"github.com/isee/rtsp-client/pkg/logger"
	"github.com/isee/rtsp-client/pkg/rtsp"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "isee",
	Short: "isee - RTSP control-plane client",
	Long: `isee negotiates RTSP/1.0 sessions with cameras and media servers.

It speaks OPTIONS, DESCRIBE, SETUP, PLAY and TEARDOWN over TCP, answers
Digest challenges, and receives the negotiated RTP datagrams over UDP into
memory or a capture file. Payloads are never decoded.

Every setting can come from a YAML file (--config), ISEE_* environment
variables or flags. The password is read from ISEE_PASSWORD only.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: error, warn, info, debug")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file, rotated")
	rootCmd.PersistentFlags().Bool("log-json", false, "log JSON lines")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(configCmd)
}

// addServerFlags declares the flags locating the stream
func addServerFlags(fs *pflag.FlagSet) {
	fs.StringP("server", "s", "", "RTSP server host")
	fs.IntP("port", "p", rtsp.DefaultPort, "RTSP server port")
	fs.String("path", "", "stream path")
	fs.String("track", "", "track appended to the path for SETUP")
	fs.Duration("timeout", rtsp.DefaultTimeout, "dial and per-request timeout")
	fs.String("user-agent", rtsp.DefaultUserAgent, "User-Agent header value")
	fs.Int("read-buffer-size", rtsp.DefaultReadBufferSize, "size of the single read holding a response head")
	fs.Int("dial-retries", 3, "connection attempts before giving up")
	fs.StringP("username", "u", "", "Digest username (password from ISEE_PASSWORD)")
}

// loadConfig resolves the configuration for a command
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the default logger from cfg. The returned closer
// releases the log file and is nil when logging to stderr only.
func setupLogger(cfg config.LogConfig) (*logger.Logger, io.Closer, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Default()
	log.SetLevel(level)
	log.SetJSON(cfg.JSON)

	if cfg.File == "" {
		return log, nil, nil
	}

	closer, err := log.SetFile(logger.FileConfig{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
	if err != nil {
		return nil, nil, err
	}
	return log, closer, nil
}
