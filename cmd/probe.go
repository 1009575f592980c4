package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/isee/rtsp-client/internal/config"
	"github.com/isee/rtsp-client/pkg/logger"
	"github.com/isee/rtsp-client/pkg/rtsp"
)

// probeCmd sends OPTIONS and DESCRIBE and prints both responses
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query server capabilities and the stream description",
	Long: `Connect to the RTSP server, send OPTIONS and DESCRIBE on the stream URI
and print each response head. A Digest challenge on DESCRIBE is answered once
when a username is configured.`,
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

		return runProbe(cmd.Context(), cfg, log, cmd.OutOrStdout())
	},
}

func init() {
	addServerFlags(probeCmd.Flags())
}

func runProbe(ctx context.Context, cfg *config.Config, log *logger.Logger, out io.Writer) error {
	conn, err := rtsp.DialWithRetry(ctx, cfg.Address(), connConfig(cfg, log, nil),
		rtsp.NewRetryConfig(cfg.Server.DialRetries, 200*time.Millisecond, 5*time.Second), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}
	defer conn.Close()

	uri := cfg.URI()

	res, err := probeExchange(ctx, conn, rtsp.MethodOptions, uri, "", out)
	if err != nil {
		return err
	}

	res, err = probeExchange(ctx, conn, rtsp.MethodDescribe, uri, "", out)
	if err != nil {
		return err
	}

	if rtsp.IsAuthRequired(res.StatusCode) && !cfg.Credentials().Empty() {
		challenge, err := rtsp.ChallengeFromResponse(res)
		if err != nil {
			return err
		}
		log.Debug("answering challenge from realm %q", challenge.Realm)

		auth := challenge.Authorization(cfg.Credentials(), rtsp.MethodDescribe, uri)
		if res, err = probeExchange(ctx, conn, rtsp.MethodDescribe, uri, auth, out); err != nil {
			return err
		}
	}

	if !res.Success() {
		return &rtsp.StatusError{
			Kind:       rtsp.ErrRequestFailed,
			Method:     rtsp.MethodDescribe,
			URL:        uri,
			StatusCode: res.StatusCode,
			Message:    res.StatusMessage,
		}
	}
	return nil
}

func probeExchange(ctx context.Context, conn *rtsp.Conn, method rtsp.Method, uri, authorization string, out io.Writer) (*rtsp.Response, error) {
	req := rtsp.NewRequest(method, uri)
	if method == rtsp.MethodDescribe {
		req.Header.Set(rtsp.HeaderAccept, "application/sdp")
	}
	if authorization != "" {
		req.Header.Set(rtsp.HeaderAuthorization, authorization)
	}

	res, err := conn.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}

	fmt.Fprintf(out, "%s response:\n%s\n", method, res)
	return res, nil
}
