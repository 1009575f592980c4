package rtsp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseSessionTimeout extracts session ID and timeout from Session header
// Example: "12345678;timeout=60" returns ("12345678", 60*time.Second)
func parseSessionTimeout(sessionHeader string) (string, time.Duration) {
	parts := strings.Split(sessionHeader, ";")
	session := strings.TrimSpace(parts[0])

	var timeout time.Duration
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "timeout=") {
			timeoutStr := strings.TrimPrefix(part, "timeout=")
			if seconds, err := strconv.Atoi(timeoutStr); err == nil {
				timeout = time.Duration(seconds) * time.Second
			}
		}
	}

	return session, timeout
}

// calculateKeepAliveInterval sends keep-alive at half the timeout period,
// clamped to [10s, 30s]; 30s when the server announced no timeout
func calculateKeepAliveInterval(sessionTimeout time.Duration) time.Duration {
	if sessionTimeout == 0 {
		return 30 * time.Second
	}

	interval := sessionTimeout / 2

	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	return interval
}

// selectKeepAliveMethod prefers GET_PARAMETER when the server advertises it
func selectKeepAliveMethod(capabilities []string) Method {
	for _, c := range capabilities {
		if strings.EqualFold(strings.TrimSpace(c), string(MethodGetParameter)) {
			return MethodGetParameter
		}
	}
	return MethodOptions
}

// parsePublicHeader parses Public header to extract server capabilities
// Example: "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN"
func parsePublicHeader(publicHeader string) []string {
	if publicHeader == "" {
		return []string{}
	}

	parts := strings.Split(publicHeader, ",")
	capabilities := make([]string, 0, len(parts))

	for _, part := range parts {
		capability := strings.TrimSpace(part)
		if capability != "" {
			capabilities = append(capabilities, strings.ToUpper(capability))
		}
	}

	return capabilities
}

// GetParameter sends an empty GET_PARAMETER, used as keep-alive
func (s *Session) GetParameter(ctx context.Context) error {
	if s.SessionID() == "" {
		return fmt.Errorf("%w: GET_PARAMETER without session", ErrInvalidState)
	}

	res, err := s.exchange(ctx, MethodGetParameter, s.baseURI, s.withSession)
	if err != nil {
		return err
	}

	// 451 Parameter Not Understood is acceptable for keep-alive
	if !res.Success() && res.StatusCode != 451 {
		return s.rejected(ErrRequestFailed, MethodGetParameter, s.baseURI, res)
	}

	s.mu.Lock()
	s.lastKeepAlive = time.Now()
	s.mu.Unlock()

	return nil
}

// StartKeepAlive refreshes the session periodically until teardown, Close or
// the session context ends. Calling it twice has no effect.
func (s *Session) StartKeepAlive() {
	s.startKeepAlive(calculateKeepAliveInterval(s.SessionTimeout()))
}

func (s *Session) startKeepAlive(interval time.Duration) {
	s.mu.Lock()
	if s.keepAliveStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.keepAliveStop = stop
	s.keepAliveDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if s.isSessionExpired() {
					s.log.Warn("no refresh within session timeout %v, server may have dropped the session", s.SessionTimeout())
				}

				ctx, cancel := context.WithTimeout(s.ctx, interval)
				var err error
				if selectKeepAliveMethod(s.Capabilities()) == MethodGetParameter {
					err = s.GetParameter(ctx)
				} else {
					err = s.Options(ctx)
				}
				cancel()

				if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) {
					s.log.Warn("keep-alive stopped: %v", err)
					return
				}
				if err != nil {
					s.log.Warn("keep-alive failed: %v", err)
				}

			case <-stop:
				return

			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// StopKeepAlive stops the keep-alive loop and waits for it to exit
func (s *Session) StopKeepAlive() {
	s.mu.Lock()
	stop, done := s.keepAliveStop, s.keepAliveDone
	s.keepAliveStop = nil
	s.keepAliveDone = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// IsKeepAliveRunning reports whether the keep-alive loop is active
func (s *Session) IsKeepAliveRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAliveStop != nil
}

// isSessionExpired checks if the session outlived its timeout since the last refresh
func (s *Session) isSessionExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout == 0 || s.lastKeepAlive.IsZero() {
		return false
	}
	return time.Since(s.lastKeepAlive) >= s.timeout
}
