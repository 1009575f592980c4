package rtsp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/isee/rtsp-client/pkg/logger"
)

// State is a lifecycle state of a Session
type State string

// Session states
const (
	StateIdle      State = "idle"
	StateDescribed State = "described"
	StateReady     State = "ready"
	StatePlaying   State = "playing"
	StateTornDown  State = "torn_down"
)

const (
	eventDescribe = "describe"
	eventSetup    = "setup"
	eventPlay     = "play"
	eventTeardown = "teardown"
	eventClose    = "close"
)

// StreamEndpoint is the datagram side of a session. Bind must happen before
// SETUP so the port can be advertised; Start runs the receive loop once PLAY
// succeeds; Close stops the loop and releases the sockets.
type StreamEndpoint interface {
	Bind(ctx context.Context) (rtpPort int, err error)
	Start(ctx context.Context) error
	Close() error
}

// SessionConfig describes the stream a Session negotiates
type SessionConfig struct {
	Host        string
	Port        int
	Path        string
	Track       string
	Credentials Credentials
	Endpoint    StreamEndpoint
	Logger      *logger.Logger
}

// Session drives OPTIONS, DESCRIBE, SETUP, PLAY and TEARDOWN over one control
// channel. It owns the Conn and the StreamEndpoint for one streaming attempt.
type Session struct {
	conn     *Conn
	cfg      SessionConfig
	baseURI  string
	trackURI string
	fsm      *fsm.FSM
	log      *logger.Logger

	// lifetime of background units (receiver, keep-alive)
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	challenge     *AuthChallenge
	id            string
	timeout       time.Duration
	capabilities  []string
	serverPorts   []int
	lastKeepAlive time.Time
	keepAliveStop chan struct{}
	keepAliveDone chan struct{}
}

// NewSession creates a Session in the idle state. ctx bounds the lifetime of
// the streaming receiver and keep-alive loop started by the session.
func NewSession(ctx context.Context, conn *Conn, cfg SessionConfig) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	s := &Session{
		conn:     conn,
		cfg:      cfg,
		baseURI:  BuildURI(cfg.Host, cfg.Port, cfg.Path, ""),
		trackURI: BuildURI(cfg.Host, cfg.Port, cfg.Path, cfg.Track),
		log:      cfg.Logger.WithField("uri", BuildURI(cfg.Host, cfg.Port, cfg.Path, "")),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventDescribe, Src: []string{string(StateIdle), string(StateDescribed)}, Dst: string(StateDescribed)},
			{Name: eventSetup, Src: []string{string(StateDescribed)}, Dst: string(StateReady)},
			{Name: eventPlay, Src: []string{string(StateReady)}, Dst: string(StatePlaying)},
			{Name: eventTeardown, Src: []string{string(StateReady), string(StatePlaying)}, Dst: string(StateTornDown)},
			{Name: eventClose, Src: []string{string(StateIdle), string(StateDescribed), string(StateReady), string(StatePlaying)}, Dst: string(StateTornDown)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug("session state %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// SessionID returns the server-issued session identifier, empty before SETUP
// and after TEARDOWN
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SessionTimeout returns the timeout announced in the Session header
func (s *Session) SessionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Capabilities returns the methods listed in the last OPTIONS Public header
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.capabilities...)
}

// ServerPorts returns the server_port pair from the SETUP Transport header
func (s *Session) ServerPorts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.serverPorts...)
}

// BaseURI returns the aggregate URI used by every method but SETUP
func (s *Session) BaseURI() string {
	return s.baseURI
}

// TrackURI returns the URI SETUP is sent to
func (s *Session) TrackURI() string {
	return s.trackURI
}

// Options queries server capabilities. It never changes state.
func (s *Session) Options(ctx context.Context) error {
	if s.State() == StateTornDown {
		return fmt.Errorf("%w: OPTIONS in state %s", ErrInvalidState, StateTornDown)
	}

	res, err := s.exchange(ctx, MethodOptions, s.baseURI, s.withSession)
	if err != nil {
		return err
	}

	if !res.Success() {
		return s.rejected(ErrRequestFailed, MethodOptions, s.baseURI, res)
	}

	s.mu.Lock()
	if publicHeader, ok := res.Header[HeaderPublic]; ok {
		s.capabilities = parsePublicHeader(publicHeader)
	}
	s.lastKeepAlive = time.Now()
	s.mu.Unlock()

	return nil
}

// Describe requests the stream description. On an authentication challenge
// it re-issues DESCRIBE once with Digest credentials.
func (s *Session) Describe(ctx context.Context) error {
	if !s.fsm.Can(eventDescribe) {
		return fmt.Errorf("%w: DESCRIBE in state %s", ErrInvalidState, s.State())
	}

	accept := func(req *Request) {
		req.Header.Set(HeaderAccept, "application/sdp")
	}

	res, err := s.exchange(ctx, MethodDescribe, s.baseURI, accept)
	if err != nil {
		return err
	}

	if IsAuthRequired(res.StatusCode) {
		if s.cfg.Credentials.Empty() {
			return newStatusError(ErrAuthRequired, MethodDescribe, s.baseURI, res)
		}

		challenge, err := ChallengeFromResponse(res)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.challenge = challenge
		s.mu.Unlock()

		s.log.Debug("DESCRIBE challenged by realm %q, retrying with credentials", challenge.Realm)

		res, err = s.exchange(ctx, MethodDescribe, s.baseURI, accept)
		if err != nil {
			return err
		}
		if IsAuthRequired(res.StatusCode) {
			return newStatusError(ErrAuthRequired, MethodDescribe, s.baseURI, res)
		}
	}

	if !res.Success() {
		return newStatusError(ErrRequestFailed, MethodDescribe, s.baseURI, res)
	}

	return s.transition(ctx, eventDescribe)
}

// Setup binds the streaming endpoint and asks the server to target it
func (s *Session) Setup(ctx context.Context) error {
	if !s.fsm.Can(eventSetup) {
		return fmt.Errorf("%w: SETUP in state %s", ErrInvalidState, s.State())
	}
	if s.cfg.Endpoint == nil {
		return fmt.Errorf("%w: SETUP without a streaming endpoint", ErrInvalidState)
	}

	rtpPort, err := s.cfg.Endpoint.Bind(ctx)
	if err != nil {
		return fmt.Errorf("failed to bind streaming endpoint: %w", err)
	}

	transport := fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", rtpPort, rtpPort+1)
	res, err := s.exchange(ctx, MethodSetup, s.trackURI, func(req *Request) {
		req.Header.Set(HeaderTransport, transport)
	})
	if err != nil {
		s.closeEndpoint()
		return err
	}

	if !res.Success() {
		s.closeEndpoint()
		return s.rejected(ErrSetupRejected, MethodSetup, s.trackURI, res)
	}

	sessionHeader, ok := res.Header[HeaderSession]
	if !ok {
		s.closeEndpoint()
		return fmt.Errorf("%w: SETUP %d without %s header", ErrMalformedResponse, res.StatusCode, HeaderSession)
	}

	id, timeout := parseSessionTimeout(sessionHeader)
	if id == "" {
		s.closeEndpoint()
		return fmt.Errorf("%w: empty session identifier in %q", ErrMalformedResponse, sessionHeader)
	}

	s.mu.Lock()
	s.id = id
	s.timeout = timeout
	if t, ok := res.Header[HeaderTransport]; ok {
		s.serverPorts = extractServerPorts(t)
	}
	s.mu.Unlock()

	s.log = s.log.WithField("session", id)
	s.log.Info("session %s established, client_port=%d-%d", id, rtpPort, rtpPort+1)

	return s.transition(ctx, eventSetup)
}

// Play starts delivery. The streaming receiver is started once the server accepts.
func (s *Session) Play(ctx context.Context) error {
	if !s.fsm.Can(eventPlay) || s.SessionID() == "" {
		return fmt.Errorf("%w: PLAY in state %s", ErrInvalidState, s.State())
	}

	res, err := s.exchange(ctx, MethodPlay, s.baseURI, func(req *Request) {
		s.withSession(req)
		req.Header.Set(HeaderRange, "npt=0.000-")
	})
	if err != nil {
		return err
	}

	if !res.Success() {
		return s.rejected(ErrPlayRejected, MethodPlay, s.baseURI, res)
	}

	// the session stays ready if the receiver cannot start, so Teardown
	// still applies
	if err := s.cfg.Endpoint.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start streaming receiver: %w", err)
	}
	return s.transition(ctx, eventPlay)
}

// Teardown ends the session. Local resources are released and the session
// moves to torn_down even when the exchange fails.
func (s *Session) Teardown(ctx context.Context) error {
	id := s.SessionID()
	if !s.fsm.Can(eventTeardown) || id == "" {
		return fmt.Errorf("%w: TEARDOWN in state %s", ErrInvalidState, s.State())
	}

	var errs []error

	res, err := s.exchange(ctx, MethodTeardown, s.baseURI, s.withSession)
	if err != nil {
		errs = append(errs, err)
	} else if !res.Success() {
		errs = append(errs, s.rejected(ErrRequestFailed, MethodTeardown, s.baseURI, res))
	}

	s.StopKeepAlive()
	if err := s.closeEndpoint(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()

	if err := s.transition(ctx, eventTeardown); err != nil {
		errs = append(errs, err)
	}

	s.log.Info("session %s torn down", id)
	return errors.Join(errs...)
}

// Close releases every local resource without talking to the server
func (s *Session) Close() error {
	s.StopKeepAlive()
	s.cancel()

	var errs []error
	if err := s.closeEndpoint(); err != nil {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()

	if s.fsm.Can(eventClose) {
		if err := s.transition(context.Background(), eventClose); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing session: %w", errors.Join(errs...))
	}
	return nil
}

// exchange builds a request, attaches credentials scoped to this method and
// URI when a challenge is known, and sends it
func (s *Session) exchange(ctx context.Context, method Method, uri string, build func(*Request)) (*Response, error) {
	req := NewRequest(method, uri)
	if build != nil {
		build(req)
	}

	s.mu.Lock()
	challenge := s.challenge
	s.mu.Unlock()

	if challenge != nil && !s.cfg.Credentials.Empty() {
		req.Header.Set(HeaderAuthorization, challenge.Authorization(s.cfg.Credentials, method, uri))
	}

	res, err := s.conn.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	s.log.Debug("%s %s -> %d %s", method, uri, res.StatusCode, res.StatusMessage)
	return res, nil
}

// rejected builds the error for a non-success status. A fresh challenge on a
// 401 replaces the stored one so a caller-level retry uses the new nonce.
func (s *Session) rejected(kind error, method Method, uri string, res *Response) error {
	if IsAuthRequired(res.StatusCode) {
		if challenge, err := ChallengeFromResponse(res); err == nil {
			s.mu.Lock()
			s.challenge = challenge
			s.mu.Unlock()
		}
	}
	return newStatusError(kind, method, uri, res)
}

func (s *Session) withSession(req *Request) {
	if id := s.SessionID(); id != "" {
		req.Header.Set(HeaderSession, id)
	}
}

// transition applies event once the server has answered. The caller's
// deadline no longer applies at that point.
func (s *Session) transition(ctx context.Context, event string) error {
	err := s.fsm.Event(context.WithoutCancel(ctx), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

func (s *Session) closeEndpoint() error {
	if s.cfg.Endpoint == nil {
		return nil
	}
	return s.cfg.Endpoint.Close()
}
