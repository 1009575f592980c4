package rtsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isee/rtsp-client/pkg/logger"
	"github.com/isee/rtsp-client/pkg/metrics"
)

const (
	// DefaultPort is the well-known RTSP control port
	DefaultPort = 554
	// DefaultTimeout bounds dialing and every single exchange
	DefaultTimeout = 10 * time.Second
	// DefaultReadBufferSize is the size of the single read that must hold a response head
	DefaultReadBufferSize = 4096
)

// ConnConfig configures a control channel
type ConnConfig struct {
	Timeout        time.Duration
	ReadBufferSize int
	UserAgent      string
	InitialCSeq    int
	Logger         *logger.Logger
	Metrics        *metrics.Collector
}

func (cfg ConnConfig) withDefaults() ConnConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.InitialCSeq <= 0 {
		cfg.InitialCSeq = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return cfg
}

// Conn is the control channel: one ordered byte stream carrying one
// request/response exchange at a time. It owns the CSeq counter.
type Conn struct {
	nc     net.Conn
	closed atomic.Bool

	mu     sync.Mutex
	cfg    ConnConfig
	cseq   int
	broken error
	log    *logger.Logger
}

// Dial connects to an RTSP server
func Dial(ctx context.Context, address string, cfg ConnConfig) (*Conn, error) {
	cfg = cfg.withDefaults()

	d := net.Dialer{Timeout: cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "dial " + address, Err: err}
	}

	cfg.Logger.Debug("control channel connected to %s", address)
	return NewConn(nc, cfg), nil
}

// NewConn wraps an already established stream
func NewConn(nc net.Conn, cfg ConnConfig) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		nc:   nc,
		cfg:  cfg,
		cseq: cfg.InitialCSeq,
		log:  cfg.Logger,
	}
}

// CSeq returns the sequence number the next Send will use
func (c *Conn) CSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cseq
}

// RemoteAddr returns the server address, or nil when not connected
func (c *Conn) RemoteAddr() net.Addr {
	if c.nc == nil || c.closed.Load() {
		return nil
	}
	return c.nc.RemoteAddr()
}

// Send performs one exchange. The sequence number is consumed whatever the outcome.
func (c *Conn) Send(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.cseq++ }()

	if c.nc == nil || c.closed.Load() {
		return nil, ErrNotConnected
	}
	if c.broken != nil {
		return nil, fmt.Errorf("%w: channel unusable after %v", ErrTransport, c.broken)
	}

	req.CSeq = c.cseq
	if _, ok := req.Header.Get(HeaderUserAgent); !ok {
		req.Header.Set(HeaderUserAgent, c.cfg.UserAgent)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, c.fail(req.Method, "set deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	wire := req.Marshal()
	c.log.Debug("C->S %s", wire)

	if _, err := c.nc.Write(wire); err != nil {
		return nil, c.fail(req.Method, "write", ctxErr(ctx, err))
	}

	buf := make([]byte, c.cfg.ReadBufferSize)
	n, err := c.nc.Read(buf)
	if err != nil {
		return nil, c.fail(req.Method, "read", ctxErr(ctx, err))
	}
	raw := buf[:n]
	c.log.Debug("S->C %s", raw)

	res, err := ParseResponse(raw)
	if errors.Is(err, ErrTruncatedResponse) {
		// the rest of the head is still in the socket
		return nil, c.fail(req.Method, "read", err)
	}
	if err != nil {
		c.cfg.Metrics.ResponseError(string(req.Method))
		return nil, err
	}

	if err := c.discardBody(raw, res); err != nil {
		return nil, c.fail(req.Method, "read body", ctxErr(ctx, err))
	}

	c.cfg.Metrics.ObserveExchange(string(req.Method), res.StatusCode, time.Since(start))
	return res, nil
}

// discardBody drains the part of a declared body that did not arrive with the
// head, so the next exchange starts on a message boundary.
func (c *Conn) discardBody(raw []byte, res *Response) error {
	length := res.ContentLength()
	if length == 0 {
		return nil
	}
	inBuffer := len(raw) - (bytes.Index(raw, headBoundary) + len(headBoundary))
	remaining := int64(length - inBuffer)
	if remaining <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, c.nc, remaining)
	return err
}

func (c *Conn) fail(method Method, op string, err error) error {
	terr := &TransportError{Op: op, Err: err}
	c.broken = terr
	c.cfg.Metrics.TransportError(string(method))
	c.log.Warn("control channel %s failed during %s: %v", op, method, err)
	return terr
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

// Close closes the connection without waiting for an in-flight exchange,
// which then fails with a transport error. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.nc == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.nc.Close()
}
