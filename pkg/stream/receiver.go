package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/isee/rtsp-client/pkg/logger"
	"github.com/isee/rtsp-client/pkg/metrics"
	"github.com/isee/rtsp-client/pkg/rtp"
	"github.com/isee/rtsp-client/pkg/rtsp"
)

// maxDatagramSize is the largest UDP payload a single read can return
const maxDatagramSize = 65535

var (
	// ErrNotBound indicates Start before Bind
	ErrNotBound = errors.New("receiver not bound")
	// ErrAlreadyStarted indicates a second Start on the same binding
	ErrAlreadyStarted = errors.New("receiver already started")
	// ErrSink wraps a sink write failure that stopped the receiver
	ErrSink = errors.New("sink write failed")
)

var _ rtsp.StreamEndpoint = (*Receiver)(nil)

// Sink consumes received datagrams. The slice is owned by the sink.
type Sink interface {
	WritePacket(p []byte) error
}

// StopCondition bounds a run. Zero values mean unbounded; a run with no
// bound stops only on cancellation, Stop or Close.
type StopCondition struct {
	MaxPackets int
	Duration   time.Duration
}

// ReceiverConfig configures a Receiver
type ReceiverConfig struct {
	Bind    BindConfig
	Stop    StopCondition
	Logger  *logger.Logger
	Metrics *metrics.Collector
}

// Receiver binds the RTP/RTCP port pair before SETUP and, once started,
// forwards each RTP datagram to its sink from its own goroutine.
type Receiver struct {
	sink      Sink
	cfg       ReceiverConfig
	log       *logger.Logger
	inspector *rtp.Inspector

	mu      sync.Mutex
	binding *Binding
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewReceiver creates a Receiver writing to sink
func NewReceiver(sink Sink, cfg ReceiverConfig) *Receiver {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Receiver{
		sink:      sink,
		cfg:       cfg,
		log:       cfg.Logger,
		inspector: rtp.NewInspector(),
		done:      make(chan struct{}),
	}
}

// Bind opens the port pair and returns the RTP port. Binding again after
// Close opens a fresh pair.
func (r *Receiver) Bind(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		select {
		case <-r.done:
		default:
			return 0, ErrAlreadyStarted
		}
	}

	if r.binding != nil {
		r.binding.Close()
		r.binding = nil
	}

	b, err := Bind(ctx, r.cfg.Bind)
	if err != nil {
		return 0, err
	}

	if r.started {
		r.done = make(chan struct{})
		r.started = false
		r.err = nil
	}
	r.binding = b

	rtpPort, rtcpPort := b.Ports()
	r.log.Debug("receiver bound to client_port=%d-%d", rtpPort, rtcpPort)
	return rtpPort, nil
}

// Binding returns the current port pair, nil when unbound
func (r *Receiver) Binding() *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.binding
}

// Start launches the receive loop. It returns immediately; use Done or Wait
// to observe termination.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.binding == nil {
		return ErrNotBound
	}
	if r.started {
		return ErrAlreadyStarted
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.Stop.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Stop.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	r.started = true
	r.cancel = cancel

	go r.run(runCtx, cancel, r.binding, r.done)
	go r.drainRTCP(runCtx, r.binding)

	r.log.Info("receiver started (max_packets=%d, duration=%v)", r.cfg.Stop.MaxPackets, r.cfg.Stop.Duration)
	return nil
}

// Done is closed when the receive loop exits
func (r *Receiver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the receive loop exits and returns its terminal error,
// nil for any normal stop
func (r *Receiver) Wait() error {
	<-r.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop asks the receive loop to exit without waiting for it
func (r *Receiver) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close stops the loop, waits for it and releases the port pair
func (r *Receiver) Close() error {
	r.Stop()

	r.mu.Lock()
	started, done, b := r.started, r.done, r.binding
	r.binding = nil
	r.mu.Unlock()

	if started {
		<-done
	}
	if b == nil {
		return nil
	}
	return b.Close()
}

// Stats returns reception statistics for this receiver
func (r *Receiver) Stats() rtp.Stats {
	return r.inspector.Stats()
}

func (r *Receiver) run(ctx context.Context, cancel context.CancelFunc, b *Binding, done chan struct{}) {
	r.cfg.Metrics.ReceiverStarted()

	// a read deadline in the past unblocks ReadFromUDP
	stopUnblock := context.AfterFunc(ctx, func() {
		b.rtp.SetReadDeadline(time.Now())
	})

	err := r.loop(ctx, b)

	stopUnblock()
	cancel()
	r.cfg.Metrics.ReceiverStopped()

	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("receiver stopped: %v", err)
	} else {
		r.log.Info("receiver stopped: %s", r.inspector.Stats())
	}
	close(done)
}

func (r *Receiver) loop(ctx context.Context, b *Binding) error {
	buf := make([]byte, maxDatagramSize)
	count := 0

	for {
		n, _, err := b.rtp.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read datagram: %w", err)
		}

		p := make([]byte, n)
		copy(p, buf[:n])

		if _, gap, err := r.inspector.Inspect(p); err != nil {
			r.log.Debug("non-RTP datagram of %d bytes: %v", n, err)
		} else {
			r.cfg.Metrics.Lost(gap)
		}
		r.cfg.Metrics.Packet(n)

		if err := r.sink.WritePacket(p); err != nil {
			return fmt.Errorf("%w: %v", ErrSink, err)
		}

		count++
		if r.cfg.Stop.MaxPackets > 0 && count >= r.cfg.Stop.MaxPackets {
			return nil
		}
	}
}

func (r *Receiver) drainRTCP(ctx context.Context, b *Binding) {
	stopUnblock := context.AfterFunc(ctx, func() {
		b.rtcp.SetReadDeadline(time.Now())
	})
	defer stopUnblock()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := b.rtcp.ReadFromUDP(buf)
		if err != nil {
			return
		}

		kinds, err := r.inspector.InspectRTCP(buf[:n])
		if err != nil {
			r.log.Debug("ignoring RTCP datagram: %v", err)
			continue
		}
		for _, k := range kinds {
			r.cfg.Metrics.RTCP(k)
		}
	}
}
