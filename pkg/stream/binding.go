// Package stream receives the media datagrams negotiated by an RTSP session.
package stream

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"
)

const (
	// DefaultBindAttempts is how many port pairs Bind tries before giving up
	DefaultBindAttempts = 10

	minPort = 10000
	maxPort = 65535

	kernelReadBufferSize = 0x80000
)

// ErrBindFailed indicates no consecutive RTP/RTCP port pair could be bound
var ErrBindFailed = errors.New("failed to bind RTP/RTCP port pair")

// BindConfig selects where the datagram endpoints listen
type BindConfig struct {
	// Host is the local address to listen on, all interfaces when empty
	Host string
	// Attempts bounds the number of port pairs tried
	Attempts int
	// ReadBufferSize is the kernel receive buffer requested for the RTP socket
	ReadBufferSize int
}

// Binding is a bound RTP/RTCP port pair. The RTP port is even and the RTCP
// port is the next one up.
type Binding struct {
	rtp  *net.UDPConn
	rtcp *net.UDPConn

	closeOnce sync.Once
	closeErr  error
}

func randInRange(max int) int {
	b := big.NewInt(int64(max + 1))
	n, _ := rand.Int(rand.Reader, b)
	return int(n.Int64())
}

// Bind listens on a random even port and its odd neighbour
func Bind(ctx context.Context, cfg BindConfig) (*Binding, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultBindAttempts
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = kernelReadBufferSize
	}

	var lc net.ListenConfig
	var lastErr error

	for i := 0; i < cfg.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rtpPort := randInRange((maxPort-minPort)/2-1)*2 + minPort

		rtp, err := listen(ctx, &lc, cfg.Host, rtpPort)
		if err != nil {
			lastErr = err
			continue
		}

		rtcp, err := listen(ctx, &lc, cfg.Host, rtpPort+1)
		if err != nil {
			rtp.Close()
			lastErr = err
			continue
		}

		// best effort, some systems cap the buffer size
		_ = rtp.SetReadBuffer(cfg.ReadBufferSize)

		return &Binding{rtp: rtp, rtcp: rtcp}, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrBindFailed, cfg.Attempts, lastErr)
}

func listen(ctx context.Context, lc *net.ListenConfig, host string, port int) (*net.UDPConn, error) {
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Ports returns the bound RTP and RTCP ports
func (b *Binding) Ports() (rtp, rtcp int) {
	return b.rtp.LocalAddr().(*net.UDPAddr).Port, b.rtcp.LocalAddr().(*net.UDPAddr).Port
}

// TransportHeader returns the Transport value advertising this port pair
func (b *Binding) TransportHeader() string {
	rtp, rtcp := b.Ports()
	return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", rtp, rtcp)
}

// Close releases both sockets. It is safe to call more than once.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = errors.Join(b.rtp.Close(), b.rtcp.Close())
	})
	return b.closeErr
}
