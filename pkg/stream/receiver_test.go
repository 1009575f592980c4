package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isee/rtsp-client/pkg/metrics"
	"github.com/isee/rtsp-client/pkg/storage"
)

func sendRTP(t *testing.T, port int, seqs ...uint16) {
	t.Helper()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	for _, seq := range seqs {
		p := pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 3000,
				SSRC:           0x1234,
			},
			Payload: []byte{0x01, 0x02, 0x03, 0x04},
		}
		raw, err := p.Marshal()
		require.NoError(t, err)
		_, err = conn.Write(raw)
		require.NoError(t, err)
	}
}

func waitDone(t *testing.T, r *Receiver) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestBind_PortPair(t *testing.T) {
	b, err := Bind(context.Background(), BindConfig{Host: "127.0.0.1"})
	require.NoError(t, err)
	defer b.Close()

	rtpPort, rtcpPort := b.Ports()
	assert.Equal(t, 0, rtpPort%2, "RTP port should be even")
	assert.Equal(t, rtpPort+1, rtcpPort)
	assert.Equal(t, fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", rtpPort, rtcpPort), b.TransportHeader())

	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func TestBind_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Bind(ctx, BindConfig{Host: "127.0.0.1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiver_MaxPackets(t *testing.T) {
	sink := storage.NewBufferSink(1<<20, false)
	m := metrics.New(metrics.DefaultConfig())
	r := NewReceiver(sink, ReceiverConfig{
		Bind:    BindConfig{Host: "127.0.0.1"},
		Stop:    StopCondition{MaxPackets: 3},
		Metrics: m,
	})
	defer r.Close()

	port, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	sendRTP(t, port, 1, 2, 4, 5, 6)

	waitDone(t, r)
	require.NoError(t, r.Wait())

	assert.Len(t, sink.Packets(), 3)
	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Packets)
	assert.Equal(t, uint64(1), stats.Lost)
	assert.Equal(t, uint32(0x1234), stats.SSRC)

	expected := `
# HELP isee_rtsp_rtp_packets_total Datagrams received on the RTP port
# TYPE isee_rtsp_rtp_packets_total counter
isee_rtsp_rtp_packets_total 3
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "isee_rtsp_rtp_packets_total"))
}

func TestReceiver_StopBeforeAnyDatagram(t *testing.T) {
	r := NewReceiver(storage.NewBufferSink(1024, false), ReceiverConfig{
		Bind: BindConfig{Host: "127.0.0.1"},
	})

	_, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	r.Stop()
	waitDone(t, r)
	assert.NoError(t, r.Wait())
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestReceiver_ContextCancellation(t *testing.T) {
	r := NewReceiver(storage.NewBufferSink(1024, false), ReceiverConfig{
		Bind: BindConfig{Host: "127.0.0.1"},
	})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Bind(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))

	cancel()
	waitDone(t, r)
	assert.NoError(t, r.Wait())
}

func TestReceiver_Duration(t *testing.T) {
	r := NewReceiver(storage.NewBufferSink(1024, false), ReceiverConfig{
		Bind: BindConfig{Host: "127.0.0.1"},
		Stop: StopCondition{Duration: 100 * time.Millisecond},
	})
	defer r.Close()

	_, err := r.Bind(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	assert.NoError(t, r.Wait())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReceiver_SinkErrorStopsLoop(t *testing.T) {
	sinkErr := errors.New("disk full")
	sink := storage.FuncSink(func([]byte) error { return sinkErr })

	r := NewReceiver(sink, ReceiverConfig{Bind: BindConfig{Host: "127.0.0.1"}})
	defer r.Close()

	port, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	sendRTP(t, port, 1)
	waitDone(t, r)

	err = r.Wait()
	assert.ErrorIs(t, err, ErrSink)
	assert.Contains(t, err.Error(), "disk full")
}

func TestReceiver_StartErrors(t *testing.T) {
	r := NewReceiver(storage.NewBufferSink(1024, false), ReceiverConfig{
		Bind: BindConfig{Host: "127.0.0.1"},
	})
	defer r.Close()

	assert.ErrorIs(t, r.Start(context.Background()), ErrNotBound)

	_, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)

	_, err = r.Bind(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestReceiver_RebindAfterClose(t *testing.T) {
	sink := storage.NewBufferSink(1<<16, false)
	r := NewReceiver(sink, ReceiverConfig{
		Bind: BindConfig{Host: "127.0.0.1"},
		Stop: StopCondition{MaxPackets: 1},
	})
	defer r.Close()

	_, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Close())
	assert.Nil(t, r.Binding())

	port, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	sendRTP(t, port, 10)
	waitDone(t, r)
	assert.NoError(t, r.Wait())
	assert.Len(t, sink.Packets(), 1)
}

func TestReceiver_RTCPStatistics(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	r := NewReceiver(storage.NewBufferSink(1024, false), ReceiverConfig{
		Bind:    BindConfig{Host: "127.0.0.1"},
		Metrics: m,
	})
	defer r.Close()

	port, err := r.Bind(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.SenderReport{SSRC: 0x1234}})
	require.NoError(t, err)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port+1))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(raw)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return r.Stats().SenderReports == 1
	}, 2*time.Second, 10*time.Millisecond)
}
