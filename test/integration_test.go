package test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isee/rtsp-client/pkg/rtsp"
	"github.com/isee/rtsp-client/pkg/storage"
	"github.com/isee/rtsp-client/pkg/stream"
)

func startServer(t *testing.T) *MockRTSPServer {
	t.Helper()

	server, err := NewMockRTSPServer()
	require.NoError(t, err)
	server.Start()
	t.Cleanup(server.Stop)
	return server
}

func newSession(t *testing.T, server *MockRTSPServer, creds rtsp.Credentials, sink stream.Sink, stop stream.StopCondition) (*rtsp.Session, *stream.Receiver) {
	t.Helper()

	conn, err := rtsp.Dial(context.Background(), server.Address(), rtsp.ConnConfig{Timeout: 2 * time.Second})
	require.NoError(t, err)

	receiver := stream.NewReceiver(sink, stream.ReceiverConfig{
		Bind: stream.BindConfig{Host: "127.0.0.1"},
		Stop: stop,
	})

	session := rtsp.NewSession(context.Background(), conn, rtsp.SessionConfig{
		Host:        "127.0.0.1",
		Port:        server.Port(),
		Path:        "stream",
		Track:       "track1",
		Credentials: creds,
		Endpoint:    receiver,
	})
	t.Cleanup(func() { session.Close() })
	return session, receiver
}

func waitReceiver(t *testing.T, r *stream.Receiver) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

// TestE2E_BasicFlow tests the complete RTSP flow with datagrams delivered after PLAY
func TestE2E_BasicFlow(t *testing.T) {
	server := startServer(t)
	server.SetStream(20, 2*time.Millisecond)

	sink := storage.NewBufferSink(1<<20, false)
	session, receiver := newSession(t, server, rtsp.Credentials{}, sink, stream.StopCondition{MaxPackets: 20})
	ctx := context.Background()

	require.NoError(t, session.Options(ctx))
	assert.Contains(t, session.Capabilities(), "GET_PARAMETER")

	require.NoError(t, session.Describe(ctx))
	assert.Equal(t, rtsp.StateDescribed, session.State())

	require.NoError(t, session.Setup(ctx))
	assert.Equal(t, rtsp.StateReady, session.State())
	assert.Equal(t, "12345678", session.SessionID())
	assert.Equal(t, 60*time.Second, session.SessionTimeout())
	assert.Equal(t, []int{60000, 60001}, session.ServerPorts())

	require.NoError(t, session.Play(ctx))
	assert.Equal(t, rtsp.StatePlaying, session.State())

	waitReceiver(t, receiver)
	require.NoError(t, receiver.Wait())

	stats := receiver.Stats()
	assert.Equal(t, uint64(20), stats.Packets)
	assert.Equal(t, uint64(0), stats.Lost)
	assert.Equal(t, uint32(0x5eed), stats.SSRC)
	assert.Equal(t, 20, sink.Len())

	require.NoError(t, session.Teardown(ctx))
	assert.Equal(t, rtsp.StateTornDown, session.State())

	assert.Equal(t, []string{"OPTIONS", "DESCRIBE", "SETUP", "PLAY", "TEARDOWN"}, server.Methods())
	for i, req := range server.Requests() {
		assert.Equal(t, rtsp.DefaultUserAgent, req.Headers[rtsp.HeaderUserAgent])
		assert.Equal(t, strconv.Itoa(i+1), req.Headers[rtsp.HeaderCSeq])
	}
}

// TestE2E_WithAuthentication tests that every method after the challenge
// carries a digest the server can verify
func TestE2E_WithAuthentication(t *testing.T) {
	server := startServer(t)
	server.SetRequireAuth("admin", "password123")

	creds := rtsp.Credentials{Username: "admin", Password: "password123"}
	session, _ := newSession(t, server, creds, storage.NewBufferSink(1024, true), stream.StopCondition{})
	ctx := context.Background()

	require.NoError(t, session.Options(ctx))
	require.NoError(t, session.Describe(ctx))
	require.NoError(t, session.Setup(ctx))
	require.NoError(t, session.Play(ctx))
	require.NoError(t, session.Teardown(ctx))

	assert.Equal(t, []string{"OPTIONS", "DESCRIBE", "DESCRIBE", "SETUP", "PLAY", "TEARDOWN"}, server.Methods())

	requests := server.Requests()
	assert.NotContains(t, requests[1].Headers, rtsp.HeaderAuthorization)
	for _, req := range requests[2:] {
		expected := rtsp.ComputeDigest("admin", "password123", MockRealm, req.Method, req.URI, server.Nonce())
		assert.Equal(t, expected, req.Headers[rtsp.HeaderAuthorization], req.Method)
	}
	assert.Equal(t, server.URL("/stream/track1"), requests[3].URI)
}

func TestE2E_WrongPassword(t *testing.T) {
	server := startServer(t)
	server.SetRequireAuth("admin", "password123")

	session, _ := newSession(t, server, rtsp.Credentials{Username: "admin", Password: "nope"}, storage.NewBufferSink(1024, true), stream.StopCondition{})

	err := session.Describe(context.Background())
	assert.ErrorIs(t, err, rtsp.ErrAuthRequired)
	assert.Equal(t, rtsp.StateIdle, session.State())
	assert.Equal(t, 2, server.GetRequestCount())
}

func TestE2E_AuthWithoutCredentials(t *testing.T) {
	server := startServer(t)
	server.SetRequireAuth("admin", "password123")

	session, _ := newSession(t, server, rtsp.Credentials{}, storage.NewBufferSink(1024, true), stream.StopCondition{})

	err := session.Describe(context.Background())
	assert.ErrorIs(t, err, rtsp.ErrAuthRequired)

	var statusErr *rtsp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 401, statusErr.StatusCode)
	assert.Equal(t, 1, server.GetRequestCount())
}

func TestE2E_SetupRejected(t *testing.T) {
	server := startServer(t)
	server.SetResponse("SETUP", "RTSP/1.0 461 Unsupported Transport\r\nCSeq: %d\r\n\r\n")

	session, _ := newSession(t, server, rtsp.Credentials{}, storage.NewBufferSink(1024, true), stream.StopCondition{})
	ctx := context.Background()

	require.NoError(t, session.Describe(ctx))

	err := session.Setup(ctx)
	assert.ErrorIs(t, err, rtsp.ErrSetupRejected)
	assert.Equal(t, rtsp.StateDescribed, session.State())
	assert.Empty(t, session.SessionID())

	err = session.Play(ctx)
	assert.ErrorIs(t, err, rtsp.ErrInvalidState)
}

func TestE2E_SetupWithoutSession(t *testing.T) {
	server := startServer(t)
	server.SetResponse("SETUP", "RTSP/1.0 200 OK\r\nCSeq: %d\r\nTransport: RTP/AVP;unicast\r\n\r\n")

	session, _ := newSession(t, server, rtsp.Credentials{}, storage.NewBufferSink(1024, true), stream.StopCondition{})
	ctx := context.Background()

	require.NoError(t, session.Describe(ctx))
	assert.ErrorIs(t, session.Setup(ctx), rtsp.ErrMalformedResponse)
	assert.Equal(t, rtsp.StateDescribed, session.State())
}

// TestE2E_CaptureToFile tests that datagrams land in a capture file unchanged
func TestE2E_CaptureToFile(t *testing.T) {
	server := startServer(t)
	server.SetStream(10, time.Millisecond)

	path := filepath.Join(t.TempDir(), "captures", "run.bin")
	sink, err := storage.NewFileSink(path)
	require.NoError(t, err)

	session, receiver := newSession(t, server, rtsp.Credentials{}, sink, stream.StopCondition{MaxPackets: 10})
	ctx := context.Background()

	require.NoError(t, session.Describe(ctx))
	require.NoError(t, session.Setup(ctx))
	require.NoError(t, session.Play(ctx))
	waitReceiver(t, receiver)
	require.NoError(t, session.Teardown(ctx))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var seqs []uint16
	err = storage.ReadCapture(bytes.NewReader(data), func(datagram []byte) error {
		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(datagram); err != nil {
			return err
		}
		seqs = append(seqs, pkt.SequenceNumber)
		assert.Equal(t, []byte{0x65, 0x88, 0x84, 0x00}, pkt.Payload)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seqs)
}

// TestE2E_DurationLimit tests that a run without a packet limit ends on its deadline
func TestE2E_DurationLimit(t *testing.T) {
	server := startServer(t)

	session, receiver := newSession(t, server, rtsp.Credentials{}, storage.NewBufferSink(1024, true), stream.StopCondition{Duration: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, session.Describe(ctx))
	require.NoError(t, session.Setup(ctx))
	require.NoError(t, session.Play(ctx))

	start := time.Now()
	waitReceiver(t, receiver)
	assert.NoError(t, receiver.Wait())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, session.Teardown(ctx))
}

func TestE2E_ResponseTimeout(t *testing.T) {
	server := startServer(t)
	server.SetResponseDelay(500 * time.Millisecond)

	conn, err := rtsp.Dial(context.Background(), server.Address(), rtsp.ConnConfig{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(context.Background(), rtsp.NewRequest(rtsp.MethodOptions, server.URL("/stream")))
	assert.ErrorIs(t, err, rtsp.ErrTransport)
}

func TestE2E_ServerUnavailable(t *testing.T) {
	server, err := NewMockRTSPServer()
	require.NoError(t, err)
	addr := server.Address()
	server.Stop()

	stats := &rtsp.RecoveryMetrics{}
	retry := rtsp.NewRetryConfig(2, 10*time.Millisecond, 20*time.Millisecond)

	_, err = rtsp.DialWithRetry(context.Background(), addr, rtsp.ConnConfig{Timeout: 200 * time.Millisecond}, retry, stats)
	assert.ErrorIs(t, err, rtsp.ErrTransport)

	total, succeeded, failed := stats.Snapshot()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 2, failed)
}
