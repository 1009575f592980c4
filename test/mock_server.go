package test

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/isee/rtsp-client/pkg/rtsp"
)

// MockRealm is the realm announced when authentication is required
const MockRealm = "RTSP Server"

// Request is a request as received by the mock server
type Request struct {
	Method  string
	URI     string
	Headers map[string]string
}

// MockRTSPServer is an in-process RTSP server. It verifies Digest responses,
// answers SETUP with the requested client ports and, once PLAY is accepted,
// streams RTP datagrams to the client RTP port.
type MockRTSPServer struct {
	listener net.Listener
	port     int

	mu            sync.Mutex
	running       bool
	requests      []Request
	responses     map[string]string // method -> raw response, %d is replaced by CSeq
	requireAuth   bool
	authUsername  string
	authPassword  string
	nonce         string
	sessionID     string
	sessionTTL    int
	responseDelay time.Duration
	connections   []net.Conn

	streamPackets  int
	streamInterval time.Duration
	streamPayload  []byte
	clientRTPPort  int
	streamStop     chan struct{}
	streamWG       sync.WaitGroup
}

// NewMockRTSPServer creates a new mock RTSP server on a loopback port
func NewMockRTSPServer() (*MockRTSPServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	return &MockRTSPServer{
		listener:       listener,
		port:           listener.Addr().(*net.TCPAddr).Port,
		responses:      make(map[string]string),
		nonce:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		sessionID:      "12345678",
		sessionTTL:     60,
		streamInterval: 5 * time.Millisecond,
		streamPayload:  []byte{0x65, 0x88, 0x84, 0x00},
	}, nil
}

// Start starts accepting connections
func (s *MockRTSPServer) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.acceptConnections()
}

// Stop closes the listener, every connection and any running stream
func (s *MockRTSPServer) Stop() {
	s.mu.Lock()
	s.running = false
	for _, conn := range s.connections {
		conn.Close()
	}
	s.connections = nil
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	s.stopStream()
}

// Port returns the server port
func (s *MockRTSPServer) Port() int {
	return s.port
}

// Address returns host:port of the server
func (s *MockRTSPServer) Address() string {
	return s.listener.Addr().String()
}

// URL returns the server RTSP URL
func (s *MockRTSPServer) URL(path string) string {
	return rtsp.BuildURI("127.0.0.1", s.port, path, "")
}

// Nonce returns the nonce announced in challenges
func (s *MockRTSPServer) Nonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// SetRequireAuth enables Digest authentication on every method except OPTIONS
func (s *MockRTSPServer) SetRequireAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requireAuth = true
	s.authUsername = username
	s.authPassword = password
}

// SetResponse sets a raw response for a method. A single %d in the response
// is replaced with the request CSeq.
func (s *MockRTSPServer) SetResponse(method, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.responses[method] = response
}

// SetResponseDelay sets delay before responding
func (s *MockRTSPServer) SetResponseDelay(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.responseDelay = delay
}

// SetSessionTimeout sets the timeout announced in the SETUP Session header
func (s *MockRTSPServer) SetSessionTimeout(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionTTL = seconds
}

// SetStream makes the server send count RTP datagrams, one per interval,
// after each accepted PLAY
func (s *MockRTSPServer) SetStream(count int, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamPackets = count
	if interval > 0 {
		s.streamInterval = interval
	}
}

// GetRequestCount returns number of requests received
func (s *MockRTSPServer) GetRequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.requests)
}

// Requests returns a copy of every request received
func (s *MockRTSPServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.requests...)
}

// Methods returns the method of every request received, in order
func (s *MockRTSPServer) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	methods := make([]string, len(s.requests))
	for i, r := range s.requests {
		methods[i] = r.Method
	}
	return methods
}

// GetLastRequest returns the last request received
func (s *MockRTSPServer) GetLastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *MockRTSPServer) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()

			if !running {
				return
			}
			continue
		}

		s.mu.Lock()
		s.connections = append(s.connections, conn)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *MockRTSPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	for {
		req, err := s.readRequest(reader)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		delay := s.responseDelay
		custom, hasCustom := s.responses[req.Method]
		authorized := !s.requireAuth || req.Method == string(rtsp.MethodOptions) || s.validAuth(req)
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		cseq := req.Headers[rtsp.HeaderCSeq]

		var response string
		switch {
		case !authorized:
			response = s.build401Response(cseq)
		case hasCustom:
			response = strings.Replace(custom, "%d", cseq, 1)
		default:
			response = s.buildResponse(req, cseq)
		}

		if _, err := conn.Write([]byte(response)); err != nil {
			return
		}

		if authorized && !hasCustom {
			switch req.Method {
			case string(rtsp.MethodPlay):
				s.startStream()
			case string(rtsp.MethodTeardown):
				s.stopStream()
			}
		}
	}
}

func (s *MockRTSPServer) readRequest(reader *bufio.Reader) (Request, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return Request{}, err
	}

	req := Request{Headers: make(map[string]string)}
	if parts := strings.Fields(line); len(parts) >= 2 {
		req.Method, req.URI = parts[0], parts[1]
	}

	contentLength := 0
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			return Request{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			req.Headers[name] = strings.TrimSpace(value)
			if name == rtsp.HeaderContentLength {
				contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
			}
		}
	}

	if contentLength > 0 {
		if _, err := reader.Discard(contentLength); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// validAuth recomputes the Digest response for the request method and URI.
// Callers hold s.mu.
func (s *MockRTSPServer) validAuth(req Request) bool {
	header, ok := req.Headers[rtsp.HeaderAuthorization]
	if !ok {
		return false
	}
	expected := rtsp.ComputeDigest(s.authUsername, s.authPassword, MockRealm, req.Method, req.URI, s.nonce)
	return header == expected
}

func (s *MockRTSPServer) build401Response(cseq string) string {
	s.mu.Lock()
	nonce := s.nonce
	s.mu.Unlock()

	return fmt.Sprintf("RTSP/1.0 401 Unauthorized\r\n"+
		"CSeq: %s\r\n"+
		"WWW-Authenticate: Digest realm=\"%s\", nonce=\"%s\"\r\n"+
		"\r\n", cseq, MockRealm, nonce)
}

func (s *MockRTSPServer) buildResponse(req Request, cseq string) string {
	s.mu.Lock()
	sessionID, ttl := s.sessionID, s.sessionTTL
	s.mu.Unlock()

	switch req.Method {
	case "OPTIONS":
		return fmt.Sprintf("RTSP/1.0 200 OK\r\n"+
			"CSeq: %s\r\n"+
			"Public: OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER\r\n"+
			"\r\n", cseq)

	case "DESCRIBE":
		sdp := "v=0\r\n" +
			"o=- 0 0 IN IP4 127.0.0.1\r\n" +
			"s=Test Stream\r\n" +
			"t=0 0\r\n" +
			"m=video 0 RTP/AVP 96\r\n" +
			"a=rtpmap:96 H264/90000\r\n"

		return fmt.Sprintf("RTSP/1.0 200 OK\r\n"+
			"CSeq: %s\r\n"+
			"Content-Type: application/sdp\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n"+
			"%s", cseq, len(sdp), sdp)

	case "SETUP":
		rtpPort, rtcpPort := clientPorts(req.Headers[rtsp.HeaderTransport])
		if rtpPort == 0 {
			return fmt.Sprintf("RTSP/1.0 461 Unsupported Transport\r\nCSeq: %s\r\n\r\n", cseq)
		}

		s.mu.Lock()
		s.clientRTPPort = rtpPort
		s.mu.Unlock()

		return fmt.Sprintf("RTSP/1.0 200 OK\r\n"+
			"CSeq: %s\r\n"+
			"Session: %s;timeout=%d\r\n"+
			"Transport: RTP/AVP;unicast;client_port=%d-%d;server_port=60000-60001\r\n"+
			"\r\n", cseq, sessionID, ttl, rtpPort, rtcpPort)

	case "PLAY":
		return fmt.Sprintf("RTSP/1.0 200 OK\r\n"+
			"CSeq: %s\r\n"+
			"Session: %s\r\n"+
			"RTP-Info: url=%s;seq=1;rtptime=0\r\n"+
			"\r\n", cseq, sessionID, req.URI)

	case "TEARDOWN", "GET_PARAMETER":
		return fmt.Sprintf("RTSP/1.0 200 OK\r\n"+
			"CSeq: %s\r\n"+
			"Session: %s\r\n"+
			"\r\n", cseq, sessionID)

	default:
		return fmt.Sprintf("RTSP/1.0 405 Method Not Allowed\r\n"+
			"CSeq: %s\r\n"+
			"\r\n", cseq)
	}
}

// clientPorts extracts client_port=a-b from a Transport request header
func clientPorts(transport string) (int, int) {
	for _, part := range strings.Split(transport, ";") {
		value, ok := strings.CutPrefix(strings.TrimSpace(part), "client_port=")
		if !ok {
			continue
		}
		first, second, _ := strings.Cut(value, "-")
		rtpPort, err := strconv.Atoi(first)
		if err != nil {
			return 0, 0
		}
		rtcpPort, err := strconv.Atoi(second)
		if err != nil {
			rtcpPort = rtpPort + 1
		}
		return rtpPort, rtcpPort
	}
	return 0, 0
}

func (s *MockRTSPServer) startStream() {
	s.mu.Lock()
	if s.streamPackets <= 0 || s.clientRTPPort == 0 || s.streamStop != nil {
		s.mu.Unlock()
		return
	}
	count, interval, payload := s.streamPackets, s.streamInterval, s.streamPayload
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.clientRTPPort}
	stop := make(chan struct{})
	s.streamStop = stop
	s.streamWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.streamWG.Done()

		conn, err := net.DialUDP("udp", nil, target)
		if err != nil {
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i := 0; i < count; i++ {
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: uint16(i + 1),
					Timestamp:      uint32(i) * 3000,
					SSRC:           0x5eed,
				},
				Payload: payload,
			}
			raw, err := pkt.Marshal()
			if err != nil {
				return
			}
			// the client may have closed its sockets already
			_, _ = conn.Write(raw)

			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

func (s *MockRTSPServer) stopStream() {
	s.mu.Lock()
	stop := s.streamStop
	s.streamStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.streamWG.Wait()
}
