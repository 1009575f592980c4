package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordedRequest is a request as seen by the scripted server
type recordedRequest struct {
	Method  string
	URI     string
	Headers map[string]string
	Raw     string
}

// scriptedServer answers requests on one end of an in-memory pipe.
// A handler returning "" closes the connection instead of answering.
type scriptedServer struct {
	conn    net.Conn
	handler func(req recordedRequest) string

	mu       sync.Mutex
	requests []recordedRequest
	done     chan struct{}
}

func newScriptedConn(t *testing.T, cfg ConnConfig, handler func(req recordedRequest) string) (*Conn, *scriptedServer) {
	t.Helper()

	client, server := net.Pipe()
	s := &scriptedServer{
		conn:    server,
		handler: handler,
		done:    make(chan struct{}),
	}
	go s.serve()

	c := NewConn(client, cfg)
	t.Cleanup(func() {
		c.Close()
		server.Close()
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Error("scripted server did not exit")
		}
	})
	return c, s
}

func (s *scriptedServer) serve() {
	defer close(s.done)
	br := bufio.NewReader(s.conn)

	for {
		var raw strings.Builder
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		raw.WriteString(line)

		fields := strings.Fields(line)
		req := recordedRequest{Headers: make(map[string]string)}
		if len(fields) == 3 {
			req.Method, req.URI = fields[0], fields[1]
		}

		for {
			line, err = br.ReadString('\n')
			if err != nil {
				return
			}
			raw.WriteString(line)
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if name, value, ok := strings.Cut(line, ": "); ok {
				req.Headers[name] = value
			}
		}
		req.Raw = raw.String()

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		res := s.handler(req)
		if res == "" {
			s.conn.Close()
			return
		}
		if _, err := s.conn.Write([]byte(res)); err != nil {
			return
		}
	}
}

func (s *scriptedServer) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *scriptedServer) Last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return recordedRequest{}
	}
	return s.requests[len(s.requests)-1]
}

// reply formats a response echoing the request CSeq
func reply(req recordedRequest, status string, headers ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %s\r\n", status)
	fmt.Fprintf(&b, "CSeq: %s\r\n", req.Headers[HeaderCSeq])
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
