package rtsp

import (
	"bytes"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Protocol is the only protocol/version token this client speaks
const Protocol = "RTSP/1.0"

// DefaultUserAgent identifies the client when the caller does not set one
const DefaultUserAgent = "Isee v1.0"

// Method is an RTSP request method
type Method string

// Methods used by the client
const (
	MethodOptions      Method = "OPTIONS"
	MethodDescribe     Method = "DESCRIBE"
	MethodSetup        Method = "SETUP"
	MethodPlay         Method = "PLAY"
	MethodTeardown     Method = "TEARDOWN"
	MethodGetParameter Method = "GET_PARAMETER"
)

// Header names used by the client
const (
	HeaderCSeq            = "CSeq"
	HeaderUserAgent       = "User-Agent"
	HeaderSession         = "Session"
	HeaderTransport       = "Transport"
	HeaderWWWAuthenticate = "WWW-Authenticate"
	HeaderAuthorization   = "Authorization"
	HeaderRange           = "Range"
	HeaderAccept          = "Accept"
	HeaderPublic          = "Public"
	HeaderContentLength   = "Content-Length"
)

var headBoundary = []byte("\r\n\r\n")

type headerField struct {
	name  string
	value string
}

// Header is an insertion-ordered set of request headers
type Header struct {
	fields []headerField
}

// Set replaces the value of an existing header in place or appends a new one
func (h *Header) Set(name, value string) {
	for i := range h.fields {
		if h.fields[i].name == name {
			h.fields[i].value = value
			return
		}
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Get returns the value of a header and whether it is present
func (h *Header) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

// Len returns the number of headers
func (h *Header) Len() int {
	return len(h.fields)
}

// Request is an outgoing RTSP request
type Request struct {
	Method Method
	URI    string
	CSeq   int
	Header Header
	Body   []byte
}

// NewRequest creates a request for the given method and absolute URI
func NewRequest(method Method, uri string) *Request {
	return &Request{Method: method, URI: uri}
}

// Marshal serializes the request into its wire form.
// CSeq is always written first, followed by the client identifier and the
// remaining headers in insertion order.
func (r *Request) Marshal() []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, r.URI, Protocol)
	fmt.Fprintf(&b, "%s: %d\r\n", HeaderCSeq, r.CSeq)

	ua, ok := r.Header.Get(HeaderUserAgent)
	if !ok || ua == "" {
		ua = DefaultUserAgent
	}
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderUserAgent, ua)

	for _, f := range r.Header.fields {
		if f.name == HeaderCSeq || f.name == HeaderUserAgent {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", f.name, f.value)
	}

	if len(r.Body) > 0 {
		fmt.Fprintf(&b, "%s: %d\r\n", HeaderContentLength, len(r.Body))
	}

	b.WriteString("\r\n")
	b.Write(r.Body)

	return b.Bytes()
}

// String returns the wire form as text
func (r *Request) String() string {
	return string(r.Marshal())
}

// Response is a parsed RTSP response head. Bodies are never kept.
type Response struct {
	StatusCode    int
	StatusMessage string
	Header        map[string]string
}

// Success reports whether the status is 2xx
func (r *Response) Success() bool {
	return IsSuccess(r.StatusCode)
}

// String renders the status line and headers, headers sorted by name
func (r *Response) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", Protocol, r.StatusCode, r.StatusMessage)
	for _, name := range slices.Sorted(maps.Keys(r.Header)) {
		fmt.Fprintf(&b, "%s: %s\r\n", name, r.Header[name])
	}
	return b.String()
}

// ContentLength returns the declared body length, or 0 when absent or invalid
func (r *Response) ContentLength() int {
	v, ok := r.Header[HeaderContentLength]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseResponse parses the head of a single RTSP response.
// Anything after the first blank line is ignored.
func ParseResponse(raw []byte) (*Response, error) {
	idx := bytes.Index(raw, headBoundary)
	if idx < 0 {
		return nil, ErrTruncatedResponse
	}

	lines := strings.Split(string(raw[:idx]), "\r\n")

	// RTSP/1.0 200 OK
	statusParts := strings.Fields(lines[0])
	if len(statusParts) < 3 {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedResponse, lines[0])
	}

	if statusParts[0] != Protocol {
		return nil, fmt.Errorf("%w: got %q", ErrProtocolMismatch, statusParts[0])
	}

	statusCode, err := strconv.Atoi(statusParts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid status code %q", ErrMalformedResponse, statusParts[1])
	}

	res := &Response{
		StatusCode:    statusCode,
		StatusMessage: strings.Join(statusParts[2:], " "),
		Header:        make(map[string]string),
	}

	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ": ")
		if !found {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedResponse, line)
		}
		res.Header[name] = value
	}

	return res, nil
}

// BuildURI builds rtsp://<host>:<port>/<path>[/<track>]
func BuildURI(host string, port int, path, track string) string {
	path = strings.Trim(path, "/")
	track = strings.Trim(track, "/")

	uri := "rtsp://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/" + path
	if track != "" {
		uri += "/" + track
	}
	return uri
}

// extractServerPorts parses server_port from a Transport response header
func extractServerPorts(transport string) []int {
	// Example: RTP/AVP;unicast;client_port=50000-50001;server_port=60000-60001
	parts := strings.Split(transport, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "server_port=") {
			portRange := strings.TrimPrefix(part, "server_port=")
			portParts := strings.Split(portRange, "-")
			if len(portParts) == 2 {
				rtpPort, err1 := strconv.Atoi(portParts[0])
				rtcpPort, err2 := strconv.Atoi(portParts[1])
				if err1 == nil && err2 == nil {
					return []int{rtpPort, rtcpPort}
				}
			}
		}
	}
	return []int{}
}
