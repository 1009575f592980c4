package rtsp

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

const digestScheme = "Digest"

// Credentials are supplied by the caller for a single session and never persisted
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no usable credentials were given
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// AuthChallenge represents a Digest challenge from the server
type AuthChallenge struct {
	Realm     string
	Nonce     string
	Algorithm string
}

// ChallengeFromResponse extracts the Digest challenge from a 401 response
func ChallengeFromResponse(res *Response) (*AuthChallenge, error) {
	wwwAuth, ok := res.Header[HeaderWWWAuthenticate]
	if !ok {
		return nil, fmt.Errorf("%w: %s header not found", ErrAuthChallenge, HeaderWWWAuthenticate)
	}
	return ParseAuthChallenge(wwwAuth)
}

// ParseAuthChallenge parses a WWW-Authenticate header value of the Digest scheme
func ParseAuthChallenge(wwwAuth string) (*AuthChallenge, error) {
	wwwAuth = strings.TrimSpace(wwwAuth)
	if !strings.HasPrefix(wwwAuth, digestScheme) {
		return nil, fmt.Errorf("%w: unsupported authentication scheme in %q", ErrAuthChallenge, wwwAuth)
	}

	params := parseAuthParams(strings.TrimPrefix(wwwAuth, digestScheme))
	challenge := &AuthChallenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Algorithm: params["algorithm"],
	}

	// Servers that do not name their parameters still quote them in order:
	// realm is the second and nonce the fourth segment when split on '"'.
	if challenge.Realm == "" || challenge.Nonce == "" {
		segments := strings.Split(wwwAuth, `"`)
		if len(segments) >= 4 {
			if challenge.Realm == "" {
				challenge.Realm = segments[1]
			}
			if challenge.Nonce == "" {
				challenge.Nonce = segments[3]
			}
		}
	}

	if challenge.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrAuthChallenge)
	}

	// Default algorithm to MD5 if not specified
	if challenge.Algorithm == "" {
		challenge.Algorithm = "MD5"
	}

	return challenge, nil
}

// Authorization computes the Authorization header value for one request
func (c *AuthChallenge) Authorization(creds Credentials, method Method, uri string) string {
	return ComputeDigest(creds.Username, creds.Password, c.Realm, string(method), uri, c.Nonce)
}

// parseAuthParams parses authentication parameters from WWW-Authenticate header
func parseAuthParams(authStr string) map[string]string {
	params := make(map[string]string)

	for _, part := range splitAuthParams(authStr) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		params[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
	}

	return params
}

// splitAuthParams splits auth parameters respecting quoted strings
func splitAuthParams(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if ch == '"' {
			inQuotes = !inQuotes
			current.WriteByte(ch)
		} else if ch == ',' && !inQuotes {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		} else {
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

// ComputeDigest returns the full Digest credential string for a request.
// The uri must be the absolute URI of the request being authorized.
func ComputeDigest(username, password, realm, method, uri, nonce string) string {
	ha1 := md5Hash(username + ":" + realm + ":" + password)
	ha2 := md5Hash(method + ":" + uri)
	response := md5Hash(ha1 + ":" + nonce + ":" + ha2)

	return fmt.Sprintf(`Digest username="%s", realm="%s", algorithm="MD5", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri, response)
}

// md5Hash computes MD5 hash and returns lowercase hex
func md5Hash(data string) string {
	hash := md5.Sum([]byte(data))
	return hex.EncodeToString(hash[:])
}
