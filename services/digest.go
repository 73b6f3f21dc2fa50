package services

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// digestTransport answers HTTP Digest challenges from the NVR. Credentials are
// fixed at construction; the transport holds no per-request state so it is
// safe for concurrent searches.
type digestTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *digestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The body must be replayable for the authenticated retry.
	var bodyBytes []byte
	if req.Body != nil && req.GetBody == nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(challenge), "digest ") {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", t.authorization(req.Method, req.URL.RequestURI(), parseDigestChallenge(challenge)))
	return t.next.RoundTrip(retry)
}

func (t *digestTransport) authorization(method, uri string, params map[string]string) string {
	realm := params["realm"]
	nonce := params["nonce"]
	qop := params["qop"]

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", t.username, realm, t.password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))

	nc := "00000001"
	cnonce := newCNonce()

	useQop := false
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			useQop = true
		}
	}

	var response string
	if useQop {
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, "auth", ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	authValue := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		t.username, realm, nonce, uri, response,
	)
	if useQop {
		authValue += fmt.Sprintf(`, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	}
	if opaque, ok := params["opaque"]; ok {
		authValue += fmt.Sprintf(`, opaque="%s"`, opaque)
	}
	if algo, ok := params["algorithm"]; ok {
		authValue += fmt.Sprintf(`, algorithm=%s`, algo)
	}
	return authValue
}

func parseDigestChallenge(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimSpace(header[len("Digest "):])
	for _, part := range splitChallenge(header) {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		params[key] = val
	}
	return params
}

// splitChallenge splits on commas that are not inside quotes, so a quoted
// qop="auth,auth-int" stays one parameter.
func splitChallenge(s string) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func md5Hex(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func newCNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
