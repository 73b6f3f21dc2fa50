package services

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	fakeUser  = "admin"
	fakePass  = "s3cret"
	fakeRealm = "DS-7608NI"
	fakeNonce = "4e6f6e6365"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeNVR is an ISAPI endpoint that insists on Digest auth.
type fakeNVR struct {
	t        *testing.T
	srv      *httptest.Server
	password string

	mu         sync.Mutex
	routes     map[string]http.HandlerFunc
	requests   []recordedRequest
	challenges int
}

func newFakeNVR(t *testing.T) *fakeNVR {
	t.Helper()
	f := &fakeNVR{t: t, password: fakePass, routes: make(map[string]http.HandlerFunc)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeNVR) handle(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
}

func (f *fakeNVR) respondXML(method, path, body string) {
	f.handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, body)
	})
}

func (f *fakeNVR) serve(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		f.mu.Lock()
		f.challenges++
		f.mu.Unlock()
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Digest qop="auth", realm="%s", nonce="%s", stale="FALSE"`, fakeRealm, fakeNonce))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeNVR) setPassword(pw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password = pw
}

func (f *fakeNVR) challengeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.challenges
}

func (f *fakeNVR) authorized(r *http.Request) bool {
	f.mu.Lock()
	password := f.password
	f.mu.Unlock()

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Digest ") {
		return false
	}
	p := parseDigestChallenge(header)
	if p["username"] != fakeUser || p["realm"] != fakeRealm || p["nonce"] != fakeNonce {
		return false
	}
	ha1 := md5Hex(fakeUser + ":" + fakeRealm + ":" + password)
	ha2 := md5Hex(r.Method + ":" + p["uri"])
	want := md5Hex(strings.Join([]string{ha1, p["nonce"], p["nc"], p["cnonce"], p["qop"], ha2}, ":"))
	return p["response"] == want && p["uri"] == r.URL.RequestURI()
}

func (f *fakeNVR) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeNVR) options() DeviceOptions {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(f.t, err)
	p, err := strconv.Atoi(port)
	require.NoError(f.t, err)
	return DeviceOptions{
		Scheme:   "http",
		Host:     host,
		Port:     p,
		Username: fakeUser,
		Password: fakePass,
		Timeout:  5 * time.Second,
	}
}

func (f *fakeNVR) client() *HikvisionClient {
	return NewHikvisionClient(f.options())
}

// writeScript installs an executable shell script standing in for ffmpeg or
// ffprobe.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}
