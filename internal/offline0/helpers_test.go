package offline0

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOrigin = "https://crm.example.com"

var errDialFailed = errors.New("dial tcp: connection refused")

type fakeRoute struct {
	status int
	header http.Header
	body   string
}

// fakeNetwork is an in-memory origin. Unknown URLs answer 404; when offline
// every call fails like a dropped connection.
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]fakeRoute
	calls   map[string]int
	offline atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]fakeRoute{}, calls: map[string]int{}}
}

func (n *fakeNetwork) set(url string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	n.routes[url] = fakeRoute{status: status, header: h, body: body}
}

func (n *fakeNetwork) callCount(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
	n.mu.Lock()
	n.calls[req.URL.String()]++
	r, ok := n.routes[req.URL.String()]
	n.mu.Unlock()

	if n.offline.Load() {
		return nil, errDialFailed
	}
	if !ok {
		r = fakeRoute{status: http.StatusNotFound, header: http.Header{}, body: "not found"}
	}
	return &http.Response{
		StatusCode: r.status,
		Status:     http.StatusText(r.status),
		Header:     r.header.Clone(),
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func openTestStore(t *testing.T, diskMax int64) *CacheStore {
	t.Helper()
	s, err := OpenCacheStore(filepath.Join(t.TempDir(), "leveldb"), 1<<20, diskMax, zap.NewNop(), newMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func okEntry(body string) CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return CacheEntry{Status: http.StatusOK, Header: h, Body: []byte(body)}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func newGetRequest(t *testing.T, url string, header map[string]string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return func() time.Time { return ts }
}
