package offline0

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func crmOrigin() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "home "+r.URL.Path)
	})
	mux.HandleFunc("GET /api/customers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":7,"name":"Ana"}]`)
	})
	mux.HandleFunc("POST /api/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return mux
}

type serviceFixture struct {
	svc    *Service
	proxy  *httptest.Server
	origin *httptest.Server
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	origin := httptest.NewServer(crmOrigin())
	t.Cleanup(origin.Close)

	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin.URL + "\ncache:\n  version: \"1.0.0\"\n"))
	require.NoError(t, err)
	cfg.Storage.Dir = t.TempDir()

	svc, err := NewService(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	proxy := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		proxy.Close()
		svc.Close()
	})
	return &serviceFixture{svc: svc, proxy: proxy, origin: origin}
}

func (f *serviceFixture) do(t *testing.T, method, path string, body string, header map[string]string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.proxy.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.proxy.Client().Do(req)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

var navHeaders = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}

func TestService_ProxiesOnline(t *testing.T) {
	f := newServiceFixture(t)

	resp, body := f.do(t, http.MethodGet, "/orders/42", "", navHeaders)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "home /orders/42", body)
	assert.Empty(t, resp.Header.Get(HeaderServedFromCache))

	resp, body = f.do(t, http.MethodGet, "/api/customers", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"id":7,"name":"Ana"}]`, body)
	assert.Equal(t, uint64(2), f.svc.stats.Snapshot().Responses)
}

func TestService_ServesOfflineFallbacks(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.Host().Wait()
	f.origin.Close()

	resp, body := f.do(t, http.MethodGet, "/", "", navHeaders)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "home /", body, "precached shell")
	assert.Equal(t, "true", resp.Header.Get(HeaderServedFromCache))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), HeaderServedFromCache)

	resp, body = f.do(t, http.MethodGet, "/customers/9", "", navHeaders)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "home /offline.html", body, "unvisited pages get the offline page")

	resp, body = f.do(t, http.MethodGet, "/api/customers", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "synthetic", resp.Header.Get(HeaderOffline))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), HeaderOffline)
	assert.Contains(t, body, `"offline":true`)

	resp, body = f.do(t, http.MethodGet, "/avatar.png", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "Offline")

	resp, _ = f.do(t, http.MethodGet, "/app.js", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "unavailable", resp.Header.Get(HeaderOffline))

	ss := f.svc.stats.Snapshot()
	assert.Equal(t, uint64(4), ss.Responses, "gateway errors are not proxied responses")
	assert.Equal(t, uint64(4), ss.Offline)
}

func TestService_SyncEndpoints(t *testing.T) {
	f := newServiceFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/__offline/sync", "{", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/__offline/sync", `{"targetURL":"`+f.origin.URL+`/api/orders","method":"GET"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/__offline/sync", `{"targetURL":"`+f.origin.URL+`/api/orders","method":"POST","headers":{"Content-Type":"application/json"}}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var queued SyncTask
	require.NoError(t, sonic.ConfigDefault.UnmarshalFromString(body, &queued))
	assert.NotEmpty(t, queued.ID)

	resp, body = f.do(t, http.MethodGet, "/__offline/sync", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing map[string][]SyncTask
	require.NoError(t, sonic.ConfigDefault.UnmarshalFromString(body, &listing))
	require.Len(t, listing["pending"], 1, "the origin rejects the replay so the task stays")
	assert.Equal(t, queued.ID, listing["pending"][0].ID)
	assert.Empty(t, listing["dead"])

	resp, body = f.do(t, http.MethodPost, "/__offline/sync/drain", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res DrainResult
	require.NoError(t, sonic.ConfigDefault.UnmarshalFromString(body, &res))
	assert.Zero(t, res.Replayed)
}

func TestService_NotificationEndpoints(t *testing.T) {
	f := newServiceFixture(t)

	resp, body := f.do(t, http.MethodPost, "/__offline/notifications/permission", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"permission":"default"}`, body)

	resp, _ = f.do(t, http.MethodPost, "/__offline/push", `{"title":"Repair ready"}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/__offline/notifications/click?action=dismiss", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"outcome":"dismissed"}`, body)

	resp, _ = f.do(t, http.MethodPost, "/__offline/notifications/click?action=open", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "no page is connected to open")

	resp, _ = f.do(t, http.MethodPost, "/__offline/notifications/click?action=archive", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestService_MetricsAndControl(t *testing.T) {
	f := newServiceFixture(t)
	f.do(t, http.MethodGet, "/", "", navHeaders)

	resp, body := f.do(t, http.MethodGet, "/__offline/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `offline0_requests_total{class="navigation",source="network"} 1`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := DialControl(ctx, "ws"+strings.TrimPrefix(f.proxy.URL, "http")+"/__offline/control")
	require.NoError(t, err)
	defer c.Close()

	v, err := c.QueryVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0 (static-v0+api-v0)", v.Version)
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, HeaderOffline)
	assert.Equal(t, HeaderOffline, h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "x-offline")
	assert.Equal(t, HeaderOffline, h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, HeaderServedFromCache)
	assert.Equal(t, HeaderOffline+", "+HeaderServedFromCache, h.Get("Access-Control-Expose-Headers"))
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Accept", "text/html")
	dst := http.Header{}
	copyHeaders(dst, src)
	assert.Equal(t, http.Header{"Accept": {"text/html"}}, dst)
}
