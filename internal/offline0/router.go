package offline0

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ResourceClass int

const (
	ClassExcluded ResourceClass = iota + 1
	ClassNavigation
	ClassData
	ClassStatic
	ClassOther
	// ClassPassthrough covers non-GET and cross-origin requests that no rule
	// caches.
	ClassPassthrough
)

func (c ResourceClass) String() string {
	switch c {
	case ClassExcluded:
		return "excluded"
	case ClassNavigation:
		return "navigation"
	case ClassData:
		return "data"
	case ClassStatic:
		return "static"
	case ClassOther:
		return "other"
	case ClassPassthrough:
		return "passthrough"
	}
	return "unknown"
}

const (
	sourceNetwork     = "network"
	sourceCache       = "cache"
	sourceOfflinePage = "offline-page"
	sourceSynthetic   = "synthetic"
	sourceError       = "error"
)

type classified struct {
	class ResourceClass
	dest  string
	id    RequestIdentity
}

type strategyFunc func(e *Engine, req *http.Request, rc classified) (*http.Response, string, error)

// strategies is the single dispatch table from resource class to behavior.
var strategies = map[ResourceClass]strategyFunc{
	ClassExcluded:    (*Engine).passThrough,
	ClassPassthrough: (*Engine).passThrough,
	ClassNavigation:  (*Engine).networkFirstNavigation,
	ClassData:        (*Engine).networkFirstData,
	ClassStatic:      (*Engine).cacheFirstStatic,
	ClassOther:       (*Engine).networkFirstOther,
}

type EngineOptions struct {
	// Origin is the application origin, e.g. "https://crm.example.com".
	Origin             string
	ExcludedOrigins    []string
	DataPrefixes       []string
	StaticDestinations []string
	OfflinePage        string

	Network    http.RoundTripper
	Static     *Namespace
	API        *Namespace
	Background *background
	Logger     *zap.Logger
	Metrics    *metrics
	Now        func() time.Time
}

// Engine intercepts requests and answers each with exactly one response. It
// implements http.RoundTripper.
type Engine struct {
	origin       string
	excluded     map[string]struct{}
	dataMatchers []pathPrefixMatcher
	staticDests  map[string]struct{}
	offlinePage  RequestIdentity

	network http.RoundTripper
	static  *Namespace
	api     *Namespace
	bg      *background
	log     *zap.Logger
	metrics *metrics
	now     func() time.Time
}

func NewEngine(opts EngineOptions) *Engine {
	origin, _ := originOf(opts.Origin)
	e := &Engine{
		origin:      origin,
		excluded:    map[string]struct{}{},
		staticDests: map[string]struct{}{},
		offlinePage: GetIdentity(origin + opts.OfflinePage),
		network:     opts.Network,
		static:      opts.Static,
		api:         opts.API,
		bg:          opts.Background,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	for _, o := range opts.ExcludedOrigins {
		if n, ok := originOf(o); ok {
			e.excluded[n] = struct{}{}
		}
	}
	for _, p := range opts.DataPrefixes {
		e.dataMatchers = append(e.dataMatchers, pathPrefixMatcher{Prefix: p})
	}
	for _, d := range opts.StaticDestinations {
		e.staticDests[strings.ToLower(d)] = struct{}{}
	}
	if e.network == nil {
		e.network = http.DefaultTransport
	}
	if e.bg == nil {
		e.bg = newBackground(32, nil)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	rc := e.classify(req)
	resp, source, err := strategies[rc.class](e, req, rc)
	if err != nil {
		source = sourceError
		e.log.Debug("request unanswerable",
			zap.Stringer("class", rc.class), zap.Stringer("key", rc.id), zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.requests.WithLabelValues(rc.class.String(), source).Inc()
	}
	return resp, err
}

// Classify reports the resource class the dispatch table would use for req.
func (e *Engine) Classify(req *http.Request) ResourceClass { return e.classify(req).class }

func (e *Engine) classify(req *http.Request) classified {
	rc := classified{id: identityOf(req), dest: destinationOf(req)}

	origin, _ := originOf(req.URL.String())
	if _, ok := e.excluded[origin]; ok {
		rc.class = ClassExcluded
		return rc
	}
	same := origin == e.origin
	switch {
	case same && e.isDataPath(req.URL.Path):
		rc.class = ClassData
	case rc.id.Method != http.MethodGet:
		rc.class = ClassPassthrough
	case same && isNavigation(req, rc.dest):
		rc.class = ClassNavigation
	case e.isStaticDest(rc.dest):
		rc.class = ClassStatic
	case same:
		rc.class = ClassOther
	default:
		rc.class = ClassPassthrough
	}
	return rc
}

func (e *Engine) isDataPath(p string) bool {
	for _, m := range e.dataMatchers {
		if m.Match(p) {
			return true
		}
	}
	return false
}

func (e *Engine) isStaticDest(dest string) bool {
	if dest == "" {
		return false
	}
	_, ok := e.staticDests[dest]
	return ok
}

func isNavigation(req *http.Request, dest string) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") || dest == "document" {
		return true
	}
	if req.Header.Get("Sec-Fetch-Mode") != "" {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

var destByExt = map[string]string{
	".css":   "style",
	".js":    "script",
	".mjs":   "script",
	".png":   "image",
	".jpg":   "image",
	".jpeg":  "image",
	".gif":   "image",
	".svg":   "image",
	".webp":  "image",
	".avif":  "image",
	".ico":   "image",
	".woff":  "font",
	".woff2": "font",
	".ttf":   "font",
	".otf":   "font",
}

func destinationOf(req *http.Request) string {
	if d := strings.ToLower(req.Header.Get("Sec-Fetch-Dest")); d != "" && d != "empty" {
		return d
	}
	return destByExt[strings.ToLower(path.Ext(req.URL.Path))]
}

func originOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

func (e *Engine) passThrough(req *http.Request, _ classified) (*http.Response, string, error) {
	resp, err := e.network.RoundTrip(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	return resp, sourceNetwork, nil
}

func (e *Engine) networkFirstNavigation(req *http.Request, rc classified) (*http.Response, string, error) {
	resp, body, err := e.fetch(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			e.storeAsync(e.static, rc.id, resp, body)
		}
		return resp, sourceNetwork, nil
	}
	if ent, ok := e.static.Get(rc.id); ok {
		return servedFromCache(req, ent), sourceCache, nil
	}
	if ent, ok := e.static.Get(e.offlinePage); ok {
		return servedFromCache(req, ent), sourceOfflinePage, nil
	}
	return nil, "", fmt.Errorf("navigate %s: %w: %w", rc.id.URL, ErrCacheMiss, err)
}

func (e *Engine) networkFirstData(req *http.Request, rc classified) (*http.Response, string, error) {
	resp, body, err := e.fetch(req)
	if err == nil {
		if rc.id.Method == http.MethodGet && isSuccess(resp.StatusCode) && req.Header.Get("Authorization") == "" {
			e.storeAsync(e.api, rc.id, resp, body)
		}
		return resp, sourceNetwork, nil
	}
	if rc.id.Method == http.MethodGet {
		if ent, ok := e.api.Get(rc.id); ok {
			return servedFromCache(req, ent), sourceCache, nil
		}
	}
	synth, _ := synthesize(ClassData, rc.dest, req, e.now())
	return synth, sourceSynthetic, nil
}

func (e *Engine) cacheFirstStatic(req *http.Request, rc classified) (*http.Response, string, error) {
	if ent, ok := e.static.Get(rc.id); ok {
		closeRequestBody(req)
		return responseFromEntry(req, ent), sourceCache, nil
	}
	resp, body, err := e.fetch(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			e.storeAsync(e.static, rc.id, resp, body)
		}
		return resp, sourceNetwork, nil
	}
	if synth, ok := synthesize(ClassStatic, rc.dest, req, e.now()); ok {
		return synth, sourceSynthetic, nil
	}
	return nil, "", fmt.Errorf("%s %s: %w: %w", rc.dest, rc.id.URL, ErrCacheMiss, err)
}

func (e *Engine) networkFirstOther(req *http.Request, rc classified) (*http.Response, string, error) {
	resp, body, err := e.fetch(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			e.storeAsync(e.static, rc.id, resp, body)
		}
		return resp, sourceNetwork, nil
	}
	if ent, ok := e.static.Get(rc.id); ok {
		return servedFromCache(req, ent), sourceCache, nil
	}
	return nil, "", fmt.Errorf("fetch %s: %w: %w", rc.id.URL, ErrCacheMiss, err)
}

// fetch performs the network round trip and buffers the body so it can be
// both returned and stored. Aborted and failed calls alike come back as
// ErrNetworkUnavailable.
func (e *Engine) fetch(req *http.Request) (*http.Response, []byte, error) {
	resp, err := e.network.RoundTrip(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %w", ErrNetworkUnavailable, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, body, nil
}

// storeAsync hands a copy of the response to a detached writer. The caller's
// response is returned before the write starts and never observes its result.
func (e *Engine) storeAsync(ns *Namespace, id RequestIdentity, resp *http.Response, body []byte) {
	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: e.now().UnixNano(),
	}
	ent.Header.Del("Content-Length")
	if !e.bg.Go(func() { ns.Put(id, ent) }) && e.metrics != nil {
		e.metrics.cacheWrites.WithLabelValues(ns.Name(), "dropped").Inc()
	}
}

// Wait blocks until every detached cache write has finished.
func (e *Engine) Wait() { e.bg.Wait() }

func servedFromCache(req *http.Request, ent CacheEntry) *http.Response {
	resp := responseFromEntry(req, ent)
	resp.Header.Set(HeaderServedFromCache, "true")
	closeRequestBody(req)
	return resp
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

// background runs detached units of work, bounded by a semaphore. Failures
// and panics are logged and swallowed.
type background struct {
	sem chan struct{}
	wg  sync.WaitGroup
	log *zap.Logger
}

func newBackground(limit int, log *zap.Logger) *background {
	if log == nil {
		log = zap.NewNop()
	}
	return &background{sem: make(chan struct{}, limit), log: log}
}

// Go reports false when the work was dropped because the pool is full.
func (b *background) Go(fn func()) bool {
	select {
	case b.sem <- struct{}{}:
	default:
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("background task panicked", zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return true
}

func (b *background) Wait() { b.wg.Wait() }
