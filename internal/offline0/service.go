package offline0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const controlPrefix = "/__offline/"

// Service wires the worker-equivalent process: store, host, sync queue,
// notifications and the HTTP surface.
type Service struct {
	cfg Config
	log *zap.Logger

	metrics  *metrics
	client   *http.Client
	conn     *Connectivity
	store    *CacheStore
	queue    *SyncQueue
	host     *Host
	hub      *controlHub
	notifier *Notifier
	stats    *statsCollector
	cron     *cron.Cron

	unsubs []func()
}

// NewService opens the stores. source defaults to the build described by cfg.
func NewService(cfg Config, log *zap.Logger, source BuildSource) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if source == nil {
		b := cfg.Build()
		source = BuildSourceFunc(func(context.Context) (Build, error) { return b, nil })
	}
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	m := newMetrics()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	store, err := OpenCacheStore(cfg.cachePath(), cfg.ramMaxBytes, cfg.diskMaxBytes, log, m)
	if err != nil {
		return nil, err
	}
	queue, err := OpenSyncQueue(cfg.queuePath(), client, RetryPolicy{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Initial:     cfg.backoffInitial,
		Max:         cfg.backoffMax,
	}, log, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	host := NewHost(HostOptions{
		Config:  cfg,
		Store:   store,
		Network: transport,
		Source:  source,
		Logger:  log,
		Metrics: m,
	})
	hub := newControlHub(host, log)

	s := &Service{
		cfg:     cfg,
		log:     log,
		metrics: m,
		client:  client,
		conn:    NewConnectivity(true),
		store:   store,
		queue:   queue,
		host:    host,
		hub:     hub,
		stats:   newStatsCollector(),
		cron: cron.New(
			cron.WithLogger(cronLogger{log.Named("cron").Sugar()}),
			cron.WithChain(cron.Recover(cronLogger{log.Named("cron").Sugar()})),
		),
	}
	s.notifier = NewNotifier(NotifierOptions{
		Prompter:     staticPrompter{p: Permission(cfg.Notifications.Permission)},
		Center:       hubCenter{hub: hub},
		Opener:       hubOpener{hub: hub},
		RootURL:      cfg.Notifications.RootURL,
		DefaultTitle: cfg.Notifications.DefaultTitle,
		DefaultBody:  cfg.Notifications.DefaultBody,
		Logger:       log,
		Metrics:      m,
	})
	return s, nil
}

// Start registers the first generation and schedules the background jobs.
func (s *Service) Start(ctx context.Context) error {
	if err := s.host.Register(ctx); err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, s.queue.RegisterDrainTrigger(s.conn))

	p := &prober{
		conn:   s.conn,
		client: s.client,
		url:    s.cfg.Server.Origin + s.cfg.Lifecycle.Probe.Path,
		log:    s.log.Named("probe"),
	}
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"probe", s.cfg.Lifecycle.Probe.Every, func() { p.probe(context.Background()) }},
		{"update-check", s.cfg.Lifecycle.UpdateCheck, s.checkForUpdate},
		{"sync-drain", s.cfg.Sync.DrainEvery, func() {
			if s.conn.Online() {
				s.queue.TriggerDrain()
			}
		}},
	}
	if s.cfg.logStatsEveryDur > 0 {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   func()
		}{"stats", "@every " + s.cfg.logStatsEveryDur.String(), s.logStats})
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	s.cron.Start()

	s.log.Info("service started",
		zap.String("origin", s.cfg.Server.Origin),
		zap.String("build", s.host.Active().Build().Identifier()))
	return nil
}

func (s *Service) checkForUpdate() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.host.CheckForUpdate(ctx); err != nil {
		s.log.Warn("update check failed", zap.Error(err))
	}
}

func (s *Service) Close() {
	<-s.cron.Stop().Done()
	for _, u := range s.unsubs {
		u()
	}
	s.hub.closeAll()
	if err := s.queue.Close(); err != nil {
		s.log.Warn("close sync queue", zap.Error(err))
	}
	s.host.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Warn("close cache store", zap.Error(err))
	}
}

func (s *Service) Host() *Host { return s.host }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(controlPrefix+"control", s.hub)
	mux.Handle("GET "+controlPrefix+"metrics", s.metrics.handler())
	mux.HandleFunc("POST "+controlPrefix+"sync", s.handleEnqueue)
	mux.HandleFunc("GET "+controlPrefix+"sync", s.handleListSync)
	mux.HandleFunc("POST "+controlPrefix+"sync/drain", s.handleDrain)
	mux.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	mux.HandleFunc("POST "+controlPrefix+"notifications/permission", s.handlePermission)
	mux.HandleFunc("POST "+controlPrefix+"notifications/click", s.handleClick)
	mux.HandleFunc("/", s.handle)
	return mux
}

// handle proxies one page request through the active generation.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	out, err := s.outboundRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp, err := s.host.RoundTrip(out)
	if err != nil {
		s.log.Debug("no response available", zap.String("url", out.URL.String()), zap.Error(err))
		setOfflineHeaders(w.Header(), "unavailable")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	n := writeResponse(w, resp)
	s.stats.Observe(resp.Header, n)
}

func (s *Service) outboundRequest(r *http.Request) (*http.Request, error) {
	target := s.cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	out.Header.Set("Accept-Encoding", "identity")
	return out, nil
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeResponse(w http.ResponseWriter, resp *http.Response) int64 {
	copyHeaders(w.Header(), resp.Header)
	for _, name := range []string{HeaderOffline, HeaderServedFromCache} {
		if resp.Header.Get(name) != "" {
			ensureExposedHeader(w.Header(), name)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

func setOfflineHeaders(h http.Header, v string) {
	h.Set(HeaderOffline, v)
	ensureExposedHeader(h, HeaderOffline)
}

// ensureExposedHeader makes a custom header readable from page scripts in a
// CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.ConfigDefault.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var t SyncTask
	if err := sonic.ConfigDefault.Unmarshal(body, &t); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	t, err = s.queue.Enqueue(r.Context(), t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if s.conn.Online() {
		s.queue.TriggerDrain()
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Service) handleListSync(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.Pending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dead, err := s.queue.DeadLettered(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]SyncTask{"pending": pending, "dead": dead})
}

func (s *Service) handleDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Drain(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := s.notifier.HandlePush(r.Context(), payload); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrPermissionDenied) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handlePermission(w http.ResponseWriter, r *http.Request) {
	p, err := s.notifier.RequestPermission(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"permission": string(p)})
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.notifier.HandleClick(r.Context(), r.URL.Query().Get("action"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrInvalidState) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
