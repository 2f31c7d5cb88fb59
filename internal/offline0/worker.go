package offline0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type GenerationStatus int32

const (
	StatusInstalling GenerationStatus = iota + 1
	StatusWaiting
	StatusActive
	// StatusRedundant is a generation that failed to install or was replaced.
	StatusRedundant
)

func (s GenerationStatus) String() string {
	switch s {
	case StatusInstalling:
		return "installing"
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusRedundant:
		return "redundant"
	}
	return "unknown"
}

// Generation is one installed build with its own routing engine.
type Generation struct {
	build  Build
	engine *Engine
	status atomic.Int32
}

func (g *Generation) Build() Build                 { return g.build }
func (g *Generation) Engine() *Engine              { return g.engine }
func (g *Generation) Status() GenerationStatus     { return GenerationStatus(g.status.Load()) }
func (g *Generation) setStatus(s GenerationStatus) { g.status.Store(int32(s)) }

// BuildSource reports the newest available build.
type BuildSource interface {
	Latest(ctx context.Context) (Build, error)
}

type BuildSourceFunc func(ctx context.Context) (Build, error)

func (f BuildSourceFunc) Latest(ctx context.Context) (Build, error) { return f(ctx) }

type EventKind string

const (
	// EventWaiting fires when a newer generation finished installing.
	EventWaiting          EventKind = "waiting"
	EventInstallFailed    EventKind = "install-failed"
	EventControllerChange EventKind = "controller-change"
)

type Event struct {
	Kind  EventKind
	Build Build
	Err   error
}

type HostOptions struct {
	Config  Config
	Store   *CacheStore
	Network http.RoundTripper
	Source  BuildSource
	Logger  *zap.Logger
	Metrics *metrics
	Now     func() time.Time
}

// Host owns worker generations: it installs builds, holds at most one
// waiting generation and exactly one active one, and routes intercepted
// requests to the active generation's engine.
type Host struct {
	cfg     Config
	store   *CacheStore
	network http.RoundTripper
	source  BuildSource
	log     *zap.Logger
	metrics *metrics
	bg      *background
	now     func() time.Time

	installMu sync.Mutex

	mu      sync.Mutex
	active  *Generation
	waiting *Generation

	subsMu sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func NewHost(opts HostOptions) *Host {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Host{
		cfg:     opts.Config,
		store:   opts.Store,
		network: opts.Network,
		source:  opts.Source,
		log:     log.Named("host"),
		metrics: opts.Metrics,
		bg:      newBackground(32, log.Named("bg")),
		now:     opts.Now,
		subs:    map[int]func(Event){},
	}
	if h.network == nil {
		h.network = http.DefaultTransport
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Host) Active() *Generation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Host) Waiting() *Generation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting
}

func (h *Host) HasWaiting() bool { return h.Waiting() != nil }

// Register installs the latest build and, since nothing controls requests
// yet, activates it immediately. Registering twice is a no-op.
func (h *Host) Register(ctx context.Context) error {
	h.installMu.Lock()
	defer h.installMu.Unlock()

	if h.Active() != nil {
		return nil
	}
	build, err := h.source.Latest(ctx)
	if err != nil {
		return fmt.Errorf("resolve build: %w", err)
	}
	g, err := h.install(ctx, build)
	if err != nil {
		return err
	}
	h.activate(g)
	return nil
}

// CheckForUpdate installs the latest build when it differs from both the
// active and the waiting one. It reports whether a new generation is waiting.
func (h *Host) CheckForUpdate(ctx context.Context) (bool, error) {
	h.installMu.Lock()
	defer h.installMu.Unlock()

	active, waiting := h.Active(), h.Waiting()
	if active == nil {
		return false, ErrNotRegistered
	}
	build, err := h.source.Latest(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve build: %w", err)
	}
	if build.sameAs(active.build) || (waiting != nil && build.sameAs(waiting.build)) {
		return false, nil
	}

	g, err := h.install(ctx, build)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	prev := h.waiting
	h.waiting = g
	h.mu.Unlock()
	if prev != nil {
		prev.setStatus(StatusRedundant)
	}
	h.log.Info("new generation waiting", zap.String("build", build.Identifier()))
	h.emit(Event{Kind: EventWaiting, Build: build})
	return true, nil
}

func (h *Host) install(ctx context.Context, build Build) (*Generation, error) {
	g := &Generation{build: build}
	g.setStatus(StatusInstalling)

	fail := func(err error) (*Generation, error) {
		g.setStatus(StatusRedundant)
		h.log.Error("install failed", zap.String("build", build.Identifier()), zap.Error(err))
		h.emit(Event{Kind: EventInstallFailed, Build: build, Err: err})
		return nil, err
	}

	static, err := h.store.EnsureNamespace(build.Static.Name())
	if err != nil {
		return fail(err)
	}
	api, err := h.store.EnsureNamespace(build.API.Name())
	if err != nil {
		return fail(err)
	}

	ids := make([]RequestIdentity, 0, len(h.cfg.Install.Manifest))
	for _, p := range h.cfg.Install.Manifest {
		ids = append(ids, GetIdentity(h.cfg.Server.Origin+p))
	}
	if err := static.Populate(ctx, h.fetchEntry, ids); err != nil {
		return fail(err)
	}

	g.engine = NewEngine(EngineOptions{
		Origin:             h.cfg.Server.Origin,
		ExcludedOrigins:    h.cfg.Routing.ExcludedOrigins,
		DataPrefixes:       prefixesOf(h.cfg.dataMatchers),
		StaticDestinations: h.cfg.Routing.StaticDestinations,
		OfflinePage:        h.cfg.Install.OfflinePage,
		Network:            h.network,
		Static:             static,
		API:                api,
		Background:         h.bg,
		Logger:             h.log.Named("engine").With(zap.String("build", build.Identifier())),
		Metrics:            h.metrics,
		Now:                h.now,
	})
	g.setStatus(StatusWaiting)
	h.log.Info("generation installed", zap.String("build", build.Identifier()), zap.Int("precached", len(ids)))
	return g, nil
}

func (h *Host) fetchEntry(ctx context.Context, id RequestIdentity) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, id.Method, id.URL, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := h.network.RoundTrip(req)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: h.now().UnixNano(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// SkipWaiting promotes the waiting generation.
func (h *Host) SkipWaiting() error {
	h.mu.Lock()
	w := h.waiting
	h.mu.Unlock()
	if w == nil {
		return ErrNoWaitingGeneration
	}
	h.activate(w)
	return nil
}

// activate makes g the controller and evicts every namespace it does not
// use. It runs exactly once per generation that becomes active.
func (h *Host) activate(g *Generation) {
	h.mu.Lock()
	prev := h.active
	h.active = g
	if h.waiting == g {
		h.waiting = nil
	}
	h.mu.Unlock()

	g.setStatus(StatusActive)
	if prev != nil {
		prev.setStatus(StatusRedundant)
	}

	keep := []string{g.build.Static.Name(), g.build.API.Name()}
	if _, err := h.store.EvictExcept(keep); err != nil {
		h.log.Error("evict stale namespaces", zap.Error(err))
	}
	h.log.Info("generation active", zap.String("build", g.build.Identifier()))
	h.emit(Event{Kind: EventControllerChange, Build: g.build})
}

// RoundTrip routes through the active generation, or straight to the
// network before registration.
func (h *Host) RoundTrip(req *http.Request) (*http.Response, error) {
	g := h.Active()
	if g == nil {
		resp, err := h.network.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
		}
		return resp, nil
	}
	return g.engine.RoundTrip(req)
}

// Wait blocks until background cache writes of every generation finish.
func (h *Host) Wait() { h.bg.Wait() }

// Send handles a control message from a page.
func (h *Host) Send(_ context.Context, msg ControlMessage) (ControlReply, error) {
	switch msg.Type {
	case MsgAdoptUpdate:
		if err := h.SkipWaiting(); err != nil {
			return ControlReply{Type: MsgError, ID: msg.ID, Error: err.Error()}, err
		}
		return ControlReply{Type: MsgAck, ID: msg.ID}, nil
	case MsgQueryVersion:
		g := h.Active()
		if g == nil {
			return ControlReply{Type: MsgError, ID: msg.ID, Error: ErrNotRegistered.Error()}, ErrNotRegistered
		}
		reply := ControlReply{
			Type:    MsgVersion,
			ID:      msg.ID,
			Version: g.build.Identifier(),
			Caches:  []string{g.build.Static.Name(), g.build.API.Name()},
		}
		if w := h.Waiting(); w != nil {
			reply.Waiting = w.build.Identifier()
		}
		return reply, nil
	}
	err := fmt.Errorf("%w: unknown control message %q", ErrInvalidState, msg.Type)
	return ControlReply{Type: MsgError, ID: msg.ID, Error: err.Error()}, err
}

func (h *Host) Subscribe(fn func(Event)) (unsubscribe func()) {
	h.subsMu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.subsMu.Unlock()
	return func() {
		h.subsMu.Lock()
		delete(h.subs, id)
		h.subsMu.Unlock()
	}
}

func (h *Host) emit(ev Event) {
	h.subsMu.Lock()
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subsMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func prefixesOf(ms []pathPrefixMatcher) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Prefix)
	}
	return out
}
