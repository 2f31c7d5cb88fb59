package offline0

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Platform is what the page-side coordinator needs from the worker host.
type Platform interface {
	Register(ctx context.Context) error
	CheckForUpdate(ctx context.Context) (bool, error)
	HasWaiting() bool
	Send(ctx context.Context, msg ControlMessage) (ControlReply, error)
	Subscribe(fn func(Event)) (unsubscribe func())
}

type CoordinatorState int32

const (
	StateUnregistered CoordinatorState = iota
	StateRegistering
	StateRegistered
	StateUpdateAvailable
	StateUpdating
)

func (s CoordinatorState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateUpdateAvailable:
		return "updateAvailable"
	case StateUpdating:
		return "updating"
	}
	return "unknown"
}

type CoordinatorOptions struct {
	Platform     Platform
	Connectivity *Connectivity
	// Reload reloads the hosting page.
	Reload func()
	// UpdateCheck is a cron spec for polling newer generations; empty
	// disables polling.
	UpdateCheck   string
	AdoptTimeout  time.Duration
	OnStateChange func(from, to CoordinatorState)
	Logger        *zap.Logger
}

// Coordinator runs in the hosting page and drives registration and the
// adopt-new-version handshake.
type Coordinator struct {
	platform      Platform
	conn          *Connectivity
	reload        func()
	updateCheck   string
	adoptTimeout  time.Duration
	onStateChange func(from, to CoordinatorState)
	log           *zap.Logger

	mu          sync.Mutex
	state       CoordinatorState
	installable bool
	installed   bool

	online atomic.Bool

	cron   *cron.Cron
	unsubs []func()
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		platform:      opts.Platform,
		conn:          opts.Connectivity,
		reload:        opts.Reload,
		updateCheck:   opts.UpdateCheck,
		adoptTimeout:  opts.AdoptTimeout,
		onStateChange: opts.OnStateChange,
		log:           log.Named("lifecycle"),
		state:         StateUnregistered,
	}
	if c.reload == nil {
		c.reload = func() {}
	}
	if c.adoptTimeout <= 0 {
		c.adoptTimeout = 30 * time.Second
	}
	c.online.Store(true)
	if c.conn != nil {
		c.online.Store(c.conn.Online())
		c.unsubs = append(c.unsubs, c.conn.Subscribe(func(online bool) { c.online.Store(online) }))
	}
	return c
}

func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) IsUpdateAvailable() bool { return c.State() == StateUpdateAvailable }
func (c *Coordinator) IsOnline() bool          { return c.online.Load() }

func (c *Coordinator) IsInstallable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installable
}

func (c *Coordinator) IsInstalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// SetInstallPromptAvailable mirrors the platform install affordance.
func (c *Coordinator) SetInstallPromptAvailable(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installable = available && !c.installed
}

// MarkInstalled records that the application was installed.
func (c *Coordinator) MarkInstalled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed = true
	c.installable = false
}

// transition moves from -> to and reports whether the current state was from.
func (c *Coordinator) transition(from, to CoordinatorState) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.onStateChange != nil {
		c.onStateChange(from, to)
	}
	return true
}

// Start registers the worker. A failed registration leaves the coordinator
// unregistered and is not retried.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.transition(StateUnregistered, StateRegistering) {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, c.State())
	}
	if err := c.platform.Register(ctx); err != nil {
		c.transition(StateRegistering, StateUnregistered)
		c.log.Error("registration failed", zap.Error(err))
		return fmt.Errorf("register worker: %w", err)
	}
	c.transition(StateRegistering, StateRegistered)
	c.unsubs = append(c.unsubs, c.platform.Subscribe(c.onPlatformEvent))
	if c.platform.HasWaiting() {
		c.transition(StateRegistered, StateUpdateAvailable)
	}

	if c.updateCheck != "" {
		c.cron = cron.New()
		_, err := c.cron.AddFunc(c.updateCheck, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := c.CheckForUpdate(ctx); err != nil {
				c.log.Warn("update check failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule update check %q: %w", c.updateCheck, err)
		}
		c.cron.Start()
	}
	c.log.Info("worker registered")
	return nil
}

func (c *Coordinator) onPlatformEvent(ev Event) {
	switch ev.Kind {
	case EventWaiting:
		if c.transition(StateRegistered, StateUpdateAvailable) {
			c.log.Info("update available")
		}
	case EventControllerChange:
		// Another page adopted the update; follow it.
		if c.transition(StateUpdateAvailable, StateRegistered) {
			c.reload()
		}
	}
}

// CheckForUpdate asks the platform for a newer generation now.
func (c *Coordinator) CheckForUpdate(ctx context.Context) error {
	switch c.State() {
	case StateUnregistered, StateRegistering:
		return ErrNotRegistered
	}
	waiting, err := c.platform.CheckForUpdate(ctx)
	if err != nil {
		return err
	}
	if waiting {
		c.transition(StateRegistered, StateUpdateAvailable)
	}
	return nil
}

// Adopt activates the waiting generation, waits for it to take control and
// reloads the page once. On failure the update stays available.
func (c *Coordinator) Adopt(ctx context.Context) error {
	if !c.transition(StateUpdateAvailable, StateUpdating) {
		return fmt.Errorf("%w: adopt from %s", ErrNoWaitingGeneration, c.State())
	}

	changed := make(chan struct{}, 1)
	unsub := c.platform.Subscribe(func(ev Event) {
		if ev.Kind == EventControllerChange {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	fail := func(err error) error {
		c.transition(StateUpdating, StateUpdateAvailable)
		c.log.Warn("update adoption failed", zap.Error(err))
		return err
	}

	reply, err := c.platform.Send(ctx, ControlMessage{Type: MsgAdoptUpdate})
	if err == nil && reply.Type == MsgError {
		err = errors.New(reply.Error)
	}
	if err != nil {
		return fail(fmt.Errorf("adopt update: %w", err))
	}

	if err := c.awaitControllerChange(ctx, changed); err != nil {
		return fail(err)
	}

	c.transition(StateUpdating, StateRegistered)
	c.log.Info("update adopted, reloading")
	c.reload()
	return nil
}

// awaitControllerChange prefers an already delivered change over an expired
// context or timer: once the host has switched, the page must follow it.
func (c *Coordinator) awaitControllerChange(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-changed:
		return nil
	default:
	}
	timer := time.NewTimer(c.adoptTimeout)
	defer timer.Stop()
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("adopt update: no controller change after %s", c.adoptTimeout)
	}
}

func (c *Coordinator) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}
