package offline0

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connectivity mirrors the platform online/offline signal and fans changes
// out to subscribers.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online, subs: map[int]func(bool){}}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set records the state and notifies subscribers when it changed.
// Subscribers are called synchronously, in no particular order.
func (c *Connectivity) Set(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func (c *Connectivity) Subscribe(fn func(online bool)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// prober flips a Connectivity according to whether the origin answers.
type prober struct {
	conn   *Connectivity
	client *http.Client
	url    string
	log    *zap.Logger
}

func (p *prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			online = true
		}
	}
	if online != p.conn.Online() {
		p.log.Info("connectivity changed", zap.Bool("online", online), zap.String("probe", p.url))
	}
	p.conn.Set(online)
}
