package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control channel message types. Pages send ADOPT_UPDATE and QUERY_VERSION;
// everything else flows from the worker to pages.
const (
	MsgAdoptUpdate      = "ADOPT_UPDATE"
	MsgQueryVersion     = "QUERY_VERSION"
	MsgVersion          = "VERSION"
	MsgAck              = "ACK"
	MsgError            = "ERROR"
	MsgUpdateWaiting    = "UPDATE_WAITING"
	MsgControllerChange = "CONTROLLER_CHANGE"
	MsgNotification     = "NOTIFICATION"
	MsgNavigate         = "NAVIGATE"
)

type ControlMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type ControlReply struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Version string   `json:"version,omitempty"`
	Caches  []string `json:"caches,omitempty"`
	Waiting string   `json:"waiting,omitempty"`
	Error   string   `json:"error,omitempty"`

	Notification *NotificationIntent `json:"notification,omitempty"`
	URL          string              `json:"url,omitempty"`
}

const controlWriteTimeout = 5 * time.Second

// controlHub serves the websocket control channel and broadcasts worker
// events to every connected page.
type controlHub struct {
	host     *Host
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*controlPeer]struct{}
}

type controlPeer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *controlPeer) write(v ControlReply) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	return p.conn.WriteJSON(v)
}

func newControlHub(host *Host, log *zap.Logger) *controlHub {
	h := &controlHub{
		host:  host,
		log:   log.Named("control"),
		peers: map[*controlPeer]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	host.Subscribe(h.onHostEvent)
	return h
}

func (h *controlHub) onHostEvent(ev Event) {
	switch ev.Kind {
	case EventWaiting:
		h.broadcast(ControlReply{Type: MsgUpdateWaiting, Version: ev.Build.Identifier()})
	case EventControllerChange:
		h.broadcast(ControlReply{Type: MsgControllerChange, Version: ev.Build.Identifier()})
	}
}

func (h *controlHub) broadcast(msg ControlReply) int {
	h.mu.Lock()
	peers := make([]*controlPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	sent := 0
	for _, p := range peers {
		if err := p.write(msg); err != nil {
			h.log.Debug("drop control peer", zap.Error(err))
			h.drop(p)
			continue
		}
		sent++
	}
	return sent
}

func (h *controlHub) drop(p *controlPeer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	h.mu.Unlock()
	if ok {
		_ = p.conn.Close()
	}
}

func (h *controlHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("control upgrade failed", zap.Error(err))
		return
	}
	p := &controlPeer{conn: conn}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	defer h.drop(p)

	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("control read failed", zap.Error(err))
			}
			return
		}
		reply, err := h.host.Send(r.Context(), msg)
		if err != nil {
			h.log.Info("control message failed", zap.String("type", msg.Type), zap.Error(err))
		}
		if err := p.write(reply); err != nil {
			return
		}
	}
}

func (h *controlHub) closeAll() {
	h.mu.Lock()
	peers := make([]*controlPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.drop(p)
	}
}

// ControlClient talks to a running instance over the control channel. A
// single reader routes replies to their requests by id and hands broadcasts
// to subscribers.
type ControlClient struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ControlReply
	subs    map[int]func(ControlReply)
	nextSub int
	readErr error
	done    chan struct{}
}

func DialControl(ctx context.Context, wsURL string) (*ControlClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", wsURL, err)
	}
	c := &ControlClient{
		conn:    conn,
		pending: map[string]chan ControlReply{},
		subs:    map[int]func(ControlReply){},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *ControlClient) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *ControlClient) readLoop() {
	defer close(c.done)
	for {
		var reply ControlReply
		if err := c.conn.ReadJSON(&reply); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		if ok {
			delete(c.pending, reply.ID)
		}
		subs := make([]func(ControlReply), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		if ok {
			ch <- reply
			continue
		}
		for _, fn := range subs {
			fn(reply)
		}
	}
}

// Subscribe registers fn for messages that are not replies to a request of
// this client. fn runs on the reader goroutine.
func (c *ControlClient) Subscribe(fn func(ControlReply)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Request sends a message and waits for the reply carrying the same id.
// Broadcasts that arrive first reach subscribers before Request returns.
func (c *ControlClient) Request(ctx context.Context, msgType string) (ControlReply, error) {
	msg := ControlMessage{Type: msgType, ID: uuid.NewString()}
	ch := make(chan ControlReply, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return ControlReply{}, fmt.Errorf("send %s: %w", msgType, err)
	}
	select {
	case reply := <-ch:
		if reply.Type == MsgError {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return ControlReply{}, fmt.Errorf("read reply to %s: %w", msgType, err)
	case <-ctx.Done():
		return ControlReply{}, fmt.Errorf("await reply to %s: %w", msgType, ctx.Err())
	}
}

func (c *ControlClient) write(ctx context.Context, msg ControlMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(controlWriteTimeout)
	}
	_ = c.conn.SetWriteDeadline(dl)
	return c.conn.WriteJSON(msg)
}

func (c *ControlClient) QueryVersion(ctx context.Context) (ControlReply, error) {
	return c.Request(ctx, MsgQueryVersion)
}

func (c *ControlClient) AdoptUpdate(ctx context.Context) error {
	_, err := c.Request(ctx, MsgAdoptUpdate)
	return err
}

// ControlPlatform lets a Coordinator drive a running instance over the
// control channel.
type ControlPlatform struct {
	client *ControlClient

	mu      sync.Mutex
	active  string
	waiting string
}

func NewControlPlatform(client *ControlClient) *ControlPlatform {
	p := &ControlPlatform{client: client}
	client.Subscribe(p.track)
	return p
}

func (p *ControlPlatform) track(r ControlReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch r.Type {
	case MsgUpdateWaiting:
		p.waiting = r.Version
	case MsgControllerChange:
		p.active = r.Version
		p.waiting = ""
	}
}

func (p *ControlPlatform) refresh(ctx context.Context) error {
	v, err := p.client.QueryVersion(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.active = v.Version
	p.waiting = v.Waiting
	p.mu.Unlock()
	return nil
}

// Register succeeds when the instance already serves an active generation.
func (p *ControlPlatform) Register(ctx context.Context) error {
	if err := p.refresh(ctx); err != nil {
		return fmt.Errorf("query version: %w", err)
	}
	return nil
}

// CheckForUpdate reports whether the instance holds a waiting generation.
// The instance polls its build source on its own schedule.
func (p *ControlPlatform) CheckForUpdate(ctx context.Context) (bool, error) {
	if err := p.refresh(ctx); err != nil {
		return false, err
	}
	return p.HasWaiting(), nil
}

func (p *ControlPlatform) HasWaiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting != ""
}

func (p *ControlPlatform) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *ControlPlatform) Send(ctx context.Context, msg ControlMessage) (ControlReply, error) {
	return p.client.Request(ctx, msg.Type)
}

func (p *ControlPlatform) Subscribe(fn func(Event)) (unsubscribe func()) {
	return p.client.Subscribe(func(r ControlReply) {
		switch r.Type {
		case MsgUpdateWaiting:
			fn(Event{Kind: EventWaiting})
		case MsgControllerChange:
			fn(Event{Kind: EventControllerChange})
		}
	})
}
