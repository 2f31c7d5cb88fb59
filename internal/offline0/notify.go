package offline0

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	// PermissionPending means the user has not decided yet.
	PermissionPending Permission = "default"
)

const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

type NotificationAction struct {
	ID    string `json:"action"`
	Label string `json:"title"`
}

type NotificationIntent struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// PermissionPrompter negotiates notification permission with the platform,
// which also remembers the answer.
type PermissionPrompter interface {
	RequestPermission(ctx context.Context) (Permission, error)
	Permission() Permission
}

// NotificationCenter displays notifications.
type NotificationCenter interface {
	Show(ctx context.Context, intent NotificationIntent) error
}

// WindowOpener focuses an open application view or opens a new one.
type WindowOpener interface {
	FocusOrOpen(ctx context.Context, url string) error
}

type ClickOutcome string

const (
	ClickOpened    ClickOutcome = "opened"
	ClickDismissed ClickOutcome = "dismissed"
)

type NotifierOptions struct {
	Prompter     PermissionPrompter
	Center       NotificationCenter
	Opener       WindowOpener
	RootURL      string
	DefaultTitle string
	DefaultBody  string
	Logger       *zap.Logger
	Metrics      *metrics
}

type Notifier struct {
	prompter     PermissionPrompter
	center       NotificationCenter
	opener       WindowOpener
	rootURL      string
	defaultTitle string
	defaultBody  string
	log          *zap.Logger
	metrics      *metrics
}

func NewNotifier(opts NotifierOptions) *Notifier {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		prompter:     opts.Prompter,
		center:       opts.Center,
		opener:       opts.Opener,
		rootURL:      opts.RootURL,
		defaultTitle: opts.DefaultTitle,
		defaultBody:  opts.DefaultBody,
		log:          log.Named("notify"),
		metrics:      opts.Metrics,
	}
}

func (n *Notifier) RequestPermission(ctx context.Context) (Permission, error) {
	p, err := n.prompter.RequestPermission(ctx)
	if err != nil {
		return PermissionPending, fmt.Errorf("request permission: %w", err)
	}
	n.log.Info("notification permission", zap.String("permission", string(p)))
	return p, nil
}

// Present shows intent when permission is granted and otherwise reports
// ErrPermissionDenied without showing anything.
func (n *Notifier) Present(ctx context.Context, intent NotificationIntent) error {
	if p := n.prompter.Permission(); p != PermissionGranted {
		n.observe("denied")
		return fmt.Errorf("%w: permission is %s", ErrPermissionDenied, p)
	}
	if err := n.center.Show(ctx, intent); err != nil {
		n.observe("error")
		return fmt.Errorf("show notification: %w", err)
	}
	n.observe("shown")
	return nil
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// HandlePush turns an inbound push payload into a notification. Missing or
// malformed fields fall back to the configured defaults.
func (n *Notifier) HandlePush(ctx context.Context, payload []byte) error {
	var p pushPayload
	if len(payload) > 0 {
		if err := sonic.ConfigDefault.Unmarshal(payload, &p); err != nil {
			n.log.Debug("push payload is not json", zap.Error(err))
			p = pushPayload{}
		}
	}
	intent := NotificationIntent{
		Title: firstNonEmpty(p.Title, n.defaultTitle),
		Body:  firstNonEmpty(p.Body, n.defaultBody),
		Actions: []NotificationAction{
			{ID: ActionOpen, Label: "Open"},
			{ID: ActionDismiss, Label: "Dismiss"},
		},
	}
	return n.Present(ctx, intent)
}

// HandleClick routes a notification click. The default action and "open"
// bring up the root view; "dismiss" only closes the notification.
func (n *Notifier) HandleClick(ctx context.Context, action string) (ClickOutcome, error) {
	switch strings.TrimSpace(action) {
	case ActionDismiss:
		return ClickDismissed, nil
	case "", ActionOpen:
		if err := n.opener.FocusOrOpen(ctx, n.rootURL); err != nil {
			return "", fmt.Errorf("open %s: %w", n.rootURL, err)
		}
		return ClickOpened, nil
	}
	return "", fmt.Errorf("%w: unknown notification action %q", ErrInvalidState, action)
}

func (n *Notifier) observe(result string) {
	if n.metrics != nil {
		n.metrics.notifications.WithLabelValues(result).Inc()
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// staticPrompter answers with a permission fixed by configuration.
type staticPrompter struct{ p Permission }

func (s staticPrompter) RequestPermission(context.Context) (Permission, error) { return s.p, nil }
func (s staticPrompter) Permission() Permission                                { return s.p }

// hubCenter and hubOpener deliver to pages connected to the control channel.
type hubCenter struct{ hub *controlHub }

func (c hubCenter) Show(_ context.Context, intent NotificationIntent) error {
	if c.hub.broadcast(ControlReply{Type: MsgNotification, Notification: &intent}) == 0 {
		return fmt.Errorf("no page connected")
	}
	return nil
}

type hubOpener struct{ hub *controlHub }

func (o hubOpener) FocusOrOpen(_ context.Context, url string) error {
	if o.hub.broadcast(ControlReply{Type: MsgNavigate, URL: url}) == 0 {
		return fmt.Errorf("no page connected")
	}
	return nil
}
