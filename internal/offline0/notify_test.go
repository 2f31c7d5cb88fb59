package offline0

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCenter struct {
	shown []NotificationIntent
	err   error
}

func (c *recordingCenter) Show(_ context.Context, intent NotificationIntent) error {
	if c.err != nil {
		return c.err
	}
	c.shown = append(c.shown, intent)
	return nil
}

type recordingOpener struct{ opened []string }

func (o *recordingOpener) FocusOrOpen(_ context.Context, url string) error {
	o.opened = append(o.opened, url)
	return nil
}

func newTestNotifier(p Permission) (*Notifier, *recordingCenter, *recordingOpener, *metrics) {
	center, opener, m := &recordingCenter{}, &recordingOpener{}, newMetrics()
	n := NewNotifier(NotifierOptions{
		Prompter:     staticPrompter{p: p},
		Center:       center,
		Opener:       opener,
		RootURL:      "/",
		DefaultTitle: "Repair Shop CRM",
		DefaultBody:  "You have a new update",
		Metrics:      m,
	})
	return n, center, opener, m
}

func TestNotifier_PresentRequiresGrant(t *testing.T) {
	for _, p := range []Permission{PermissionDenied, PermissionPending} {
		n, center, _, m := newTestNotifier(p)
		err := n.Present(context.Background(), NotificationIntent{Title: "t", Body: "b"})
		assert.ErrorIs(t, err, ErrPermissionDenied, string(p))
		assert.Empty(t, center.shown)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("denied")))
	}

	n, center, _, m := newTestNotifier(PermissionGranted)
	require.NoError(t, n.Present(context.Background(), NotificationIntent{Title: "t", Body: "b"}))
	assert.Len(t, center.shown, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("shown")))
}

func TestNotifier_PresentSurfacesDisplayErrors(t *testing.T) {
	n, center, _, _ := newTestNotifier(PermissionGranted)
	center.err = errors.New("display gone")
	assert.Error(t, n.Present(context.Background(), NotificationIntent{Title: "t"}))
}

func TestNotifier_HandlePush(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantTitle string
		wantBody  string
	}{
		{"full payload", `{"title":"Repair ready","body":"Order 42 can be picked up"}`, "Repair ready", "Order 42 can be picked up"},
		{"missing body", `{"title":"Repair ready"}`, "Repair ready", "You have a new update"},
		{"empty", ``, "Repair Shop CRM", "You have a new update"},
		{"not json", `ping`, "Repair Shop CRM", "You have a new update"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, center, _, _ := newTestNotifier(PermissionGranted)
			require.NoError(t, n.HandlePush(context.Background(), []byte(tt.payload)))
			require.Len(t, center.shown, 1)
			got := center.shown[0]
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, tt.wantBody, got.Body)
			assert.Equal(t, []NotificationAction{{ID: ActionOpen, Label: "Open"}, {ID: ActionDismiss, Label: "Dismiss"}}, got.Actions)
		})
	}
}

func TestNotifier_HandlePushWithoutPermission(t *testing.T) {
	n, center, _, _ := newTestNotifier(PermissionDenied)
	assert.ErrorIs(t, n.HandlePush(context.Background(), []byte(`{"title":"x"}`)), ErrPermissionDenied)
	assert.Empty(t, center.shown)
}

func TestNotifier_HandleClick(t *testing.T) {
	n, _, opener, _ := newTestNotifier(PermissionGranted)

	out, err := n.HandleClick(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ClickOpened, out)

	out, err = n.HandleClick(context.Background(), ActionOpen)
	require.NoError(t, err)
	assert.Equal(t, ClickOpened, out)

	out, err = n.HandleClick(context.Background(), ActionDismiss)
	require.NoError(t, err)
	assert.Equal(t, ClickDismissed, out)

	_, err = n.HandleClick(context.Background(), "archive")
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, []string{"/", "/"}, opener.opened, "dismiss opens nothing")
}

func TestNotifier_RequestPermission(t *testing.T) {
	n, _, _, _ := newTestNotifier(PermissionGranted)
	p, err := n.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, p)
}
