package offline0

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingOrigin answers replays and remembers what it saw. Paths listed in
// failing answer 500.
type recordingOrigin struct {
	mu      sync.Mutex
	seen    []string
	bodies  map[string]string
	failing map[string]bool
	block   chan struct{}
}

func (o *recordingOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o.block != nil {
		<-o.block
	}
	b, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	o.seen = append(o.seen, r.Method+" "+r.URL.Path)
	o.bodies[r.URL.Path] = string(b)
	fail := o.failing[r.URL.Path]
	o.mu.Unlock()
	if r.Header.Get("X-Sync-Task") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (o *recordingOrigin) requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seen...)
}

func newSyncFixture(t *testing.T, policy RetryPolicy) (*SyncQueue, *recordingOrigin, *httptest.Server) {
	t.Helper()
	origin := &recordingOrigin{bodies: map[string]string{}, failing: map[string]bool{}}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)

	q, err := OpenSyncQueue(filepath.Join(t.TempDir(), "sync.db"), srv.Client(), policy, nil, newMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, origin, srv
}

func enqueue(t *testing.T, q *SyncQueue, method, url, body string) SyncTask {
	t.Helper()
	task, err := q.Enqueue(context.Background(), SyncTask{
		TargetURL: url,
		Method:    method,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      []byte(body),
	})
	require.NoError(t, err)
	return task
}

func TestSyncQueue_EnqueueAssignsIdentity(t *testing.T) {
	q, _, srv := newSyncFixture(t, RetryPolicy{MaxAttempts: 8, Initial: time.Second, Max: time.Minute})

	a := enqueue(t, q, "post", srv.URL+"/api/orders", `{"n":1}`)
	b := enqueue(t, q, http.MethodPost, srv.URL+"/api/orders", `{"n":1}`)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "duplicates are distinct tasks")
	assert.Equal(t, http.MethodPost, a.Method)
	assert.False(t, a.CreatedAt.IsZero())

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, "application/json", pending[0].Headers["Content-Type"])
	assert.Equal(t, `{"n":1}`, string(pending[0].Body))
	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.syncDepth))
}

func TestSyncQueue_EnqueueValidates(t *testing.T) {
	q, _, srv := newSyncFixture(t, RetryPolicy{})

	_, err := q.Enqueue(context.Background(), SyncTask{Method: http.MethodPost})
	assert.Error(t, err, "target url is required")

	_, err = q.Enqueue(context.Background(), SyncTask{Method: http.MethodGet, TargetURL: srv.URL + "/api/orders"})
	assert.Error(t, err, "reads are not replayed")

	_, err = q.Enqueue(context.Background(), SyncTask{Method: http.MethodPost, TargetURL: "not a url"})
	assert.Error(t, err)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSyncQueue_DrainKeepsOnlyFailures(t *testing.T) {
	q, origin, srv := newSyncFixture(t, RetryPolicy{MaxAttempts: 8, Initial: time.Second, Max: time.Minute})
	origin.failing["/api/b"] = true

	enqueue(t, q, http.MethodPost, srv.URL+"/api/a", `"A"`)
	b := enqueue(t, q, http.MethodPut, srv.URL+"/api/b", `"B"`)
	enqueue(t, q, http.MethodDelete, srv.URL+"/api/c", "")

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 2, Failed: 1}, res)
	assert.Equal(t, []string{"POST /api/a", "PUT /api/b", "DELETE /api/c"}, origin.requests(), "replayed in creation order")
	assert.Equal(t, `"A"`, origin.bodies["/api/a"])

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "status 500")
	assert.False(t, pending[0].NextAttemptAt.IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.syncReplays.WithLabelValues("replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.syncDepth))
}

func TestSyncQueue_DrainHonorsBackoff(t *testing.T) {
	q, origin, srv := newSyncFixture(t, RetryPolicy{MaxAttempts: 8, Initial: 2 * time.Second, Max: time.Minute})
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	origin.failing["/api/b"] = true
	enqueue(t, q, http.MethodPost, srv.URL+"/api/b", "{}")

	_, err := q.Drain(context.Background())
	require.NoError(t, err)

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Deferred: 1}, res)
	assert.Len(t, origin.requests(), 1)

	now = now.Add(3 * time.Second)
	origin.mu.Lock()
	origin.failing["/api/b"] = false
	origin.mu.Unlock()

	res, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 1}, res)
	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSyncQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	q, origin, srv := newSyncFixture(t, RetryPolicy{MaxAttempts: 2, Initial: time.Second, Max: time.Second})
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	origin.failing["/api/b"] = true
	task := enqueue(t, q, http.MethodPost, srv.URL+"/api/b", "{}")

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)

	now = now.Add(time.Hour)
	res, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1, DeadLettered: 1}, res)

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	dead, err := q.DeadLettered(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
	assert.True(t, dead[0].Dead)
	assert.Equal(t, 2, dead[0].Attempts)

	res, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res, "dead tasks are never replayed")
}

func TestSyncQueue_ConcurrentDrainIsSkipped(t *testing.T) {
	q, origin, srv := newSyncFixture(t, RetryPolicy{MaxAttempts: 8, Initial: time.Second, Max: time.Minute})
	origin.block = make(chan struct{})
	enqueue(t, q, http.MethodPost, srv.URL+"/api/a", "{}")

	done := make(chan DrainResult, 1)
	go func() {
		res, _ := q.Drain(context.Background())
		done <- res
	}()

	require.Eventually(t, func() bool { return q.draining.Load() }, time.Second, 5*time.Millisecond)
	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(origin.block)
	select {
	case res := <-done:
		assert.Equal(t, 1, res.Replayed)
	case <-time.After(5 * time.Second):
		t.Fatal("first drain did not finish")
	}
	assert.Len(t, origin.requests(), 1, "each task replayed once")
}

func TestSyncQueue_DrainTriggeredByConnectivity(t *testing.T) {
	q, origin, srv := newSyncFixture(t, RetryPolicy{MaxAttempts: 8, Initial: time.Second, Max: time.Minute})
	conn := NewConnectivity(false)
	unregister := q.RegisterDrainTrigger(conn)
	defer unregister()

	enqueue(t, q, http.MethodPost, srv.URL+"/api/a", "{}")
	conn.Set(true)

	require.Eventually(t, func() bool {
		n, err := q.Depth(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"POST /api/a"}, origin.requests())
}

func TestSyncQueue_EmptyDrain(t *testing.T) {
	q, _, _ := newSyncFixture(t, RetryPolicy{})
	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 8, Initial: 2 * time.Second, Max: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.delay(1))
	assert.Equal(t, 3*time.Second, p.delay(2))
	assert.Equal(t, 4500*time.Millisecond, p.delay(3))
	assert.Equal(t, 10*time.Second, p.delay(10))
}
