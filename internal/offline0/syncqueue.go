package offline0

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const syncSchema = `
CREATE TABLE IF NOT EXISTS sync_tasks (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT    NOT NULL UNIQUE,
	target_url      TEXT    NOT NULL,
	method          TEXT    NOT NULL,
	headers         TEXT    NOT NULL DEFAULT '{}',
	body            BLOB,
	created_at      INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	dead            INTEGER NOT NULL DEFAULT 0
);`

// SyncTask is a mutating request waiting to be replayed against the origin.
type SyncTask struct {
	ID        string            `json:"id"`
	TargetURL string            `json:"targetURL" validate:"required,url"`
	Method    string            `json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`

	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	// Dead tasks exhausted their attempts; they are kept but never replayed.
	Dead bool `json:"dead"`
}

// RetryPolicy bounds replays. MaxAttempts of zero means unlimited.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// delay is the wait before the attempt following the given failed one.
func (p RetryPolicy) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

type DrainResult struct {
	Replayed     int `json:"replayed"`
	Failed       int `json:"failed"`
	Deferred     int `json:"deferred"`
	DeadLettered int `json:"deadLettered"`
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped"`
}

// SyncQueue exclusively owns the durable task list.
type SyncQueue struct {
	db       *sql.DB
	client   *http.Client
	policy   RetryPolicy
	log      *zap.Logger
	metrics  *metrics
	validate *validator.Validate
	now      func() time.Time

	draining atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func OpenSyncQueue(path string, client *http.Client, policy RetryPolicy, log *zap.Logger, m *metrics) (*SyncQueue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(syncSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sync schema: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &SyncQueue{
		db:       db,
		client:   client,
		policy:   policy,
		log:      log.Named("sync"),
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	q.refreshDepth(context.Background())
	return q, nil
}

// Close waits for triggered drains to finish.
func (q *SyncQueue) Close() error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	return q.db.Close()
}

// Enqueue appends a task. Duplicate enqueues are allowed.
func (q *SyncQueue) Enqueue(ctx context.Context, t SyncTask) (SyncTask, error) {
	t.Method = normalizeMethod(t.Method)
	if err := q.validate.Struct(t); err != nil {
		return SyncTask{}, fmt.Errorf("invalid sync task: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now()
	}
	t.Attempts, t.NextAttemptAt, t.LastError, t.Dead = 0, time.Time{}, "", false

	headers, err := sonic.ConfigDefault.Marshal(t.Headers)
	if err != nil {
		return SyncTask{}, fmt.Errorf("encode headers: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO sync_tasks (id, target_url, method, headers, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.TargetURL, t.Method, string(headers), t.Body, t.CreatedAt.UnixNano())
	if err != nil {
		return SyncTask{}, fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	q.log.Info("sync task queued", zap.String("id", t.ID), zap.String("method", t.Method), zap.String("url", t.TargetURL))
	q.refreshDepth(ctx)
	return t, nil
}

// Pending lists live tasks in creation order.
func (q *SyncQueue) Pending(ctx context.Context) ([]SyncTask, error) {
	return q.list(ctx, false)
}

// DeadLettered lists tasks that exhausted their attempts.
func (q *SyncQueue) DeadLettered(ctx context.Context) ([]SyncTask, error) {
	return q.list(ctx, true)
}

func (q *SyncQueue) list(ctx context.Context, dead bool) ([]SyncTask, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, target_url, method, headers, body, created_at, attempts, next_attempt_at, last_error, dead
		 FROM sync_tasks WHERE dead = ? ORDER BY seq`, dead)
	if err != nil {
		return nil, fmt.Errorf("list sync tasks: %w", err)
	}
	defer rows.Close()

	var out []SyncTask
	for rows.Next() {
		var (
			t               SyncTask
			headers         string
			created, nextAt int64
		)
		if err := rows.Scan(&t.ID, &t.TargetURL, &t.Method, &headers, &t.Body, &created, &t.Attempts, &nextAt, &t.LastError, &t.Dead); err != nil {
			return nil, fmt.Errorf("scan sync task: %w", err)
		}
		if err := sonic.ConfigDefault.UnmarshalFromString(headers, &t.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", t.ID, err)
		}
		t.CreatedAt = time.Unix(0, created)
		if nextAt > 0 {
			t.NextAttemptAt = time.Unix(0, nextAt)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RegisterDrainTrigger drains whenever conn reports the network is back.
// Triggers may arrive any number of times; overlapping ones are skipped.
func (q *SyncQueue) RegisterDrainTrigger(conn *Connectivity) (unregister func()) {
	return conn.Subscribe(func(online bool) {
		if online {
			q.TriggerDrain()
		}
	})
}

// TriggerDrain starts a drain in the background.
func (q *SyncQueue) TriggerDrain() {
	select {
	case <-q.stopCh:
		return
	default:
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-q.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := q.Drain(ctx); err != nil {
			q.log.Warn("triggered drain failed", zap.Error(err))
		}
	}()
}

// Drain replays the tasks pending at the start of the pass, oldest first.
// Each task is removed only after its replay succeeds; a failed replay never
// stops the pass.
func (q *SyncQueue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	tasks, err := q.Pending(ctx)
	if err != nil {
		return DrainResult{}, err
	}

	var res DrainResult
	now := q.now()
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			q.refreshDepth(context.Background())
			return res, err
		}
		if !t.NextAttemptAt.IsZero() && t.NextAttemptAt.After(now) {
			res.Deferred++
			continue
		}

		rerr := q.replay(ctx, t)
		if rerr == nil {
			if err := q.remove(ctx, t.ID); err != nil {
				return res, err
			}
			res.Replayed++
			q.observe("replayed")
			continue
		}

		dead, err := q.recordFailure(ctx, t, rerr)
		if err != nil {
			return res, err
		}
		res.Failed++
		q.observe("failed")
		if dead {
			res.DeadLettered++
			q.observe("dead")
			q.log.Warn("sync task dead-lettered", zap.String("id", t.ID), zap.Int("attempts", t.Attempts+1), zap.Error(rerr))
		} else {
			q.log.Info("sync replay failed", zap.String("id", t.ID), zap.Int("attempts", t.Attempts+1), zap.Error(rerr))
		}
	}
	q.refreshDepth(ctx)
	if len(tasks) > 0 {
		q.log.Info("sync drain finished",
			zap.Int("replayed", res.Replayed), zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred), zap.Int("dead", res.DeadLettered))
	}
	return res, nil
}

func (q *SyncQueue) replay(ctx context.Context, t SyncTask) error {
	req, err := http.NewRequestWithContext(ctx, t.Method, t.TargetURL, bytes.NewReader(t.Body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSyncReplayFailed, err)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Sync-Task", t.ID)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSyncReplayFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("%w: status %d", ErrSyncReplayFailed, resp.StatusCode)
	}
	return nil
}

func (q *SyncQueue) remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove sync task %s: %w", id, err)
	}
	return nil
}

func (q *SyncQueue) recordFailure(ctx context.Context, t SyncTask, cause error) (dead bool, _ error) {
	attempts := t.Attempts + 1
	dead = q.policy.MaxAttempts > 0 && attempts >= q.policy.MaxAttempts
	var nextAt int64
	if !dead {
		nextAt = q.now().Add(q.policy.delay(attempts)).UnixNano()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_tasks SET attempts = ?, next_attempt_at = ?, last_error = ?, dead = ? WHERE id = ?`,
		attempts, nextAt, cause.Error(), dead, t.ID)
	if err != nil {
		return false, fmt.Errorf("record failure of %s: %w", t.ID, err)
	}
	return dead, nil
}

// Depth is the number of live tasks.
func (q *SyncQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_tasks WHERE dead = 0`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (q *SyncQueue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.Depth(ctx); err == nil {
		q.metrics.syncDepth.Set(float64(n))
	}
}

func (q *SyncQueue) observe(result string) {
	if q.metrics != nil {
		q.metrics.syncReplays.WithLabelValues(result).Inc()
	}
}
