package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	namespacePrefix = "n:"
	entryPrefix     = "e:"

	populateParallelism = 4
)

// Fetcher retrieves one resource from the network for install-time population.
type Fetcher func(ctx context.Context, id RequestIdentity) (CacheEntry, error)

// CacheStore owns every cache namespace. Namespaces are key ranges of one
// LevelDB; a RAM LRU sits in front for reads.
type CacheStore struct {
	db  *leveldb.DB
	ram *ramCache

	maxBytes int64

	log      *zap.Logger
	quotaLog *rateLimitedLogger
	metrics  *metrics

	// mu serializes writes and guards the size index. Reads only take it to
	// refill the RAM tier after a disk hit.
	mu    sync.Mutex
	sizes map[string]int64
	total int64

	// writes counts completed writes and drops. A disk read may only be
	// copied into RAM if no write landed while it was in flight.
	writes atomic.Uint64
}

// Namespace is a handle returned by EnsureNamespace.
type Namespace struct {
	store *CacheStore
	name  string
}

type storedItem struct {
	id  RequestIdentity
	ent CacheEntry
}

func OpenCacheStore(path string, ramMax, diskMax int64, log *zap.Logger, m *metrics) (*CacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store %s: %w", path, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("store")
	c := &CacheStore{
		db:       db,
		ram:      newRAMCache(ramMax),
		maxBytes: diskMax,
		log:      log,
		quotaLog: newRateLimitedLogger(log, time.Minute),
		metrics:  m,
		sizes:    map[string]int64{},
	}
	if err := c.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *CacheStore) Close() error {
	return c.db.Close()
}

func (c *CacheStore) loadIndex() error {
	it := c.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var total int64
	for it.Next() {
		sz := int64(len(it.Value()))
		c.sizes[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	c.total = total
	return nil
}

func namespaceKey(name string) []byte { return []byte(namespacePrefix + name) }

func namespaceRange(name string) string { return entryPrefix + name + "\x00" }

func entryKey(name string, id RequestIdentity) string { return namespaceRange(name) + id.String() }

// EnsureNamespace creates the namespace if absent. Calling it again is a no-op.
func (c *CacheStore) EnsureNamespace(name string) (*Namespace, error) {
	if name == "" || strings.ContainsAny(name, "\x00") {
		return nil, fmt.Errorf("invalid namespace name %q", name)
	}
	ok, err := c.db.Has(namespaceKey(name), nil)
	if err != nil {
		return nil, fmt.Errorf("lookup namespace %s: %w", name, err)
	}
	if !ok {
		if err := c.db.Put(namespaceKey(name), []byte{}, nil); err != nil {
			return nil, fmt.Errorf("create namespace %s: %w", name, err)
		}
		c.log.Debug("namespace created", zap.String("namespace", name))
	}
	return &Namespace{store: c, name: name}, nil
}

// Namespaces lists existing namespace names in sorted order.
func (c *CacheStore) Namespaces() ([]string, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte(namespacePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), namespacePrefix))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// EvictExcept deletes every namespace whose name is not in keep and returns
// the deleted names. Surviving namespaces are untouched.
func (c *CacheStore) EvictExcept(keep []string) ([]string, error) {
	allowed := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		allowed[k] = struct{}{}
	}
	names, err := c.Namespaces()
	if err != nil {
		return nil, err
	}

	var evicted []string
	for _, name := range names {
		if _, ok := allowed[name]; ok {
			continue
		}
		if err := c.dropNamespace(name); err != nil {
			return evicted, err
		}
		evicted = append(evicted, name)
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	if len(evicted) > 0 {
		c.log.Info("namespaces evicted", zap.Strings("evicted", evicted), zap.Strings("kept", keep))
	}
	return evicted, nil
}

func (c *CacheStore) dropNamespace(name string) error {
	prefix := namespaceRange(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	batch := new(leveldb.Batch)
	var keys []string
	it := c.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for it.Next() {
		k := string(it.Key())
		keys = append(keys, k)
		batch.Delete([]byte(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan namespace %s: %w", name, err)
	}
	batch.Delete(namespaceKey(name))
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("drop namespace %s: %w", name, err)
	}

	for _, k := range keys {
		c.total -= c.sizes[k]
		delete(c.sizes, k)
	}
	c.ram.DropNamespace(name)
	c.writes.Add(1)
	return nil
}

// TotalSize is the encoded size of all entries on disk.
func (c *CacheStore) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *CacheStore) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sizes)
}

func (n *Namespace) Name() string { return n.name }

// Put stores ent under id, replacing any previous entry. It is best-effort:
// non-GET identities, quota overruns and write errors are logged and counted,
// and the previous state of the key is kept.
func (n *Namespace) Put(id RequestIdentity, ent CacheEntry) {
	err := n.store.putBatch(n.name, []storedItem{{id: id, ent: ent}})
	n.store.observeWrite(n.name, id, err)
}

func (c *CacheStore) observeWrite(ns string, id RequestIdentity, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotCacheable):
		result = "rejected"
		c.log.Debug("cache put rejected", zap.String("namespace", ns), zap.Stringer("key", id))
	case errors.Is(err, ErrQuotaExceeded):
		result = "quota"
		c.quotaLog.Warn("cache quota exceeded, write dropped",
			zap.String("namespace", ns), zap.Stringer("key", id), zap.Int64("max_bytes", c.maxBytes))
	default:
		result = "error"
		c.log.Warn("cache put failed", zap.String("namespace", ns), zap.Stringer("key", id), zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.cacheWrites.WithLabelValues(ns, result).Inc()
	}
}

func (n *Namespace) Get(id RequestIdentity) (CacheEntry, bool) {
	c := n.store
	k := entryKey(n.name, id)
	if ent, ok := c.ram.Get(k); ok {
		return cloneEntry(ent), true
	}
	seen := c.writes.Load()
	b, err := c.db.Get([]byte(k), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.log.Warn("cache get failed", zap.String("key", k), zap.Error(err))
		}
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		c.log.Warn("cache entry undecodable", zap.String("key", k), zap.Error(err))
		return CacheEntry{}, false
	}
	if sum := crc32.ChecksumIEEE(ent.Body); sum != ent.Hash32 {
		c.log.Warn("cache entry checksum mismatch", zap.String("key", k),
			zap.Uint32("want", ent.Hash32), zap.Uint32("got", sum))
		return CacheEntry{}, false
	}
	c.refill(n.name, k, ent, int64(len(b)), seen)
	return cloneEntry(ent), true
}

// refill copies a disk hit into RAM. It gives up if any write or drop
// completed since the read began, if the namespace no longer exists, or if
// RAM already holds the key.
func (c *CacheStore) refill(ns, key string, ent CacheEntry, size int64, seen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writes.Load() != seen {
		return
	}
	if ok, err := c.db.Has(namespaceKey(ns), nil); err != nil || !ok {
		return
	}
	c.ram.PutIfAbsent(ns, key, ent, size)
}

// Keys lists the identities stored in the namespace.
func (n *Namespace) Keys() []RequestIdentity {
	prefix := namespaceRange(n.name)
	it := n.store.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var out []RequestIdentity
	for it.Next() {
		raw := strings.TrimPrefix(string(it.Key()), prefix)
		method, u, ok := strings.Cut(raw, " ")
		if !ok {
			continue
		}
		out = append(out, RequestIdentity{Method: method, URL: u})
	}
	return out
}

// Populate fetches every id and stores all of them in one atomic batch. Any
// fetch failure or non-2xx status aborts without writing anything.
func (n *Namespace) Populate(ctx context.Context, fetch Fetcher, ids []RequestIdentity) error {
	items := make([]storedItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(populateParallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ent, err := fetch(gctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			if ent.Status < 200 || ent.Status >= 300 {
				return fmt.Errorf("%s: unexpected status %d", id, ent.Status)
			}
			items[i] = storedItem{id: id, ent: ent}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallManifestIncomplete, err)
	}
	if err := n.store.putBatch(n.name, items); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallManifestIncomplete, err)
	}
	n.store.log.Info("namespace populated", zap.String("namespace", n.name), zap.Int("entries", len(items)))
	return nil
}

func (c *CacheStore) putBatch(ns string, items []storedItem) error {
	type encoded struct {
		key string
		ent CacheEntry
		b   []byte
	}
	byKey := make(map[string]int, len(items))
	var encs []encoded
	for _, it := range items {
		if it.id.Method != http.MethodGet {
			return fmt.Errorf("%w: %s", ErrNotCacheable, it.id)
		}
		ent := cloneEntry(it.ent)
		if ent.StoredAt == 0 {
			ent.StoredAt = time.Now().UnixNano()
		}
		ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", it.id, err)
		}
		k := entryKey(ns, it.id)
		e := encoded{key: k, ent: ent, b: b}
		if i, dup := byKey[k]; dup {
			encs[i] = e
			continue
		}
		byKey[k] = len(encs)
		encs = append(encs, e)
	}

	batch := new(leveldb.Batch)
	batch.Put(namespaceKey(ns), []byte{})

	c.mu.Lock()
	defer c.mu.Unlock()

	var delta int64
	for _, e := range encs {
		delta += int64(len(e.b)) - c.sizes[e.key]
		batch.Put([]byte(e.key), e.b)
	}
	if c.maxBytes > 0 && delta > 0 && c.total+delta > c.maxBytes {
		return ErrQuotaExceeded
	}
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	for _, e := range encs {
		c.sizes[e.key] = int64(len(e.b))
		c.ram.Put(ns, e.key, e.ent, int64(len(e.b)))
	}
	c.total += delta
	c.writes.Add(1)
	return nil
}

func cloneEntry(ent CacheEntry) CacheEntry {
	ent.Header = cloneHeader(ent.Header)
	return ent
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
