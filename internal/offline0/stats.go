package offline0

import (
	"context"
	"math"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// statsCollector tracks the size of responses written by the proxy handler,
// split by whether the network answered.
type statsCollector struct {
	total     atomic.Uint64
	offline   atomic.Uint64
	totalSize atomic.Uint64
	minSize   atomic.Uint64
	maxSize   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minSize.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(h http.Header, respBytes int64) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.total.Add(1)
	s.totalSize.Add(n)
	if h.Get(HeaderOffline) != "" || h.Get(HeaderServedFromCache) != "" {
		s.offline.Add(1)
	}

	for {
		cur := s.minSize.Load()
		if n >= cur || s.minSize.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxSize.Load()
		if n <= cur || s.maxSize.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	Offline   uint64
	MinBytes  uint64
	MaxBytes  uint64
	AvgBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.total.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minSize.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		Offline:   s.offline.Load(),
		MinBytes:  minv,
		MaxBytes:  s.maxSize.Load(),
		AvgBytes:  s.totalSize.Load() / count,
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	names, _ := s.store.Namespaces()
	depth, _ := s.queue.Depth(context.Background())
	s.log.Info("stats",
		zap.Strings("namespaces", names),
		zap.Int("entries", s.store.EntryCount()),
		zap.String("disk", formatBytes(uint64(s.store.TotalSize()))),
		zap.String("ram", formatBytes(uint64(s.store.ram.TotalSize()))),
		zap.Int("sync_pending", depth),
		zap.Uint64("responses", ss.Responses),
		zap.Uint64("offline_responses", ss.Offline),
		zap.String("resp_min", formatBytes(ss.MinBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgBytes)),
		zap.String("resp_max", formatBytes(ss.MaxBytes)),
	)
}
