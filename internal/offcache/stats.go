package offcache

import (
	"math"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   maxv,
		AvgRespBytes:   total / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			args := []any{
				"entries", s.reg.EntryCount(),
				"stored", formatBytes(uint64(s.reg.SizeBytes())),
				"resp_min", formatBytes(ss.MinRespBytes),
				"resp_avg", formatBytes(ss.AvgRespBytes),
				"resp_max", formatBytes(ss.MaxRespBytes),
			}
			if rss, ok := processRSSBytes(); ok {
				args = append(args, "rss", formatBytes(rss))
			}
			s.log.Info("cache stats", args...)
		}
	}
}
