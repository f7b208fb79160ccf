// Package stats maintains moving averages, peaks and per-content totals,
// persisting them on a longer period to bound write amplification.
package stats

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

// DefaultWindow is the sliding window for moving averages.
const DefaultWindow = 30 * time.Second

// SessionSample is one session's contribution to a sampling tick. Deltas are
// bytes moved since the previous tick; speeds are rolling bytes/sec.
type SessionSample struct {
	ContentID       domain.ContentID
	DownloadSpeed   int64
	UploadSpeed     int64
	DownloadedDelta int64
	UploadedDelta   int64
}

type sample struct {
	at   time.Time
	down int64
	up   int64
}

type Aggregator struct {
	store  ports.StateStore
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	samples    []sample
	totals     domain.TransferTotals
	perContent map[domain.ContentID]*domain.ContentTotals
	dirty      bool
}

func New(store ports.StateStore, window time.Duration, logger *slog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		store:      store,
		window:     window,
		logger:     logger,
		now:        time.Now,
		perContent: make(map[domain.ContentID]*domain.ContentTotals),
	}
}

// Restore loads persisted totals so peaks and cumulative counters survive
// restarts.
func (a *Aggregator) Restore(ctx context.Context) error {
	totals, ok, err := a.store.LoadTotals(ctx)
	if err != nil {
		return err
	}
	perContent, err := a.store.ListContentTotals(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		a.totals = totals
	}
	for _, t := range perContent {
		copied := t
		a.perContent[t.ContentID] = &copied
	}
	return nil
}

// Sample folds the current per-session speeds into the sliding window and
// updates monotonic peaks and cumulative totals. Invoked once per second by
// the periodic runner.
func (a *Aggregator) Sample(points []SessionSample) {
	now := a.now()

	var downSpeed, upSpeed int64
	for _, p := range points {
		downSpeed += p.DownloadSpeed
		upSpeed += p.UploadSpeed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(now)
	a.samples = append(a.samples, sample{at: now, down: downSpeed, up: upSpeed})

	if downSpeed > a.totals.PeakDownloadSpeed {
		a.totals.PeakDownloadSpeed = downSpeed
	}
	if upSpeed > a.totals.PeakUploadSpeed {
		a.totals.PeakUploadSpeed = upSpeed
	}

	for _, p := range points {
		if p.DownloadedDelta <= 0 && p.UploadedDelta <= 0 {
			continue
		}
		a.totals.DownloadedBytes += max64(p.DownloadedDelta, 0)
		a.totals.UploadedBytes += max64(p.UploadedDelta, 0)

		ct, ok := a.perContent[p.ContentID]
		if !ok {
			ct = &domain.ContentTotals{ContentID: p.ContentID}
			a.perContent[p.ContentID] = ct
		}
		ct.DownloadedBytes += max64(p.DownloadedDelta, 0)
		ct.UploadedBytes += max64(p.UploadedDelta, 0)
		ct.UpdatedAt = now
	}
	a.totals.UpdatedAt = now
	a.dirty = true
}

// MovingAverage returns the windowed average speeds. Samples older than the
// window are evicted before averaging.
func (a *Aggregator) MovingAverage() (down, up float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(a.now())
	if len(a.samples) == 0 {
		return 0, 0
	}
	var sumDown, sumUp int64
	for _, s := range a.samples {
		sumDown += s.down
		sumUp += s.up
	}
	n := float64(len(a.samples))
	return float64(sumDown) / n, float64(sumUp) / n
}

// Snapshot assembles the public aggregate view.
func (a *Aggregator) Snapshot(activeSessions, connectedPeers int) domain.AggregateStats {
	avgDown, avgUp := a.MovingAverage()

	a.mu.Lock()
	defer a.mu.Unlock()

	per := make([]domain.ContentTotals, 0, len(a.perContent))
	for _, t := range a.perContent {
		per = append(per, *t)
	}
	sort.Slice(per, func(i, j int) bool { return per[i].ContentID < per[j].ContentID })

	return domain.AggregateStats{
		Totals:           a.totals,
		AvgDownloadSpeed: avgDown,
		AvgUploadSpeed:   avgUp,
		ActiveSessions:   activeSessions,
		ConnectedPeers:   connectedPeers,
		PerContent:       per,
	}
}

// Flush persists cumulative totals and per-content breakdowns. Runs on the
// long flush period; a no-op when nothing changed since the last flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	totals := a.totals
	per := make([]domain.ContentTotals, 0, len(a.perContent))
	for _, t := range a.perContent {
		per = append(per, *t)
	}
	a.dirty = false
	a.mu.Unlock()

	if err := a.store.SaveTotals(ctx, totals); err != nil {
		return err
	}
	for _, t := range per {
		if err := a.store.SaveContentTotals(ctx, t); err != nil {
			a.logger.Warn("content totals flush failed",
				slog.String("contentId", string(t.ContentID)),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (a *Aggregator) evictLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	idx := 0
	for idx < len(a.samples) && !a.samples[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		a.samples = append(a.samples[:0], a.samples[idx:]...)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
