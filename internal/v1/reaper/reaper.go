// Package reaper runs the periodic memory janitor: it trims message rings,
// evicts idle upstream sessions and stale summaries, closes expired password
// challenges, and sheds caches under heap pressure.
package reaper

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/room"
	"github.com/parleyhq/parley/internal/v1/transport"
)

const (
	idleSessionAge  = 30 * time.Minute
	summaryMaxAge   = 30 * time.Minute
	summaryMaxCount = 100

	// Under heap pressure the summary cache shrinks before anything
	// user-visible is touched.
	warningSummaryAge    = 10 * time.Minute
	warningSummaryCount  = 50
	criticalSummaryCount = 10
)

// RoomJanitor is the hub surface the reaper drives.
type RoomJanitor interface {
	ReapEmptyRooms() int
	ClipRings(max int)
	ReapParked(ttl time.Duration) int
	ClearParked() int
}

// SessionReaper evicts idle upstream sessions. Implemented by the ASR and
// dialog managers.
type SessionReaper interface {
	ReapIdle(maxAge time.Duration) int
}

// SummaryReaper bounds the summary cache. Implemented by summary.Manager.
type SummaryReaper interface {
	Reap(maxAge time.Duration, maxCount int) int
}

// Reaper owns the cleanup loop.
type Reaper struct {
	hub       RoomJanitor
	asr       SessionReaper
	dialog    SessionReaper
	summaries SummaryReaper

	interval  time.Duration
	heapWarn  uint64
	heapCrit  uint64

	readHeap func() uint64
}

// New builds the reaper. Nil sub-reapers are skipped.
func New(hub RoomJanitor, asr, dialog SessionReaper, summaries SummaryReaper, interval time.Duration, heapWarn, heapCrit uint64) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{
		hub:       hub,
		asr:       asr,
		dialog:    dialog,
		summaries: summaries,
		interval:  interval,
		heapWarn:  heapWarn,
		heapCrit:  heapCrit,
		readHeap:  heapAlloc,
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Run executes the loop until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	var rooms, parked, asrEvicted, dialogEvicted, summariesEvicted int
	if r.hub != nil {
		rooms = r.hub.ReapEmptyRooms()
		r.hub.ClipRings(room.RingCapacity)
		parked = r.hub.ReapParked(transport.PendingPasswordTTL)
	}
	if r.asr != nil {
		asrEvicted = r.asr.ReapIdle(idleSessionAge)
	}
	if r.dialog != nil {
		dialogEvicted = r.dialog.ReapIdle(idleSessionAge)
	}
	if r.summaries != nil {
		summariesEvicted = r.summaries.Reap(summaryMaxAge, summaryMaxCount)
	}

	heap := r.readHeap()
	metrics.HeapBytesObserved.Set(float64(heap))

	switch {
	case r.heapCrit > 0 && heap > r.heapCrit:
		logging.Warn(ctx, "heap critical, shedding caches",
			zap.Uint64("heap_bytes", heap), zap.Uint64("threshold", r.heapCrit))
		if r.hub != nil {
			parked += r.hub.ClearParked()
		}
		if r.asr != nil {
			asrEvicted += r.asr.ReapIdle(0)
		}
		if r.summaries != nil {
			summariesEvicted += r.summaries.Reap(0, criticalSummaryCount)
		}
		debug.FreeOSMemory()
	case r.heapWarn > 0 && heap > r.heapWarn:
		logging.Warn(ctx, "heap elevated, trimming summary cache",
			zap.Uint64("heap_bytes", heap), zap.Uint64("threshold", r.heapWarn))
		if r.summaries != nil {
			summariesEvicted += r.summaries.Reap(warningSummaryAge, warningSummaryCount)
		}
		debug.FreeOSMemory()
	}

	if rooms+parked+asrEvicted+dialogEvicted+summariesEvicted > 0 {
		logging.Info(ctx, "reaper pass complete",
			zap.Int("rooms", rooms),
			zap.Int("parked", parked),
			zap.Int("asr_sessions", asrEvicted),
			zap.Int("dialog_sessions", dialogEvicted),
			zap.Int("summaries", summariesEvicted),
			zap.Uint64("heap_bytes", heap))
	}
}
