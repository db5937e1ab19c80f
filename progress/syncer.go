package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

const (
	syncInterval = 60 * time.Second
	// A write below this many seconds, or below one percent of the
	// duration if that is smaller, counts as an accidental open
	minProgressSeconds = 30
)

var ErrInvalidDuration = errors.New("duration must be positive")

// Syncer is the producer side of reconciliation: every update is
// written to the local cache immediately and pushed to the server on a
// fixed interval plus forced flushes at pause, stop and logout. Writes
// the server rejects for rate limiting are dropped, not queued; the
// retry-after hint just delays the next periodic push.
type Syncer struct {
	cache     *Cache
	server    ServerStore
	scheduler *gocron.Scheduler
	now       func() time.Time

	m           sync.Mutex
	dirty       map[Key]struct{}
	pausedUntil time.Time
}

func NewSyncer(cache *Cache, server ServerStore) *Syncer {
	return &Syncer{
		cache:     cache,
		server:    server,
		scheduler: gocron.NewScheduler(time.UTC),
		now:       time.Now,
		dirty:     map[Key]struct{}{},
	}
}

// RecordProgress is the write boundary for playback heartbeats and
// pause/stop events. Invalid durations are rejected outright; progress
// is rounded to whole seconds; a position under the minimum threshold
// is accepted but flagged as skipped so it never pollutes continue
// watching.
func (s *Syncer) RecordProgress(key Key, position float64, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("%w: %f", ErrInvalidDuration, duration)
	}
	progress := int(math.Round(position))
	if progress < 0 {
		progress = 0
	}
	threshold := math.Min(minProgressSeconds, duration*0.01)
	record := Record{
		Key:              key,
		ProgressSeconds:  progress,
		DurationSeconds:  int(math.Round(duration)),
		UpdatedAtEpochMs: s.now().UnixMilli(),
		Skipped:          float64(progress) < threshold,
	}
	s.cache.Put(record)

	s.m.Lock()
	s.dirty[key] = struct{}{}
	s.m.Unlock()
	return nil
}

// Start schedules the periodic push. It runs independently of any
// playback UI.
func (s *Syncer) Start() {
	s.scheduler.Every(syncInterval).Do(func() {
		s.Flush(context.Background())
	})
	s.scheduler.StartAsync()
}

// Flush pushes every dirty record once. Used by the periodic timer and
// forced at pause/stop/unmount.
func (s *Syncer) Flush(ctx context.Context) {
	s.flush(ctx, false)
}

func (s *Syncer) flush(ctx context.Context, force bool) {
	s.m.Lock()
	if !force && s.now().Before(s.pausedUntil) {
		s.m.Unlock()
		return
	}
	keys := make([]Key, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	s.m.Unlock()

	for _, key := range keys {
		record, ok := s.cache.Get(key)
		if !ok {
			s.clearDirty(key)
			continue
		}
		err := s.server.Push(ctx, record)
		if err == nil {
			s.clearDirty(key)
			continue
		}
		var limited *RateLimitError
		if errors.As(err, &limited) {
			// Drop the remaining pushes and back off until the hint
			s.m.Lock()
			s.pausedUntil = s.now().Add(limited.RetryAfter)
			s.m.Unlock()
			slog.Debug("Progress writes rate limited",
				slog.Duration("retry_after", limited.RetryAfter))
			return
		}
		// Degrade silently, the record stays dirty for the next pass
		slog.Debug("Progress push failed",
			slog.String("key", key.String()),
			slog.String("stack", err.Error()))
	}
}

// Stop performs one final forced sync if anything is pending, then
// cancels the periodic timer. Called on logout, so an active rate-limit
// pause does not get to veto the last chance to persist.
func (s *Syncer) Stop(ctx context.Context) {
	s.m.Lock()
	pending := len(s.dirty) > 0
	s.m.Unlock()
	if pending {
		s.flush(ctx, true)
	}
	s.scheduler.Stop()
}

func (s *Syncer) clearDirty(key Key) {
	s.m.Lock()
	delete(s.dirty, key)
	s.m.Unlock()
}
