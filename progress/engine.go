package progress

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// ServerStore is the account's authoritative record set, reached over
// HTTP. Exactly one record exists per key server side; any number of
// stale or fresher copies may exist locally.
type ServerStore interface {
	Fetch(ctx context.Context, key Key) (*Record, error)
	FetchAll(ctx context.Context) ([]Record, error)
	Push(ctx context.Context, r Record) error
	Delete(ctx context.Context, key *Key) error
}

// RateLimitError is returned by Push when the account has exhausted its
// rolling write budget. The write is dropped, not queued.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "progress write rate limited"
}

const (
	fetchTimeout = 5 * time.Second
	// graceWindow is how long a locally written record is trusted while
	// absent from the server's key set. Inside the window it is a
	// session too recent to have synced; outside it the absence means a
	// cross-device delete and the local copy is purged.
	graceWindow = 2 * time.Minute
)

// Engine merges the device-local cache with the server's authoritative
// records into the single continue-watching view. Conflicts resolve by
// recency, never by arrival order.
type Engine struct {
	cache  *Cache
	server ServerStore
	authed func() bool
	now    func() time.Time
}

func NewEngine(cache *Cache, server ServerStore, authed func() bool) *Engine {
	return &Engine{
		cache:  cache,
		server: server,
		authed: authed,
		now:    time.Now,
	}
}

// ResolveResume decides what position to offer when opening a title.
// The second return is false when there is no resume point. The caller
// may cancel ctx when its UI is torn down; a cancelled resolution never
// touches the cache.
func (e *Engine) ResolveResume(ctx context.Context, key Key) (int, bool) {
	local, hasLocal := e.cache.Get(key)

	if !e.authed() {
		return resumePoint(local, hasLocal)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	remote, err := e.server.Fetch(fetchCtx, key)
	if err != nil {
		// Opening a title is never stalled on cross-device data
		if !errors.Is(err, context.Canceled) {
			slog.Debug("Progress fetch failed, using local record",
				slog.String("key", key.String()),
				slog.String("stack", err.Error()))
		}
		return resumePoint(local, hasLocal)
	}
	if ctx.Err() != nil {
		// Torn down while the fetch was in flight
		return 0, false
	}

	// A strictly newer server record wins and becomes the new cache
	// entry. A device that was mid-playback moments ago keeps its own
	// fresher copy.
	if remote != nil && (!hasLocal || remote.UpdatedAtEpochMs > local.UpdatedAtEpochMs) {
		e.cache.Put(*remote)
		return resumePoint(*remote, true)
	}
	return resumePoint(local, hasLocal)
}

func resumePoint(r Record, ok bool) (int, bool) {
	if !ok || !r.Resumable() {
		return 0, false
	}
	return r.ProgressSeconds, true
}

// ContinueWatching produces the deduplicated, sorted, filtered list of
// resumable entries across every device. As a side effect, local
// records the server no longer knows about and older than the grace
// window are purged, healing cross-device deletes.
func (e *Engine) ContinueWatching(ctx context.Context) []Record {
	locals := e.cache.All()

	if !e.authed() {
		return finalize(locals)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	remotes, err := e.server.FetchAll(fetchCtx)
	if err != nil {
		// Degrade to the local cache. No purging on a failed fetch: an
		// unreachable server says nothing about deletions.
		slog.Debug("Progress list fetch failed, using local records",
			slog.String("stack", err.Error()))
		return finalize(locals)
	}

	byKey := make(map[Key]Record, len(remotes))
	for _, r := range remotes {
		byKey[r.Key] = r
	}

	cutoff := e.now().Add(-graceWindow).UnixMilli()
	for _, local := range locals {
		remote, onServer := byKey[local.Key]
		if onServer {
			// The actively-playing-right-now case: a local record newer
			// than the server copy stands
			if local.UpdatedAtEpochMs > remote.UpdatedAtEpochMs {
				byKey[local.Key] = local
			}
			continue
		}
		if local.UpdatedAtEpochMs >= cutoff {
			// Too recent to have synced, show it anyway
			byKey[local.Key] = local
			continue
		}
		// Absent from the server and past the grace window: treated as
		// remotely deleted
		e.cache.Delete(local.Key)
	}

	merged := make([]Record, 0, len(byKey))
	for _, r := range byKey {
		merged = append(merged, r)
	}
	return finalize(merged)
}

// finalize applies the resumability filter, recency ordering and the
// one-entry-per-title collapse shared by both the local-only and merged
// paths.
func finalize(records []Record) []Record {
	candidates := records[:0:0]
	for _, r := range records {
		if r.Resumable() {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAtEpochMs > candidates[j].UpdatedAtEpochMs
	})
	seen := map[string]bool{}
	out := []Record{}
	for _, r := range candidates {
		id := r.DedupeID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}
	return out
}
