package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncer_RecordProgressWriteBoundary(t *testing.T) {
	cache := NewCache()
	syncer := NewSyncer(cache, newFakeServer())

	key := MovieKey("tt0111161")

	// Invalid durations are rejected outright
	assert.ErrorIs(t, syncer.RecordProgress(key, 100, 0), ErrInvalidDuration)
	assert.ErrorIs(t, syncer.RecordProgress(key, 100, -5), ErrInvalidDuration)
	_, found := cache.Get(key)
	assert.False(t, found)

	// Progress is rounded to whole seconds before persistence
	require.NoError(t, syncer.RecordProgress(key, 99.7, 6000))
	r, _ := cache.Get(key)
	assert.Equal(t, 100, r.ProgressSeconds)
	assert.Equal(t, 6000, r.DurationSeconds)
	assert.False(t, r.Skipped)
}

func TestSyncer_BelowThresholdFlaggedSkipped(t *testing.T) {
	cache := NewCache()
	syncer := NewSyncer(cache, newFakeServer())

	// 10 seconds into a two hour movie is an accidental open
	key := MovieKey("tt0111161")
	require.NoError(t, syncer.RecordProgress(key, 10, 7200))
	r, _ := cache.Get(key)
	assert.True(t, r.Skipped)
	assert.False(t, r.Resumable())

	// For a short video the one percent bound applies instead of the
	// fixed seconds
	short := MovieKey("tt0000001")
	require.NoError(t, syncer.RecordProgress(short, 8, 600))
	r, _ = cache.Get(short)
	assert.False(t, r.Skipped)
}

func TestSyncer_FlushPushesDirtyRecordsOnce(t *testing.T) {
	cache := NewCache()
	server := newFakeServer()
	syncer := NewSyncer(cache, server)

	require.NoError(t, syncer.RecordProgress(MovieKey("tt1"), 500, 6000))
	require.NoError(t, syncer.RecordProgress(MovieKey("tt2"), 900, 6000))

	syncer.Flush(context.Background())
	assert.Len(t, server.pushes, 2)

	// Nothing new to say, nothing pushed
	syncer.Flush(context.Background())
	assert.Len(t, server.pushes, 2)
}

func TestSyncer_RateLimitBacksOffWithoutQueueing(t *testing.T) {
	cache := NewCache()
	server := newFakeServer()
	server.pushErr = &RateLimitError{RetryAfter: 30 * time.Second}
	syncer := NewSyncer(cache, server)
	now := time.Now()
	syncer.now = func() time.Time { return now }

	require.NoError(t, syncer.RecordProgress(MovieKey("tt1"), 500, 6000))
	syncer.Flush(context.Background())
	assert.Empty(t, server.pushes)

	// Still inside the retry-after hint: the flush is a no-op
	server.pushErr = nil
	syncer.Flush(context.Background())
	assert.Empty(t, server.pushes)

	// Past the hint the record is still dirty and goes out
	syncer.now = func() time.Time { return now.Add(31 * time.Second) }
	syncer.Flush(context.Background())
	assert.Len(t, server.pushes, 1)
}

func TestSyncer_TransientErrorKeepsRecordDirty(t *testing.T) {
	cache := NewCache()
	server := newFakeServer()
	server.pushErr = errors.New("bad gateway")
	syncer := NewSyncer(cache, server)

	require.NoError(t, syncer.RecordProgress(MovieKey("tt1"), 500, 6000))
	syncer.Flush(context.Background())
	assert.Empty(t, server.pushes)

	server.pushErr = nil
	syncer.Flush(context.Background())
	assert.Len(t, server.pushes, 1)
}

func TestSyncer_StopPerformsFinalSync(t *testing.T) {
	cache := NewCache()
	server := newFakeServer()
	syncer := NewSyncer(cache, server)

	require.NoError(t, syncer.RecordProgress(MovieKey("tt1"), 500, 6000))
	syncer.Stop(context.Background())
	assert.Len(t, server.pushes, 1)
}

func TestSyncer_StopFinalSyncIgnoresRateLimitPause(t *testing.T) {
	cache := NewCache()
	server := newFakeServer()
	server.pushErr = &RateLimitError{RetryAfter: 30 * time.Second}
	syncer := NewSyncer(cache, server)
	now := time.Now()
	syncer.now = func() time.Time { return now }

	require.NoError(t, syncer.RecordProgress(MovieKey("tt1"), 500, 6000))
	syncer.Flush(context.Background())
	assert.Empty(t, server.pushes)

	// Logout lands inside the retry-after hint; the final sync still
	// gets its one attempt
	server.pushErr = nil
	syncer.Stop(context.Background())
	assert.Len(t, server.pushes, 1)
}
