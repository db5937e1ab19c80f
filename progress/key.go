package progress

import (
	"fmt"

	"github.com/huddle-app/huddle/shared"
)

// Key identifies one watchable unit. Season and episode are zero for
// movies; two keys are equal iff every field matches.
type Key struct {
	ImdbID    string `json:"imdbId"`
	MediaType string `json:"mediaType"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
}

func MovieKey(imdbID string) Key {
	return Key{ImdbID: imdbID, MediaType: shared.MEDIA_TYPE_MOVIE}
}

func EpisodeKey(imdbID string, season, episode int) Key {
	return Key{ImdbID: imdbID, MediaType: shared.MEDIA_TYPE_EPISODE, Season: season, Episode: episode}
}

func (k Key) String() string {
	if k.MediaType == shared.MEDIA_TYPE_EPISODE {
		return fmt.Sprintf("%s:%s:s%de%d", k.ImdbID, k.MediaType, k.Season, k.Episode)
	}
	return fmt.Sprintf("%s:%s", k.ImdbID, k.MediaType)
}

// DedupeID collapses episodic keys onto their series so continue
// watching carries at most one entry per show, regardless of which
// season or episode was last played.
func (k Key) DedupeID() string {
	if k.MediaType == shared.MEDIA_TYPE_EPISODE {
		return "series:" + k.ImdbID
	}
	return "movie:" + k.ImdbID
}

// Record is one watch position for a key. UpdatedAtEpochMs is the basis
// for every conflict decision: arrival order of writes and fetches is
// never trusted.
type Record struct {
	Key
	ProgressSeconds  int   `json:"progressSeconds"`
	DurationSeconds  int   `json:"durationSeconds"`
	UpdatedAtEpochMs int64 `json:"updatedAtEpochMs"`
	// Skipped marks a write that landed below the minimum-progress
	// threshold, kept for history but never offered as a resume point.
	Skipped bool `json:"skipped,omitempty"`
}

// Resumable applies the 1-95% rule: below 1% is noise from accidental
// opens, above 95% counts as finished and must not resurface.
func (r Record) Resumable() bool {
	if r.Skipped || r.DurationSeconds <= 0 || r.ProgressSeconds < 0 {
		return false
	}
	pct := float64(r.ProgressSeconds) / float64(r.DurationSeconds)
	return pct >= 0.01 && pct <= 0.95
}
