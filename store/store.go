package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/huddle-app/huddle/progress"
	"github.com/huddle-app/huddle/protocol"
)

const (
	// Near-duplicate writes inside this window with a small position
	// delta are folded into the existing row instead of churning it
	coalesceWindow = 30 * time.Second
	coalesceDelta  = 30 // seconds

	// SessionMergeWindow governs whether a new playback burst updates
	// the latest history entry in place or starts a new one
	SessionMergeWindow = 15 * time.Minute
)

func Initialize(dbPath string) *sqlx.DB {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		panic(err)
	}
	slog.Info("Initialised DB connection")
	return db
}

// SerializedTracks stores a subtitle track list as a comma separated
// value in the database.
type SerializedTracks []string

func (s SerializedTracks) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

func (s *SerializedTracks) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		if v == "" {
			*s = nil
			return nil
		}
		*s = SerializedTracks(strings.Split(v, ","))
		return nil
	default:
		return errors.New("incompatible type for SerializedTracks")
	}
}

type progressRow struct {
	AccountID       string `db:"account_id"`
	ImdbID          string `db:"imdb_id"`
	MediaType       string `db:"media_type"`
	Season          int    `db:"season"`
	Episode         int    `db:"episode"`
	ProgressSeconds int    `db:"progress_seconds"`
	DurationSeconds int    `db:"duration_seconds"`
	Skipped         bool   `db:"skipped"`
	UpdatedAtMs     int64  `db:"updated_at_ms"`
}

func (r progressRow) record() progress.Record {
	return progress.Record{
		Key: progress.Key{
			ImdbID:    r.ImdbID,
			MediaType: r.MediaType,
			Season:    r.Season,
			Episode:   r.Episode,
		},
		ProgressSeconds:  r.ProgressSeconds,
		DurationSeconds:  r.DurationSeconds,
		UpdatedAtEpochMs: r.UpdatedAtMs,
		Skipped:          r.Skipped,
	}
}

// HistoryEntry is one playback session in the append-mostly history
// log, the simpler sibling of the progress key-value store.
type HistoryEntry struct {
	ID              string `db:"id" json:"id"`
	AccountID       string `db:"account_id" json:"-"`
	ImdbID          string `db:"imdb_id" json:"imdbId"`
	MediaType       string `db:"media_type" json:"mediaType"`
	Season          int    `db:"season" json:"season,omitempty"`
	Episode         int    `db:"episode" json:"episode,omitempty"`
	ProgressSeconds int    `db:"progress_seconds" json:"progressSeconds"`
	DurationSeconds int    `db:"duration_seconds" json:"durationSeconds"`
	StartedAtMs     int64  `db:"started_at_ms" json:"startedAtEpochMs"`
	UpdatedAtMs     int64  `db:"updated_at_ms" json:"updatedAtEpochMs"`
}

type queueRow struct {
	ID          string           `db:"id"`
	AccountID   string           `db:"account_id"`
	Position    int              `db:"position"`
	URL         string           `db:"url"`
	Title       string           `db:"title"`
	MediaType   string           `db:"media_type"`
	Season      int              `db:"season"`
	Episode     int              `db:"episode"`
	Subtitles   SerializedTracks `db:"subtitles"`
	AddedBy     string           `db:"added_by"`
	CreatedAtMs int64            `db:"created_at_ms"`
}

// Store is the coordinator's durable state: the authoritative progress
// record per (account, key), the history log and the shared queue that
// survives every device disconnecting.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// UpsertProgress applies one device write to the authoritative record.
// Older writes never clobber a newer record, and near-duplicates are
// coalesced in place. The history log is updated in the same
// transaction under the session merge window.
func (s *Store) UpsertProgress(accountID string, rec progress.Record) error {
	if rec.DurationSeconds <= 0 {
		return fmt.Errorf("invalid duration %d", rec.DurationSeconds)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var existing progressRow
	err = tx.Get(&existing, `
	  SELECT account_id, imdb_id, media_type, season, episode,
	         progress_seconds, duration_seconds, skipped, updated_at_ms
	  FROM progress_records
	  WHERE account_id = ? AND imdb_id = ? AND media_type = ? AND season = ? AND episode = ?`,
		accountID, rec.ImdbID, rec.MediaType, rec.Season, rec.Episode)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
		  INSERT INTO progress_records
		  (account_id, imdb_id, media_type, season, episode,
		   progress_seconds, duration_seconds, skipped, updated_at_ms)
		  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			accountID, rec.ImdbID, rec.MediaType, rec.Season, rec.Episode,
			rec.ProgressSeconds, rec.DurationSeconds, rec.Skipped, rec.UpdatedAtEpochMs)
		if err != nil {
			return fmt.Errorf("failed to insert progress record: %w", err)
		}
	case err != nil:
		return err
	case rec.UpdatedAtEpochMs < existing.UpdatedAtMs:
		// A stale write from a device that fell behind. The newer
		// record stands.
		slog.Debug("Ignoring stale progress write",
			slog.String("key", rec.Key.String()),
			slog.Int64("existing_ms", existing.UpdatedAtMs),
			slog.Int64("incoming_ms", rec.UpdatedAtEpochMs))
	default:
		update := rec
		if coalescable(existing, rec) {
			// Fold the near-duplicate into the existing row rather
			// than churning it
			if existing.ProgressSeconds > update.ProgressSeconds {
				update.ProgressSeconds = existing.ProgressSeconds
			}
			update.Skipped = update.Skipped && existing.Skipped
		}
		_, err = tx.Exec(`
		  UPDATE progress_records
		  SET progress_seconds = ?, duration_seconds = ?, skipped = ?, updated_at_ms = ?
		  WHERE account_id = ? AND imdb_id = ? AND media_type = ? AND season = ? AND episode = ?`,
			update.ProgressSeconds, update.DurationSeconds, update.Skipped, update.UpdatedAtEpochMs,
			accountID, rec.ImdbID, rec.MediaType, rec.Season, rec.Episode)
		if err != nil {
			return fmt.Errorf("failed to update progress record: %w", err)
		}
	}

	if err := s.recordHistory(tx, accountID, rec); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func coalescable(existing progressRow, rec progress.Record) bool {
	deltaMs := rec.UpdatedAtEpochMs - existing.UpdatedAtMs
	if deltaMs < 0 || deltaMs > coalesceWindow.Milliseconds() {
		return false
	}
	progressDelta := rec.ProgressSeconds - existing.ProgressSeconds
	if progressDelta < 0 {
		progressDelta = -progressDelta
	}
	durationDelta := rec.DurationSeconds - existing.DurationSeconds
	if durationDelta < 0 {
		durationDelta = -durationDelta
	}
	return progressDelta <= coalesceDelta && durationDelta <= coalesceDelta
}

// recordHistory updates the latest session entry in place when the new
// burst falls inside the merge window, otherwise starts a new entry.
// A merge never decreases progress or duration.
func (s *Store) recordHistory(tx *sqlx.Tx, accountID string, rec progress.Record) error {
	var latest HistoryEntry
	err := tx.Get(&latest, `
	  SELECT id, account_id, imdb_id, media_type, season, episode,
	         progress_seconds, duration_seconds, started_at_ms, updated_at_ms
	  FROM history_entries
	  WHERE account_id = ? AND imdb_id = ? AND media_type = ? AND season = ? AND episode = ?
	  ORDER BY updated_at_ms DESC LIMIT 1`,
		accountID, rec.ImdbID, rec.MediaType, rec.Season, rec.Episode)

	if err == nil && rec.UpdatedAtEpochMs-latest.UpdatedAtMs <= SessionMergeWindow.Milliseconds() {
		progressSeconds := latest.ProgressSeconds
		if rec.ProgressSeconds > progressSeconds {
			progressSeconds = rec.ProgressSeconds
		}
		durationSeconds := latest.DurationSeconds
		if rec.DurationSeconds > durationSeconds {
			durationSeconds = rec.DurationSeconds
		}
		updatedAt := latest.UpdatedAtMs
		if rec.UpdatedAtEpochMs > updatedAt {
			updatedAt = rec.UpdatedAtEpochMs
		}
		_, err = tx.Exec(`
		  UPDATE history_entries
		  SET progress_seconds = ?, duration_seconds = ?, updated_at_ms = ?
		  WHERE id = ?`,
			progressSeconds, durationSeconds, updatedAt, latest.ID)
		return err
	}
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	entry := HistoryEntry{
		ID:              historyID(accountID, rec),
		AccountID:       accountID,
		ImdbID:          rec.ImdbID,
		MediaType:       rec.MediaType,
		Season:          rec.Season,
		Episode:         rec.Episode,
		ProgressSeconds: rec.ProgressSeconds,
		DurationSeconds: rec.DurationSeconds,
		StartedAtMs:     rec.UpdatedAtEpochMs,
		UpdatedAtMs:     rec.UpdatedAtEpochMs,
	}
	_, err = tx.NamedExec(`
	  INSERT INTO history_entries
	  (id, account_id, imdb_id, media_type, season, episode,
	   progress_seconds, duration_seconds, started_at_ms, updated_at_ms)
	  VALUES (:id, :account_id, :imdb_id, :media_type, :season, :episode,
	          :progress_seconds, :duration_seconds, :started_at_ms, :updated_at_ms)`,
		entry)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// historyID is deterministic per session start so replays of the same
// write cannot spawn duplicate entries.
func historyID(accountID string, rec progress.Record) string {
	hashString := fmt.Sprintf("%s-%s-%d", accountID, rec.Key.String(), rec.UpdatedAtEpochMs)
	return fmt.Sprintf("%s:%d", rec.MediaType, xxhash.Sum64String(hashString))
}

func (s *Store) GetProgress(accountID string, key progress.Key) (*progress.Record, error) {
	var row progressRow
	err := s.db.Get(&row, `
	  SELECT account_id, imdb_id, media_type, season, episode,
	         progress_seconds, duration_seconds, skipped, updated_at_ms
	  FROM progress_records
	  WHERE account_id = ? AND imdb_id = ? AND media_type = ? AND season = ? AND episode = ?`,
		accountID, key.ImdbID, key.MediaType, key.Season, key.Episode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (s *Store) ListProgress(accountID string) ([]progress.Record, error) {
	var rows []progressRow
	err := s.db.Select(&rows, `
	  SELECT account_id, imdb_id, media_type, season, episode,
	         progress_seconds, duration_seconds, skipped, updated_at_ms
	  FROM progress_records
	  WHERE account_id = ?
	  ORDER BY updated_at_ms DESC`, accountID)
	if err != nil {
		return nil, err
	}
	records := make([]progress.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

// DeleteProgress removes one record by key, or every record for the
// account when key is nil.
func (s *Store) DeleteProgress(accountID string, key *progress.Key) error {
	if key == nil {
		_, err := s.db.Exec(`DELETE FROM progress_records WHERE account_id = ?`, accountID)
		return err
	}
	_, err := s.db.Exec(`
	  DELETE FROM progress_records
	  WHERE account_id = ? AND imdb_id = ? AND media_type = ? AND season = ? AND episode = ?`,
		accountID, key.ImdbID, key.MediaType, key.Season, key.Episode)
	return err
}

func (s *Store) GetHistory(accountID string, limit int) ([]HistoryEntry, error) {
	var results []HistoryEntry
	if limit <= 0 {
		return results, fmt.Errorf("must request at least one historical item")
	}
	err := s.db.Select(&results, `
	  SELECT id, account_id, imdb_id, media_type, season, episode,
	         progress_seconds, duration_seconds, started_at_ms, updated_at_ms
	  FROM history_entries
	  WHERE account_id = ?
	  ORDER BY updated_at_ms DESC
	  LIMIT ?`, accountID, limit)
	return results, err
}

// AddQueueItem appends to the account's shared queue. Insertion order
// is the play order.
func (s *Store) AddQueueItem(accountID string, item protocol.QueueItem) error {
	var maxPos sql.NullInt64
	if err := s.db.Get(&maxPos, `SELECT MAX(position) FROM queue_items WHERE account_id = ?`, accountID); err != nil {
		return err
	}
	row := queueRow{
		ID:          item.ID,
		AccountID:   accountID,
		Position:    int(maxPos.Int64) + 1,
		URL:         item.URL,
		Title:       item.Title,
		MediaType:   item.MediaType,
		Season:      item.Season,
		Episode:     item.Episode,
		Subtitles:   SerializedTracks(item.Subtitles),
		AddedBy:     item.AddedBy,
		CreatedAtMs: s.now().UnixMilli(),
	}
	_, err := s.db.NamedExec(`
	  INSERT INTO queue_items
	  (id, account_id, position, url, title, media_type, season, episode, subtitles, added_by, created_at_ms)
	  VALUES (:id, :account_id, :position, :url, :title, :media_type, :season, :episode, :subtitles, :added_by, :created_at_ms)`,
		row)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (s *Store) RemoveQueueItem(accountID, itemID string) error {
	_, err := s.db.Exec(`DELETE FROM queue_items WHERE account_id = ? AND id = ?`, accountID, itemID)
	return err
}

func (s *Store) ClearQueue(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM queue_items WHERE account_id = ?`, accountID)
	return err
}

func (s *Store) ListQueue(accountID string) ([]protocol.QueueItem, error) {
	var rows []queueRow
	err := s.db.Select(&rows, `
	  SELECT id, account_id, position, url, title, media_type, season, episode, subtitles, added_by, created_at_ms
	  FROM queue_items
	  WHERE account_id = ?
	  ORDER BY position ASC`, accountID)
	if err != nil {
		return nil, err
	}
	items := make([]protocol.QueueItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, protocol.QueueItem{
			ID:        row.ID,
			URL:       row.URL,
			Title:     row.Title,
			MediaType: row.MediaType,
			Season:    row.Season,
			Episode:   row.Episode,
			Subtitles: row.Subtitles,
			AddedBy:   row.AddedBy,
		})
	}
	return items, nil
}
