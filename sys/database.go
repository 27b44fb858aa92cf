package sys

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	_ "github.com/mattn/go-sqlite3"
)

// --- Phase 1: Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS track_redirects (
			track_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			backend_id TEXT,
			last_updated DATETIME NOT NULL,
			last_used DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resolution_locks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reason TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			track_id TEXT NOT NULL,
			title TEXT NOT NULL,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 2: Track Redirects ---

// TrackRedirect maps a stable source track id to the backend id it resolved
// to. A row with an empty BackendID is an invalidated mapping: the source
// track is known but its backend copy went away.
type TrackRedirect struct {
	TrackID     string
	Kind        string
	BackendID   string
	LastUpdated time.Time
	LastUsed    time.Time
}

func GetRedirect(ctx context.Context, trackID string) (*TrackRedirect, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT track_id, kind, backend_id, last_updated, last_used
		FROM track_redirects WHERE track_id = ?
	`, trackID)

	r := &TrackRedirect{}
	var backendID sql.NullString
	err := row.Scan(&r.TrackID, &r.Kind, &backendID, &r.LastUpdated, &r.LastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BackendID = backendID.String
	return r, nil
}

// InsertRedirect records a freshly resolved mapping. Concurrent resolvers may
// race to insert the same track id; the first writer wins and later inserts
// are swallowed by the conflict clause. A previously invalidated row (empty
// backend_id) is refilled instead.
func InsertRedirect(ctx context.Context, trackID, kind, backendID string) error {
	now := time.Now().UTC().Truncate(time.Second)
	_, err := DB.ExecContext(ctx, `
		INSERT INTO track_redirects (track_id, kind, backend_id, last_updated, last_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			kind = excluded.kind,
			backend_id = excluded.backend_id,
			last_updated = excluded.last_updated,
			last_used = excluded.last_used
		WHERE track_redirects.backend_id IS NULL OR track_redirects.backend_id = ''
	`, trackID, kind, backendID, now, now)
	return err
}

// TouchRedirect stamps last_used on a cache hit. Best-effort.
func TouchRedirect(ctx context.Context, trackID string) error {
	_, err := DB.ExecContext(ctx, `
		UPDATE track_redirects SET last_used = ? WHERE track_id = ?
	`, time.Now().UTC().Truncate(time.Second), trackID)
	return err
}

// InvalidateRedirect clears the backend id of a mapping whose backend copy
// turned out to be gone. The row is kept so the invalidation is observable.
func InvalidateRedirect(ctx context.Context, trackID string) error {
	_, err := DB.ExecContext(ctx, `
		UPDATE track_redirects SET backend_id = NULL, last_updated = ? WHERE track_id = ?
	`, time.Now().UTC().Truncate(time.Second), trackID)
	return err
}

// --- Phase 3: Resolution Locks ---

// CountResolutionLocks reports how many freeze locks are present. Any number
// above zero freezes redirect writes; reads are unaffected.
func CountResolutionLocks(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM resolution_locks").Scan(&count)
	return count, err
}

func AcquireResolutionLock(ctx context.Context, reason string) (int64, error) {
	result, err := DB.ExecContext(ctx, "INSERT INTO resolution_locks (reason) VALUES (?)", reason)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func ReleaseResolutionLock(ctx context.Context, id int64) (bool, error) {
	result, err := DB.ExecContext(ctx, "DELETE FROM resolution_locks WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func ReleaseAllResolutionLocks(ctx context.Context) (int64, error) {
	result, err := DB.ExecContext(ctx, "DELETE FROM resolution_locks")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Phase 4: Play History ---

type PlayRecord struct {
	ID       int64
	GuildID  snowflake.ID
	TrackID  string
	Title    string
	PlayedAt time.Time
}

func AddPlayHistory(ctx context.Context, guildID snowflake.ID, trackID, title string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO play_history (guild_id, track_id, title) VALUES (?, ?, ?)
	`, guildID.String(), trackID, title)
	return err
}

func GetRecentHistory(ctx context.Context, guildID snowflake.ID, limit int) ([]*PlayRecord, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, track_id, title, played_at
		FROM play_history WHERE guild_id = ?
		ORDER BY played_at DESC, id DESC LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PlayRecord
	for rows.Next() {
		r := &PlayRecord{}
		var gid string
		if err := rows.Scan(&r.ID, &gid, &r.TrackID, &r.Title, &r.PlayedAt); err != nil {
			return nil, err
		}
		r.GuildID, _ = snowflake.Parse(gid)
		records = append(records, r)
	}
	return records, rows.Err()
}
