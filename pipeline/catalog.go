package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chat-pulse/twitchapi"
)

// SyncCatalog pages through each channel's archived videos on Helix and
// upserts them as videos rows with source='vod'. It returns the number of
// newly inserted videos across all channels. Per-channel failures are logged
// and the remaining channels still sync.
func SyncCatalog(ctx context.Context, dbc *sql.DB, hc *twitchapi.HelixClient, channels []string) (int, error) {
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_catalog_sync_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	total := 0
	var firstErr error
	for _, ch := range channels {
		n, err := syncChannel(ctx, dbc, hc, strings.ToLower(ch))
		total += n
		if err != nil {
			slog.Warn("catalog sync failed for channel", slog.String("channel", ch), slog.Any("err", err), slog.String("component", "catalog"))
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %s: %w", ch, err)
			}
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	return total, firstErr
}

// syncChannel upserts one channel's archive. Paging resumes from a kv
// checkpoint so a restart mid-backfill does not re-list the whole catalog;
// CATALOG_MAX_AGE_DAYS bypasses the checkpoint and walks from the newest
// video down to the cutoff instead.
func syncChannel(ctx context.Context, dbc *sql.DB, hc *twitchapi.HelixClient, channel string) (int, error) {
	users, err := hc.GetUsers(ctx, channel)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("user not found")
	}
	user := users[0]

	if _, err := dbc.ExecContext(ctx,
		`INSERT INTO channels (id, display_name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name`,
		channel, user.DisplayName); err != nil {
		return 0, err
	}

	maxCount := 0
	if s := os.Getenv("CATALOG_MAX"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxCount = n
		}
	}
	var cutoff time.Time
	if s := os.Getenv("CATALOG_MAX_AGE_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cutoff = time.Now().Add(-time.Duration(n) * 24 * time.Hour)
		}
	}

	checkpointKey := "catalog_after_" + channel
	after := ""
	if cutoff.IsZero() {
		_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, checkpointKey).Scan(&after)
	}

	pageSize := 100
	if maxCount > 0 && maxCount < pageSize {
		pageSize = maxCount
	}

	inserted, seen := 0, 0
	for maxCount == 0 || seen < maxCount {
		videos, cursor, err := hc.GetVideos(ctx, user.ID, after, pageSize)
		if err != nil {
			return inserted, err
		}
		if len(videos) == 0 {
			break
		}
		for _, v := range videos {
			if !cutoff.IsZero() && v.CreatedAt.Before(cutoff) {
				return inserted, nil
			}
			n, err := upsertCatalogVideo(ctx, dbc, channel, v)
			if err != nil {
				return inserted, err
			}
			inserted += n
			seen++
			if maxCount > 0 && seen >= maxCount {
				break
			}
		}
		if cursor == "" || (maxCount > 0 && seen >= maxCount) {
			break
		}
		after = cursor
		if cutoff.IsZero() {
			_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
				ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, checkpointKey, after)
		}
		// Helix politeness delay between pages.
		select {
		case <-ctx.Done():
			return inserted, ctx.Err()
		case <-time.After(1200 * time.Millisecond):
		}
	}

	slog.Info("catalog sync done", slog.String("channel", channel), slog.Int("inserted", inserted), slog.Int("seen", seen), slog.String("component", "catalog"))
	return inserted, nil
}

// upsertCatalogVideo inserts a VOD row, or refreshes the metadata of an
// existing one without clobbering values the detection pipeline relies on.
// Returns 1 when the row is new.
func upsertCatalogVideo(ctx context.Context, dbc *sql.DB, channel string, v twitchapi.Video) (int, error) {
	res, err := dbc.ExecContext(ctx,
		`INSERT INTO videos (id, channel_id, title, source, started_at, duration_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, 'vod', $4, $5, NOW(), NOW())
		 ON CONFLICT (id) DO NOTHING`,
		v.ID, channel, v.Title, v.CreatedAt, int(v.Duration.Seconds()))
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return 1, nil
	}

	// Existing row: fill gaps only. Title wins over an empty one, duration
	// only replaces zero.
	_, err = dbc.ExecContext(ctx,
		`UPDATE videos SET
			title=COALESCE(NULLIF(title,''), $1),
			started_at=COALESCE(started_at, $2),
			duration_seconds=CASE WHEN COALESCE(duration_seconds,0)=0 THEN $3 ELSE duration_seconds END,
			updated_at=NOW()
		 WHERE id=$4`,
		v.Title, v.CreatedAt, int(v.Duration.Seconds()), v.ID)
	return 0, err
}

// StartCatalogSyncJob periodically syncs the VOD catalog of the given
// channels.
func StartCatalogSyncJob(ctx context.Context, dbc *sql.DB, hc *twitchapi.HelixClient, channels []string) {
	if len(channels) == 0 {
		slog.Info("catalog sync job disabled (no channels configured)")
		return
	}
	interval := 6 * time.Hour
	if v := os.Getenv("CATALOG_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("catalog sync job starting", slog.Duration("interval", interval), slog.Int("channels", len(channels)))
	if _, err := SyncCatalog(ctx, dbc, hc, channels); err != nil {
		slog.Warn("catalog sync", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("catalog sync job stopped")
			return
		case <-ticker.C:
			if _, err := SyncCatalog(ctx, dbc, hc, channels); err != nil {
				slog.Warn("catalog sync", slog.Any("err", err))
			}
		}
	}
}
