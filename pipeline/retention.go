package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// StartRetentionJob periodically deletes raw chat messages older than days
// for videos that have been processed; detected events and stats stay. A
// days value of zero disables the job.
func StartRetentionJob(ctx context.Context, dbc *sql.DB, days int, interval time.Duration) {
	if days <= 0 {
		slog.Info("retention job disabled (no policy configured)")
		return
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	slog.Info("retention job starting",
		slog.Int("retention_days", days),
		slog.Duration("interval", interval))

	// Run immediately on start
	if err := runRetentionSweep(ctx, dbc, days); err != nil {
		slog.Warn("retention sweep failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			if err := runRetentionSweep(ctx, dbc, days); err != nil {
				slog.Warn("retention sweep failed", slog.Any("err", err))
			}
		}
	}
}

// runRetentionSweep performs a single cleanup cycle. Unprocessed videos keep
// their chat untouched regardless of age: deleting it would starve detection.
func runRetentionSweep(ctx context.Context, dbc *sql.DB, days int) error {
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_retention_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := dbc.ExecContext(ctx,
		`DELETE FROM chat_messages m
		 USING videos v
		 WHERE m.video_id = v.id
		   AND COALESCE(v.processed, FALSE) = TRUE
		   AND m.abs_timestamp < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("delete old chat: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		slog.Info("retention sweep completed",
			slog.Int64("deleted_messages", deleted),
			slog.Time("cutoff", cutoff),
			slog.String("component", "retention"))
	} else {
		slog.Debug("retention sweep found nothing to delete",
			slog.Time("cutoff", cutoff),
			slog.String("component", "retention"))
	}
	return nil
}
