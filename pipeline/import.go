package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
	"github.com/onnwee/chat-pulse/telemetry"
)

// ImportDir ingests every chatLog-<id>.log file under dir as a recording of
// channel: one videos row (source='logfile') plus its chat_messages. Videos
// that already carry messages are skipped, so re-running an import is safe.
// It returns the number of videos imported.
func ImportDir(ctx context.Context, dbc *sql.DB, dir, channel string) (int, error) {
	if channel == "" {
		return 0, fmt.Errorf("channel required for import")
	}
	logs, err := chatlog.LoadDir(ctx, dir)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		slog.Info("no chat log files found", slog.String("dir", dir), slog.String("component", "import"))
		return 0, nil
	}

	if _, err := dbc.ExecContext(ctx,
		`INSERT INTO channels (id, display_name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		channel, channel); err != nil {
		return 0, err
	}

	imported := 0
	for _, log := range logs {
		if ctx.Err() != nil {
			return imported, ctx.Err()
		}
		ok, err := importLog(ctx, dbc, channel, log)
		if err != nil {
			return imported, fmt.Errorf("import chatLog-%d: %w", log.VideoID, err)
		}
		if ok {
			imported++
		}
	}
	slog.Info("chat log import finished",
		slog.String("dir", dir),
		slog.String("channel", channel),
		slog.Int("files", len(logs)),
		slog.Int("imported", imported),
		slog.String("component", "import"))
	return imported, nil
}

// importLog writes one parsed log file. The videos row is keyed by the
// numeric id from the file name; started_at is the first message time since
// log files carry no broadcast metadata.
func importLog(ctx context.Context, dbc *sql.DB, channel string, log *chatlog.ChatLog) (bool, error) {
	logger := slog.Default().With(slog.String("component", "import"), slog.Uint64("video_id", log.VideoID))
	if len(log.Messages) == 0 {
		logger.Debug("skipping empty chat log")
		return false, nil
	}
	videoID := strconv.FormatUint(log.VideoID, 10)

	var hasMessages bool
	if err := dbc.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_messages WHERE video_id=$1)`, videoID).Scan(&hasMessages); err != nil {
		return false, err
	}
	if hasMessages {
		logger.Debug("skipping already imported video")
		return false, nil
	}

	first := log.Messages[0].Time
	last := log.Messages[0].Time
	for _, m := range log.Messages[1:] {
		if m.Time.Before(first) {
			first = m.Time
		}
		if m.Time.After(last) {
			last = m.Time
		}
	}
	duration := int(last.Sub(first) / time.Second)

	tx, err := dbc.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin import tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A row may already exist from a catalog sync; fill in what the log
	// knows and queue the video for detection either way.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO videos (id, channel_id, title, source, started_at, duration_seconds, processed, created_at, updated_at)
		 VALUES ($1, $2, $3, 'logfile', $4, $5, FALSE, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
			started_at=COALESCE(videos.started_at, EXCLUDED.started_at),
			duration_seconds=CASE WHEN COALESCE(videos.duration_seconds,0)=0 THEN EXCLUDED.duration_seconds ELSE videos.duration_seconds END,
			processed=FALSE,
			last_error='',
			detect_attempts=0,
			updated_at=NOW()`,
		videoID, channel, fmt.Sprintf("chatlog %d", log.VideoID), first, duration); err != nil {
		return false, fmt.Errorf("upsert video: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chat_messages (video_id, username, nickname, message, abs_timestamp, rel_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return false, fmt.Errorf("prepare insert chat: %w", err)
	}
	for _, m := range log.Messages {
		rel := m.Time.Sub(first).Seconds()
		if _, err := stmt.ExecContext(ctx, videoID, m.UserID, m.Nickname, m.Message, m.Time, rel); err != nil {
			_ = stmt.Close()
			return false, fmt.Errorf("insert chat row: %w", err)
		}
	}
	if err := stmt.Close(); err != nil {
		return false, fmt.Errorf("close insert chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	if telemetry.VideosImported != nil {
		telemetry.VideosImported.Inc()
	}
	logger.Info("imported chat log",
		slog.Int("messages", len(log.Messages)),
		slog.Time("started_at", first),
		slog.Int("duration_seconds", duration))
	return true, nil
}
