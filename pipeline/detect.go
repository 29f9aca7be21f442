package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/chat-pulse/chatlog"
	"github.com/onnwee/chat-pulse/highlight"
	"github.com/onnwee/chat-pulse/telemetry"
)

// detection cancellation registry; one in-flight detection per video.
var (
	activeMu      sync.Mutex
	activeDetects = map[string]context.CancelFunc{}
)

func registerDetect(id string, cancel context.CancelFunc) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if _, ok := activeDetects[id]; ok {
		return false
	}
	activeDetects[id] = cancel
	return true
}

func unregisterDetect(id string) {
	activeMu.Lock()
	defer activeMu.Unlock()
	delete(activeDetects, id)
}

// CancelDetection cancels an in-flight detection for the video. It reports
// whether one was running.
func CancelDetection(id string) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if cancel, ok := activeDetects[id]; ok {
		cancel()
		delete(activeDetects, id)
		return true
	}
	return false
}

// RunningDetections lists the video ids with a detection in flight.
func RunningDetections() []string {
	activeMu.Lock()
	defer activeMu.Unlock()
	out := make([]string, 0, len(activeDetects))
	for id := range activeDetects {
		out = append(out, id)
	}
	return out
}

// StartDetectJob runs the detection worker until the context is done. Each
// cycle claims at most one video so a crash mid-run costs one retry, not a
// batch.
func StartDetectJob(ctx context.Context, dbc *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	slog.Info("detect job starting", slog.Duration("interval", interval))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := detectOnce(ctx, dbc); err != nil {
		slog.Warn("detect once", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("detect job stopped")
			return
		case <-ticker.C:
			if err := detectOnce(ctx, dbc); err != nil {
				slog.Warn("detect once", slog.Any("err", err))
			}
		}
	}
}

// detectOnce claims a single video with chat and processes it. Open live
// sessions (source='live' with duration 0) are still receiving messages and
// only become claimable once CloseSession stamps their duration.
func detectOnce(ctx context.Context, dbc *sql.DB) error {
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_detect_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	var queueDepth int
	_ = dbc.QueryRowContext(ctx, `SELECT COUNT(1) FROM videos v
		WHERE COALESCE(v.processed,FALSE)=FALSE
		  AND NOT (v.source='live' AND COALESCE(v.duration_seconds,0)=0)
		  AND EXISTS (SELECT 1 FROM chat_messages m WHERE m.video_id=v.id)`).Scan(&queueDepth)
	slog.Debug("detect cycle queue depth", slog.Int("queue_depth", queueDepth), slog.String("component", "detect"))
	telemetry.SetQueueDepth(queueDepth)

	maxAttempts := 5
	if s := os.Getenv("DETECT_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	cooldown := 10 * time.Minute
	if s := os.Getenv("DETECT_RETRY_COOLDOWN"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			cooldown = d
		}
	}

	row := dbc.QueryRowContext(ctx, `SELECT v.id, COALESCE(v.title,'') FROM videos v
		WHERE COALESCE(v.processed,FALSE)=FALSE
		  AND NOT (v.source='live' AND COALESCE(v.duration_seconds,0)=0)
		  AND EXISTS (SELECT 1 FROM chat_messages m WHERE m.video_id=v.id)
		  AND (v.last_error IS NULL OR v.last_error='' OR (COALESCE(v.detect_attempts,0) < $1 AND EXTRACT(EPOCH FROM (NOW() - COALESCE(v.updated_at, v.created_at))) >= $2))
		ORDER BY v.started_at ASC NULLS LAST, v.created_at ASC LIMIT 1`, maxAttempts, int(cooldown.Seconds()))
	var id, title string
	if err := row.Scan(&id, &title); err != nil {
		if err == sql.ErrNoRows {
			slog.Debug("no videos ready for detection", slog.String("component", "detect"))
			return nil
		}
		return err
	}

	logger := slog.Default().With(slog.String("video_id", id), slog.String("component", "detect"))
	logger.Info("detection candidate selected", slog.String("title", title), slog.Int("queue_depth", queueDepth))

	start := time.Now()
	events, err := DetectVideo(ctx, dbc, id)
	if err != nil {
		class := ClassifyDetectError(err)
		logger.Error("detection failed", slog.Any("err", err), slog.String("class", class.String()), slog.Duration("detect_duration", time.Since(start)))
		if telemetry.DetectionsFailed != nil {
			telemetry.DetectionsFailed.Inc()
		}
		if class == ErrorClassFatal {
			// Park the row: attempts jump to the cap so the claim query skips it.
			_, _ = dbc.ExecContext(ctx, `UPDATE videos SET last_error=$1, detect_attempts=$2, updated_at=NOW() WHERE id=$3`, err.Error(), maxAttempts, id)
		} else {
			_, _ = dbc.ExecContext(ctx, `UPDATE videos SET last_error=$1, detect_attempts=COALESCE(detect_attempts,0)+1, updated_at=NOW() WHERE id=$2`, err.Error(), id)
		}
		return nil
	}

	dur := time.Since(start)
	updateMovingAvg(ctx, dbc, "avg_detect_ms", float64(dur.Milliseconds()))
	logger.Info("video processed", slog.Int("events", events), slog.Duration("detect_duration", dur), slog.Int("queue_depth", queueDepth-1))
	telemetry.SetQueueDepth(queueDepth - 1)
	return nil
}

// DetectVideo loads the raw chat of one video, runs burst detection and
// replaces the stored events inside a transaction. It returns the number of
// events stored. Concurrent calls for the same video are rejected; the global
// slot limit applies across all callers (worker, admin endpoint, CLI).
func DetectVideo(ctx context.Context, dbc *sql.DB, videoID string) (int, error) {
	if videoID == "" {
		return 0, fmt.Errorf("video id empty")
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !registerDetect(videoID, cancel) {
		return 0, fmt.Errorf("detection already running for video %s", videoID)
	}
	defer unregisterDetect(videoID)

	if !acquireDetectSlot(dctx) {
		return 0, dctx.Err()
	}
	defer releaseDetectSlot()

	msgs, err := loadMessages(dctx, dbc, videoID)
	if err != nil {
		return 0, err
	}

	if telemetry.DetectionsRun != nil {
		telemetry.DetectionsRun.Inc()
	}
	var (
		res *highlight.DetectionResult
		ok  bool
	)
	telemetry.TimeFunc(telemetry.DetectDuration, func() {
		res, ok = highlight.Detect(msgs)
	})
	if !ok {
		// A video without messages still gets marked processed, with zero
		// events, so the worker does not reclaim it forever.
		return 0, storeDetection(dctx, dbc, videoID, nil, nil)
	}

	if err := storeDetection(dctx, dbc, videoID, res, msgs); err != nil {
		return 0, err
	}
	telemetry.AddEventsDetected(len(res.Events))
	return len(res.Events), nil
}

// loadMessages returns the video's chat ordered by absolute time. Only the
// fields detection needs are populated; username doubles as the user id for
// messages recorded live.
func loadMessages(ctx context.Context, dbc *sql.DB, videoID string) ([]chatlog.ChatMessage, error) {
	rows, err := dbc.QueryContext(ctx, `SELECT COALESCE(username,''), COALESCE(nickname,''), COALESCE(message,''), abs_timestamp
		FROM chat_messages WHERE video_id=$1 ORDER BY abs_timestamp ASC, id ASC`, videoID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var msgs []chatlog.ChatMessage
	for rows.Next() {
		var m chatlog.ChatMessage
		var ts sql.NullTime
		if err := rows.Scan(&m.UserID, &m.Nickname, &m.Message, &ts); err != nil {
			return nil, err
		}
		if !ts.Valid {
			continue
		}
		m.Time = ts.Time
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type detectionStats struct {
	messages int
	chatters int
	events   int
	first    *time.Time
	last     *time.Time
}

func summarize(res *highlight.DetectionResult, msgs []chatlog.ChatMessage) detectionStats {
	st := detectionStats{messages: len(msgs)}
	users := make(map[string]struct{})
	for _, m := range msgs {
		if m.UserID != "" {
			users[m.UserID] = struct{}{}
		}
	}
	st.chatters = len(users)
	if res != nil {
		st.events = len(res.Events)
	}
	if len(msgs) > 0 {
		first := msgs[0].Time
		last := msgs[len(msgs)-1].Time
		st.first, st.last = &first, &last
	}
	return st
}

// storeDetection replaces the video's events and stats and marks it processed,
// all in one transaction so a crash never leaves half a detection behind.
func storeDetection(ctx context.Context, dbc *sql.DB, videoID string, res *highlight.DetectionResult, msgs []chatlog.ChatMessage) error {
	tx, err := dbc.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detection tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_events WHERE video_id=$1`, videoID); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	// The events changed, so stored alignments against this video are stale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_matches WHERE video_a=$1 OR video_b=$1`, videoID); err != nil {
		return fmt.Errorf("clear matches: %w", err)
	}

	if res != nil && len(res.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_events (video_id, start_sec, end_sec, peak_sec, peak_zscore, peak_count)
			VALUES ($1, $2, $3, $4, $5, $6)`)
		if err != nil {
			return fmt.Errorf("prepare event insert: %w", err)
		}
		for _, ev := range res.Events {
			if _, err := stmt.ExecContext(ctx, videoID, ev.StartSec, ev.EndSec, ev.PeakSec, ev.PeakZScore, ev.PeakCount); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("insert event: %w", err)
			}
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("close event insert: %w", err)
		}
	}

	st := summarize(res, msgs)
	if _, err := tx.ExecContext(ctx, `INSERT INTO video_stats (video_id, message_count, unique_chatters, event_count, first_message_at, last_message_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (video_id) DO UPDATE SET
			message_count=EXCLUDED.message_count,
			unique_chatters=EXCLUDED.unique_chatters,
			event_count=EXCLUDED.event_count,
			first_message_at=EXCLUDED.first_message_at,
			last_message_at=EXCLUDED.last_message_at,
			updated_at=NOW()`,
		videoID, st.messages, st.chatters, st.events, st.first, st.last); err != nil {
		return fmt.Errorf("upsert video stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE videos SET processed=TRUE, processed_at=NOW(), last_error='', updated_at=NOW() WHERE id=$1`, videoID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return tx.Commit()
}

// updateMovingAvg maintains a simple exponential moving average stored in kv.
// alpha = 0.2 (new value contributes 20%). Values stored as integer
// milliseconds.
func updateMovingAvg(ctx context.Context, dbc *sql.DB, key string, newVal float64) {
	const alpha = 0.2
	var existing string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&existing)
	if existing == "" {
		_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, fmt.Sprintf("%.0f", newVal))
		return
	}
	var old float64
	if v, err := strconv.ParseFloat(existing, 64); err == nil {
		old = v
	}
	ema := alpha*newVal + (1-alpha)*old
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, fmt.Sprintf("%.0f", ema))
}
