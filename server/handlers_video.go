package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HandleVideosList returns a paginated list of videos, optionally filtered by channel.
func (h *Handlers) HandleVideosList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	channel := r.URL.Query().Get("channel")

	var (
		rows *sql.Rows
		err  error
	)
	if channel != "" {
		rows, err = h.db.QueryContext(r.Context(), `
        SELECT id, channel_id, COALESCE(title,''), COALESCE(source,''),
               COALESCE(started_at, to_timestamp(0)),
               COALESCE(duration_seconds, 0), COALESCE(processed, FALSE)
        FROM videos
        WHERE channel_id=$1
        ORDER BY COALESCE(started_at, to_timestamp(0)) DESC
        LIMIT $2 OFFSET $3
    `, channel, limit, offset)
	} else {
		rows, err = h.db.QueryContext(r.Context(), `
        SELECT id, channel_id, COALESCE(title,''), COALESCE(source,''),
               COALESCE(started_at, to_timestamp(0)),
               COALESCE(duration_seconds, 0), COALESCE(processed, FALSE)
        FROM videos
        ORDER BY COALESCE(started_at, to_timestamp(0)) DESC
        LIMIT $1 OFFSET $2
    `, limit, offset)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	type video struct {
		StartedAt time.Time `json:"started_at"`
		ID        string    `json:"id"`
		Channel   string    `json:"channel"`
		Title     string    `json:"title"`
		Source    string    `json:"source"`
		Duration  int       `json:"duration_seconds"`
		Processed bool      `json:"processed"`
	}
	list := make([]video, 0)
	for rows.Next() {
		var v video
		if err := rows.Scan(&v.ID, &v.Channel, &v.Title, &v.Source, &v.StartedAt, &v.Duration, &v.Processed); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, v)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleVideosDispatcher routes requests under /videos/{id}/* to sub-handlers.
func (h *Handlers) HandleVideosDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/videos/")
	parts := strings.Split(path, "/")
	videoID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case videoID == "" || videoID == "/":
		http.NotFound(w, r)
	case tail == "":
		h.handleVideoDetail(w, r, videoID)
	case tail == "events":
		h.handleVideoEvents(w, r, videoID)
	case tail == "timeline":
		h.handleVideoTimeline(w, r, videoID)
	case tail == "chat":
		h.handleChatJSON(w, r, videoID)
	case tail == "chat/stream":
		h.handleChatSSE(w, r, videoID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleVideoDetail(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), `
        SELECT v.id, v.channel_id, COALESCE(v.title,''), COALESCE(v.source,''),
               COALESCE(v.started_at, to_timestamp(0)),
               COALESCE(v.duration_seconds, 0),
               COALESCE(v.processed, FALSE), v.processed_at,
               COALESCE(v.detect_attempts, 0), COALESCE(v.last_error,''),
               COALESCE(s.message_count, 0), COALESCE(s.unique_chatters, 0),
               COALESCE(s.event_count, 0)
        FROM videos v
        LEFT JOIN video_stats s ON s.video_id = v.id
        WHERE v.id=$1
    `, videoID)
	type video struct {
		StartedAt      time.Time  `json:"started_at"`
		ProcessedAt    *time.Time `json:"processed_at,omitempty"`
		ID             string     `json:"id"`
		Channel        string     `json:"channel"`
		Title          string     `json:"title"`
		Source         string     `json:"source"`
		LastError      string     `json:"last_error,omitempty"`
		Duration       int        `json:"duration_seconds"`
		DetectAttempts int        `json:"detect_attempts"`
		MessageCount   int        `json:"message_count"`
		UniqueChatters int        `json:"unique_chatters"`
		EventCount     int        `json:"event_count"`
		Processed      bool       `json:"processed"`
	}
	var v video
	if err := row.Scan(&v.ID, &v.Channel, &v.Title, &v.Source, &v.StartedAt, &v.Duration,
		&v.Processed, &v.ProcessedAt, &v.DetectAttempts, &v.LastError,
		&v.MessageCount, &v.UniqueChatters, &v.EventCount); err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleVideoEvents returns the detected burst events of a video in
// chronological order. Offsets are seconds relative to the first message;
// abs_peak is derived from the video start for display.
func (h *Handlers) handleVideoEvents(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var exists bool
	if err := h.db.QueryRowContext(r.Context(), `SELECT EXISTS(SELECT 1 FROM videos WHERE id=$1)`, videoID).Scan(&exists); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.NotFound(w, r)
		return
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT e.id, e.start_sec, e.end_sec, e.peak_sec,
               COALESCE(e.peak_zscore, 0), COALESCE(e.peak_count, 0),
               COALESCE(v.started_at, to_timestamp(0))
        FROM chat_events e
        JOIN videos v ON v.id = e.video_id
        WHERE e.video_id=$1
        ORDER BY e.start_sec ASC
    `, videoID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	type event struct {
		AbsPeak   time.Time `json:"abs_peak"`
		ID        int64     `json:"id"`
		StartSec  int64     `json:"start_sec"`
		EndSec    int64     `json:"end_sec"`
		PeakSec   int64     `json:"peak_sec"`
		PeakZ     float64   `json:"peak_zscore"`
		PeakCount int       `json:"peak_count"`
	}
	list := make([]event, 0)
	for rows.Next() {
		var e event
		var started time.Time
		if err := rows.Scan(&e.ID, &e.StartSec, &e.EndSec, &e.PeakSec, &e.PeakZ, &e.PeakCount, &started); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		e.AbsPeak = started.Add(time.Duration(e.PeakSec) * time.Second)
		list = append(list, e)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// handleVideoTimeline returns coarse message-count buckets over the video's
// chat, computed from the stored messages. Default bucket width is 600s.
func (h *Handlers) handleVideoTimeline(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bucket := parseIntQuery(r, "bucket", 600)
	if bucket <= 0 {
		bucket = 600
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT (FLOOR(rel_seconds / $2) * $2)::bigint AS bucket_start, COUNT(*)
        FROM chat_messages
        WHERE video_id=$1
        GROUP BY bucket_start
        ORDER BY bucket_start ASC
    `, videoID, bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	type point struct {
		BucketStartSec int64 `json:"bucket_start_sec"`
		Count          int   `json:"count"`
	}
	list := make([]point, 0)
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.BucketStartSec, &p.Count); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, p)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"video_id":   videoID,
		"bucket_sec": bucket,
		"points":     list,
	})
}
