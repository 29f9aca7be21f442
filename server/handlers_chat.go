package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// handleChatJSON returns chat messages for a video, keyset-paged by row id
// with an optional relative-time range.
func (h *Handlers) handleChatJSON(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Params: after (row id cursor), from/to (rel seconds), limit (default 1000).
	after := parseInt64Query(r, "after", 0)
	from := parseFloat64Query(r, "from", 0)
	to := parseFloat64Query(r, "to", 0)
	limit := parseIntQuery(r, "limit", 1000)
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var (
		rows *sql.Rows
		err  error
	)
	if to > 0 {
		rows, err = h.db.QueryContext(r.Context(), `
			SELECT id, COALESCE(username,''), COALESCE(nickname,''), COALESCE(message,''), abs_timestamp, COALESCE(rel_seconds,0)
			FROM chat_messages
			WHERE video_id=$1 AND id>$2 AND rel_seconds>=$3 AND rel_seconds<=$4
			ORDER BY id ASC LIMIT $5`, videoID, after, from, to, limit)
	} else {
		rows, err = h.db.QueryContext(r.Context(), `
			SELECT id, COALESCE(username,''), COALESCE(nickname,''), COALESCE(message,''), abs_timestamp, COALESCE(rel_seconds,0)
			FROM chat_messages
			WHERE video_id=$1 AND id>$2 AND rel_seconds>=$3
			ORDER BY id ASC LIMIT $4`, videoID, after, from, limit)
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

	type msg struct {
		Abs      time.Time `json:"abs_timestamp"`
		Username string    `json:"username"`
		Nickname string    `json:"nickname"`
		Text     string    `json:"message"`
		ID       int64     `json:"id"`
		Rel      float64   `json:"rel_seconds"`
	}
	out := make([]msg, 0)
	for rows.Next() {
		var m msg
		var abs sql.NullTime
		if err := rows.Scan(&m.ID, &m.Username, &m.Nickname, &m.Text, &abs, &m.Rel); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if abs.Valid {
			m.Abs = abs.Time
		}
		out = append(out, m)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleChatSSE tails a video's chat over Server-Sent Events: stored rows
// after the cursor stream immediately, then the handler polls for new rows
// until the client disconnects. For open live sessions this follows the
// recorder in near real time.
func (h *Handlers) handleChatSSE(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	after := parseInt64Query(r, "after", 0)
	pollEvery := time.Second
	if ms := parseIntQuery(r, "poll_ms", 0); ms > 0 {
		pollEvery = time.Duration(ms) * time.Millisecond
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	enc := json.NewEncoder(w)
	cursor := after
	for {
		batch, last, err := h.fetchChatBatch(ctx, videoID, cursor)
		if err != nil {
			return
		}
		for _, m := range batch {
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(m); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
		}
		if len(batch) > 0 {
			flusher.Flush()
			cursor = last
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollEvery):
		}
	}
}

// fetchChatBatch returns up to 500 messages with id greater than the cursor,
// plus the new cursor position.
func (h *Handlers) fetchChatBatch(ctx context.Context, videoID string, after int64) ([]map[string]any, int64, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, COALESCE(username,''), COALESCE(nickname,''), COALESCE(message,''), abs_timestamp, COALESCE(rel_seconds,0)
		FROM chat_messages
		WHERE video_id=$1 AND id>$2
		ORDER BY id ASC LIMIT 500`, videoID, after)
	if err != nil {
		return nil, after, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []map[string]any
	last := after
	for rows.Next() {
		var (
			id       int64
			username string
			nickname string
			text     string
			abs      sql.NullTime
			rel      float64
		)
		if err := rows.Scan(&id, &username, &nickname, &text, &abs, &rel); err != nil {
			return nil, after, err
		}
		m := map[string]any{
			"id":          id,
			"username":    username,
			"nickname":    nickname,
			"message":     text,
			"rel_seconds": rel,
		}
		if abs.Valid {
			m["abs_timestamp"] = abs.Time
		}
		out = append(out, m)
		last = id
	}
	return out, last, rows.Err()
}
