package server

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/chat-pulse/testutil"
)

// newTestDB opens the test database and registers cleanup for the rows a
// test seeds under the given channel.
func newTestDB(t *testing.T, channel string) *sql.DB {
	t.Helper()
	dbx := testutil.SetupTestDB(t)
	if channel != "" {
		t.Cleanup(func() {
			_, _ = dbx.Exec(`DELETE FROM videos WHERE channel_id=$1`, channel)
			_, _ = dbx.Exec(`DELETE FROM channels WHERE id=$1`, channel)
		})
	}
	return dbx
}

// seedVideo inserts a channel (if missing) and a video row.
func seedVideo(t *testing.T, dbx *sql.DB, channel, videoID, title string, startedAt time.Time, durationSec int) {
	t.Helper()
	ctx := context.Background()
	if _, err := dbx.ExecContext(ctx,
		`INSERT INTO channels (id, display_name) VALUES ($1,$1) ON CONFLICT (id) DO NOTHING`, channel); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	if _, err := dbx.ExecContext(ctx,
		`INSERT INTO videos (id, channel_id, title, source, started_at, duration_seconds, processed)
		 VALUES ($1,$2,$3,'logfile',$4,$5,TRUE)`,
		videoID, channel, title, startedAt, durationSec); err != nil {
		t.Fatalf("seed video: %v", err)
	}
}

// seedMessage inserts one chat message at relSec from the video start.
func seedMessage(t *testing.T, dbx *sql.DB, videoID, user, text string, startedAt time.Time, relSec float64) {
	t.Helper()
	if _, err := dbx.Exec(
		`INSERT INTO chat_messages (video_id, username, nickname, message, abs_timestamp, rel_seconds)
		 VALUES ($1,$2,$2,$3,$4,$5)`,
		videoID, user, text, startedAt.Add(time.Duration(relSec*float64(time.Second))), relSec); err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

// seedEvent inserts one detected event row.
func seedEvent(t *testing.T, dbx *sql.DB, videoID string, start, end, peak int64, z float64, count int) {
	t.Helper()
	if _, err := dbx.Exec(
		`INSERT INTO chat_events (video_id, start_sec, end_sec, peak_sec, peak_zscore, peak_count)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		videoID, start, end, peak, z, count); err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func TestHealthzOK(t *testing.T) {
	dbx := newTestDB(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	h := NewMux(context.Background(), dbx)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestHealthzCorrelationHeader(t *testing.T) {
	dbx := newTestDB(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()

	NewMux(context.Background(), dbx).ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("correlation header = %q, want corr-123", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	dbx := newTestDB(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, dbx, ":0") }()

	// Give ListenAndServe a moment to bind before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
