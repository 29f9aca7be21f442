package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/chat-pulse/testutil"
)

func newTestDB(t *testing.T, channel string) *sql.DB {
	t.Helper()
	dbx := testutil.SetupTestDB(t)
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM videos WHERE channel_id=$1`, channel)
		_, _ = dbx.Exec(`DELETE FROM channels WHERE id=$1`, channel)
	})
	return dbx
}

func seedRecording(t *testing.T, dbx *sql.DB, channel, videoID string, startedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := dbx.ExecContext(ctx,
		`INSERT INTO channels (id, display_name) VALUES ($1,$1) ON CONFLICT (id) DO NOTHING`, channel); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	if _, err := dbx.ExecContext(ctx,
		`INSERT INTO videos (id, channel_id, title, source, started_at, duration_seconds, processed)
		 VALUES ($1,$2,'test recording','logfile',$3,600,TRUE)`,
		videoID, channel, startedAt); err != nil {
		t.Fatalf("seed video: %v", err)
	}
}

func seedChat(t *testing.T, dbx *sql.DB, videoID, text string, startedAt time.Time, relSec float64) {
	t.Helper()
	if _, err := dbx.Exec(
		`INSERT INTO chat_messages (video_id, username, nickname, message, abs_timestamp, rel_seconds)
		 VALUES ($1,'u1','u1',$2,$3,$4)`,
		videoID, text, startedAt.Add(time.Duration(relSec*float64(time.Second))), relSec); err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func seedInterval(t *testing.T, dbx *sql.DB, videoID string, start, end, peak int64) {
	t.Helper()
	if _, err := dbx.Exec(
		`INSERT INTO chat_events (video_id, start_sec, end_sec, peak_sec, peak_zscore, peak_count)
		 VALUES ($1,$2,$3,$4,9.5,12)`,
		videoID, start, end, peak); err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func TestLoadStoredEvents(t *testing.T) {
	dbx := newTestDB(t, "pulse_cli_load")
	startedAt := time.Date(2025, 10, 24, 9, 0, 0, 0, time.UTC)
	seedRecording(t, dbx, "pulse_cli_load", "cli-load-1", startedAt)
	seedChat(t, dbx, "cli-load-1", "first", startedAt, 0)
	seedChat(t, dbx, "cli-load-1", "burst", startedAt, 100)
	seedInterval(t, dbx, "cli-load-1", 95, 110, 100)
	seedInterval(t, dbx, "cli-load-1", 40, 55, 42)

	first, events, err := loadStoredEvents(context.Background(), dbx, "cli-load-1")
	if err != nil {
		t.Fatalf("loadStoredEvents: %v", err)
	}
	if !first.Equal(startedAt) {
		t.Errorf("first message time = %v, want %v", first, startedAt)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].StartSec != 40 || events[1].StartSec != 95 {
		t.Errorf("events not in start order: %+v", events)
	}
}

func TestLoadStoredEventsNoChat(t *testing.T) {
	dbx := newTestDB(t, "pulse_cli_empty")
	seedRecording(t, dbx, "pulse_cli_empty", "cli-empty-1", time.Now().UTC())

	if _, _, err := loadStoredEvents(context.Background(), dbx, "cli-empty-1"); err == nil {
		t.Fatal("expected error for video without chat")
	}
}

func TestWriteEventChatsJSON(t *testing.T) {
	dbx := newTestDB(t, "pulse_cli_json")
	startedAt := time.Date(2025, 10, 24, 9, 0, 0, 0, time.UTC)
	seedRecording(t, dbx, "pulse_cli_json", "cli-json-1", startedAt)
	seedChat(t, dbx, "cli-json-1", "before", startedAt, 0)
	seedChat(t, dbx, "cli-json-1", "inside one", startedAt, 100)
	seedChat(t, dbx, "cli-json-1", "inside two", startedAt, 105)
	seedChat(t, dbx, "cli-json-1", "after", startedAt, 300)
	// Duplicate interval rows collapse to one export entry.
	seedInterval(t, dbx, "cli-json-1", 95, 110, 100)
	seedInterval(t, dbx, "cli-json-1", 95, 110, 105)

	ctx := context.Background()
	first, events, err := loadStoredEvents(ctx, dbx, "cli-json-1")
	if err != nil {
		t.Fatalf("loadStoredEvents: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cli-json-1_chat.json")
	if err := writeEventChatsJSON(ctx, dbx, "cli-json-1", first, events, path); err != nil {
		t.Fatalf("writeEventChatsJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var out eventChatFile
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if out.VideoID != "cli-json-1" {
		t.Errorf("video_id = %q", out.VideoID)
	}
	if out.FirstMessageTime == "" {
		t.Error("first_message_time empty")
	}
	if len(out.Events) != 1 {
		t.Fatalf("got %d export events, want 1 after dedup", len(out.Events))
	}
	want := []string{"inside one", "inside two"}
	got := out.Events[0].Messages
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("messages = %v, want %v", got, want)
	}
}
