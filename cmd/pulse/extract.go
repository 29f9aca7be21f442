package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/chat-pulse/chatlog"
	"github.com/onnwee/chat-pulse/highlight"
	"github.com/onnwee/chat-pulse/pipeline"
)

var detectCmd = &cobra.Command{
	Use:   "detect <video-id>",
	Short: "Run burst detection on one recording and store its events",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

var extractCmd = &cobra.Command{
	Use:   "extract <video-id>",
	Short: "Write each stored event's chat to a text file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = dbc.Close() }()
	videoID := args[0]

	n, err := pipeline.DetectVideo(ctx, dbc, videoID)
	if err != nil {
		return err
	}
	fmt.Printf("stored %d events for video %s\n", n, videoID)
	if n == 0 {
		return nil
	}

	first, events, err := loadStoredEvents(ctx, dbc, videoID)
	if err != nil {
		return err
	}
	printEvents(first, events)

	if detectJSONFlag {
		path := videoID + "_chat.json"
		if err := writeEventChatsJSON(ctx, dbc, videoID, first, events, path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = dbc.Close() }()
	videoID := args[0]

	first, events, err := loadStoredEvents(ctx, dbc, videoID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events stored for video %s; run detect first", videoID)
	}

	// Raw dumps (message text only) go to a _raw folder so they can feed
	// downstream text tooling without the annotated files mixing in.
	dirName := videoID + "_chat_raw"
	if extractHeaderFlag || extractTimestampsFlag {
		dirName = videoID + "_chat"
	}
	if extractOutFlag != "" {
		dirName = filepath.Join(extractOutFlag, dirName)
	}
	if err := os.MkdirAll(dirName, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dirName, err)
	}

	seen := make(map[[2]int64]bool, len(events))
	saved, skipped := 0, 0
	for i, ev := range events {
		key := [2]int64{ev.StartSec, ev.EndSec}
		if seen[key] {
			skipped++
			continue
		}
		seen[key] = true

		startT := first.Add(time.Duration(ev.StartSec) * time.Second).In(chatlog.KST)
		endT := first.Add(time.Duration(ev.EndSec) * time.Second).In(chatlog.KST)
		peakT := first.Add(time.Duration(ev.PeakSec) * time.Second).In(chatlog.KST)

		msgs, err := intervalMessages(ctx, dbc, videoID, first, ev)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if extractHeaderFlag {
			fmt.Fprintf(&buf, "# Event #%d - Video ID: %s\n", i+1, videoID)
			fmt.Fprintf(&buf, "# Start: %s\n", startT.Format("2006-01-02 15:04:05 -0700"))
			fmt.Fprintf(&buf, "# End: %s\n", endT.Format("2006-01-02 15:04:05 -0700"))
			fmt.Fprintf(&buf, "# Peak: %s (z-score: %.2f, count: %d)\n",
				peakT.Format("2006-01-02 15:04:05 -0700"), ev.PeakZScore, ev.PeakCount)
			fmt.Fprintf(&buf, "# Total messages: %d\n\n", len(msgs))
		}
		for _, m := range msgs {
			if extractTimestampsFlag {
				fmt.Fprintf(&buf, "[%s] %s: %s\n", m.Time.In(chatlog.KST).Format("15:04:05"), m.Nickname, m.Message)
			} else {
				fmt.Fprintf(&buf, "%s\n", m.Message)
			}
		}

		name := fmt.Sprintf("event_%03d_%s_%s.log", i+1, startT.Format("150405"), endT.Format("150405"))
		path := filepath.Join(dirName, name)
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("saved event #%d to %s (%d messages)\n", i+1, path, len(msgs))
		saved++
	}
	fmt.Printf("saved %d events (skipped %d duplicate intervals) to %s\n", saved, skipped, dirName)
	return nil
}

// loadStoredEvents returns the recording's first message time and its
// detected events in chronological order.
func loadStoredEvents(ctx context.Context, dbc *sql.DB, videoID string) (time.Time, []highlight.EventInterval, error) {
	var first sql.NullTime
	err := dbc.QueryRowContext(ctx, `SELECT COALESCE(
		(SELECT first_message_at FROM video_stats WHERE video_id=$1),
		(SELECT MIN(abs_timestamp) FROM chat_messages WHERE video_id=$1))`, videoID).Scan(&first)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("load first message time: %w", err)
	}
	if !first.Valid {
		return time.Time{}, nil, fmt.Errorf("video %s has no recorded chat", videoID)
	}

	rows, err := dbc.QueryContext(ctx,
		`SELECT start_sec, end_sec, peak_sec, peak_zscore, peak_count
		 FROM chat_events WHERE video_id=$1 ORDER BY start_sec ASC`, videoID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("load events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var events []highlight.EventInterval
	for rows.Next() {
		var ev highlight.EventInterval
		if err := rows.Scan(&ev.StartSec, &ev.EndSec, &ev.PeakSec, &ev.PeakZScore, &ev.PeakCount); err != nil {
			return time.Time{}, nil, err
		}
		events = append(events, ev)
	}
	return first.Time, events, rows.Err()
}

func printEvents(first time.Time, events []highlight.EventInterval) {
	for i, ev := range events {
		startT := first.Add(time.Duration(ev.StartSec) * time.Second).In(chatlog.KST)
		endT := first.Add(time.Duration(ev.EndSec) * time.Second).In(chatlog.KST)
		fmt.Printf("#%d %s ~ %s (%ds) peak %s z=%.1f count=%d\n",
			i+1,
			startT.Format("15:04:05"), endT.Format("15:04:05"), ev.EndSec-ev.StartSec,
			first.Add(time.Duration(ev.PeakSec)*time.Second).In(chatlog.KST).Format("15:04:05"),
			ev.PeakZScore, ev.PeakCount)
	}
}

type intervalMessage struct {
	Time     time.Time
	Nickname string
	Message  string
}

// intervalMessages returns the chat inside one event interval in time
// order. Bounds are inclusive on both ends.
func intervalMessages(ctx context.Context, dbc *sql.DB, videoID string, first time.Time, ev highlight.EventInterval) ([]intervalMessage, error) {
	start := first.Add(time.Duration(ev.StartSec) * time.Second)
	end := first.Add(time.Duration(ev.EndSec) * time.Second)
	rows, err := dbc.QueryContext(ctx,
		`SELECT COALESCE(nickname, username, ''), COALESCE(message,''), abs_timestamp
		 FROM chat_messages WHERE video_id=$1 AND abs_timestamp >= $2 AND abs_timestamp <= $3
		 ORDER BY abs_timestamp ASC, id ASC`, videoID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load interval chat: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var msgs []intervalMessage
	for rows.Next() {
		var m intervalMessage
		if err := rows.Scan(&m.Nickname, &m.Message, &m.Time); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type eventChat struct {
	Event    highlight.EventInterval `json:"event"`
	Messages []string                `json:"messages"`
}

type eventChatFile struct {
	VideoID          string      `json:"video_id"`
	FirstMessageTime string      `json:"first_message_time"`
	Events           []eventChat `json:"events"`
}

// writeEventChatsJSON writes every event interval with its chat text to a
// single JSON file. Duplicate (start,end) intervals collapse to the first
// occurrence.
func writeEventChatsJSON(ctx context.Context, dbc *sql.DB, videoID string, first time.Time, events []highlight.EventInterval, path string) error {
	out := eventChatFile{
		VideoID:          videoID,
		FirstMessageTime: first.In(chatlog.KST).Format("2006-01-02 15:04:05 -0700"),
		Events:           []eventChat{},
	}
	seen := make(map[[2]int64]bool, len(events))
	skipped := 0
	for _, ev := range events {
		key := [2]int64{ev.StartSec, ev.EndSec}
		if seen[key] {
			skipped++
			continue
		}
		seen[key] = true
		msgs, err := intervalMessages(ctx, dbc, videoID, first, ev)
		if err != nil {
			return err
		}
		texts := make([]string, len(msgs))
		for i, m := range msgs {
			texts[i] = m.Message
		}
		out.Events = append(out.Events, eventChat{Event: ev, Messages: texts})
	}
	if skipped > 0 {
		fmt.Printf("skipped %d duplicate intervals\n", skipped)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal event chats: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
