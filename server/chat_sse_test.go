package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestChatSSETail verifies the SSE endpoint streams stored messages and
// keeps the connection open polling for more until the client goes away.
func TestChatSSETail(t *testing.T) {
	channel := "srv_sse_tail"
	dbx := newTestDB(t, channel)
	started := time.Date(2024, 3, 6, 20, 0, 0, 0, time.UTC)
	seedVideo(t, dbx, channel, "srv-sse-1", "Streaming", started, 0)
	seedMessage(t, dbx, "srv-sse-1", "erin", "one", started, 0)
	seedMessage(t, dbx, "srv-sse-1", "erin", "two", started, 1)

	srv := httptest.NewServer(NewMux(context.Background(), dbx))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/videos/srv-sse-1/chat/stream?poll_ms=50", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	type msg struct {
		Message string  `json:"message"`
		Rel     float64 `json:"rel_seconds"`
	}
	var got []msg
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(3 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early, got %d messages", len(got))
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m msg
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
				t.Fatalf("bad SSE payload %q: %v", line, err)
			}
			got = append(got, m)
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %d", len(got))
		}
	}

	if got[0].Message != "one" || got[1].Message != "two" {
		t.Errorf("messages = %+v, want one then two", got)
	}

	// A third message inserted after the initial burst is picked up by the
	// poll loop, which is what makes this a live tail.
	seedMessage(t, dbx, "srv-sse-1", "erin", "three", started, 2)
	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatal("stream closed before tailed message arrived")
		}
		if !strings.HasPrefix(line, "data: ") {
			// Skip the blank separator line and read the next one.
			line, ok = <-lines
			if !ok || !strings.HasPrefix(line, "data: ") {
				t.Fatalf("expected data line, got %q", line)
			}
		}
		var m msg
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		if m.Message != "three" {
			t.Errorf("tailed message = %q, want three", m.Message)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tailed message")
	}
}
