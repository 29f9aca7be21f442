package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVideosListAndDetail(t *testing.T) {
	channel := "srv_videos_list"
	dbx := newTestDB(t, channel)
	started := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)
	seedVideo(t, dbx, channel, "srv-vid-1", "First stream", started, 3600)
	seedVideo(t, dbx, channel, "srv-vid-2", "Second stream", started.Add(24*time.Hour), 1800)
	seedMessage(t, dbx, "srv-vid-1", "alice", "hello", started, 1)
	seedEvent(t, dbx, "srv-vid-1", 100, 130, 110, 12.5, 40)

	h := NewMux(context.Background(), dbx)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos?channel="+channel, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var list []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 videos, got %d", len(list))
	}
	// Newest first.
	if list[0]["id"] != "srv-vid-2" {
		t.Errorf("expected srv-vid-2 first, got %v", list[0]["id"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos/srv-vid-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("detail: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var detail map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail["title"] != "First stream" {
		t.Errorf("title = %v", detail["title"])
	}
	if detail["channel"] != channel {
		t.Errorf("channel = %v", detail["channel"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos/does-not-exist", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing video: expected 404, got %d", rr.Code)
	}
}

func TestVideoEvents(t *testing.T) {
	channel := "srv_video_events"
	dbx := newTestDB(t, channel)
	started := time.Date(2024, 3, 2, 20, 0, 0, 0, time.UTC)
	seedVideo(t, dbx, channel, "srv-evt-1", "Eventful", started, 7200)
	seedEvent(t, dbx, "srv-evt-1", 700, 706, 700, 15.0, 50)
	seedEvent(t, dbx, "srv-evt-1", 1200, 1260, 1210, 9.5, 30)

	h := NewMux(context.Background(), dbx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos/srv-evt-1/events", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var events []struct {
		AbsPeak  time.Time `json:"abs_peak"`
		StartSec int64     `json:"start_sec"`
		PeakSec  int64     `json:"peak_sec"`
		PeakZ    float64   `json:"peak_zscore"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].PeakSec != 700 {
		t.Errorf("first event peak = %d, want 700", events[0].PeakSec)
	}
	wantAbs := started.Add(700 * time.Second)
	if !events[0].AbsPeak.Equal(wantAbs) {
		t.Errorf("abs_peak = %v, want %v", events[0].AbsPeak, wantAbs)
	}

	// Events of a missing video are a 404, not an empty list.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos/nope/events", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestVideoTimelineBuckets(t *testing.T) {
	channel := "srv_video_timeline"
	dbx := newTestDB(t, channel)
	started := time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC)
	seedVideo(t, dbx, channel, "srv-tl-1", "Timeline", started, 3600)
	// Three messages in the first bucket, one in the second (600s buckets).
	for _, rel := range []float64{5, 30, 599, 601} {
		seedMessage(t, dbx, "srv-tl-1", "bob", "msg", started, rel)
	}

	h := NewMux(context.Background(), dbx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos/srv-tl-1/timeline", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		BucketSec int `json:"bucket_sec"`
		Points    []struct {
			BucketStartSec int64 `json:"bucket_start_sec"`
			Count          int   `json:"count"`
		} `json:"points"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if resp.BucketSec != 600 {
		t.Errorf("bucket_sec = %d, want 600", resp.BucketSec)
	}
	if len(resp.Points) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(resp.Points))
	}
	if resp.Points[0].BucketStartSec != 0 || resp.Points[0].Count != 3 {
		t.Errorf("first bucket = %+v, want start 0 count 3", resp.Points[0])
	}
	if resp.Points[1].BucketStartSec != 600 || resp.Points[1].Count != 1 {
		t.Errorf("second bucket = %+v, want start 600 count 1", resp.Points[1])
	}
}

func TestChatJSONKeysetPaging(t *testing.T) {
	channel := "srv_chat_paging"
	dbx := newTestDB(t, channel)
	started := time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC)
	seedVideo(t, dbx, channel, "srv-chat-1", "Chatty", started, 600)
	for i := 0; i < 5; i++ {
		seedMessage(t, dbx, "srv-chat-1", "carol", "m", started, float64(i))
	}

	h := NewMux(context.Background(), dbx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos/srv-chat-1/chat?limit=3", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var page []struct {
		ID  int64   `json:"id"`
		Rel float64 `json:"rel_seconds"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page))
	}

	// Second page picks up after the last id of the first.
	cursor := page[len(page)-1].ID
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/videos/srv-chat-1/chat?limit=10&after="+jsonNumber(cursor), nil))
	if err := json.NewDecoder(rr.Body).Decode(&page); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 remaining messages, got %d", len(page))
	}
	if page[0].Rel != 3 {
		t.Errorf("second page starts at rel %v, want 3", page[0].Rel)
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestMatchEndpoint(t *testing.T) {
	channel := "srv_match"
	dbx := newTestDB(t, channel)
	started := time.Date(2024, 3, 5, 20, 0, 0, 0, time.UTC)

	// Two recordings of the same content, B started 300s after A, with
	// identical burst shapes on their own clocks.
	seedVideo(t, dbx, channel, "srv-match-a", "A", started, 3600)
	seedVideo(t, dbx, channel, "srv-match-b", "B", started.Add(300*time.Second), 3600)
	seedMessage(t, dbx, "srv-match-a", "dave", "first", started, 0)
	seedMessage(t, dbx, "srv-match-b", "dave", "first", started.Add(300*time.Second), 0)
	for _, ev := range []struct {
		start, end, peak int64
		z                float64
	}{
		{700, 730, 710, 14.0},
		{1500, 1540, 1510, 11.0},
	} {
		seedEvent(t, dbx, "srv-match-a", ev.start, ev.end, ev.peak, ev.z, 40)
		seedEvent(t, dbx, "srv-match-b", ev.start, ev.end, ev.peak, ev.z, 40)
	}

	h := NewMux(context.Background(), dbx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/match?a=srv-match-a&b=srv-match-b", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		OffsetSec float64 `json:"offset_sec"`
		Pairs     []struct {
			Score float64 `json:"score"`
		} `json:"pairs"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode match: %v", err)
	}
	if out.OffsetSec < 290 || out.OffsetSec > 310 {
		t.Errorf("offset = %v, want around 300", out.OffsetSec)
	}
	if len(out.Pairs) != 2 {
		t.Errorf("expected 2 pairs, got %d", len(out.Pairs))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/match?a=srv-match-a", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing b: expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/match?a=srv-match-a&b=no-such-video", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing video: expected 404, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dbx := newTestDB(t, "")
	t.Cleanup(func() {
		_, _ = dbx.Exec(`DELETE FROM kv WHERE key LIKE 'cfg:%'`)
	})

	h := NewMux(context.Background(), dbx)

	body := strings.NewReader(`{"RETENTION_DAYS":"30","TWITCH_OAUTH_TOKEN":"secret-should-be-ignored"}`)
	req := httptest.NewRequest(http.MethodPut, "/config", body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("put: expected 204, got %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/config", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	var out map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if out["RETENTION_DAYS"] != "30" {
		t.Errorf("RETENTION_DAYS = %q, want 30", out["RETENTION_DAYS"])
	}
	if _, ok := out["TWITCH_OAUTH_TOKEN"]; ok {
		t.Error("secret key leaked through /config")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	dbx := newTestDB(t, "")
	h := NewMux(context.Background(), dbx)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/videos"},
		{http.MethodDelete, "/match"},
		{http.MethodPost, "/clusters"},
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, rr.Code)
		}
	}
}
