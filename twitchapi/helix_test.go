package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// rewriteTransport redirects all requests to the test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func testClient(serverURL string) *HelixClient {
	return &HelixClient{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		ClientID:    "test-client-id",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{
				Transport: http.DefaultTransport,
				host:      serverURL,
			},
		},
	}
}

func TestGetUsers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing or wrong Authorization header")
		}
		if got := r.URL.Query()["login"]; len(got) != 2 {
			t.Errorf("login params = %v, want 2 entries", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "12345", "login": "alpha", "display_name": "Alpha"},
				{"id": "67890", "login": "beta", "display_name": "Beta"},
			},
		})
	}))
	defer server.Close()

	users, err := testClient(server.URL).GetUsers(context.Background(), "alpha", "beta")
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("GetUsers() returned %d users, want 2", len(users))
	}
	if users[0].ID != "12345" || users[0].DisplayName != "Alpha" {
		t.Errorf("users[0] = %+v", users[0])
	}

	if _, err := testClient(server.URL).GetUsers(context.Background()); err == nil {
		t.Errorf("GetUsers() with no logins should error")
	}
}

func TestGetUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") == "known" {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "42", "login": "known"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{}})
	}))
	defer server.Close()

	client := testClient(server.URL)

	id, err := client.GetUserID(context.Background(), "known")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "42" {
		t.Errorf("GetUserID() = %q, want 42", id)
	}

	if _, err := client.GetUserID(context.Background(), "ghost"); err == nil || !strings.Contains(err.Error(), "user not found") {
		t.Errorf("GetUserID(ghost) error = %v, want user not found", err)
	}
	if _, err := client.GetUserID(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "login empty") {
		t.Errorf("GetUserID(\"\") error = %v, want login empty", err)
	}
}

func TestGetStreams(t *testing.T) {
	started := time.Date(2025, 10, 24, 18, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["user_login"]; len(got) != 2 {
			t.Errorf("user_login params = %v, want 2 entries", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{
					"user_id":    "12345",
					"user_login": "livechannel",
					"title":      "Live Now",
					"started_at": started.Format(time.RFC3339),
				},
			},
		})
	}))
	defer server.Close()

	streams, err := testClient(server.URL).GetStreams(context.Background(), "livechannel", "offlinechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if streams[0].Title != "Live Now" {
		t.Errorf("stream title = %q, want Live Now", streams[0].Title)
	}
	if !streams[0].StartedAt.Equal(started) {
		t.Errorf("stream started_at = %v, want %v", streams[0].StartedAt, started)
	}
}

func TestGetVideos(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user_id") != "12345" || q.Get("type") != "archive" {
			t.Errorf("unexpected query: %v", q)
		}
		if q.Get("first") != "20" {
			t.Errorf("first = %q, want default 20", q.Get("first"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{
					"id":         "v1",
					"user_id":    "12345",
					"user_login": "alpha",
					"title":      "First VOD",
					"created_at": "2025-10-24T18:00:00Z",
					"duration":   "3h8m33s",
				},
				{
					"id":         "v2",
					"user_id":    "12345",
					"user_login": "alpha",
					"title":      "Second VOD",
					"created_at": "2025-10-25T18:00:00Z",
					"duration":   "47m12s",
				},
			},
			"pagination": map[string]string{"cursor": "next-page"},
		})
	}))
	defer server.Close()

	videos, cursor, err := testClient(server.URL).GetVideos(context.Background(), "12345", "", 0)
	if err != nil {
		t.Fatalf("GetVideos() error = %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("GetVideos() returned %d videos, want 2", len(videos))
	}
	if cursor != "next-page" {
		t.Errorf("cursor = %q, want next-page", cursor)
	}
	if videos[0].Duration != 3*time.Hour+8*time.Minute+33*time.Second {
		t.Errorf("videos[0].Duration = %v", videos[0].Duration)
	}
	wantCreated := time.Date(2025, 10, 24, 18, 0, 0, 0, time.UTC)
	if !videos[0].CreatedAt.Equal(wantCreated) {
		t.Errorf("videos[0].CreatedAt = %v, want %v", videos[0].CreatedAt, wantCreated)
	}

	if _, _, err := testClient(server.URL).GetVideos(context.Background(), "", "", 20); err == nil {
		t.Errorf("GetVideos() with empty userID should error")
	}
}

func TestGetVideosEmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data":       []map[string]string{},
			"pagination": map[string]string{},
		})
	}))
	defer server.Close()

	videos, cursor, err := testClient(server.URL).GetVideos(context.Background(), "12345", "", 20)
	if err != nil {
		t.Fatalf("GetVideos() error = %v", err)
	}
	if len(videos) != 0 || cursor != "" {
		t.Errorf("empty page gave %d videos, cursor %q", len(videos), cursor)
	}
}

func TestGetRetriesOnceOnTransientStatus(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError} {
		attempts := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts == 1 {
				w.WriteHeader(status)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{
					"id": "v1", "user_id": "12345", "user_login": "alpha",
					"title": "VOD", "created_at": "2025-10-24T18:00:00Z", "duration": "1h2m3s",
				}},
			})
		}))

		videos, _, err := testClient(server.URL).GetVideos(context.Background(), "12345", "", 20)
		if err != nil {
			t.Fatalf("status %d: unexpected error after retry: %v", status, err)
		}
		if len(videos) != 1 {
			t.Errorf("status %d: expected 1 video after retry, got %d", status, len(videos))
		}
		if attempts != 2 {
			t.Errorf("status %d: expected 2 attempts, got %d", status, attempts)
		}
		server.Close()
	}
}

func TestGetGivesUpAfterRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, _, err := testClient(server.URL).GetVideos(context.Background(), "12345", "", 20)
	if err == nil {
		t.Fatalf("expected error after persistent 5xx")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestParseHelixDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3h8m33s", 3*time.Hour + 8*time.Minute + 33*time.Second},
		{"47m12s", 47*time.Minute + 12*time.Second},
		{"3s", 3 * time.Second},
		{"", 0},
		{"junk", 0},
		{"-5m", 0},
	}
	for _, tt := range tests {
		if got := ParseHelixDuration(tt.in); got != tt.want {
			t.Errorf("ParseHelixDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
