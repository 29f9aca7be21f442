// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs (user resolution, stream liveness, archived video listings) using an
// app access token, plus the user-token refresh grant used for the chat bot.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const helixBase = "https://api.twitch.tv/helix"

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream is a live broadcast. Helix only returns streams that are currently
// live, so presence in the response doubles as the liveness signal.
type Stream struct {
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// Video is an archived broadcast (VOD).
type Video struct {
	ID        string
	UserID    string
	UserLogin string
	Title     string
	CreatedAt time.Time
	Duration  time.Duration
}

// HelixClient provides the Helix calls the catalog sync and the auto recorder
// need. TokenSource must yield app access tokens (client credentials).
type HelixClient struct {
	TokenSource oauth2.TokenSource
	ClientID    string
	HTTPClient  *http.Client
}

// NewHelixClient builds a client with a cached client-credentials token source.
func NewHelixClient(ctx context.Context, clientID, clientSecret string) (*HelixClient, error) {
	ts, err := NewAppTokenSource(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	return &HelixClient{TokenSource: ts, ClientID: clientID}, nil
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// get issues an authenticated GET against a Helix path and decodes the JSON
// response into out. Transient upstream trouble (429 or 5xx) is retried once.
func (hc *HelixClient) get(ctx context.Context, path string, params url.Values, out any) error {
	tok, err := hc.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = params.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			closeBody(resp)
			if attempt == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(250 * time.Millisecond):
				}
				continue
			}
			return fmt.Errorf("helix %s failed: %s", path, resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			closeBody(resp)
			return fmt.Errorf("helix %s failed: %s: %s", path, resp.Status, string(b))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		closeBody(resp)
		return err
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUsers resolves login names to Helix user records. Unknown logins are
// simply absent from the result.
func (hc *HelixClient) GetUsers(ctx context.Context, logins ...string) ([]User, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("no logins given")
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUserID resolves a single login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	users, err := hc.GetUsers(ctx, login)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return users[0].ID, nil
}

// GetStreams returns the currently live streams among the given logins.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("no logins given")
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetVideos lists archived videos for a user, newest first. The returned
// cursor is empty on the last page.
func (hc *HelixClient) GetVideos(ctx context.Context, userID, after string, first int) ([]Video, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", fmt.Sprintf("%d", first))
	if after != "" {
		q.Set("after", after)
	}

	var body struct {
		Data []struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			UserLogin string `json:"user_login"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
			Duration  string `json:"duration"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "/videos", q, &body); err != nil {
		return nil, "", err
	}

	out := make([]Video, 0, len(body.Data))
	for _, v := range body.Data {
		created, err := time.Parse(time.RFC3339, v.CreatedAt)
		if err != nil {
			slog.Warn("unparseable video created_at", slog.String("video_id", v.ID), slog.String("created_at", v.CreatedAt))
		}
		out = append(out, Video{
			ID:        v.ID,
			UserID:    v.UserID,
			UserLogin: v.UserLogin,
			Title:     v.Title,
			CreatedAt: created,
			Duration:  ParseHelixDuration(v.Duration),
		})
	}
	return out, body.Pagination.Cursor, nil
}

// ParseHelixDuration parses the "1h2m3s" style duration Helix uses for video
// lengths. Malformed input yields 0.
func ParseHelixDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
