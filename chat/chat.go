package chat

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/chat-pulse/telemetry"
)

// Recorder connects to Twitch IRC and persists every PRIVMSG into the open
// live recording session of its channel. A session is a videos row with
// source='live'; messages arriving for a channel without an open session are
// dropped.
type Recorder struct {
	db       *sql.DB
	username string
	token    string

	mu       sync.Mutex
	sessions map[string]*liveSession
	client   *twitch.Client
}

type liveSession struct {
	videoID   string
	startedAt time.Time
}

// NewRecorder builds a recorder for the given bot credentials. The IRC token
// is normalized to the oauth: form gempir expects.
func NewRecorder(dbx *sql.DB, username, token string) *Recorder {
	if token != "" && !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return &Recorder{
		db:       dbx,
		username: username,
		token:    token,
		sessions: make(map[string]*liveSession),
	}
}

// Run connects to Twitch IRC, joins the given channels and blocks until the
// context is cancelled or the connection fails.
func (r *Recorder) Run(ctx context.Context, channels []string) error {
	if r.username == "" || r.token == "" {
		return errors.New("missing twitch chat credentials")
	}
	client := twitch.NewClient(r.username, r.token)
	r.client = client

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		r.record(ctx, msg)
	})
	client.OnConnect(func() {
		slog.Info("twitch chat connected",
			slog.String("component", "chat"),
			slog.Int("channels", len(channels)))
	})
	for _, ch := range channels {
		client.Join(strings.ToLower(ch))
	}

	errc := make(chan error, 1)
	go func() { errc <- client.Connect() }()
	select {
	case <-ctx.Done():
		_ = client.Disconnect()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

// OpenSession starts a live recording session for channel: the channels row
// is ensured and a fresh videos row (source='live') is created. startedAt is
// the stream start when known from Helix, otherwise the open time. Opening a
// channel that already has a session is a no-op returning the existing id.
func (r *Recorder) OpenSession(ctx context.Context, channel, title string, startedAt time.Time) (string, error) {
	channel = strings.ToLower(channel)
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[channel]; ok {
		return sess.videoID, nil
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, display_name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		channel, channel); err != nil {
		return "", err
	}
	if title == "" {
		title = channel
	}
	videoID := uuid.NewString()
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO videos (id, channel_id, title, source, started_at, duration_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, 'live', $4, 0, NOW(), NOW())`,
		videoID, channel, "LIVE: "+title, startedAt.UTC()); err != nil {
		return "", err
	}

	r.sessions[channel] = &liveSession{videoID: videoID, startedAt: startedAt.UTC()}
	telemetry.SetLiveSessions(len(r.sessions))
	slog.Info("live session opened",
		slog.String("component", "chat"),
		slog.String("channel", channel),
		slog.String("video_id", videoID),
		slog.Time("started_at", startedAt))
	return videoID, nil
}

// CloseSession ends the open session for channel, stamping the recorded
// duration on the videos row. Closing a channel with no session is a no-op.
func (r *Recorder) CloseSession(ctx context.Context, channel string) error {
	channel = strings.ToLower(channel)
	r.mu.Lock()
	sess, ok := r.sessions[channel]
	if ok {
		delete(r.sessions, channel)
		telemetry.SetLiveSessions(len(r.sessions))
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE videos SET duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - started_at))::bigint), updated_at = NOW() WHERE id = $1`,
		sess.videoID); err != nil {
		return err
	}
	slog.Info("live session closed",
		slog.String("component", "chat"),
		slog.String("channel", channel),
		slog.String("video_id", sess.videoID))
	return nil
}

// CloseAll ends every open session; used on shutdown.
func (r *Recorder) CloseAll(ctx context.Context) {
	r.mu.Lock()
	channels := make([]string, 0, len(r.sessions))
	for ch := range r.sessions {
		channels = append(channels, ch)
	}
	r.mu.Unlock()
	for _, ch := range channels {
		if err := r.CloseSession(ctx, ch); err != nil {
			slog.Warn("failed to close live session",
				slog.String("component", "chat"),
				slog.String("channel", ch),
				slog.Any("err", err))
		}
	}
}

// Session reports the open session video id for channel, if any.
func (r *Recorder) Session(channel string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[strings.ToLower(channel)]
	if !ok {
		return "", false
	}
	return sess.videoID, true
}

// LiveChannels lists channels with an open session, for readiness and stats.
func (r *Recorder) LiveChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for ch := range r.sessions {
		out = append(out, ch)
	}
	return out
}

func (r *Recorder) record(ctx context.Context, msg twitch.PrivateMessage) {
	channel := strings.ToLower(msg.Channel)
	r.mu.Lock()
	sess := r.sessions[channel]
	r.mu.Unlock()
	if sess == nil {
		return
	}

	absTime := time.Now().UTC()
	rel := absTime.Sub(sess.startedAt).Seconds()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages (video_id, username, nickname, message, abs_timestamp, rel_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.videoID, msg.User.Name, msg.User.DisplayName, msg.Message, absTime, rel); err != nil {
		slog.Error("failed to insert chat message",
			slog.String("component", "chat"),
			slog.String("channel", channel),
			slog.Any("err", err))
		return
	}
	if telemetry.MessagesRecorded != nil {
		telemetry.MessagesRecorded.Inc()
	}
}
