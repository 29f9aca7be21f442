package chat

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/onnwee/chat-pulse/twitchapi"
)

// StartAutoSessions polls Twitch live status for the given channels and
// opens/closes recording sessions on the recorder as streams start and end.
// One Helix call covers all channels per tick.
//
// Env knobs:
//
//	CHAT_AUTO_POLL_INTERVAL (default 30s)
func StartAutoSessions(ctx context.Context, rec *Recorder, helix *twitchapi.HelixClient, channels []string) {
	if len(channels) == 0 {
		slog.Info("auto sessions: no channels configured; abort")
		return
	}

	pollEvery := 30 * time.Second
	if v := os.Getenv("CHAT_AUTO_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollEvery = d
		}
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	slog.Info("auto sessions: started poller",
		slog.Duration("interval", pollEvery),
		slog.Int("channels", len(channels)))

	for {
		if ctx.Err() != nil {
			return
		}
		poll(ctx, rec, helix, channels)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func poll(ctx context.Context, rec *Recorder, helix *twitchapi.HelixClient, channels []string) {
	streams, err := helix.GetStreams(ctx, channels...)
	if err != nil {
		slog.Debug("auto sessions: streams req", slog.Any("err", err))
		return
	}
	live := make(map[string]twitchapi.Stream, len(streams))
	for _, s := range streams {
		live[strings.ToLower(s.UserLogin)] = s
	}

	for _, ch := range channels {
		ch = strings.ToLower(ch)
		s, isLive := live[ch]
		_, open := rec.Session(ch)
		switch {
		case isLive && !open:
			if _, err := rec.OpenSession(ctx, ch, s.Title, s.StartedAt.UTC()); err != nil {
				slog.Warn("auto sessions: open failed",
					slog.String("channel", ch), slog.Any("err", err))
			}
		case !isLive && open:
			if err := rec.CloseSession(ctx, ch); err != nil {
				slog.Warn("auto sessions: close failed",
					slog.String("channel", ch), slog.Any("err", err))
			}
		}
	}
}
