package twitchapi

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// NewAppTokenSource returns a cached client-credentials token source for
// Helix API calls. Tokens are refreshed automatically as they expire.
// NOTE: app tokens CANNOT be used for IRC chat; chat requires a user (bot)
// OAuth token with chat:read/chat:edit scopes.
func NewAppTokenSource(ctx context.Context, clientID, clientSecret string) (oauth2.TokenSource, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     "https://id.twitch.tv/oauth2/token",
		// Twitch wants credentials in the POST body, not basic auth.
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return cfg.TokenSource(ctx), nil
}
