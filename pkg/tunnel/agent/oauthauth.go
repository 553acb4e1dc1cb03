package tunnelagent

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// oauthTokenSource wraps golang.org/x/oauth2/clientcredentials so the agent
// can present "Authorization: Bearer <token>" instead of static Basic
// credentials (SPEC_FULL.md DOMAIN STACK, OAuth2 bearer mode). The
// underlying oauth2.TokenSource already handles transparent refresh before
// expiry, so the reconnect loop just calls Token() on every handshake
// attempt and only pays for a round trip when the cached token has expired.
type oauthTokenSource struct {
	source oauth2.TokenSource
}

// newOAuthTokenSource builds a client-credentials grant token source from
// cfg. Callers must have checked cfg.UseOAuth() first.
func newOAuthTokenSource(cfg Config) *oauthTokenSource {
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
	}
	return &oauthTokenSource{source: ccCfg.TokenSource(context.Background())}
}

// BearerToken returns the current access token, fetching or refreshing it
// as needed.
func (o *oauthTokenSource) BearerToken() (string, error) {
	tok, err := o.source.Token()
	if err != nil {
		return "", fmt.Errorf("revtun: obtain oauth2 token: %w", err)
	}
	return tok.AccessToken, nil
}
