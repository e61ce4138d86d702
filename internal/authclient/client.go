// Package authclient talks to the identity provider directly: it exchanges
// authorization codes for tokens, refreshes access tokens behind a
// single-flight gate, and clears the session on logout. All requests use the
// form-encoded Keycloak token endpoint; nothing here goes through the bridge.
package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/bodhiapp/bridgeauth/internal/config"
	"github.com/bodhiapp/bridgeauth/internal/store"
	"github.com/bodhiapp/bridgeauth/internal/util"
)

// Navigator abstracts post-auth navigation so the auth core stays testable.
// The CLI navigator is a no-op for ReplaceURL; a UI host would rewrite its
// location bar.
type Navigator interface {
	// NavigateHome sends the user back to the application landing view.
	NavigateHome()
	// ReplaceURL rewrites the current location without adding a history
	// entry, used to strip code and state from the callback URL.
	ReplaceURL(url string)
}

// Client performs the OAuth2 token operations against the identity provider.
type Client struct {
	cfg        *config.Config
	store      store.TokenStore
	nav        Navigator
	httpClient *http.Client

	// refreshGroup collapses concurrent refresh attempts into one network
	// call whose result every caller shares.
	refreshGroup singleflight.Group
}

// tokenResponse models the identity provider's token endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// NewClient creates an auth client bound to the given configuration and
// token store. The navigator may be nil when no navigation host exists.
func NewClient(cfg *config.Config, tokenStore store.TokenStore, nav Navigator) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg != nil && cfg.ProxyURL != "" {
		httpClient = util.SetProxy(cfg.ProxyURL, httpClient)
	}
	return &Client{
		cfg:        cfg,
		store:      tokenStore,
		nav:        nav,
		httpClient: httpClient,
	}
}

// tokenEndpoint returns the realm token endpoint URL.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.cfg.AuthURL, c.cfg.Realm)
}

// authEndpoint returns the realm authorization endpoint URL.
func (c *Client) authEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/auth", c.cfg.AuthURL, c.cfg.Realm)
}

// ExchangeCodeForTokens redeems an authorization code for tokens and stores
// them. The state parameter is validated against the recorded login
// transaction before any network traffic, and the PKCE transaction is
// consumed before the exchange so the verifier can never be replayed, even
// when the exchange itself fails.
//
// Parameters:
//   - ctx: request context
//   - code: authorization code from the callback URL
//   - state: state parameter from the callback URL
//
// Returns an error when validation or the exchange fails.
func (c *Client) ExchangeCodeForTokens(ctx context.Context, code, state string) error {
	txn := c.store.PKCETransaction()
	if txn.CodeVerifier == "" {
		return &MissingVerifierError{}
	}
	if state != txn.State {
		log.Warn("callback state does not match recorded login state")
		return &StateMismatchError{}
	}

	consumed, err := c.store.ConsumePKCETransaction()
	if err != nil {
		return fmt.Errorf("consume login transaction: %w", err)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"code_verifier": {consumed.CodeVerifier},
	}

	tokens, err := c.postTokenRequest(ctx, form)
	if err != nil {
		return err
	}

	if err = c.store.SetAccessToken(tokens.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		if err = c.store.SetRefreshToken(tokens.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	log.Info("token exchange completed, session established")
	return nil
}

// RefreshAccessToken obtains a new access token with the stored refresh
// token. Concurrent callers share one in-flight request and its result.
//
// The soft-fail contract: a missing refresh token, a rejected refresh (400 or
// 401, which also clears the session) and a transient server failure all
// return ("", nil). Callers treat an empty token as the signal that the
// session cannot continue. Only request construction and transport failures
// surface as errors.
func (c *Client) RefreshAccessToken(ctx context.Context) (string, error) {
	token, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		return c.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (c *Client) doRefresh(ctx context.Context) (string, error) {
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		log.Debug("no refresh token on record, skipping refresh")
		return "", nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read refresh response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// The refresh token is expired or revoked. Clear the session so the
		// app falls back to the unauthenticated state.
		log.WithField("status", resp.StatusCode).Warn("refresh token rejected, clearing session")
		if clearErr := c.store.ClearAll(); clearErr != nil {
			log.WithField("error", clearErr).Error("failed to clear session after rejected refresh")
		}
		return "", nil
	case resp.StatusCode != http.StatusOK:
		// Transient server trouble. Keep the tokens so a later attempt can
		// still succeed.
		log.WithField("status", resp.StatusCode).Warn("token refresh failed, keeping session")
		return "", nil
	}

	var tokens tokenResponse
	if err = json.Unmarshal(body, &tokens); err != nil || tokens.AccessToken == "" {
		log.Warn("token refresh returned an unusable response body")
		return "", nil
	}

	if err = c.store.SetAccessToken(tokens.AccessToken); err != nil {
		return "", fmt.Errorf("store refreshed access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		if err = c.store.SetRefreshToken(tokens.RefreshToken); err != nil {
			return "", fmt.Errorf("store rotated refresh token: %w", err)
		}
	}
	log.Debug("token refresh succeeded")
	return tokens.AccessToken, nil
}

// postTokenRequest sends a form-encoded grant to the token endpoint and
// decodes the response.
func (c *Client) postTokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tokens tokenResponse
	if err = json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode, Body: "response missing access_token"}
	}
	return &tokens, nil
}

// Logout clears the stored session and navigates home. Clearing the store
// emits the auth-state-changed notification to subscribers.
func (c *Client) Logout() error {
	if err := c.store.ClearAll(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	log.Info("session cleared")
	if c.nav != nil {
		c.nav.NavigateHome()
	}
	return nil
}

// AuthHeaders returns a copy of extra with the bearer Authorization header
// attached when an access token is present. The input headers are never
// mutated.
func (c *Client) AuthHeaders(extra http.Header) http.Header {
	headers := make(http.Header, len(extra)+1)
	for k, vals := range extra {
		for _, v := range vals {
			headers.Add(k, v)
		}
	}
	if token := c.store.AccessToken(); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	return headers
}
