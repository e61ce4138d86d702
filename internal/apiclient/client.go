// Package apiclient wraps the bridge with authentication: it attaches bearer
// headers from the session, detects 401 responses in any of their transport
// shapes and applies the refresh-once-retry-once policy. A second 401 after a
// successful refresh is conclusive and forces logout.
package apiclient

import (
	"context"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bodhiapp/bridgeauth/internal/authclient"
	"github.com/bodhiapp/bridgeauth/internal/bridge"
	"github.com/bodhiapp/bridgeauth/internal/store"
)

const (
	requestAccessPath = "/bodhi/v1/auth/request-access"
	userInfoPath      = "/bodhi/v1/user"
)

// SessionAuthority is the slice of the auth client the API client needs:
// header decoration, silent refresh and forced logout.
type SessionAuthority interface {
	AuthHeaders(extra http.Header) http.Header
	RefreshAccessToken(ctx context.Context) (string, error)
	Logout() error
}

// UserInfo is the identity returned by the counterpart application.
type UserInfo struct {
	LoggedIn bool   `json:"logged_in"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Client sends authenticated requests through the bridge.
type Client struct {
	bridge   bridge.Bridge
	auth     SessionAuthority
	store    store.TokenStore
	clientID string
}

// NewClient creates an authenticated API client. clientID identifies this
// application when requesting a resource scope.
func NewClient(b bridge.Bridge, auth SessionAuthority, tokenStore store.TokenStore, clientID string) *Client {
	return &Client{bridge: b, auth: auth, store: tokenStore, clientID: clientID}
}

// SendAPIRequest relays one request with bearer authentication and the
// refresh-once-retry-once policy:
//
//  1. Send with the current access token attached.
//  2. On a 401, refresh the token once (single-flight inside the auth
//     client) and resend once with the new token.
//  3. If the refresh yields no token, or the retry hits 401 again, force
//     logout and propagate the original failure.
//
// At most two network attempts ever happen per logical request. Any non-401
// failure propagates unchanged after the first attempt.
func (c *Client) SendAPIRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (*bridge.Response, error) {
	resp, err := c.bridge.SendAPIRequest(ctx, method, path, body, c.auth.AuthHeaders(headers))
	if !isUnauthorized(resp, err) {
		return resp, err
	}

	log.WithField("path", path).Debug("request unauthorized, attempting token refresh")
	token, refreshErr := c.auth.RefreshAccessToken(ctx)
	if refreshErr != nil || token == "" {
		c.forceLogout()
		return resp, err
	}

	retryResp, retryErr := c.bridge.SendAPIRequest(ctx, method, path, body, c.auth.AuthHeaders(headers))
	if isUnauthorized(retryResp, retryErr) {
		// The refreshed token was rejected too; the session is invalid.
		c.forceLogout()
	}
	return retryResp, retryErr
}

// SendStreamRequest is the streaming analogue of SendAPIRequest. The 401
// check covers both an immediate request error and the stream's opening
// event; after a successful refresh the stream is reopened once.
func (c *Client) SendStreamRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (<-chan bridge.StreamEvent, error) {
	events, err := c.openStream(ctx, method, path, body, headers)
	if !isUnauthorized(nil, err) {
		return events, err
	}

	log.WithField("path", path).Debug("stream unauthorized, attempting token refresh")
	token, refreshErr := c.auth.RefreshAccessToken(ctx)
	if refreshErr != nil || token == "" {
		c.forceLogout()
		return nil, err
	}

	events, retryErr := c.openStream(ctx, method, path, body, headers)
	if isUnauthorized(nil, retryErr) {
		c.forceLogout()
	}
	return events, retryErr
}

// openStream starts a stream and inspects its opening event so a 401 can be
// reported as an error instead of leaking through the channel. The relay can
// reject a stream request with a plain http_response event, so that shape is
// classified alongside stream_start and error. A healthy stream is handed
// back with the opening event replayed first.
func (c *Client) openStream(ctx context.Context, method, path string, body []byte, headers http.Header) (<-chan bridge.StreamEvent, error) {
	events, err := c.bridge.SendStreamRequest(ctx, method, path, body, c.auth.AuthHeaders(headers))
	if err != nil {
		return nil, err
	}

	first, ok := <-events
	if !ok {
		return nil, &bridge.RequestError{Message: "stream closed before any event"}
	}
	switch first.Type {
	case bridge.MessageTypeStreamStart, bridge.MessageTypeHTTPResp:
		if first.Status == http.StatusUnauthorized {
			go drainStream(events)
			return nil, &bridge.RequestError{StatusCode: http.StatusUnauthorized, Message: "stream rejected"}
		}
	case bridge.MessageTypeError:
		if isUnauthorized(nil, first.Err) {
			go drainStream(events)
			return nil, first.Err
		}
	}

	out := make(chan bridge.StreamEvent, 1)
	out <- first
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				go drainStream(events)
				return
			}
		}
	}()
	return out, nil
}

func drainStream(events <-chan bridge.StreamEvent) {
	for range events {
	}
}

// forceLogout clears the session exactly once per failed request path.
func (c *Client) forceLogout() {
	log.Warn("session conclusively invalid, forcing logout")
	if err := c.auth.Logout(); err != nil {
		log.WithField("error", err).Error("forced logout failed")
	}
}

// RequestResourceAccess asks the counterpart application for an OAuth
// resource scope. The call is deliberately unauthenticated: it precedes any
// login. The returned scope is persisted for the authorization URL builder.
func (c *Client) RequestResourceAccess(ctx context.Context) (string, error) {
	payload, err := sjson.Set("", "app_client_id", c.clientID)
	if err != nil {
		return "", fmt.Errorf("build request-access payload: %w", err)
	}
	headers := http.Header{"Content-Type": {"application/json"}}
	resp, err := c.bridge.SendAPIRequest(ctx, http.MethodPost, requestAccessPath, []byte(payload), headers)
	if err != nil {
		return "", fmt.Errorf("request resource access: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", &bridge.RequestError{StatusCode: resp.Status, Message: "resource access request rejected"}
	}

	scope := gjson.GetBytes(resp.Body, "scope").String()
	if scope == "" {
		return "", fmt.Errorf("resource access response carries no scope")
	}
	if err = c.store.SetResourceScope(scope); err != nil {
		return "", fmt.Errorf("persist resource scope: %w", err)
	}
	log.Debug("resource scope granted and persisted")
	return scope, nil
}

// FetchCurrentUser retrieves the identity behind the current session. It
// fails up front when no session exists rather than bothering the server.
func (c *Client) FetchCurrentUser(ctx context.Context) (*UserInfo, error) {
	if !c.store.IsAuthenticated() {
		return nil, &authclient.AuthenticationRequiredError{}
	}
	resp, err := c.SendAPIRequest(ctx, http.MethodGet, userInfoPath, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch current user: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &bridge.RequestError{StatusCode: resp.Status, Message: "user info request rejected"}
	}

	result := gjson.ParseBytes(resp.Body)
	user := &UserInfo{
		LoggedIn: result.Get("logged_in").Bool(),
		Email:    result.Get("email").String(),
		Role:     result.Get("role").String(),
	}
	return user, nil
}
