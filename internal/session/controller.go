// Package session owns the OAuth callback sequence. The Controller is a
// finite state machine that validates the callback parameters, exchanges the
// authorization code, fetches the user identity and finally navigates home.
// It enforces the single-execution invariant with a synchronous guard so the
// sequence cannot run twice for one page load, no matter how many times the
// hosting layer fires its trigger.
package session

import (
	"context"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bodhiapp/bridgeauth/internal/apiclient"
	"github.com/bodhiapp/bridgeauth/internal/authclient"
)

// State names the phases of callback processing.
type State string

// Callback processing states, in order of progression. failed is terminal
// and reachable from validating, exchanging and fetching-user.
const (
	StateNotStarted   State = "not-started"
	StateValidating   State = "validating"
	StateExchanging   State = "exchanging"
	StateFetchingUser State = "fetching-user"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// accessDeniedMessage is shown when the user rejects the consent screen.
const accessDeniedMessage = "User denied access to the application"

// CallbackParams are the query parameters extracted from the callback URL.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallbackParams extracts the OAuth callback parameters from a URL.
func ParseCallbackParams(u *url.URL) CallbackParams {
	q := u.Query()
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// Present reports whether the URL carried callback parameters at all.
func (p CallbackParams) Present() bool {
	return p.Code != "" || p.Error != ""
}

// CodeExchanger is the slice of the auth client the controller needs.
type CodeExchanger interface {
	ExchangeCodeForTokens(ctx context.Context, code, state string) error
}

// UserFetcher retrieves the identity behind the freshly established session.
type UserFetcher interface {
	FetchCurrentUser(ctx context.Context) (*apiclient.UserInfo, error)
}

// Controller executes the callback sequence exactly once. Create one per
// callback page load; Close it when the hosting view is torn down so a
// sequence still in flight cannot apply results to a stale view.
type Controller struct {
	exchanger   CodeExchanger
	users       UserFetcher
	nav         authclient.Navigator
	bridgeReady func() bool

	// CompletedDelay is how long the completed state stays visible before
	// navigating home.
	CompletedDelay time.Duration

	mu         sync.Mutex
	state      State
	failureMsg string
	user       *apiclient.UserInfo
	started    bool
	closed     bool
}

// NewController creates a callback controller. bridgeReady gates processing;
// pass nil when the transport is known to be ready.
func NewController(exchanger CodeExchanger, users UserFetcher, nav authclient.Navigator, bridgeReady func() bool) *Controller {
	return &Controller{
		exchanger:      exchanger,
		users:          users,
		nav:            nav,
		bridgeReady:    bridgeReady,
		CompletedDelay: 2 * time.Second,
		state:          StateNotStarted,
	}
}

// State returns the current state and, when failed, the display message.
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.failureMsg
}

// User returns the fetched identity once the sequence completed.
func (c *Controller) User() *apiclient.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Close marks the hosting view as torn down. In-flight work settles but its
// results are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Process runs the callback sequence for the given URL. It returns without
// effect when the URL carries no callback parameters, when the bridge is not
// ready yet, or when a previous call already claimed the execution guard.
// The guard is claimed synchronously before any asynchronous work, so two
// near-simultaneous triggers cannot both pass it.
func (c *Controller) Process(ctx context.Context, callbackURL *url.URL) {
	params := ParseCallbackParams(callbackURL)
	if !params.Present() {
		return
	}
	if c.bridgeReady != nil && !c.bridgeReady() {
		log.Debug("callback parameters present but bridge not ready, waiting")
		return
	}

	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.state = StateValidating
	c.mu.Unlock()

	c.run(ctx, params, callbackURL)
}

func (c *Controller) run(ctx context.Context, params CallbackParams, callbackURL *url.URL) {
	if params.Error != "" {
		msg := params.ErrorDescription
		if params.Error == "access_denied" {
			msg = accessDeniedMessage
		} else if msg == "" {
			msg = "Authentication failed: " + params.Error
		}
		c.fail(msg, callbackURL)
		return
	}
	if params.Code == "" || params.State == "" {
		c.fail("Callback is missing required parameters", callbackURL)
		return
	}

	if !c.transition(StateExchanging) {
		return
	}
	if err := c.exchanger.ExchangeCodeForTokens(ctx, params.Code, params.State); err != nil {
		log.WithField("error", err).Warn("authorization code exchange failed")
		c.fail(err.Error(), callbackURL)
		return
	}

	if !c.transition(StateFetchingUser) {
		return
	}
	user, err := c.users.FetchCurrentUser(ctx)
	if err != nil {
		log.WithField("error", err).Warn("user info fetch failed after login")
		c.fail(err.Error(), callbackURL)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateCompleted
	c.user = user
	c.mu.Unlock()
	log.WithField("state", StateCompleted).Info("login completed")

	// Let the user see the success state before leaving the page.
	time.Sleep(c.CompletedDelay)
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed && c.nav != nil {
		c.nav.NavigateHome()
	}
}

// transition advances to next unless the view was torn down.
func (c *Controller) transition(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.state = next
	return true
}

// fail enters the terminal failed state and strips the query parameters from
// the callback URL so back-navigation or refresh cannot re-trigger the
// exchange.
func (c *Controller) fail(msg string, callbackURL *url.URL) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.failureMsg = msg
	c.mu.Unlock()
	log.WithField("state", StateFailed).Warnf("callback processing failed: %s", msg)

	if c.nav != nil && callbackURL != nil {
		stripped := *callbackURL
		stripped.RawQuery = ""
		c.nav.ReplaceURL(stripped.String())
	}
}

// Retry re-runs the sequence from scratch, the equivalent of a full page
// reload from the failed state. A consumed authorization code fails again
// cleanly rather than being silently replayed.
func (c *Controller) Retry(ctx context.Context, callbackURL *url.URL) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.state = StateNotStarted
	c.failureMsg = ""
	c.user = nil
	c.mu.Unlock()
	c.Process(ctx, callbackURL)
}

// ReturnHome leaves the failed state for the application root without
// retrying.
func (c *Controller) ReturnHome() {
	if c.nav != nil {
		c.nav.NavigateHome()
	}
}
