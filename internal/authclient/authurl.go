package authclient

import (
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bodhiapp/bridgeauth/internal/pkce"
)

// baseScopes are always requested; the dynamically granted resource scope is
// appended at login time.
var baseScopes = []string{"openid", "email", "profile", "roles"}

// BuildAuthorizationURL assembles the full authorization redirect URL for a
// new login attempt. It requires a previously granted resource scope,
// generates fresh PKCE codes and a state nonce, records them as the pending
// login transaction and returns the URL to send the user to.
//
// Starting a second login before the first callback arrives overwrites the
// recorded transaction; the stale callback then fails its state check.
func (c *Client) BuildAuthorizationURL() (string, error) {
	resourceScope := c.store.ResourceScope()
	if resourceScope == "" {
		return "", fmt.Errorf("no resource scope on record, request access before logging in")
	}

	codes, err := pkce.GenerateCodes()
	if err != nil {
		return "", fmt.Errorf("generate PKCE codes: %w", err)
	}
	state, err := pkce.GenerateState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	if err = c.store.SetPKCETransaction(codes.CodeVerifier, state); err != nil {
		return "", fmt.Errorf("record login transaction: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {c.cfg.RedirectURI},
		"scope":                 {strings.Join(append(append([]string{}, baseScopes...), resourceScope), " ")},
		"state":                 {state},
		"code_challenge":        {codes.CodeChallenge},
		"code_challenge_method": {"S256"},
	}

	log.Debug("authorization URL built, login transaction recorded")
	return c.authEndpoint() + "?" + params.Encode(), nil
}
