package apiclient

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bodhiapp/bridgeauth/internal/bridge"
)

// isUnauthorized reports whether a bridge outcome represents a 401. The
// bridge can surface a 401 as a response status, as a RequestError status
// code, or buried in an error message from the relay; all three shapes
// collapse to the same answer here so the retry policy has one predicate.
func isUnauthorized(resp *bridge.Response, err error) bool {
	if resp != nil && resp.Status == http.StatusUnauthorized {
		return true
	}
	var reqErr *bridge.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode == http.StatusUnauthorized {
			return true
		}
		if strings.Contains(reqErr.Message, "401") {
			return true
		}
	}
	return false
}
