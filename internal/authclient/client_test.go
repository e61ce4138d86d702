package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bodhiapp/bridgeauth/internal/config"
	"github.com/bodhiapp/bridgeauth/internal/store"
)

type recordingNavigator struct {
	mu       sync.Mutex
	homeHits int
}

func (n *recordingNavigator) NavigateHome() {
	n.mu.Lock()
	n.homeHits++
	n.mu.Unlock()
}

func (n *recordingNavigator) ReplaceURL(string) {}

func (n *recordingNavigator) homes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.homeHits
}

func testConfig(authURL string) *config.Config {
	return &config.Config{
		AuthURL:     authURL,
		Realm:       "demo",
		ClientID:    "client-demo",
		RedirectURI: "http://localhost:54546/bodhi/auth/callback",
	}
}

func newTokenServer(t *testing.T, hits *atomic.Int64, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/demo/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"refresh_token":%q,"token_type":"Bearer","expires_in":300}`, access, refresh)
}

func TestExchangeCodeForTokens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code_verifier"); got != "verifier-1" {
			t.Errorf("code_verifier = %q", got)
		}
		if got := r.PostForm.Get("redirect_uri"); got != "http://localhost:54546/bodhi/auth/callback" {
			t.Errorf("redirect_uri = %q", got)
		}
		writeTokens(w, "access-1", "refresh-1")
	})

	st := store.NewMemoryStore()
	if err := st.SetPKCETransaction("verifier-1", "state-1"); err != nil {
		t.Fatal(err)
	}
	client := NewClient(testConfig(srv.URL), st, nil)

	if err := client.ExchangeCodeForTokens(context.Background(), "code-1", "state-1"); err != nil {
		t.Fatalf("ExchangeCodeForTokens() error = %v", err)
	}
	if st.AccessToken() != "access-1" || st.RefreshToken() != "refresh-1" {
		t.Errorf("tokens not stored: access=%q refresh=%q", st.AccessToken(), st.RefreshToken())
	}
	if txn := st.PKCETransaction(); txn.CodeVerifier != "" || txn.State != "" {
		t.Errorf("login transaction not consumed: %+v", txn)
	}

	// A second call with the same code finds no verifier on record.
	var missing *MissingVerifierError
	if err := client.ExchangeCodeForTokens(context.Background(), "code-1", "state-1"); !errors.As(err, &missing) {
		t.Errorf("second exchange error = %v, want MissingVerifierError", err)
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", hits.Load())
	}
}

func TestExchangeStateMismatchSkipsNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		writeTokens(w, "access-1", "refresh-1")
	})

	st := store.NewMemoryStore()
	if err := st.SetPKCETransaction("verifier-1", "state-1"); err != nil {
		t.Fatal(err)
	}
	client := NewClient(testConfig(srv.URL), st, nil)

	var mismatch *StateMismatchError
	if err := client.ExchangeCodeForTokens(context.Background(), "code-1", "state-forged"); !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want StateMismatchError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("token endpoint hit %d times, want 0", hits.Load())
	}
	if st.IsAuthenticated() {
		t.Error("session established despite state mismatch")
	}
}

func TestExchangeConsumesVerifierEvenOnFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})

	st := store.NewMemoryStore()
	if err := st.SetPKCETransaction("verifier-1", "state-1"); err != nil {
		t.Fatal(err)
	}
	client := NewClient(testConfig(srv.URL), st, nil)

	var exchangeErr *TokenExchangeError
	if err := client.ExchangeCodeForTokens(context.Background(), "code-1", "state-1"); !errors.As(err, &exchangeErr) {
		t.Fatalf("error = %v, want TokenExchangeError", err)
	}
	if exchangeErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", exchangeErr.StatusCode)
	}
	if txn := st.PKCETransaction(); txn.CodeVerifier != "" {
		t.Error("verifier survived a failed exchange; it must never be replayable")
	}
}

func TestRefreshAccessTokenSingleFlight(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		// Hold the response so the concurrent callers pile up behind the
		// single-flight gate.
		time.Sleep(100 * time.Millisecond)
		writeTokens(w, "access-2", "refresh-2")
	})

	st := store.NewMemoryStore()
	if err := st.SetRefreshToken("refresh-1"); err != nil {
		t.Fatal(err)
	}
	client := NewClient(testConfig(srv.URL), st, nil)

	const callers = 5
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := client.RefreshAccessToken(context.Background())
			if err != nil {
				t.Errorf("RefreshAccessToken() error = %v", err)
				return
			}
			results <- token
		}()
	}
	wg.Wait()
	close(results)

	for token := range results {
		if token != "access-2" {
			t.Errorf("token = %q, want access-2", token)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", hits.Load())
	}
	if st.RefreshToken() != "refresh-2" {
		t.Errorf("rotated refresh token not stored: %q", st.RefreshToken())
	}
}

func TestRefreshRejectedClearsSession(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		status := status
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int64
			srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"invalid_grant"}`, status)
			})

			st := store.NewMemoryStore()
			if err := st.SetAccessToken("access-old"); err != nil {
				t.Fatal(err)
			}
			if err := st.SetRefreshToken("refresh-expired"); err != nil {
				t.Fatal(err)
			}
			changed := st.Subscribe()
			client := NewClient(testConfig(srv.URL), st, nil)

			token, err := client.RefreshAccessToken(context.Background())
			if err != nil {
				t.Fatalf("RefreshAccessToken() error = %v, want soft failure", err)
			}
			if token != "" {
				t.Errorf("token = %q, want empty", token)
			}
			if st.IsAuthenticated() || st.RefreshToken() != "" {
				t.Error("session not cleared after rejected refresh")
			}
			select {
			case <-changed:
			case <-time.After(time.Second):
				t.Error("no auth-state-changed notification after clearing")
			}
		})
	}
}

func TestRefreshTransientFailureKeepsSession(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	st := store.NewMemoryStore()
	if err := st.SetAccessToken("access-old"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetRefreshToken("refresh-1"); err != nil {
		t.Fatal(err)
	}
	client := NewClient(testConfig(srv.URL), st, nil)

	token, err := client.RefreshAccessToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v, want soft failure", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
	if st.RefreshToken() != "refresh-1" {
		t.Error("refresh token dropped on a transient failure")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		writeTokens(w, "access-2", "refresh-2")
	})

	client := NewClient(testConfig(srv.URL), store.NewMemoryStore(), nil)
	token, err := client.RefreshAccessToken(context.Background())
	if err != nil || token != "" {
		t.Fatalf("RefreshAccessToken() = (%q, %v), want empty soft failure", token, err)
	}
	if hits.Load() != 0 {
		t.Errorf("token endpoint hit %d times, want 0", hits.Load())
	}
}

func TestLogoutClearsAndNavigatesHome(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	if err := st.SetAccessToken("access-1"); err != nil {
		t.Fatal(err)
	}
	nav := &recordingNavigator{}
	client := NewClient(testConfig("https://id.example.com"), st, nav)

	if err := client.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if st.IsAuthenticated() {
		t.Error("session survived logout")
	}
	if nav.homes() != 1 {
		t.Errorf("NavigateHome called %d times, want 1", nav.homes())
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	client := NewClient(testConfig("https://id.example.com"), st, nil)

	extra := http.Header{"Content-Type": {"application/json"}}
	headers := client.AuthHeaders(extra)
	if got := headers.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q without a token", got)
	}

	if err := st.SetAccessToken("access-1"); err != nil {
		t.Fatal(err)
	}
	headers = client.AuthHeaders(extra)
	if got := headers.Get("Authorization"); got != "Bearer access-1" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
	if got := headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("extra header lost: Content-Type = %q", got)
	}
	if extra.Get("Authorization") != "" {
		t.Error("input headers mutated")
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	client := NewClient(testConfig("https://id.example.com"), st, nil)

	if _, err := client.BuildAuthorizationURL(); err == nil {
		t.Fatal("BuildAuthorizationURL() succeeded without a resource scope")
	}

	if err := st.SetResourceScope("scope_resource_abc"); err != nil {
		t.Fatal(err)
	}
	raw, err := client.BuildAuthorizationURL()
	if err != nil {
		t.Fatalf("BuildAuthorizationURL() error = %v", err)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorization URL: %v", err)
	}
	if parsed.Path != "/realms/demo/protocol/openid-connect/auth" {
		t.Errorf("path = %q", parsed.Path)
	}
	q := parsed.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "client-demo" {
		t.Errorf("unexpected core params: %v", q)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if !strings.HasSuffix(q.Get("scope"), " scope_resource_abc") {
		t.Errorf("resource scope not appended: %q", q.Get("scope"))
	}
	if !strings.HasPrefix(q.Get("scope"), "openid email profile roles") {
		t.Errorf("base scopes missing: %q", q.Get("scope"))
	}

	txn := st.PKCETransaction()
	if txn.State != q.Get("state") {
		t.Errorf("recorded state %q does not match URL state %q", txn.State, q.Get("state"))
	}
	if txn.CodeVerifier == "" {
		t.Error("verifier not recorded")
	}
	if q.Get("code_challenge") == txn.CodeVerifier {
		t.Error("challenge equals verifier, expected S256 transform")
	}
}
