package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleCallbackCapturesURL(t *testing.T) {
	t.Parallel()

	srv := NewCallbackServer(0, "/bodhi/auth/callback")
	req := httptest.NewRequest(http.MethodGet, "/bodhi/auth/callback?code=ABC&state=S1", nil)
	rec := httptest.NewRecorder()
	srv.handleCallback(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	u, err := srv.WaitForCallback(time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback() error = %v", err)
	}
	params := ParseCallbackParams(u)
	if params.Code != "ABC" || params.State != "S1" {
		t.Errorf("params = %+v", params)
	}
}

func TestHandleCallbackDuplicateRedirectIgnored(t *testing.T) {
	t.Parallel()

	srv := NewCallbackServer(0, "/bodhi/auth/callback")
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.handleCallback(rec, httptest.NewRequest(http.MethodGet, "/bodhi/auth/callback?code=ABC&state=S1", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("redirect %d status = %d", i, rec.Code)
		}
	}

	if _, err := srv.WaitForCallback(time.Second); err != nil {
		t.Fatalf("first WaitForCallback() error = %v", err)
	}
	if _, err := srv.WaitForCallback(50 * time.Millisecond); err == nil {
		t.Fatal("duplicate redirect produced a second result")
	}
}

func TestHandleCallbackRejectsNonGet(t *testing.T) {
	t.Parallel()

	srv := NewCallbackServer(0, "/bodhi/auth/callback")
	rec := httptest.NewRecorder()
	srv.handleCallback(rec, httptest.NewRequest(http.MethodPost, "/bodhi/auth/callback", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}
