package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackServer runs the loopback HTTP server that receives the identity
// provider redirect during a CLI login. It captures the callback URL and
// hands it to the waiting flow over a channel.
type CallbackServer struct {
	server     *http.Server
	port       int
	path       string
	resultChan chan *url.URL
	errorChan  chan error
	mu         sync.Mutex
	running    bool
}

// NewCallbackServer creates a callback server for the given port and
// callback path. The path must match the registered redirect URI.
func NewCallbackServer(port int, path string) *CallbackServer {
	return &CallbackServer{
		port:       port,
		path:       path,
		resultChan: make(chan *url.URL, 1),
		errorChan:  make(chan error, 1),
	}
}

// Start begins listening for the redirect.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on callback port %d: %w", s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errorChan <- fmt.Errorf("callback server failed: %w", err)
		}
	}()

	log.Debugf("callback server listening on port %d", s.port)
	return nil
}

// Stop shuts the server down gracefully.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// WaitForCallback blocks until the redirect arrives, the server fails or
// the timeout elapses. The returned URL carries the raw callback query.
func (s *CallbackServer) WaitForCallback(timeout time.Duration) (*url.URL, error) {
	select {
	case u := <-s.resultChan:
		return u, nil
	case err := <-s.errorChan:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for login callback")
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	log.Debug("login callback received")
	captured := *r.URL

	select {
	case s.resultChan <- &captured:
	default:
		log.Warn("callback already captured, duplicate redirect ignored")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(callbackReceivedHTML)); err != nil {
		log.Errorf("failed to write callback page: %v", err)
	}
}

const callbackReceivedHTML = `<!DOCTYPE html>
<html>
<head><title>Login</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h2>Login received</h2>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`
