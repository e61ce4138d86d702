package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPBridge talks to the counterpart application directly over HTTP. It
// serves setups where the application is reachable without the browser
// extension relay, for example a local server during development.
type HTTPBridge struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBridge creates a direct HTTP transport rooted at baseURL. The
// supplied client carries proxy configuration; a nil client falls back to a
// default with a conservative timeout on non-streaming calls.
func NewHTTPBridge(baseURL string, httpClient *http.Client) *HTTPBridge {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPBridge{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Ready reports whether the transport is usable. The direct transport has no
// connection to establish, so it is ready whenever a base URL is configured.
func (b *HTTPBridge) Ready() bool {
	return b.baseURL != ""
}

func (b *HTTPBridge) newRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (*http.Request, error) {
	if !b.Ready() {
		return nil, &UnavailableError{Reason: "base url not configured"}
	}
	endpoint := b.baseURL + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SendAPIRequest performs the request and returns the complete response.
// Non-2xx statuses are still responses, not errors; only transport failures
// surface as errors.
func (b *HTTPBridge) SendAPIRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	req, err := b.newRequest(ctx, method, path, body, headers)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: respBody}, nil
}

// SendStreamRequest performs the request and yields the response line by
// line, matching the chunk granularity of the relay transport.
func (b *HTTPBridge) SendStreamRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (<-chan StreamEvent, error) {
	req, err := b.newRequest(ctx, method, path, body, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("request failed: %v", err)}
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer func() {
			if errClose := resp.Body.Close(); errClose != nil {
				log.Errorf("failed to close response body: %v", errClose)
			}
		}()
		send := func(ev StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- ev:
				return true
			}
		}
		if !send(StreamEvent{Type: MessageTypeStreamStart, Status: resp.StatusCode, Headers: resp.Header}) {
			return
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			chunk := make([]byte, len(line))
			copy(chunk, line)
			if !send(StreamEvent{Type: MessageTypeStreamChunk, Payload: chunk}) {
				return
			}
		}
		if errScan := scanner.Err(); errScan != nil {
			_ = send(StreamEvent{Type: MessageTypeError, Err: &RequestError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("stream read: %v", errScan)}})
			return
		}
		_ = send(StreamEvent{Type: MessageTypeStreamEnd})
	}()
	return out, nil
}
