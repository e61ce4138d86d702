// Package bridge defines the transport contract used to reach the counterpart
// application and ships two implementations: a websocket relay client and a
// direct HTTP transport. All transport failures are normalized into a single
// error shape at this boundary so the layers above can classify them without
// duck-typing.
package bridge

import (
	"context"
	"fmt"
	"net/http"
)

// Message type identifiers for the websocket relay envelope.
const (
	// MessageTypeHTTPReq identifies an HTTP-style request envelope.
	MessageTypeHTTPReq = "http_request"
	// MessageTypeHTTPResp identifies a non-streaming HTTP response envelope.
	MessageTypeHTTPResp = "http_response"
	// MessageTypeStreamStart marks the beginning of a streaming response.
	MessageTypeStreamStart = "stream_start"
	// MessageTypeStreamChunk carries a streaming response chunk.
	MessageTypeStreamChunk = "stream_chunk"
	// MessageTypeStreamEnd marks the completion of a streaming response.
	MessageTypeStreamEnd = "stream_end"
	// MessageTypeError carries an error response.
	MessageTypeError = "error"
	// MessageTypePing represents ping messages.
	MessageTypePing = "ping"
	// MessageTypePong represents pong responses.
	MessageTypePong = "pong"
)

// Response captures an HTTP-style response relayed back through the bridge.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// StreamEvent represents one event of a streaming response.
type StreamEvent struct {
	// Type is one of the MessageTypeStream* constants or MessageTypeError.
	Type string
	// Status and Headers are populated on the stream_start event.
	Status  int
	Headers http.Header
	// Payload carries chunk bytes.
	Payload []byte
	// Err is set on error events.
	Err error
}

// Bridge sends authenticated HTTP-like requests through the counterpart
// application. Detection and readiness of the underlying transport belong to
// the implementation; callers observe only Ready.
type Bridge interface {
	// Ready reports whether the transport is connected and able to relay.
	Ready() bool
	// SendAPIRequest relays a request and waits for the complete response.
	SendAPIRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error)
	// SendStreamRequest relays a request and yields response events as they
	// arrive. The returned channel is closed when the stream ends.
	SendStreamRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (<-chan StreamEvent, error)
}

// RequestError is the normalized failure shape for bridge operations. Every
// transport converts its own errors into this type so 401 classification has
// exactly one shape to inspect.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "bridge: request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("bridge: %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("bridge: %s", e.Message)
}

// UnavailableError indicates the bridge transport is not ready. It is
// retryable by UI layers only, never by the auth core.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	if e == nil || e.Reason == "" {
		return "bridge: extension transport unavailable"
	}
	return fmt.Sprintf("bridge: extension transport unavailable: %s", e.Reason)
}
