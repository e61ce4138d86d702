package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
	maxInboundMessage = 64 << 20 // 64 MiB
	heartbeatInterval = 30 * time.Second
)

var errSessionClosed = errors.New("websocket session closed")

// envelope is the JSON payload exchanged with the relay endpoint.
type envelope struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// pendingRequest carries correlated replies to one in-flight request. ch is
// never closed; done signals that no further replies will arrive. Receivers
// must drain ch after done fires so a terminal reply queued just before
// completion is not lost.
type pendingRequest struct {
	ch        chan envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{ch: make(chan envelope, 8), done: make(chan struct{})}
}

func (pr *pendingRequest) close() {
	if pr == nil {
		return
	}
	pr.closeOnce.Do(func() {
		close(pr.done)
	})
}

// WSBridge relays HTTP-style requests over a websocket connection to the
// extension host, matching the browser extension's message envelope: an
// http_request goes out, http_response or stream_start/chunk/end events come
// back correlated by message ID.
type WSBridge struct {
	url        string
	conn       *websocket.Conn
	closed     chan struct{}
	closeOnce  sync.Once
	writeMutex sync.Mutex
	pending    sync.Map // map[string]*pendingRequest
	mu         sync.Mutex
	connected  bool
}

// NewWSBridge creates a bridge that will dial the given websocket URL.
func NewWSBridge(url string) *WSBridge {
	return &WSBridge{url: url, closed: make(chan struct{})}
}

// Connect dials the relay endpoint and starts the read loop and heartbeat.
func (b *WSBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		if resp != nil {
			return &UnavailableError{Reason: fmt.Sprintf("dial %s: status %d", b.url, resp.StatusCode)}
		}
		return &UnavailableError{Reason: fmt.Sprintf("dial %s: %v", b.url, err)}
	}
	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	b.conn = conn
	b.connected = true
	go b.readLoop()
	go b.heartbeat()
	log.Debugf("bridge connected to %s", b.url)
	return nil
}

// Ready reports whether the relay connection is established.
func (b *WSBridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Close tears the connection down and fails all pending requests.
func (b *WSBridge) Close() error {
	b.cleanup(errSessionClosed)
	return nil
}

func (b *WSBridge) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			b.writeMutex.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
			b.writeMutex.Unlock()
			if err != nil {
				b.cleanup(err)
				return
			}
		}
	}
}

func (b *WSBridge) readLoop() {
	defer b.cleanup(errSessionClosed)
	for {
		var msg envelope
		if err := b.conn.ReadJSON(&msg); err != nil {
			b.cleanup(err)
			return
		}
		b.dispatch(msg)
	}
}

func (b *WSBridge) dispatch(msg envelope) {
	if msg.Type == MessageTypePing {
		_ = b.send(envelope{ID: msg.ID, Type: MessageTypePong})
		return
	}
	if value, ok := b.pending.Load(msg.ID); ok {
		req := value.(*pendingRequest)
		// Block until the consumer takes the message so a slow consumer
		// backpressures the read loop instead of losing stream chunks.
		select {
		case req.ch <- msg:
		case <-req.done:
		case <-b.closed:
		}
		if msg.Type == MessageTypeHTTPResp || msg.Type == MessageTypeError || msg.Type == MessageTypeStreamEnd {
			if actual, loaded := b.pending.LoadAndDelete(msg.ID); loaded {
				actual.(*pendingRequest).close()
			}
		}
		return
	}
	if msg.Type == MessageTypeHTTPResp || msg.Type == MessageTypeError || msg.Type == MessageTypeStreamEnd {
		log.Debugf("bridge: received terminal message for unknown id %s", msg.ID)
	}
}

func (b *WSBridge) send(msg envelope) error {
	select {
	case <-b.closed:
		return errSessionClosed
	default:
	}
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// request registers a pending slot, sends the envelope, and returns the slot
// carrying correlated replies.
func (b *WSBridge) request(ctx context.Context, msg envelope) (*pendingRequest, error) {
	if !b.Ready() {
		return nil, &UnavailableError{Reason: "not connected"}
	}
	req := newPendingRequest()
	if _, loaded := b.pending.LoadOrStore(msg.ID, req); loaded {
		return nil, fmt.Errorf("bridge: duplicate message id %s", msg.ID)
	}
	if err := b.send(msg); err != nil {
		if actual, loaded := b.pending.LoadAndDelete(msg.ID); loaded {
			actual.(*pendingRequest).close()
		}
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			if actual, loaded := b.pending.LoadAndDelete(msg.ID); loaded {
				actual.(*pendingRequest).close()
			}
		case <-req.done:
		case <-b.closed:
		}
	}()
	return req, nil
}

// SendAPIRequest relays a request and waits for the complete response.
func (b *WSBridge) SendAPIRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	msg := envelope{ID: uuid.NewString(), Type: MessageTypeHTTPReq, Payload: encodeRequest(method, path, body, headers)}
	req, err := b.request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var chunks []byte
	streamMode := false
	var streamResp *Response
	settled := false
	for {
		var msg envelope
		ok := false
		if settled {
			// done already fired; take whatever is still queued.
			select {
			case msg = <-req.ch:
				ok = true
			default:
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case msg = <-req.ch:
				ok = true
			case <-req.done:
				settled = true
				continue
			}
		}
		if !ok {
			if streamMode {
				streamResp.Body = chunks
				return streamResp, nil
			}
			return nil, &RequestError{Message: "connection closed during response"}
		}
		switch msg.Type {
		case MessageTypeHTTPResp:
			return decodeResponse(msg.Payload), nil
		case MessageTypeError:
			return nil, decodeError(msg.Payload)
		case MessageTypeStreamStart:
			streamMode = true
			streamResp = decodeResponse(msg.Payload)
		case MessageTypeStreamChunk:
			if !streamMode {
				streamMode = true
				streamResp = &Response{Status: http.StatusOK, Headers: make(http.Header)}
			}
			chunks = append(chunks, decodeChunk(msg.Payload)...)
		case MessageTypeStreamEnd:
			if streamResp == nil {
				streamResp = &Response{Status: http.StatusOK, Headers: make(http.Header)}
			}
			streamResp.Body = chunks
			return streamResp, nil
		}
	}
}

// SendStreamRequest relays a request and yields stream events as they arrive.
func (b *WSBridge) SendStreamRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (<-chan StreamEvent, error) {
	msg := envelope{ID: uuid.NewString(), Type: MessageTypeHTTPReq, Payload: encodeRequest(method, path, body, headers)}
	req, err := b.request(ctx, msg)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		send := func(ev StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- ev:
				return true
			}
		}
		// forward returns false once the stream is finished.
		forward := func(msg envelope) bool {
			switch msg.Type {
			case MessageTypeStreamStart:
				resp := decodeResponse(msg.Payload)
				return send(StreamEvent{Type: MessageTypeStreamStart, Status: resp.Status, Headers: resp.Headers})
			case MessageTypeStreamChunk:
				return send(StreamEvent{Type: MessageTypeStreamChunk, Payload: decodeChunk(msg.Payload)})
			case MessageTypeStreamEnd:
				_ = send(StreamEvent{Type: MessageTypeStreamEnd})
				return false
			case MessageTypeError:
				_ = send(StreamEvent{Type: MessageTypeError, Err: decodeError(msg.Payload)})
				return false
			case MessageTypeHTTPResp:
				resp := decodeResponse(msg.Payload)
				_ = send(StreamEvent{Type: MessageTypeHTTPResp, Status: resp.Status, Headers: resp.Headers, Payload: resp.Body})
				return false
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-req.ch:
				if !forward(msg) {
					return
				}
			case <-req.done:
				// Drain replies queued before completion.
				for {
					select {
					case msg := <-req.ch:
						if !forward(msg) {
							return
						}
					default:
						_ = send(StreamEvent{Type: MessageTypeError, Err: &RequestError{Message: "stream closed"}})
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (b *WSBridge) cleanup(cause error) {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		b.connected = false
		conn := b.conn
		b.mu.Unlock()
		b.pending.Range(func(key, value any) bool {
			req := value.(*pendingRequest)
			msg := envelope{ID: key.(string), Type: MessageTypeError, Payload: map[string]any{"error": cause.Error()}}
			select {
			case req.ch <- msg:
			default:
			}
			req.close()
			return true
		})
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func encodeRequest(method, path string, body []byte, headers http.Header) map[string]any {
	encoded := make(map[string]any, len(headers))
	for key, values := range headers {
		copyValues := make([]string, len(values))
		copy(copyValues, values)
		encoded[key] = copyValues
	}
	return map[string]any{
		"method":  method,
		"url":     path,
		"headers": encoded,
		"body":    string(body),
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func decodeResponse(payload map[string]any) *Response {
	if payload == nil {
		return &Response{Status: http.StatusBadGateway, Headers: make(http.Header)}
	}
	resp := &Response{Status: http.StatusOK, Headers: make(http.Header)}
	if status, ok := payload["status"].(float64); ok {
		resp.Status = int(status)
	}
	if headers, ok := payload["headers"].(map[string]any); ok {
		for key, raw := range headers {
			switch v := raw.(type) {
			case []any:
				for _, item := range v {
					if str, ok := item.(string); ok {
						resp.Headers.Add(key, str)
					}
				}
			case string:
				resp.Headers.Set(key, v)
			}
		}
	}
	if body, ok := payload["body"].(string); ok {
		resp.Body = []byte(body)
	}
	return resp
}

func decodeChunk(payload map[string]any) []byte {
	if payload == nil {
		return nil
	}
	if data, ok := payload["data"].(string); ok {
		return []byte(data)
	}
	return nil
}

func decodeError(payload map[string]any) error {
	if payload == nil {
		return &RequestError{Message: "unknown error"}
	}
	message, _ := payload["error"].(string)
	if message == "" {
		message = "upstream error"
	}
	status := 0
	if v, ok := payload["status"].(float64); ok {
		status = int(v)
	}
	return &RequestError{StatusCode: status, Message: message}
}
