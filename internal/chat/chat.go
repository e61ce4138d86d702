// Package chat drives streaming chat completions through the authenticated
// API client. It builds the request payload, consumes the server-sent event
// stream and assembles the reply while invoking a delta callback per chunk.
// Token refresh and retry on 401 come from the layer below.
package chat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bodhiapp/bridgeauth/internal/bridge"
)

const completionsPath = "/bodhi/v1/chat/completions"

// Streamer is the slice of the authenticated API client the chat client
// needs.
type Streamer interface {
	SendStreamRequest(ctx context.Context, method, path string, body []byte, headers http.Header) (<-chan bridge.StreamEvent, error)
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client sends chat completion requests.
type Client struct {
	streamer Streamer
	model    string
}

// NewClient creates a chat client for the given model identifier.
func NewClient(streamer Streamer, model string) *Client {
	return &Client{streamer: streamer, model: model}
}

// buildPayload assembles the completion request body.
func (c *Client) buildPayload(messages []Message) ([]byte, error) {
	payload, err := sjson.Set("", "model", c.model)
	if err != nil {
		return nil, fmt.Errorf("build chat payload: %w", err)
	}
	payload, err = sjson.Set(payload, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("build chat payload: %w", err)
	}
	for i, msg := range messages {
		payload, err = sjson.Set(payload, fmt.Sprintf("messages.%d.role", i), msg.Role)
		if err != nil {
			return nil, fmt.Errorf("build chat payload: %w", err)
		}
		payload, err = sjson.Set(payload, fmt.Sprintf("messages.%d.content", i), msg.Content)
		if err != nil {
			return nil, fmt.Errorf("build chat payload: %w", err)
		}
	}
	return []byte(payload), nil
}

// Complete sends the conversation and streams the reply. onDelta is invoked
// for every content fragment as it arrives; it may be nil. The assembled
// reply is returned once the stream ends.
func (c *Client) Complete(ctx context.Context, messages []Message, onDelta func(delta string)) (string, error) {
	payload, err := c.buildPayload(messages)
	if err != nil {
		return "", err
	}

	headers := http.Header{"Content-Type": {"application/json"}}
	events, err := c.streamer.SendStreamRequest(ctx, http.MethodPost, completionsPath, payload, headers)
	if err != nil {
		return "", fmt.Errorf("start chat stream: %w", err)
	}

	var reply strings.Builder
	for event := range events {
		switch event.Type {
		case bridge.MessageTypeStreamStart:
			if event.Status >= 300 {
				go drain(events)
				return "", &bridge.RequestError{StatusCode: event.Status, Message: "chat request rejected"}
			}
		case bridge.MessageTypeHTTPResp:
			// The relay answered with a complete response instead of a
			// stream; its body is the whole reply.
			if event.Status >= 300 {
				go drain(events)
				return "", &bridge.RequestError{StatusCode: event.Status, Message: "chat request rejected"}
			}
			for _, delta := range parseDeltas(event.Payload) {
				reply.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
		case bridge.MessageTypeStreamChunk:
			for _, delta := range parseDeltas(event.Payload) {
				reply.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
		case bridge.MessageTypeError:
			go drain(events)
			if event.Err != nil {
				return "", fmt.Errorf("chat stream failed: %w", event.Err)
			}
			return "", fmt.Errorf("chat stream failed")
		case bridge.MessageTypeStreamEnd:
			log.Debug("chat stream ended")
		}
	}
	return reply.String(), nil
}

func drain(events <-chan bridge.StreamEvent) {
	for range events {
	}
}

// parseDeltas extracts content fragments from one SSE chunk. A chunk can
// carry several data lines; [DONE] and unparseable lines are skipped.
func parseDeltas(chunk []byte) []string {
	var deltas []string
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		if delta := gjson.GetBytes(data, "choices.0.delta.content"); delta.Exists() {
			deltas = append(deltas, delta.String())
		}
	}
	return deltas
}
