package comfyui

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// eventData is the union of the payloads ComfyUI pushes over /ws
type eventData struct {
	PromptID         string  `json:"prompt_id"`
	Node             *string `json:"node"`
	Value            int     `json:"value"`
	Max              int     `json:"max"`
	NodeType         string  `json:"node_type"`
	ExceptionMessage string  `json:"exception_message"`
}

func (d eventData) message() string {
	msg := strings.TrimSpace(d.ExceptionMessage)
	if msg == "" {
		msg = "execution failed"
	}
	if d.NodeType != "" {
		return d.NodeType + ": " + msg
	}
	return msg
}

type event struct {
	Type string `json:"type"`
	eventData
}

func (e event) Message() string { return e.eventData.message() }

type wireEvent struct {
	Type string    `json:"type"`
	Data eventData `json:"data"`
}

// subscribe opens the push channel for clientID. It returns nil when the worker
// does not accept the websocket, in which case the caller polls from the start.
// The channel is closed when the connection drops or ctx is done.
func (c *Client) subscribe(ctx context.Context, endpoint, clientID string) <-chan event {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.log.Debug("Push channel unavailable", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}

	events := make(chan event, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	go func() {
		defer close(events)
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// binary frames carry previews
			if kind != websocket.TextMessage {
				continue
			}
			var w wireEvent
			if err := json.Unmarshal(data, &w); err != nil {
				continue
			}
			select {
			case events <- event{Type: w.Type, eventData: w.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}
