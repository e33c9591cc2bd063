package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/opentalon/conductor/pkg/agentwire"
)

// WebSocket opens one connection per call and exchanges a single JSON
// request and response over it.
type WebSocket struct {
	url string
	seq atomic.Uint64
}

func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url}
}

func (w *WebSocket) Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	resp, err := w.roundTrip(ctx, agentwire.Request{
		Method:  agentwire.MethodHandle,
		ID:      fmt.Sprintf("call-%d", w.seq.Add(1)),
		Action:  action,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return resp.Output, nil
}

func (w *WebSocket) CanHandle(ctx context.Context, eventType string) (bool, error) {
	resp, err := w.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodCanHandle, EventType: eventType})
	if err != nil {
		return false, err
	}
	return resp.Handles, nil
}

func (w *WebSocket) Ping(ctx context.Context) error {
	_, err := w.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodPing})
	return err
}

func (w *WebSocket) Describe(ctx context.Context) (agentwire.CapabilitiesMsg, error) {
	resp, err := w.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodCapabilities})
	if err != nil {
		return agentwire.CapabilitiesMsg{}, err
	}
	if resp.Caps == nil {
		return agentwire.CapabilitiesMsg{}, errors.New("agent returned empty capabilities")
	}
	return *resp.Caps, nil
}

func (w *WebSocket) Close() error { return nil }

func (w *WebSocket) roundTrip(ctx context.Context, req agentwire.Request) (agentwire.Response, error) {
	c, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return agentwire.Response{}, fmt.Errorf("websocket dial %s: %w", w.url, err)
	}
	defer c.CloseNow()

	if err := wsjson.Write(ctx, c, req); err != nil {
		return agentwire.Response{}, fmt.Errorf("websocket write: %w", err)
	}
	var resp agentwire.Response
	if err := wsjson.Read(ctx, c, &resp); err != nil {
		return agentwire.Response{}, fmt.Errorf("websocket read: %w", err)
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}
