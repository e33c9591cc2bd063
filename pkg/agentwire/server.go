package agentwire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler is implemented by agent authors.
type Handler interface {
	Capabilities() CapabilitiesMsg
	Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error)
}

// Discoverer is optionally implemented by handlers that answer discovery
// queries. Handlers without it never claim an event.
type Discoverer interface {
	CanHandle(ctx context.Context, eventType string) (bool, error)
}

// Serve starts a Unix socket listener and serves requests using the given
// handler. It prints the handshake line to stdout so a supervisor can
// discover the socket. This function blocks until the listener is closed.
func Serve(handler Handler) error {
	sockDir, err := os.MkdirTemp("", "conductor-agent-*")
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	sockPath := filepath.Join(sockDir, "agent.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()
	defer func() { _ = os.RemoveAll(sockDir) }()

	hs := Handshake{Version: HandshakeVersion, Network: "unix", Address: sockPath}
	if _, err := fmt.Fprintln(os.Stdout, hs.String()); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return ServeListener(ln, handler)
}

// ServeListener accepts connections on ln until it is closed.
func ServeListener(ln net.Listener, handler Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go ServeConnection(handler, conn)
	}
}

// ServeConnection answers requests on one connection until it breaks.
func ServeConnection(handler Handler, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return // connection closed or broken
		}
		resp := Dispatch(ctx, handler, req)
		if err := WriteMessage(conn, &resp); err != nil {
			log.Printf("agent server: write response: %v", err)
			return
		}
	}
}

// Dispatch answers a single request. Transports share it.
func Dispatch(ctx context.Context, handler Handler, req Request) Response {
	resp := Response{CallID: req.ID}
	switch req.Method {
	case MethodCapabilities:
		caps := handler.Capabilities()
		resp.Caps = &caps
	case MethodHandle:
		out, err := handler.Handle(ctx, req.Action, req.Payload)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Output = out
	case MethodCanHandle:
		if d, ok := handler.(Discoverer); ok {
			handles, err := d.CanHandle(ctx, req.EventType)
			if err != nil {
				resp.Error = err.Error()
				break
			}
			resp.Handles = handles
		}
	case MethodPing:
	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
	return resp
}

// WebSocketHandler serves the protocol over WebSocket, one JSON request
// and one JSON response per frame.
func WebSocketHandler(handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("agent server: websocket accept: %v", err)
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		for {
			var req Request
			if err := wsjson.Read(ctx, c, &req); err != nil {
				return
			}
			if err := wsjson.Write(ctx, c, Dispatch(ctx, handler, req)); err != nil {
				log.Printf("agent server: websocket write: %v", err)
				return
			}
		}
	})
}
