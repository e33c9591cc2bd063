package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentalon/conductor/pkg/agentwire"
)

const maxIdleConns = 4

// Socket talks to an agent over the length-prefixed JSON protocol. Each
// call borrows a connection so concurrent calls do not queue behind each
// other.
type Socket struct {
	network string
	address string
	caps    agentwire.CapabilitiesMsg
	seq     atomic.Uint64

	mu     sync.Mutex
	idle   []net.Conn
	closed bool
}

// DialSocket connects to an agent and fetches its capabilities.
func DialSocket(ctx context.Context, network, address string) (*Socket, error) {
	s := &Socket{network: network, address: address}
	var resp agentwire.Response
	if err := s.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodCapabilities}, &resp); err != nil {
		return nil, fmt.Errorf("dial agent at %s://%s: %w", network, address, err)
	}
	if resp.Caps == nil {
		return nil, fmt.Errorf("agent at %s://%s returned empty capabilities", network, address)
	}
	s.caps = *resp.Caps
	return s, nil
}

// Capabilities returns the self-description fetched at dial time.
func (s *Socket) Capabilities() agentwire.CapabilitiesMsg { return s.caps }

func (s *Socket) Describe(ctx context.Context) (agentwire.CapabilitiesMsg, error) {
	var resp agentwire.Response
	if err := s.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodCapabilities}, &resp); err != nil {
		return agentwire.CapabilitiesMsg{}, err
	}
	if resp.Caps == nil {
		return agentwire.CapabilitiesMsg{}, errors.New("agent returned empty capabilities")
	}
	return *resp.Caps, nil
}

func (s *Socket) Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	req := agentwire.Request{
		Method:  agentwire.MethodHandle,
		ID:      fmt.Sprintf("call-%d", s.seq.Add(1)),
		Action:  action,
		Payload: payload,
	}
	var resp agentwire.Response
	if err := s.roundTrip(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Output, nil
}

func (s *Socket) CanHandle(ctx context.Context, eventType string) (bool, error) {
	var resp agentwire.Response
	if err := s.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodCanHandle, EventType: eventType}, &resp); err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, errors.New(resp.Error)
	}
	return resp.Handles, nil
}

func (s *Socket) Ping(ctx context.Context) error {
	var resp agentwire.Response
	if err := s.roundTrip(ctx, agentwire.Request{Method: agentwire.MethodPing}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.idle {
		_ = c.Close()
	}
	s.idle = nil
	return nil
}

// roundTrip sends req and reads one response. Cancelling ctx closes the
// connection, which unblocks the read.
func (s *Socket) roundTrip(ctx context.Context, req agentwire.Request, resp *agentwire.Response) error {
	conn, err := s.get(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	err = agentwire.WriteMessage(conn, &req)
	if err == nil {
		err = agentwire.ReadMessage(conn, resp)
	}
	if !stop() || err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	s.put(conn)
	return nil
}

func (s *Socket) get(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, net.ErrClosed
	}
	if n := len(s.idle); n > 0 {
		c := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	d := net.Dialer{Timeout: defaultDialTimeout}
	return d.DialContext(ctx, s.network, s.address)
}

func (s *Socket) put(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.idle) >= maxIdleConns {
		_ = c.Close()
		return
	}
	s.idle = append(s.idle, c)
}
