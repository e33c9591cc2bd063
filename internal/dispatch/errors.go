package dispatch

import (
	"errors"
	"fmt"
	"time"
)

type TimeoutError struct {
	AgentID string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %q timed out after %s", e.AgentID, e.Timeout)
}

// AgentError wraps a failure reported by (or while reaching) an agent.
type AgentError struct {
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %q: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

var ErrUnknownAgent = errors.New("agent not registered")

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsAgentError(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae)
}
