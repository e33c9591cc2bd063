package router

import (
	"errors"
	"fmt"
)

// UnroutableError reports an event no strategy could place.
type UnroutableError struct {
	EventType     string
	CorrelationID string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("no route for event %q (correlation %s)", e.EventType, e.CorrelationID)
}

func IsUnroutable(err error) bool {
	var ue *UnroutableError
	return errors.As(err, &ue)
}
