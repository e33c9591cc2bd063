package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
)

// Sink receives fire-and-forget side effects such as "send notification"
// workflow steps.
type Sink interface {
	Notify(ctx context.Context, kind string, payload map[string]any) error
}

type SinkFunc func(ctx context.Context, kind string, payload map[string]any) error

func (f SinkFunc) Notify(ctx context.Context, kind string, payload map[string]any) error {
	return f(ctx, kind, payload)
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, kind string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	log.Printf("notify: %s %s", kind, data)
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, kind string, payload map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
