package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := SinkFunc(func(_ context.Context, _ string, _ map[string]any) error {
		calls++
		return nil
	})
	bad := SinkFunc(func(_ context.Context, _ string, _ map[string]any) error {
		calls++
		return errors.New("smtp down")
	})

	err := Multi{ok, bad, ok}.Notify(context.Background(), "welcome", nil)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want every sink to be tried", calls)
	}
	if err := (Multi{ok}).Notify(context.Background(), "welcome", nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLogSink(t *testing.T) {
	if err := (LogSink{}).Notify(context.Background(), "welcome", map[string]any{"email": "a@b.com"}); err != nil {
		t.Fatal(err)
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, sink.Channel("booking_confirmation"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sink.Notify(ctx, "booking_confirmation", map[string]any{"booking_id": "b-1"}); err != nil {
		t.Fatal(err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != "conductor:notify:booking_confirmation" {
		t.Errorf("channel = %q", msg.Channel)
	}
	var body Message
	if err := json.Unmarshal([]byte(msg.Payload), &body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != "booking_confirmation" || body.Payload["booking_id"] != "b-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestRedisSinkError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := NewRedisSink(client, "x:").Notify(ctx, "k", nil); err == nil {
		t.Error("expected publish error with redis down")
	}
}
