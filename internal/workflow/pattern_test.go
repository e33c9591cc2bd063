package workflow

import (
	"testing"
	"time"
)

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailurePolicy{Kind: FailAbort}, false},
		{"abort", FailurePolicy{Kind: FailAbort}, false},
		{"Skip", FailurePolicy{Kind: FailSkip}, false},
		{"compensate", FailurePolicy{Kind: FailCompensate}, false},
		{"retry(3)", FailurePolicy{Kind: FailRetry, Retries: 3}, false},
		{" retry(1) ", FailurePolicy{Kind: FailRetry, Retries: 1}, false},
		{"retry(0)", FailurePolicy{}, true},
		{"retry(x)", FailurePolicy{}, true},
		{"retry", FailurePolicy{}, true},
		{"ignore", FailurePolicy{}, true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFailurePolicyString(t *testing.T) {
	if s := (FailurePolicy{Kind: FailRetry, Retries: 2}).String(); s != "retry(2)" {
		t.Errorf("String() = %q", s)
	}
	if s := (FailurePolicy{}).String(); s != "abort" {
		t.Errorf("zero policy String() = %q, want abort", s)
	}
}

const bookingYAML = `
name: booking_fulfillment
description: confirm a booking end to end
triggers: [booking.created]
steps:
  - id: reserve
    capability: booking_management
    action: reserve_slot
    on_failure: retry(2)
    timeout: 5s
  - id: charge
    capability: payments
    action: charge
    depends_on: [reserve]
    on_failure: compensate
    compensation:
      action: refund
  - id: confirm
    notify:
      kind: email
      payload:
        template: booking_confirmed
    depends_on: [charge]
    delay: 1m
    when: steps.charge.status == "success"
`

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern([]byte(bookingYAML))
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "booking_fulfillment" || p.Version != 1 {
		t.Errorf("name/version = %s/%d", p.Name, p.Version)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(p.Steps))
	}
	reserve, _ := p.Step("reserve")
	if reserve.OnFailure != (FailurePolicy{Kind: FailRetry, Retries: 2}) {
		t.Errorf("reserve on_failure = %+v", reserve.OnFailure)
	}
	if reserve.Timeout != 5*time.Second {
		t.Errorf("reserve timeout = %s", reserve.Timeout)
	}
	charge, _ := p.Step("charge")
	if charge.Compensation == nil || charge.Compensation.Action != "refund" {
		t.Errorf("charge compensation = %+v", charge.Compensation)
	}
	confirm, _ := p.Step("confirm")
	if confirm.Notify == nil || confirm.Notify.Kind != "email" {
		t.Errorf("confirm notify = %+v", confirm.Notify)
	}
	if confirm.Delay != time.Minute || confirm.Condition == "" {
		t.Errorf("confirm delay/when = %s/%q", confirm.Delay, confirm.Condition)
	}
	if confirm.OnFailure.Kind != FailAbort {
		t.Errorf("default on_failure = %s, want abort", confirm.OnFailure)
	}
	if err := Validate(p, map[string]bool{"booking_management": true, "payments": true}); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParsePatternRejectsBadPolicy(t *testing.T) {
	_, err := ParsePattern([]byte("name: x\nsteps:\n  - id: a\n    on_failure: sometimes\n"))
	if err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestPatternCapabilities(t *testing.T) {
	p, err := ParsePattern([]byte(bookingYAML))
	if err != nil {
		t.Fatal(err)
	}
	got := p.Capabilities()
	if len(got) != 2 || got[0] != "booking_management" || got[1] != "payments" {
		t.Errorf("Capabilities() = %v", got)
	}
}
