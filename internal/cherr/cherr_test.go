package cherr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validationf("bad input"), false},
		{"unauthorized", Unauthorizedf("bad signature"), false},
		{"wrapped validation", fmt.Errorf("outer: %w", Validationf("bad")), false},
		{"adapter retryable", &AdapterError{Platform: "github", Op: "sync", Retryable: true, Err: errors.New("timeout")}, true},
		{"adapter permanent", &AdapterError{Platform: "github", Op: "sync", Retryable: false, Err: errors.New("revoked")}, false},
		{"exhausted", &QueueExhaustedError{Queue: "platform-sync", Err: errors.New("x")}, false},
		{"unclassified", errors.New("disk full"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorsAsClassification(t *testing.T) {
	err := fmt.Errorf("handler: %w", &AdapterError{Platform: "slack", Op: "sync", Err: errors.New("dns")})
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatal("AdapterError not found through wrapping")
	}
	if ae.Platform != "slack" {
		t.Errorf("platform = %q", ae.Platform)
	}
}

func TestQueueExhaustedUnwrap(t *testing.T) {
	cause := Validationf("bad payload")
	err := &QueueExhaustedError{Queue: "webhook-process", JobID: "j1", Attempts: 5, Err: cause}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Error("exhausted error hides its cause")
	}
}
