package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientError{StatusCode: 503}, true},
		{"wrapped transient", fmt.Errorf("calling api: %w", &TransientError{}), true},
		{"authorization", &AuthorizationError{Reason: "expired"}, false},
		{"configuration", NewConfigurationError("redirect_url", "missing"), false},
		{"validation", &ValidationError{Field: "x"}, false},
		{"integrity", &IntegrityError{Message: "bad row"}, false},
		{"plain", errors.New("boom"), false},
		{"not found", ErrorRecordNotFound, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	ce := NewConfigurationError("client_id", "not set")
	if ce.Error() == "" || ce.Setting != "client_id" {
		t.Fatalf("unexpected configuration error: %+v", ce)
	}

	cause := errors.New("upstream said no")
	ae := &AuthorizationError{Reason: "invalid_grant", Err: cause}
	if !errors.Is(ae, cause) {
		t.Fatal("authorization error must unwrap its cause")
	}

	ve := &ValidationError{Field: "Balance", Rule: "range", Message: "too big"}
	if ve.Error() == "" {
		t.Fatal("validation error must render a message")
	}
}
