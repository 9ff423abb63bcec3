package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNetworkErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("download a.pak: %w", &NetworkError{URL: "http://cdn/a.pak", StatusCode: 503})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected errors.Is(err, ErrNetwork), got false for %v", err)
	}
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != 503 {
		t.Fatalf("expected NetworkError with status 503, got %v", ne)
	}
	if ne.Timeout() {
		t.Error("status error should not report a timeout")
	}
}

func TestIntegrityErrorCount(t *testing.T) {
	err := &IntegrityError{Files: []string{"a.pak", "b.pak"}}
	if !errors.Is(err, ErrIntegrity) {
		t.Fatal("expected IntegrityError to match ErrIntegrity")
	}
	if got := err.Error(); got != "2 file(s) failed final validation" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestWrappers(t *testing.T) {
	if err := Configuration("channel %q not found", "beta"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Configuration() = %v, want ErrConfiguration", err)
	}
	if err := Manifest("resource list empty"); !errors.Is(err, ErrManifest) {
		t.Errorf("Manifest() = %v, want ErrManifest", err)
	}
}

func TestIsCancelled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "sentinel", err: ErrCancelled, want: true},
		{name: "context", err: fmt.Errorf("fetch: %w", context.Canceled), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "other", err: ErrBusy, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancelled(tt.err); got != tt.want {
				t.Errorf("IsCancelled(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
