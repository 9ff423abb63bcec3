// Package syncerr defines the error taxonomy shared by the synchronization
// components.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConfiguration reports a missing or malformed channel configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrManifest reports a missing, malformed or implausible resource list.
	ErrManifest = errors.New("manifest error")
	// ErrNetwork reports a transport failure (timeout, connection, non-200).
	ErrNetwork = errors.New("network error")
	// ErrIntegrity reports files that are still invalid after the final validation pass.
	ErrIntegrity = errors.New("integrity error")
	// ErrCancelled reports a cooperative cancellation. It is a terminal status, not a failure.
	ErrCancelled = errors.New("operation cancelled")
	// ErrBusy rejects a new operation while another one is active on the same engine.
	ErrBusy = errors.New("another operation is already active")
	// ErrNotActive is returned by pause/resume/cancel when nothing is running.
	ErrNotActive = errors.New("no active operation")
)

// NetworkError describes a failed request against the CDN.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is makes every NetworkError match ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Timeout reports whether the request failed because its deadline expired.
func (e *NetworkError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) {
		return ne.Timeout()
	}
	return false
}

// IntegrityError lists the files that failed the authoritative validation pass.
type IntegrityError struct {
	Files []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%d file(s) failed final validation", len(e.Files))
}

// Is makes every IntegrityError match ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Configuration wraps a formatted message with ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Manifest wraps a formatted message with ErrManifest.
func Manifest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrManifest, fmt.Sprintf(format, args...))
}

// IsCancelled reports whether err stems from cancellation, either our own
// sentinel or a cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
