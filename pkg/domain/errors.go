package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a flow, flow version or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrSessionClosed is returned for events addressed to a session in a terminal status.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionBusy is returned when a session mailbox is full.
	ErrSessionBusy = errors.New("session busy")

	// ErrConflict is returned by a store when a commit does not continue the stored sequence.
	ErrConflict = errors.New("sequence conflict")

	// ErrNoMatchExceeded marks a node whose retry bound was exhausted.
	ErrNoMatchExceeded = errors.New("no-match retries exceeded")

	// ErrProviderUnavailable is a transient provider failure. The gateway retries it.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderError is a permanent provider failure.
	ErrProviderError = errors.New("provider error")

	// ErrProviderTimeout is returned when a provider did not answer before its deadline.
	ErrProviderTimeout = errors.New("provider timeout")
)

// ValidationError lists every problem found in a flow definition.
type ValidationError struct {
	FlowID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("flow %q is invalid: %s", e.FlowID, e.Problems[0])
	}
	return fmt.Sprintf("flow %q is invalid: %d problems: %s", e.FlowID, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Capability names a provider port.
type Capability string

const (
	CapabilityRecognize  Capability = "recognize"
	CapabilitySynthesize Capability = "synthesize"
	CapabilityComplete   Capability = "complete"
)

// ProviderFailure describes a failed provider call.
// Kind is one of ErrProviderUnavailable, ErrProviderError or ErrProviderTimeout.
type ProviderFailure struct {
	Capability Capability
	Provider   string
	Kind       error
	Attempts   int
	Err        error
}

func (e *ProviderFailure) Error() string {
	msg := fmt.Sprintf("%s via %s: %v", e.Capability, e.Provider, e.Kind)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsProviderFailure reports whether err is any of the provider failure kinds.
func IsProviderFailure(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderError) ||
		errors.Is(err, ErrProviderTimeout)
}
