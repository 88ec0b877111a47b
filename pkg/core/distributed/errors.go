// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// The coordination core classifies every error it surfaces into one of three kinds,
// all of which propagate to the caller -- there is no automatic retry anywhere
// (retrying a partially completed collective operation is unsafe without external
// coordination):
//
//   - ConfigurationError: fatal misconfiguration (invalid rank/world-size, unavailable
//     RNG domain, invalid split configuration). Detected before any collective call
//     whenever possible, so a misconfigured rank fails without stranding its peers.
//   - DivergenceError: ranks disagreed where equality was required. It indicates a
//     correctness bug, not a transient fault.
//   - TransportError: the underlying collective transport failed. This package never
//     originates these, but wraps and propagates them unmodified -- swallowing one
//     would convert a hard failure into a silent hang on peer ranks.

// ConfigurationError is a fatal configuration error: it is never retried.
type ConfigurationError struct {
	reason error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.reason)
}

// Unwrap returns the underlying reason.
func (e *ConfigurationError) Unwrap() error { return e.reason }

// Configurationf creates a *ConfigurationError with a formatted reason.
// The reason carries a stack trace.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{reason: errors.Errorf(format, args...)}
}

// IsConfiguration reports whether err is (or wraps) a *ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// DivergenceError reports that a collective call returned mismatched data across
// ranks where equality was required.
type DivergenceError struct {
	reason error
}

// Error implements the error interface.
func (e *DivergenceError) Error() string {
	return fmt.Sprintf("divergence across ranks: %v", e.reason)
}

// Unwrap returns the underlying reason.
func (e *DivergenceError) Unwrap() error { return e.reason }

// Divergencef creates a *DivergenceError with a formatted reason.
func Divergencef(format string, args ...any) error {
	return &DivergenceError{reason: errors.Errorf(format, args...)}
}

// IsDivergence reports whether err is (or wraps) a *DivergenceError.
func IsDivergence(err error) bool {
	var de *DivergenceError
	return errors.As(err, &de)
}

// TransportError wraps a failure of the underlying collective transport (or of a
// device transfer) so callers can distinguish it from coordination bugs.
type TransportError struct {
	reason error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.reason)
}

// Unwrap returns the underlying reason.
func (e *TransportError) Unwrap() error { return e.reason }

// WrapTransport wraps err as a *TransportError, annotated with the formatted message.
// It returns nil if err is nil, and err itself if it is already a *TransportError.
func WrapTransport(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{reason: errors.WithMessagef(err, format, args...)}
}

// Transportf creates a *TransportError with a formatted reason.
func Transportf(format string, args ...any) error {
	return &TransportError{reason: errors.Errorf(format, args...)}
}

// IsTransport reports whether err is (or wraps) a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
