package piv

import (
	"errors"
	"fmt"
)

// Sentinel errors for token and issuance operations.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrUnsupportedAlgorithm indicates the algorithm is outside the registry
	// or the token cannot generate keys for it.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrUnsupportedPolicy indicates the backend cannot apply the requested
	// PIN or touch policy.
	ErrUnsupportedPolicy = errors.New("unsupported key policy")

	// ErrInvalidSlot indicates the slot is unknown, retired, or cannot hold
	// a key of the requested kind or policy.
	ErrInvalidSlot = errors.New("invalid slot")

	// ErrNotAuthenticated indicates the session lacks management-key
	// authentication required for key generation or certificate writes.
	ErrNotAuthenticated = errors.New("not authenticated with management key")

	// ErrPinRequired indicates the key's PIN policy requires a PIN and none
	// was provided.
	ErrPinRequired = errors.New("PIN required")

	// ErrPinIncorrect indicates the token rejected the PIN.
	ErrPinIncorrect = errors.New("PIN incorrect")

	// ErrTouchTimeout indicates no touch confirmation arrived before the
	// wait was bounded. The outcome on the token is unknown.
	ErrTouchTimeout = errors.New("touch confirmation timed out")

	// ErrSlotEmpty indicates no key exists in the slot.
	ErrSlotEmpty = errors.New("slot is empty")

	// ErrKeyMismatch indicates the key in the slot does not match the
	// requested algorithm or the expected public key.
	ErrKeyMismatch = errors.New("key mismatch")

	// ErrTransport indicates a generic communication fault with the token.
	ErrTransport = errors.New("token transport error")

	// ErrExtensionBuildFailed indicates the caller's extension callback failed.
	ErrExtensionBuildFailed = errors.New("extension build failed")

	// ErrMalformedSignature indicates the signature returned by the token is
	// inconsistent with the algorithm's expected output.
	ErrMalformedSignature = errors.New("malformed signature")
)

// PinError reports a rejected PIN together with the remaining attempts.
// It matches ErrPinIncorrect with errors.Is.
type PinError struct {
	Retries int // remaining attempts, -1 if unknown
}

// Error implements the error interface.
func (e *PinError) Error() string {
	if e.Retries < 0 {
		return ErrPinIncorrect.Error()
	}
	return fmt.Sprintf("%s (%d retries remaining)", ErrPinIncorrect, e.Retries)
}

// Is reports whether target is ErrPinIncorrect.
func (e *PinError) Is(target error) bool { return target == ErrPinIncorrect }

// ErrorClass groups errors by how a caller can recover from them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassValidation errors are detected before any hardware interaction.
	ClassValidation
	// ClassAuthentication errors are recoverable by re-authenticating.
	ClassAuthentication
	// ClassToken errors come from interacting with the token.
	ClassToken
	// ClassConstruction errors indicate a data or programming error.
	ClassConstruction
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthentication:
		return "authentication"
	case ClassToken:
		return "token"
	case ClassConstruction:
		return "construction"
	default:
		return "unknown"
	}
}

// Classify returns the class of err based on the sentinel it wraps.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrUnsupportedAlgorithm),
		errors.Is(err, ErrUnsupportedPolicy),
		errors.Is(err, ErrInvalidSlot):
		return ClassValidation
	case errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrPinRequired),
		errors.Is(err, ErrPinIncorrect):
		return ClassAuthentication
	case errors.Is(err, ErrTouchTimeout),
		errors.Is(err, ErrSlotEmpty),
		errors.Is(err, ErrKeyMismatch),
		errors.Is(err, ErrTransport):
		return ClassToken
	case errors.Is(err, ErrExtensionBuildFailed),
		errors.Is(err, ErrMalformedSignature):
		return ClassConstruction
	default:
		return ClassUnknown
	}
}
