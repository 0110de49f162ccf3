package piv

import (
	"fmt"
	"strings"
)

// PinPolicy controls when the token requires the PIN for operations with
// a key. It is set at generation time and fixed for the key's lifetime.
type PinPolicy int

// PIN policies. PinPolicyDefault resolves to the slot default.
const (
	PinPolicyDefault PinPolicy = iota
	PinPolicyNever
	PinPolicyOnce
	PinPolicyAlways
)

// TouchPolicy controls when the token requires physical confirmation.
type TouchPolicy int

// Touch policies. TouchPolicyDefault resolves to the slot default.
const (
	TouchPolicyDefault TouchPolicy = iota
	TouchPolicyNever
	TouchPolicyAlways
	TouchPolicyCached
)

// String returns the policy name.
func (p PinPolicy) String() string {
	switch p {
	case PinPolicyDefault:
		return "default"
	case PinPolicyNever:
		return "never"
	case PinPolicyOnce:
		return "once"
	case PinPolicyAlways:
		return "always"
	default:
		return fmt.Sprintf("PinPolicy(%d)", int(p))
	}
}

// RequiresPIN reports whether signing with a key of this policy needs a PIN.
func (p PinPolicy) RequiresPIN() bool {
	return p == PinPolicyOnce || p == PinPolicyAlways
}

// String returns the policy name.
func (p TouchPolicy) String() string {
	switch p {
	case TouchPolicyDefault:
		return "default"
	case TouchPolicyNever:
		return "never"
	case TouchPolicyAlways:
		return "always"
	case TouchPolicyCached:
		return "cached"
	default:
		return fmt.Sprintf("TouchPolicy(%d)", int(p))
	}
}

// RequiresTouch reports whether signing may block on physical confirmation.
func (p TouchPolicy) RequiresTouch() bool {
	return p == TouchPolicyAlways || p == TouchPolicyCached
}

// ParsePinPolicy parses "default", "never", "once" or "always".
func ParsePinPolicy(s string) (PinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PinPolicyDefault, nil
	case "never":
		return PinPolicyNever, nil
	case "once":
		return PinPolicyOnce, nil
	case "always":
		return PinPolicyAlways, nil
	}
	return 0, fmt.Errorf("%w: unknown PIN policy %q", ErrUnsupportedPolicy, s)
}

// ParseTouchPolicy parses "default", "never", "always" or "cached".
func ParseTouchPolicy(s string) (TouchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return TouchPolicyDefault, nil
	case "never":
		return TouchPolicyNever, nil
	case "always":
		return TouchPolicyAlways, nil
	case "cached":
		return TouchPolicyCached, nil
	}
	return 0, fmt.Errorf("%w: unknown touch policy %q", ErrUnsupportedPolicy, s)
}
