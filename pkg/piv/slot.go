package piv

import (
	"fmt"
	"strconv"
	"strings"
)

// SlotID identifies a PIV key slot by its key reference (NIST SP 800-73-4
// section 5.1).
type SlotID uint8

// Key slots. Retired key management slots occupy 0x82 through 0x95.
const (
	SlotAuthentication     SlotID = 0x9a
	SlotSignature          SlotID = 0x9c
	SlotKeyManagement      SlotID = 0x9d
	SlotCardAuthentication SlotID = 0x9e
	SlotAttestation        SlotID = 0xf9

	SlotRetired1  SlotID = 0x82
	SlotRetired20 SlotID = 0x95
)

// SlotPolicy describes what a slot accepts and the policies a key in it gets
// when the caller asks for the defaults.
type SlotPolicy struct {
	Pin   PinPolicy
	Touch TouchPolicy
	// Issuable is false for slots that cannot receive a newly generated key
	// through this package.
	Issuable bool
	// Kinds lists the key kinds the slot accepts.
	Kinds []KeyKind
}

// Accepts reports whether the slot takes keys of kind k.
func (p SlotPolicy) Accepts(k KeyKind) bool {
	for _, kind := range p.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

var allKinds = []KeyKind{KeyKindEC, KeyKindRSA}

// PolicyFor returns the slot's default policies and capabilities.
func PolicyFor(slot SlotID) (SlotPolicy, error) {
	switch {
	case slot == SlotAuthentication, slot == SlotKeyManagement:
		return SlotPolicy{Pin: PinPolicyOnce, Touch: TouchPolicyNever, Issuable: true, Kinds: allKinds}, nil
	case slot == SlotSignature:
		return SlotPolicy{Pin: PinPolicyAlways, Touch: TouchPolicyNever, Issuable: true, Kinds: allKinds}, nil
	case slot == SlotCardAuthentication:
		return SlotPolicy{Pin: PinPolicyNever, Touch: TouchPolicyNever, Issuable: true, Kinds: allKinds}, nil
	case IsRetired(slot):
		return SlotPolicy{Pin: PinPolicyOnce, Touch: TouchPolicyNever, Kinds: allKinds}, nil
	case slot == SlotAttestation:
		return SlotPolicy{Pin: PinPolicyNever, Touch: TouchPolicyNever}, nil
	default:
		return SlotPolicy{}, fmt.Errorf("%w: unknown slot 0x%02x", ErrInvalidSlot, uint8(slot))
	}
}

// IsRetired reports whether slot is one of the 20 retired key management
// slots.
func IsRetired(slot SlotID) bool {
	return slot >= SlotRetired1 && slot <= SlotRetired20
}

// IsValid reports whether slot is a known PIV key slot.
func (s SlotID) IsValid() bool {
	_, err := PolicyFor(s)
	return err == nil
}

// ResolvePolicies replaces default policies with the slot defaults and
// rejects slots or combinations that cannot receive a key of kind.
func ResolvePolicies(slot SlotID, kind KeyKind, pin PinPolicy, touch TouchPolicy) (PinPolicy, TouchPolicy, error) {
	sp, err := PolicyFor(slot)
	if err != nil {
		return 0, 0, err
	}
	if IsRetired(slot) {
		return 0, 0, fmt.Errorf("%w: %s is a retired slot", ErrInvalidSlot, slot)
	}
	if !sp.Issuable {
		return 0, 0, fmt.Errorf("%w: %s cannot hold an issued key", ErrInvalidSlot, slot)
	}
	if !sp.Accepts(kind) {
		return 0, 0, fmt.Errorf("%w: %s does not accept %s keys", ErrInvalidSlot, slot, kind)
	}

	switch pin {
	case PinPolicyDefault:
		pin = sp.Pin
	case PinPolicyNever, PinPolicyOnce, PinPolicyAlways:
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedPolicy, pin)
	}
	switch touch {
	case TouchPolicyDefault:
		touch = sp.Touch
	case TouchPolicyNever, TouchPolicyAlways, TouchPolicyCached:
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedPolicy, touch)
	}

	// The digital signature key is PIN-gated on every use.
	if slot == SlotSignature && pin != PinPolicyAlways {
		return 0, 0, fmt.Errorf("%w: %s requires PIN policy always, got %s", ErrInvalidSlot, slot, pin)
	}
	return pin, touch, nil
}

// Slots returns every known slot in key-reference order.
func Slots() []SlotID {
	slots := make([]SlotID, 0, 25)
	for s := SlotRetired1; s <= SlotRetired20; s++ {
		slots = append(slots, s)
	}
	return append(slots, SlotAuthentication, SlotSignature, SlotKeyManagement, SlotCardAuthentication, SlotAttestation)
}

// IssuableSlots returns the slots that can receive a generated key.
func IssuableSlots() []SlotID {
	return []SlotID{SlotAuthentication, SlotSignature, SlotKeyManagement, SlotCardAuthentication}
}

// ObjectID returns the PIV data object holding the slot's certificate
// (NIST SP 800-73-4 section 4.3).
func (s SlotID) ObjectID() uint32 {
	switch {
	case s == SlotAuthentication:
		return 0x5fc105
	case s == SlotSignature:
		return 0x5fc10a
	case s == SlotKeyManagement:
		return 0x5fc10b
	case s == SlotCardAuthentication:
		return 0x5fc101
	case s == SlotAttestation:
		return 0x5fff01
	case IsRetired(s):
		return 0x5fc10d + uint32(s-SlotRetired1)
	default:
		return 0
	}
}

// Name returns the slot's role name.
func (s SlotID) Name() string {
	switch {
	case s == SlotAuthentication:
		return "authentication"
	case s == SlotSignature:
		return "signature"
	case s == SlotKeyManagement:
		return "key-management"
	case s == SlotCardAuthentication:
		return "card-authentication"
	case s == SlotAttestation:
		return "attestation"
	case IsRetired(s):
		return fmt.Sprintf("retired%d", int(s-SlotRetired1)+1)
	default:
		return "unknown"
	}
}

// String returns the slot as its hex key reference, e.g. "9a".
func (s SlotID) String() string {
	return fmt.Sprintf("%02x", uint8(s))
}

// ParseSlotID accepts a hex key reference ("9a", "0x9a") or a role name
// ("authentication", "signature", "retired3").
func ParseSlotID(s string) (SlotID, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")

	switch norm {
	case "authentication", "auth":
		return SlotAuthentication, nil
	case "signature", "sign":
		return SlotSignature, nil
	case "key-management", "keymanagement":
		return SlotKeyManagement, nil
	case "card-authentication", "cardauthentication", "card-auth":
		return SlotCardAuthentication, nil
	case "attestation":
		return SlotAttestation, nil
	}

	if n, ok := strings.CutPrefix(norm, "retired"); ok {
		i, err := strconv.Atoi(n)
		if err != nil || i < 1 || i > 20 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSlot, s)
		}
		return SlotRetired1 + SlotID(i-1), nil
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(norm, "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSlot, s)
	}
	slot := SlotID(v)
	if !slot.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSlot, s)
	}
	return slot, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s SlotID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SlotID) UnmarshalText(text []byte) error {
	slot, err := ParseSlotID(string(text))
	if err != nil {
		return err
	}
	*s = slot
	return nil
}
