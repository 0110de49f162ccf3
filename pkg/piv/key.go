package piv

import (
	"crypto"
	"crypto/x509"
	"fmt"
)

// KeyHandle references a key held by the token. It carries the public half
// and the effective policies but never any private material.
type KeyHandle struct {
	Slot        SlotID
	Algorithm   SigningAlgorithm
	PublicKey   crypto.PublicKey
	PinPolicy   PinPolicy
	TouchPolicy TouchPolicy
}

// SubjectPublicKeyInfo returns the DER SubjectPublicKeyInfo of the key.
func (h *KeyHandle) SubjectPublicKeyInfo() ([]byte, error) {
	if h == nil || h.PublicKey == nil {
		return nil, fmt.Errorf("%w: key handle has no public key", ErrKeyMismatch)
	}
	spki, err := x509.MarshalPKIXPublicKey(h.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	return spki, nil
}

// Check verifies the handle is bound to slot and holds a key of alg.
func (h *KeyHandle) Check(slot SlotID, alg SigningAlgorithm) error {
	if h == nil {
		return fmt.Errorf("%w: nil key handle", ErrKeyMismatch)
	}
	if h.Slot != slot {
		return fmt.Errorf("%w: handle for slot %s, request for slot %s", ErrKeyMismatch, h.Slot, slot)
	}
	if h.Algorithm != alg {
		return fmt.Errorf("%w: handle for %s, request for %s", ErrKeyMismatch, h.Algorithm, alg)
	}
	params, err := ParametersFor(alg)
	if err != nil {
		return err
	}
	return params.MatchesPublicKey(h.PublicKey)
}

// String returns a short description.
func (h *KeyHandle) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@%s (pin=%s touch=%s)", h.Algorithm, h.Slot, h.PinPolicy, h.TouchPolicy)
}

// AlgorithmOf infers the registry algorithm for a public key.
func AlgorithmOf(pub crypto.PublicKey) (SigningAlgorithm, error) {
	for _, alg := range Algorithms() {
		params, _ := ParametersFor(alg)
		if params.MatchesPublicKey(pub) == nil {
			return alg, nil
		}
	}
	return 0, fmt.Errorf("%w: no algorithm for %T key", ErrUnsupportedAlgorithm, pub)
}
