package piv

import (
	"context"
	"time"
)

// Session is an exclusive, authenticated handle to one physical token.
//
// Implementations serialize calls: at most one operation is in flight on
// the token and concurrent callers queue. A call abandoned because its
// context or timeout expired reports failure even if the token later
// completes it.
type Session interface {
	// Generate creates a key in the slot, overwriting any existing key.
	Generate(ctx context.Context, req GenerateRequest) (*KeyHandle, error)

	// Sign signs a digest with the key in the slot. The digest must have
	// been produced with the algorithm's hash.
	Sign(ctx context.Context, req SignRequest) ([]byte, error)

	// ReadCertificate returns the DER certificate stored for the slot, or
	// ErrSlotEmpty.
	ReadCertificate(ctx context.Context, slot SlotID) ([]byte, error)

	// WriteCertificate stores a DER certificate in the slot's data object.
	WriteCertificate(ctx context.Context, slot SlotID, der []byte) error
}

// GenerateRequest describes a key to generate. Policies are expected to be
// resolved by the caller; adapters treat Default as "let the token decide".
type GenerateRequest struct {
	Slot        SlotID
	Algorithm   SigningAlgorithm
	PinPolicy   PinPolicy
	TouchPolicy TouchPolicy
}

// SignRequest describes a signature over a precomputed digest.
type SignRequest struct {
	Slot      SlotID
	Algorithm SigningAlgorithm
	Digest    []byte
	// Timeout bounds the wait for PIN entry and touch confirmation.
	// Zero means the session default.
	Timeout time.Duration
}
