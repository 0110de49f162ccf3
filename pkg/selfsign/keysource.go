package selfsign

import "github.com/remiblancher/qpiv/pkg/piv"

// KeySource selects where the certificate key comes from. It is implemented
// by GenerateKey and ExistingKey only.
type KeySource interface {
	keySource()
}

// GenerateKey generates a fresh key in the request slot, replacing any key
// already there. Default policies resolve to the slot defaults.
type GenerateKey struct {
	PinPolicy   piv.PinPolicy
	TouchPolicy piv.TouchPolicy
}

// ExistingKey reuses a key already in the slot. The handle must be bound to
// the request slot and algorithm.
type ExistingKey struct {
	Handle *piv.KeyHandle
}

func (GenerateKey) keySource() {}
func (ExistingKey) keySource() {}
