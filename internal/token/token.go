// Package token opens PIV tokens as piv.Session values. Two backends are
// provided: direct PC/SC access through piv-go, and a PIV PKCS#11 module
// such as ykcs11.
package token

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// Backend selects how the token is reached.
type Backend string

const (
	BackendPIV    Backend = "piv"
	BackendPKCS11 Backend = "pkcs11"
)

// Default timeouts applied when Config leaves them zero.
const (
	DefaultSignTimeout     = 30 * time.Second
	DefaultGenerateTimeout = 2 * time.Minute
	DefaultOpenRetries     = 3
)

// defaultManagementKey is the factory 3DES management key of PIV tokens.
var defaultManagementKey = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
}

// errNoCGO is returned by the hardware backends in builds without cgo.
var errNoCGO = errors.New("token support requires CGO: rebuild with CGO_ENABLED=1")

// Config holds everything needed to open a token.
type Config struct {
	Backend Backend

	// Reader is a case-insensitive substring of the PC/SC reader name. Empty
	// selects the first YubiKey reader. piv backend only.
	Reader string

	// Module is the PKCS#11 library path and TokenLabel the token to use.
	// pkcs11 backend only.
	Module     string
	TokenLabel string

	// PIN unlocks signing keys. Empty means keys whose policy requires a
	// PIN fail with piv.ErrPinRequired.
	PIN string

	// ManagementKey authorizes key generation and certificate writes. Nil
	// means the factory default.
	ManagementKey []byte

	// OpenRetries bounds attempts to reach the reader.
	OpenRetries uint

	SignTimeout     time.Duration
	GenerateTimeout time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendPIV
	}
	if c.ManagementKey == nil {
		c.ManagementKey = defaultManagementKey
	}
	if c.OpenRetries == 0 {
		c.OpenRetries = DefaultOpenRetries
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = DefaultSignTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = DefaultGenerateTimeout
	}
	return c
}

// Session is a piv.Session bound to an open hardware handle.
type Session interface {
	piv.Session
	io.Closer
	// Describe identifies the token for logs and status output.
	Describe() string
}

// Open opens the token described by cfg.
func Open(ctx context.Context, cfg Config) (Session, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendPIV:
		s, err := OpenPIV(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPKCS11:
		if cfg.Module == "" {
			return nil, fmt.Errorf("pkcs11 backend requires a module path")
		}
		s, err := OpenPKCS11(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown token backend %q", cfg.Backend)
	}
}

// Reader describes one reachable token.
type Reader struct {
	Name   string
	Serial string
	Label  string
}

// ListReaders lists tokens reachable through the configured backend.
func ListReaders(cfg Config) ([]Reader, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendPIV:
		return listPIVReaders()
	case BackendPKCS11:
		if cfg.Module == "" {
			return nil, fmt.Errorf("pkcs11 backend requires a module path")
		}
		return listPKCS11Tokens(cfg.Module)
	default:
		return nil, fmt.Errorf("unknown token backend %q", cfg.Backend)
	}
}

// ParseManagementKey parses a 24-byte management key given as hex, with an
// optional 0x prefix. "default" and the empty string select the factory key.
func ParseManagementKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "default") {
		return append([]byte(nil), defaultManagementKey...), nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("invalid management key: %w", err)
	}
	if len(b) != 24 {
		return nil, fmt.Errorf("management key must be 24 bytes, got %d", len(b))
	}
	return b, nil
}

// checkDigest verifies the digest length against the algorithm's hash.
func checkDigest(params piv.Parameters, digest []byte) error {
	if len(digest) != params.Hash.Size() {
		return fmt.Errorf("%w: digest is %d bytes, %s expects %d", piv.ErrKeyMismatch,
			len(digest), params.Algorithm, params.Hash.Size())
	}
	return nil
}

// signTimeout picks the per-call timeout or the session default.
func signTimeout(req piv.SignRequest, def time.Duration) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return def
}

// resolveDefaults replaces Default policies with the slot defaults.
func resolveDefaults(slot piv.SlotID, pin piv.PinPolicy, touch piv.TouchPolicy) (piv.PinPolicy, piv.TouchPolicy) {
	sp, err := piv.PolicyFor(slot)
	if err != nil {
		return pin, touch
	}
	if pin == piv.PinPolicyDefault {
		pin = sp.Pin
	}
	if touch == piv.TouchPolicyDefault {
		touch = sp.Touch
	}
	return pin, touch
}
