//go:build cgo

package token

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gopiv "github.com/go-piv/piv-go/v2/piv"
	"github.com/rs/zerolog"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// PIVSession drives a YubiKey-compatible token over PC/SC.
type PIVSession struct {
	yk     *gopiv.YubiKey
	reader string
	serial uint32
	lock   *exclusive

	pin             string
	managementKey   []byte
	signTimeout     time.Duration
	generateTimeout time.Duration
	log             zerolog.Logger

	mu     sync.Mutex
	keys   map[piv.SlotID]piv.KeyHandle // keys generated by this session
	closed bool
}

var _ Session = (*PIVSession)(nil)

// OpenPIV opens the first matching PC/SC reader. Transient reader errors are
// retried; PIN and touch operations never are.
func OpenPIV(ctx context.Context, cfg Config) (*PIVSession, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With().Str("backend", string(BackendPIV)).Logger()

	type opened struct {
		yk     *gopiv.YubiKey
		reader string
	}
	attempt := 0
	res, err := backoff.Retry(ctx, func() (opened, error) {
		attempt++
		cards, err := gopiv.Cards()
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("listing readers failed")
			return opened{}, fmt.Errorf("%w: list readers: %w", piv.ErrTransport, err)
		}
		reader, err := pickReader(cards, cfg.Reader)
		if err != nil {
			return opened{}, err
		}
		yk, err := gopiv.Open(reader)
		if err != nil {
			log.Debug().Err(err).Str("reader", reader).Int("attempt", attempt).Msg("opening reader failed")
			return opened{}, fmt.Errorf("%w: open %s: %w", piv.ErrTransport, reader, err)
		}
		return opened{yk: yk, reader: reader}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.OpenRetries),
	)
	if err != nil {
		return nil, err
	}

	s := &PIVSession{
		yk:              res.yk,
		reader:          res.reader,
		lock:            newExclusive(),
		pin:             cfg.PIN,
		managementKey:   cfg.ManagementKey,
		signTimeout:     cfg.SignTimeout,
		generateTimeout: cfg.GenerateTimeout,
		log:             log.With().Str("reader", res.reader).Logger(),
		keys:            make(map[piv.SlotID]piv.KeyHandle),
	}
	if serial, err := res.yk.Serial(); err == nil {
		s.serial = serial
	}
	s.log.Info().Uint32("serial", s.serial).Msg("token opened")
	return s, nil
}

// pickReader selects a reader by substring, or the first YubiKey reader.
// A missing reader is retried since tokens are often inserted late.
func pickReader(cards []string, want string) (string, error) {
	match := strings.ToLower(want)
	if match == "" {
		match = "yubikey"
	}
	for _, c := range cards {
		if strings.Contains(strings.ToLower(c), match) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no reader matching %q among %d readers", piv.ErrTransport, match, len(cards))
}

func listPIVReaders() ([]Reader, error) {
	cards, err := gopiv.Cards()
	if err != nil {
		return nil, fmt.Errorf("%w: list readers: %w", piv.ErrTransport, err)
	}
	readers := make([]Reader, 0, len(cards))
	for _, c := range cards {
		r := Reader{Name: c}
		if yk, err := gopiv.Open(c); err == nil {
			if serial, err := yk.Serial(); err == nil {
				r.Serial = fmt.Sprint(serial)
			}
			_ = yk.Close()
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// Describe returns the reader name and serial.
func (s *PIVSession) Describe() string {
	if s.serial != 0 {
		return fmt.Sprintf("%s (serial %d)", s.reader, s.serial)
	}
	return s.reader
}

// Generate creates a key in the slot with the management key.
func (s *PIVSession) Generate(ctx context.Context, req piv.GenerateRequest) (*piv.KeyHandle, error) {
	slot, err := pivSlot(req.Slot)
	if err != nil {
		return nil, err
	}
	alg, err := pivAlgorithm(req.Algorithm)
	if err != nil {
		return nil, err
	}
	pinPolicy, touchPolicy := resolveDefaults(req.Slot, req.PinPolicy, req.TouchPolicy)
	key := gopiv.Key{
		Algorithm:   alg,
		PINPolicy:   pivPinPolicy(pinPolicy),
		TouchPolicy: pivTouchPolicy(touchPolicy),
	}

	var pub crypto.PublicKey
	err = s.lock.do(ctx, s.generateTimeout, piv.ErrTransport, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		var gerr error
		pub, gerr = s.yk.GenerateKey(s.managementKey, slot, key)
		return gerr
	})
	if err != nil {
		return nil, translatePIV(err)
	}

	h := piv.KeyHandle{
		Slot:        req.Slot,
		Algorithm:   req.Algorithm,
		PublicKey:   pub,
		PinPolicy:   pinPolicy,
		TouchPolicy: touchPolicy,
	}
	s.mu.Lock()
	s.keys[req.Slot] = h
	s.mu.Unlock()
	return &h, nil
}

// Sign signs a digest with the slot key.
func (s *PIVSession) Sign(ctx context.Context, req piv.SignRequest) ([]byte, error) {
	slot, err := pivSlot(req.Slot)
	if err != nil {
		return nil, err
	}
	params, err := piv.ParametersFor(req.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := checkDigest(params, req.Digest); err != nil {
		return nil, err
	}

	var sig []byte
	err = s.lock.do(ctx, signTimeout(req, s.signTimeout), piv.ErrTouchTimeout, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		h, err := s.keyFor(req.Slot, slot)
		if err != nil {
			return err
		}
		if err := params.MatchesPublicKey(h.PublicKey); err != nil {
			return err
		}
		if h.PinPolicy.RequiresPIN() && s.pin == "" {
			return fmt.Errorf("%w: slot %s", piv.ErrPinRequired, req.Slot)
		}
		auth := gopiv.KeyAuth{PIN: s.pin}
		if h.PinPolicy != piv.PinPolicyDefault {
			auth.PINPolicy = pivPinPolicy(h.PinPolicy)
		}
		priv, err := s.yk.PrivateKey(slot, h.PublicKey, auth)
		if err != nil {
			return err
		}
		signer, ok := priv.(crypto.Signer)
		if !ok {
			return fmt.Errorf("%w: slot %s key cannot sign", piv.ErrKeyMismatch, req.Slot)
		}
		sig, err = signer.Sign(rand.Reader, req.Digest, params.Hash)
		return err
	})
	if err != nil {
		return nil, translatePIV(err)
	}
	return sig, nil
}

// keyFor returns the public key of the slot, from this session's generate
// cache or else from the slot attestation. Must hold the lock.
func (s *PIVSession) keyFor(id piv.SlotID, slot gopiv.Slot) (piv.KeyHandle, error) {
	s.mu.Lock()
	h, ok := s.keys[id]
	s.mu.Unlock()
	if ok {
		return h, nil
	}

	var policyKnown bool
	var pinPolicy piv.PinPolicy
	var touchPolicy piv.TouchPolicy
	cert, err := s.yk.Attest(slot)
	if err == nil {
		if ca, aerr := s.yk.AttestationCertificate(); aerr == nil {
			if att, verr := gopiv.Verify(ca, cert); verr == nil {
				pinPolicy = fromPivPinPolicy(att.PINPolicy)
				touchPolicy = fromPivTouchPolicy(att.TouchPolicy)
				policyKnown = true
			}
		}
	} else {
		// Tokens without attestation still expose the stored certificate.
		cert, err = s.yk.Certificate(slot)
		if err != nil {
			return piv.KeyHandle{}, err
		}
	}
	alg, err := piv.AlgorithmOf(cert.PublicKey)
	if err != nil {
		return piv.KeyHandle{}, fmt.Errorf("%w: slot %s: %w", piv.ErrKeyMismatch, id, err)
	}
	h = piv.KeyHandle{Slot: id, Algorithm: alg, PublicKey: cert.PublicKey}
	if policyKnown {
		h.PinPolicy, h.TouchPolicy = pinPolicy, touchPolicy
	}
	return h, nil
}

// ReadCertificate returns the certificate stored for the slot.
func (s *PIVSession) ReadCertificate(ctx context.Context, id piv.SlotID) ([]byte, error) {
	slot, err := pivSlot(id)
	if err != nil {
		return nil, err
	}
	var der []byte
	err = s.lock.do(ctx, s.generateTimeout, piv.ErrTransport, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		cert, err := s.yk.Certificate(slot)
		if err != nil {
			return err
		}
		der = cert.Raw
		return nil
	})
	if err != nil {
		return nil, translatePIV(err)
	}
	return der, nil
}

// WriteCertificate stores a certificate in the slot with the management key.
func (s *PIVSession) WriteCertificate(ctx context.Context, id piv.SlotID, der []byte) error {
	slot, err := pivSlot(id)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	err = s.lock.do(ctx, s.generateTimeout, piv.ErrTransport, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		return s.yk.SetCertificate(s.managementKey, slot, cert)
	})
	return translatePIV(err)
}

// Close releases the reader once in-flight operations return.
func (s *PIVSession) Close() error {
	return s.lock.do(context.Background(), 0, piv.ErrTransport, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil
		}
		s.closed = true
		s.log.Debug().Msg("token closed")
		return s.yk.Close()
	})
}

func (s *PIVSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", piv.ErrTransport)
	}
	return nil
}

func pivSlot(id piv.SlotID) (gopiv.Slot, error) {
	switch id {
	case piv.SlotAuthentication:
		return gopiv.SlotAuthentication, nil
	case piv.SlotSignature:
		return gopiv.SlotSignature, nil
	case piv.SlotKeyManagement:
		return gopiv.SlotKeyManagement, nil
	case piv.SlotCardAuthentication:
		return gopiv.SlotCardAuthentication, nil
	}
	if piv.IsRetired(id) {
		if slot, ok := gopiv.RetiredKeyManagementSlot(uint32(id)); ok {
			return slot, nil
		}
	}
	return gopiv.Slot{}, fmt.Errorf("%w: slot %s is not addressable", piv.ErrInvalidSlot, id)
}

func pivAlgorithm(alg piv.SigningAlgorithm) (gopiv.Algorithm, error) {
	switch alg {
	case piv.EccP256:
		return gopiv.AlgorithmEC256, nil
	case piv.EccP384:
		return gopiv.AlgorithmEC384, nil
	case piv.Rsa1024:
		return gopiv.AlgorithmRSA1024, nil
	case piv.Rsa2048:
		return gopiv.AlgorithmRSA2048, nil
	default:
		return 0, fmt.Errorf("%w: %s is not supported by the piv backend", piv.ErrUnsupportedAlgorithm, alg)
	}
}

func pivPinPolicy(p piv.PinPolicy) gopiv.PINPolicy {
	switch p {
	case piv.PinPolicyNever:
		return gopiv.PINPolicyNever
	case piv.PinPolicyAlways:
		return gopiv.PINPolicyAlways
	default:
		return gopiv.PINPolicyOnce
	}
}

func fromPivPinPolicy(p gopiv.PINPolicy) piv.PinPolicy {
	switch p {
	case gopiv.PINPolicyNever:
		return piv.PinPolicyNever
	case gopiv.PINPolicyOnce:
		return piv.PinPolicyOnce
	case gopiv.PINPolicyAlways:
		return piv.PinPolicyAlways
	default:
		return piv.PinPolicyDefault
	}
}

func pivTouchPolicy(p piv.TouchPolicy) gopiv.TouchPolicy {
	switch p {
	case piv.TouchPolicyAlways:
		return gopiv.TouchPolicyAlways
	case piv.TouchPolicyCached:
		return gopiv.TouchPolicyCached
	default:
		return gopiv.TouchPolicyNever
	}
}

func fromPivTouchPolicy(p gopiv.TouchPolicy) piv.TouchPolicy {
	switch p {
	case gopiv.TouchPolicyNever:
		return piv.TouchPolicyNever
	case gopiv.TouchPolicyAlways:
		return piv.TouchPolicyAlways
	case gopiv.TouchPolicyCached:
		return piv.TouchPolicyCached
	default:
		return piv.TouchPolicyDefault
	}
}

// translatePIV maps piv-go errors onto piv sentinels, keeping the original
// error in the chain. Errors that already carry a sentinel pass through.
func translatePIV(err error) error {
	if err == nil || piv.Classify(err) != piv.ClassUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var authErr gopiv.AuthErr
	if errors.As(err, &authErr) {
		return fmt.Errorf("%w: %w", &piv.PinError{Retries: authErr.Retries}, err)
	}
	var authErrPtr *gopiv.AuthErr
	if errors.As(err, &authErrPtr) && authErrPtr != nil {
		return fmt.Errorf("%w: %w", &piv.PinError{Retries: authErrPtr.Retries}, err)
	}
	if errors.Is(err, gopiv.ErrNotFound) {
		return fmt.Errorf("%w: %w", piv.ErrSlotEmpty, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "management key"):
		return fmt.Errorf("%w: %w", piv.ErrNotAuthenticated, err)
	case strings.Contains(msg, "authentication method blocked"):
		return fmt.Errorf("%w: %w", &piv.PinError{Retries: 0}, err)
	case strings.Contains(msg, "security status not satisfied"):
		return fmt.Errorf("%w: %w", piv.ErrPinRequired, err)
	case strings.Contains(msg, "unsupported algorithm"),
		strings.Contains(msg, "function not supported"),
		strings.Contains(msg, "incorrect parameter"):
		return fmt.Errorf("%w: %w", piv.ErrUnsupportedAlgorithm, err)
	}
	return fmt.Errorf("%w: %w", piv.ErrTransport, err)
}
