//go:build cgo

package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/miekg/pkcs11"
	"github.com/rs/zerolog"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// PKCS11Session drives a PIV token through a PIV PKCS#11 module. Slots are
// addressed by the ykcs11 CKA_ID convention. The module applies slot
// default policies only.
type PKCS11Session struct {
	pool   *sessionPool
	label  string
	serial string
	lock   *exclusive

	pin             string
	soPIN           string
	signTimeout     time.Duration
	generateTimeout time.Duration
	log             zerolog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Session = (*PKCS11Session)(nil)

// OpenPKCS11 loads the module and selects the token by label, or the first
// token present.
func OpenPKCS11(ctx context.Context, cfg Config) (*PKCS11Session, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With().Str("backend", string(BackendPKCS11)).Str("module", cfg.Module).Logger()

	type found struct {
		pool   *sessionPool
		info   pkcs11.TokenInfo
		slotID uint
	}
	res, err := backoff.Retry(ctx, func() (found, error) {
		p11, err := loadModule(cfg.Module)
		if err != nil {
			return found{}, backoff.Permanent(err)
		}
		slotID, info, err := findSlot(p11, cfg.TokenLabel)
		// The pool owns its own context; C_Initialize stays process-wide.
		p11.Destroy()
		if err != nil {
			log.Debug().Err(err).Msg("token not found")
			return found{}, err
		}
		pool, err := getPool(cfg.Module, slotID)
		if err != nil {
			return found{}, backoff.Permanent(err)
		}
		return found{pool: pool, info: info, slotID: slotID}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.OpenRetries),
	)
	if err != nil {
		return nil, err
	}

	s := &PKCS11Session{
		pool:            res.pool,
		label:           res.info.Label,
		serial:          res.info.SerialNumber,
		lock:            newExclusive(),
		pin:             cfg.PIN,
		soPIN:           hex.EncodeToString(cfg.ManagementKey),
		signTimeout:     cfg.SignTimeout,
		generateTimeout: cfg.GenerateTimeout,
		log:             log.With().Uint("slot_id", res.slotID).Str("token", res.info.Label).Logger(),
	}
	s.log.Info().Str("serial", s.serial).Msg("token opened")
	return s, nil
}

// findSlot returns the slot holding the token with label, or the first
// slot with a token when label is empty.
func findSlot(p11 *pkcs11.Ctx, label string) (uint, pkcs11.TokenInfo, error) {
	slots, err := p11.GetSlotList(true)
	if err != nil {
		return 0, pkcs11.TokenInfo{}, fmt.Errorf("%w: get slot list: %w", piv.ErrTransport, err)
	}
	for _, slot := range slots {
		info, err := p11.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if label == "" || info.Label == label {
			return slot, info, nil
		}
	}
	if label != "" {
		return 0, pkcs11.TokenInfo{}, fmt.Errorf("%w: token with label %q not found", piv.ErrTransport, label)
	}
	return 0, pkcs11.TokenInfo{}, fmt.Errorf("%w: no slots with tokens found", piv.ErrTransport)
}

func listPKCS11Tokens(module string) ([]Reader, error) {
	p11, err := loadModule(module)
	if err != nil {
		return nil, err
	}
	defer p11.Destroy()

	slots, err := p11.GetSlotList(false)
	if err != nil {
		return nil, fmt.Errorf("%w: get slot list: %w", piv.ErrTransport, err)
	}
	readers := make([]Reader, 0, len(slots))
	for _, slot := range slots {
		si, err := p11.GetSlotInfo(slot)
		if err != nil {
			continue
		}
		r := Reader{Name: si.SlotDescription}
		if si.Flags&pkcs11.CKF_TOKEN_PRESENT != 0 {
			if ti, err := p11.GetTokenInfo(slot); err == nil {
				r.Serial, r.Label = ti.SerialNumber, ti.Label
			}
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// Describe returns the token label and serial.
func (s *PKCS11Session) Describe() string {
	return fmt.Sprintf("%s (serial %s)", s.label, s.serial)
}

// Generate creates a key pair under the slot's CKA_ID, logged in as
// security officer with the management key.
func (s *PKCS11Session) Generate(ctx context.Context, req piv.GenerateRequest) (*piv.KeyHandle, error) {
	id, err := ykcs11KeyID(req.Slot)
	if err != nil {
		return nil, err
	}
	params, err := piv.ParametersFor(req.Algorithm)
	if err != nil {
		return nil, err
	}
	pinPolicy, touchPolicy := resolveDefaults(req.Slot, piv.PinPolicyDefault, piv.TouchPolicyDefault)
	if got, gotTouch := resolveDefaults(req.Slot, req.PinPolicy, req.TouchPolicy); got != pinPolicy || gotTouch != touchPolicy {
		return nil, fmt.Errorf("%w: pkcs11 backend applies slot defaults only (%s/%s)",
			piv.ErrUnsupportedPolicy, pinPolicy, touchPolicy)
	}

	pubTmpl, privTmpl, mech, err := keyTemplates(params, []byte{id})
	if err != nil {
		return nil, err
	}

	var pub crypto.PublicKey
	err = s.lock.do(ctx, s.generateTimeout, piv.ErrTransport, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		session, release, err := s.pool.acquire(roleSO, s.soPIN)
		if err != nil {
			return soError(err)
		}
		defer release()

		p11 := s.pool.ctx
		pubHandle, _, err := p11.GenerateKeyPair(session, []*pkcs11.Mechanism{mech}, pubTmpl, privTmpl)
		if err != nil {
			return fmt.Errorf("generate %s key pair: %w", params.KeyKind, err)
		}
		pub, err = readPublicKey(p11, session, pubHandle, params.KeyKind)
		return err
	})
	if err != nil {
		return nil, translateP11(err)
	}
	return &piv.KeyHandle{
		Slot:        req.Slot,
		Algorithm:   req.Algorithm,
		PublicKey:   pub,
		PinPolicy:   pinPolicy,
		TouchPolicy: touchPolicy,
	}, nil
}

// keyTemplates returns the generation templates for an algorithm.
func keyTemplates(params piv.Parameters, id []byte) (pub, priv []*pkcs11.Attribute, mech *pkcs11.Mechanism, err error) {
	switch params.KeyKind {
	case piv.KeyKindEC:
		var ecParams []byte
		switch params.Algorithm {
		case piv.EccP256:
			// OID 1.2.840.10045.3.1.7
			ecParams = []byte{0x06, 0x08, 0x2A, 0x86, 0x48, 0xCE, 0x3D, 0x03, 0x01, 0x07}
		case piv.EccP384:
			// OID 1.3.132.0.34
			ecParams = []byte{0x06, 0x05, 0x2B, 0x81, 0x04, 0x00, 0x22}
		}
		pub = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParams),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		}
		priv = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		}
		return pub, priv, pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil), nil
	case piv.KeyKindRSA:
		pub = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, uint(params.Bits)),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		}
		priv = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		}
		return pub, priv, pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil), nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %s", piv.ErrUnsupportedAlgorithm, params.Algorithm)
	}
}

// Sign signs a digest with the slot's private key, logged in as user.
func (s *PKCS11Session) Sign(ctx context.Context, req piv.SignRequest) ([]byte, error) {
	id, err := ykcs11KeyID(req.Slot)
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
	pinPolicy, _ := resolveDefaults(req.Slot, piv.PinPolicyDefault, piv.TouchPolicyDefault)
	if pinPolicy.RequiresPIN() && s.pin == "" {
		return nil, fmt.Errorf("%w: slot %s", piv.ErrPinRequired, req.Slot)
	}

	var sig []byte
	err = s.lock.do(ctx, signTimeout(req, s.signTimeout), piv.ErrTouchTimeout, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		session, release, err := s.pool.acquire(roleUser, s.pin)
		if err != nil {
			return err
		}
		defer release()

		p11 := s.pool.ctx
		privHandle, err := findObject(p11, session, pkcs11.CKO_PRIVATE_KEY, id)
		if err != nil {
			return err
		}
		pubHandle, err := findObject(p11, session, pkcs11.CKO_PUBLIC_KEY, id)
		if err != nil {
			return err
		}
		pub, err := readPublicKey(p11, session, pubHandle, params.KeyKind)
		if err != nil {
			return err
		}
		if err := params.MatchesPublicKey(pub); err != nil {
			return err
		}

		var mech *pkcs11.Mechanism
		data := req.Digest
		switch params.Mechanism {
		case piv.MechanismECDSA:
			mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
		case piv.MechanismRSAPKCS1v15:
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
			data = addDigestInfoPrefix(req.Digest, params.Hash)
		}
		if err := p11.SignInit(session, []*pkcs11.Mechanism{mech}, privHandle); err != nil {
			return fmt.Errorf("sign init: %w", err)
		}
		if pinPolicy == piv.PinPolicyAlways {
			if err := p11.Login(session, pkcs11.CKU_CONTEXT_SPECIFIC, s.pin); err != nil && !isP11(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
				return fmt.Errorf("context login: %w", err)
			}
		}
		raw, err := p11.Sign(session, data)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if params.Mechanism == piv.MechanismECDSA {
			raw, err = convertECDSASignature(raw)
			if err != nil {
				return err
			}
		}
		sig = raw
		return nil
	})
	if err != nil {
		return nil, translateP11(err)
	}
	return sig, nil
}

// ReadCertificate returns the X.509 certificate object for the slot.
func (s *PKCS11Session) ReadCertificate(ctx context.Context, slot piv.SlotID) ([]byte, error) {
	id, err := ykcs11KeyID(slot)
	if err != nil {
		return nil, err
	}
	var der []byte
	err = s.lock.do(ctx, s.generateTimeout, piv.ErrTransport, func() error {
		if err := s.checkOpen(); err != nil {
			return err
		}
		session, release, err := s.pool.acquire(roleUser, "")
		if err != nil {
			return err
		}
		defer release()

		p11 := s.pool.ctx
		h, err := findObject(p11, session, pkcs11.CKO_CERTIFICATE, id)
		if err != nil {
			return err
		}
		attrs, err := p11.GetAttributeValue(session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return fmt.Errorf("read certificate value: %w", err)
		}
		if len(attrs[0].Value) == 0 {
			return fmt.Errorf("%w: empty certificate object", piv.ErrSlotEmpty)
		}
		der = attrs[0].Value
		return nil
	})
	if err != nil {
		return nil, translateP11(err)
	}
	return der, nil
}

// WriteCertificate replaces the certificate object for the slot.
func (s *PKCS11Session) WriteCertificate(ctx context.Context, slot piv.SlotID, der []byte) error {
	id, err := ykcs11KeyID(slot)
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
		session, release, err := s.pool.acquire(roleSO, s.soPIN)
		if err != nil {
			return soError(err)
		}
		defer release()

		p11 := s.pool.ctx
		if h, err := findObject(p11, session, pkcs11.CKO_CERTIFICATE, id); err == nil {
			if err := p11.DestroyObject(session, h); err != nil {
				return fmt.Errorf("remove old certificate: %w", err)
			}
		}
		_, err = p11.CreateObject(session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{id}),
			pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, cert.RawSubject),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, der),
		})
		if err != nil {
			return fmt.Errorf("create certificate object: %w", err)
		}
		return nil
	})
	return translateP11(err)
}

// Close closes the pool once in-flight operations return.
func (s *PKCS11Session) Close() error {
	return s.lock.do(context.Background(), 0, piv.ErrTransport, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil
		}
		s.closed = true
		s.log.Debug().Msg("token closed")
		return s.pool.close()
	})
}

func (s *PKCS11Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", piv.ErrTransport)
	}
	return nil
}

// findObject returns the single object of class with CKA_ID id.
func findObject(p11 *pkcs11.Ctx, session pkcs11.SessionHandle, class uint, id byte) (pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{id}),
	}
	if err := p11.FindObjectsInit(session, tmpl); err != nil {
		return 0, fmt.Errorf("find objects init: %w", err)
	}
	handles, _, err := p11.FindObjects(session, 1)
	if ferr := p11.FindObjectsFinal(session); err == nil && ferr != nil {
		err = ferr
	}
	if err != nil {
		return 0, fmt.Errorf("find objects: %w", err)
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("%w: no object of class %d with id %d", piv.ErrSlotEmpty, class, id)
	}
	return handles[0], nil
}

// readPublicKey reads an EC or RSA public key object.
func readPublicKey(p11 *pkcs11.Ctx, session pkcs11.SessionHandle, h pkcs11.ObjectHandle, kind piv.KeyKind) (crypto.PublicKey, error) {
	switch kind {
	case piv.KeyKindEC:
		attrs, err := p11.GetAttributeValue(session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("read EC public key: %w", err)
		}
		curve, err := parseECParams(attrs[0].Value)
		if err != nil {
			return nil, err
		}
		return decodeECPoint(curve, attrs[1].Value)
	case piv.KeyKindRSA:
		attrs, err := p11.GetAttributeValue(session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("read RSA public key: %w", err)
		}
		// The exponent is a big-endian integer, not a CK_ULONG.
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(attrs[0].Value),
			E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
		}, nil
	default:
		return nil, fmt.Errorf("%w: key kind %s", piv.ErrUnsupportedAlgorithm, kind)
	}
}

// parseECParams maps a DER-encoded curve OID to a curve.
func parseECParams(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, fmt.Errorf("failed to parse EC params OID: %w", err)
	}
	switch {
	case oid.Equal(asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}):
		return elliptic.P256(), nil
	case oid.Equal(asn1.ObjectIdentifier{1, 3, 132, 0, 34}):
		return elliptic.P384(), nil
	default:
		return nil, fmt.Errorf("%w: EC curve %v", piv.ErrUnsupportedAlgorithm, oid)
	}
}

// decodeECPoint accepts the uncompressed point either raw or wrapped in a
// DER OCTET STRING, as modules differ.
func decodeECPoint(curve elliptic.Curve, point []byte) (*ecdsa.PublicKey, error) {
	size := (curve.Params().BitSize + 7) / 8
	if len(point) != 1+2*size {
		var inner []byte
		if rest, err := asn1.Unmarshal(point, &inner); err == nil && len(rest) == 0 {
			point = inner
		}
	}
	//nolint:staticcheck // elliptic.Unmarshal is deprecated for ECDH but we need ECDSA
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, fmt.Errorf("failed to unmarshal EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// digestInfoPrefixes are the DER DigestInfo headers for PKCS#1 v1.5 (RFC 8017).
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
}

// addDigestInfoPrefix wraps digest in a DigestInfo for CKM_RSA_PKCS.
func addDigestInfoPrefix(digest []byte, hash crypto.Hash) []byte {
	prefix := digestInfoPrefixes[hash]
	out := make([]byte, 0, len(prefix)+len(digest))
	return append(append(out, prefix...), digest...)
}

// convertECDSASignature converts a raw r||s signature to DER.
func convertECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: raw ECDSA signature of %d bytes", piv.ErrMalformedSignature, len(raw))
	}
	n := len(raw) / 2
	return asn1.Marshal(struct {
		R, S *big.Int
	}{new(big.Int).SetBytes(raw[:n]), new(big.Int).SetBytes(raw[n:])})
}

// soError reports a failed security officer login as a management key
// problem.
func soError(err error) error {
	if isP11(err, pkcs11.CKR_PIN_INCORRECT) || isP11(err, pkcs11.CKR_PIN_LEN_RANGE) || isP11(err, pkcs11.CKR_PIN_LOCKED) {
		return fmt.Errorf("%w: %w", piv.ErrNotAuthenticated, err)
	}
	return err
}

// translateP11 maps PKCS#11 return values onto piv sentinels, keeping the
// original error in the chain.
func translateP11(err error) error {
	if err == nil || piv.Classify(err) != piv.ClassUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var p11err pkcs11.Error
	if !errors.As(err, &p11err) {
		return fmt.Errorf("%w: %w", piv.ErrTransport, err)
	}
	switch uint(p11err) {
	case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_LEN_RANGE:
		return fmt.Errorf("%w: %w", &piv.PinError{Retries: -1}, err)
	case pkcs11.CKR_PIN_LOCKED:
		return fmt.Errorf("%w: %w", &piv.PinError{Retries: 0}, err)
	case pkcs11.CKR_USER_NOT_LOGGED_IN, pkcs11.CKR_USER_PIN_NOT_INITIALIZED:
		return fmt.Errorf("%w: %w", piv.ErrPinRequired, err)
	case pkcs11.CKR_MECHANISM_INVALID, pkcs11.CKR_KEY_SIZE_RANGE,
		pkcs11.CKR_DOMAIN_PARAMS_INVALID, pkcs11.CKR_TEMPLATE_INCONSISTENT,
		pkcs11.CKR_ATTRIBUTE_VALUE_INVALID:
		return fmt.Errorf("%w: %w", piv.ErrUnsupportedAlgorithm, err)
	case pkcs11.CKR_KEY_HANDLE_INVALID, pkcs11.CKR_KEY_TYPE_INCONSISTENT,
		pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED:
		return fmt.Errorf("%w: %w", piv.ErrKeyMismatch, err)
	case pkcs11.CKR_OBJECT_HANDLE_INVALID:
		return fmt.Errorf("%w: %w", piv.ErrSlotEmpty, err)
	default:
		return fmt.Errorf("%w: %w", piv.ErrTransport, err)
	}
}
