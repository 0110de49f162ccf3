// Package selfsign issues self-signed certificates whose private key stays
// on a PIV token. The token generates the key (or an existing one is
// reused), the to-be-signed structure is built on the host, and only its
// digest is sent to the token for signing.
package selfsign

import (
	"context"
	"crypto/rand"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/x509util"
)

// DefaultSignTimeout bounds the PIN and touch wait when neither the request
// nor the Issuer sets one.
const DefaultSignTimeout = 30 * time.Second

// Request describes one self-signed certificate.
type Request struct {
	Slot      piv.SlotID
	Algorithm piv.SigningAlgorithm
	// Serial is generated (20 random octets, positive) when nil.
	Serial *big.Int
	// NotBefore defaults to the Issuer clock.
	NotBefore time.Time
	NotAfter  time.Time
	Subject   pkix.Name
	// Key defaults to GenerateKey{} with slot default policies.
	Key        KeySource
	Extensions x509util.ExtensionFunc
	// SignTimeout overrides the Issuer sign timeout for this request.
	SignTimeout time.Duration
}

// Observer receives stage timings and outcomes, e.g. for metrics.
type Observer interface {
	ObserveStage(stage Stage, alg piv.SigningAlgorithm, d time.Duration)
	ObserveResult(alg piv.SigningAlgorithm, err error)
}

// Auditor records security-relevant issuance events. An error from
// KeyGenerated or Issued fails the issuance.
type Auditor interface {
	KeyGenerated(h *piv.KeyHandle) error
	Issued(cert *x509util.Certificate, slot piv.SlotID) error
	Failed(err *IssueError) error
}

// Issuer runs issuances. The zero value is not usable; use NewIssuer.
type Issuer struct {
	now         func() time.Time
	rand        io.Reader
	logger      zerolog.Logger
	observer    Observer
	auditor     Auditor
	signTimeout time.Duration
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock sets the clock used for default NotBefore values.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRand sets the randomness used for generated serial numbers.
func WithRand(r io.Reader) Option {
	return func(i *Issuer) { i.rand = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

// WithObserver sets the observer.
func WithObserver(o Observer) Option {
	return func(i *Issuer) { i.observer = o }
}

// WithAuditor sets the auditor.
func WithAuditor(a Auditor) Option {
	return func(i *Issuer) { i.auditor = a }
}

// WithSignTimeout sets the default bound on PIN and touch waits.
func WithSignTimeout(d time.Duration) Option {
	return func(i *Issuer) { i.signTimeout = d }
}

// NewIssuer returns an Issuer with the given options.
func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{
		now:         time.Now,
		rand:        rand.Reader,
		logger:      zerolog.Nop(),
		signTimeout: DefaultSignTimeout,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

var defaultIssuer = NewIssuer()

// GenerateSelfSigned issues a certificate with the default Issuer.
func GenerateSelfSigned(ctx context.Context, session piv.Session, req Request) (*x509util.Certificate, error) {
	return defaultIssuer.GenerateSelfSigned(ctx, session, req)
}

// run tracks one issuance.
type run struct {
	is      *Issuer
	req     Request
	stage   Stage
	started time.Time
	key     *piv.KeyHandle
	log     zerolog.Logger
}

// enter moves to the next stage and reports the time spent in the last one.
func (r *run) enter(s Stage) {
	now := time.Now()
	if r.stage != 0 && r.is.observer != nil {
		r.is.observer.ObserveStage(r.stage, r.req.Algorithm, now.Sub(r.started))
	}
	r.stage, r.started = s, now
	r.log.Debug().Str("stage", s.String()).Msg("issuance stage")
}

func (r *run) fail(err error) *IssueError {
	return &IssueError{
		Stage:     r.stage,
		Slot:      r.req.Slot,
		Algorithm: r.req.Algorithm,
		Key:       r.key,
		Err:       err,
	}
}

// GenerateSelfSigned runs one issuance against session. It returns either a
// certificate or an *IssueError, never both. Token errors are returned as
// is; nothing is retried.
func (is *Issuer) GenerateSelfSigned(ctx context.Context, session piv.Session, req Request) (cert *x509util.Certificate, err error) {
	r := &run{
		is:  is,
		req: req,
		log: is.logger.With().Str("slot", req.Slot.String()).Str("algorithm", req.Algorithm.String()).Logger(),
	}
	defer func() {
		if is.observer != nil {
			if r.stage != 0 && err == nil {
				is.observer.ObserveStage(r.stage, req.Algorithm, time.Since(r.started))
			}
			is.observer.ObserveResult(req.Algorithm, err)
		}
		ie, ok := err.(*IssueError)
		if !ok {
			return
		}
		r.log.Warn().Err(ie.Err).Str("stage", ie.Stage.String()).
			Str("class", piv.Classify(ie.Err).String()).Msg("issuance failed")
		if is.auditor != nil {
			if aerr := is.auditor.Failed(ie); aerr != nil {
				r.log.Error().Err(aerr).Msg("failed to audit issuance failure")
			}
		}
	}()

	r.enter(StageValidated)
	params, resolved, err := is.validate(&req, session)
	if err != nil {
		return nil, r.fail(err)
	}
	r.req = req

	r.enter(StageKeyReady)
	handle, err := is.obtainKey(ctx, session, req, params, resolved)
	r.key = handle
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageTBSBuilt)
	spki, err := handle.SubjectPublicKeyInfo()
	if err != nil {
		return nil, r.fail(err)
	}
	tbs, err := x509util.BuildToBeSigned(x509util.TBSRequest{
		Serial:               req.Serial,
		NotBefore:            req.NotBefore,
		NotAfter:             req.NotAfter,
		Subject:              req.Subject,
		SubjectPublicKeyInfo: spki,
		Algorithm:            req.Algorithm,
	}, req.Extensions)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageSigned)
	timeout := req.SignTimeout
	if timeout <= 0 {
		timeout = is.signTimeout
	}
	sig, err := session.Sign(ctx, piv.SignRequest{
		Slot:      req.Slot,
		Algorithm: req.Algorithm,
		Digest:    params.Digest(tbs.Raw()),
		Timeout:   timeout,
	})
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageFinalized)
	cert, err = x509util.Finalize(tbs, req.Algorithm, sig)
	if err != nil {
		return nil, r.fail(err)
	}
	if err := cert.Verify(handle.PublicKey); err != nil {
		return nil, r.fail(err)
	}
	if is.auditor != nil {
		if err := is.auditor.Issued(cert, req.Slot); err != nil {
			return nil, r.fail(fmt.Errorf("audit: %w", err))
		}
	}

	r.log.Info().Str("serial", cert.Serial().Text(16)).Str("fingerprint", cert.Fingerprint()).Msg("certificate issued")
	return cert, nil
}

// resolvedKey carries the validated key source.
type resolvedKey struct {
	generate    bool
	existing    *piv.KeyHandle
	pinPolicy   piv.PinPolicy
	touchPolicy piv.TouchPolicy
}

// validate checks everything that can be checked without the token and
// fills request defaults.
func (is *Issuer) validate(req *Request, session piv.Session) (piv.Parameters, resolvedKey, error) {
	params, err := piv.ParametersFor(req.Algorithm)
	if err != nil {
		return piv.Parameters{}, resolvedKey{}, err
	}

	if req.Key == nil {
		req.Key = GenerateKey{}
	}
	var rk resolvedKey
	switch src := req.Key.(type) {
	case GenerateKey:
		rk.generate = true
		rk.pinPolicy, rk.touchPolicy, err = piv.ResolvePolicies(req.Slot, params.KeyKind, src.PinPolicy, src.TouchPolicy)
	case ExistingKey:
		rk.existing = src.Handle
		_, _, err = piv.ResolvePolicies(req.Slot, params.KeyKind, piv.PinPolicyDefault, piv.TouchPolicyDefault)
	default:
		err = fmt.Errorf("%w: unknown key source %T", ErrInvalidRequest, req.Key)
	}
	if err != nil {
		return piv.Parameters{}, resolvedKey{}, err
	}

	if session == nil {
		return piv.Parameters{}, resolvedKey{}, fmt.Errorf("%w: nil session", ErrInvalidRequest)
	}

	if req.Serial == nil {
		if req.Serial, err = randomSerial(is.rand); err != nil {
			return piv.Parameters{}, resolvedKey{}, err
		}
	} else {
		req.Serial = new(big.Int).Set(req.Serial)
	}
	if err := x509util.CheckSerial(req.Serial); err != nil {
		return piv.Parameters{}, resolvedKey{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if req.NotBefore.IsZero() {
		req.NotBefore = is.now()
	}
	if req.NotAfter.IsZero() {
		return piv.Parameters{}, resolvedKey{}, fmt.Errorf("%w: notAfter is required", ErrInvalidRequest)
	}
	if !req.NotAfter.Truncate(time.Second).After(req.NotBefore.Truncate(time.Second)) {
		return piv.Parameters{}, resolvedKey{}, fmt.Errorf("%w: notAfter must be after notBefore", ErrInvalidRequest)
	}
	return params, rk, nil
}

// obtainKey generates a key or checks the supplied handle. An existing
// handle is checked without touching the token.
func (is *Issuer) obtainKey(ctx context.Context, session piv.Session, req Request, params piv.Parameters, rk resolvedKey) (*piv.KeyHandle, error) {
	if !rk.generate {
		if err := rk.existing.Check(req.Slot, req.Algorithm); err != nil {
			return nil, err
		}
		return rk.existing, nil
	}

	h, err := session.Generate(ctx, piv.GenerateRequest{
		Slot:        req.Slot,
		Algorithm:   req.Algorithm,
		PinPolicy:   rk.pinPolicy,
		TouchPolicy: rk.touchPolicy,
	})
	if err != nil {
		return nil, err
	}
	if h == nil || h.Slot != req.Slot {
		return nil, fmt.Errorf("%w: token returned a key for another slot", piv.ErrKeyMismatch)
	}
	if err := params.MatchesPublicKey(h.PublicKey); err != nil {
		return h, err
	}
	is.logger.Debug().Str("slot", req.Slot.String()).Str("pin_policy", h.PinPolicy.String()).
		Str("touch_policy", h.TouchPolicy.String()).Msg("key generated")
	if is.auditor != nil {
		if err := is.auditor.KeyGenerated(h); err != nil {
			return h, fmt.Errorf("audit: %w", err)
		}
	}
	return h, nil
}

// randomSerial returns a positive serial of at most 20 DER octets.
func randomSerial(r io.Reader) (*big.Int, error) {
	var b [x509util.MaxSerialOctets]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		b[0] &= 0x7f
		if n := new(big.Int).SetBytes(b[:]); n.Sign() > 0 {
			return n, nil
		}
	}
}
