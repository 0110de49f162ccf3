// Package issuance runs self-signed issuances for the CLI and the HTTP API:
// it resolves request defaults, calls the orchestrator, records results in
// the journal and optionally writes the certificate back into its slot.
package issuance

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/pkg/audit"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
	"github.com/remiblancher/qpiv/pkg/x509util"
)

var (
	// ErrSerialReused indicates the serial is already present in the journal.
	ErrSerialReused = errors.New("serial number already issued")

	// ErrStoreFailed indicates the certificate was issued but could not be
	// written back into its slot.
	ErrStoreFailed = errors.New("failed to store certificate on token")
)

// MaxValidityDays bounds requested validity periods.
const MaxValidityDays = 36500

// MaxValidity is MaxValidityDays as a duration.
const MaxValidity = MaxValidityDays * 24 * time.Hour

// ValidityDays converts a day count, rejecting values outside
// 1..MaxValidityDays.
func ValidityDays(days int) (time.Duration, error) {
	if days <= 0 || days > MaxValidityDays {
		return 0, fmt.Errorf("%w: validity must be between 1 and %d days, got %d", selfsign.ErrInvalidRequest, MaxValidityDays, days)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Params describes one issuance request.
type Params struct {
	Slot      piv.SlotID
	Algorithm piv.SigningAlgorithm
	Subject   pkix.Name
	AltNames  x509util.AltNames
	// Serial is random when nil.
	Serial    *big.Int
	NotBefore time.Time
	// NotAfter wins over Validity when both are set.
	NotAfter time.Time
	Validity time.Duration

	PinPolicy   piv.PinPolicy
	TouchPolicy piv.TouchPolicy
	// ReuseKey signs with the key already in the slot, identified by the
	// slot's current certificate, instead of generating one. Algorithm may
	// be left zero to take the key's algorithm.
	ReuseKey bool

	// CA marks the certificate as a self-signed CA (basic constraints and
	// certificate signing key usage).
	CA bool

	// Store writes the certificate into the slot's data object.
	Store bool

	AllowSerialReuse bool
	SignTimeout      time.Duration
}

// Result is the outcome of a successful issuance.
type Result struct {
	Certificate *x509util.Certificate
	Record      journal.Record
	// Stored reports whether the certificate was written to the token.
	Stored bool
	// Recorded reports whether the journal holds the issuance.
	Recorded bool
}

// StoreObserver is told about certificate write-backs.
type StoreObserver interface {
	ObserveStore(err error)
}

// Service issues certificates against one token session.
type Service struct {
	session  piv.Session
	issuer   *selfsign.Issuer
	journal  *journal.Journal
	observer StoreObserver
	token    string
	log      zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
	// pending holds serials of issuances in progress.
	pending map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records issuances in j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithStoreObserver sets the write-back observer.
func WithStoreObserver(o StoreObserver) Option {
	return func(s *Service) { s.observer = o }
}

// WithTokenName sets the token description used in audit events.
func WithTokenName(name string) Option {
	return func(s *Service) { s.token = name }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock sets the clock used for default validity windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service. A nil issuer uses selfsign defaults.
func New(session piv.Session, issuer *selfsign.Issuer, opts ...Option) *Service {
	if issuer == nil {
		issuer = selfsign.NewIssuer()
	}
	s := &Service{
		session: session,
		issuer:  issuer,
		log:     zerolog.Nop(),
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue runs one issuance. A supplied serial is reserved for the duration
// of the call. When the certificate is issued but the write-back fails,
// both the Result and an error wrapping ErrStoreFailed are returned.
func (s *Service) Issue(ctx context.Context, p Params) (*Result, error) {
	if p.Validity < 0 || p.Validity > MaxValidity {
		return nil, fmt.Errorf("%w: validity must be at most %d days", selfsign.ErrInvalidRequest, MaxValidityDays)
	}

	unique := p.Serial != nil && s.journal != nil && !p.AllowSerialReuse
	if unique {
		key := journal.SerialKey(p.Serial)
		if err := s.reserve(key); err != nil {
			return nil, err
		}
		defer s.release(key)
	}

	req, err := s.request(ctx, p)
	if err != nil {
		return nil, err
	}
	cert, err := s.issuer.GenerateSelfSigned(ctx, s.session, req)
	if err != nil {
		return nil, err
	}

	res := &Result{Certificate: cert, Record: recordFor(cert, req.Slot, s.now())}
	if s.journal != nil {
		put := s.journal.Put
		if unique {
			put = s.journal.PutNew
		}
		switch err := put(res.Record); {
		case errors.Is(err, journal.ErrExists):
			// Recorded outside this Service since reserve.
			return res, fmt.Errorf("%w: %s", ErrSerialReused, res.Record.Serial)
		case err != nil:
			s.log.Error().Err(err).Str("serial", res.Record.Serial).Msg("failed to record issuance")
		default:
			res.Recorded = true
		}
	}

	if !p.Store {
		return res, nil
	}
	if err := s.store(ctx, cert, req.Slot); err != nil {
		return res, err
	}
	res.Stored = true
	res.Record.Stored = true
	if res.Recorded {
		if err := s.journal.MarkStored(res.Record.Serial); err != nil {
			s.log.Error().Err(err).Str("serial", res.Record.Serial).Msg("failed to mark issuance stored")
		}
	}
	return res, nil
}

// reserve claims serial for one issuance. It fails when the journal already
// holds the serial or another issuance is using it.
func (s *Service) reserve(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.pending[serial]; busy {
		return fmt.Errorf("%w: %s (issuance in progress)", ErrSerialReused, serial)
	}
	seen, err := s.journal.Has(serial)
	if err != nil {
		return err
	}
	if seen {
		return fmt.Errorf("%w: %s", ErrSerialReused, serial)
	}
	s.pending[serial] = struct{}{}
	return nil
}

func (s *Service) release(serial string) {
	s.mu.Lock()
	delete(s.pending, serial)
	s.mu.Unlock()
}

// request turns Params into an orchestrator request. In ReuseKey mode the
// slot is checked before the token is read.
func (s *Service) request(ctx context.Context, p Params) (selfsign.Request, error) {
	req := selfsign.Request{
		Slot:        p.Slot,
		Algorithm:   p.Algorithm,
		Serial:      p.Serial,
		NotBefore:   p.NotBefore,
		NotAfter:    p.NotAfter,
		Subject:     p.Subject,
		Extensions:  extensionsFor(p),
		SignTimeout: p.SignTimeout,
	}
	if req.NotAfter.IsZero() && p.Validity > 0 {
		start := req.NotBefore
		if start.IsZero() {
			start = s.now()
			req.NotBefore = start
		}
		req.NotAfter = start.Add(p.Validity)
	}

	if !p.ReuseKey {
		req.Key = selfsign.GenerateKey{PinPolicy: p.PinPolicy, TouchPolicy: p.TouchPolicy}
		return req, nil
	}
	fail := func(stage selfsign.Stage, err error) (selfsign.Request, error) {
		return selfsign.Request{}, &selfsign.IssueError{Stage: stage, Slot: p.Slot, Algorithm: p.Algorithm, Err: err}
	}
	if err := checkReuseSlot(p.Slot, p.Algorithm); err != nil {
		return fail(selfsign.StageValidated, err)
	}
	h, err := s.ExistingKey(ctx, p.Slot)
	if err != nil {
		return fail(selfsign.StageKeyReady, err)
	}
	if req.Algorithm == 0 {
		req.Algorithm = h.Algorithm
	}
	req.Key = selfsign.ExistingKey{Handle: h}
	return req, nil
}

// checkReuseSlot checks that slot can hold an issued key, and one of alg's
// kind when alg is set.
func checkReuseSlot(slot piv.SlotID, alg piv.SigningAlgorithm) error {
	if alg != 0 {
		params, err := piv.ParametersFor(alg)
		if err != nil {
			return err
		}
		_, _, err = piv.ResolvePolicies(slot, params.KeyKind, piv.PinPolicyDefault, piv.TouchPolicyDefault)
		return err
	}
	sp, err := piv.PolicyFor(slot)
	if err != nil {
		return err
	}
	if piv.IsRetired(slot) || !sp.Issuable {
		return fmt.Errorf("%w: %s cannot hold an issued key", piv.ErrInvalidSlot, slot)
	}
	return nil
}

// ExistingKey builds a handle for the key in slot from the certificate
// stored next to it. Policies are the slot defaults.
func (s *Service) ExistingKey(ctx context.Context, slot piv.SlotID) (*piv.KeyHandle, error) {
	der, err := s.session.ReadCertificate(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("reading certificate of slot %s: %w", slot, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: slot %s holds an unparseable certificate: %v", piv.ErrKeyMismatch, slot, err)
	}
	alg, err := piv.AlgorithmOf(cert.PublicKey)
	if err != nil {
		return nil, err
	}
	sp, err := piv.PolicyFor(slot)
	if err != nil {
		return nil, err
	}
	return &piv.KeyHandle{
		Slot:        slot,
		Algorithm:   alg,
		PublicKey:   cert.PublicKey,
		PinPolicy:   sp.Pin,
		TouchPolicy: sp.Touch,
	}, nil
}

func (s *Service) store(ctx context.Context, cert *x509util.Certificate, slot piv.SlotID) error {
	serial := cert.Serial().Text(16)
	err := s.session.WriteCertificate(ctx, slot, cert.Raw)
	if s.observer != nil {
		s.observer.ObserveStore(err)
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if aerr := audit.LogCertStored(serial, cert.Fingerprint(), slot, s.token, err == nil, reason); aerr != nil {
		if err == nil {
			return fmt.Errorf("%w: audit: %w", ErrStoreFailed, aerr)
		}
		s.log.Error().Err(aerr).Msg("failed to audit certificate store")
	}
	if err != nil {
		s.log.Warn().Err(err).Str("slot", slot.String()).Str("serial", serial).Msg("certificate store failed")
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	s.log.Info().Str("slot", slot.String()).Str("serial", serial).Msg("certificate stored on token")
	return nil
}

// extensionsFor returns the default extension set for p.
func extensionsFor(p Params) x509util.ExtensionFunc {
	return func(b *x509util.ExtensionBuilder) error {
		usage := x509.KeyUsageDigitalSignature
		if p.CA {
			usage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		}
		if err := b.KeyUsage(usage); err != nil {
			return err
		}
		if p.CA {
			if err := b.BasicConstraints(true, -1); err != nil {
				return err
			}
		}
		if err := b.SubjectKeyID(); err != nil {
			return err
		}
		if !p.AltNames.IsEmpty() {
			return b.SubjectAltNames(p.AltNames, isEmptyName(p.Subject))
		}
		return nil
	}
}

func isEmptyName(n pkix.Name) bool {
	return len(n.ToRDNSequence()) == 0
}

func recordFor(cert *x509util.Certificate, slot piv.SlotID, now time.Time) journal.Record {
	rec := journal.Record{
		Serial:      journal.SerialKey(cert.Serial()),
		Slot:        slot.String(),
		Algorithm:   cert.Algorithm.String(),
		NotBefore:   cert.TBS.NotBefore(),
		NotAfter:    cert.TBS.NotAfter(),
		Fingerprint: cert.Fingerprint(),
		IssuedAt:    now.UTC(),
		DER:         cert.Raw,
	}
	if name, err := cert.TBS.Subject(); err == nil {
		rec.Subject = name.String()
	}
	return rec
}

// SlotState reports the certificate object of one slot.
type SlotState struct {
	Slot           piv.SlotID
	HasCertificate bool
	Subject        string
	Algorithm      string
	NotAfter       time.Time
}

// SlotStatus reads the certificate object of every issuable slot.
func (s *Service) SlotStatus(ctx context.Context) ([]SlotState, error) {
	var out []SlotState
	for _, slot := range piv.IssuableSlots() {
		st := SlotState{Slot: slot}
		der, err := s.session.ReadCertificate(ctx, slot)
		switch {
		case errors.Is(err, piv.ErrSlotEmpty):
		case err != nil:
			return nil, fmt.Errorf("reading certificate of slot %s: %w", slot, err)
		default:
			st.HasCertificate = true
			if cert, err := x509.ParseCertificate(der); err == nil {
				st.Subject = cert.Subject.String()
				st.NotAfter = cert.NotAfter
				if alg, err := piv.AlgorithmOf(cert.PublicKey); err == nil {
					st.Algorithm = alg.String()
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}
