// Package pivtest provides a software PIV token for tests. Keys are held in
// host memory, calls are recorded, and failures can be injected per
// operation.
package pivtest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// Op names a Session operation.
type Op string

const (
	OpGenerate Op = "generate"
	OpSign     Op = "sign"
	OpRead     Op = "read"
	OpWrite    Op = "write"
)

// Call is one recorded Session call.
type Call struct {
	Op        Op
	Slot      piv.SlotID
	Algorithm piv.SigningAlgorithm
}

type fault struct {
	err   error
	times int // <0 means every call
}

type slotKey struct {
	signer crypto.Signer
	handle piv.KeyHandle
}

// Token is an in-memory piv.Session. It is safe for concurrent use; calls
// are serialized like on a real token.
type Token struct {
	mu          sync.Mutex
	rand        io.Reader
	keys        map[piv.SlotID]slotKey
	certs       map[piv.SlotID][]byte
	calls       []Call
	faults      map[Op][]fault
	unsupported map[piv.SigningAlgorithm]bool
	signHook    func(piv.SignRequest, []byte) []byte
}

var _ piv.Session = (*Token)(nil)

// Option configures a Token.
type Option func(*Token)

// WithRand sets the randomness used for key generation and signing.
func WithRand(r io.Reader) Option {
	return func(t *Token) { t.rand = r }
}

// WithUnsupported makes Generate reject the given algorithms, as firmware
// without support for them would.
func WithUnsupported(algs ...piv.SigningAlgorithm) Option {
	return func(t *Token) {
		for _, a := range algs {
			t.unsupported[a] = true
		}
	}
}

// WithSignHook lets a test rewrite the signature the token returns.
func WithSignHook(fn func(req piv.SignRequest, sig []byte) []byte) Option {
	return func(t *Token) { t.signHook = fn }
}

// New returns an empty token.
func New(opts ...Option) *Token {
	t := &Token{
		rand:        rand.Reader,
		keys:        make(map[piv.SlotID]slotKey),
		certs:       make(map[piv.SlotID][]byte),
		faults:      make(map[Op][]fault),
		unsupported: make(map[piv.SigningAlgorithm]bool),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Fail makes the next n calls of op return err. A negative n fails every
// call until Reset.
func (t *Token) Fail(op Op, err error, n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[op] = append(t.faults[op], fault{err: err, times: n})
}

// Reset clears injected faults and the call log. Keys are kept.
func (t *Token) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = make(map[Op][]fault)
	t.calls = nil
}

// Calls returns a copy of the call log.
func (t *Token) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Count returns how many times op was called.
func (t *Token) Count(op Op) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Import places an existing key into a slot and returns its handle.
func (t *Token) Import(slot piv.SlotID, alg piv.SigningAlgorithm, signer crypto.Signer) *piv.KeyHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := piv.KeyHandle{Slot: slot, Algorithm: alg, PublicKey: signer.Public()}
	t.keys[slot] = slotKey{signer: signer, handle: h}
	return &h
}

// Key returns the handle of the key in slot, if any.
func (t *Token) Key(slot piv.SlotID) (*piv.KeyHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k, ok := t.keys[slot]
	if !ok {
		return nil, false
	}
	h := k.handle
	return &h, true
}

// Certificate returns the certificate stored for slot, if any.
func (t *Token) Certificate(slot piv.SlotID) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	der, ok := t.certs[slot]
	return der, ok
}

// begin records the call and returns an injected fault. Caller holds mu.
func (t *Token) begin(ctx context.Context, c Call) error {
	t.calls = append(t.calls, c)
	if err := ctx.Err(); err != nil {
		return err
	}

	fs := t.faults[c.Op]
	if len(fs) == 0 {
		return nil
	}
	f := &fs[0]
	err := f.err
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			t.faults[c.Op] = fs[1:]
		}
	}
	return err
}

// Generate implements piv.Session.
func (t *Token) Generate(ctx context.Context, req piv.GenerateRequest) (*piv.KeyHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.begin(ctx, Call{Op: OpGenerate, Slot: req.Slot, Algorithm: req.Algorithm}); err != nil {
		return nil, err
	}
	if t.unsupported[req.Algorithm] {
		return nil, fmt.Errorf("%w: %s", piv.ErrUnsupportedAlgorithm, req.Algorithm)
	}
	params, err := piv.ParametersFor(req.Algorithm)
	if err != nil {
		return nil, err
	}

	var signer crypto.Signer
	switch params.KeyKind {
	case piv.KeyKindEC:
		signer, err = ecdsa.GenerateKey(params.Curve, t.rand)
	case piv.KeyKindRSA:
		signer, err = rsa.GenerateKey(t.rand, params.Bits)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", piv.ErrTransport, err)
	}

	h := piv.KeyHandle{
		Slot:        req.Slot,
		Algorithm:   req.Algorithm,
		PublicKey:   signer.Public(),
		PinPolicy:   req.PinPolicy,
		TouchPolicy: req.TouchPolicy,
	}
	t.keys[req.Slot] = slotKey{signer: signer, handle: h}
	out := h
	return &out, nil
}

// Sign implements piv.Session.
func (t *Token) Sign(ctx context.Context, req piv.SignRequest) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.begin(ctx, Call{Op: OpSign, Slot: req.Slot, Algorithm: req.Algorithm}); err != nil {
		return nil, err
	}
	k, ok := t.keys[req.Slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s", piv.ErrSlotEmpty, req.Slot)
	}
	params, err := piv.ParametersFor(req.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := params.MatchesPublicKey(k.signer.Public()); err != nil {
		return nil, err
	}
	if len(req.Digest) != params.Hash.Size() {
		return nil, fmt.Errorf("%w: digest is %d bytes, want %d", piv.ErrKeyMismatch, len(req.Digest), params.Hash.Size())
	}

	sig, err := k.signer.Sign(t.rand, req.Digest, params.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", piv.ErrTransport, err)
	}
	if t.signHook != nil {
		sig = t.signHook(req, sig)
	}
	return sig, nil
}

// ReadCertificate implements piv.Session.
func (t *Token) ReadCertificate(ctx context.Context, slot piv.SlotID) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.begin(ctx, Call{Op: OpRead, Slot: slot}); err != nil {
		return nil, err
	}
	der, ok := t.certs[slot]
	if !ok {
		return nil, fmt.Errorf("%w: no certificate in %s", piv.ErrSlotEmpty, slot)
	}
	return append([]byte(nil), der...), nil
}

// WriteCertificate implements piv.Session.
func (t *Token) WriteCertificate(ctx context.Context, slot piv.SlotID, der []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.begin(ctx, Call{Op: OpWrite, Slot: slot}); err != nil {
		return err
	}
	t.certs[slot] = append([]byte(nil), der...)
	return nil
}
