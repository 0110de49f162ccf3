package selfsign

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/piv/pivtest"
	"github.com/remiblancher/qpiv/pkg/x509util"
)

var testNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestIssuer(opts ...Option) *Issuer {
	return NewIssuer(append([]Option{WithClock(func() time.Time { return testNow })}, opts...)...)
}

func baseRequest() Request {
	return Request{
		Slot:      piv.SlotAuthentication,
		Algorithm: piv.EccP256,
		Serial:    big.NewInt(1001),
		NotAfter:  testNow.AddDate(1, 0, 0),
		Subject:   pkix.Name{CommonName: "Jane Operator"},
	}
}

func requireIssueError(t *testing.T, err error, stage Stage, target error) *IssueError {
	t.Helper()
	var ie *IssueError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v (%T), want *IssueError", err, err)
	}
	if ie.Stage != stage {
		t.Errorf("Stage = %s, want %s", ie.Stage, stage)
	}
	if target != nil && !errors.Is(err, target) {
		t.Errorf("error = %v, want %v", err, target)
	}
	return ie
}

// =============================================================================
// [Unit] Successful issuance
// =============================================================================

func TestU_GenerateSelfSigned_EccP256Authentication(t *testing.T) {
	tok := pivtest.New()
	cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, baseRequest())
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error = %v", err)
	}

	h, ok := tok.Key(piv.SlotAuthentication)
	if !ok {
		t.Fatal("no key generated in slot 9a")
	}
	if h.PinPolicy != piv.PinPolicyOnce || h.TouchPolicy != piv.TouchPolicyNever {
		t.Errorf("policies = %s/%s, want slot defaults", h.PinPolicy, h.TouchPolicy)
	}

	parsed, err := cert.X509()
	if err != nil {
		t.Fatalf("X509() error = %v", err)
	}
	pub, ok := parsed.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(h.PublicKey) {
		t.Error("certificate public key does not match the generated key")
	}
	if err := parsed.CheckSignature(parsed.SignatureAlgorithm, parsed.RawTBSCertificate, parsed.Signature); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
	if !bytes.Equal(parsed.RawIssuer, parsed.RawSubject) {
		t.Error("issuer differs from subject")
	}
	if !parsed.NotBefore.Equal(testNow) {
		t.Errorf("NotBefore = %s, want clock time", parsed.NotBefore)
	}
	if parsed.SerialNumber.Int64() != 1001 {
		t.Errorf("SerialNumber = %s", parsed.SerialNumber)
	}

	calls := tok.Calls()
	if len(calls) != 2 || calls[0].Op != pivtest.OpGenerate || calls[1].Op != pivtest.OpSign {
		t.Errorf("token calls = %+v, want generate then sign", calls)
	}
}

func TestU_GenerateSelfSigned_Algorithms(t *testing.T) {
	tests := []struct {
		name string
		alg  piv.SigningAlgorithm
		slot piv.SlotID
		want x509.SignatureAlgorithm
	}{
		{"[Unit] Issue: ecc-p384 in 9c", piv.EccP384, piv.SlotSignature, x509.ECDSAWithSHA384},
		{"[Unit] Issue: rsa-1024 in 9d", piv.Rsa1024, piv.SlotKeyManagement, x509.SHA256WithRSA},
		{"[Unit] Issue: rsa-2048 in 9e", piv.Rsa2048, piv.SlotCardAuthentication, x509.SHA256WithRSA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			req.Algorithm, req.Slot = tt.alg, tt.slot
			cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), pivtest.New(), req)
			if err != nil {
				t.Fatalf("GenerateSelfSigned() error = %v", err)
			}
			parsed, err := cert.X509()
			if err != nil {
				t.Fatal(err)
			}
			if parsed.SignatureAlgorithm != tt.want {
				t.Errorf("SignatureAlgorithm = %s, want %s", parsed.SignatureAlgorithm, tt.want)
			}
		})
	}
}

func TestU_GenerateSelfSigned_RandomSerial(t *testing.T) {
	req := baseRequest()
	req.Serial = nil
	cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), pivtest.New(), req)
	if err != nil {
		t.Fatal(err)
	}
	serial := cert.Serial()
	if serial.Sign() <= 0 || len(serial.Bytes()) > x509util.MaxSerialOctets {
		t.Errorf("serial %x out of range", serial)
	}
}

// =============================================================================
// [Unit] Validation fails before any token call
// =============================================================================

func TestU_GenerateSelfSigned_ValidationZeroCalls(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		want   error
	}{
		{"[Unit] Validate: unknown algorithm", func(r *Request) { r.Algorithm = piv.SigningAlgorithm(99) }, piv.ErrUnsupportedAlgorithm},
		{"[Unit] Validate: retired slot", func(r *Request) { r.Slot = piv.SlotRetired1 }, piv.ErrInvalidSlot},
		{"[Unit] Validate: attestation slot", func(r *Request) { r.Slot = piv.SlotAttestation }, piv.ErrInvalidSlot},
		{"[Unit] Validate: unknown slot", func(r *Request) { r.Slot = 0x10 }, piv.ErrInvalidSlot},
		{"[Unit] Validate: signature slot without PIN", func(r *Request) {
			r.Slot = piv.SlotSignature
			r.Key = GenerateKey{PinPolicy: piv.PinPolicyNever}
		}, piv.ErrInvalidSlot},
		{"[Unit] Validate: bad touch policy", func(r *Request) { r.Key = GenerateKey{TouchPolicy: piv.TouchPolicy(12)} }, piv.ErrUnsupportedPolicy},
		{"[Unit] Validate: negative serial", func(r *Request) { r.Serial = big.NewInt(-1) }, ErrInvalidRequest},
		{"[Unit] Validate: oversized serial", func(r *Request) { r.Serial = new(big.Int).Lsh(big.NewInt(1), 200) }, ErrInvalidRequest},
		{"[Unit] Validate: missing notAfter", func(r *Request) { r.NotAfter = time.Time{} }, ErrInvalidRequest},
		{"[Unit] Validate: notAfter before notBefore", func(r *Request) { r.NotBefore = r.NotAfter.Add(time.Hour) }, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := pivtest.New()
			req := baseRequest()
			tt.mutate(&req)
			cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, req)
			if cert != nil {
				t.Error("certificate returned with error")
			}
			requireIssueError(t, err, StageValidated, tt.want)
			if piv.Classify(tt.want) == piv.ClassValidation && piv.Classify(err) != piv.ClassValidation {
				t.Errorf("Classify() = %s, want validation", piv.Classify(err))
			}
			if n := len(tok.Calls()); n != 0 {
				t.Errorf("token calls = %d, want 0", n)
			}
		})
	}
}

func TestU_GenerateSelfSigned_ExistingKeyMismatch(t *testing.T) {
	tok := pivtest.New()
	key, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)

	tests := []struct {
		name   string
		handle *piv.KeyHandle
	}{
		{"[Unit] ExistingKey: nil handle", nil},
		{"[Unit] ExistingKey: other slot", &piv.KeyHandle{Slot: piv.SlotSignature, Algorithm: piv.EccP256, PublicKey: key.Public()}},
		{"[Unit] ExistingKey: other algorithm", &piv.KeyHandle{Slot: piv.SlotAuthentication, Algorithm: piv.EccP384, PublicKey: key.Public()}},
		{"[Unit] ExistingKey: wrong curve", &piv.KeyHandle{Slot: piv.SlotAuthentication, Algorithm: piv.EccP256, PublicKey: key.Public()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok.Reset()
			req := baseRequest()
			req.Key = ExistingKey{Handle: tt.handle}
			_, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, req)
			requireIssueError(t, err, StageKeyReady, piv.ErrKeyMismatch)
			if n := len(tok.Calls()); n != 0 {
				t.Errorf("token calls = %d, want 0", n)
			}
		})
	}
}

// =============================================================================
// [Unit] Token and construction failures
// =============================================================================

func TestU_GenerateSelfSigned_SignFailureIsAtomic(t *testing.T) {
	tok := pivtest.New()
	tok.Fail(pivtest.OpSign, &piv.PinError{Retries: 2}, 1)

	cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, baseRequest())
	if cert != nil {
		t.Fatal("certificate returned on sign failure")
	}
	ie := requireIssueError(t, err, StageSigned, piv.ErrPinIncorrect)
	var pe *piv.PinError
	if !errors.As(err, &pe) || pe.Retries != 2 {
		t.Errorf("PinError = %v", pe)
	}
	if ie.Key == nil || ie.Slot != piv.SlotAuthentication || ie.Algorithm != piv.EccP256 {
		t.Errorf("IssueError context = %+v", ie)
	}
	if tok.Count(pivtest.OpSign) != 1 {
		t.Errorf("sign calls = %d, want 1 (no retry)", tok.Count(pivtest.OpSign))
	}
}

func TestU_GenerateSelfSigned_TouchTimeoutReuse(t *testing.T) {
	tok := pivtest.New()
	tok.Fail(pivtest.OpSign, piv.ErrTouchTimeout, -1)
	issuer := newTestIssuer()

	req := baseRequest()
	req.Key = GenerateKey{TouchPolicy: piv.TouchPolicyAlways}
	cert, err := issuer.GenerateSelfSigned(context.Background(), tok, req)
	if cert != nil {
		t.Fatal("certificate returned on touch timeout")
	}
	first := requireIssueError(t, err, StageSigned, piv.ErrTouchTimeout)
	if first.Key == nil {
		t.Fatal("IssueError.Key is nil after generation")
	}

	req.Key = ExistingKey{Handle: first.Key}
	cert, err = issuer.GenerateSelfSigned(context.Background(), tok, req)
	if cert != nil {
		t.Fatal("certificate returned on second touch timeout")
	}
	requireIssueError(t, err, StageSigned, piv.ErrTouchTimeout)

	if n := tok.Count(pivtest.OpGenerate); n != 1 {
		t.Errorf("generate calls = %d, want 1", n)
	}
	if n := tok.Count(pivtest.OpSign); n != 2 {
		t.Errorf("sign calls = %d, want 2", n)
	}
	h, _ := tok.Key(piv.SlotAuthentication)
	if !h.PublicKey.(*ecdsa.PublicKey).Equal(first.Key.PublicKey) {
		t.Error("slot key changed between attempts")
	}
}

func TestU_GenerateSelfSigned_ExistingKeySucceeds(t *testing.T) {
	tok := pivtest.New()
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	h := tok.Import(piv.SlotKeyManagement, piv.EccP256, key)

	req := baseRequest()
	req.Slot = piv.SlotKeyManagement
	req.Key = ExistingKey{Handle: h}
	cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, req)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error = %v", err)
	}
	if err := cert.Verify(&key.PublicKey); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if tok.Count(pivtest.OpGenerate) != 0 {
		t.Error("existing key was regenerated")
	}
}

func TestU_GenerateSelfSigned_ExtensionFailureBeforeSign(t *testing.T) {
	tok := pivtest.New()
	boom := errors.New("callback refused")
	calls := 0

	req := baseRequest()
	req.Extensions = func(b *x509util.ExtensionBuilder) error {
		calls++
		return boom
	}
	_, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, req)
	requireIssueError(t, err, StageTBSBuilt, piv.ErrExtensionBuildFailed)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want cause in chain", err)
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
	if tok.Count(pivtest.OpSign) != 0 {
		t.Error("sign requested after extension failure")
	}
}

func TestU_GenerateSelfSigned_GenerateFailures(t *testing.T) {
	tests := []struct {
		name string
		tok  func() *pivtest.Token
		want error
	}{
		{"[Unit] Generate: unsupported by firmware", func() *pivtest.Token { return pivtest.New(pivtest.WithUnsupported(piv.EccP256)) }, piv.ErrUnsupportedAlgorithm},
		{"[Unit] Generate: not authenticated", func() *pivtest.Token {
			tok := pivtest.New()
			tok.Fail(pivtest.OpGenerate, piv.ErrNotAuthenticated, 1)
			return tok
		}, piv.ErrNotAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := tt.tok()
			_, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, baseRequest())
			ie := requireIssueError(t, err, StageKeyReady, tt.want)
			if ie.Key != nil {
				t.Error("IssueError.Key set without a generated key")
			}
			if tok.Count(pivtest.OpSign) != 0 {
				t.Error("sign requested after generate failure")
			}
		})
	}
}

func TestU_GenerateSelfSigned_MalformedSignature(t *testing.T) {
	tok := pivtest.New(pivtest.WithSignHook(func(_ piv.SignRequest, sig []byte) []byte {
		return sig[:len(sig)-1]
	}))
	cert, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, baseRequest())
	if cert != nil {
		t.Fatal("certificate returned with malformed signature")
	}
	requireIssueError(t, err, StageFinalized, piv.ErrMalformedSignature)
}

func TestU_GenerateSelfSigned_SignatureFromOtherKey(t *testing.T) {
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tok := pivtest.New(pivtest.WithSignHook(func(req piv.SignRequest, _ []byte) []byte {
		sig, _ := ecdsa.SignASN1(rand.Reader, other, req.Digest)
		return sig
	}))
	_, err := newTestIssuer().GenerateSelfSigned(context.Background(), tok, baseRequest())
	requireIssueError(t, err, StageFinalized, piv.ErrKeyMismatch)
}

func TestU_GenerateSelfSigned_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cert, err := newTestIssuer().GenerateSelfSigned(ctx, pivtest.New(), baseRequest())
	if cert != nil || !errors.Is(err, context.Canceled) {
		t.Errorf("GenerateSelfSigned() = %v, %v; want context.Canceled", cert, err)
	}
}

func TestU_GenerateSelfSigned_NilSession(t *testing.T) {
	_, err := GenerateSelfSigned(context.Background(), nil, baseRequest())
	requireIssueError(t, err, StageValidated, ErrInvalidRequest)
}

// =============================================================================
// [Unit] Observer and Auditor
// =============================================================================

type recorder struct {
	mu        sync.Mutex
	stages    []Stage
	results   []error
	generated int
	issued    int
	failed    []*IssueError
	issuedErr error
}

func (r *recorder) ObserveStage(s Stage, _ piv.SigningAlgorithm, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recorder) ObserveResult(_ piv.SigningAlgorithm, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, err)
}

func (r *recorder) KeyGenerated(*piv.KeyHandle) error {
	r.generated++
	return nil
}

func (r *recorder) Issued(*x509util.Certificate, piv.SlotID) error {
	r.issued++
	return r.issuedErr
}

func (r *recorder) Failed(err *IssueError) error {
	r.failed = append(r.failed, err)
	return nil
}

func TestU_Issuer_ObserverSeesAllStages(t *testing.T) {
	rec := &recorder{}
	issuer := newTestIssuer(WithObserver(rec), WithAuditor(rec))
	if _, err := issuer.GenerateSelfSigned(context.Background(), pivtest.New(), baseRequest()); err != nil {
		t.Fatal(err)
	}
	want := []Stage{StageValidated, StageKeyReady, StageTBSBuilt, StageSigned, StageFinalized}
	if len(rec.stages) != len(want) {
		t.Fatalf("stages = %v, want %v", rec.stages, want)
	}
	for i := range want {
		if rec.stages[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, rec.stages[i], want[i])
		}
	}
	if len(rec.results) != 1 || rec.results[0] != nil {
		t.Errorf("results = %v", rec.results)
	}
	if rec.generated != 1 || rec.issued != 1 || len(rec.failed) != 0 {
		t.Errorf("audit = %d generated, %d issued, %d failed", rec.generated, rec.issued, len(rec.failed))
	}
}

func TestU_Issuer_AuditFailureFailsIssuance(t *testing.T) {
	rec := &recorder{issuedErr: errors.New("disk full")}
	cert, err := newTestIssuer(WithAuditor(rec)).GenerateSelfSigned(context.Background(), pivtest.New(), baseRequest())
	if cert != nil {
		t.Fatal("certificate returned when audit failed")
	}
	requireIssueError(t, err, StageFinalized, nil)
	if len(rec.failed) != 1 {
		t.Errorf("failed events = %d, want 1", len(rec.failed))
	}
}

func TestU_Stage_String(t *testing.T) {
	if StageTBSBuilt.String() != "tbs-built" || Stage(0).String() != "Stage(0)" {
		t.Error("unexpected stage names")
	}
}
