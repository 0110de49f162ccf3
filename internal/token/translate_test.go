//go:build cgo

package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	gopiv "github.com/go-piv/piv-go/v2/piv"
	"github.com/miekg/pkcs11"

	"github.com/remiblancher/qpiv/pkg/piv"
)

func TestU_TranslatePIV(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"[Unit] PIV: auth error", fmt.Errorf("verify pin: %w", gopiv.AuthErr{Retries: 2}), piv.ErrPinIncorrect},
		{"[Unit] PIV: not found", fmt.Errorf("get cert: %w", gopiv.ErrNotFound), piv.ErrSlotEmpty},
		{"[Unit] PIV: security status", errors.New("smart card error 6982: security status not satisfied"), piv.ErrPinRequired},
		{"[Unit] PIV: management key", errors.New("authenticating with management key: bad"), piv.ErrNotAuthenticated},
		{"[Unit] PIV: unsupported", errors.New("smart card error 6a81: function not supported"), piv.ErrUnsupportedAlgorithm},
		{"[Unit] PIV: other", errors.New("reader went away"), piv.ErrTransport},
		{"[Unit] PIV: sentinel passes through", piv.ErrTouchTimeout, piv.ErrTouchTimeout},
		{"[Unit] PIV: context passes through", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translatePIV(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("translatePIV() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestU_TranslatePIV_Retries(t *testing.T) {
	err := translatePIV(gopiv.AuthErr{Retries: 1})
	var pe *piv.PinError
	if !errors.As(err, &pe) {
		t.Fatalf("translatePIV() = %v, want *PinError", err)
	}
	if pe.Retries != 1 {
		t.Errorf("Retries = %d, want 1", pe.Retries)
	}
}

func TestU_TranslateP11(t *testing.T) {
	tests := []struct {
		name string
		code uint
		want error
	}{
		{"[Unit] P11: pin incorrect", pkcs11.CKR_PIN_INCORRECT, piv.ErrPinIncorrect},
		{"[Unit] P11: pin locked", pkcs11.CKR_PIN_LOCKED, piv.ErrPinIncorrect},
		{"[Unit] P11: not logged in", pkcs11.CKR_USER_NOT_LOGGED_IN, piv.ErrPinRequired},
		{"[Unit] P11: mechanism", pkcs11.CKR_MECHANISM_INVALID, piv.ErrUnsupportedAlgorithm},
		{"[Unit] P11: key type", pkcs11.CKR_KEY_TYPE_INCONSISTENT, piv.ErrKeyMismatch},
		{"[Unit] P11: device removed", pkcs11.CKR_DEVICE_REMOVED, piv.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateP11(fmt.Errorf("sign: %w", pkcs11.Error(tt.code)))
			if !errors.Is(got, tt.want) {
				t.Errorf("translateP11(0x%x) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestU_SOError(t *testing.T) {
	if err := soError(pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)); !errors.Is(err, piv.ErrNotAuthenticated) {
		t.Errorf("soError() = %v, want ErrNotAuthenticated", err)
	}
	if got := translateP11(soError(pkcs11.Error(pkcs11.CKR_PIN_INCORRECT))); errors.Is(got, piv.ErrPinIncorrect) {
		t.Error("bad management key reported as a PIN error")
	}
}

func TestU_ConvertECDSASignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte("piv"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])

	der, err := convertECDSASignature(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], der) {
		t.Error("converted signature does not verify")
	}
	if _, err := convertECDSASignature(raw[:63]); !errors.Is(err, piv.ErrMalformedSignature) {
		t.Errorf("odd length error = %v, want ErrMalformedSignature", err)
	}
}

func TestU_DecodeECPoint(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	//nolint:staticcheck // test mirrors the module encoding
	raw := elliptic.Marshal(elliptic.P384(), key.X, key.Y)
	wrapped := append([]byte{0x04, byte(len(raw))}, raw...)

	for name, point := range map[string][]byte{"raw": raw, "wrapped": wrapped} {
		pub, err := decodeECPoint(elliptic.P384(), point)
		if err != nil {
			t.Fatalf("%s: decodeECPoint() error = %v", name, err)
		}
		if !pub.Equal(&key.PublicKey) {
			t.Errorf("%s: decoded point differs", name)
		}
	}
}

func TestU_PIVSlot(t *testing.T) {
	slot, err := pivSlot(piv.SlotRetired1)
	if err != nil {
		t.Fatal(err)
	}
	if slot.Key != 0x82 {
		t.Errorf("retired1 key = %x", slot.Key)
	}
	if _, err := pivSlot(piv.SlotAttestation); !errors.Is(err, piv.ErrInvalidSlot) {
		t.Errorf("pivSlot(f9) error = %v, want ErrInvalidSlot", err)
	}
	if _, err := pivAlgorithm(piv.Rsa4096); !errors.Is(err, piv.ErrUnsupportedAlgorithm) {
		t.Errorf("pivAlgorithm(Rsa4096) error = %v, want ErrUnsupportedAlgorithm", err)
	}
}
