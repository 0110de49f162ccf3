// Package piv models the fixed capabilities of a PIV token: the signing
// algorithms it can generate keys for, its key slots and their access
// policies, and the session contract used to drive key generation and
// signing on the token.
package piv

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SigningAlgorithm identifies a key type and signature scheme a PIV slot
// can hold.
type SigningAlgorithm int

// Signing algorithms. The zero value is not a valid algorithm.
const (
	EccP256 SigningAlgorithm = iota + 1
	EccP384
	Rsa1024
	Rsa2048
	Rsa3072
	Rsa4096
)

// KeyKind is the asymmetric key family of an algorithm.
type KeyKind int

const (
	KeyKindEC KeyKind = iota + 1
	KeyKindRSA
)

// String returns the key kind name.
func (k KeyKind) String() string {
	switch k {
	case KeyKindEC:
		return "EC"
	case KeyKindRSA:
		return "RSA"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

// Mechanism is the signature scheme applied by the token.
type Mechanism int

const (
	// MechanismECDSA signs a digest with ECDSA and returns a DER
	// Ecdsa-Sig-Value.
	MechanismECDSA Mechanism = iota + 1
	// MechanismRSAPKCS1v15 signs a DigestInfo with RSASSA-PKCS1-v1_5.
	MechanismRSAPKCS1v15
)

// String returns the mechanism name.
func (m Mechanism) String() string {
	switch m {
	case MechanismECDSA:
		return "ecdsa"
	case MechanismRSAPKCS1v15:
		return "rsa-pkcs1v15"
	default:
		return fmt.Sprintf("Mechanism(%d)", int(m))
	}
}

var (
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
)

// Parameters holds everything needed to generate a key for an algorithm
// and to produce and check its signatures.
type Parameters struct {
	Algorithm SigningAlgorithm
	KeyKind   KeyKind
	// Bits is the RSA modulus size or the EC curve size.
	Bits int
	// Curve is set for EC algorithms only.
	Curve     elliptic.Curve
	Hash      crypto.Hash
	Mechanism Mechanism
	X509      x509.SignatureAlgorithm
	// SignatureAlgorithm is the AlgorithmIdentifier written into the
	// certificate.
	SignatureAlgorithm pkix.AlgorithmIdentifier
}

// ParametersFor returns the registry entry for alg.
// It fails only for values outside the enumerated set.
func ParametersFor(alg SigningAlgorithm) (Parameters, error) {
	p := Parameters{Algorithm: alg, Hash: crypto.SHA256}

	switch alg {
	case EccP256:
		p.KeyKind, p.Bits, p.Curve = KeyKindEC, 256, elliptic.P256()
		p.Mechanism, p.X509 = MechanismECDSA, x509.ECDSAWithSHA256
		p.SignatureAlgorithm = pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256}
	case EccP384:
		p.KeyKind, p.Bits, p.Curve = KeyKindEC, 384, elliptic.P384()
		p.Hash = crypto.SHA384
		p.Mechanism, p.X509 = MechanismECDSA, x509.ECDSAWithSHA384
		p.SignatureAlgorithm = pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA384}
	case Rsa1024, Rsa2048, Rsa3072, Rsa4096:
		p.KeyKind, p.Bits = KeyKindRSA, rsaBits(alg)
		p.Mechanism, p.X509 = MechanismRSAPKCS1v15, x509.SHA256WithRSA
		p.SignatureAlgorithm = pkix.AlgorithmIdentifier{
			Algorithm:  oidSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		}
	default:
		return Parameters{}, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, int(alg))
	}

	return p, nil
}

func rsaBits(alg SigningAlgorithm) int {
	switch alg {
	case Rsa1024:
		return 1024
	case Rsa2048:
		return 2048
	case Rsa3072:
		return 3072
	default:
		return 4096
	}
}

var algorithmNames = map[SigningAlgorithm]string{
	EccP256: "ecc-p256",
	EccP384: "ecc-p384",
	Rsa1024: "rsa-1024",
	Rsa2048: "rsa-2048",
	Rsa3072: "rsa-3072",
	Rsa4096: "rsa-4096",
}

// Algorithms returns every signing algorithm in the registry.
func Algorithms() []SigningAlgorithm {
	return []SigningAlgorithm{EccP256, EccP384, Rsa1024, Rsa2048, Rsa3072, Rsa4096}
}

// String returns the algorithm name used in flags and configuration.
func (a SigningAlgorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("SigningAlgorithm(%d)", int(a))
}

// IsValid reports whether a is a member of the registry.
func (a SigningAlgorithm) IsValid() bool {
	_, ok := algorithmNames[a]
	return ok
}

// ParseSigningAlgorithm parses an algorithm name such as "ecc-p256" or
// "rsa2048". Matching is case-insensitive.
func ParseSigningAlgorithm(s string) (SigningAlgorithm, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	for alg, name := range algorithmNames {
		if norm == name || norm == strings.ReplaceAll(name, "-", "") {
			return alg, nil
		}
	}
	switch norm {
	case "p256", "p-256", "ecdsa-p256":
		return EccP256, nil
	case "p384", "p-384", "ecdsa-p384":
		return EccP384, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// MarshalText implements encoding.TextMarshaler.
func (a SigningAlgorithm) MarshalText() ([]byte, error) {
	if !a.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *SigningAlgorithm) UnmarshalText(text []byte) error {
	alg, err := ParseSigningAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = alg
	return nil
}

// Digest hashes msg with the algorithm's hash function.
func (p Parameters) Digest(msg []byte) []byte {
	h := p.Hash.New()
	h.Write(msg)
	return h.Sum(nil)
}

// MatchesPublicKey returns ErrKeyMismatch if pub is not a key of this
// algorithm's kind and size.
func (p Parameters) MatchesPublicKey(pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if p.KeyKind != KeyKindEC || k.Curve != p.Curve {
			return fmt.Errorf("%w: EC %s key for %s", ErrKeyMismatch, k.Curve.Params().Name, p.Algorithm)
		}
	case *rsa.PublicKey:
		if p.KeyKind != KeyKindRSA || k.N.BitLen() != p.Bits {
			return fmt.Errorf("%w: RSA-%d key for %s", ErrKeyMismatch, k.N.BitLen(), p.Algorithm)
		}
	default:
		return fmt.Errorf("%w: %T key for %s", ErrKeyMismatch, pub, p.Algorithm)
	}
	return nil
}

// ValidateSignature checks that sig has the shape the algorithm produces:
// exactly the modulus size for RSA, a DER Ecdsa-Sig-Value with both
// integers in [1, N) for ECDSA.
func (p Parameters) ValidateSignature(sig []byte) error {
	switch p.Mechanism {
	case MechanismRSAPKCS1v15:
		if want := p.Bits / 8; len(sig) != want {
			return fmt.Errorf("%w: %d bytes, want %d for %s", ErrMalformedSignature, len(sig), want, p.Algorithm)
		}
		return nil
	case MechanismECDSA:
		return validateECDSASignature(p, sig)
	default:
		return fmt.Errorf("%w: unknown mechanism for %s", ErrMalformedSignature, p.Algorithm)
	}
}

func validateECDSASignature(p Parameters, sig []byte) error {
	var (
		inner cryptobyte.String
		r, s  = new(big.Int), new(big.Int)
	)
	input := cryptobyte.String(sig)
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return fmt.Errorf("%w: not a DER ECDSA signature for %s", ErrMalformedSignature, p.Algorithm)
	}

	n := p.Curve.Params().N
	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return fmt.Errorf("%w: ECDSA integers out of range for %s", ErrMalformedSignature, p.Algorithm)
	}
	return nil
}
