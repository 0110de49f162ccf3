package x509util

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// Certificate is a finalized self-signed certificate.
type Certificate struct {
	// Raw is the DER encoding of the whole certificate.
	Raw []byte

	TBS       *ToBeSigned
	Algorithm piv.SigningAlgorithm
	Signature []byte
}

// Finalize attaches sig to tbs. The signature must have the shape alg
// produces; the value itself is not verified here.
func Finalize(tbs *ToBeSigned, alg piv.SigningAlgorithm, sig []byte) (*Certificate, error) {
	if tbs == nil {
		return nil, errors.New("nil TBSCertificate")
	}
	params, err := piv.ParametersFor(alg)
	if err != nil {
		return nil, err
	}
	if tbs.algorithm != alg {
		return nil, fmt.Errorf("%w: TBSCertificate names %s, signature is %s", piv.ErrMalformedSignature, tbs.algorithm, alg)
	}
	if err := params.ValidateSignature(sig); err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbs.raw)
		b.AddBytes(tbs.sigAlg)
		b.AddASN1BitString(sig)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	return &Certificate{
		Raw:       der,
		TBS:       tbs,
		Algorithm: alg,
		Signature: bytes.Clone(sig),
	}, nil
}

// ParseCertificate decodes a certificate produced by Finalize.
func ParseCertificate(der []byte) (*Certificate, error) {
	var (
		input  = cryptobyte.String(der)
		inner  cryptobyte.String
		rawTBS cryptobyte.String
		sigAlg cryptobyte.String
		sig    asn1.BitString
	)
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Element(&rawTBS, cbasn1.SEQUENCE) ||
		!inner.ReadASN1Element(&sigAlg, cbasn1.SEQUENCE) ||
		!inner.ReadASN1BitString(&sig) || !inner.Empty() {
		return nil, errors.New("malformed certificate")
	}
	if sig.BitLength%8 != 0 {
		return nil, errors.New("malformed certificate signature")
	}

	tbs, err := DecodeToBeSigned(rawTBS)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sigAlg, tbs.sigAlg) {
		return nil, errors.New("certificate signature algorithm does not match TBSCertificate")
	}
	return &Certificate{
		Raw:       bytes.Clone(der),
		TBS:       tbs,
		Algorithm: tbs.algorithm,
		Signature: bytes.Clone(sig.Bytes),
	}, nil
}

// PEM returns the certificate as a PEM block.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}

// X509 parses the certificate with crypto/x509.
func (c *Certificate) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.Raw)
}

// Fingerprint returns the lowercase hex SHA-256 of the DER encoding.
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.Raw)
	return hex.EncodeToString(sum[:])
}

// Serial returns the certificate serial number.
func (c *Certificate) Serial() *big.Int { return c.TBS.Serial() }

// PublicKey parses the subject public key.
func (c *Certificate) PublicKey() (crypto.PublicKey, error) {
	return x509.ParsePKIXPublicKey(c.TBS.spki)
}

// Verify checks that the certificate carries pub as its subject key and
// that the signature verifies under pub. Failures wrap ErrKeyMismatch.
func (c *Certificate) Verify(pub crypto.PublicKey) error {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", piv.ErrKeyMismatch, err)
	}
	if !bytes.Equal(spki, c.TBS.spki) {
		return fmt.Errorf("%w: certificate public key differs from the token key", piv.ErrKeyMismatch)
	}
	return VerifySignature(c.Algorithm, pub, c.TBS.raw, c.Signature)
}

// VerifySignature verifies sig over msg with pub using alg's scheme.
func VerifySignature(alg piv.SigningAlgorithm, pub crypto.PublicKey, msg, sig []byte) error {
	params, err := piv.ParametersFor(alg)
	if err != nil {
		return err
	}
	digest := params.Digest(msg)

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if params.Mechanism != piv.MechanismECDSA || !ecdsa.VerifyASN1(k, digest, sig) {
			return fmt.Errorf("%w: signature does not verify", piv.ErrKeyMismatch)
		}
	case *rsa.PublicKey:
		if params.Mechanism != piv.MechanismRSAPKCS1v15 {
			return fmt.Errorf("%w: RSA key for %s", piv.ErrKeyMismatch, alg)
		}
		if err := rsa.VerifyPKCS1v15(k, params.Hash, digest, sig); err != nil {
			return fmt.Errorf("%w: signature does not verify", piv.ErrKeyMismatch)
		}
	default:
		return fmt.Errorf("%w: unsupported public key %T", piv.ErrKeyMismatch, pub)
	}
	return nil
}
