package x509util

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// MaxSerialOctets is the RFC 5280 limit on serial number length.
const MaxSerialOctets = 20

var (
	tagVersion    = cbasn1.Tag(0).Constructed().ContextSpecific()
	tagExtensions = cbasn1.Tag(3).Constructed().ContextSpecific()
)

// TBSRequest holds the caller-supplied values of a self-signed certificate.
type TBSRequest struct {
	Serial    *big.Int
	NotBefore time.Time
	NotAfter  time.Time
	Subject   pkix.Name
	// SubjectPublicKeyInfo is the DER SubjectPublicKeyInfo of the token key.
	SubjectPublicKeyInfo []byte
	Algorithm            piv.SigningAlgorithm
}

// ExtensionFunc appends extensions to a certificate under construction.
// It is called exactly once per build.
type ExtensionFunc func(b *ExtensionBuilder) error

// ToBeSigned is an immutable TBSCertificate. The issuer is always the
// subject.
type ToBeSigned struct {
	serial     *big.Int
	notBefore  time.Time
	notAfter   time.Time
	rawSubject []byte
	spki       []byte
	algorithm  piv.SigningAlgorithm
	sigAlg     []byte
	extensions []pkix.Extension
	raw        []byte
}

// BuildToBeSigned validates req, runs ext once and encodes the result.
// No structure is returned when ext fails.
func BuildToBeSigned(req TBSRequest, ext ExtensionFunc) (*ToBeSigned, error) {
	params, err := piv.ParametersFor(req.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := CheckSerial(req.Serial); err != nil {
		return nil, err
	}

	notBefore := req.NotBefore.UTC().Truncate(time.Second)
	notAfter := req.NotAfter.UTC().Truncate(time.Second)
	if !notAfter.After(notBefore) {
		return nil, fmt.Errorf("invalid validity: notAfter %s is not after notBefore %s",
			notAfter.Format(time.RFC3339), notBefore.Format(time.RFC3339))
	}

	pub, err := x509.ParsePKIXPublicKey(req.SubjectPublicKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid subject public key info: %w", err)
	}
	if err := params.MatchesPublicKey(pub); err != nil {
		return nil, err
	}

	rawSubject, err := asn1.Marshal(req.Subject.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("failed to encode subject: %w", err)
	}
	sigAlg, err := asn1.Marshal(params.SignatureAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature algorithm: %w", err)
	}

	tbs := &ToBeSigned{
		serial:     new(big.Int).Set(req.Serial),
		notBefore:  notBefore,
		notAfter:   notAfter,
		rawSubject: rawSubject,
		spki:       bytes.Clone(req.SubjectPublicKeyInfo),
		algorithm:  req.Algorithm,
		sigAlg:     sigAlg,
	}

	if ext != nil {
		b := newExtensionBuilder(pub, tbs.spki)
		err := ext(b)
		b.close()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", piv.ErrExtensionBuildFailed, err)
		}
		tbs.extensions = b.exts
	}

	tbs.raw, err = tbs.Encode()
	if err != nil {
		return nil, err
	}
	return tbs, nil
}

// CheckSerial reports whether serial is a positive integer that fits in
// MaxSerialOctets DER octets.
func CheckSerial(serial *big.Int) error {
	if serial == nil {
		return errors.New("serial number is required")
	}
	if serial.Sign() <= 0 {
		return errors.New("serial number must be positive")
	}
	// DER INTEGER octets, including a leading zero for a set high bit.
	if n := serial.BitLen()/8 + 1; n > MaxSerialOctets {
		return fmt.Errorf("serial number is %d octets, maximum is %d", n, MaxSerialOctets)
	}
	return nil
}

// Encode serializes the structure as DER. Encoding the same structure always
// yields the same bytes.
func (t *ToBeSigned) Encode() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(tagVersion, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(2) // v3
		})
		b.AddASN1BigInt(t.serial)
		b.AddBytes(t.sigAlg)
		b.AddBytes(t.rawSubject)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addTime(b, t.notBefore)
			addTime(b, t.notAfter)
		})
		b.AddBytes(t.rawSubject)
		b.AddBytes(t.spki)
		if len(t.extensions) == 0 {
			return
		}
		b.AddASN1(tagExtensions, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, ext := range t.extensions {
					addExtension(b, ext)
				}
			})
		})
	})

	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode TBSCertificate: %w", err)
	}
	return der, nil
}

// addTime writes UTCTime for years 1950 through 2049 and GeneralizedTime
// otherwise (RFC 5280 section 4.1.2.5).
func addTime(b *cryptobyte.Builder, t time.Time) {
	if y := t.Year(); y >= 1950 && y < 2050 {
		b.AddASN1UTCTime(t)
		return
	}
	b.AddASN1GeneralizedTime(t)
}

func addExtension(b *cryptobyte.Builder, ext pkix.Extension) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(ext.Id)
		if ext.Critical {
			b.AddASN1Boolean(true)
		}
		b.AddASN1OctetString(ext.Value)
	})
}

// Raw returns the encoding computed at build time.
func (t *ToBeSigned) Raw() []byte { return bytes.Clone(t.raw) }

// Serial returns a copy of the serial number.
func (t *ToBeSigned) Serial() *big.Int { return new(big.Int).Set(t.serial) }

// NotBefore returns the start of the validity window.
func (t *ToBeSigned) NotBefore() time.Time { return t.notBefore }

// NotAfter returns the end of the validity window.
func (t *ToBeSigned) NotAfter() time.Time { return t.notAfter }

// RawSubject returns the DER subject Name, which is also the issuer.
func (t *ToBeSigned) RawSubject() []byte { return bytes.Clone(t.rawSubject) }

// SubjectPublicKeyInfo returns the DER SubjectPublicKeyInfo.
func (t *ToBeSigned) SubjectPublicKeyInfo() []byte { return bytes.Clone(t.spki) }

// Algorithm returns the signing algorithm named in the structure.
func (t *ToBeSigned) Algorithm() piv.SigningAlgorithm { return t.algorithm }

// Extensions returns a copy of the extensions in encoding order.
func (t *ToBeSigned) Extensions() []pkix.Extension {
	out := make([]pkix.Extension, len(t.extensions))
	for i, e := range t.extensions {
		out[i] = pkix.Extension{Id: append(asn1.ObjectIdentifier(nil), e.Id...), Critical: e.Critical, Value: bytes.Clone(e.Value)}
	}
	return out
}

// Subject decodes the subject Name.
func (t *ToBeSigned) Subject() (pkix.Name, error) {
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(t.rawSubject, &rdn); err != nil {
		return pkix.Name{}, fmt.Errorf("failed to decode subject: %w", err)
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, nil
}

// DecodeToBeSigned parses a TBSCertificate produced by Encode. It rejects
// encodings that Encode would not produce, so re-encoding a decoded
// structure returns the input bytes.
func DecodeToBeSigned(der []byte) (*ToBeSigned, error) {
	var (
		input = cryptobyte.String(der)
		tbs   cryptobyte.String
		ver   cryptobyte.String
	)
	if !input.ReadASN1(&tbs, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, errors.New("malformed TBSCertificate")
	}

	var version int64
	if !tbs.ReadASN1(&ver, tagVersion) || !ver.ReadASN1Int64WithTag(&version, cbasn1.INTEGER) || !ver.Empty() || version != 2 {
		return nil, errors.New("malformed TBSCertificate: expected v3")
	}

	t := &ToBeSigned{serial: new(big.Int)}
	if !tbs.ReadASN1Integer(t.serial) {
		return nil, errors.New("malformed serial number")
	}
	if err := CheckSerial(t.serial); err != nil {
		return nil, err
	}

	var sigAlg, issuer, validity, subject, spki cryptobyte.String
	if !tbs.ReadASN1Element(&sigAlg, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed signature algorithm")
	}
	if !tbs.ReadASN1Element(&issuer, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed issuer")
	}
	if !tbs.ReadASN1(&validity, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed validity")
	}
	var err error
	if t.notBefore, err = readTime(&validity); err != nil {
		return nil, fmt.Errorf("malformed notBefore: %w", err)
	}
	if t.notAfter, err = readTime(&validity); err != nil {
		return nil, fmt.Errorf("malformed notAfter: %w", err)
	}
	if !validity.Empty() {
		return nil, errors.New("malformed validity: trailing data")
	}
	if !tbs.ReadASN1Element(&subject, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed subject")
	}
	if !bytes.Equal(issuer, subject) {
		return nil, errors.New("issuer does not match subject")
	}
	if !tbs.ReadASN1Element(&spki, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed subject public key info")
	}

	t.sigAlg = bytes.Clone(sigAlg)
	t.rawSubject = bytes.Clone(subject)
	t.spki = bytes.Clone(spki)

	pub, err := x509.ParsePKIXPublicKey(t.spki)
	if err != nil {
		return nil, fmt.Errorf("invalid subject public key info: %w", err)
	}
	if t.algorithm, err = piv.AlgorithmOf(pub); err != nil {
		return nil, err
	}
	params, _ := piv.ParametersFor(t.algorithm)
	want, _ := asn1.Marshal(params.SignatureAlgorithm)
	if !bytes.Equal(want, t.sigAlg) {
		return nil, fmt.Errorf("signature algorithm does not match %s key", t.algorithm)
	}

	if tbs.PeekASN1Tag(tagExtensions) {
		var wrap, seq cryptobyte.String
		if !tbs.ReadASN1(&wrap, tagExtensions) || !wrap.ReadASN1(&seq, cbasn1.SEQUENCE) || !wrap.Empty() {
			return nil, errors.New("malformed extensions")
		}
		if t.extensions, err = readExtensions(seq); err != nil {
			return nil, err
		}
		if len(t.extensions) == 0 {
			return nil, errors.New("malformed extensions: empty sequence")
		}
	}
	if !tbs.Empty() {
		return nil, errors.New("unsupported TBSCertificate fields")
	}

	t.raw = bytes.Clone(der)
	return t, nil
}

func readTime(s *cryptobyte.String) (time.Time, error) {
	var t time.Time
	switch {
	case s.PeekASN1Tag(cbasn1.UTCTime):
		if !s.ReadASN1UTCTime(&t) {
			return t, errors.New("invalid UTCTime")
		}
	case s.PeekASN1Tag(cbasn1.GeneralizedTime):
		if !s.ReadASN1GeneralizedTime(&t) {
			return t, errors.New("invalid GeneralizedTime")
		}
		if y := t.Year(); y >= 1950 && y < 2050 {
			return t, errors.New("GeneralizedTime used for a UTCTime year")
		}
	default:
		return t, errors.New("missing time")
	}
	return t.UTC(), nil
}

func readExtensions(seq cryptobyte.String) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	seen := make(map[string]bool)
	for !seq.Empty() {
		var (
			raw      cryptobyte.String
			ext      pkix.Extension
			value    cryptobyte.String
			critical bool
		)
		if !seq.ReadASN1(&raw, cbasn1.SEQUENCE) || !raw.ReadASN1ObjectIdentifier(&ext.Id) {
			return nil, errors.New("malformed extension")
		}
		if raw.PeekASN1Tag(cbasn1.BOOLEAN) {
			if !raw.ReadASN1Boolean(&critical) || !critical {
				// DER omits a FALSE default.
				return nil, errors.New("malformed extension critical flag")
			}
		}
		if !raw.ReadASN1(&value, cbasn1.OCTET_STRING) || !raw.Empty() {
			return nil, errors.New("malformed extension value")
		}
		if seen[ext.Id.String()] {
			return nil, fmt.Errorf("duplicate extension %s", ext.Id)
		}
		seen[ext.Id.String()] = true
		ext.Critical = critical
		ext.Value = bytes.Clone(value)
		exts = append(exts, ext)
	}
	return exts, nil
}
