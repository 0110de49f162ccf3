package x509util

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrBuilderClosed is returned when an ExtensionBuilder is used after the
// callback it was passed to has returned.
var ErrBuilderClosed = errors.New("extension builder used outside its callback")

// ExtensionBuilder collects extensions for one certificate. It is only valid
// for the duration of the ExtensionFunc it is passed to.
type ExtensionBuilder struct {
	pub    crypto.PublicKey
	spki   []byte
	exts   []pkix.Extension
	seen   map[string]bool
	closed bool
}

func newExtensionBuilder(pub crypto.PublicKey, spki []byte) *ExtensionBuilder {
	return &ExtensionBuilder{pub: pub, spki: spki, seen: make(map[string]bool)}
}

func (b *ExtensionBuilder) close() {
	b.closed = true
}

// PublicKey returns the subject public key of the certificate.
func (b *ExtensionBuilder) PublicKey() crypto.PublicKey { return b.pub }

// Extensions returns the extensions added so far.
func (b *ExtensionBuilder) Extensions() []pkix.Extension {
	return append([]pkix.Extension(nil), b.exts...)
}

// Add appends a raw extension. An OID may appear only once.
func (b *ExtensionBuilder) Add(ext pkix.Extension) error {
	if b.closed {
		return ErrBuilderClosed
	}
	if len(ext.Id) == 0 {
		return errors.New("extension OID is required")
	}
	key := ext.Id.String()
	if b.seen[key] {
		return fmt.Errorf("duplicate extension %s", key)
	}
	b.seen[key] = true
	b.exts = append(b.exts, pkix.Extension{
		Id:       append(asn1.ObjectIdentifier(nil), ext.Id...),
		Critical: ext.Critical,
		Value:    bytes.Clone(ext.Value),
	})
	return nil
}

// KeyUsage adds a critical key usage extension.
func (b *ExtensionBuilder) KeyUsage(usage x509.KeyUsage) error {
	if usage == 0 {
		return errors.New("key usage is empty")
	}
	var a [2]byte
	a[0] = reverseBitsInAByte(byte(usage))
	a[1] = reverseBitsInAByte(byte(usage >> 8))

	l := 1
	if a[1] != 0 {
		l = 2
	}
	bitString := a[:l]
	value, err := asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: asn1BitLength(bitString)})
	if err != nil {
		return fmt.Errorf("failed to encode key usage: %w", err)
	}
	return b.Add(pkix.Extension{Id: OIDExtKeyUsage, Critical: true, Value: value})
}

// ExtKeyUsage adds a non-critical extended key usage extension.
func (b *ExtensionBuilder) ExtKeyUsage(usages ...x509.ExtKeyUsage) error {
	if len(usages) == 0 {
		return errors.New("extended key usage is empty")
	}
	oids := make([]asn1.ObjectIdentifier, 0, len(usages))
	for _, u := range usages {
		oid, ok := extKeyUsageOIDs[u]
		if !ok {
			return fmt.Errorf("unsupported extended key usage %d", u)
		}
		oids = append(oids, oid)
	}
	return b.ExtKeyUsageOIDs(oids...)
}

// ExtKeyUsageOIDs adds a non-critical extended key usage extension from
// raw purpose OIDs.
func (b *ExtensionBuilder) ExtKeyUsageOIDs(oids ...asn1.ObjectIdentifier) error {
	value, err := asn1.Marshal(oids)
	if err != nil {
		return fmt.Errorf("failed to encode extended key usage: %w", err)
	}
	return b.Add(pkix.Extension{Id: OIDExtExtKeyUsage, Value: value})
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

// BasicConstraints adds a critical basic constraints extension. A negative
// maxPathLen leaves the path length unconstrained; it is ignored unless isCA.
func (b *ExtensionBuilder) BasicConstraints(isCA bool, maxPathLen int) error {
	if !isCA || maxPathLen < 0 {
		maxPathLen = -1
	}
	value, err := asn1.Marshal(basicConstraints{IsCA: isCA, MaxPathLen: maxPathLen})
	if err != nil {
		return fmt.Errorf("failed to encode basic constraints: %w", err)
	}
	return b.Add(pkix.Extension{Id: OIDExtBasicConstraints, Critical: true, Value: value})
}

// AltNames lists subject alternative names.
type AltNames struct {
	DNSNames       []string
	EmailAddresses []string
	IPAddresses    []net.IP
	URIs           []*url.URL
}

// IsEmpty reports whether no names are set.
func (n AltNames) IsEmpty() bool {
	return len(n.DNSNames) == 0 && len(n.EmailAddresses) == 0 && len(n.IPAddresses) == 0 && len(n.URIs) == 0
}

// GeneralName tags (RFC 5280 section 4.2.1.6).
const (
	nameTypeEmail = 1
	nameTypeDNS   = 2
	nameTypeURI   = 6
	nameTypeIP    = 7
)

// SubjectAltNames adds a subject alternative name extension. It is marked
// critical when the subject is empty.
func (b *ExtensionBuilder) SubjectAltNames(names AltNames, subjectEmpty bool) error {
	if names.IsEmpty() {
		return errors.New("subject alternative names are empty")
	}

	var raw []asn1.RawValue
	for _, name := range names.DNSNames {
		if err := ValidateDNSName(name); err != nil {
			return err
		}
		raw = append(raw, asn1.RawValue{Tag: nameTypeDNS, Class: asn1.ClassContextSpecific, Bytes: []byte(name)})
	}
	for _, email := range names.EmailAddresses {
		if !isIA5String(email) || !strings.Contains(email, "@") {
			return fmt.Errorf("invalid email address %q", email)
		}
		raw = append(raw, asn1.RawValue{Tag: nameTypeEmail, Class: asn1.ClassContextSpecific, Bytes: []byte(email)})
	}
	for _, ip := range names.IPAddresses {
		ipBytes := ip.To4()
		if ipBytes == nil {
			ipBytes = ip.To16()
		}
		if ipBytes == nil {
			return fmt.Errorf("invalid IP address %v", ip)
		}
		raw = append(raw, asn1.RawValue{Tag: nameTypeIP, Class: asn1.ClassContextSpecific, Bytes: ipBytes})
	}
	for _, u := range names.URIs {
		s := u.String()
		if !isIA5String(s) {
			return fmt.Errorf("invalid URI %q", s)
		}
		raw = append(raw, asn1.RawValue{Tag: nameTypeURI, Class: asn1.ClassContextSpecific, Bytes: []byte(s)})
	}

	value, err := asn1.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode subject alternative names: %w", err)
	}
	return b.Add(pkix.Extension{Id: OIDExtSubjectAltName, Critical: subjectEmpty, Value: value})
}

// ValidateDNSName checks a SAN dNSName. A name, or the base of a wildcard,
// may not be an ICANN public suffix.
func ValidateDNSName(name string) error {
	if name == "" || !isIA5String(name) || strings.ContainsAny(name, " /") {
		return fmt.Errorf("invalid DNS name %q", name)
	}
	base := strings.TrimPrefix(strings.ToLower(name), "*.")
	if strings.Contains(base, "*") {
		return fmt.Errorf("invalid DNS name %q: wildcard only allowed as the leftmost label", name)
	}
	if strings.Contains(base, ".") {
		if suffix, icann := publicsuffix.PublicSuffix(base); icann && suffix == base {
			return fmt.Errorf("DNS name %q is a public suffix", name)
		}
	}
	return nil
}

// SubjectKeyID adds a subject key identifier computed with RFC 5280
// method 1: SHA-1 of the subjectPublicKey BIT STRING.
func (b *ExtensionBuilder) SubjectKeyID() error {
	ski, err := subjectKeyID(b.spki)
	if err != nil {
		return err
	}
	value, err := asn1.Marshal(ski)
	if err != nil {
		return fmt.Errorf("failed to encode subject key identifier: %w", err)
	}
	return b.Add(pkix.Extension{Id: OIDExtSubjectKeyId, Value: value})
}

type authorityKeyID struct {
	ID []byte `asn1:"optional,tag:0"`
}

// AuthorityKeyID adds an authority key identifier. For a self-signed
// certificate it equals the subject key identifier.
func (b *ExtensionBuilder) AuthorityKeyID() error {
	ski, err := subjectKeyID(b.spki)
	if err != nil {
		return err
	}
	value, err := asn1.Marshal(authorityKeyID{ID: ski})
	if err != nil {
		return fmt.Errorf("failed to encode authority key identifier: %w", err)
	}
	return b.Add(pkix.Extension{Id: OIDExtAuthorityKeyId, Value: value})
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// SubjectKeyIDFromSPKI computes the RFC 5280 method 1 key identifier.
func SubjectKeyIDFromSPKI(spki []byte) ([]byte, error) {
	return subjectKeyID(spki)
}

func subjectKeyID(spki []byte) ([]byte, error) {
	var info subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(spki, &info); err != nil || len(rest) > 0 {
		return nil, errors.New("invalid subject public key info")
	}
	sum := sha1.Sum(info.PublicKey.RightAlign())
	return sum[:], nil
}

func isIA5String(s string) bool {
	for _, r := range s {
		if r > 0x7f {
			return false
		}
	}
	return true
}

func reverseBitsInAByte(in byte) byte {
	b1 := in>>4 | in<<4
	b2 := b1>>2&0x33 | b1<<2&0xcc
	return b2>>1&0x55 | b2<<1&0xaa
}

// asn1BitLength returns the bit-length of bitString by considering the
// most-significant bit in a byte to be the "first" bit.
func asn1BitLength(bitString []byte) int {
	bitLen := len(bitString) * 8
	for i := range bitString {
		b := bitString[len(bitString)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}
