// Package x509util builds the to-be-signed part of a self-signed X.509
// certificate, encodes it canonically, and assembles the final certificate
// once a token has produced the signature.
package x509util

import (
	"crypto/x509"
	"encoding/asn1"
)

// Standard X.509 extension OIDs.
var (
	OIDExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDExtAuthorityKeyId   = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDExtSubjectKeyId     = asn1.ObjectIdentifier{2, 5, 29, 14}
)

// Extended Key Usage OIDs.
var (
	OIDExtKeyUsageAny             = asn1.ObjectIdentifier{2, 5, 29, 37, 0}
	OIDExtKeyUsageServerAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	OIDExtKeyUsageClientAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	OIDExtKeyUsageCodeSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	OIDExtKeyUsageEmailProtection = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
	OIDExtKeyUsageTimeStamping    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	OIDExtKeyUsageOCSPSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
	// Microsoft smart card logon, commonly set on PIV authentication certs.
	OIDExtKeyUsageSmartCardLogon = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2, 2}
)

var extKeyUsageOIDs = map[x509.ExtKeyUsage]asn1.ObjectIdentifier{
	x509.ExtKeyUsageAny:             OIDExtKeyUsageAny,
	x509.ExtKeyUsageServerAuth:      OIDExtKeyUsageServerAuth,
	x509.ExtKeyUsageClientAuth:      OIDExtKeyUsageClientAuth,
	x509.ExtKeyUsageCodeSigning:     OIDExtKeyUsageCodeSigning,
	x509.ExtKeyUsageEmailProtection: OIDExtKeyUsageEmailProtection,
	x509.ExtKeyUsageTimeStamping:    OIDExtKeyUsageTimeStamping,
	x509.ExtKeyUsageOCSPSigning:     OIDExtKeyUsageOCSPSigning,
}

// OIDEqual compares two OIDs for equality.
func OIDEqual(a, b asn1.ObjectIdentifier) bool {
	return a.Equal(b)
}
