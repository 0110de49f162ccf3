package dto

import (
	"crypto/x509/pkix"
	"encoding/pem"
	"time"

	"github.com/remiblancher/qpiv/internal/journal"
)

// CertIssueRequest is the body of POST /api/v1/certificates.
type CertIssueRequest struct {
	// Slot is a key reference ("9a") or role name ("authentication").
	// Defaults to the configured slot.
	Slot string `json:"slot,omitempty"`

	// Algorithm defaults to the configured algorithm, or to the key's
	// algorithm when reusing a key.
	Algorithm string `json:"algorithm,omitempty"`

	Subject     SubjectInfo `json:"subject"`
	DNSNames    []string    `json:"dns_names,omitempty"`
	Emails      []string    `json:"emails,omitempty"`
	IPAddresses []string    `json:"ip_addresses,omitempty"`

	// Serial is a hex serial number. Random when empty.
	Serial string `json:"serial,omitempty"`

	// NotBefore and NotAfter are RFC3339. ValidityDays is used when
	// NotAfter is empty.
	NotBefore    string `json:"not_before,omitempty"`
	NotAfter     string `json:"not_after,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`

	PinPolicy   string `json:"pin_policy,omitempty"`
	TouchPolicy string `json:"touch_policy,omitempty"`

	ReuseKey bool `json:"reuse_key,omitempty"`
	Store    bool `json:"store,omitempty"`
	CA       bool `json:"ca,omitempty"`

	// SignTimeout bounds PIN and touch waits (Go duration, e.g. "45s").
	SignTimeout string `json:"sign_timeout,omitempty"`
}

// Name converts the subject to a pkix.Name.
func (s SubjectInfo) Name() pkix.Name {
	var n pkix.Name
	n.CommonName = s.CommonName
	if s.Organization != "" {
		n.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		n.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Country != "" {
		n.Country = []string{s.Country}
	}
	if s.State != "" {
		n.Province = []string{s.State}
	}
	if s.Locality != "" {
		n.Locality = []string{s.Locality}
	}
	return n
}

// CertResponse describes an issued certificate.
type CertResponse struct {
	Serial      string       `json:"serial"`
	Slot        string       `json:"slot"`
	Algorithm   string       `json:"algorithm"`
	Subject     string       `json:"subject"`
	Fingerprint string       `json:"fingerprint"`
	Validity    ValidityInfo `json:"validity"`
	IssuedAt    string       `json:"issued_at"`
	Stored      bool         `json:"stored"`

	// PEM is the certificate, omitted from list responses.
	PEM string `json:"pem,omitempty"`
}

// CertListResponse is the response of GET /api/v1/certificates.
type CertListResponse struct {
	Certificates []CertResponse `json:"certificates"`
	Total        int            `json:"total"`
}

// CertFromRecord converts a journal record. The PEM is included when
// withPEM is set and the record carries the DER.
func CertFromRecord(rec journal.Record, withPEM bool) CertResponse {
	resp := CertResponse{
		Serial:      rec.Serial,
		Slot:        rec.Slot,
		Algorithm:   rec.Algorithm,
		Subject:     rec.Subject,
		Fingerprint: rec.Fingerprint,
		Validity: ValidityInfo{
			NotBefore: rec.NotBefore.UTC().Format(time.RFC3339),
			NotAfter:  rec.NotAfter.UTC().Format(time.RFC3339),
		},
		IssuedAt: rec.IssuedAt.UTC().Format(time.RFC3339),
		Stored:   rec.Stored,
	}
	if withPEM && len(rec.DER) > 0 {
		resp.PEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rec.DER}))
	}
	return resp
}
