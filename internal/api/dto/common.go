// Package dto provides Data Transfer Objects for the REST API.
package dto

// APIError represents a standardized error response.
type APIError struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Details provides additional context about the error.
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Status is "ok" or "degraded".
	Status string `json:"status"`

	// Version is the server version.
	Version string `json:"version"`

	// Token describes the token the server signs with.
	Token string `json:"token,omitempty"`
}

// AlgorithmInfo describes one signing algorithm of the registry.
type AlgorithmInfo struct {
	// ID is the algorithm identifier (e.g., "ecc-p256", "rsa-2048").
	ID string `json:"id"`

	// KeyKind is "ec" or "rsa".
	KeyKind string `json:"key_kind"`

	Bits      int    `json:"bits"`
	Hash      string `json:"hash"`
	Mechanism string `json:"mechanism"`
}

// SlotInfo describes one PIV key slot.
type SlotInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PinPolicy   string `json:"pin_policy"`
	TouchPolicy string `json:"touch_policy"`
	Issuable    bool   `json:"issuable"`

	// Certificate is set when the token was queried.
	Certificate *SlotCertificate `json:"certificate,omitempty"`
}

// SlotCertificate summarizes the certificate object of a slot.
type SlotCertificate struct {
	Present   bool   `json:"present"`
	Subject   string `json:"subject,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	NotAfter  string `json:"not_after,omitempty"` // RFC3339 format
}

// SubjectInfo represents X.509 subject information.
type SubjectInfo struct {
	CommonName         string `json:"cn,omitempty"`
	Organization       string `json:"o,omitempty"`
	OrganizationalUnit string `json:"ou,omitempty"`
	Country            string `json:"c,omitempty"`
	State              string `json:"st,omitempty"`
	Locality           string `json:"l,omitempty"`
}

// ValidityInfo represents certificate validity period.
type ValidityInfo struct {
	NotBefore string `json:"not_before"` // RFC3339 format
	NotAfter  string `json:"not_after"`  // RFC3339 format
}
