package handler

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/remiblancher/qpiv/internal/api/dto"
	apierrors "github.com/remiblancher/qpiv/internal/api/errors"
	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
	"github.com/remiblancher/qpiv/pkg/x509util"
)

// maxRequestBody bounds issuance request bodies.
const maxRequestBody = 64 << 10

// Defaults fill fields an issuance request leaves empty.
type Defaults struct {
	Slot        piv.SlotID
	Algorithm   piv.SigningAlgorithm
	Validity    time.Duration
	PinPolicy   piv.PinPolicy
	TouchPolicy piv.TouchPolicy
}

// CertHandler handles certificate-related HTTP requests.
type CertHandler struct {
	service  *issuance.Service
	journal  *journal.Journal
	defaults Defaults
}

// NewCertHandler creates a new CertHandler. A nil journal makes the read
// endpoints answer 404.
func NewCertHandler(service *issuance.Service, j *journal.Journal, defaults Defaults) *CertHandler {
	return &CertHandler{service: service, journal: j, defaults: defaults}
}

// Issue handles POST /api/v1/certificates
func (h *CertHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req dto.CertIssueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body: "+err.Error()))
		return
	}

	params, err := h.params(&req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res, err := h.service.Issue(r.Context(), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := dto.CertFromRecord(res.Record, true)
	resp.PEM = string(res.Certificate.PEM())
	respondJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/certificates
func (h *CertHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondError(w, http.StatusNotFound, apierrors.NewNotFound("journal", ""))
		return
	}
	filter := journal.Filter{}
	if s := r.URL.Query().Get("slot"); s != "" {
		slot, err := piv.ParseSlotID(s)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		filter.Slot = slot.String()
	}

	records, err := h.journal.List(filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := dto.CertListResponse{Certificates: make([]dto.CertResponse, 0, len(records)), Total: len(records)}
	for _, rec := range records {
		resp.Certificates = append(resp.Certificates, dto.CertFromRecord(rec, false))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/certificates/{serial}
func (h *CertHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondError(w, http.StatusNotFound, apierrors.NewNotFound("journal", ""))
		return
	}
	serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(chi.URLParam(r, "serial")), "0x"), 16)
	if !ok {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("serial must be hexadecimal"))
		return
	}
	rec, err := h.journal.Get(journal.SerialKey(serial))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto.CertFromRecord(*rec, true))
}

// params converts the request and applies defaults.
func (h *CertHandler) params(req *dto.CertIssueRequest) (issuance.Params, error) {
	p := issuance.Params{
		Slot:        h.defaults.Slot,
		Subject:     req.Subject.Name(),
		Validity:    h.defaults.Validity,
		PinPolicy:   h.defaults.PinPolicy,
		TouchPolicy: h.defaults.TouchPolicy,
		ReuseKey:    req.ReuseKey,
		Store:       req.Store,
		CA:          req.CA,
	}
	if !req.ReuseKey {
		p.Algorithm = h.defaults.Algorithm
	}

	var err error
	if req.Slot != "" {
		if p.Slot, err = piv.ParseSlotID(req.Slot); err != nil {
			return p, err
		}
	}
	if req.Algorithm != "" {
		if p.Algorithm, err = piv.ParseSigningAlgorithm(req.Algorithm); err != nil {
			return p, err
		}
	}
	if req.PinPolicy != "" {
		if p.PinPolicy, err = piv.ParsePinPolicy(req.PinPolicy); err != nil {
			return p, err
		}
	}
	if req.TouchPolicy != "" {
		if p.TouchPolicy, err = piv.ParseTouchPolicy(req.TouchPolicy); err != nil {
			return p, err
		}
	}

	if req.Serial != "" {
		serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(req.Serial), "0x"), 16)
		if !ok {
			return p, fmt.Errorf("%w: serial must be hexadecimal", selfsign.ErrInvalidRequest)
		}
		p.Serial = serial
	}
	if p.NotBefore, err = parseTime(req.NotBefore); err != nil {
		return p, err
	}
	if p.NotAfter, err = parseTime(req.NotAfter); err != nil {
		return p, err
	}
	if req.ValidityDays != 0 {
		if p.Validity, err = issuance.ValidityDays(req.ValidityDays); err != nil {
			return p, err
		}
	}
	if req.SignTimeout != "" {
		d, err := time.ParseDuration(req.SignTimeout)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("%w: invalid sign_timeout %q", selfsign.ErrInvalidRequest, req.SignTimeout)
		}
		p.SignTimeout = d
	}

	p.AltNames = x509util.AltNames{DNSNames: req.DNSNames, EmailAddresses: req.Emails}
	for _, s := range req.IPAddresses {
		ip := net.ParseIP(s)
		if ip == nil {
			return p, fmt.Errorf("%w: invalid IP address %q", selfsign.ErrInvalidRequest, s)
		}
		p.AltNames.IPAddresses = append(p.AltNames.IPAddresses, ip)
	}
	return p, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", selfsign.ErrInvalidRequest, s)
	}
	return t, nil
}
