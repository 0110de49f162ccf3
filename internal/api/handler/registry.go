package handler

import (
	"net/http"
	"time"

	"github.com/remiblancher/qpiv/internal/api/dto"
	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/pkg/piv"
)

// RegistryHandler serves the algorithm registry and the slot model.
type RegistryHandler struct {
	service *issuance.Service
}

// NewRegistryHandler creates a new RegistryHandler. A nil service disables
// token queries on the slots endpoint.
func NewRegistryHandler(service *issuance.Service) *RegistryHandler {
	return &RegistryHandler{service: service}
}

// Algorithms handles GET /api/v1/algorithms.
func (h *RegistryHandler) Algorithms(w http.ResponseWriter, r *http.Request) {
	var out []dto.AlgorithmInfo
	for _, alg := range piv.Algorithms() {
		p, err := piv.ParametersFor(alg)
		if err != nil {
			continue
		}
		out = append(out, dto.AlgorithmInfo{
			ID:        alg.String(),
			KeyKind:   p.KeyKind.String(),
			Bits:      p.Bits,
			Hash:      p.Hash.String(),
			Mechanism: p.Mechanism.String(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// Slots handles GET /api/v1/slots. With ?token=true the certificate object
// of each issuable slot is read from the token.
func (h *RegistryHandler) Slots(w http.ResponseWriter, r *http.Request) {
	var states map[piv.SlotID]issuance.SlotState
	if r.URL.Query().Get("token") == "true" && h.service != nil {
		list, err := h.service.SlotStatus(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		states = make(map[piv.SlotID]issuance.SlotState, len(list))
		for _, st := range list {
			states[st.Slot] = st
		}
	}

	var out []dto.SlotInfo
	for _, slot := range piv.Slots() {
		sp, err := piv.PolicyFor(slot)
		if err != nil {
			continue
		}
		info := dto.SlotInfo{
			ID:          slot.String(),
			Name:        slot.Name(),
			PinPolicy:   sp.Pin.String(),
			TouchPolicy: sp.Touch.String(),
			Issuable:    sp.Issuable,
		}
		if st, ok := states[slot]; ok {
			info.Certificate = &dto.SlotCertificate{
				Present:   st.HasCertificate,
				Subject:   st.Subject,
				Algorithm: st.Algorithm,
			}
			if !st.NotAfter.IsZero() {
				info.Certificate.NotAfter = st.NotAfter.UTC().Format(time.RFC3339)
			}
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}
