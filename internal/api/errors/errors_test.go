package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
)

func TestU_MapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"[Unit] MapError: invalid request", fmt.Errorf("%w: x", selfsign.ErrInvalidRequest), http.StatusBadRequest, CodeInvalidRequest},
		{"[Unit] MapError: invalid slot", piv.ErrInvalidSlot, http.StatusBadRequest, CodeInvalidSlot},
		{"[Unit] MapError: algorithm", piv.ErrUnsupportedAlgorithm, http.StatusBadRequest, CodeUnsupportedAlgorithm},
		{"[Unit] MapError: policy", piv.ErrUnsupportedPolicy, http.StatusBadRequest, CodeUnsupportedPolicy},
		{"[Unit] MapError: pin required", piv.ErrPinRequired, http.StatusUnauthorized, CodePinRequired},
		{"[Unit] MapError: pin incorrect", &piv.PinError{Retries: 2}, http.StatusForbidden, CodePinIncorrect},
		{"[Unit] MapError: management key", piv.ErrNotAuthenticated, http.StatusForbidden, CodeNotAuthenticated},
		{"[Unit] MapError: slot empty", piv.ErrSlotEmpty, http.StatusConflict, CodeSlotEmpty},
		{"[Unit] MapError: key mismatch", piv.ErrKeyMismatch, http.StatusConflict, CodeKeyMismatch},
		{"[Unit] MapError: touch", piv.ErrTouchTimeout, http.StatusGatewayTimeout, CodeTouchTimeout},
		{"[Unit] MapError: transport", piv.ErrTransport, http.StatusBadGateway, CodeTokenError},
		{"[Unit] MapError: extension", piv.ErrExtensionBuildFailed, http.StatusUnprocessableEntity, CodeExtensionBuild},
		{"[Unit] MapError: signature", piv.ErrMalformedSignature, http.StatusUnprocessableEntity, CodeMalformedSignature},
		{"[Unit] MapError: serial reused", issuance.ErrSerialReused, http.StatusConflict, CodeSerialReused},
		{"[Unit] MapError: not found", journal.ErrNotFound, http.StatusNotFound, CodeCertNotFound},
		{"[Unit] MapError: store wraps cause", fmt.Errorf("%w: %w", issuance.ErrStoreFailed, piv.ErrTransport), http.StatusBadGateway, CodeStoreFailed},
		{"[Unit] MapError: deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{"[Unit] MapError: cancelled token call", fmt.Errorf("%w: %w", piv.ErrTransport, context.DeadlineExceeded), http.StatusGatewayTimeout, CodeTimeout},
		{"[Unit] MapError: unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, apiErr := MapError(tt.err)
			if status != tt.status || apiErr.Code != tt.code {
				t.Errorf("MapError() = %d %s, want %d %s", status, apiErr.Code, tt.status, tt.code)
			}
		})
	}
}

func TestU_MapError_Nil(t *testing.T) {
	if status, apiErr := MapError(nil); status != http.StatusOK || apiErr != nil {
		t.Errorf("MapError(nil) = %d, %v", status, apiErr)
	}
}

func TestU_MapError_IssueDetails(t *testing.T) {
	err := &selfsign.IssueError{
		Stage:     selfsign.StageSigned,
		Slot:      piv.SlotSignature,
		Algorithm: piv.Rsa2048,
		Key:       &piv.KeyHandle{Slot: piv.SlotSignature},
		Err:       fmt.Errorf("%w: sign", &piv.PinError{Retries: 0}),
	}
	_, apiErr := MapError(err)
	want := map[string]string{
		"stage":         "signed",
		"slot":          "9c",
		"algorithm":     "rsa-2048",
		"class":         "authentication",
		"key_generated": "true",
		"retries":       "0",
	}
	for k, v := range want {
		if apiErr.Details[k] != v {
			t.Errorf("Details[%s] = %q, want %q", k, apiErr.Details[k], v)
		}
	}
}
