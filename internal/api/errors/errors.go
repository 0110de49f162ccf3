// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/remiblancher/qpiv/internal/api/dto"
	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
)

// Error codes for API responses.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
	CodeInvalidSlot          = "INVALID_SLOT"
	CodeUnsupportedAlgorithm = "UNSUPPORTED_ALGORITHM"
	CodeUnsupportedPolicy    = "UNSUPPORTED_POLICY"
	CodePinRequired          = "PIN_REQUIRED"
	CodePinIncorrect         = "PIN_INCORRECT"
	CodeNotAuthenticated     = "NOT_AUTHENTICATED"
	CodeSlotEmpty            = "SLOT_EMPTY"
	CodeKeyMismatch          = "KEY_MISMATCH"
	CodeTouchTimeout         = "TOUCH_TIMEOUT"
	CodeTokenError           = "TOKEN_ERROR"
	CodeExtensionBuild       = "EXTENSION_BUILD_FAILED"
	CodeMalformedSignature   = "MALFORMED_SIGNATURE"
	CodeSerialReused         = "SERIAL_REUSED"
	CodeCertNotFound         = "CERT_NOT_FOUND"
	CodeStoreFailed          = "STORE_FAILED"
	CodeTimeout              = "TIMEOUT"
)

type mapping struct {
	target error
	status int
	code   string
}

// Checked in order; the store failure comes first because it wraps the
// token error that caused it.
var mappings = []mapping{
	{issuance.ErrStoreFailed, http.StatusBadGateway, CodeStoreFailed},
	{issuance.ErrSerialReused, http.StatusConflict, CodeSerialReused},
	{journal.ErrNotFound, http.StatusNotFound, CodeCertNotFound},
	{selfsign.ErrInvalidRequest, http.StatusBadRequest, CodeInvalidRequest},
	{piv.ErrInvalidSlot, http.StatusBadRequest, CodeInvalidSlot},
	{piv.ErrUnsupportedAlgorithm, http.StatusBadRequest, CodeUnsupportedAlgorithm},
	{piv.ErrUnsupportedPolicy, http.StatusBadRequest, CodeUnsupportedPolicy},
	{piv.ErrPinRequired, http.StatusUnauthorized, CodePinRequired},
	{piv.ErrPinIncorrect, http.StatusForbidden, CodePinIncorrect},
	{piv.ErrNotAuthenticated, http.StatusForbidden, CodeNotAuthenticated},
	{piv.ErrSlotEmpty, http.StatusConflict, CodeSlotEmpty},
	{piv.ErrKeyMismatch, http.StatusConflict, CodeKeyMismatch},
	{piv.ErrTouchTimeout, http.StatusGatewayTimeout, CodeTouchTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
	{piv.ErrTransport, http.StatusBadGateway, CodeTokenError},
	{piv.ErrExtensionBuildFailed, http.StatusUnprocessableEntity, CodeExtensionBuild},
	{piv.ErrMalformedSignature, http.StatusUnprocessableEntity, CodeMalformedSignature},
}

// MapError maps an internal error to an HTTP status code and APIError.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	for _, m := range mappings {
		if !errors.Is(err, m.target) {
			continue
		}
		apiErr := &dto.APIError{Code: m.code, Message: err.Error()}
		addDetails(apiErr, err)
		return m.status, apiErr
	}

	// Default internal error
	return http.StatusInternalServerError, &dto.APIError{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}
}

// addDetails copies issuance context into the error details.
func addDetails(apiErr *dto.APIError, err error) {
	details := map[string]string{}

	var ie *selfsign.IssueError
	if errors.As(err, &ie) {
		details["stage"] = ie.Stage.String()
		details["slot"] = ie.Slot.String()
		details["algorithm"] = ie.Algorithm.String()
		details["class"] = piv.Classify(ie.Err).String()
		if ie.Key != nil {
			details["key_generated"] = "true"
		}
	}
	var pe *piv.PinError
	if errors.As(err, &pe) && pe.Retries >= 0 {
		details["retries"] = strconv.Itoa(pe.Retries)
	}

	if len(details) > 0 {
		apiErr.Details = details
	}
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewNotFound creates a not found error.
func NewNotFound(resource, id string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeNotFound,
		Message: resource + " not found",
		Details: map[string]string{"id": id},
	}
}
