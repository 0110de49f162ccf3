package router

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/qpiv/internal/api/dto"
	"github.com/remiblancher/qpiv/internal/api/handler"
	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/internal/metrics"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/piv/pivtest"
	"github.com/remiblancher/qpiv/pkg/selfsign"
)

type testAPI struct {
	handler http.Handler
	tok     *pivtest.Token
	metrics *metrics.Metrics
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	tok := pivtest.New()
	svc := issuance.New(tok, selfsign.NewIssuer(selfsign.WithObserver(m)),
		issuance.WithJournal(j), issuance.WithStoreObserver(m))

	h := New(&Config{
		Version: "test",
		Token:   "pivtest",
		Service: svc,
		Journal: j,
		Metrics: m,
		Defaults: handler.Defaults{
			Slot:      piv.SlotAuthentication,
			Algorithm: piv.EccP256,
			Validity:  24 * time.Hour,
		},
		Logger: zerolog.Nop(),
	})
	return &testAPI{handler: h, tok: tok, metrics: m}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// Registry
// =============================================================================

func TestF_API_Health(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	resp := decode[dto.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "pivtest", resp.Token)
}

func TestF_API_Algorithms(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/algorithms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	algs := decode[[]dto.AlgorithmInfo](t, rec)
	require.Len(t, algs, len(piv.Algorithms()))
	assert.Equal(t, "ecc-p256", algs[0].ID)
	assert.Equal(t, "SHA-256", algs[0].Hash)
}

func TestF_API_Slots(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/slots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]dto.SlotInfo](t, rec)
	require.Len(t, slots, len(piv.Slots()))
	for _, s := range slots {
		assert.Nil(t, s.Certificate)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/certificates", dto.CertIssueRequest{
		Slot:    "9d",
		Subject: dto.SubjectInfo{CommonName: "stored"},
		Store:   true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/slots?token=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, s := range decode[[]dto.SlotInfo](t, rec) {
		if !s.Issuable {
			assert.Nil(t, s.Certificate, s.ID)
			continue
		}
		require.NotNil(t, s.Certificate, s.ID)
		assert.Equal(t, s.ID == "9d", s.Certificate.Present, s.ID)
	}
}

// =============================================================================
// Certificates
// =============================================================================

func TestF_API_IssueAndRead(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/certificates", dto.CertIssueRequest{
		Algorithm: "ecc-p384",
		Subject:   dto.SubjectInfo{CommonName: "api user", Organization: "Example"},
		DNSNames:  []string{"piv.example.com"},
		Serial:    "0a1b",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[dto.CertResponse](t, rec)
	assert.Equal(t, "a1b", resp.Serial)
	assert.Equal(t, "9a", resp.Slot)
	assert.Equal(t, "ecc-p384", resp.Algorithm)

	block, _ := pem.Decode([]byte(resp.PEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "api user", cert.Subject.CommonName)
	assert.Equal(t, []string{"piv.example.com"}, cert.DNSNames)
	assert.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))

	rec = api.do(t, http.MethodGet, "/api/v1/certificates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[dto.CertListResponse](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Empty(t, list.Certificates[0].PEM)

	rec = api.do(t, http.MethodGet, "/api/v1/certificates/0x0A1B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[dto.CertResponse](t, rec)
	assert.Equal(t, resp.Fingerprint, got.Fingerprint)
	assert.Equal(t, resp.PEM, got.PEM)

	rec = api.do(t, http.MethodGet, "/api/v1/certificates?slot=signature", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[dto.CertListResponse](t, rec).Total)
}

func TestF_API_IssueErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(tok *pivtest.Token)
		body   any
		status int
		code   string
	}{
		{
			name:   "[Functional] Issue: malformed json",
			body:   "{",
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "[Functional] Issue: unknown field",
			body:   `{"subject":{"cn":"x"},"colour":"blue"}`,
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "[Functional] Issue: attestation slot",
			body:   dto.CertIssueRequest{Slot: "f9", Subject: dto.SubjectInfo{CommonName: "x"}},
			status: http.StatusBadRequest,
			code:   "INVALID_SLOT",
		},
		{
			name:   "[Functional] Issue: unknown algorithm",
			body:   dto.CertIssueRequest{Algorithm: "ed25519"},
			status: http.StatusBadRequest,
			code:   "UNSUPPORTED_ALGORITHM",
		},
		{
			name:   "[Functional] Issue: bad serial",
			body:   dto.CertIssueRequest{Serial: "xyz"},
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name: "[Functional] Issue: wrong PIN",
			setup: func(tok *pivtest.Token) {
				tok.Fail(pivtest.OpSign, &piv.PinError{Retries: 2}, 1)
			},
			body:   dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}},
			status: http.StatusForbidden,
			code:   "PIN_INCORRECT",
		},
		{
			name: "[Functional] Issue: PIN required",
			setup: func(tok *pivtest.Token) {
				tok.Fail(pivtest.OpSign, piv.ErrPinRequired, 1)
			},
			body:   dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}},
			status: http.StatusUnauthorized,
			code:   "PIN_REQUIRED",
		},
		{
			name: "[Functional] Issue: touch timeout",
			setup: func(tok *pivtest.Token) {
				tok.Fail(pivtest.OpSign, piv.ErrTouchTimeout, 1)
			},
			body:   dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}},
			status: http.StatusGatewayTimeout,
			code:   "TOUCH_TIMEOUT",
		},
		{
			name: "[Functional] Issue: store failure",
			setup: func(tok *pivtest.Token) {
				tok.Fail(pivtest.OpWrite, piv.ErrNotAuthenticated, 1)
			},
			body:   dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}, Store: true},
			status: http.StatusBadGateway,
			code:   "STORE_FAILED",
		},
		{
			name:   "[Functional] Issue: validity beyond bound",
			body:   dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}, ValidityDays: 200000},
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "[Functional] Issue: negative validity",
			body:   dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}, ValidityDays: -1},
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "[Functional] Issue: reuse key from retired slot",
			body:   dto.CertIssueRequest{Slot: "82", ReuseKey: true},
			status: http.StatusBadRequest,
			code:   "INVALID_SLOT",
		},
		{
			name:   "[Functional] Issue: reuse key from empty slot",
			body:   dto.CertIssueRequest{ReuseKey: true},
			status: http.StatusConflict,
			code:   "SLOT_EMPTY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			if tt.setup != nil {
				tt.setup(api.tok)
			}
			rec := api.do(t, http.MethodPost, "/api/v1/certificates", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[dto.APIError](t, rec).Code)
			if tt.status == http.StatusBadRequest {
				assert.Empty(t, api.tok.Calls(), "token used by a rejected request")
			}
		})
	}
}

func TestF_API_IssuePinErrorDetails(t *testing.T) {
	api := newTestAPI(t)
	api.tok.Fail(pivtest.OpSign, &piv.PinError{Retries: 1}, 1)
	rec := api.do(t, http.MethodPost, "/api/v1/certificates", dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}})
	require.Equal(t, http.StatusForbidden, rec.Code)
	apiErr := decode[dto.APIError](t, rec)
	assert.Equal(t, "1", apiErr.Details["retries"])
	assert.Equal(t, "signed", apiErr.Details["stage"])
	assert.Equal(t, "true", apiErr.Details["key_generated"])
}

func TestF_API_SerialReuse(t *testing.T) {
	api := newTestAPI(t)
	body := dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}, Serial: "42"}
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/certificates", body).Code)

	rec := api.do(t, http.MethodPost, "/api/v1/certificates", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SERIAL_REUSED", decode[dto.APIError](t, rec).Code)
}

func TestF_API_GetErrors(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/certificates/ff", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CERT_NOT_FOUND", decode[dto.APIError](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/api/v1/certificates/zz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/certificates?slot=9b", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestF_API_Metrics(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/certificates",
		dto.CertIssueRequest{Subject: dto.SubjectInfo{CommonName: "x"}}).Code)

	rec := api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `qpiv_issuance_total{algorithm="ecc-p256",result="success"} 1`)
	assert.Contains(t, body, "qpiv_issuance_stage_duration_seconds")
	assert.Contains(t, body, `qpiv_http_requests_total{method="POST"`)
}
