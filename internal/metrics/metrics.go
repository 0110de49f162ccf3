// Package metrics exposes Prometheus collectors for issuance and the HTTP
// API.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
)

// ResultSuccess labels successful issuances.
const ResultSuccess = "success"

// Metrics holds the qpiv collectors. It implements selfsign.Observer.
type Metrics struct {
	issuanceTotal   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	storeTotal      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

var _ selfsign.Observer = (*Metrics)(nil)

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh registry, which Handler then serves.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		issuanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpiv_issuance_total",
			Help: "Self-signed issuances by algorithm and result",
		}, []string{"algorithm", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qpiv_issuance_stage_duration_seconds",
			Help:    "Time spent in each issuance stage",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpiv_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qpiv_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		storeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpiv_certificate_store_total",
			Help: "Certificate write-backs to the token by result",
		}, []string{"result"}),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{
		m.issuanceTotal, m.stageDuration, m.httpRequests, m.httpDuration, m.storeTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveStage records the time spent in one issuance stage.
func (m *Metrics) ObserveStage(stage selfsign.Stage, _ piv.SigningAlgorithm, d time.Duration) {
	m.stageDuration.WithLabelValues(stage.String()).Observe(d.Seconds())
}

// ObserveResult counts one issuance outcome. Failures are labelled with
// their error class.
func (m *Metrics) ObserveResult(alg piv.SigningAlgorithm, err error) {
	m.issuanceTotal.WithLabelValues(alg.String(), Result(err)).Inc()
}

// ObserveStore counts one certificate write-back.
func (m *Metrics) ObserveStore(err error) {
	m.storeTotal.WithLabelValues(Result(err)).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Result maps an error to a result label.
func Result(err error) string {
	if err == nil {
		return ResultSuccess
	}
	if errors.Is(err, selfsign.ErrInvalidRequest) || errors.Is(err, issuance.ErrSerialReused) {
		return piv.ClassValidation.String()
	}
	return piv.Classify(err).String()
}
