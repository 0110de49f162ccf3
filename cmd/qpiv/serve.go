package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/api/handler"
	"github.com/remiblancher/qpiv/internal/api/router"
	"github.com/remiblancher/qpiv/internal/api/server"
	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/metrics"
	"github.com/remiblancher/qpiv/pkg/audit"
	"github.com/remiblancher/qpiv/pkg/selfsign"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Start the HTTP API. The token is opened once and every request goes
through that session, so token operations are serialized.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/v1/algorithms
  GET  /api/v1/slots[?token=true]
  POST /api/v1/certificates
  GET  /api/v1/certificates[?slot=9a]
  GET  /api/v1/certificates/{serial}

Examples:
  qpiv serve --config qpiv.yaml
  qpiv serve --listen 127.0.0.1:9443 --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListen  string
	serveTLSCert string
	serveTLSKey  string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS private key file")
}

func runServe(cmd *cobra.Command, args []string) error {
	defaults, err := handlerDefaults()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	j, err := openJournal()
	if err != nil {
		return err
	}
	if j != nil {
		defer func() { _ = j.Close() }()
	}

	session, err := openSession(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to open token: %w", err)
	}

	issuer := selfsign.NewIssuer(
		selfsign.WithLogger(appLog),
		selfsign.WithObserver(m),
		selfsign.WithAuditor(audit.Auditor{Token: session.Describe()}),
		selfsign.WithSignTimeout(appConfig.Timeouts.Sign),
	)
	svc := issuance.New(session, issuer,
		issuance.WithJournal(j),
		issuance.WithLogger(appLog),
		issuance.WithStoreObserver(m),
		issuance.WithTokenName(session.Describe()),
	)

	h := router.New(&router.Config{
		Version:  version,
		Token:    session.Describe(),
		Service:  svc,
		Journal:  j,
		Metrics:  m,
		Defaults: defaults,
		Logger:   appLog,
	})

	cfg := server.DefaultConfig()
	cfg.Listen = appConfig.Server.Listen
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if appConfig.Server.ReadTimeout > 0 {
		cfg.ReadTimeout = appConfig.Server.ReadTimeout
	}
	if appConfig.Server.WriteTimeout > 0 {
		cfg.WriteTimeout = appConfig.Server.WriteTimeout
	}
	cfg.TLSCert, cfg.TLSKey = serveTLSCert, serveTLSKey

	return server.New(cfg, h, appLog).Start(cmd.Context())
}

// handlerDefaults converts the configured issuance defaults.
func handlerDefaults() (handler.Defaults, error) {
	d := appConfig.Defaults
	alg, err := d.SigningAlgorithm()
	if err != nil {
		return handler.Defaults{}, err
	}
	slot, err := d.SlotID()
	if err != nil {
		return handler.Defaults{}, err
	}
	pol, err := d.Policies()
	if err != nil {
		return handler.Defaults{}, err
	}
	return handler.Defaults{
		Slot:        slot,
		Algorithm:   alg,
		Validity:    d.Validity(),
		PinPolicy:   pol.Pin,
		TouchPolicy: pol.Touch,
	}, nil
}
