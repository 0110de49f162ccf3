// Package server provides HTTP server configuration and lifecycle management.
package server

import "time"

// Config holds the server configuration.
type Config struct {
	// Listen is the address to bind to, e.g. "127.0.0.1:8443".
	Listen string

	// TLS configuration (optional)
	TLSCert string
	TLSKey  string

	// Timeouts. WriteTimeout must cover the token sign timeout.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8443",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    2 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// UseTLS reports whether both TLS files are configured.
func (c *Config) UseTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
