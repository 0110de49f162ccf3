//go:build !cgo

package token

import (
	"context"
)

// PIVSession is unavailable without CGO.
type PIVSession struct{ Session }

// PKCS11Session is unavailable without CGO.
type PKCS11Session struct{ Session }

// OpenPIV returns an error: PC/SC access requires CGO.
func OpenPIV(ctx context.Context, cfg Config) (*PIVSession, error) {
	return nil, errNoCGO
}

// OpenPKCS11 returns an error: PKCS#11 access requires CGO.
func OpenPKCS11(ctx context.Context, cfg Config) (*PKCS11Session, error) {
	return nil, errNoCGO
}

func listPIVReaders() ([]Reader, error) {
	return nil, errNoCGO
}

func listPKCS11Tokens(module string) ([]Reader, error) {
	return nil, errNoCGO
}
