package main

import (
	"context"
	"sync"

	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/internal/token"
)

// openToken opens the configured token. Tests replace it with a software
// token.
var openToken = token.Open

var (
	activeMu      sync.Mutex
	activeSession token.Session
)

// openSession opens the token described by the configuration and registers
// it for cleanup on exit.
func openSession(ctx context.Context) (token.Session, error) {
	cfg, err := appConfig.TokenConfig(appLog)
	if err != nil {
		return nil, err
	}
	s, err := openToken(ctx, cfg)
	if err != nil {
		return nil, err
	}
	activeMu.Lock()
	activeSession = s
	activeMu.Unlock()
	return s, nil
}

// closeActiveSession closes the registered session, if any.
func closeActiveSession() {
	activeMu.Lock()
	s := activeSession
	activeSession = nil
	activeMu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			appLog.Warn().Err(err).Msg("failed to close token session")
		}
	}
}

// openJournal opens the configured journal. An empty path disables it.
func openJournal() (*journal.Journal, error) {
	if appConfig.Journal.Path == "" {
		return nil, nil
	}
	return journal.Open(appConfig.Journal.Path)
}
