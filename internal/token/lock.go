package token

import (
	"context"
	"fmt"
	"time"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// exclusive serializes operations on one token. Token calls cannot be
// interrupted once sent, so a caller that gives up returns early but the
// token stays reserved until the call actually returns.
type exclusive struct {
	sem chan struct{}
}

func newExclusive() *exclusive {
	return &exclusive{sem: make(chan struct{}, 1)}
}

// do waits for the token, then runs fn. If ctx ends or timeout (when > 0)
// elapses before fn returns, do returns an error wrapping onTimeout (or
// piv.ErrTransport and the context error) and fn keeps the token until it
// finishes. Its result is discarded.
func (x *exclusive) do(ctx context.Context, timeout time.Duration, onTimeout error, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	select {
	case x.sem <- struct{}{}:
	case <-ctx.Done():
		return cancelled(ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-x.sem }()
		done <- fn()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		return fmt.Errorf("%w after %s", onTimeout, timeout)
	case <-ctx.Done():
		return cancelled(ctx.Err())
	}
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", piv.ErrTransport, err)
}

// busy reports whether an operation currently holds the token.
func (x *exclusive) busy() bool {
	return len(x.sem) == 1
}
