package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remiblancher/qpiv/pkg/piv"
)

func TestU_Exclusive_Serializes(t *testing.T) {
	x := newExclusive()
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := x.do(context.Background(), 0, piv.ErrTransport, func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("do() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Errorf("max in flight = %d, want 1", maxInFlight)
	}
}

func TestU_Exclusive_ReturnsResult(t *testing.T) {
	x := newExclusive()
	want := errors.New("boom")
	if err := x.do(context.Background(), time.Second, piv.ErrTouchTimeout, func() error { return want }); err != want {
		t.Errorf("do() error = %v, want %v", err, want)
	}
	if x.busy() {
		t.Error("lock still held after do() returned")
	}
}

func TestU_Exclusive_TimeoutKeepsLock(t *testing.T) {
	x := newExclusive()
	release := make(chan struct{})
	finished := make(chan struct{})

	err := x.do(context.Background(), 10*time.Millisecond, piv.ErrTouchTimeout, func() error {
		<-release
		close(finished)
		return nil
	})
	if !errors.Is(err, piv.ErrTouchTimeout) {
		t.Fatalf("do() error = %v, want ErrTouchTimeout", err)
	}
	if !x.busy() {
		t.Fatal("lock released while the abandoned call is still running")
	}

	// A second caller cannot get in until the first call returns.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := x.do(ctx, 0, piv.ErrTransport, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued do() error = %v, want DeadlineExceeded", err)
	}

	close(release)
	<-finished
	if err := x.do(context.Background(), time.Second, piv.ErrTransport, func() error { return nil }); err != nil {
		t.Errorf("do() after release error = %v", err)
	}
}

func TestU_Exclusive_Cancelled(t *testing.T) {
	x := newExclusive()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := x.do(ctx, 0, piv.ErrTransport, func() error { called = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("do() error = %v, want Canceled", err)
	}
	if c := piv.Classify(err); c != piv.ClassToken {
		t.Errorf("Classify() = %s, want token", c)
	}
	if called {
		t.Error("fn ran on a cancelled context")
	}
}

func TestU_Exclusive_DeadlineWhileRunning(t *testing.T) {
	x := newExclusive()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	err := x.do(ctx, 0, piv.ErrTouchTimeout, func() error { <-release; return nil })
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, piv.ErrTransport) {
		t.Errorf("do() error = %v, want transport and DeadlineExceeded", err)
	}
	if errors.Is(err, piv.ErrTouchTimeout) {
		t.Error("context deadline reported as touch timeout")
	}
}
