package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/agentchan/internal/clock"
	"go.uber.org/zap"
)

func newTestLimiter(rpm int) (*Limiter, *clock.Fake) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Enabled: true, RPM: rpm, Clock: fake}, zap.NewNop()), fake
}

func TestAllowWithinWindow(t *testing.T) {
	l, fake := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	fake.Advance(20 * time.Second)
	ok, retry := l.Allow("1.2.3.4")
	if ok {
		t.Fatal("4th request in window should be denied")
	}
	if retry != 40*time.Second {
		t.Errorf("retry after = %v, want 40s", retry)
	}

	if ok, _ := l.Allow("5.6.7.8"); !ok {
		t.Error("other IPs have their own window")
	}

	fake.Advance(40 * time.Second)
	if ok, _ := l.Allow("1.2.3.4"); !ok {
		t.Error("new window should allow again")
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(Config{Enabled: false, RPM: 1}, zap.NewNop())
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatal("disabled limiter denied a request")
		}
	}
	if l.Tracked() != 0 {
		t.Error("disabled limiter should keep no state")
	}
}

func TestCleanup(t *testing.T) {
	l, fake := newTestLimiter(10)
	l.Allow("a")
	fake.Advance(30 * time.Second)
	l.Allow("b")
	fake.Advance(31 * time.Second)

	if n := l.Cleanup(); n != 1 {
		t.Errorf("removed %d windows, want 1", n)
	}
	if l.Tracked() != 1 {
		t.Errorf("tracked = %d, want 1", l.Tracked())
	}
}

func TestAllowConcurrent(t *testing.T) {
	l, _ := newTestLimiter(60)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("9.9.9.9"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 60 {
		t.Errorf("allowed %d, want exactly 60", allowed.Load())
	}
}

func TestRunCancelStops(t *testing.T) {
	l, _ := newTestLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
