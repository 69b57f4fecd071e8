package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/racai-ai/saroj/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingRunner struct {
	ticks atomic.Int32
	ch    chan struct{}
}

func newCountingRunner() *countingRunner {
	return &countingRunner{ch: make(chan struct{}, 64)}
}

func (r *countingRunner) RunOnce(context.Context) (int, error) {
	r.ticks.Add(1)
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return 0, nil
}

func (r *countingRunner) waitTick(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick within 2s")
	}
}

// memLease is an in-memory Leaser.
type memLease struct {
	mu      sync.Mutex
	holder  string
	fail    bool
	renews  int
	release int
}

func (m *memLease) Acquire(_ context.Context, name, owner string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail || (m.holder != "" && m.holder != owner) {
		return common.NewAppError("LEASE_HELD", name+" is held", common.ErrLeaseHeld)
	}
	if m.holder == owner {
		m.renews++
	}
	m.holder = owner
	return nil
}

func (m *memLease) Release(_ context.Context, _, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == owner {
		m.holder = ""
	}
	m.release++
	return nil
}

func (m *memLease) setFail() {
	m.mu.Lock()
	m.fail = true
	m.mu.Unlock()
}

func TestLoop_TicksAndStopsOnCancel(t *testing.T) {
	runner := newCountingRunner()
	loop := NewLoop(runner, quietLogger(), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	runner.waitTick(t)
	runner.waitTick(t)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
}

func TestLoop_WakeupTicksEarly(t *testing.T) {
	runner := newCountingRunner()
	wake := make(chan struct{}, 1)
	loop := NewLoop(runner, quietLogger(), WithPollInterval(time.Hour), WithWakeup(wake))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	runner.waitTick(t) // initial tick
	wake <- struct{}{}
	runner.waitTick(t)
	if got := runner.ticks.Load(); got != 2 {
		t.Fatalf("expected 2 ticks, got %d", got)
	}
}

func TestLoop_FailsWhenLeaseHeld(t *testing.T) {
	lease := &memLease{holder: "someone-else"}
	runner := newCountingRunner()
	loop := NewLoop(runner, quietLogger(), WithLease(lease, "/data", "me", time.Minute))

	err := loop.Run(context.Background())
	if !errors.Is(err, common.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if runner.ticks.Load() != 0 {
		t.Fatalf("no tick may run without the lease")
	}
}

func TestLoop_StopsWhenLeaseLost(t *testing.T) {
	lease := &memLease{}
	runner := newCountingRunner()
	var held atomic.Bool
	loop := NewLoop(runner, quietLogger(),
		WithPollInterval(5*time.Millisecond),
		WithLease(lease, "/data", "me", 30*time.Millisecond),
		WithLeaseObserver(func(h bool) { held.Store(h) }),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()

	runner.waitTick(t)
	if !held.Load() {
		t.Fatalf("observer should report the lease as held")
	}
	lease.setFail()

	select {
	case err := <-errCh:
		if !errors.Is(err, common.ErrLeaseHeld) {
			t.Fatalf("expected ErrLeaseHeld, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop kept running without the lease")
	}
	if held.Load() {
		t.Fatalf("observer should report the lease as lost")
	}
}

func TestLoop_StartShutdownReleasesLease(t *testing.T) {
	lease := &memLease{}
	runner := newCountingRunner()
	loop := NewLoop(runner, quietLogger(), WithPollInterval(5*time.Millisecond), WithLease(lease, "/data", "me", time.Minute))

	loop.Start(context.Background(), func(err error) { t.Errorf("unexpected loop error: %v", err) })
	runner.waitTick(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	loop.Shutdown(ctx)

	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.holder != "" || lease.release != 1 {
		t.Fatalf("lease not released: holder=%q releases=%d", lease.holder, lease.release)
	}
}

func TestWatchPending_SignalsOnNewTaskFile(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := WatchPending(ctx, dir, 0, quietLogger())
	if err != nil {
		t.Fatalf("WatchPending: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "3f1c2f9e-8a4b-4c7d-9e1f-2a3b4c5d6e7f"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatalf("no wake-up for new task file")
	}
}

func TestWatchPending_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := WatchPending(ctx, dir, 0, quietLogger())
	if err != nil {
		t.Fatalf("WatchPending: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "abc.tmp.123"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-wake:
		t.Fatalf("temp files must not wake the loop")
	case <-time.After(200 * time.Millisecond):
	}
}
