package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/racai-ai/saroj/internal/common"
)

// Runner processes whatever work is pending in one tick.
type Runner interface {
	RunOnce(ctx context.Context) (int, error)
}

// Leaser grants the single-writer lease on a storage root.
type Leaser interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) error
	Release(ctx context.Context, name, owner string) error
}

// Loop is the discovery loop: one worker, one tick at a time, at a fixed
// poll interval. A wake-up signal starts the next tick early.
type Loop struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	wake     <-chan struct{}

	lease     Leaser
	leaseName string
	owner     string
	ttl       time.Duration
	observer  func(held bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Loop)

func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithWakeup makes the loop tick as soon as ch delivers.
func WithWakeup(ch <-chan struct{}) Option {
	return func(l *Loop) { l.wake = ch }
}

// WithLease makes the loop hold the named lease while it runs. The lease is
// renewed every ttl/3; losing it stops the loop.
func WithLease(lease Leaser, name, owner string, ttl time.Duration) Option {
	return func(l *Loop) {
		l.lease = lease
		l.leaseName = name
		l.owner = owner
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLeaseObserver is told whenever the lease is gained or lost.
func WithLeaseObserver(fn func(held bool)) Option {
	return func(l *Loop) { l.observer = fn }
}

func NewLoop(runner Runner, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		runner:   runner,
		logger:   logger,
		interval: time.Second,
		ttl:      30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run blocks until ctx is done or the lease is lost. It returns nil on a
// normal shutdown and an ErrLeaseHeld error when the lease cannot be taken
// or kept.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if l.lease != nil {
		if err := l.lease.Acquire(ctx, l.leaseName, l.owner, l.ttl); err != nil {
			l.logger.Error("loop.lease.acquire_failed", "lease", l.leaseName, "error", err)
			return err
		}
		l.notify(true)
		defer l.releaseLease()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.renew(ctx, cancel)
		}()
		defer wg.Wait()
	}

	l.logger.Info("loop.started", "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, common.ErrLeaseHeld) {
				l.logger.Error("loop.stopped", "reason", "lease lost", "error", cause)
				return cause
			}
			l.logger.Info("loop.stopped", "reason", "shutdown")
			return nil
		case <-ticker.C:
		case <-l.wake:
			l.logger.Debug("loop.wakeup")
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := l.runner.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		l.logger.Error("loop.tick.failed", "processed", n, "error", err)
		return
	}
	if n > 0 {
		l.logger.Info("loop.tick", "processed", n, "elapsed_ms", time.Since(start).Milliseconds())
	}
}

func (l *Loop) renew(ctx context.Context, cancel context.CancelCauseFunc) {
	every := l.ttl / 3
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.lease.Acquire(ctx, l.leaseName, l.owner, l.ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("loop.lease.renew_failed", "lease", l.leaseName, "error", err)
				l.notify(false)
				if !errors.Is(err, common.ErrLeaseHeld) {
					err = fmt.Errorf("%w: renew: %v", common.ErrLeaseHeld, err)
				}
				cancel(err)
				return
			}
		}
	}
}

func (l *Loop) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.lease.Release(ctx, l.leaseName, l.owner); err != nil {
		l.logger.Warn("loop.lease.release_failed", "lease", l.leaseName, "error", err)
	}
	l.notify(false)
}

func (l *Loop) notify(held bool) {
	if l.observer != nil {
		l.observer(held)
	}
}

// Start runs the loop in the background. Errors other than a normal
// shutdown are reported through errFn.
func (l *Loop) Start(ctx context.Context, errFn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		if err := l.Run(ctx); err != nil && errFn != nil {
			errFn(err)
		}
	}()
}

// Shutdown stops a loop started with Start and waits for the current tick
// to finish, or for ctx to expire.
func (l *Loop) Shutdown(ctx context.Context) {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	select {
	case <-ctx.Done():
		l.logger.Warn("shutdown interrupted by context")
	case <-done:
		l.logger.Info("loop drained, shutdown complete")
	}
}
