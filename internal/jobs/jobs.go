// Package jobs provides the shared machinery around every linktally job
// entry point: single-instance file locks, retry with exponential backoff
// for transient failures, and the runner combining both.
package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/linktally/linktally/internal/lterrors"
)

// Lock is an exclusive per-job file lock. A second invocation of the same
// job waits up to the configured timeout and then rejects, so overlapping
// cron runs never race on the same tables.
type Lock struct {
	fl   *flock.Flock
	name string
}

// AcquireLock takes the named job lock, polling until wait expires.
func AcquireLock(ctx context.Context, dir, name string, wait time.Duration) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("jobs: failed to create lock directory: %w", err)
	}

	fl := flock.New(filepath.Join(dir, name+".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil && lockCtx.Err() == nil {
		return nil, fmt.Errorf("jobs: failed to acquire lock for %s: %w", name, err)
	}
	if !locked {
		return nil, fmt.Errorf("jobs: %s is already running (lock held after %s)", name, wait)
	}
	return &Lock{fl: fl, name: name}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("jobs: failed to release lock for %s: %w", l.name, err)
	}
	return nil
}

// RetryPolicy retries transient failures with exponential backoff.
// Non-retryable errors fail immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries up to 5 attempts starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}
}

// Run invokes fn until it succeeds, fails permanently, or attempts are
// exhausted.
func (p RetryPolicy) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !lterrors.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		log.Printf("jobs: %s attempt %d/%d failed, retrying in %v: %v", name, attempt, attempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("jobs: %s failed after %d attempts: %w", name, attempts, err)
}

// Runner wraps job entry points with the lock and retry policy. Guard
// skips are logged and swallowed so cron treats them as clean runs.
type Runner struct {
	lockDir  string
	lockWait time.Duration
	retry    RetryPolicy
}

// NewRunner creates a job runner using the given lock directory and wait.
func NewRunner(lockDir string, lockWait time.Duration, retry RetryPolicy) *Runner {
	if lockWait <= 0 {
		lockWait = 30 * time.Second
	}
	return &Runner{lockDir: lockDir, lockWait: lockWait, retry: retry}
}

// Run executes one named job under its lock.
func (r *Runner) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lock, err := AcquireLock(ctx, r.lockDir, name, r.lockWait)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("jobs: %v", err)
		}
	}()

	start := time.Now()
	err = r.retry.Run(ctx, name, fn)
	if lterrors.IsSkip(err) {
		log.Printf("jobs: %s skipped: %v", name, err)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("jobs: %s completed in %v", name, time.Since(start).Round(time.Millisecond))
	return nil
}
