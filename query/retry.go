package query

import (
	"context"
	"errors"
	"time"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/internal/diag"
	"github.com/entitykv/entitykv/storage"
)

// isTemporary reports whether err identifies itself as safe to retry via
// storage.TemporaryError.
func isTemporary(err error) bool {
	var t storage.TemporaryError
	for e := err; e != nil; {
		if x, ok := e.(storage.TemporaryError); ok {
			t = x
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Temporary()
}

func backoffFor(initial time.Duration, attemptIndex int) time.Duration {
	if attemptIndex <= 0 {
		return initial
	}
	d := initial
	for i := 0; i < attemptIndex; i++ {
		d *= 2
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func attemptsOf(store storage.Store) int {
	n := store.Attempts()
	if n < 1 {
		return 1
	}
	return n
}

// retryRead runs fn inside a bounded-retry read transaction: each attempt
// opens a fresh Tx, runs fn, and commits. An error satisfying
// storage.TemporaryError causes a retry with doubling backoff (starting at
// store.InitialBackoff()); any other error is wrapped and returned
// immediately, matching the retry policy in the concurrency design.
func retryRead[R any](ctx context.Context, store storage.Store, fn func(ctx context.Context, tx storage.Tx) (R, error)) (R, error) {
	var zero R
	backend := store.Backend()
	attempts := attemptsOf(store)
	initial := store.InitialBackoff()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffFor(initial, attempt-1)); err != nil {
				return zero, entitykv.Wrap(entitykv.ErrBackend, "read transaction canceled while waiting to retry", err)
			}
		}

		tx, err := backend.BeginRead(ctx)
		if err != nil {
			lastErr = err
			if isTemporary(err) {
				continue
			}
			return zero, wrapBackendErr(err)
		}

		result, err := fn(ctx, tx)
		if err != nil {
			_ = tx.Rollback(ctx)
			lastErr = err
			if isTemporary(err) {
				continue
			}
			return zero, wrapBackendErr(err)
		}

		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			if isTemporary(err) {
				continue
			}
			return zero, wrapBackendErr(err)
		}
		return result, nil
	}
	return zero, entitykv.Wrap(entitykv.ErrBackend, "read transaction failed after "+diag.Attempts(attempts), lastErr)
}

// retryWrite is retryRead's write-side counterpart, used by Remove.
func retryWrite[R any](ctx context.Context, store storage.Store, fn func(ctx context.Context, tx storage.Tx) (R, error)) (R, error) {
	var zero R
	backend := store.Backend()
	attempts := attemptsOf(store)
	initial := store.InitialBackoff()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffFor(initial, attempt-1)); err != nil {
				return zero, entitykv.Wrap(entitykv.ErrBackend, "write transaction canceled while waiting to retry", err)
			}
		}

		tx, err := backend.BeginWrite(ctx)
		if err != nil {
			lastErr = err
			if isTemporary(err) {
				continue
			}
			return zero, wrapBackendErr(err)
		}

		result, err := fn(ctx, tx)
		if err != nil {
			_ = tx.Rollback(ctx)
			lastErr = err
			if isTemporary(err) {
				continue
			}
			return zero, wrapBackendErr(err)
		}

		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			if isTemporary(err) {
				continue
			}
			return zero, wrapBackendErr(err)
		}
		return result, nil
	}
	return zero, entitykv.Wrap(entitykv.ErrBackend, "write transaction failed after "+diag.Attempts(attempts), lastErr)
}

// withReader runs fn against a single, non-retried read transaction. Count
// uses it directly: a reader cursor doesn't need the full retry envelope
// the entity-returning retrievals get.
func withReader[R any](ctx context.Context, store storage.Store, fn func(ctx context.Context, tx storage.Tx) (R, error)) (R, error) {
	var zero R
	backend := store.Backend()
	tx, err := backend.BeginRead(ctx)
	if err != nil {
		return zero, wrapBackendErr(err)
	}
	result, err := fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return zero, wrapBackendErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, wrapBackendErr(err)
	}
	return result, nil
}

func wrapBackendErr(err error) error {
	if err == nil {
		return nil
	}
	var e *entitykv.Error
	if errors.As(err, &e) {
		// Already one of ours (e.g. NotUnique raised inside a retry
		// callback) — don't flatten its Kind into ErrBackend.
		return err
	}
	return entitykv.Wrap(entitykv.ErrBackend, "storage backend error", err)
}
