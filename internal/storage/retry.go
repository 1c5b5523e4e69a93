package storage

import (
	"context"

	"github.com/jackc/pgconn"
)

// withRetry runs fn and repeats it once when the failure is known to have
// left no server-side effect. Only idempotent reads go through here; writes
// are never retried.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !pgconn.SafeToRetry(err) {
		return err
	}

	s.logger.Debugf("Retrying query after transient error: %v", err)

	return fn()
}
