package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// slotLockKey derives a stable advisory-lock key for a directory so that
// slotTryAcquire's busy-check and insert happen atomically even against
// concurrent hookd processes on the same Postgres instance.
func slotLockKey(directory string) int64 {
	h := fnv.New64a()
	h.Write([]byte("hookd_slot\x00" + directory))
	return int64(h.Sum64())
}

func (s *PostgresStore) acquireSlotLock(ctx context.Context, tx pgx.Tx, directory string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, slotLockKey(directory)); err != nil {
		return fmt.Errorf("acquire slot lock: %w", err)
	}
	return nil
}
