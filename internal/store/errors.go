package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned by RecordInvocation when a non-terminal row
// already exists for the (orchestrationId, plugin, hookName, directory)
// tuple — the idempotency guard for retries of the same request.
var ErrConflict = errors.New("store: conflicting non-terminal invocation exists")

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrSlotBusy is returned by SlotTryAcquire when the directory is
// already leased. ETA is the current holder's lease deadline, a hint
// callers may use to size their wait.
type ErrSlotBusy struct {
	Holder string
	ETA    time.Time
}

func (e *ErrSlotBusy) Error() string {
	return fmt.Sprintf("store: slot busy, held by %q until %s", e.Holder, e.ETA.Format(time.RFC3339))
}
