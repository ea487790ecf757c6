package ledger

import (
	"context"
	"errors"

	"dqalarm/internal/domain"
)

var (
	// ErrNotFound indicates a trigger without alerts.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the head revision moved since it was read.
	ErrConflict = errors.New("revision conflict")
)

// Store persists per-trigger alert history with a conditional append.
// Params: trigger id scoped reads and revision-guarded writes.
// Returns: backend persistence behavior.
//
// Revision 0 means "no alert yet". Append succeeds only when the trigger's
// head revision still equals expectedRevision and assigns the alert its id.
type Store interface {
	Latest(ctx context.Context, triggerID string) (domain.Alert, uint64, error)
	Append(ctx context.Context, alert domain.Alert, expectedRevision uint64) (domain.Alert, uint64, error)
	History(ctx context.Context, triggerID string, limit int) ([]domain.Alert, error)
	Close() error
}
