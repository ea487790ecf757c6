// Package recipients tracks which configured trigger recipients have unsubscribed.
//
// Trigger email lists come from configuration; this package persists the
// removals so they survive restarts and config reloads.
package recipients

import (
	"context"
	"errors"

	"dqalarm/internal/domain"
)

// Store persists unsubscribed (trigger, email) pairs.
type Store interface {
	// Remove records the email as unsubscribed from every listed trigger atomically.
	Remove(ctx context.Context, email string, triggerIDs ...string) error
	// Removed returns the unsubscribed emails of one trigger.
	Removed(ctx context.Context, triggerID string) (map[string]struct{}, error)
	Close() error
}

// Directory resolves the current recipients of a trigger.
type Directory struct {
	store Store
}

// NewDirectory wraps a removal store.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// Recipients returns the trigger's configured emails minus unsubscribed ones, in configured order.
func (d *Directory) Recipients(ctx context.Context, trigger *domain.Trigger) ([]string, error) {
	removed, err := d.store.Removed(ctx, trigger.ID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(trigger.Emails))
	for _, email := range trigger.Emails {
		if _, gone := removed[domain.NormalizeEmail(email)]; gone {
			continue
		}
		out = append(out, email)
	}
	return out, nil
}

// Remove records one unsubscribe across triggerIDs.
func (d *Directory) Remove(ctx context.Context, email string, triggerIDs ...string) error {
	if len(triggerIDs) == 0 {
		return nil
	}
	return d.store.Remove(ctx, domain.NormalizeEmail(email), triggerIDs...)
}

// ErrUnknownTrigger is returned when a trigger id is not in the current catalog.
var ErrUnknownTrigger = errors.New("unknown trigger")
