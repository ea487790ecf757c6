package ledger

import (
	"context"
	"testing"
)

func TestMemoryStoreAppendLifecycle(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := store.Latest(ctx, "m.t"); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	first, rev, err := store.Append(ctx, alertAt("m.t", 0, true), 0)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ID == 0 || rev != 1 {
		t.Fatalf("unexpected id=%d rev=%d", first.ID, rev)
	}
	if _, _, err := store.Append(ctx, alertAt("m.t", 1, false), 0); err != ErrConflict {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}

	second, rev2, err := store.Append(ctx, alertAt("m.t", 1, false), rev)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.ID <= first.ID || rev2 != 2 {
		t.Fatalf("expected increasing ids, got %d then %d", first.ID, second.ID)
	}

	latest, latestRev, err := store.Latest(ctx, "m.t")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || latestRev != 2 {
		t.Fatalf("unexpected latest %+v rev=%d", latest, latestRev)
	}
}

func TestMemoryStoreLatestTieBreakByID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	_, rev, _ := store.Append(ctx, alertAt("m.t", 5, true), 0)
	tied, _, err := store.Append(ctx, alertAt("m.t", 5, false), rev)
	if err != nil {
		t.Fatalf("append tied: %v", err)
	}
	latest, _, _ := store.Latest(ctx, "m.t")
	if latest.ID != tied.ID || latest.InAlarm {
		t.Fatalf("expected greater id to win tie, got %+v", latest)
	}

	history, err := store.History(ctx, "m.t", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != tied.ID {
		t.Fatalf("unexpected limited history %+v", history)
	}
}
