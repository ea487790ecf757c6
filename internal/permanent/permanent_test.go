package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkSurvivesWrapping(t *testing.T) {
	t.Parallel()

	root := errors.New("550 mailbox unavailable")
	err := fmt.Errorf("send: %w", Mark(root))
	if !Is(err) {
		t.Fatalf("expected wrapped permanent error to be detected")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected root cause to stay reachable")
	}
	if Is(root) || Is(nil) || Mark(nil) != nil {
		t.Fatalf("unexpected permanent classification")
	}
	if !Is(Errorf("bad recipient %q: %w", "x", root)) {
		t.Fatalf("expected Errorf result to be permanent")
	}
}
