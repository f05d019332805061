package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkSurvivesWrapping(t *testing.T) {
	t.Parallel()

	root := errors.New("forbidden")
	wrapped := fmt.Errorf("backend send: %w", Mark(root))
	if !Is(wrapped) {
		t.Fatalf("expected permanent marker through wrap")
	}
	if !errors.Is(wrapped, root) {
		t.Fatalf("expected root cause to remain reachable")
	}
	if Retryable(wrapped) {
		t.Fatalf("permanent error must not be retryable")
	}
}

func TestPlainErrorsAreRetryable(t *testing.T) {
	t.Parallel()

	if Is(nil) || Retryable(nil) {
		t.Fatalf("nil error must be neither permanent nor retryable")
	}
	if !Retryable(errors.New("connection refused")) {
		t.Fatalf("plain error must be retryable")
	}
	if Mark(nil) != nil {
		t.Fatalf("Mark(nil) must stay nil")
	}
	if !Is(Mark(fmt.Errorf("status=%d", 422))) {
		t.Fatalf("Errorf result must be permanent")
	}
}
