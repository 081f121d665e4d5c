package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentMiner/internal/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestDoRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), fastPolicy(4), func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", xerrors.New(xerrors.CodeNetworkTimeout, "")
		}
		return "ok", nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "ok" || calls != 3 {
		t.Fatalf("unexpected result value=%q calls=%d", value, calls)
	}
}

func TestDoStopsOnFatalError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), func(context.Context, int) (int, error) {
		calls++
		return 0, xerrors.New(xerrors.CodeTxRejectedOther, "revert")
	}, nil)
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if !xerrors.HasCode(err, xerrors.CodeTxRejectedOther) {
		t.Fatalf("expected original error code, got %v", err)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	var notified []int
	_, err := Do(context.Background(), fastPolicy(3), func(context.Context, int) (int, error) {
		return 0, xerrors.New(xerrors.CodeSolverTimeout, "")
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	if !xerrors.HasCode(err, xerrors.CodeSolverTimeout) {
		t.Fatalf("expected solver timeout, got %v", err)
	}
	if len(notified) != 2 {
		t.Fatalf("expected 2 backoff notifications, got %v", notified)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fastPolicy(3), func(ctx context.Context, _ int) (int, error) {
		return 0, ctx.Err()
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPolicyDelayIsCapped(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 3 * time.Second, 6: 3 * time.Second}
	for attempt, want := range cases {
		if got := p.Delay(attempt); got != want {
			t.Fatalf("attempt %d: want %s got %s", attempt, want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != VerdictOK {
		t.Fatal("nil should be ok")
	}
	if Classify(xerrors.New(xerrors.CodePostTransient, "")) != VerdictRetryable {
		t.Fatal("post transient should be retryable")
	}
	if Classify(xerrors.New(xerrors.CodePuzzleExpired, "")) != VerdictFatal {
		t.Fatal("expired puzzle is handled by the caller, not retried")
	}
	if Classify(errors.New("plain")) != VerdictFatal {
		t.Fatal("unclassified errors are not retried")
	}
}
