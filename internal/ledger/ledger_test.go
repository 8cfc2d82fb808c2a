package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testLedger(t *testing.T, starting int64) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, starting, zap.NewNop())
}

func TestBalance_LazyStartingCredits(t *testing.T) {
	l := testLedger(t, 3)
	bal, err := l.Balance(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 3 {
		t.Errorf("expected starting balance 3, got %d", bal)
	}
}

func TestDebit_NeverNegative(t *testing.T) {
	l := testLedger(t, 0)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "dev-1", 5); err != nil {
		t.Fatal(err)
	}

	bal, err := l.Debit(ctx, "dev-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 2 {
		t.Errorf("expected balance 2, got %d", bal)
	}

	// Overdraft fails and leaves the balance unchanged.
	if _, err := l.Debit(ctx, "dev-1", 3); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	bal, _ = l.Balance(ctx, "dev-1")
	if bal != 2 {
		t.Errorf("balance mutated by failed debit: %d", bal)
	}
}

func TestDebit_StartingCreditsSpendable(t *testing.T) {
	l := testLedger(t, 3)
	bal, err := l.Debit(context.Background(), "dev-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 2 {
		t.Errorf("expected balance 2, got %d", bal)
	}
}

func TestDebit_ConcurrentDoubleSpend(t *testing.T) {
	l := testLedger(t, 0)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "dev-1", 2); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "dev-1", 2)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one insufficient, got %d/%d", ok, insufficient)
	}

	bal, _ := l.Balance(ctx, "dev-1")
	if bal != 0 {
		t.Errorf("expected balance 0 after double-spend race, got %d", bal)
	}
}

func TestRefund_RestoresBalanceOnce(t *testing.T) {
	l := testLedger(t, 0)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "dev-1", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Debit(ctx, "dev-1", 5); err != nil {
		t.Fatal(err)
	}

	bal, err := l.Refund(ctx, "dev-1", "req-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 10 {
		t.Errorf("expected balance restored to 10, got %d", bal)
	}

	// Second refund for the same logical request is rejected.
	if _, err := l.Refund(ctx, "dev-1", "req-1", 5); !errors.Is(err, ErrRefundAlreadyIssued) {
		t.Fatalf("expected ErrRefundAlreadyIssued, got %v", err)
	}
	bal, _ = l.Balance(ctx, "dev-1")
	if bal != 10 {
		t.Errorf("duplicate refund mutated balance: %d", bal)
	}
}

func TestDebit_RejectsNonPositive(t *testing.T) {
	l := testLedger(t, 0)
	if _, err := l.Debit(context.Background(), "dev-1", 0); err == nil {
		t.Error("expected error for zero debit")
	}
	if _, err := l.Credit(context.Background(), "dev-1", -1); err == nil {
		t.Error("expected error for negative credit")
	}
}
