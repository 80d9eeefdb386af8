package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/hrvstr/hrvstr-go/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreditAndBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	balance, err := s.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected zero balance for a new user, got %d", balance)
	}

	if err := s.Credit(ctx, "user-1", 25); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}
	if err := s.Credit(ctx, "user-1", 5); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	balance, err = s.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if balance != 30 {
		t.Fatalf("expected balance 30, got %d", balance)
	}

	if err := s.Credit(ctx, "user-1", 0); err == nil {
		t.Fatalf("expected error for non-positive credit amount")
	}
}

func TestDebitConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	if err := s.Debit(ctx, "user-1", 8); err != nil {
		t.Fatalf("Debit returned error: %v", err)
	}

	err := s.Debit(ctx, "user-1", 8)
	if !apperrors.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	var insufficient *apperrors.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficient.Required != 8 || insufficient.Available != 2 {
		t.Fatalf("unexpected amounts: %+v", insufficient)
	}

	balance, _ := s.Balance(ctx, "user-1")
	if balance != 2 {
		t.Fatalf("expected balance 2 after one successful debit, got %d", balance)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Debit(ctx, "user-1", 8)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !apperrors.IsInsufficientCredits(err) {
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful debit, got %d", successes)
	}

	balance, _ := s.Balance(ctx, "user-1")
	if balance != 2 {
		t.Fatalf("expected final balance 2, got %d", balance)
	}
}

func TestBeginUnlockCreatesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	outcome, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 3, time.Hour)
	if err != nil {
		t.Fatalf("BeginUnlock returned error: %v", err)
	}
	if outcome.Status != UnlockCreated {
		t.Fatalf("expected UnlockCreated, got %v", outcome.Status)
	}
	if outcome.Session.SessionID == "" || outcome.Session.CreditsUsed != 3 {
		t.Fatalf("unexpected session: %+v", outcome.Session)
	}

	balance, _ := s.Balance(ctx, "user-1")
	if balance != 7 {
		t.Fatalf("expected balance 7 after unlock, got %d", balance)
	}

	found, err := s.FindActiveSession(ctx, "user-1", ComponentSentiment)
	if err != nil {
		t.Fatalf("FindActiveSession returned error: %v", err)
	}
	if found == nil || found.SessionID != outcome.Session.SessionID {
		t.Fatalf("expected to find the created session, got %+v", found)
	}
}

func TestBeginUnlockAdoptsExistingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	first, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 4, time.Hour)
	if err != nil {
		t.Fatalf("first BeginUnlock returned error: %v", err)
	}

	second, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 4, time.Hour)
	if err != nil {
		t.Fatalf("second BeginUnlock returned error: %v", err)
	}
	if second.Status != UnlockAlreadyActive {
		t.Fatalf("expected UnlockAlreadyActive, got %v", second.Status)
	}
	if second.Session.SessionID != first.Session.SessionID {
		t.Fatalf("expected to adopt the winner's session")
	}

	// The losing attempt must not have debited.
	balance, _ := s.Balance(ctx, "user-1")
	if balance != 6 {
		t.Fatalf("expected a single debit (balance 6), got %d", balance)
	}
}

func TestBeginUnlockInsufficientRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 2); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	_, err := s.BeginUnlock(ctx, "user-1", ComponentEarnings, 4, time.Hour)
	if !apperrors.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	var insufficient *apperrors.InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Required != 4 || insufficient.Available != 2 {
		t.Fatalf("unexpected error detail: %v", err)
	}

	balance, _ := s.Balance(ctx, "user-1")
	if balance != 2 {
		t.Fatalf("balance must be untouched, got %d", balance)
	}
	if found, _ := s.FindActiveSession(ctx, "user-1", ComponentEarnings); found != nil {
		t.Fatalf("no session may exist after a failed unlock, got %+v", found)
	}
}

func TestSessionsAreScopedPerComponent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}

	a, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 1, time.Hour)
	if err != nil || a.Status != UnlockCreated {
		t.Fatalf("sentiment unlock failed: %+v %v", a, err)
	}
	b, err := s.BeginUnlock(ctx, "user-1", ComponentEarnings, 2, time.Hour)
	if err != nil || b.Status != UnlockCreated {
		t.Fatalf("earnings unlock failed: %+v %v", b, err)
	}

	balance, _ := s.Balance(ctx, "user-1")
	if balance != 7 {
		t.Fatalf("expected both components to charge (balance 7), got %d", balance)
	}
}

func TestFindActiveSessionLazilyExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Unix(50000, 0)
	s.nowFn = func() time.Time { return now }

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}
	if _, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 2, 30*time.Minute); err != nil {
		t.Fatalf("BeginUnlock returned error: %v", err)
	}

	now = now.Add(31 * time.Minute)

	found, err := s.FindActiveSession(ctx, "user-1", ComponentSentiment)
	if err != nil {
		t.Fatalf("FindActiveSession returned error: %v", err)
	}
	if found != nil {
		t.Fatalf("expected the session to be expired, got %+v", found)
	}

	// A new unlock after expiry creates a brand-new session and debits again.
	outcome, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 2, 30*time.Minute)
	if err != nil {
		t.Fatalf("re-unlock returned error: %v", err)
	}
	if outcome.Status != UnlockCreated {
		t.Fatalf("expected a fresh session after expiry, got %v", outcome.Status)
	}
	balance, _ := s.Balance(ctx, "user-1")
	if balance != 6 {
		t.Fatalf("expected two debits (balance 6), got %d", balance)
	}
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Unix(50000, 0)
	s.nowFn = func() time.Time { return now }

	if err := s.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}
	if _, err := s.BeginUnlock(ctx, "user-1", ComponentSentiment, 1, time.Minute); err != nil {
		t.Fatalf("BeginUnlock returned error: %v", err)
	}

	now = now.Add(2 * time.Minute)
	expired, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired returned error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired session, got %d", expired)
	}
}

func TestAccountDefaultsToFreeTier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	account, err := s.Account(ctx, "nobody")
	if err != nil {
		t.Fatalf("Account returned error: %v", err)
	}
	if account.Tier != TierFree || account.Balance != 0 {
		t.Fatalf("unexpected default account: %+v", account)
	}

	if err := s.SetTier(ctx, "nobody", TierPro); err != nil {
		t.Fatalf("SetTier returned error: %v", err)
	}
	account, _ = s.Account(ctx, "nobody")
	if account.Tier != TierPro {
		t.Fatalf("expected pro tier, got %s", account.Tier)
	}
}
