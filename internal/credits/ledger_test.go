package credits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/memstore"
	"github.com/vidgen/backend/internal/models"
)

type recorderStub struct {
	consumed int
	granted  int
}

func (r *recorderStub) CreditsConsumed(amount int) { r.consumed += amount }
func (r *recorderStub) CreditsGranted(amount int)  { r.granted += amount }

func newLedger(t *testing.T) (*credits.Ledger, *memstore.Store, *recorderStub) {
	t.Helper()
	store := memstore.New()
	rec := &recorderStub{}
	ledger := credits.NewLedger(store, rec)
	ledger.WithNowFunc(func() time.Time { return time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC) })
	return ledger, store, rec
}

func TestInitializeGrantsBonusOnce(t *testing.T) {
	ledger, store, rec := newLedger(t)
	ctx := context.Background()

	acct, err := ledger.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if acct.Credits != credits.SignupBonus || acct.TotalCreditsEver != credits.SignupBonus {
		t.Fatalf("unexpected account: %+v", acct)
	}

	again, err := ledger.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if again.Credits != credits.SignupBonus {
		t.Fatalf("expected unchanged balance got %d", again.Credits)
	}

	txs, err := store.ListTransactions(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected one bonus transaction got %d", len(txs))
	}
	if txs[0].Type != models.TransactionBonus || txs[0].Amount != credits.SignupBonus || txs[0].BalanceAfter != credits.SignupBonus {
		t.Fatalf("unexpected bonus entry: %+v", txs[0])
	}
	if rec.granted != credits.SignupBonus {
		t.Fatalf("expected bonus recorded once got %d", rec.granted)
	}
}

func TestInitializeRejectsEmptyUser(t *testing.T) {
	ledger, _, _ := newLedger(t)
	_, err := ledger.Initialize(context.Background(), "  ")
	var verr *credits.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestBalanceWithoutAccountIsZero(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()

	bal, err := ledger.Balance(ctx, "ghost")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Credits != 0 || bal.TotalCreditsEver != 0 {
		t.Fatalf("expected zero balance got %+v", bal)
	}
	if _, err := store.FindAccount(ctx, "ghost"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Fatalf("balance must not create an account, got %v", err)
	}
}

func TestCheckAvailable(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	if _, err := ledger.Initialize(ctx, "user-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	avail, err := ledger.CheckAvailable(ctx, "user-1", 5)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if avail.HasEnoughCredits || avail.CurrentCredits != 3 || avail.Shortfall != 2 {
		t.Fatalf("unexpected availability: %+v", avail)
	}

	avail, err = ledger.CheckAvailable(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !avail.HasEnoughCredits || avail.Shortfall != 0 {
		t.Fatalf("unexpected availability: %+v", avail)
	}
}

func TestConsumeDebitsAndRecords(t *testing.T) {
	ledger, store, rec := newLedger(t)
	ctx := context.Background()
	if _, err := ledger.Initialize(ctx, "user-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	balance, err := ledger.Consume(ctx, "user-1", 1, "Video generation: Sunset", "video-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if balance != 2 {
		t.Fatalf("expected balance 2 got %d", balance)
	}

	txs, _ := store.ListTransactions(ctx, "user-1", 0)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions got %d", len(txs))
	}
	latest := txs[0]
	if latest.Type != models.TransactionConsumption || latest.Amount != -1 || latest.RelatedVideoID != "video-1" || latest.BalanceAfter != 2 {
		t.Fatalf("unexpected consumption entry: %+v", latest)
	}
	if rec.consumed != 1 {
		t.Fatalf("expected consumption metric got %d", rec.consumed)
	}
}

func TestConsumeInsufficientLeavesLedgerUntouched(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	if _, err := ledger.Initialize(ctx, "user-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := ledger.Consume(ctx, "user-1", 4, "too much", "")
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits got %v", err)
	}

	bal, _ := ledger.Balance(ctx, "user-1")
	if bal.Credits != 3 {
		t.Fatalf("expected balance unchanged got %d", bal.Credits)
	}
	txs, _ := store.ListTransactions(ctx, "user-1", 0)
	if len(txs) != 1 {
		t.Fatalf("expected no new transaction got %d", len(txs))
	}
}

func TestConsumeWithoutAccount(t *testing.T) {
	ledger, _, _ := newLedger(t)
	_, err := ledger.Consume(context.Background(), "ghost", 1, "x", "")
	if !errors.Is(err, credits.ErrAccountNotFound) {
		t.Fatalf("expected account not found got %v", err)
	}
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	ledger, _, _ := newLedger(t)
	_, err := ledger.Consume(context.Background(), "user-1", 0, "x", "")
	var verr *credits.ValidationError
	if !errors.As(err, &verr) || verr.Field != "amount" {
		t.Fatalf("expected amount validation error got %v", err)
	}
}

func TestAddCreatesAccountLazily(t *testing.T) {
	ledger, _, rec := newLedger(t)
	ctx := context.Background()

	res, err := ledger.Add(ctx, credits.AddRequest{UserID: "user-2", Amount: 10, Description: "Promo", Type: models.TransactionBonus})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.NewBalance != 10 || res.TotalEver != 10 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if rec.granted != 10 {
		t.Fatalf("expected grant metric 10 got %d", rec.granted)
	}
}

func TestAddRejectsConsumptionType(t *testing.T) {
	ledger, _, _ := newLedger(t)
	_, err := ledger.Add(context.Background(), credits.AddRequest{UserID: "u", Amount: 1, Type: models.TransactionConsumption})
	var verr *credits.ValidationError
	if !errors.As(err, &verr) || verr.Field != "type" {
		t.Fatalf("expected type validation error got %v", err)
	}
}

func TestLedgerSumMatchesBalance(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()

	if _, err := ledger.Initialize(ctx, "user-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := ledger.Add(ctx, credits.AddRequest{UserID: "user-1", Amount: 25, Type: models.TransactionPurchase, Description: "Starter"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := ledger.Consume(ctx, "user-1", 1, "video", ""); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if _, err := ledger.Add(ctx, credits.AddRequest{UserID: "user-1", Amount: 2, Type: models.TransactionRefund, Description: "refund"}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	txs, _ := store.ListTransactions(ctx, "user-1", 0)
	sum := 0
	for _, tx := range txs {
		sum += tx.Amount
	}
	bal, _ := ledger.Balance(ctx, "user-1")
	if sum != bal.Credits {
		t.Fatalf("ledger sum %d does not match balance %d", sum, bal.Credits)
	}
	if bal.TotalCreditsEver != 3+25+2 {
		t.Fatalf("unexpected total ever %d", bal.TotalCreditsEver)
	}
}

func TestUpdatePlan(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	if _, err := ledger.Initialize(ctx, "user-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	planID := "creator"
	active := models.SubscriptionActive
	acct, err := ledger.UpdatePlan(ctx, "user-1", credits.PlanUpdate{PlanID: &planID, SubscriptionStatus: &active})
	if err != nil {
		t.Fatalf("update plan: %v", err)
	}
	if acct.PlanName != "Creator" || acct.SubscriptionStatus != models.SubscriptionActive || acct.Credits != 3 {
		t.Fatalf("unexpected account: %+v", acct)
	}

	unknown := "enterprise"
	if _, err := ledger.UpdatePlan(ctx, "user-1", credits.PlanUpdate{PlanID: &unknown}); !errors.Is(err, credits.ErrUnknownPlan) {
		t.Fatalf("expected unknown plan got %v", err)
	}

	bogus := models.SubscriptionStatus("paused")
	var verr *credits.ValidationError
	if _, err := ledger.UpdatePlan(ctx, "user-1", credits.PlanUpdate{SubscriptionStatus: &bogus}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestCancelSubscription(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	if _, err := ledger.CancelSubscription(ctx, "ghost"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Fatalf("expected account not found got %v", err)
	}

	if _, err := ledger.Initialize(ctx, "user-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	acct, err := ledger.CancelSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if acct.SubscriptionStatus != models.SubscriptionCancelled || acct.Credits != 3 {
		t.Fatalf("unexpected account: %+v", acct)
	}
}

func TestHistoryClampsLimit(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if _, err := ledger.Add(ctx, credits.AddRequest{UserID: "user-1", Amount: 1, Type: models.TransactionBonus}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	txs, err := ledger.History(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 50 {
		t.Fatalf("expected default limit 50 got %d", len(txs))
	}

	txs, err = ledger.History(ctx, "user-1", 1000)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 60 {
		t.Fatalf("expected all 60 transactions got %d", len(txs))
	}
	if txs[0].BalanceAfter != 60 {
		t.Fatalf("expected newest first got balanceAfter %d", txs[0].BalanceAfter)
	}
}
