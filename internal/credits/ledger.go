package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
)

// SignupBonus is granted once, when a ledger record is first created.
const SignupBonus = 3

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// PlanUpdate carries optional plan metadata; nil fields are left unchanged.
type PlanUpdate struct {
	PlanID             *string
	PlanName           *string
	SubscriptionStatus *models.SubscriptionStatus
}

// Store persists credit accounts and their transaction log. Every mutating
// method applies the balance change and appends entry as one atomic unit, and
// fills in entry.BalanceAfter.
type Store interface {
	FindAccount(ctx context.Context, userID string) (models.CreditAccount, error)
	// CreateAccount inserts account and the optional opening entry unless an
	// account already exists, in which case the existing one is returned with
	// created=false and nothing is written.
	CreateAccount(ctx context.Context, account models.CreditAccount, opening *models.CreditTransaction) (acct models.CreditAccount, created bool, err error)
	// Debit fails with ErrAccountNotFound or ErrInsufficientCredits without writing.
	Debit(ctx context.Context, userID string, amount int, entry models.CreditTransaction) (models.CreditAccount, error)
	// Credit creates a zero-balance account first when none exists.
	Credit(ctx context.Context, userID string, amount int, entry models.CreditTransaction) (models.CreditAccount, error)
	UpdatePlan(ctx context.Context, userID string, update PlanUpdate, now time.Time) (models.CreditAccount, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
	ListAccountsByStatus(ctx context.Context, status models.SubscriptionStatus) ([]models.CreditAccount, error)
}

// Recorder receives ledger metrics. It may be nil.
type Recorder interface {
	CreditsConsumed(amount int)
	CreditsGranted(amount int)
}

// Balance is the read model returned by Ledger.Balance.
type Balance struct {
	Credits            int                       `json:"credits"`
	TotalCreditsEver   int                       `json:"totalCreditsEver"`
	PlanID             string                    `json:"planId,omitempty"`
	PlanName           string                    `json:"planName,omitempty"`
	SubscriptionStatus models.SubscriptionStatus `json:"subscriptionStatus,omitempty"`
}

// Availability answers whether a user can afford an operation.
type Availability struct {
	HasEnoughCredits bool `json:"hasEnoughCredits"`
	CurrentCredits   int  `json:"currentCredits"`
	Shortfall        int  `json:"shortfall"`
}

// AddRequest describes a credit grant.
type AddRequest struct {
	UserID        string
	Amount        int
	Description   string
	Type          models.TransactionType
	RelatedPlanID string
}

// AddResult reports balances after a grant.
type AddResult struct {
	NewBalance int `json:"newBalance"`
	TotalEver  int `json:"totalEver"`
}

// Ledger implements the credit bookkeeping rules on top of a Store.
type Ledger struct {
	store   Store
	metrics Recorder
	now     func() time.Time
}

// NewLedger constructs a Ledger. metrics may be nil.
func NewLedger(store Store, metrics Recorder) *Ledger {
	return &Ledger{store: store, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (l *Ledger) WithNowFunc(now func() time.Time) {
	l.now = now
}

// Balance returns the user's balance, or a zero balance when no record exists.
// It never creates a record.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	acct, err := l.store.FindAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("load balance: %w", err)
	}
	return Balance{
		Credits:            acct.Credits,
		TotalCreditsEver:   acct.TotalCreditsEver,
		PlanID:             acct.PlanID,
		PlanName:           acct.PlanName,
		SubscriptionStatus: acct.SubscriptionStatus,
	}, nil
}

// Initialize creates the user's ledger record with the signup bonus. Calling it
// again returns the existing record unchanged.
func (l *Ledger) Initialize(ctx context.Context, userID string) (models.CreditAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return models.CreditAccount{}, &ValidationError{Field: "userId", Message: "must not be empty"}
	}

	now := l.now()
	account := models.CreditAccount{
		UserID:           userID,
		Credits:          SignupBonus,
		TotalCreditsEver: SignupBonus,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	bonus := l.entry(userID, models.TransactionBonus, SignupBonus, "Welcome bonus credits", now)

	acct, created, err := l.store.CreateAccount(ctx, account, &bonus)
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("initialize credits: %w", err)
	}
	if created {
		logging.FromContext(ctx).Info("credit account created", "userId", userID, "credits", acct.Credits)
		l.granted(SignupBonus)
	}
	return acct, nil
}

// CheckAvailable reports whether the user holds at least needed credits.
func (l *Ledger) CheckAvailable(ctx context.Context, userID string, needed int) (Availability, error) {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return Availability{}, err
	}
	shortfall := needed - bal.Credits
	if shortfall < 0 {
		shortfall = 0
	}
	return Availability{
		HasEnoughCredits: bal.Credits >= needed,
		CurrentCredits:   bal.Credits,
		Shortfall:        shortfall,
	}, nil
}

// Consume debits amount credits and records a consumption entry.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int, description, relatedVideoID string) (int, error) {
	if amount <= 0 {
		return 0, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	entry := l.entry(userID, models.TransactionConsumption, -amount, description, l.now())
	entry.RelatedVideoID = relatedVideoID

	acct, err := l.store.Debit(ctx, userID, amount, entry)
	if err != nil {
		return 0, fmt.Errorf("consume credits: %w", err)
	}

	logging.FromContext(ctx).Info("credits consumed", "userId", userID, "amount", amount, "balance", acct.Credits, "videoId", relatedVideoID)
	if l.metrics != nil {
		l.metrics.CreditsConsumed(amount)
	}
	return acct.Credits, nil
}

// Add grants credits, creating a zero-balance record first if needed. It does
// not apply the monthly cap.
func (l *Ledger) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	if req.Amount <= 0 {
		return AddResult{}, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !req.Type.Valid() || req.Type == models.TransactionConsumption {
		return AddResult{}, &ValidationError{Field: "type", Message: fmt.Sprintf("%q cannot add credits", req.Type)}
	}

	entry := l.entry(req.UserID, req.Type, req.Amount, req.Description, l.now())
	entry.RelatedPlanID = req.RelatedPlanID

	acct, err := l.store.Credit(ctx, req.UserID, req.Amount, entry)
	if err != nil {
		return AddResult{}, fmt.Errorf("add credits: %w", err)
	}

	logging.FromContext(ctx).Info("credits added", "userId", req.UserID, "amount", req.Amount, "type", req.Type, "balance", acct.Credits)
	l.granted(req.Amount)
	return AddResult{NewBalance: acct.Credits, TotalEver: acct.TotalCreditsEver}, nil
}

// UpdatePlan upserts plan metadata without touching the balance.
func (l *Ledger) UpdatePlan(ctx context.Context, userID string, update PlanUpdate) (models.CreditAccount, error) {
	if update.PlanID != nil && *update.PlanID != "" {
		plan, ok := LookupPlan(*update.PlanID)
		if !ok {
			return models.CreditAccount{}, fmt.Errorf("update plan %q: %w", *update.PlanID, ErrUnknownPlan)
		}
		if update.PlanName == nil {
			update.PlanName = &plan.Name
		}
	}
	if update.SubscriptionStatus != nil && !update.SubscriptionStatus.Valid() {
		return models.CreditAccount{}, &ValidationError{Field: "subscriptionStatus", Message: fmt.Sprintf("unknown status %q", *update.SubscriptionStatus)}
	}

	acct, err := l.store.UpdatePlan(ctx, userID, update, l.now())
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("update plan: %w", err)
	}
	return acct, nil
}

// CancelSubscription marks an existing subscription cancelled, keeping credits.
func (l *Ledger) CancelSubscription(ctx context.Context, userID string) (models.CreditAccount, error) {
	if _, err := l.store.FindAccount(ctx, userID); err != nil {
		return models.CreditAccount{}, fmt.Errorf("cancel subscription: %w", err)
	}
	status := models.SubscriptionCancelled
	return l.UpdatePlan(ctx, userID, PlanUpdate{SubscriptionStatus: &status})
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	txs, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}
	return txs, nil
}

func (l *Ledger) entry(userID string, typ models.TransactionType, amount int, description string, now time.Time) models.CreditTransaction {
	return models.CreditTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		CreatedAt:   now,
	}
}

func (l *Ledger) granted(amount int) {
	if l.metrics != nil {
		l.metrics.CreditsGranted(amount)
	}
}
