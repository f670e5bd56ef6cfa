package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
)

// GrantSummary reports the outcome of a monthly grant run.
type GrantSummary struct {
	Ran          bool `json:"ran"`
	Granted      int  `json:"granted"`
	Skipped      int  `json:"skipped"`
	Failed       int  `json:"failed"`
	CreditsAdded int  `json:"creditsAdded"`
}

// GrantMonthly tops up every active subscriber by their plan's credits, never
// past MonthlyCreditCap. It does nothing unless now falls on the first day of
// a month (UTC). It is not idempotent within that day; callers must invoke it
// at most once.
func (l *Ledger) GrantMonthly(ctx context.Context, now time.Time) (GrantSummary, error) {
	if now.UTC().Day() != 1 {
		return GrantSummary{}, nil
	}

	ctx, span := logging.StartSpan(ctx, "credits.monthly_grant", "month", now.UTC().Format("2006-01"))
	logger := logging.FromContext(ctx)

	accounts, err := l.store.ListAccountsByStatus(ctx, models.SubscriptionActive)
	if err != nil {
		err = fmt.Errorf("list active subscribers: %w", err)
		span.End(err)
		return GrantSummary{}, err
	}

	summary := GrantSummary{Ran: true}
	for _, acct := range accounts {
		plan, ok := LookupPlan(acct.PlanID)
		if !ok {
			logger.Warn("active subscriber on unknown plan", "userId", acct.UserID, "planId", acct.PlanID)
			summary.Skipped++
			continue
		}

		grant := monthlyGrant(plan, acct.Credits)
		if grant == 0 {
			summary.Skipped++
			continue
		}

		_, err := l.Add(ctx, AddRequest{
			UserID:        acct.UserID,
			Amount:        grant,
			Description:   fmt.Sprintf("Monthly credits: %s plan", plan.Name),
			Type:          models.TransactionPurchase,
			RelatedPlanID: plan.ID,
		})
		if err != nil {
			logger.Error("monthly grant failed", "userId", acct.UserID, "error", err)
			summary.Failed++
			continue
		}
		summary.Granted++
		summary.CreditsAdded += grant
	}

	logger.Info("monthly grant finished", "granted", summary.Granted, "skipped", summary.Skipped, "failed", summary.Failed, "credits", summary.CreditsAdded)
	span.End(nil)
	return summary, nil
}
