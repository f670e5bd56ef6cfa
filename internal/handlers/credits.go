package handlers

import (
	"net/http"
	"strings"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
)

// CreditHandler exposes the credit ledger. Granting credits and changing a
// plan are billing operations and require an admin identity.
type CreditHandler struct {
	Ledger CreditLedger
}

type consumeRequest struct {
	Amount         int    `json:"amount"`
	Description    string `json:"description"`
	RelatedVideoID string `json:"relatedVideoId,omitempty"`
}

type addRequest struct {
	UserID        string                 `json:"userId,omitempty"`
	Amount        int                    `json:"amount"`
	Description   string                 `json:"description"`
	Type          models.TransactionType `json:"type"`
	RelatedPlanID string                 `json:"relatedPlanId,omitempty"`
}

type planRequest struct {
	UserID             string                     `json:"userId,omitempty"`
	PlanID             *string                    `json:"planId,omitempty"`
	PlanName           *string                    `json:"planName,omitempty"`
	SubscriptionStatus *models.SubscriptionStatus `json:"subscriptionStatus,omitempty"`
}

// Balance handles GET /api/v1/credits.
func (h CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	balance, err := h.Ledger.Balance(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, balance)
}

// Initialize handles POST /api/v1/credits/initialize.
func (h CreditHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	account, err := h.Ledger.Initialize(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, account)
}

// Check handles GET /api/v1/credits/check?amount=N.
func (h CreditHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	needed, err := queryInt(r, "amount")
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if needed <= 0 {
		needed = 1
	}

	avail, err := h.Ledger.CheckAvailable(ctx, id.UserID, needed)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, avail)
}

// Consume handles POST /api/v1/credits/consume.
func (h CreditHandler) Consume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req consumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logging.FromContext(ctx).Warn("invalid consume payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	balance, err := h.Ledger.Consume(ctx, id.UserID, req.Amount, strings.TrimSpace(req.Description), req.RelatedVideoID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]int{"newBalance": balance})
}

// Add handles POST /api/v1/credits/add.
func (h CreditHandler) Add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !id.Admin {
		respondJSON(ctx, w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}

	var req addRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logging.FromContext(ctx).Warn("invalid add credits payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		target = id.UserID
	}
	if req.Type == "" {
		req.Type = models.TransactionPurchase
	}

	result, err := h.Ledger.Add(ctx, credits.AddRequest{
		UserID:        target,
		Amount:        req.Amount,
		Description:   strings.TrimSpace(req.Description),
		Type:          req.Type,
		RelatedPlanID: req.RelatedPlanID,
	})
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, result)
}

// UpdatePlan handles PUT /api/v1/credits/plan.
func (h CreditHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !id.Admin {
		respondJSON(ctx, w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}

	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logging.FromContext(ctx).Warn("invalid plan payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		target = id.UserID
	}

	account, err := h.Ledger.UpdatePlan(ctx, target, credits.PlanUpdate{
		PlanID:             req.PlanID,
		PlanName:           req.PlanName,
		SubscriptionStatus: req.SubscriptionStatus,
	})
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, account)
}

// History handles GET /api/v1/credits/history.
func (h CreditHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	txs, err := h.Ledger.History(ctx, id.UserID, limit)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"transactions": txs})
}

// Cancel handles POST /api/v1/credits/cancel.
func (h CreditHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	account, err := h.Ledger.CancelSubscription(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, account)
}

// Plans handles GET /api/v1/plans.
func Plans(w http.ResponseWriter, r *http.Request) {
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"plans": credits.Plans()})
}
