package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/db"
	"github.com/vidgen/backend/internal/models"
)

const accountColumns = `user_id, credits, total_credits_ever, plan_id, plan_name, subscription_status, created_at, updated_at`

// PostgresCreditStore persists credit accounts and their transaction log.
type PostgresCreditStore struct {
	pool db.Pool
}

// NewPostgresCreditStore constructs a credit store backed by PostgreSQL.
func NewPostgresCreditStore(pool db.Pool) *PostgresCreditStore {
	return &PostgresCreditStore{pool: pool}
}

var _ credits.Store = (*PostgresCreditStore)(nil)

// FindAccount fetches the user's credit account.
func (s *PostgresCreditStore) FindAccount(ctx context.Context, userID string) (models.CreditAccount, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	acct, err := scanAccount(conn.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID))
	if err != nil {
		return models.CreditAccount{}, mapNoRows(err, credits.ErrAccountNotFound)
	}
	return acct, nil
}

// CreateAccount inserts the account and its opening entry unless one exists.
func (s *PostgresCreditStore) CreateAccount(ctx context.Context, account models.CreditAccount, opening *models.CreditTransaction) (models.CreditAccount, bool, error) {
	var (
		out     models.CreditAccount
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		created = false
		acct, err := scanAccount(tx.QueryRow(ctx, `
            INSERT INTO credit_accounts (user_id, credits, total_credits_ever, plan_id, plan_name, subscription_status, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            ON CONFLICT (user_id) DO NOTHING
            RETURNING `+accountColumns,
			account.UserID, account.Credits, account.TotalCreditsEver, account.PlanID, account.PlanName,
			string(account.SubscriptionStatus), account.CreatedAt, account.UpdatedAt))
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, account.UserID))
			if err != nil {
				return fmt.Errorf("select existing account: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert credit account: %w", err)
		}

		if opening != nil {
			entry := *opening
			entry.BalanceAfter = acct.Credits
			if err := insertTransaction(ctx, tx, entry); err != nil {
				return err
			}
		}
		out, created = acct, true
		return nil
	})
	if err != nil {
		return models.CreditAccount{}, false, err
	}
	return out, created, nil
}

// Debit subtracts amount in the same statement that checks the balance, so
// the balance can never go negative.
func (s *PostgresCreditStore) Debit(ctx context.Context, userID string, amount int, entry models.CreditTransaction) (models.CreditAccount, error) {
	var out models.CreditAccount
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx, `
            UPDATE credit_accounts
            SET credits = credits - $2, updated_at = $3
            WHERE user_id = $1 AND credits >= $2
            RETURNING `+accountColumns, userID, amount, entry.CreatedAt))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
				return fmt.Errorf("check credit account: %w", err)
			}
			if !exists {
				return credits.ErrAccountNotFound
			}
			return credits.ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("debit credits: %w", err)
		}

		entry.BalanceAfter = acct.Credits
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return models.CreditAccount{}, err
	}
	return out, nil
}

// Credit adds amount, creating a zero-balance account first when missing.
func (s *PostgresCreditStore) Credit(ctx context.Context, userID string, amount int, entry models.CreditTransaction) (models.CreditAccount, error) {
	var out models.CreditAccount
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx, `
            INSERT INTO credit_accounts (user_id, credits, total_credits_ever, created_at, updated_at)
            VALUES ($1, $2, $2, $3, $3)
            ON CONFLICT (user_id) DO UPDATE
            SET credits = credit_accounts.credits + excluded.credits,
                total_credits_ever = credit_accounts.total_credits_ever + excluded.total_credits_ever,
                updated_at = excluded.updated_at
            RETURNING `+accountColumns, userID, amount, entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		entry.BalanceAfter = acct.Credits
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return models.CreditAccount{}, err
	}
	return out, nil
}

// UpdatePlan upserts plan metadata; nil fields keep their stored values.
func (s *PostgresCreditStore) UpdatePlan(ctx context.Context, userID string, update credits.PlanUpdate, now time.Time) (models.CreditAccount, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var status *string
	if update.SubscriptionStatus != nil {
		v := string(*update.SubscriptionStatus)
		status = &v
	}

	acct, err := scanAccount(conn.QueryRow(ctx, `
        INSERT INTO credit_accounts (user_id, plan_id, plan_name, subscription_status, created_at, updated_at)
        VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), $5, $5)
        ON CONFLICT (user_id) DO UPDATE
        SET plan_id = COALESCE($2, credit_accounts.plan_id),
            plan_name = COALESCE($3, credit_accounts.plan_name),
            subscription_status = COALESCE($4, credit_accounts.subscription_status),
            updated_at = $5
        RETURNING `+accountColumns, userID, update.PlanID, update.PlanName, status, now))
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("upsert plan: %w", err)
	}
	return acct, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *PostgresCreditStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	query := `
        SELECT id, user_id, type, amount, description, related_video_id, related_plan_id, balance_after, created_at
        FROM credit_transactions
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credit transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.CreditTransaction{}
	for rows.Next() {
		var (
			tx  models.CreditTransaction
			typ string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.Description, &tx.RelatedVideoID, &tx.RelatedPlanID, &tx.BalanceAfter, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		tx.Type = models.TransactionType(typ)
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credit transactions: %w", err)
	}
	return txs, nil
}

// ListAccountsByStatus returns every account with the given subscription status.
func (s *PostgresCreditStore) ListAccountsByStatus(ctx context.Context, status models.SubscriptionStatus) ([]models.CreditAccount, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE subscription_status = $1 ORDER BY user_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query accounts by status: %w", err)
	}
	defer rows.Close()

	var accounts []models.CreditAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credit accounts: %w", err)
	}
	return accounts, nil
}

func scanAccount(row pgx.Row) (models.CreditAccount, error) {
	var (
		acct   models.CreditAccount
		status string
	)
	if err := row.Scan(&acct.UserID, &acct.Credits, &acct.TotalCreditsEver, &acct.PlanID, &acct.PlanName, &status, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return models.CreditAccount{}, err
	}
	acct.SubscriptionStatus = models.SubscriptionStatus(status)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func insertTransaction(ctx context.Context, q querier, tx models.CreditTransaction) error {
	_, err := q.Exec(ctx, `
        INSERT INTO credit_transactions (id, user_id, type, amount, description, related_video_id, related_plan_id, balance_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.Description, tx.RelatedVideoID, tx.RelatedPlanID, tx.BalanceAfter, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}
