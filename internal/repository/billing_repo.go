package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// BillingRepository applies usage charges. Each charge locks the instance row
// and then the owner row, so it serializes with power actions and admin adjustments.
type BillingRepository struct {
	pool *pgxpool.Pool
}

func NewBillingRepository(pool *pgxpool.Pool) *BillingRepository {
	return &BillingRepository{pool: pool}
}

// ChargeInstance loads the locked state of one instance, lets decide compute the
// charge, and writes balance, carry and ledger row in the same transaction.
func (r *BillingRepository) ChargeInstance(ctx context.Context, instanceID string, decide func(*models.ChargeInput) models.ChargeDecision) (*models.ChargeOutcome, error) {
	var outcome *models.ChargeOutcome

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		inst, err := scanInstance(tx.QueryRow(ctx,
			`SELECT `+instanceColumns+` FROM compute.instances WHERE id = $1 FOR UPDATE`, instanceID))
		if err != nil {
			return err
		}

		user, err := scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+` FROM compute.users WHERE id = $1 FOR UPDATE`, inst.UserID))
		if err != nil {
			return err
		}

		var paid int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM compute.domains WHERE instance_id = $1 AND is_paid`, instanceID).Scan(&paid); err != nil {
			return fmt.Errorf("count paid domains: %w", err)
		}

		decision := decide(&models.ChargeInput{Instance: inst, User: user, PaidDomains: paid})
		outcome = &models.ChargeOutcome{
			UserID:       user.ID,
			InstanceID:   inst.ID,
			BalanceAfter: user.Points,
		}
		if decision.Skip {
			outcome.Skipped = true
			return nil
		}

		balance := user.Points - decision.Amount
		if decision.Amount > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE compute.users SET points = $1, updated_at = NOW() WHERE id = $2`,
				int64(balance), user.ID); err != nil {
				return fmt.Errorf("debit points: %w", err)
			}
			if err := insertPointLog(ctx, tx, user.ID, &inst.ID, -decision.Amount, balance, models.PointReasonUsage); err != nil {
				return err
			}
		}

		// carry 不对外可见，不递增 version
		if _, err := tx.Exec(ctx,
			`UPDATE compute.instances SET billing_carry = $1 WHERE id = $2`,
			decision.Carry, inst.ID); err != nil {
			return fmt.Errorf("update billing carry: %w", err)
		}

		outcome.Charged = decision.Amount
		outcome.BalanceAfter = balance
		outcome.Depleted = decision.Depleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}
