package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `
	id, email, password_hash, points, role, verified,
	ban_reason, ban_expires_at, low_balance_notified, created_at, updated_at
`

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM compute.users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// AdjustPoints applies an administrative balance change under a row lock and records it in the ledger.
// A result below zero is rejected with ErrNegativeBalance unless allowNegative is set.
func (r *UserRepository) AdjustPoints(ctx context.Context, userID string, delta models.Points, reason string, allowNegative bool) (*models.User, error) {
	var user *models.User

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+` FROM compute.users WHERE id = $1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}

		balance := u.Points + delta
		if balance < 0 && !allowNegative {
			return ErrNegativeBalance
		}

		// A top-up re-arms the low balance notice.
		if _, err := tx.Exec(ctx, `
			UPDATE compute.users
			SET points = $1,
				low_balance_notified = CASE WHEN $2::bigint > 0 THEN NULL ELSE low_balance_notified END,
				updated_at = NOW()
			WHERE id = $3`, int64(balance), int64(delta), userID); err != nil {
			return fmt.Errorf("update points: %w", err)
		}

		if err := insertPointLog(ctx, tx, userID, nil, delta, balance, reason); err != nil {
			return err
		}

		u.Points = balance
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// SetBan sets or clears (reason == nil) a user's ban
func (r *UserRepository) SetBan(ctx context.Context, userID string, reason *string, expiresAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE compute.users SET ban_reason = $1, ban_expires_at = $2, updated_at = NOW()
		WHERE id = $3`, reason, expiresAt, userID)
	if err != nil {
		return fmt.Errorf("update ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLowBalanceNotified records when the last low balance notice went out
func (r *UserRepository) MarkLowBalanceNotified(ctx context.Context, userID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE compute.users SET low_balance_notified = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("mark low balance notified: %w", err)
	}
	return nil
}

func insertPointLog(ctx context.Context, tx pgx.Tx, userID string, instanceID *string, amount, balanceAfter models.Points, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO compute.point_logs (id, user_id, instance_id, amount, balance_after, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), userID, instanceID, int64(amount), int64(balanceAfter), reason)
	if err != nil {
		return fmt.Errorf("insert point log: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	var points int64
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &points, &u.Role, &u.Verified,
		&u.BanReason, &u.BanExpiresAt, &u.LowBalanceNotified, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Points = models.Points(points)
	return u, nil
}
