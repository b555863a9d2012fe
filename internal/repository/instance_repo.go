package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

type InstanceRepository struct {
	pool *pgxpool.Pool
}

func NewInstanceRepository(pool *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{pool: pool}
}

const instanceColumns = `
	id, user_id, name, template, hypervisor_id, node,
	vcpu, ram_mb, storage_gb, points_per_day, status, error_message,
	ip_address, billing_carry, version, created_at, updated_at, status_changed_at
`

// Create creates a new instance
func (r *InstanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	query := `
		INSERT INTO compute.instances (
			id, user_id, name, template, hypervisor_id, node,
			vcpu, ram_mb, storage_gb, points_per_day, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING version, created_at, updated_at, status_changed_at
	`

	err := r.pool.QueryRow(ctx, query,
		inst.ID, inst.UserID, inst.Name, inst.Template, inst.HypervisorID, inst.Node,
		inst.VCPU, inst.RAMMB, inst.StorageGB, int64(inst.PointsPerDay), inst.Status,
	).Scan(&inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.StatusChangedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert instance: %w", err)
	}

	return nil
}

// GetByID retrieves an instance by ID
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM compute.instances WHERE id = $1`
	return scanInstance(r.pool.QueryRow(ctx, query, id))
}

// ListByUser retrieves all instances of a user
func (r *InstanceRepository) ListByUser(ctx context.Context, userID string) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM compute.instances WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryInstances(ctx, query, userID)
}

// ListAll retrieves every instance (admin view)
func (r *InstanceRepository) ListAll(ctx context.Context) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM compute.instances ORDER BY created_at DESC`
	return r.queryInstances(ctx, query)
}

// ListByStatus retrieves instances in one status
func (r *InstanceRepository) ListByStatus(ctx context.Context, status string) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM compute.instances WHERE status = $1 ORDER BY created_at`
	return r.queryInstances(ctx, query, status)
}

// CountByUser counts a user's instances
func (r *InstanceRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM compute.instances WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// SetHypervisorID records the hypervisor resource backing an instance; "" clears it
func (r *InstanceRepository) SetHypervisorID(ctx context.Context, id, hypervisorID, node string) error {
	query := `
		UPDATE compute.instances
		SET hypervisor_id = NULLIF($1, ''), node = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3
	`
	tag, err := r.pool.Exec(ctx, query, hypervisorID, node, id)
	if err != nil {
		return fmt.Errorf("set hypervisor id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves an instance to status `to` if its current status is one of `from`.
// It reports whether the row was changed.
func (r *InstanceRepository) TransitionStatus(ctx context.Context, id string, from []string, to string, errorMsg *string) (bool, error) {
	query := `
		UPDATE compute.instances
		SET status = $1,
			error_message = $2,
			status_changed_at = CASE WHEN status = $1 THEN status_changed_at ELSE NOW() END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`
	tag, err := r.pool.Exec(ctx, query, to, errorMsg, id, from)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkOnline moves a provisioning instance online with its address
func (r *InstanceRepository) MarkOnline(ctx context.Context, id, ipAddress string) (bool, error) {
	query := `
		UPDATE compute.instances
		SET status = 'online',
			ip_address = $1,
			error_message = NULL,
			status_changed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $2 AND status = 'provisioning'
	`
	tag, err := r.pool.Exec(ctx, query, ipAddress, id)
	if err != nil {
		return false, fmt.Errorf("mark online: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes an instance; domains and snapshots cascade
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM compute.instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*models.Instance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (*models.Instance, error) {
	inst := &models.Instance{}
	var pointsPerDay int64
	err := row.Scan(
		&inst.ID, &inst.UserID, &inst.Name, &inst.Template, &inst.HypervisorID, &inst.Node,
		&inst.VCPU, &inst.RAMMB, &inst.StorageGB, &pointsPerDay, &inst.Status, &inst.ErrorMessage,
		&inst.IPAddress, &inst.BillingCarry, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.StatusChangedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.PointsPerDay = models.Points(pointsPerDay)
	return inst, nil
}
