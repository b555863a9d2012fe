package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

type SnapshotRepository struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

const snapshotColumns = `id, instance_id, handle, name, description, export_job_id, created_at`

// Create inserts a snapshot record
func (r *SnapshotRepository) Create(ctx context.Context, s *models.Snapshot) error {
	query := `
		INSERT INTO compute.snapshots (id, instance_id, handle, name, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query, s.ID, s.InstanceID, s.Handle, s.Name, s.Description).Scan(&s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetByID retrieves a snapshot by ID
func (r *SnapshotRepository) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM compute.snapshots WHERE id = $1`
	return scanSnapshot(r.pool.QueryRow(ctx, query, id))
}

// ListByInstance retrieves the snapshots of an instance, newest first
func (r *SnapshotRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM compute.snapshots WHERE instance_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// CountByInstance counts the snapshots of an instance
func (r *SnapshotRepository) CountByInstance(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM compute.snapshots WHERE instance_id = $1`, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// SetExportJob remembers (or clears) the backup job of a snapshot
func (r *SnapshotRepository) SetExportJob(ctx context.Context, id string, jobID *string) error {
	_, err := r.pool.Exec(ctx, `UPDATE compute.snapshots SET export_job_id = $1 WHERE id = $2`, jobID, id)
	if err != nil {
		return fmt.Errorf("set export job: %w", err)
	}
	return nil
}

// Delete removes a snapshot record
func (r *SnapshotRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM compute.snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	s := &models.Snapshot{}
	err := row.Scan(&s.ID, &s.InstanceID, &s.Handle, &s.Name, &s.Description, &s.ExportJobID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return s, nil
}
