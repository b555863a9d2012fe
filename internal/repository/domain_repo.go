package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

type DomainRepository struct {
	pool *pgxpool.Pool
}

func NewDomainRepository(pool *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{pool: pool}
}

const domainColumns = `
	id, instance_id, user_id, subdomain, hostname, target_port,
	is_paid, tunnel_id, tunnel_token, created_at
`

// Create inserts a domain; a taken subdomain yields ErrDuplicate
func (r *DomainRepository) Create(ctx context.Context, d *models.Domain) error {
	query := `
		INSERT INTO compute.domains (
			id, instance_id, user_id, subdomain, hostname, target_port,
			is_paid, tunnel_id, tunnel_token
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query,
		d.ID, d.InstanceID, d.UserID, d.Subdomain, d.Hostname, d.TargetPort,
		d.IsPaid, d.TunnelID, d.TunnelToken,
	).Scan(&d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert domain: %w", err)
	}
	return nil
}

// GetByID retrieves a domain by ID
func (r *DomainRepository) GetByID(ctx context.Context, id string) (*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM compute.domains WHERE id = $1`
	return scanDomain(r.pool.QueryRow(ctx, query, id))
}

// ListByInstance retrieves the domains of an instance
func (r *DomainRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM compute.domains WHERE instance_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var domains []*models.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// SubdomainExists checks global subdomain uniqueness
func (r *DomainRepository) SubdomainExists(ctx context.Context, subdomain string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM compute.domains WHERE subdomain = $1)`, subdomain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subdomain: %w", err)
	}
	return exists, nil
}

// CountFreeByUser counts a user's free domains across all instances
func (r *DomainRepository) CountFreeByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM compute.domains WHERE user_id = $1 AND NOT is_paid`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count free domains: %w", err)
	}
	return n, nil
}

// Delete removes a domain record
func (r *DomainRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM compute.domains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDomain(row pgx.Row) (*models.Domain, error) {
	d := &models.Domain{}
	err := row.Scan(
		&d.ID, &d.InstanceID, &d.UserID, &d.Subdomain, &d.Hostname, &d.TargetPort,
		&d.IsPaid, &d.TunnelID, &d.TunnelToken, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan domain: %w", err)
	}
	return d, nil
}
