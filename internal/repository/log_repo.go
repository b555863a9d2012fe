package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// Create creates a new instance log entry
func (r *LogRepository) Create(ctx context.Context, logEntry *models.InstanceLog) error {
	if logEntry.ID == "" {
		logEntry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO compute.instance_logs (id, instance_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		logEntry.ID, logEntry.InstanceID, logEntry.Action, logEntry.Status, logEntry.Message, logEntry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert instance log: %w", err)
	}

	return nil
}

// GetByInstanceID retrieves logs for an instance
func (r *LogRepository) GetByInstanceID(ctx context.Context, instanceID string, limit int) ([]*models.InstanceLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, instance_id, action, status, message, metadata, created_at
		FROM compute.instance_logs
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query instance logs: %w", err)
	}
	defer rows.Close()

	var logEntries []*models.InstanceLog
	for rows.Next() {
		logEntry := &models.InstanceLog{}
		err := rows.Scan(
			&logEntry.ID, &logEntry.InstanceID, &logEntry.Action, &logEntry.Status,
			&logEntry.Message, &logEntry.Metadata, &logEntry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan instance log: %w", err)
		}
		logEntries = append(logEntries, logEntry)
	}

	return logEntries, rows.Err()
}

// LogAction is a helper to log an action
func (r *LogRepository) LogAction(ctx context.Context, instanceID, action, status, message string) error {
	return r.Create(ctx, &models.InstanceLog{
		InstanceID: instanceID,
		Action:     action,
		Status:     status,
		Message:    message,
	})
}
