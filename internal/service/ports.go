package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/client"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// The repository types satisfy these; tests use in-memory fakes.

type InstanceStore interface {
	Create(ctx context.Context, inst *models.Instance) error
	GetByID(ctx context.Context, id string) (*models.Instance, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Instance, error)
	ListAll(ctx context.Context) ([]*models.Instance, error)
	ListByStatus(ctx context.Context, status string) ([]*models.Instance, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	SetHypervisorID(ctx context.Context, id, hypervisorID, node string) error
	TransitionStatus(ctx context.Context, id string, from []string, to string, errorMsg *string) (bool, error)
	MarkOnline(ctx context.Context, id, ipAddress string) (bool, error)
	Delete(ctx context.Context, id string) error
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	AdjustPoints(ctx context.Context, userID string, delta models.Points, reason string, allowNegative bool) (*models.User, error)
	SetBan(ctx context.Context, userID string, reason *string, expiresAt *time.Time) error
	MarkLowBalanceNotified(ctx context.Context, userID string, at time.Time) error
}

type DomainStore interface {
	Create(ctx context.Context, d *models.Domain) error
	GetByID(ctx context.Context, id string) (*models.Domain, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*models.Domain, error)
	SubdomainExists(ctx context.Context, subdomain string) (bool, error)
	CountFreeByUser(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id string) error
}

type SnapshotStore interface {
	Create(ctx context.Context, s *models.Snapshot) error
	GetByID(ctx context.Context, id string) (*models.Snapshot, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*models.Snapshot, error)
	CountByInstance(ctx context.Context, instanceID string) (int, error)
	SetExportJob(ctx context.Context, id string, jobID *string) error
	Delete(ctx context.Context, id string) error
}

type ChargeStore interface {
	ChargeInstance(ctx context.Context, instanceID string, decide func(*models.ChargeInput) models.ChargeDecision) (*models.ChargeOutcome, error)
}

type ActivityLog interface {
	LogAction(ctx context.Context, instanceID, action, status, message string) error
	GetByInstanceID(ctx context.Context, instanceID string, limit int) ([]*models.InstanceLog, error)
}

type TunnelAPI interface {
	CreateRoute(ctx context.Context, req *client.CreateRouteRequest) (*client.RouteInfo, error)
	DeleteRoute(ctx context.Context, routeID string) error
}

type Resolver interface {
	Lookup(ctx context.Context, hostname string) ([]string, error)
}

type MailSender interface {
	Send(to, subject, body string) error
}
