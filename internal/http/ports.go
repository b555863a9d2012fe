package http

import (
	"context"
	"net/http"

	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"github.com/wenwu/saas-platform/compute-service/internal/shell"
)

// The service types satisfy these; handler tests use stubs.

type InstanceAPI interface {
	List(ctx context.Context, user *models.User) ([]*models.Instance, error)
	Get(ctx context.Context, user *models.User, id string) (*models.Instance, error)
	Create(ctx context.Context, user *models.User, req *models.CreateInstanceRequest) (*models.Instance, error)
	Toggle(ctx context.Context, user *models.User, id string) (*models.Instance, error)
	Restart(ctx context.Context, user *models.User, id string) (*models.Instance, error)
	Delete(ctx context.Context, user *models.User, id string) error
	Stats(ctx context.Context, user *models.User, id string) (*models.InstanceStatsResponse, error)
	Logs(ctx context.Context, user *models.User, id string, limit int) ([]*models.InstanceLog, error)
}

type SnapshotAPI interface {
	List(ctx context.Context, user *models.User, instanceID string) ([]*models.Snapshot, int, error)
	Create(ctx context.Context, user *models.User, instanceID string, req *models.CreateSnapshotRequest) (*models.Snapshot, error)
	Restore(ctx context.Context, user *models.User, instanceID, snapshotID string) (*models.Instance, error)
	Delete(ctx context.Context, user *models.User, instanceID, snapshotID string) error
	Export(ctx context.Context, user *models.User, instanceID, snapshotID string) (*models.ExportResponse, error)
}

type DomainAPI interface {
	List(ctx context.Context, user *models.User, instanceID string) ([]*models.Domain, error)
	Create(ctx context.Context, user *models.User, instanceID string, req *models.CreateDomainRequest) (*models.Domain, error)
	Delete(ctx context.Context, user *models.User, instanceID, domainID string) error
	Verify(ctx context.Context, user *models.User, instanceID, domainID string) (*models.DomainVerifyResponse, error)
}

type AccountAPI interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	Account(ctx context.Context, user *models.User) (*models.AccountResponse, error)
	AdjustPoints(ctx context.Context, admin *models.User, userID string, req *models.AdjustPointsRequest) (*models.User, error)
	Ban(ctx context.Context, admin *models.User, userID string, req *models.BanRequest) error
	Unban(ctx context.Context, admin *models.User, userID string) error
}

type ShellServer interface {
	Serve(w http.ResponseWriter, r *http.Request, target shell.Target)
}

// Services is what the API is built on
type Services struct {
	Instances InstanceAPI
	Snapshots SnapshotAPI
	Domains   DomainAPI
	Accounts  AccountAPI
	Shell     ShellServer
}
