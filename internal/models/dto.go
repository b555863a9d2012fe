package models

import "time"

// ==================== Instance DTOs ====================

// CreateInstanceRequest is the body of POST /api/instances
type CreateInstanceRequest struct {
	Name     string `json:"name" binding:"required"`
	Template string `json:"template" binding:"required"`
}

// InstanceResponse is the API view of an instance
type InstanceResponse struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Name            string  `json:"name"`
	Template        string  `json:"template"`
	HypervisorID    *string `json:"hypervisor_id,omitempty"`
	VCPU            int     `json:"vcpu"`
	RAMMB           int     `json:"ram_mb"`
	StorageGB       int     `json:"storage_gb"`
	PointsPerDay    Points  `json:"points_per_day"`
	Status          string  `json:"status"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	IPAddress       *string `json:"ip_address,omitempty"`
	Version         int64   `json:"version"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	StatusChangedAt string  `json:"status_changed_at"`
}

// NewInstanceResponse converts an instance for the API
func NewInstanceResponse(i *Instance) *InstanceResponse {
	return &InstanceResponse{
		ID:              i.ID,
		UserID:          i.UserID,
		Name:            i.Name,
		Template:        i.Template,
		HypervisorID:    i.HypervisorID,
		VCPU:            i.VCPU,
		RAMMB:           i.RAMMB,
		StorageGB:       i.StorageGB,
		PointsPerDay:    i.PointsPerDay,
		Status:          i.Status,
		ErrorMessage:    i.ErrorMessage,
		IPAddress:       i.IPAddress,
		Version:         i.Version,
		CreatedAt:       i.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       i.UpdatedAt.Format(time.RFC3339Nano),
		StatusChangedAt: i.StatusChangedAt.Format(time.RFC3339),
	}
}

// InstanceStatsResponse is the live view returned by GET /api/instances/:id/stats
type InstanceStatsResponse struct {
	InstanceID     string  `json:"instance_id"`
	Status         string  `json:"status"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	DiskUsedBytes  uint64  `json:"disk_used_bytes"`
	DiskTotalBytes uint64  `json:"disk_total_bytes"`
	IPAddress      string  `json:"ip_address,omitempty"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// InstanceLogResponse is one entry of GET /api/instances/:id/logs
type InstanceLogResponse struct {
	Action    string `json:"action"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

func NewInstanceLogResponse(l *InstanceLog) *InstanceLogResponse {
	return &InstanceLogResponse{
		Action:    l.Action,
		Status:    l.Status,
		Message:   l.Message,
		CreatedAt: l.CreatedAt.Format(time.RFC3339),
	}
}

// ==================== Snapshot DTOs ====================

// CreateSnapshotRequest is the body of POST /api/instances/:id/snapshots
type CreateSnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SnapshotResponse is the API view of a snapshot
type SnapshotResponse struct {
	ID          string  `json:"id"`
	InstanceID  string  `json:"instance_id"`
	Handle      string  `json:"handle"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func NewSnapshotResponse(s *Snapshot) *SnapshotResponse {
	return &SnapshotResponse{
		ID:          s.ID,
		InstanceID:  s.InstanceID,
		Handle:      s.Handle,
		Name:        s.Name,
		Description: s.Description,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
}

// SnapshotListResponse carries the quota next to the list
type SnapshotListResponse struct {
	Snapshots []*SnapshotResponse `json:"snapshots"`
	Quota     int                 `json:"quota"`
}

// ExportResponse is returned by GET .../snapshots/:snapId/download
type ExportResponse struct {
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"` // "completed" or "accepted"
	JobID      string `json:"job_id,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
}

// Export statuses
const (
	ExportCompleted = "completed"
	ExportAccepted  = "accepted"
)

// ==================== Domain DTOs ====================

// CreateDomainRequest is the body of POST /api/instances/:id/domains
type CreateDomainRequest struct {
	Subdomain string `json:"subdomain" binding:"required"`
	Port      int    `json:"port" binding:"required"`
}

// DomainResponse is the API view of a domain
type DomainResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Subdomain  string `json:"subdomain"`
	Hostname   string `json:"hostname"`
	TargetPort int    `json:"target_port"`
	IsPaid     bool   `json:"is_paid"`
	CreatedAt  string `json:"created_at"`
}

func NewDomainResponse(d *Domain) *DomainResponse {
	return &DomainResponse{
		ID:         d.ID,
		InstanceID: d.InstanceID,
		Subdomain:  d.Subdomain,
		Hostname:   d.Hostname,
		TargetPort: d.TargetPort,
		IsPaid:     d.IsPaid,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
}

// DomainVerifyResponse reports DNS propagation of a domain
type DomainVerifyResponse struct {
	DomainID string   `json:"domain_id"`
	Hostname string   `json:"hostname"`
	Resolves bool     `json:"resolves"`
	Answers  []string `json:"answers"`
}

// ==================== Account / Admin DTOs ====================

// AccountResponse is returned by GET /api/me
type AccountResponse struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	Points        Points `json:"points"`
	DailyBurn     Points `json:"daily_burn"`
	OnlineCount   int    `json:"online_instances"`
	InstanceCount int    `json:"instances"`
}

// AdjustPointsRequest is the body of POST /api/admin/users/:id/points
type AdjustPointsRequest struct {
	Delta    Points `json:"delta"`
	Reason   string `json:"reason" binding:"required"`
	Override bool   `json:"override"`
}

// BanRequest is the body of POST /api/admin/users/:id/ban
type BanRequest struct {
	Reason    string     `json:"reason" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}
