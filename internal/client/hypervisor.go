package client

import (
	"context"
	"errors"
)

// VM power states reported by a Hypervisor
const (
	VMStateRunning  = "running"
	VMStateStopped  = "stopped"
	VMStateCreating = "creating"
	VMStateFailed   = "failed"
	VMStateUnknown  = "unknown"
)

// ErrExportUnsupported is returned by drivers without a backup facility.
var ErrExportUnsupported = errors.New("export not supported by hypervisor driver")

// CreateVMRequest describes a VM cloned from a template
type CreateVMRequest struct {
	Name      string
	Template  string // template vmid (proxmox) or base volume (libvirt)
	VCPU      int
	RAMMB     int
	StorageGB int
}

// VMHandle identifies a created VM
type VMHandle struct {
	ID   string
	Node string
}

// VMStatus is the power state and network address of a VM
type VMStatus struct {
	State         string
	IPAddress     string
	UptimeSeconds int64
	Message       string
}

// VMStats is a live resource usage sample
type VMStats struct {
	State          string
	CPUPercent     float64
	MemUsedBytes   uint64
	MemTotalBytes  uint64
	DiskUsedBytes  uint64
	DiskTotalBytes uint64
	IPAddress      string
	UptimeSeconds  int64
}

// ExportJob is the progress of a backup job
type ExportJob struct {
	JobID     string
	Done      bool
	Artifact  string
	SizeBytes int64
}

// Hypervisor is the management API of the virtualization backend.
// Calls block until the backend has finished the operation or ctx expires.
type Hypervisor interface {
	CreateVM(ctx context.Context, req *CreateVMRequest) (*VMHandle, error)
	Status(ctx context.Context, vmid string) (*VMStatus, error)
	Start(ctx context.Context, vmid string) error
	Stop(ctx context.Context, vmid string) error
	Reboot(ctx context.Context, vmid string) error
	Destroy(ctx context.Context, vmid string) error

	CreateSnapshot(ctx context.Context, vmid, name, description string) error
	RollbackSnapshot(ctx context.Context, vmid, name string) error
	DeleteSnapshot(ctx context.Context, vmid, name string) error

	// StartExport starts a backup job of the VM and returns its job id
	StartExport(ctx context.Context, vmid string) (string, error)
	ExportStatus(ctx context.Context, vmid, jobID string) (*ExportJob, error)

	Stats(ctx context.Context, vmid string) (*VMStats, error)
}
