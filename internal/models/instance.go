package models

import (
	"time"
)

// Instance status constants
const (
	StatusProvisioning = "provisioning"
	StatusOnline       = "online"
	StatusStopped      = "stopped"
	StatusError        = "error"
)

// Instance is a virtual machine provisioned on the hypervisor.
type Instance struct {
	ID           string
	UserID       string
	Name         string
	Template     string
	HypervisorID *string // vmid on Proxmox, domain name on libvirt
	Node         string

	VCPU      int
	RAMMB     int
	StorageGB int

	PointsPerDay Points
	Status       string
	ErrorMessage *string
	IPAddress    *string

	// BillingCarry is the sub-micro-point remainder left over by the last charge,
	// in units of micro-point-seconds.
	BillingCarry int64

	// Version is bumped on every write so consumers can discard stale state.
	Version int64

	CreatedAt       time.Time
	UpdatedAt       time.Time
	StatusChangedAt time.Time
}

// CanToggle reports whether a power toggle is legal from the current status.
func (i *Instance) CanToggle() bool {
	return i.Status == StatusOnline || i.Status == StatusStopped
}

func (i *Instance) Address() string {
	if i.IPAddress == nil {
		return ""
	}
	return *i.IPAddress
}

func (i *Instance) VMID() string {
	if i.HypervisorID == nil {
		return ""
	}
	return *i.HypervisorID
}

// InstanceLog is an audit entry for a lifecycle action.
type InstanceLog struct {
	ID         string
	InstanceID string
	Action     string
	Status     string
	Message    string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}
