package models

import "time"

// Domain maps a public subdomain to a port on an instance through a tunnel route.
type Domain struct {
	ID          string
	InstanceID  string
	UserID      string
	Subdomain   string
	Hostname    string
	TargetPort  int
	IsPaid      bool
	TunnelID    string
	TunnelToken *string
	CreatedAt   time.Time
}

// Snapshot is a hypervisor-level backup of an instance.
type Snapshot struct {
	ID          string
	InstanceID  string
	Handle      string // snapshot name on the hypervisor
	Name        *string
	Description *string
	ExportJobID *string
	CreatedAt   time.Time
}
