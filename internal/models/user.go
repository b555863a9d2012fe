package models

import "time"

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account that owns instances and holds a point balance.
type User struct {
	ID                 string
	Email              string
	PasswordHash       string
	Points             Points
	Role               string
	Verified           bool
	BanReason          *string
	BanExpiresAt       *time.Time
	LowBalanceNotified *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsBanned reports whether a ban is in force at now. A ban without expiry is permanent.
func (u *User) IsBanned(now time.Time) bool {
	if u.BanReason == nil {
		return false
	}
	if u.BanExpiresAt == nil {
		return true
	}
	return now.Before(*u.BanExpiresAt)
}

// PointLog is one ledger row for a balance mutation.
type PointLog struct {
	ID           string
	UserID       string
	InstanceID   *string
	Amount       Points
	BalanceAfter Points
	Reason       string
	CreatedAt    time.Time
}

// Point log reasons
const (
	PointReasonUsage      = "usage"
	PointReasonAdjustment = "admin_adjustment"
)
