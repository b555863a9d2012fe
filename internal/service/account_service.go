package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"github.com/wenwu/saas-platform/compute-service/internal/repository"
)

// AccountService serves balance views and the admin account operations
type AccountService struct {
	users    UserStore
	billing  *BillingService
	notifier *Notifier
}

func NewAccountService(users UserStore, billing *BillingService, notifier *Notifier) *AccountService {
	return &AccountService{users: users, billing: billing, notifier: notifier}
}

// GetUser loads a user for the auth middleware
func (s *AccountService) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "user")
	}
	return u, nil
}

// Account returns the balance and current daily burn
func (s *AccountService) Account(ctx context.Context, user *models.User) (*models.AccountResponse, error) {
	burn, online, total, err := s.billing.DailyBurn(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &models.AccountResponse{
		UserID:        user.ID,
		Email:         user.Email,
		Role:          user.Role,
		Points:        user.Points,
		DailyBurn:     burn,
		OnlineCount:   online,
		InstanceCount: total,
	}, nil
}

// AdjustPoints changes a balance by delta. Going below zero needs override.
func (s *AccountService) AdjustPoints(ctx context.Context, admin *models.User, userID string, req *models.AdjustPointsRequest) (*models.User, error) {
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", ErrValidation)
	}
	reason := models.PointReasonAdjustment
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = models.PointReasonAdjustment + ": " + r
	}

	u, err := s.users.AdjustPoints(ctx, userID, req.Delta, reason, req.Override)
	if err != nil {
		if errors.Is(err, repository.ErrNegativeBalance) {
			return nil, fmt.Errorf("%w: balance would become negative, set override to force", ErrValidation)
		}
		return nil, storeErr(err, "user")
	}

	log.Printf("[AccountService] Admin %s adjusted points of %s by %s (balance %s)", admin.ID, userID, req.Delta, u.Points)
	return u, nil
}

// Ban suspends a user and notifies them
func (s *AccountService) Ban(ctx context.Context, admin *models.User, userID string, req *models.BanRequest) error {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if admin.ID == userID {
		return fmt.Errorf("%w: cannot ban yourself", ErrValidation)
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return storeErr(err, "user")
	}
	if err := s.users.SetBan(ctx, userID, &reason, req.ExpiresAt); err != nil {
		return storeErr(err, "user")
	}

	s.notifier.Banned(u, reason, req.ExpiresAt)
	log.Printf("[AccountService] Admin %s banned user %s", admin.ID, userID)
	return nil
}

// Unban lifts a ban
func (s *AccountService) Unban(ctx context.Context, admin *models.User, userID string) error {
	if err := s.users.SetBan(ctx, userID, nil, nil); err != nil {
		return storeErr(err, "user")
	}
	log.Printf("[AccountService] Admin %s unbanned user %s", admin.ID, userID)
	return nil
}
