package service

import (
	"errors"
	"fmt"

	"github.com/wenwu/saas-platform/compute-service/internal/repository"
)

// Error kinds returned by the services. Callers wrap them with detail via
// fmt.Errorf("%w: ...") and the HTTP layer maps them to status codes.
var (
	ErrValidation         = errors.New("validation error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrUpstream           = errors.New("upstream error")
)

// storeErr translates repository errors for what
func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstream, op, err)
}
