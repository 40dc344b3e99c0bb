package services

import (
	"errors"
	"fmt"
)

// ===== COMMON SERVICE ERRORS =====

var (
	ErrNotFound         = errors.New("resource not found")
	ErrValidationFailed = errors.New("validation failed")
	ErrInternalError    = errors.New("internal server error")

	// Test specific errors
	ErrTestNotFound  = errors.New("test not found")
	ErrTestNotActive = errors.New("test is not active")

	// Attempt specific errors
	ErrAttemptNotFound         = errors.New("attempt not found")
	ErrAttemptAlreadySubmitted = errors.New("attempt already submitted")
	ErrAttemptLimitExceeded    = errors.New("maximum attempts exceeded")
	ErrAttemptTimeExpired      = errors.New("attempt time has expired")
	ErrAttemptNotFinalized     = errors.New("attempt is not finalized yet")

	// ErrForbiddenAccess covers wrong owner, wrong cohort, and inactive
	// tests. The client never learns which case applied.
	ErrForbiddenAccess = errors.New("forbidden access")

	// ErrSecurityValidation is returned for a token that does not resolve in
	// the attempt's current decode table: forged, tampered with, or left over
	// from a previous page load. Deliberately indistinguishable to callers.
	ErrSecurityValidation = errors.New("security validation failed")
)

// ===== CUSTOM ERROR TYPES =====

type PermissionError struct {
	UserID     string `json:"user_id"`
	ResourceID uint   `json:"resource_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

func (pe *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: user %s cannot %s %s %d - %s",
		pe.UserID, pe.Action, pe.Resource, pe.ResourceID, pe.Reason)
}

func (pe *PermissionError) Is(target error) bool {
	return target == ErrForbiddenAccess
}

func NewPermissionError(userID string, resourceID uint, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:     userID,
		ResourceID: resourceID,
		Resource:   resource,
		Action:     action,
		Reason:     reason,
	}
}

// ===== ERROR HELPERS =====

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTestNotFound) ||
		errors.Is(err, ErrAttemptNotFound)
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbiddenAccess) ||
		errors.Is(err, ErrTestNotActive)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrAttemptAlreadySubmitted) ||
		errors.Is(err, ErrAttemptLimitExceeded)
}
