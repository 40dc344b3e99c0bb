package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/veritest/cbt-service/internal/models"
)

// Repository aggregates the per-entity repositories. WithTx runs fn against a
// repository bound to a single database transaction; any error rolls the
// whole transaction back.
type Repository interface {
	Test() TestRepository
	Attempt() AttemptRepository
	Answer() AnswerRepository
	User() UserRepository

	WithTx(ctx context.Context, fn func(Repository) error) error
}

type TestRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Test, error)
	// GetByIDWithQuestions loads the test with its questions and options,
	// ordered by question position.
	GetByIDWithQuestions(ctx context.Context, id uint) (*models.Test, error)
}

type AttemptRepository interface {
	Create(ctx context.Context, attempt *models.Attempt) error
	GetByID(ctx context.Context, id uint) (*models.Attempt, error)

	// GetOpenByStudentAndTest returns the student's non-submitted attempts
	// for the test, newest first.
	GetOpenByStudentAndTest(ctx context.Context, studentID string, testID uint) ([]*models.Attempt, error)
	CountSubmitted(ctx context.Context, studentID string, testID uint) (int64, error)
	MaxAttemptNumber(ctx context.Context, studentID string, testID uint) (int, error)

	// Finalize writes the scoring snapshot with a conditional update on
	// is_submitted=false and reports whether this call claimed the attempt.
	// A false return with nil error means another request finalized first.
	Finalize(ctx context.Context, attempt *models.Attempt) (bool, error)

	ListByTest(ctx context.Context, testID uint, filters AttemptFilters) ([]*models.Attempt, int64, error)
	ListByStudent(ctx context.Context, studentID string, filters AttemptFilters) ([]*models.Attempt, int64, error)
}

type AnswerRepository interface {
	// Upsert inserts or replaces the row keyed by (attempt_id, question_id).
	Upsert(ctx context.Context, answer *models.StudentAnswer) error
	GetByAttempt(ctx context.Context, attemptID uint) ([]*models.StudentAnswer, error)
	GetByAttemptAndQuestion(ctx context.Context, attemptID, questionID uint) (*models.StudentAnswer, error)

	// SetCorrectness persists the decoded correctness flags at finalization,
	// one entry per answered question.
	SetCorrectness(ctx context.Context, attemptID uint, results map[uint]bool) error
}

// UserRepository is read-only: the CBT service does not own user data.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// ===== SHARED FILTER STRUCTS =====

type AttemptFilters struct {
	Submitted *bool      `json:"submitted"`
	DateFrom  *time.Time `json:"date_from"`
	DateTo    *time.Time `json:"date_to"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	SortBy    string     `json:"sort_by"`    // "started_at", "score", "attempt_number"
	SortOrder string     `json:"sort_order"` // "asc", "desc"
}

// IsNotFoundError reports whether err is the storage layer's record-not-found.
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
