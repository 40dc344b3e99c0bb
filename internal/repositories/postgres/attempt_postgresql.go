package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
)

type AttemptPostgreSQL struct {
	db *gorm.DB
}

func NewAttemptPostgreSQL(db *gorm.DB) repositories.AttemptRepository {
	return &AttemptPostgreSQL{db: db}
}

func (a *AttemptPostgreSQL) Create(ctx context.Context, attempt *models.Attempt) error {
	return a.db.WithContext(ctx).Create(attempt).Error
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, id uint) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetOpenByStudentAndTest(ctx context.Context, studentID string, testID uint) ([]*models.Attempt, error) {
	var attempts []*models.Attempt
	if err := a.db.WithContext(ctx).
		Where("student_id = ? AND test_id = ? AND is_submitted = ?", studentID, testID, false).
		Order("started_at DESC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (a *AttemptPostgreSQL) CountSubmitted(ctx context.Context, studentID string, testID uint) (int64, error) {
	var count int64
	err := a.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("student_id = ? AND test_id = ? AND is_submitted = ?", studentID, testID, true).
		Count(&count).Error
	return count, err
}

func (a *AttemptPostgreSQL) MaxAttemptNumber(ctx context.Context, studentID string, testID uint) (int, error) {
	var max int
	err := a.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("student_id = ? AND test_id = ?", studentID, testID).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&max).Error
	return max, err
}

// Finalize claims the attempt with a single conditional update so two
// near-simultaneous submits cannot both score it. RowsAffected == 0 means a
// competing request won the race (or the attempt was already submitted).
func (a *AttemptPostgreSQL) Finalize(ctx context.Context, attempt *models.Attempt) (bool, error) {
	res := a.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("id = ? AND is_submitted = ?", attempt.ID, false).
		Updates(map[string]interface{}{
			"is_submitted":     true,
			"submitted_at":     attempt.SubmittedAt,
			"end_reason":       attempt.EndReason,
			"score":            attempt.Score,
			"total_questions":  attempt.TotalQuestions,
			"correct_count":    attempt.CorrectCount,
			"wrong_count":      attempt.WrongCount,
			"unanswered_count": attempt.UnansweredCount,
			"token_map":        attempt.TokenMap,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to finalize attempt: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (a *AttemptPostgreSQL) ListByTest(ctx context.Context, testID uint, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	query := a.db.WithContext(ctx).Model(&models.Attempt{}).Where("test_id = ?", testID)
	return a.list(query, filters)
}

func (a *AttemptPostgreSQL) ListByStudent(ctx context.Context, studentID string, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	query := a.db.WithContext(ctx).Model(&models.Attempt{}).Where("student_id = ?", studentID)
	return a.list(query, filters)
}

func (a *AttemptPostgreSQL) list(query *gorm.DB, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	query = applyAttemptFilters(query, filters)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPaginationAndSort(query, filters)

	var attempts []*models.Attempt
	if err := query.Preload("Student").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

func applyAttemptFilters(query *gorm.DB, filters repositories.AttemptFilters) *gorm.DB {
	if filters.Submitted != nil {
		query = query.Where("is_submitted = ?", *filters.Submitted)
	}
	if filters.DateFrom != nil {
		query = query.Where("started_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("started_at <= ?", *filters.DateTo)
	}
	return query
}

func applyPaginationAndSort(query *gorm.DB, filters repositories.AttemptFilters) *gorm.DB {
	sortBy := filters.SortBy
	switch sortBy {
	case "score", "attempt_number", "started_at":
	default:
		sortBy = "started_at"
	}
	order := "DESC"
	if filters.SortOrder == "asc" {
		order = "ASC"
	}
	query = query.Order(fmt.Sprintf("%s %s", sortBy, order))

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}
	return query
}
