package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
)

type AnswerPostgreSQL struct {
	db *gorm.DB
}

func NewAnswerPostgreSQL(db *gorm.DB) repositories.AnswerRepository {
	return &AnswerPostgreSQL{db: db}
}

// Upsert relies on the (attempt_id, question_id) unique index so concurrent
// saves for the same question converge to last-write-wins instead of
// duplicating rows.
func (r *AnswerPostgreSQL) Upsert(ctx context.Context, answer *models.StudentAnswer) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
		}).
		Create(answer).Error
}

func (r *AnswerPostgreSQL) GetByAttempt(ctx context.Context, attemptID uint) ([]*models.StudentAnswer, error) {
	var answers []*models.StudentAnswer
	if err := r.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Find(&answers).Error; err != nil {
		return nil, err
	}
	return answers, nil
}

func (r *AnswerPostgreSQL) GetByAttemptAndQuestion(ctx context.Context, attemptID, questionID uint) (*models.StudentAnswer, error) {
	var answer models.StudentAnswer
	if err := r.db.WithContext(ctx).
		Where("attempt_id = ? AND question_id = ?", attemptID, questionID).
		First(&answer).Error; err != nil {
		return nil, err
	}
	return &answer, nil
}

func (r *AnswerPostgreSQL) SetCorrectness(ctx context.Context, attemptID uint, results map[uint]bool) error {
	now := time.Now()
	for questionID, isCorrect := range results {
		correct := isCorrect
		if err := r.db.WithContext(ctx).
			Model(&models.StudentAnswer{}).
			Where("attempt_id = ? AND question_id = ?", attemptID, questionID).
			Updates(map[string]interface{}{
				"is_correct": &correct,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}
