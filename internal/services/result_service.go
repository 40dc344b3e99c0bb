package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/tokenmap"
)

type resultService struct {
	repo   repositories.Repository
	logger *slog.Logger
}

func NewResultService(repo repositories.Repository, logger *slog.Logger) ResultService {
	return &resultService{repo: repo, logger: logger}
}

// GetResult builds the per-question breakdown of a finalized attempt for the
// owning student or staff. Chosen options are recovered by decoding the
// stored tokens against the audit copy of the token map; stable keys and
// correctness are safe to reveal here because the attempt is closed.
func (s *resultService) GetResult(ctx context.Context, attemptID uint, caller *models.User) (*AttemptResult, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.StudentID != caller.ID && !caller.IsStaff() {
		return nil, NewPermissionError(caller.ID, attemptID, "attempt", "view_result", "not owner or staff")
	}
	if !attempt.IsSubmitted {
		return nil, ErrAttemptNotFinalized
	}

	test, err := s.repo.Test().GetByIDWithQuestions(ctx, attempt.TestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test questions: %w", err)
	}

	answers, err := s.repo.Answer().GetByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}
	byQuestion := make(map[uint]*models.StudentAnswer, len(answers))
	for _, answer := range answers {
		byQuestion[answer.QuestionID] = answer
	}

	var auditMap tokenmap.Map
	if len(attempt.TokenMap) > 0 {
		if err := json.Unmarshal(attempt.TokenMap, &auditMap); err != nil {
			s.logger.Error("Failed to decode audit token map",
				"attempt_id", attempt.ID,
				"error", err)
			auditMap = tokenmap.Map{}
		}
	}

	result := &AttemptResult{
		Attempt:   attempt,
		Questions: make([]QuestionResult, 0, len(test.Questions)),
	}

	for i := range test.Questions {
		question := &test.Questions[i]
		correctKey, _ := question.CorrectKey()

		qr := QuestionResult{
			QuestionID: question.ID,
			Text:       question.Text,
			CorrectKey: correctKey,
			Options:    make([]OptionResult, 0, len(question.Options)),
		}
		for _, opt := range question.Options {
			qr.Options = append(qr.Options, OptionResult{Key: opt.Key, Text: opt.Text})
		}

		if answer, ok := byQuestion[question.ID]; ok && answer.Token != "" {
			if chosenKey, ok := auditMap.Decode(question.ID, answer.Token); ok {
				qr.ChosenKey = chosenKey
				qr.Answered = true
			}
			qr.IsCorrect = answer.IsCorrect
		}

		result.Questions = append(result.Questions, qr)
	}

	return result, nil
}
