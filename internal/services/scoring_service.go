package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/veritest/cbt-service/internal/events"
	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/session"
	"github.com/veritest/cbt-service/internal/tokenmap"
)

type scoringService struct {
	repo      repositories.Repository
	sessions  session.Store
	publisher events.EventPublisher
	logger    *slog.Logger
}

func NewScoringService(
	repo repositories.Repository,
	sessions session.Store,
	publisher events.EventPublisher,
	logger *slog.Logger,
) ScoringService {
	return &scoringService{
		repo:      repo,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
	}
}

// Finalize scores and closes an attempt exactly once. Already-submitted
// attempts are returned unchanged. Decoding failures (token missing from the
// map, lost map, malformed question) degrade to "unanswered" and never block
// submission; storage failures roll the whole write back and leave the
// attempt retryable.
func (s *scoringService) Finalize(ctx context.Context, attemptID uint, reason string) (*models.Attempt, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if attempt.IsSubmitted {
		return attempt, nil
	}

	test, err := s.repo.Test().GetByIDWithQuestions(ctx, attempt.TestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test questions: %w", err)
	}

	answers, err := s.repo.Answer().GetByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}
	tokens := make(map[uint]string, len(answers))
	for _, answer := range answers {
		tokens[answer.QuestionID] = answer.Token
	}

	m, err := s.sessions.Get(ctx, attempt.ID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("failed to load token map: %w", err)
		}
		// Lost map: every stored token becomes undecodable and is scored as
		// unanswered. Accepted degradation, never silent data loss.
		s.logger.Warn("Token map missing at finalization, scoring undecodable answers as unanswered",
			"attempt_id", attempt.ID)
		m = tokenmap.Map{}
	}

	summary := s.score(test, tokens, m, attempt.ID)

	now := time.Now()
	attempt.SubmittedAt = &now
	attempt.EndReason = &reason
	attempt.Score = summary.score
	attempt.TotalQuestions = summary.total
	attempt.CorrectCount = summary.correct
	attempt.WrongCount = summary.wrong
	attempt.UnansweredCount = summary.unanswered

	serialized, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize token map: %w", err)
	}
	attempt.TokenMap = serialized

	claimed := false
	err = s.repo.WithTx(ctx, func(txRepo repositories.Repository) error {
		var txErr error
		claimed, txErr = txRepo.Attempt().Finalize(ctx, attempt)
		if txErr != nil {
			return txErr
		}
		if !claimed {
			return nil
		}
		return txRepo.Answer().SetCorrectness(ctx, attempt.ID, summary.correctness)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize attempt: %w", err)
	}

	if !claimed {
		// A concurrent request won the conditional update; its result stands.
		s.logger.Info("Attempt already finalized by concurrent request", "attempt_id", attempt.ID)
		return s.repo.Attempt().GetByID(ctx, attempt.ID)
	}

	attempt.IsSubmitted = true

	if err := s.sessions.Delete(ctx, attempt.ID); err != nil {
		s.logger.Warn("Failed to discard token map after finalization",
			"attempt_id", attempt.ID,
			"error", err)
	}

	s.logger.Info("Attempt finalized",
		"attempt_id", attempt.ID,
		"student_id", attempt.StudentID,
		"score", attempt.Score,
		"correct", attempt.CorrectCount,
		"wrong", attempt.WrongCount,
		"unanswered", attempt.UnansweredCount,
		"end_reason", reason)

	score := attempt.Score
	event := &events.AttemptEvent{
		Type:          events.EventAttemptFinalized,
		AttemptID:     attempt.ID,
		TestID:        attempt.TestID,
		StudentID:     attempt.StudentID,
		AttemptNumber: attempt.AttemptNumber,
		Score:         &score,
		EndReason:     reason,
		Timestamp:     now,
	}
	if err := s.publisher.PublishAttemptEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish finalized event", "attempt_id", attempt.ID, "error", err)
	}

	return attempt, nil
}

type scoreSummary struct {
	total       int
	correct     int
	wrong       int
	unanswered  int
	score       int
	correctness map[uint]bool
}

// score walks every question of the test, not just questions with an answer
// row; the test's question set is the authoritative denominator.
func (s *scoringService) score(test *models.Test, tokens map[uint]string, m tokenmap.Map, attemptID uint) scoreSummary {
	summary := scoreSummary{
		total:       len(test.Questions),
		correctness: make(map[uint]bool),
	}

	for i := range test.Questions {
		question := &test.Questions[i]

		correctKey, ok := question.CorrectKey()
		if !ok {
			// Malformed question data must not crash finalization; the
			// question scores as unanswered and the anomaly is logged loudly.
			s.logger.Error("Question integrity anomaly, scoring as unanswered",
				"question_id", question.ID,
				"test_id", test.ID,
				"attempt_id", attemptID,
				"option_count", len(question.Options))
			summary.unanswered++
			continue
		}

		token := tokens[question.ID]
		if token == "" {
			summary.unanswered++
			continue
		}

		chosenKey, ok := m.Decode(question.ID, token)
		if !ok {
			summary.unanswered++
			continue
		}

		isCorrect := chosenKey == correctKey
		summary.correctness[question.ID] = isCorrect
		if isCorrect {
			summary.correct++
		} else {
			summary.wrong++
		}
	}

	if summary.total > 0 {
		summary.score = int(math.Round(float64(summary.correct) / float64(summary.total) * 100))
	}
	return summary
}
