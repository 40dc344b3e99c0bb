package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritest/cbt-service/internal/events"
	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/session"
	"github.com/veritest/cbt-service/internal/tokenmap"
	"github.com/veritest/cbt-service/internal/utils"
)

// mapTTLGrace extends the token map TTL past the attempt deadline so a
// deadline-straddling submit can still decode its answers.
const mapTTLGrace = 5 * time.Minute

type attemptService struct {
	repo      repositories.Repository
	sessions  session.Store
	scoring   ScoringService
	publisher events.EventPublisher
	logger    *slog.Logger
	validator *utils.Validator
}

func NewAttemptService(
	repo repositories.Repository,
	sessions session.Store,
	scoring ScoringService,
	publisher events.EventPublisher,
	logger *slog.Logger,
	validator *utils.Validator,
) AttemptService {
	return &attemptService{
		repo:      repo,
		sessions:  sessions,
		scoring:   scoring,
		publisher: publisher,
		logger:    logger,
		validator: validator,
	}
}

// ===== STATE MACHINE ENTRY POINTS =====

// Start decides whether a take-test request resumes an in-progress attempt,
// force-closes an expired one and evaluates a fresh start, or is rejected by
// the cohort/active/attempt-limit policy. Resume wins over every policy
// check: a student re-entering an unexpired attempt is never re-gated.
func (s *attemptService) Start(ctx context.Context, req *StartAttemptRequest, student *models.User) (*AttemptView, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	s.logger.Info("Attempt start requested",
		"test_id", req.TestID,
		"student_id", student.ID)

	test, err := s.repo.Test().GetByID(ctx, req.TestID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	now := time.Now()

	// Most recent open attempt wins; older expired ones are force-closed with
	// whatever answers were captured before a new start is considered.
	open, err := s.repo.Attempt().GetOpenByStudentAndTest(ctx, student.ID, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open attempts: %w", err)
	}

	var resumable *models.Attempt
	for _, attempt := range open {
		if attempt.Remaining(test.Duration(), now) > 0 {
			resumable = attempt
			break
		}
		if _, err := s.scoring.Finalize(ctx, attempt.ID, models.EndReasonTimeout); err != nil {
			return nil, fmt.Errorf("failed to force-close expired attempt %d: %w", attempt.ID, err)
		}
		s.logger.Info("Force-closed expired attempt",
			"attempt_id", attempt.ID,
			"student_id", student.ID)
	}

	if resumable != nil {
		s.logger.Info("Resuming existing attempt", "attempt_id", resumable.ID)
		return s.render(ctx, resumable, test, now)
	}

	if !test.IsActive {
		s.logger.Warn("Start rejected, test inactive", "test_id", test.ID, "student_id", student.ID)
		return nil, ErrForbiddenAccess
	}
	if test.Cohort != "" && test.Cohort != student.Cohort {
		s.logger.Warn("Start rejected, cohort mismatch",
			"test_id", test.ID,
			"student_id", student.ID,
			"test_cohort", test.Cohort,
			"student_cohort", student.Cohort)
		return nil, ErrForbiddenAccess
	}

	submitted, err := s.repo.Attempt().CountSubmitted(ctx, student.ID, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count submitted attempts: %w", err)
	}
	if int(submitted) >= test.MaxAttempts {
		return nil, ErrAttemptLimitExceeded
	}

	// max+1 rather than count+1, so numbers of force-closed attempts are
	// never reused.
	maxNumber, err := s.repo.Attempt().MaxAttemptNumber(ctx, student.ID, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt number: %w", err)
	}

	attempt := &models.Attempt{
		TestID:        test.ID,
		StudentID:     student.ID,
		AttemptNumber: maxNumber + 1,
		StartedAt:     now,
		IsSubmitted:   false,
	}
	if err := s.repo.Attempt().Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	s.logger.Info("Attempt started",
		"attempt_id", attempt.ID,
		"attempt_number", attempt.AttemptNumber,
		"test_id", test.ID,
		"student_id", student.ID)

	s.publishEvent(ctx, events.EventAttemptStarted, attempt, "")

	return s.render(ctx, attempt, test, now)
}

func (s *attemptService) Resume(ctx context.Context, attemptID uint, student *models.User) (*AttemptView, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, student, "resume")
	if err != nil {
		return nil, err
	}
	if attempt.IsSubmitted {
		return nil, ErrAttemptAlreadySubmitted
	}

	test, err := s.repo.Test().GetByID(ctx, attempt.TestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	now := time.Now()
	if attempt.Remaining(test.Duration(), now) <= 0 {
		if _, err := s.scoring.Finalize(ctx, attempt.ID, models.EndReasonTimeout); err != nil {
			return nil, fmt.Errorf("failed to finalize expired attempt: %w", err)
		}
		return nil, ErrAttemptTimeExpired
	}

	return s.render(ctx, attempt, test, now)
}

// ===== ANSWER CAPTURE =====

// SaveAnswer validates the opaque token against the attempt's current decode
// table and upserts the (attempt, question) answer row. Correctness is never
// computed here; the token map is the only decoder and must stay consistent
// with what scoring will use.
func (s *attemptService) SaveAnswer(ctx context.Context, attemptID uint, req *SaveAnswerRequest, student *models.User) error {
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	attempt, err := s.getOwnedAttempt(ctx, attemptID, student, "save_answer")
	if err != nil {
		return err
	}
	if attempt.IsSubmitted {
		return ErrAttemptAlreadySubmitted
	}

	if req.Token != "" {
		m, err := s.sessions.Get(ctx, attempt.ID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("failed to load token map: %w", err)
		}
		if _, ok := m.Decode(req.QuestionID, req.Token); !ok {
			// Forged token or a stale one from a previous page load. The
			// client gets a generic rejection either way; the distinction
			// stays in the audit log.
			s.logger.Warn("Rejected answer token",
				"attempt_id", attempt.ID,
				"question_id", req.QuestionID,
				"student_id", student.ID,
				"client_ip", req.ClientIP)
			return ErrSecurityValidation
		}
	}

	answer := &models.StudentAnswer{
		AttemptID:  attempt.ID,
		QuestionID: req.QuestionID,
		Token:      req.Token,
	}
	if err := s.repo.Answer().Upsert(ctx, answer); err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}
	return nil
}

// Submit applies an optional final answer batch and routes to the scoring
// engine. Repeated submits are idempotent: an already-finalized attempt is
// returned as-is.
func (s *attemptService) Submit(ctx context.Context, attemptID uint, req *SubmitAttemptRequest, student *models.User) (*models.Attempt, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, student, "submit")
	if err != nil {
		return nil, err
	}
	if attempt.IsSubmitted {
		return attempt, nil
	}

	for questionID, token := range req.Answers {
		saveReq := &SaveAnswerRequest{QuestionID: questionID, Token: token, ClientIP: req.ClientIP}
		if err := s.SaveAnswer(ctx, attemptID, saveReq, student); err != nil {
			return nil, err
		}
	}

	return s.scoring.Finalize(ctx, attemptID, models.EndReasonSubmitted)
}

func (s *attemptService) TimeRemaining(ctx context.Context, attemptID uint, student *models.User) (int, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, student, "get_time_remaining")
	if err != nil {
		return 0, err
	}
	if attempt.IsSubmitted {
		return 0, ErrAttemptAlreadySubmitted
	}

	test, err := s.repo.Test().GetByID(ctx, attempt.TestID)
	if err != nil {
		return 0, fmt.Errorf("failed to get test: %w", err)
	}

	remaining := attempt.Remaining(test.Duration(), time.Now())
	if remaining < 0 {
		return 0, nil
	}
	return int(remaining.Seconds()), nil
}

// ===== LIST OPERATIONS =====

func (s *attemptService) ListByTest(ctx context.Context, testID uint, filters repositories.AttemptFilters, caller *models.User) ([]*models.Attempt, int64, error) {
	if !caller.IsStaff() {
		return nil, 0, NewPermissionError(caller.ID, testID, "test", "view_attempts", "staff only")
	}
	return s.repo.Attempt().ListByTest(ctx, testID, filters)
}

func (s *attemptService) ListOwn(ctx context.Context, filters repositories.AttemptFilters, student *models.User) ([]*models.Attempt, int64, error) {
	return s.repo.Attempt().ListByStudent(ctx, student.ID, filters)
}

// ===== HELPERS =====

func (s *attemptService) getOwnedAttempt(ctx context.Context, attemptID uint, student *models.User, action string) (*models.Attempt, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if attempt.StudentID != student.ID {
		return nil, NewPermissionError(student.ID, attemptID, "attempt", action, "not owned by student")
	}
	return attempt, nil
}

// render regenerates the token map, overwrites the session-held copy, and
// builds the client view. Regeneration happens on every load, including
// resume, so tokens issued by an earlier load stop decoding; a previously
// saved choice is only re-highlighted when its token still resolves in the
// current map.
func (s *attemptService) render(ctx context.Context, attempt *models.Attempt, test *models.Test, now time.Time) (*AttemptView, error) {
	withQuestions, err := s.repo.Test().GetByIDWithQuestions(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}

	m, views, err := tokenmap.Build(withQuestions.Questions)
	if err != nil {
		return nil, fmt.Errorf("failed to build token map: %w", err)
	}

	answers, err := s.repo.Answer().GetByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}
	saved := make(map[uint]string, len(answers))
	for _, answer := range answers {
		saved[answer.QuestionID] = answer.Token
	}
	for i := range views {
		token := saved[views[i].QuestionID]
		if token == "" {
			continue
		}
		if _, ok := m.Decode(views[i].QuestionID, token); ok {
			views[i].SelectedToken = token
		}
	}

	remaining := attempt.Remaining(test.Duration(), now)
	if err := s.sessions.Put(ctx, attempt.ID, m, remaining+mapTTLGrace); err != nil {
		return nil, fmt.Errorf("failed to store token map: %w", err)
	}

	return &AttemptView{
		Attempt:          attempt,
		RemainingSeconds: int(remaining.Seconds()),
		Questions:        views,
	}, nil
}

func (s *attemptService) publishEvent(ctx context.Context, eventType events.EventType, attempt *models.Attempt, endReason string) {
	event := &events.AttemptEvent{
		Type:          eventType,
		AttemptID:     attempt.ID,
		TestID:        attempt.TestID,
		StudentID:     attempt.StudentID,
		AttemptNumber: attempt.AttemptNumber,
		EndReason:     endReason,
		Timestamp:     time.Now(),
	}
	if err := s.publisher.PublishAttemptEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish attempt event",
			"event_type", eventType,
			"attempt_id", attempt.ID,
			"error", err)
	}
}
