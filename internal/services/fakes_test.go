package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/session"
	"github.com/veritest/cbt-service/internal/tokenmap"
	"github.com/veritest/cbt-service/internal/utils"
)

// fakeRepo is an in-memory repositories.Repository. Reads hand out copies so
// services cannot mutate stored state without going through a write method,
// mirroring how rows behave behind gorm.
type fakeRepo struct {
	tests    map[uint]*models.Test
	attempts map[uint]*models.Attempt
	answers  map[string]*models.StudentAnswer
	users    map[string]*models.User

	nextAttemptID uint
	nextAnswerID  uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tests:    make(map[uint]*models.Test),
		attempts: make(map[uint]*models.Attempt),
		answers:  make(map[string]*models.StudentAnswer),
		users:    make(map[string]*models.User),
	}
}

func answerKey(attemptID, questionID uint) string {
	return fmt.Sprintf("%d:%d", attemptID, questionID)
}

func (r *fakeRepo) Test() repositories.TestRepository       { return (*fakeTestRepo)(r) }
func (r *fakeRepo) Attempt() repositories.AttemptRepository { return (*fakeAttemptRepo)(r) }
func (r *fakeRepo) Answer() repositories.AnswerRepository   { return (*fakeAnswerRepo)(r) }
func (r *fakeRepo) User() repositories.UserRepository       { return (*fakeUserRepo)(r) }

func (r *fakeRepo) WithTx(ctx context.Context, fn func(repositories.Repository) error) error {
	return fn(r)
}

type fakeTestRepo fakeRepo

func (r *fakeTestRepo) GetByID(_ context.Context, id uint) (*models.Test, error) {
	test, ok := r.tests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *test
	copied.Questions = nil
	return &copied, nil
}

func (r *fakeTestRepo) GetByIDWithQuestions(_ context.Context, id uint) (*models.Test, error) {
	test, ok := r.tests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *test
	copied.Questions = make([]models.Question, len(test.Questions))
	copy(copied.Questions, test.Questions)
	return &copied, nil
}

type fakeAttemptRepo fakeRepo

func (r *fakeAttemptRepo) Create(_ context.Context, attempt *models.Attempt) error {
	r.nextAttemptID++
	attempt.ID = r.nextAttemptID
	stored := *attempt
	r.attempts[attempt.ID] = &stored
	return nil
}

func (r *fakeAttemptRepo) GetByID(_ context.Context, id uint) (*models.Attempt, error) {
	attempt, ok := r.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *attempt
	return &copied, nil
}

func (r *fakeAttemptRepo) GetOpenByStudentAndTest(_ context.Context, studentID string, testID uint) ([]*models.Attempt, error) {
	var open []*models.Attempt
	for _, attempt := range r.attempts {
		if attempt.StudentID == studentID && attempt.TestID == testID && !attempt.IsSubmitted {
			copied := *attempt
			open = append(open, &copied)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].StartedAt.After(open[j].StartedAt)
	})
	return open, nil
}

func (r *fakeAttemptRepo) CountSubmitted(_ context.Context, studentID string, testID uint) (int64, error) {
	var count int64
	for _, attempt := range r.attempts {
		if attempt.StudentID == studentID && attempt.TestID == testID && attempt.IsSubmitted {
			count++
		}
	}
	return count, nil
}

func (r *fakeAttemptRepo) MaxAttemptNumber(_ context.Context, studentID string, testID uint) (int, error) {
	max := 0
	for _, attempt := range r.attempts {
		if attempt.StudentID == studentID && attempt.TestID == testID && attempt.AttemptNumber > max {
			max = attempt.AttemptNumber
		}
	}
	return max, nil
}

func (r *fakeAttemptRepo) Finalize(_ context.Context, attempt *models.Attempt) (bool, error) {
	stored, ok := r.attempts[attempt.ID]
	if !ok || stored.IsSubmitted {
		return false, nil
	}
	stored.IsSubmitted = true
	stored.SubmittedAt = attempt.SubmittedAt
	stored.EndReason = attempt.EndReason
	stored.Score = attempt.Score
	stored.TotalQuestions = attempt.TotalQuestions
	stored.CorrectCount = attempt.CorrectCount
	stored.WrongCount = attempt.WrongCount
	stored.UnansweredCount = attempt.UnansweredCount
	stored.TokenMap = attempt.TokenMap
	return true, nil
}

func (r *fakeAttemptRepo) ListByTest(_ context.Context, testID uint, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	var out []*models.Attempt
	for _, attempt := range r.attempts {
		if attempt.TestID != testID {
			continue
		}
		if filters.Submitted != nil && attempt.IsSubmitted != *filters.Submitted {
			continue
		}
		copied := *attempt
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

func (r *fakeAttemptRepo) ListByStudent(_ context.Context, studentID string, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	var out []*models.Attempt
	for _, attempt := range r.attempts {
		if attempt.StudentID != studentID {
			continue
		}
		if filters.Submitted != nil && attempt.IsSubmitted != *filters.Submitted {
			continue
		}
		copied := *attempt
		out = append(out, &copied)
	}
	return out, int64(len(out)), nil
}

type fakeAnswerRepo fakeRepo

func (r *fakeAnswerRepo) Upsert(_ context.Context, answer *models.StudentAnswer) error {
	key := answerKey(answer.AttemptID, answer.QuestionID)
	if existing, ok := r.answers[key]; ok {
		existing.Token = answer.Token
		existing.UpdatedAt = time.Now()
		return nil
	}
	r.nextAnswerID++
	answer.ID = r.nextAnswerID
	stored := *answer
	r.answers[key] = &stored
	return nil
}

func (r *fakeAnswerRepo) GetByAttempt(_ context.Context, attemptID uint) ([]*models.StudentAnswer, error) {
	var out []*models.StudentAnswer
	for _, answer := range r.answers {
		if answer.AttemptID == attemptID {
			copied := *answer
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeAnswerRepo) GetByAttemptAndQuestion(_ context.Context, attemptID, questionID uint) (*models.StudentAnswer, error) {
	answer, ok := r.answers[answerKey(attemptID, questionID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *answer
	return &copied, nil
}

func (r *fakeAnswerRepo) SetCorrectness(_ context.Context, attemptID uint, results map[uint]bool) error {
	for questionID, isCorrect := range results {
		if answer, ok := r.answers[answerKey(attemptID, questionID)]; ok {
			correct := isCorrect
			answer.IsCorrect = &correct
		}
	}
	return nil
}

type fakeUserRepo fakeRepo

func (r *fakeUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	user, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *user
	return &copied, nil
}

// ===== FIXTURE HELPERS =====

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newStudent(id, cohort string) *models.User {
	return &models.User{
		ID:       id,
		FullName: "Student " + id,
		Email:    id + "@school.test",
		Cohort:   cohort,
		Role:     models.RoleStudent,
		IsActive: true,
	}
}

// seedTest creates an active test with questionCount four-option questions;
// option C is always the correct one.
func seedTest(repo *fakeRepo, id uint, cohort string, durationMinutes, maxAttempts, questionCount int) *models.Test {
	test := &models.Test{
		ID:              id,
		Title:           fmt.Sprintf("Test %d", id),
		DurationMinutes: durationMinutes,
		Cohort:          cohort,
		MaxAttempts:     maxAttempts,
		IsActive:        true,
		CreatedBy:       "teacher-1",
	}
	for i := 0; i < questionCount; i++ {
		questionID := id*100 + uint(i) + 1
		question := models.Question{
			ID:       questionID,
			TestID:   id,
			Text:     fmt.Sprintf("Question %d", i+1),
			Position: i + 1,
		}
		for j, key := range models.OptionKeys {
			question.Options = append(question.Options, models.Option{
				ID:         questionID*10 + uint(j) + 1,
				QuestionID: questionID,
				Key:        key,
				Text:       fmt.Sprintf("Option %s of question %d", key, i+1),
				IsCorrect:  key == "C",
			})
		}
		test.Questions = append(test.Questions, question)
	}
	repo.tests[id] = test
	return test
}

// tokenFor picks from the live token map a token for the given question that
// decodes to the correct key (or any wrong key when correct is false).
func tokenFor(t *testing.T, store session.Store, attemptID, questionID uint, correct bool) string {
	t.Helper()
	m, err := store.Get(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("token map not stored for attempt %d: %v", attemptID, err)
	}
	for token, key := range m[questionID] {
		if (key == "C") == correct {
			return token
		}
	}
	t.Fatalf("no suitable token for question %d", questionID)
	return ""
}

func newTestValidator() *utils.Validator {
	return utils.NewValidator()
}

func requireTokenMap(t *testing.T, store session.Store, attemptID uint) tokenmap.Map {
	t.Helper()
	m, err := store.Get(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("expected token map for attempt %d: %v", attemptID, err)
	}
	return m
}
