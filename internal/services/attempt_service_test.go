package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritest/cbt-service/internal/events"
	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/session"
)

type attemptEnv struct {
	repo      *fakeRepo
	store     *session.MemoryStore
	publisher *events.MockEventPublisher
	attempts  AttemptService
	scoring   ScoringService
}

func newAttemptEnv() *attemptEnv {
	repo := newFakeRepo()
	store := session.NewMemoryStore()
	publisher := events.NewMockEventPublisher(testLogger())
	scoring := NewScoringService(repo, store, publisher, testLogger())
	attempts := NewAttemptService(repo, store, scoring, publisher, testLogger(), newTestValidator())
	return &attemptEnv{
		repo:      repo,
		store:     store,
		publisher: publisher,
		attempts:  attempts,
		scoring:   scoring,
	}
}

func TestStartCreatesFirstAttempt(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	env.repo.users[student.ID] = student

	view, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)

	assert.Equal(t, 1, view.Attempt.AttemptNumber)
	assert.False(t, view.Attempt.IsSubmitted)
	assert.Len(t, view.Questions, 5)
	for _, q := range view.Questions {
		assert.Len(t, q.Options, models.OptionsPerQuestion)
		assert.Empty(t, q.SelectedToken)
	}
	// Remaining time reflects the full budget for a fresh start.
	assert.InDelta(t, 600, view.RemainingSeconds, 2)

	requireTokenMap(t, env.store, view.Attempt.ID)

	published := env.publisher.GetPublishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, events.EventAttemptStarted, published[0].Type)
}

func TestStartRejectsCohortMismatch(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-2", "JSS2")

	_, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	assert.ErrorIs(t, err, ErrForbiddenAccess)
}

func TestStartAllowsUnrestrictedCohort(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "", 10, 3, 5)
	student := newStudent("student-2", "JSS2")

	_, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	assert.NoError(t, err)
}

func TestStartRejectsInactiveTest(t *testing.T) {
	env := newAttemptEnv()
	test := seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	test.IsActive = false
	student := newStudent("student-1", "JSS1")

	_, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	assert.ErrorIs(t, err, ErrForbiddenAccess)
}

func TestStartEnforcesAttemptLimitOnSubmittedOnly(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 2, 5)
	student := newStudent("student-1", "JSS1")

	// Two submitted attempts exhaust the limit of two; the force-closed
	// timeout attempt counts too because it is submitted.
	submittedAt := time.Now().Add(-time.Hour)
	reason := models.EndReasonSubmitted
	for i := 1; i <= 2; i++ {
		env.repo.nextAttemptID++
		env.repo.attempts[env.repo.nextAttemptID] = &models.Attempt{
			ID:            env.repo.nextAttemptID,
			TestID:        1,
			StudentID:     student.ID,
			AttemptNumber: i,
			StartedAt:     submittedAt,
			SubmittedAt:   &submittedAt,
			IsSubmitted:   true,
			EndReason:     &reason,
		}
	}

	_, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	assert.ErrorIs(t, err, ErrAttemptLimitExceeded)
}

func TestStartLimitIgnoresOpenExpiredUntilFinalized(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 2, 5)
	student := newStudent("student-1", "JSS1")

	// One submitted, one expired-but-open. The expired one gets force-closed
	// during start and then counts against the limit, leaving no room.
	submittedAt := time.Now().Add(-2 * time.Hour)
	reason := models.EndReasonSubmitted
	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: student.ID, AttemptNumber: 1,
		StartedAt: submittedAt, SubmittedAt: &submittedAt, IsSubmitted: true, EndReason: &reason,
	}
	env.repo.attempts[2] = &models.Attempt{
		ID: 2, TestID: 1, StudentID: student.ID, AttemptNumber: 2,
		StartedAt: time.Now().Add(-time.Hour),
	}
	env.repo.nextAttemptID = 2

	_, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	assert.ErrorIs(t, err, ErrAttemptLimitExceeded)

	closed, getErr := env.repo.Attempt().GetByID(context.Background(), 2)
	require.NoError(t, getErr)
	assert.True(t, closed.IsSubmitted)
	require.NotNil(t, closed.EndReason)
	assert.Equal(t, models.EndReasonTimeout, *closed.EndReason)
}

func TestStartNumbersFromMaxNotCount(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 5, 5)
	student := newStudent("student-1", "JSS1")

	// An expired open attempt numbered 3 gets force-closed; the new attempt
	// must be numbered 4 even though only one prior attempt exists.
	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: student.ID, AttemptNumber: 3,
		StartedAt: time.Now().Add(-time.Hour),
	}
	env.repo.nextAttemptID = 1

	view, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Attempt.AttemptNumber)
	assert.NotEqual(t, uint(1), view.Attempt.ID)
}

func TestStartResumesUnexpiredAttempt(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 1, 5)
	student := newStudent("student-1", "JSS1")

	// Started 5 minutes into a 10-minute budget. Resume must win even though
	// the attempt limit leaves no room for a new start.
	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: student.ID, AttemptNumber: 1,
		StartedAt: time.Now().Add(-5 * time.Minute),
	}
	env.repo.nextAttemptID = 1

	view, err := env.attempts.Start(context.Background(), &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	assert.Equal(t, uint(1), view.Attempt.ID)
	assert.InDelta(t, 300, view.RemainingSeconds, 2)
	assert.Len(t, env.repo.attempts, 1)
}

func TestStartRegeneratesTokenMapOnResume(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	first, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	oldToken := first.Questions[0].Options[0].Token

	second, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)

	// The old load's token no longer decodes anywhere in the fresh map.
	m := requireTokenMap(t, env.store, second.Attempt.ID)
	for questionID := range m {
		_, ok := m.Decode(questionID, oldToken)
		assert.False(t, ok)
	}
}

func TestResumeExpiredAttemptFinalizesAndRejects(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")

	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: student.ID, AttemptNumber: 1,
		StartedAt: time.Now().Add(-10*time.Minute - time.Second),
	}
	env.repo.nextAttemptID = 1

	_, err := env.attempts.Resume(context.Background(), 1, student)
	assert.ErrorIs(t, err, ErrAttemptTimeExpired)

	closed, getErr := env.repo.Attempt().GetByID(context.Background(), 1)
	require.NoError(t, getErr)
	assert.True(t, closed.IsSubmitted)
	require.NotNil(t, closed.EndReason)
	assert.Equal(t, models.EndReasonTimeout, *closed.EndReason)
}

func TestResumeJustInsideBudget(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")

	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: student.ID, AttemptNumber: 1,
		StartedAt: time.Now().Add(-9*time.Minute - 30*time.Second),
	}
	env.repo.nextAttemptID = 1

	view, err := env.attempts.Resume(context.Background(), 1, student)
	require.NoError(t, err)
	assert.Greater(t, view.RemainingSeconds, 25)
	assert.LessOrEqual(t, view.RemainingSeconds, 30)
}

func TestResumeRejectsForeignAttempt(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	owner := newStudent("student-1", "JSS1")
	intruder := newStudent("student-2", "JSS1")

	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: owner.ID, AttemptNumber: 1, StartedAt: time.Now(),
	}
	env.repo.nextAttemptID = 1

	_, err := env.attempts.Resume(context.Background(), 1, intruder)
	assert.ErrorIs(t, err, ErrForbiddenAccess)
}

func TestResumeRestoresSelectionFromCurrentMap(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	view, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	attemptID := view.Attempt.ID
	questionID := view.Questions[0].QuestionID

	token := tokenFor(t, env.store, attemptID, questionID, true)
	require.NoError(t, env.attempts.SaveAnswer(ctx, attemptID, &SaveAnswerRequest{
		QuestionID: questionID,
		Token:      token,
	}, student))

	// The resumed load carries a fresh map, so the saved token no longer
	// decodes and the selection cannot be re-highlighted.
	resumed, err := env.attempts.Resume(ctx, attemptID, student)
	require.NoError(t, err)
	for _, q := range resumed.Questions {
		assert.Empty(t, q.SelectedToken)
	}

	// The stored answer row itself is untouched by the reload.
	saved, err := env.repo.Answer().GetByAttemptAndQuestion(ctx, attemptID, questionID)
	require.NoError(t, err)
	assert.Equal(t, token, saved.Token)
}

func TestSaveAnswerRejectsForgedToken(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	view, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	questionID := view.Questions[0].QuestionID

	err = env.attempts.SaveAnswer(ctx, view.Attempt.ID, &SaveAnswerRequest{
		QuestionID: questionID,
		Token:      "deadbeefdeadbeef",
		ClientIP:   "10.0.0.9",
	}, student)
	assert.ErrorIs(t, err, ErrSecurityValidation)

	_, err = env.repo.Answer().GetByAttemptAndQuestion(ctx, view.Attempt.ID, questionID)
	assert.Error(t, err)
}

func TestSaveAnswerRejectsTokenFromPreviousLoad(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	first, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	questionID := first.Questions[0].QuestionID
	staleToken := tokenFor(t, env.store, first.Attempt.ID, questionID, true)

	_, err = env.attempts.Resume(ctx, first.Attempt.ID, student)
	require.NoError(t, err)

	err = env.attempts.SaveAnswer(ctx, first.Attempt.ID, &SaveAnswerRequest{
		QuestionID: questionID,
		Token:      staleToken,
	}, student)
	assert.ErrorIs(t, err, ErrSecurityValidation)
}

func TestSaveAnswerUpsertsAndClears(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	view, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	attemptID := view.Attempt.ID
	questionID := view.Questions[0].QuestionID

	first := tokenFor(t, env.store, attemptID, questionID, false)
	require.NoError(t, env.attempts.SaveAnswer(ctx, attemptID, &SaveAnswerRequest{
		QuestionID: questionID, Token: first,
	}, student))

	second := tokenFor(t, env.store, attemptID, questionID, true)
	require.NoError(t, env.attempts.SaveAnswer(ctx, attemptID, &SaveAnswerRequest{
		QuestionID: questionID, Token: second,
	}, student))

	saved, err := env.repo.Answer().GetByAttemptAndQuestion(ctx, attemptID, questionID)
	require.NoError(t, err)
	assert.Equal(t, second, saved.Token)

	// Empty token clears the choice without touching the decode table.
	require.NoError(t, env.attempts.SaveAnswer(ctx, attemptID, &SaveAnswerRequest{
		QuestionID: questionID, Token: "",
	}, student))
	saved, err = env.repo.Answer().GetByAttemptAndQuestion(ctx, attemptID, questionID)
	require.NoError(t, err)
	assert.Empty(t, saved.Token)

	answers, err := env.repo.Answer().GetByAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Len(t, answers, 1)
}

func TestSaveAnswerRejectsSubmittedAttempt(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	view, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	_, err = env.attempts.Submit(ctx, view.Attempt.ID, &SubmitAttemptRequest{}, student)
	require.NoError(t, err)

	err = env.attempts.SaveAnswer(ctx, view.Attempt.ID, &SaveAnswerRequest{
		QuestionID: view.Questions[0].QuestionID,
		Token:      "abcdef0123456789",
	}, student)
	assert.ErrorIs(t, err, ErrAttemptAlreadySubmitted)
}

func TestSubmitIsIdempotent(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")
	ctx := context.Background()

	view, err := env.attempts.Start(ctx, &StartAttemptRequest{TestID: 1}, student)
	require.NoError(t, err)
	questionID := view.Questions[0].QuestionID
	token := tokenFor(t, env.store, view.Attempt.ID, questionID, true)

	first, err := env.attempts.Submit(ctx, view.Attempt.ID, &SubmitAttemptRequest{
		Answers: map[uint]string{questionID: token},
	}, student)
	require.NoError(t, err)
	assert.True(t, first.IsSubmitted)
	assert.Equal(t, 1, first.CorrectCount)

	second, err := env.attempts.Submit(ctx, view.Attempt.ID, &SubmitAttemptRequest{}, student)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.SubmittedAt.Unix(), second.SubmittedAt.Unix())

	// One started event, one finalized event: the second submit is a no-op.
	finalized := 0
	for _, event := range env.publisher.GetPublishedEvents() {
		if event.Type == events.EventAttemptFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
}

func TestTimeRemainingClampsToZero(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")

	env.repo.attempts[1] = &models.Attempt{
		ID: 1, TestID: 1, StudentID: student.ID, AttemptNumber: 1,
		StartedAt: time.Now().Add(-time.Hour),
	}
	env.repo.nextAttemptID = 1

	remaining, err := env.attempts.TimeRemaining(context.Background(), 1, student)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestListByTestIsStaffOnly(t *testing.T) {
	env := newAttemptEnv()
	seedTest(env.repo, 1, "JSS1", 10, 3, 5)
	student := newStudent("student-1", "JSS1")

	_, _, err := env.attempts.ListByTest(context.Background(), 1, repositories.AttemptFilters{}, student)
	assert.ErrorIs(t, err, ErrForbiddenAccess)

	staff := newStudent("teacher-1", "")
	staff.Role = models.RoleTeacher
	_, _, err = env.attempts.ListByTest(context.Background(), 1, repositories.AttemptFilters{}, staff)
	assert.NoError(t, err)
}
