package services

import (
	"context"
	"log/slog"

	"github.com/veritest/cbt-service/internal/events"
	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/session"
	"github.com/veritest/cbt-service/internal/tokenmap"
	"github.com/veritest/cbt-service/internal/utils"
)

// ===== REQUEST / RESPONSE TYPES =====

type StartAttemptRequest struct {
	TestID uint `json:"test_id" validate:"required"`
}

type SaveAnswerRequest struct {
	QuestionID uint   `json:"question_id" validate:"required"`
	Token      string `json:"token" validate:"omitempty,hexadecimal"`

	// ClientIP is carried for the audit log on security rejections.
	ClientIP string `json:"-"`
}

type SubmitAttemptRequest struct {
	// Answers is an optional final batch of question id -> token, applied
	// with save-answer semantics before scoring.
	Answers  map[uint]string `json:"answers"`
	ClientIP string          `json:"-"`
}

// AttemptView is what the test-taking page renders: the attempt, the time
// left, and the questions with per-load obfuscated options.
type AttemptView struct {
	Attempt          *models.Attempt         `json:"attempt"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Questions        []tokenmap.QuestionView `json:"questions"`
}

// AttemptResult is the read model for a finalized attempt.
type AttemptResult struct {
	Attempt   *models.Attempt  `json:"attempt"`
	Questions []QuestionResult `json:"questions"`
}

type QuestionResult struct {
	QuestionID uint           `json:"question_id"`
	Text       string         `json:"text"`
	Options    []OptionResult `json:"options"`
	CorrectKey string         `json:"correct_key"`
	ChosenKey  string         `json:"chosen_key,omitempty"`
	Answered   bool           `json:"answered"`
	IsCorrect  *bool          `json:"is_correct"`
}

type OptionResult struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// ===== SERVICE INTERFACES =====

// AttemptService owns the attempt state machine: starting, resuming, answer
// capture, and routing to the scoring engine on submit or expiry.
type AttemptService interface {
	Start(ctx context.Context, req *StartAttemptRequest, student *models.User) (*AttemptView, error)
	Resume(ctx context.Context, attemptID uint, student *models.User) (*AttemptView, error)
	SaveAnswer(ctx context.Context, attemptID uint, req *SaveAnswerRequest, student *models.User) error
	Submit(ctx context.Context, attemptID uint, req *SubmitAttemptRequest, student *models.User) (*models.Attempt, error)
	TimeRemaining(ctx context.Context, attemptID uint, student *models.User) (int, error)

	ListByTest(ctx context.Context, testID uint, filters repositories.AttemptFilters, caller *models.User) ([]*models.Attempt, int64, error)
	ListOwn(ctx context.Context, filters repositories.AttemptFilters, student *models.User) ([]*models.Attempt, int64, error)
}

// ScoringService finalizes attempts exactly once: decodes captured answers,
// aggregates the score, and writes the snapshot atomically.
type ScoringService interface {
	Finalize(ctx context.Context, attemptID uint, reason string) (*models.Attempt, error)
}

type ResultService interface {
	GetResult(ctx context.Context, attemptID uint, caller *models.User) (*AttemptResult, error)
}

type ExportService interface {
	ExportTestResults(ctx context.Context, testID uint, caller *models.User) ([]byte, error)
}

// ===== SERVICE MANAGER =====

type Manager struct {
	attempt AttemptService
	scoring ScoringService
	result  ResultService
	export  ExportService
}

func NewManager(
	repo repositories.Repository,
	sessions session.Store,
	publisher events.EventPublisher,
	logger *slog.Logger,
	validator *utils.Validator,
) *Manager {
	scoring := NewScoringService(repo, sessions, publisher, logger)
	return &Manager{
		attempt: NewAttemptService(repo, sessions, scoring, publisher, logger, validator),
		scoring: scoring,
		result:  NewResultService(repo, logger),
		export:  NewExportService(repo, logger),
	}
}

func (m *Manager) Attempt() AttemptService { return m.attempt }
func (m *Manager) Scoring() ScoringService { return m.scoring }
func (m *Manager) Result() ResultService   { return m.result }
func (m *Manager) Export() ExportService   { return m.export }
