package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EndReasonSubmitted = "submitted"
	EndReasonTimeout   = "time_out"
)

// Attempt is one instance of a student taking one test. An attempt is either
// in progress (IsSubmitted=false) or finalized; finalization is terminal and
// happens exactly once, guarded by a conditional update on is_submitted.
type Attempt struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	TestID        uint   `json:"test_id" gorm:"not null;index;uniqueIndex:idx_test_student_attempt"`
	StudentID     string `json:"student_id" gorm:"not null;index;size:255;uniqueIndex:idx_test_student_attempt"`
	AttemptNumber int    `json:"attempt_number" gorm:"not null;uniqueIndex:idx_test_student_attempt"`

	StartedAt   time.Time  `json:"started_at" gorm:"not null"`
	SubmittedAt *time.Time `json:"submitted_at"`
	IsSubmitted bool       `json:"is_submitted" gorm:"not null;default:false;index"`
	EndReason   *string    `json:"end_reason" gorm:"size:20"`

	// Scoring snapshot, written atomically at finalization.
	Score           int `json:"score"`
	TotalQuestions  int `json:"total_questions"`
	CorrectCount    int `json:"correct_count"`
	WrongCount      int `json:"wrong_count"`
	UnansweredCount int `json:"unanswered_count"`

	// TokenMap is the audit copy of the decode table that was used to score
	// this attempt. During the attempt the live map lives in the session
	// store only; it is serialized here at finalization.
	TokenMap datatypes.JSON `json:"-" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Test    Test            `json:"test" gorm:"foreignKey:TestID"`
	Student User            `json:"student" gorm:"foreignKey:StudentID"`
	Answers []StudentAnswer `json:"answers" gorm:"foreignKey:AttemptID"`
}

func (Attempt) TableName() string {
	return "attempts"
}

// Deadline is the wall-clock instant at which the attempt's time budget runs out.
func (a *Attempt) Deadline(duration time.Duration) time.Time {
	return a.StartedAt.Add(duration)
}

// Remaining reports how much of the time budget is left at now.
func (a *Attempt) Remaining(duration time.Duration, now time.Time) time.Duration {
	return a.Deadline(duration).Sub(now)
}

// StudentAnswer holds the opaque token a student last chose for one question
// of one attempt. At most one row exists per (attempt, question); consecutive
// saves overwrite. Token is empty for an explicit "no answer". IsCorrect stays
// null until finalization decodes the token against the token map.
type StudentAnswer struct {
	ID         uint `json:"id" gorm:"primaryKey"`
	AttemptID  uint `json:"attempt_id" gorm:"not null;index;uniqueIndex:idx_attempt_question"`
	QuestionID uint `json:"question_id" gorm:"not null;index;uniqueIndex:idx_attempt_question"`

	Token     string `json:"token" gorm:"size:64"`
	IsCorrect *bool  `json:"is_correct"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StudentAnswer) TableName() string {
	return "student_answers"
}
