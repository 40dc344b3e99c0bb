package models

import (
	"time"

	"gorm.io/gorm"
)

// OptionsPerQuestion is the fixed option count every question must carry.
// A question observed with a different count is a data integrity anomaly
// and is scored as unanswered rather than crashing finalization.
const OptionsPerQuestion = 4

var OptionKeys = []string{"A", "B", "C", "D"}

type Test struct {
	ID              uint   `json:"id" gorm:"primaryKey"`
	Title           string `json:"title" gorm:"not null;size:200;index" validate:"required,min=1,max=200"`
	DurationMinutes int    `json:"duration_minutes" gorm:"not null" validate:"required,min=1,max=300"`

	// Cohort gates which students may start the test. Empty means no
	// restriction; otherwise the student's cohort must match exactly.
	Cohort      string `json:"cohort" gorm:"size:50;index"`
	MaxAttempts int    `json:"max_attempts" gorm:"default:1" validate:"min=1,max=10"`
	IsActive    bool   `json:"is_active" gorm:"default:false;index"`

	CreatedBy string         `json:"created_by" gorm:"not null;index;size:255"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Questions []Question `json:"questions" gorm:"foreignKey:TestID"`
	Creator   User       `json:"creator" gorm:"foreignKey:CreatedBy"`
}

func (Test) TableName() string {
	return "tests"
}

func (t *Test) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

type Question struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	TestID   uint   `json:"test_id" gorm:"not null;index"`
	Text     string `json:"text" gorm:"type:text;not null" validate:"required"`
	Position int    `json:"position" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Options []Option `json:"options" gorm:"foreignKey:QuestionID"`
}

func (Question) TableName() string {
	return "questions"
}

// CorrectKey returns the stable key of the single correct option and whether
// the question satisfies the four-options-exactly-one-correct invariant.
func (q *Question) CorrectKey() (string, bool) {
	if len(q.Options) != OptionsPerQuestion {
		return "", false
	}
	key := ""
	correct := 0
	for _, opt := range q.Options {
		if opt.IsCorrect {
			key = opt.Key
			correct++
		}
	}
	return key, correct == 1
}

// Option holds one of the four answer choices of a question. The stable key
// (A-D) identifies the option durably but is never sent to the client while
// an attempt is in progress; clients only ever see per-load opaque tokens.
type Option struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	QuestionID uint   `json:"question_id" gorm:"not null;index;uniqueIndex:idx_question_option_key"`
	Key        string `json:"key" gorm:"not null;size:1;uniqueIndex:idx_question_option_key" validate:"required,oneof=A B C D"`
	Text       string `json:"text" gorm:"type:text;not null" validate:"required"`
	IsCorrect  bool   `json:"-" gorm:"not null;default:false"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Option) TableName() string {
	return "options"
}
