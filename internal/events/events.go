package events

import (
	"time"
)

type EventType string

const (
	EventAttemptStarted   EventType = "attempt.started"
	EventAttemptFinalized EventType = "attempt.finalized"
)

// AttemptEvent is published on attempt lifecycle transitions so downstream
// consumers (dashboards, notification services) can react without polling.
type AttemptEvent struct {
	Type          EventType `json:"type"`
	AttemptID     uint      `json:"attempt_id"`
	TestID        uint      `json:"test_id"`
	StudentID     string    `json:"student_id"`
	AttemptNumber int       `json:"attempt_number"`
	Score         *int      `json:"score,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
