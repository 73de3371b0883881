// Package session tracks dispensation sessions: opened when the valve
// opens or a dispense command arrives, completed when enough weight has
// been delivered, abandoned when neither happens in time.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Trigger records what opened a session.
type Trigger string

const (
	TriggerOperator  Trigger = "operator"
	TriggerSensor    Trigger = "sensor"
	TriggerScheduled Trigger = "scheduled"
)

// State is the session lifecycle state. Completed and abandoned are
// terminal: a session is never mutated after reaching either.
type State string

const (
	StateStarted   State = "started"
	StateCompleted State = "completed"
	StateAbandoned State = "abandoned"
)

// Requester identifies the user behind an operator-triggered session.
type Requester struct {
	ID   string `json:"id"`
	Name string `json:"nombre"`
}

// Session is one dispensation attempt, persisted as a document in the
// session bucket.
type Session struct {
	ID            string     `json:"id"`
	DeviceMac     string     `json:"mac"`
	Trigger       Trigger    `json:"origen"`
	State         State      `json:"estado"`
	InitialWeight float64    `json:"pesoInicial"`
	TargetGrams   float64    `json:"cantidadObjetivo"`
	FinalWeight   float64    `json:"pesoFinal,omitempty"`
	Delivered     float64    `json:"entregado,omitempty"`
	StartedAt     int64      `json:"inicio"`
	CompletedAt   int64      `json:"fin,omitempty"`
	DurationMs    int64      `json:"duracionMs,omitempty"`
	Requester     *Requester `json:"usuario,omitempty"`
}

// New opens a session in the started state.
func New(mac string, trigger Trigger, initialWeight, target float64, requester *Requester) *Session {
	return &Session{
		ID:            uuid.NewString(),
		DeviceMac:     mac,
		Trigger:       trigger,
		State:         StateStarted,
		InitialWeight: initialWeight,
		TargetGrams:   target,
		StartedAt:     time.Now().UnixMilli(),
		Requester:     requester,
	}
}

// Terminal reports whether the session has reached a final state.
func (s *Session) Terminal() bool {
	return s.State == StateCompleted || s.State == StateAbandoned
}

// StartedTime converts the stored millisecond timestamp.
func (s *Session) StartedTime() time.Time {
	return time.UnixMilli(s.StartedAt)
}

// Age reports how long ago the session was opened.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.StartedTime())
}

// complete closes the session with the weight that satisfied it.
func (s *Session) complete(finalWeight float64, now time.Time) {
	s.State = StateCompleted
	s.FinalWeight = finalWeight
	s.Delivered = finalWeight - s.InitialWeight
	s.CompletedAt = now.UnixMilli()
	s.DurationMs = now.UnixMilli() - s.StartedAt
}

// abandon closes the session without a completing weight.
func (s *Session) abandon(now time.Time) {
	s.State = StateAbandoned
	s.CompletedAt = now.UnixMilli()
	s.DurationMs = now.UnixMilli() - s.StartedAt
}
