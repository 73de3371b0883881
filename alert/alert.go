// Package alert derives operational alerts from device telemetry and
// session outcomes, persists them, and suppresses repeats while a
// condition persists.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Category identifies the condition an alert reports.
type Category string

const (
	CategoryLowLevel         Category = "low-level"
	CategoryHighTemperature  Category = "high-temperature"
	CategoryLowBattery       Category = "low-battery"
	CategoryConnectivity     Category = "connectivity"
	CategorySessionCompleted Category = "session-completed"
	CategorySessionAbandoned Category = "session-abandoned"
	CategorySystemError      Category = "system-error"
)

// Severity grades an alert for downstream consumers.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is a single persisted alert record. Field names follow the
// document shape the mobile app already reads.
type Alert struct {
	ID           string   `json:"id"`
	Mac          string   `json:"mac"`
	Category     Category `json:"categoria"`
	Severity     Severity `json:"severidad"`
	Message      string   `json:"mensaje"`
	Value        float64  `json:"valor,omitempty"`
	Threshold    float64  `json:"limite,omitempty"`
	CreatedAt    int64    `json:"creada"`
	Acknowledged bool     `json:"atendida"`
}

// New builds an alert with a fresh identifier and the current time.
func New(mac string, category Category, severity Severity, message string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Mac:       mac,
		Category:  category,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// CreatedTime converts the stored millisecond timestamp.
func (a *Alert) CreatedTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}
