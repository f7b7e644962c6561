// Package triage holds the lifecycle of a delivered questionnaire:
// pending until every item is answered, then completed, then triaged once by
// a clinician. A questionnaire is never un-triaged and never regresses to
// pending.
package triage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the response-collection status of a questionnaire.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Lifecycle errors.
var (
	ErrNotCompleted     = errors.New("questionnaire is not completed")
	ErrAlreadyTriaged   = errors.New("questionnaire is already triaged")
	ErrMissingClinician = errors.New("clinician identifier is required")
	ErrInvalidStatus    = errors.New("invalid questionnaire status")
)

// timeNow is swapped in tests.
var timeNow = time.Now

// Questionnaire is a questionnaire instance delivered to a patient.
type Questionnaire struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientId"`
	RegimenCode string     `json:"regimenCode"`
	CycleNumber int        `json:"cycleNumber"`
	DayInCycle  int        `json:"dayInCycle"`
	NadirActive bool       `json:"nadirActive"`
	ItemCodes   []string   `json:"itemCodes"`
	Status      Status     `json:"status"`
	Triaged     bool       `json:"triaged"`
	TriagedAt   *time.Time `json:"triagedAt"`
	TriagedBy   *string    `json:"triagedBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// HasItem reports whether code is one of the questionnaire's items.
func (q *Questionnaire) HasItem(code string) bool {
	for _, c := range q.ItemCodes {
		if c == code {
			return true
		}
	}
	return false
}

// MissingItems returns the item codes with no entry in answered, in
// questionnaire order.
func (q *Questionnaire) MissingItems(answered map[string]bool) []string {
	var missing []string
	for _, code := range q.ItemCodes {
		if !answered[code] {
			missing = append(missing, code)
		}
	}
	return missing
}

// Complete moves a pending questionnaire to completed once every item has a
// response. It is idempotent: an already completed questionnaire stays
// completed whatever answered holds. Returns true when the transition
// happened on this call.
func Complete(q *Questionnaire, answered map[string]bool) (bool, error) {
	switch q.Status {
	case StatusCompleted:
		return false, nil
	case StatusPending:
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, q.Status)
	}

	if len(q.MissingItems(answered)) > 0 {
		return false, nil
	}

	now := timeNow().UTC()
	q.Status = StatusCompleted
	q.CompletedAt = &now
	return true, nil
}

// CanTriage checks whether a clinician may triage the questionnaire now.
func CanTriage(q *Questionnaire) error {
	if q.Triaged {
		return fmt.Errorf("questionnaire %q: %w", q.ID, ErrAlreadyTriaged)
	}
	if q.Status != StatusCompleted {
		return fmt.Errorf("questionnaire %q (status: %s): %w", q.ID, q.Status, ErrNotCompleted)
	}
	return nil
}

// Triage records the clinician review. Only completed, untriaged
// questionnaires accept it; TriagedAt and TriagedBy are set together.
func Triage(q *Questionnaire, clinicianID string) error {
	clinicianID = strings.TrimSpace(clinicianID)
	if clinicianID == "" {
		return ErrMissingClinician
	}
	if err := CanTriage(q); err != nil {
		return err
	}

	now := timeNow().UTC()
	q.Triaged = true
	q.TriagedAt = &now
	q.TriagedBy = &clinicianID
	return nil
}

// InActiveQueue reports whether the questionnaire awaits clinician review.
func InActiveQueue(q *Questionnaire) bool {
	return q.Status == StatusCompleted && !q.Triaged
}

// CheckInvariants verifies the triage attributes are consistent with the
// status. Used when loading persisted rows.
func CheckInvariants(q *Questionnaire) error {
	if q.Triaged != (q.TriagedAt != nil) || q.Triaged != (q.TriagedBy != nil) {
		return fmt.Errorf("questionnaire %q: triagedAt/triagedBy must be set iff triaged", q.ID)
	}
	if q.Triaged && q.Status != StatusCompleted {
		return fmt.Errorf("questionnaire %q: triaged before completion", q.ID)
	}
	return nil
}
