// Package service is the application layer behind the HTTP API: it generates
// questionnaires from the current catalog snapshot, persists them, and runs
// response submission and triage under a per-questionnaire lock.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/engine"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/logging"
	"github.com/oncotrack/symptom-engine/metrics"
	"github.com/oncotrack/symptom-engine/store"
	"github.com/oncotrack/symptom-engine/triage"
	"github.com/oncotrack/symptom-engine/validation"
)

// Compile-time check
var _ interfaces.QuestionnaireService = (*Service)(nil)

// Page sizes for queue and history listings
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrCatalogUnavailable = errors.New("drug catalog is not loaded")
	ErrPatientMismatch    = errors.New("treatment context belongs to another patient")
	ErrNoResponses        = errors.New("at least one response is required")
)

// InputError names the rejected field. It matches ErrInvalidInput.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

type Service struct {
	catalog   interfaces.CatalogStore
	repo      store.QuestionnaireRepository
	locker    store.Locker
	validator interfaces.CatalogValidator
}

func NewService(
	catalog interfaces.CatalogStore,
	repo store.QuestionnaireRepository,
	locker store.Locker,
	validator interfaces.CatalogValidator,
) *Service {
	if locker == nil {
		locker = store.NewMemoryLocker()
	}
	if validator == nil {
		validator = validation.NewCatalogValidator()
	}
	return &Service{
		catalog:   catalog,
		repo:      repo,
		locker:    locker,
		validator: validator,
	}
}

// Generate builds a questionnaire for the patient's position in the regimen
// and persists it as pending. A specification with zero items is returned
// without a questionnaire: there is nothing to ask, and the degraded metadata
// says why.
func (s *Service) Generate(ctx context.Context, patientID string, tc entities.TreatmentContext) (*interfaces.GeneratedQuestionnaire, error) {
	if err := s.validator.ValidateIdentifier(patientID); err != nil {
		return nil, &InputError{Field: "patientId", Reason: err.Error()}
	}
	if tc.PatientID != "" && tc.PatientID != patientID {
		return nil, ErrPatientMismatch
	}
	tc.PatientID = patientID

	snapshot := s.catalog.Snapshot()
	if snapshot.Empty() {
		metrics.GenerationFailures.WithLabelValues("catalog_unavailable").Inc()
		return nil, ErrCatalogUnavailable
	}

	spec, err := engine.GenerateQuestionnaire(tc, snapshot)
	if err != nil {
		metrics.GenerationFailures.WithLabelValues(failureReason(err)).Inc()
		logging.Warn("Questionnaire generation rejected",
			"patient_id", patientID,
			"regimen_code", tc.RegimenCode,
			"catalog_version", snapshot.Version(),
			"error", err,
		)
		return nil, err
	}

	recordGeneration(patientID, spec)

	out := &interfaces.GeneratedQuestionnaire{Specification: spec}
	if len(spec.Items) == 0 {
		return out, nil
	}

	q := &triage.Questionnaire{
		PatientID:   patientID,
		RegimenCode: spec.Metadata.RegimenCode,
		CycleNumber: spec.Metadata.CycleNumber,
		DayInCycle:  spec.Metadata.DayInCycle,
		NadirActive: spec.Metadata.NadirActive,
		ItemCodes:   spec.ItemCodes(),
		Status:      triage.StatusPending,
	}
	if err := s.repo.CreateQuestionnaire(ctx, q); err != nil {
		return nil, fmt.Errorf("persist questionnaire: %w", err)
	}
	out.Questionnaire = q

	logging.Info("Questionnaire generated",
		"questionnaire_id", q.ID,
		"patient_id", patientID,
		"regimen_code", q.RegimenCode,
		"items", len(q.ItemCodes),
		"nadir_active", q.NadirActive,
	)
	return out, nil
}

func recordGeneration(patientID string, spec *engine.QuestionnaireSpecification) {
	md := spec.Metadata
	metrics.QuestionnairesGenerated.WithLabelValues(md.RegimenCode, md.EmptyReason).Inc()
	for _, drug := range md.UnresolvedDrugs {
		metrics.UnresolvedDrugs.WithLabelValues(md.RegimenCode, drug).Inc()
	}
	if !md.Degraded {
		return
	}

	metrics.QuestionnairesDegraded.WithLabelValues(md.RegimenCode).Inc()
	logging.Warn("Degraded questionnaire generated",
		"patient_id", patientID,
		"regimen_code", md.RegimenCode,
		"unresolved_drugs", md.UnresolvedDrugs,
		"active_drugs", md.ActiveDrugs,
		"total_items", md.TotalItems,
		"empty_reason", md.EmptyReason,
	)
}

func failureReason(err error) string {
	var unknown *engine.UnknownRegimenError
	var ambiguous *engine.AmbiguousAliasError
	var invalid *engine.InvalidContextError
	switch {
	case errors.As(err, &unknown):
		return "unknown_regimen"
	case errors.As(err, &ambiguous):
		return "ambiguous_alias"
	case errors.As(err, &invalid):
		return "invalid_context"
	}
	return "other"
}

// Get returns a questionnaire with its stored responses
func (s *Service) Get(ctx context.Context, id string) (*triage.Questionnaire, []store.Response, error) {
	if err := s.validator.ValidateIdentifier(id); err != nil {
		return nil, nil, &InputError{Field: "id", Reason: err.Error()}
	}

	q, err := s.repo.GetQuestionnaire(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	responses, err := s.repo.ListResponses(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return q, responses, nil
}

// SubmitResponses stores a batch of answers. Re-answering an item replaces the
// previous value. The questionnaire completes once every item has an answer.
func (s *Service) SubmitResponses(ctx context.Context, id string, responses []store.Response) (*triage.Questionnaire, error) {
	if err := s.validator.ValidateIdentifier(id); err != nil {
		return nil, &InputError{Field: "id", Reason: err.Error()}
	}
	if len(responses) == 0 {
		return nil, ErrNoResponses
	}
	for i := range responses {
		r := &responses[i]
		r.ItemCode = strings.TrimSpace(r.ItemCode)
		if r.ItemCode == "" {
			return nil, &InputError{Field: fmt.Sprintf("responses[%d].itemCode", i), Reason: "is required"}
		}
		if err := s.validator.ValidateResponseValue(r.Value); err != nil {
			return nil, &InputError{Field: fmt.Sprintf("responses[%d].value", i), Reason: err.Error()}
		}
		r.QuestionnaireID = id
	}

	release, err := s.locker.Lock(ctx, store.QuestionnaireLockKey(id))
	if err != nil {
		return nil, err
	}
	defer s.release(id, release)

	q, completed, err := s.repo.SubmitResponses(ctx, id, responses)
	if err != nil {
		return nil, err
	}

	if completed {
		metrics.QuestionnairesCompleted.Inc()
		logging.Info("Questionnaire completed",
			"questionnaire_id", id,
			"patient_id", q.PatientID,
			"regimen_code", q.RegimenCode,
		)
	}
	return q, nil
}

// Triage records the clinician's review of a completed questionnaire. It
// succeeds once per questionnaire.
func (s *Service) Triage(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error) {
	if err := s.validator.ValidateIdentifier(id); err != nil {
		return nil, &InputError{Field: "id", Reason: err.Error()}
	}
	if strings.TrimSpace(clinicianID) == "" {
		return nil, triage.ErrMissingClinician
	}
	if err := s.validator.ValidateIdentifier(clinicianID); err != nil {
		return nil, &InputError{Field: "clinicianId", Reason: err.Error()}
	}

	release, err := s.locker.Lock(ctx, store.QuestionnaireLockKey(id))
	if err != nil {
		return nil, err
	}
	defer s.release(id, release)

	q, err := s.repo.TriageQuestionnaire(ctx, id, clinicianID)
	if err != nil {
		return nil, err
	}

	metrics.QuestionnairesTriaged.Inc()
	logging.Info("Questionnaire triaged",
		"questionnaire_id", id,
		"clinician_id", clinicianID,
	)
	return q, nil
}

func (s *Service) release(id string, release store.ReleaseLock) {
	// The caller's context may already be cancelled
	if err := release(context.Background()); err != nil {
		logging.Warn("Failed to release questionnaire lock", "questionnaire_id", id, "error", err)
	}
}

// ActiveQueue lists completed, untriaged questionnaires, oldest completion first
func (s *Service) ActiveQueue(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error) {
	limit, offset = normalizePage(limit, offset)
	return s.repo.ListActiveQueue(ctx, limit, offset)
}

// PatientHistory lists a patient's questionnaires, newest first
func (s *Service) PatientHistory(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error) {
	if err := s.validator.ValidateIdentifier(patientID); err != nil {
		return nil, 0, &InputError{Field: "patientId", Reason: err.Error()}
	}
	limit, offset = normalizePage(limit, offset)
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// DiagnoseRegimen resolves one regimen against the current snapshot
func (s *Service) DiagnoseRegimen(regimenCode string) (*interfaces.RegimenDiagnosis, error) {
	snapshot := s.catalog.Snapshot()
	if snapshot.Empty() {
		return nil, ErrCatalogUnavailable
	}
	regimen, ok := snapshot.FindByCode(regimenCode)
	if !ok {
		return nil, &engine.UnknownRegimenError{RegimenCode: regimenCode}
	}
	diag := s.validator.DiagnoseRegimen(snapshot, regimen)
	return &diag, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
