// Package interfaces defines core abstractions for the symptom engine
// to improve testability, maintainability, and separation of concerns.
package interfaces

import (
	"context"
	"time"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/engine"
	"github.com/oncotrack/symptom-engine/store"
	"github.com/oncotrack/symptom-engine/triage"
)

// AliasCollision is one normalized name claimed by several modules.
type AliasCollision struct {
	Name    string   `json:"name"`
	Modules []string `json:"modules"`
}

// RegimenDiagnosis is the resolution outcome for one regimen composition.
type RegimenDiagnosis struct {
	RegimenCode     string                  `json:"regimenCode"`
	RegimenName     string                  `json:"regimenName"`
	Composition     []string                `json:"composition"`
	ActiveDrugs     []string                `json:"activeDrugs"`
	UnresolvedDrugs []string                `json:"unresolvedDrugs"`
	AmbiguousDrugs  []engine.AmbiguousAlias `json:"ambiguousDrugs"`
	TotalItems      int                     `json:"totalItems"`
	EmptyReason     string                  `json:"emptyReason,omitempty"`
	Degraded        bool                    `json:"degraded"`
}

// CatalogReport provides a summary of catalog quality issues
type CatalogReport struct {
	Version      string    `json:"version"`
	GeneratedAt  time.Time `json:"generatedAt"`
	ModuleCount  int       `json:"moduleCount"`
	RegimenCount int       `json:"regimenCount"`

	AliasCollisions     []AliasCollision    `json:"aliasCollisions"`
	CanonicalAsAlias    []AliasCollision    `json:"canonicalAsAlias"`   // alias of one module equal to another's canonical name
	DuplicateItemCodes  map[string][]string `json:"duplicateItemCodes"` // module -> codes repeated within it
	MalformedItemCodes  map[string][]string `json:"malformedItemCodes"`
	InvalidNadirWindows []string            `json:"invalidNadirWindows"`
	ModulesWithoutItems []string            `json:"modulesWithoutItems"`
	Regimens            []RegimenDiagnosis  `json:"regimens"`
}

// DegradedRegimens returns the codes of regimens that cannot produce a
// complete questionnaire.
func (r *CatalogReport) DegradedRegimens() []string {
	var codes []string
	for _, d := range r.Regimens {
		if d.Degraded || len(d.AmbiguousDrugs) > 0 {
			codes = append(codes, d.RegimenCode)
		}
	}
	return codes
}

// HasAmbiguity reports whether any name resolves to more than one module.
func (r *CatalogReport) HasAmbiguity() bool {
	return len(r.AliasCollisions) > 0 || len(r.CanonicalAsAlias) > 0
}

// CatalogStore defines the contract for catalog storage operations.
// It holds the current immutable snapshot and swaps it atomically on reload.
type CatalogStore interface {
	Snapshot() *catalog.Snapshot
	Report() *CatalogReport
	GetLastUpdated() time.Time
	IsUpdating() bool
	GetServerStartTime() time.Time

	UpdateCatalog(snapshot *catalog.Snapshot, report *CatalogReport)
	BeginUpdate() bool
	EndUpdate()
}

// CatalogLoader builds a catalog snapshot from its source (YAML files or
// database tables).
type CatalogLoader interface {
	Source() string
	Load(ctx context.Context) (*catalog.Snapshot, error)
}

// Scheduler defines the contract for job scheduling.
// It manages the initial catalog load and the periodic reloads.
type Scheduler interface {
	Start() error
	Stop()
}

// HealthChecker defines the contract for health check functionality.
type HealthChecker interface {
	// HealthCheck returns the status, details for the response body and
	// the HTTP status to answer with
	HealthCheck() (status string, details map[string]any, httpStatus int)

	// CalculateNextUpdate returns the next scheduled catalog reload
	CalculateNextUpdate() time.Time
}

// CatalogValidator defines the contract for catalog and input validation.
type CatalogValidator interface {
	// ReportCatalogQuality generates a quality report for a snapshot
	ReportCatalogQuality(snapshot *catalog.Snapshot) *CatalogReport

	// DiagnoseRegimen resolves one regimen against the snapshot
	DiagnoseRegimen(snapshot *catalog.Snapshot, regimen *entities.Regimen) RegimenDiagnosis

	// ValidateDrugName validates a drug name or alias lookup
	ValidateDrugName(input string) error

	// ValidateIdentifier validates patient, clinician and questionnaire ids
	ValidateIdentifier(input string) error

	// ValidateResponseValue validates a symptom score
	ValidateResponseValue(value int) error
}

// GeneratedQuestionnaire is a persisted questionnaire and the specification
// it was built from.
type GeneratedQuestionnaire struct {
	Questionnaire *triage.Questionnaire              `json:"questionnaire"`
	Specification *engine.QuestionnaireSpecification `json:"specification"`
}

// QuestionnaireService is the application layer behind the HTTP handlers.
type QuestionnaireService interface {
	Generate(ctx context.Context, patientID string, tc entities.TreatmentContext) (*GeneratedQuestionnaire, error)
	Get(ctx context.Context, id string) (*triage.Questionnaire, []store.Response, error)
	SubmitResponses(ctx context.Context, id string, responses []store.Response) (*triage.Questionnaire, error)
	Triage(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error)
	ActiveQueue(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error)
	PatientHistory(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error)
	DiagnoseRegimen(regimenCode string) (*RegimenDiagnosis, error)
}
