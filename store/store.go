// Package store persists questionnaire instances, their responses and the
// database-backed drug catalog.
//
// Two backends share one contract: SQLiteStore for single-node deployments
// and tests, PostgresStore for shared deployments. Both keep one response row
// per (questionnaire, item), writing repeated answers in place, and compute
// the pending to completed transition inside the same transaction as the
// response writes.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/triage"
)

var (
	ErrNotFound               = errors.New("questionnaire not found")
	ErrUnknownItem            = errors.New("item is not part of the questionnaire")
	ErrDuplicateQuestionnaire = errors.New("questionnaire id already exists")
	ErrEmptyCatalog           = errors.New("catalog tables are empty")
)

// timeNow is swapped in tests.
var timeNow = time.Now

// Response is the stored answer to one questionnaire item.
type Response struct {
	QuestionnaireID string    `json:"questionnaireId"`
	ItemCode        string    `json:"itemCode"`
	Value           int       `json:"value"`
	AnsweredAt      time.Time `json:"answeredAt"`
}

// QuestionnaireRepository is the persistence contract of the questionnaire
// service.
type QuestionnaireRepository interface {
	CreateQuestionnaire(ctx context.Context, q *triage.Questionnaire) error
	GetQuestionnaire(ctx context.Context, id string) (*triage.Questionnaire, error)
	SubmitResponses(ctx context.Context, id string, responses []Response) (*triage.Questionnaire, bool, error)
	ListResponses(ctx context.Context, id string) ([]Response, error)
	TriageQuestionnaire(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error)
	ListActiveQueue(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error)
	Ping(ctx context.Context) error
	Close() error
}

// CatalogRepository stores the drug module and regimen tables.
type CatalogRepository interface {
	ReplaceCatalog(ctx context.Context, modules []entities.DrugModule, regimens []entities.Regimen) error
	LoadCatalog(ctx context.Context) ([]entities.DrugModule, []entities.Regimen, error)
}

// DBCatalogLoader builds catalog snapshots from a CatalogRepository.
type DBCatalogLoader struct {
	repo   CatalogRepository
	source string
}

func NewDBCatalogLoader(repo CatalogRepository, source string) *DBCatalogLoader {
	return &DBCatalogLoader{repo: repo, source: source}
}

func (l *DBCatalogLoader) Source() string {
	return "db:" + l.source
}

func (l *DBCatalogLoader) Load(ctx context.Context) (*catalog.Snapshot, error) {
	modules, regimens, err := l.repo.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 && len(regimens) == 0 {
		return nil, ErrEmptyCatalog
	}
	return catalog.NewSnapshot(modules, regimens)
}

// answeredSet collects the item codes that have a stored response.
func answeredSet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// checkItems rejects responses for items the questionnaire does not carry.
func checkItems(q *triage.Questionnaire, responses []Response) error {
	for _, r := range responses {
		if !q.HasItem(r.ItemCode) {
			return &UnknownItemError{QuestionnaireID: q.ID, ItemCode: r.ItemCode}
		}
	}
	return nil
}

// UnknownItemError names the offending item; it matches ErrUnknownItem.
type UnknownItemError struct {
	QuestionnaireID string
	ItemCode        string
}

func (e *UnknownItemError) Error() string {
	return "questionnaire " + e.QuestionnaireID + ": unknown item " + e.ItemCode
}

func (e *UnknownItemError) Is(target error) bool {
	return target == ErrUnknownItem
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
