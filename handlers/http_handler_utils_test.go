package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/data"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/store"
	"github.com/oncotrack/symptom-engine/triage"
	"github.com/oncotrack/symptom-engine/validation"
)

// ============================================================================
// TEST CATALOG
// ============================================================================

func testModules() []entities.DrugModule {
	return []entities.DrugModule{
		{
			CanonicalName:    "Trastuzumab Emtansine",
			AlternativeNames: []string{"T-DM1", "Kadcyla"},
			Items: []entities.ItemTemplate{
				{ItemCode: "FATIGUE_SEV", Attribute: "severity"},
				{ItemCode: "NOSEBLEED_FREQ", Attribute: "frequency"},
			},
		},
		{
			CanonicalName:    "Fluorouracil",
			AlternativeNames: []string{"5-FU"},
			Items:            []entities.ItemTemplate{{ItemCode: "MOUTH_SORES_SEV", Attribute: "severity"}},
		},
		{
			CanonicalName:    "Capecitabine",
			AlternativeNames: []string{"Xeloda", "5-FU"},
			Items:            []entities.ItemTemplate{{ItemCode: "HAND_FOOT_SEV", Attribute: "severity"}},
		},
	}
}

func testRegimens() []entities.Regimen {
	return []entities.Regimen{
		{
			RegimenCode:     "T-DM1",
			RegimenName:     "Trastuzumab emtansine",
			DrugComposition: []string{"Kadcyla"},
			CycleLengthDays: 21,
			NadirWindow:     entities.NadirWindow{Start: 7, End: 14},
		},
		{
			RegimenCode:     "FOLFOX",
			RegimenName:     "Folinic acid, fluorouracil, oxaliplatin",
			DrugComposition: []string{"5-FU", "Oxaliplatin"},
			CycleLengthDays: 14,
		},
	}
}

func newTestContainer(t testing.TB) *data.DataContainer {
	t.Helper()
	snap, err := catalog.NewSnapshot(testModules(), testRegimens())
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	dc := data.NewDataContainer()
	dc.UpdateCatalog(snap, validation.NewCatalogValidator().ReportCatalogQuality(snap))
	dc.SetServerStartTime(time.Now().Add(-90 * time.Minute))
	return dc
}

// ============================================================================
// MOCKS
// ============================================================================

// MockQuestionnaireService lets each test override the calls it exercises
type MockQuestionnaireService struct {
	GenerateFunc        func(ctx context.Context, patientID string, tc entities.TreatmentContext) (*interfaces.GeneratedQuestionnaire, error)
	GetFunc             func(ctx context.Context, id string) (*triage.Questionnaire, []store.Response, error)
	SubmitResponsesFunc func(ctx context.Context, id string, responses []store.Response) (*triage.Questionnaire, error)
	TriageFunc          func(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error)
	ActiveQueueFunc     func(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error)
	PatientHistoryFunc  func(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error)
	DiagnoseRegimenFunc func(regimenCode string) (*interfaces.RegimenDiagnosis, error)
}

var _ interfaces.QuestionnaireService = (*MockQuestionnaireService)(nil)

func (m *MockQuestionnaireService) Generate(ctx context.Context, patientID string, tc entities.TreatmentContext) (*interfaces.GeneratedQuestionnaire, error) {
	return m.GenerateFunc(ctx, patientID, tc)
}

func (m *MockQuestionnaireService) Get(ctx context.Context, id string) (*triage.Questionnaire, []store.Response, error) {
	return m.GetFunc(ctx, id)
}

func (m *MockQuestionnaireService) SubmitResponses(ctx context.Context, id string, responses []store.Response) (*triage.Questionnaire, error) {
	return m.SubmitResponsesFunc(ctx, id, responses)
}

func (m *MockQuestionnaireService) Triage(ctx context.Context, id, clinicianID string) (*triage.Questionnaire, error) {
	return m.TriageFunc(ctx, id, clinicianID)
}

func (m *MockQuestionnaireService) ActiveQueue(ctx context.Context, limit, offset int) ([]*triage.Questionnaire, int, error) {
	return m.ActiveQueueFunc(ctx, limit, offset)
}

func (m *MockQuestionnaireService) PatientHistory(ctx context.Context, patientID string, limit, offset int) ([]*triage.Questionnaire, int, error) {
	return m.PatientHistoryFunc(ctx, patientID, limit, offset)
}

func (m *MockQuestionnaireService) DiagnoseRegimen(regimenCode string) (*interfaces.RegimenDiagnosis, error) {
	return m.DiagnoseRegimenFunc(regimenCode)
}

// MockHealthChecker returns a fixed result
type MockHealthChecker struct {
	status     string
	details    map[string]any
	httpStatus int
}

func (m *MockHealthChecker) HealthCheck() (string, map[string]any, int) {
	return m.status, m.details, m.httpStatus
}

func (m *MockHealthChecker) CalculateNextUpdate() time.Time {
	return time.Time{}
}

func pendingQuestionnaire(id string) *triage.Questionnaire {
	return &triage.Questionnaire{
		ID:          id,
		PatientID:   "patient-1",
		RegimenCode: "T-DM1",
		CycleNumber: 2,
		DayInCycle:  9,
		NadirActive: true,
		ItemCodes:   []string{"FATIGUE_SEV", "NOSEBLEED_FREQ"},
		Status:      triage.StatusPending,
		CreatedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

// ============================================================================
// HTTP HELPERS
// ============================================================================

// executeRequest runs handler with chi URL params bound on the request
func executeRequest(handler http.HandlerFunc, method, path, body string, urlParams map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if len(urlParams) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range urlParams {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
}

// assertErrorResponse checks the {error, message, code} body
func assertErrorResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus int) map[string]any {
	t.Helper()
	if rr.Code != expectedStatus {
		t.Fatalf("Expected status %d, got %d: %s", expectedStatus, rr.Code, rr.Body.String())
	}

	var body map[string]any
	decodeBody(t, rr, &body)
	for _, key := range []string{"error", "message", "code"} {
		if _, ok := body[key]; !ok {
			t.Errorf("Error response missing %q: %v", key, body)
		}
	}
	if code, _ := body["code"].(float64); int(code) != expectedStatus {
		t.Errorf("Expected code %d in body, got %v", expectedStatus, body["code"])
	}
	return body
}

func emptyContainer() *data.DataContainer {
	return data.NewDataContainer()
}

func executeRequestWithHeader(handler http.HandlerFunc, path string, urlParams map[string]string, key, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(key, value)

	rctx := chi.NewRouteContext()
	for k, v := range urlParams {
		rctx.URLParams.Add(k, v)
	}
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}
