package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/config"
	"github.com/oncotrack/symptom-engine/data"
	"github.com/oncotrack/symptom-engine/health"
	"github.com/oncotrack/symptom-engine/service"
	"github.com/oncotrack/symptom-engine/store"
	"github.com/oncotrack/symptom-engine/triage"
	"github.com/oncotrack/symptom-engine/validation"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Address:        "127.0.0.1",
		Env:            "test",
		LogLevel:       "info",
		MaxRequestBody: 1048576,
		MaxHeaderSize:  1048576,
	}
}

// newTestServer wires the real stack over the shipped catalog and a
// throwaway SQLite database
func newTestServer(t *testing.T) *Server {
	t.Helper()

	snap, err := catalog.NewYAMLLoader(filepath.Join("..", "resources", "catalog")).Load(context.Background())
	if err != nil {
		t.Fatalf("Load catalog: %v", err)
	}
	validator := validation.NewCatalogValidator()
	container := data.NewDataContainer()
	container.UpdateCatalog(snap, validator.ReportCatalogQuality(snap))
	container.SetServerStartTime(time.Now())

	repo, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	svc := service.NewService(container, repo, store.NewMemoryLocker(), validator)
	checker := health.NewHealthChecker(container, []string{"06:00", "18:00"}).WithDependency("store", repo)

	return NewServer(testConfig(), container, svc, validator, checker)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:40000"

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestNewServer(t *testing.T) {
	s := newTestServer(t)

	if s.server.Addr != "127.0.0.1:0" {
		t.Errorf("Unexpected address %s", s.server.Addr)
	}
	if s.server.ReadTimeout != 15*time.Second || s.server.WriteTimeout != 15*time.Second {
		t.Errorf("Unexpected timeouts %v/%v", s.server.ReadTimeout, s.server.WriteTimeout)
	}
	if s.handler == nil || s.rateLimiter == nil {
		t.Error("Handler and rate limiter must be set")
	}
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/catalog/report", http.StatusOK},
		{http.MethodGet, "/v1/drugs/Kadcyla", http.StatusOK},
		{http.MethodGet, "/v1/drugs/Imaginarymab", http.StatusNotFound},
		{http.MethodGet, "/v1/drugs/Ado-Trastuzumab%20Emtansine", http.StatusOK},
		{http.MethodGet, "/v1/drugs/Carboplatin%20%26%20Paclitaxel", http.StatusNotFound},
		{http.MethodGet, "/v1/regimens/AC/diagnosis", http.StatusOK},
		{http.MethodGet, "/v1/regimens/NOPE/diagnosis", http.StatusNotFound},
		{http.MethodGet, "/v1/queue", http.StatusOK},
		{http.MethodGet, "/v1/questionnaires/does-not-exist", http.StatusNotFound},
		{http.MethodGet, "/v1/nowhere", http.StatusNotFound},
		{http.MethodDelete, "/v1/queue", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(t, s, tt.method, tt.path, "")
			if rr.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.path != "/metrics" && !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
				t.Errorf("Expected JSON, got %q", rr.Header().Get("Content-Type"))
			}
			if rr.Header().Get("X-RateLimit-Limit") == "" {
				t.Error("Rate limit headers missing")
			}
		})
	}
}

func TestQuestionnaireLifecycle(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/v1/questionnaires",
		`{"patientId":"patient-42","regimenCode":"T-DM1","currentCycleNumber":3,"dayInCycle":8}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Generate: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var generated struct {
		Questionnaire triage.Questionnaire `json:"questionnaire"`
		Specification struct {
			Metadata struct {
				NadirActive     bool     `json:"nadirActive"`
				ActiveDrugs     []string `json:"activeDrugs"`
				UnresolvedDrugs []string `json:"unresolvedDrugs"`
			} `json:"metadata"`
		} `json:"specification"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &generated); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	q := generated.Questionnaire
	meta := generated.Specification.Metadata
	if !meta.NadirActive || len(meta.UnresolvedDrugs) != 0 || len(meta.ActiveDrugs) != 1 || meta.ActiveDrugs[0] != "T-DM1" {
		t.Errorf("Unexpected metadata %+v", meta)
	}
	if q.Status != triage.StatusPending || len(q.ItemCodes) == 0 {
		t.Fatalf("Unexpected questionnaire %+v", q)
	}

	// Triage before completion is refused
	rr = do(t, s, http.MethodPost, "/v1/questionnaires/"+q.ID+"/triage", `{"clinicianId":"dr-1"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("Early triage: expected 409, got %d", rr.Code)
	}

	responses := make([]string, len(q.ItemCodes))
	for i, code := range q.ItemCodes {
		responses[i] = fmt.Sprintf(`{"itemCode":%q,"value":%d}`, code, i%5)
	}
	rr = do(t, s, http.MethodPut, "/v1/questionnaires/"+q.ID+"/responses",
		`{"responses":[`+strings.Join(responses, ",")+`]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Submit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var completed triage.Questionnaire
	json.Unmarshal(rr.Body.Bytes(), &completed)
	if completed.Status != triage.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("Expected completed questionnaire, got %+v", completed)
	}

	assertQueueTotal(t, s, 1)

	rr = do(t, s, http.MethodPost, "/v1/questionnaires/"+q.ID+"/triage", `{"clinicianId":"dr-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Triage: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	assertQueueTotal(t, s, 0)

	rr = do(t, s, http.MethodPost, "/v1/questionnaires/"+q.ID+"/triage", `{"clinicianId":"dr-2"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("Second triage: expected 409, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodGet, "/v1/patients/patient-42/questionnaires", "")
	var history struct {
		Data  []triage.Questionnaire `json:"data"`
		Total int                    `json:"total"`
	}
	json.Unmarshal(rr.Body.Bytes(), &history)
	if history.Total != 1 || !history.Data[0].Triaged || *history.Data[0].TriagedBy != "dr-1" {
		t.Errorf("Unexpected history %s", rr.Body.String())
	}
}

func TestSubmitUnknownItemRejected(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/v1/questionnaires",
		`{"patientId":"patient-7","regimenCode":"PEMBRO","currentCycleNumber":1,"dayInCycle":1}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Generate: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var generated struct {
		Questionnaire triage.Questionnaire `json:"questionnaire"`
	}
	json.Unmarshal(rr.Body.Bytes(), &generated)

	rr = do(t, s, http.MethodPut, "/v1/questionnaires/"+generated.Questionnaire.ID+"/responses",
		`{"responses":[{"itemCode":"NOT_ON_THIS_FORM","value":2}]}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGenerateRejectsDayPastCycle(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/v1/questionnaires",
		`{"patientId":"patient-7","regimenCode":"AC","currentCycleNumber":1,"dayInCycle":22}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func assertQueueTotal(t *testing.T, s *Server, want int) {
	t.Helper()
	rr := do(t, s, http.MethodGet, "/v1/queue", "")
	var page struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("Decode queue: %v", err)
	}
	if page.Total != want {
		t.Errorf("Expected %d questionnaires in the queue, got %d", want, page.Total)
	}
}

func TestServerLifecycle(t *testing.T) {
	s := newTestServer(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v after graceful shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}
}
