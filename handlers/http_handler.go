// Package handlers provides the HTTP handlers of the symptom engine API:
// questionnaire generation, response submission, triage, the clinician
// queue, catalog lookups and diagnostics, and health.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/twmb/murmur3"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/engine"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/logging"
	"github.com/oncotrack/symptom-engine/service"
	"github.com/oncotrack/symptom-engine/store"
	"github.com/oncotrack/symptom-engine/triage"
	"github.com/oncotrack/symptom-engine/validation"
)

// HTTPHandlerImpl serves the v1 API
type HTTPHandlerImpl struct {
	catalogStore  interfaces.CatalogStore
	service       interfaces.QuestionnaireService
	validator     interfaces.CatalogValidator
	healthChecker interfaces.HealthChecker
}

// NewHTTPHandler creates a new HTTP handler with injected dependencies
func NewHTTPHandler(
	catalogStore interfaces.CatalogStore,
	svc interfaces.QuestionnaireService,
	validator interfaces.CatalogValidator,
	healthChecker interfaces.HealthChecker,
) *HTTPHandlerImpl {
	if validator == nil {
		validator = validation.NewCatalogValidator()
	}
	return &HTTPHandlerImpl{
		catalogStore:  catalogStore,
		service:       svc,
		validator:     validator,
		healthChecker: healthChecker,
	}
}

// RespondWithJSON writes a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// RespondWithError writes a JSON error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]any{
		"error":   http.StatusText(code),
		"message": message,
		"code":    code,
	})
}

// GenerateETag returns a quoted 64-bit murmur3 hash of data
func GenerateETag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, murmur3.Sum64(data))
}

// CheckETag reports whether the client already holds etag
func CheckETag(r *http.Request, etag string) bool {
	return r.Header.Get("If-None-Match") == etag
}

// RespondWithJSONAndETag writes a cacheable catalog response, or 304 when the
// client's copy is current
func (h *HTTPHandlerImpl) RespondWithJSONAndETag(w http.ResponseWriter, r *http.Request, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal JSON response", "error", err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}

	etag := GenerateETag(data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if snap := h.catalogStore.Snapshot(); snap != nil {
		w.Header().Set("X-Catalog-Version", snap.Version())
		w.Header().Set("Last-Modified", snap.LoadedAt().UTC().Format(http.TimeFormat))
	}

	if CheckETag(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// respondWithServiceError maps domain errors to HTTP statuses
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		unknownRegimen *engine.UnknownRegimenError
		ambiguous      *engine.AmbiguousAliasError
		invalidContext *engine.InvalidContextError
	)

	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrNoResponses),
		errors.Is(err, service.ErrPatientMismatch),
		errors.Is(err, triage.ErrMissingClinician),
		errors.As(err, &invalidContext):
		RespondWithError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, store.ErrNotFound),
		errors.As(err, &unknownRegimen):
		RespondWithError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, store.ErrUnknownItem):
		RespondWithError(w, http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, triage.ErrNotCompleted),
		errors.Is(err, triage.ErrAlreadyTriaged),
		errors.Is(err, store.ErrDuplicateQuestionnaire):
		RespondWithError(w, http.StatusConflict, err.Error())

	case errors.As(err, &ambiguous):
		logging.Error("Catalog alias ambiguity blocked generation", "regimen_code", ambiguous.RegimenCode, "error", err)
		RespondWithError(w, http.StatusConflict, err.Error())

	case errors.Is(err, service.ErrCatalogUnavailable),
		errors.Is(err, store.ErrLockNotObtained):
		w.Header().Set("Retry-After", "5")
		RespondWithError(w, http.StatusServiceUnavailable, err.Error())

	default:
		logging.Error("Request failed", "path", r.URL.Path, "error", err)
		RespondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// pageParams reads limit and offset query parameters
func pageParams(r *http.Request) (int, int, error) {
	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

type questionnaireList struct {
	Data   []*triage.Questionnaire `json:"data"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit,omitempty"`
	Offset int                     `json:"offset"`
}

func newQuestionnaireList(items []*triage.Questionnaire, total, limit, offset int) questionnaireList {
	if items == nil {
		items = []*triage.Questionnaire{}
	}
	return questionnaireList{Data: items, Total: total, Limit: limit, Offset: offset}
}

// GenerateQuestionnaire handles POST /v1/questionnaires
func (h *HTTPHandlerImpl) GenerateQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var tc entities.TreatmentContext
	if err := decodeJSON(r, &tc); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.service.Generate(r.Context(), tc.PatientID, tc)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	if out.Specification.Metadata.Degraded {
		w.Header().Set("X-Questionnaire-Degraded", "true")
	}
	if out.Questionnaire == nil {
		// Nothing to deliver; the metadata carries the reason
		RespondWithJSON(w, http.StatusOK, out)
		return
	}
	w.Header().Set("Location", "/v1/questionnaires/"+out.Questionnaire.ID)
	RespondWithJSON(w, http.StatusCreated, out)
}

// GetQuestionnaire handles GET /v1/questionnaires/{id}
func (h *HTTPHandlerImpl) GetQuestionnaire(w http.ResponseWriter, r *http.Request) {
	q, responses, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if responses == nil {
		responses = []store.Response{}
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"questionnaire": q,
		"responses":     responses,
	})
}

type submitRequest struct {
	Responses []struct {
		ItemCode   string    `json:"itemCode"`
		Value      int       `json:"value"`
		AnsweredAt time.Time `json:"answeredAt"`
	} `json:"responses"`
}

// SubmitResponses handles PUT /v1/questionnaires/{id}/responses
func (h *HTTPHandlerImpl) SubmitResponses(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	responses := make([]store.Response, len(req.Responses))
	for i, resp := range req.Responses {
		responses[i] = store.Response{ItemCode: resp.ItemCode, Value: resp.Value, AnsweredAt: resp.AnsweredAt}
	}

	q, err := h.service.SubmitResponses(r.Context(), chi.URLParam(r, "id"), responses)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, q)
}

// TriageQuestionnaire handles POST /v1/questionnaires/{id}/triage
func (h *HTTPHandlerImpl) TriageQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClinicianID string `json:"clinicianId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.service.Triage(r.Context(), chi.URLParam(r, "id"), req.ClinicianID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, q)
}

// ServeActiveQueue handles GET /v1/queue
func (h *HTTPHandlerImpl) ServeActiveQueue(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.service.ActiveQueue(r.Context(), limit, offset)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, newQuestionnaireList(items, total, limit, offset))
}

// ServePatientHistory handles GET /v1/patients/{patientId}/questionnaires
func (h *HTTPHandlerImpl) ServePatientHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.service.PatientHistory(r.Context(), chi.URLParam(r, "patientId"), limit, offset)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, newQuestionnaireList(items, total, limit, offset))
}

// ServeRegimenDiagnosis handles GET /v1/regimens/{code}/diagnosis
func (h *HTTPHandlerImpl) ServeRegimenDiagnosis(w http.ResponseWriter, r *http.Request) {
	diag, err := h.service.DiagnoseRegimen(chi.URLParam(r, "code"))
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.RespondWithJSONAndETag(w, r, diag)
}

// FindDrug handles GET /v1/drugs/{name}: canonical name or alias lookup
func (h *HTTPHandlerImpl) FindDrug(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// chi matches on RawPath when the client escaped reserved characters
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if err := h.validator.ValidateDrugName(name); err != nil {
		logging.Warn("Unusual user input", "name", name)
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	snapshot := h.catalogStore.Snapshot()
	if snapshot.Empty() {
		respondWithServiceError(w, r, service.ErrCatalogUnavailable)
		return
	}

	match := snapshot.Lookup(name)
	switch {
	case match.Module != nil:
		h.RespondWithJSONAndETag(w, r, map[string]any{
			"query":    name,
			"viaAlias": match.ViaAlias,
			"module":   match.Module,
		})
	case len(match.Candidates) > 1:
		RespondWithJSON(w, http.StatusConflict, map[string]any{
			"error":      http.StatusText(http.StatusConflict),
			"message":    fmt.Sprintf("%q is an alias of several drug modules", name),
			"code":       http.StatusConflict,
			"candidates": match.Candidates,
		})
	default:
		RespondWithError(w, http.StatusNotFound, "Drug module not found")
	}
}

// ServeCatalogReport handles GET /v1/catalog/report
func (h *HTTPHandlerImpl) ServeCatalogReport(w http.ResponseWriter, r *http.Request) {
	if h.catalogStore.Snapshot().Empty() {
		respondWithServiceError(w, r, service.ErrCatalogUnavailable)
		return
	}
	h.RespondWithJSONAndETag(w, r, h.catalogStore.Report())
}

// HealthResponse keeps a stable JSON field order
type HealthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Uptime        string         `json:"uptime"`
	Data          map[string]any `json:"data"`
	System        map[string]any `json:"system"`
}

// HealthCheck handles GET /health
func (h *HTTPHandlerImpl) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, data, httpStatus := h.healthChecker.HealthCheck()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var uptime time.Duration
	if start := h.catalogStore.GetServerStartTime(); !start.IsZero() {
		uptime = time.Since(start)
	}

	RespondWithJSON(w, httpStatus, HealthResponse{
		Status:        status,
		UptimeSeconds: uptime.Seconds(),
		Uptime:        formatUptimeHuman(uptime),
		Data:          data,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb": int(m.Alloc / 1024 / 1024),
				"sys_mb":   int(m.Sys / 1024 / 1024),
				"num_gc":   m.NumGC,
			},
		},
	})
}

// formatUptimeHuman formats duration into a human-readable string
func formatUptimeHuman(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))

	return strings.Join(parts, " ")
}
