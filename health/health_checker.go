// Package health provides health checking functionality for the symptom engine.
package health

import (
	"context"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/oncotrack/symptom-engine/interfaces"
)

// Compile-time check
var _ interfaces.HealthChecker = (*HealthCheckerImpl)(nil)

var timeNow = time.Now

const pingTimeout = 2 * time.Second

// Pinger is a backing service whose reachability affects health
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckerImpl implements the interfaces.HealthChecker interface
type HealthCheckerImpl struct {
	catalogStore interfaces.CatalogStore
	reloadTimes  []string // HH:MM
	dependencies map[string]Pinger
}

// NewHealthChecker creates a new health checker. reloadTimes are the HH:MM
// catalog reload times used for next_update.
func NewHealthChecker(catalogStore interfaces.CatalogStore, reloadTimes []string) *HealthCheckerImpl {
	return &HealthCheckerImpl{
		catalogStore: catalogStore,
		reloadTimes:  reloadTimes,
		dependencies: make(map[string]Pinger),
	}
}

// WithDependency adds a backing service checked on every health request
func (h *HealthCheckerImpl) WithDependency(name string, p Pinger) *HealthCheckerImpl {
	h.dependencies[name] = p
	return h
}

// HealthCheck returns HTTP-specific health data. Used by /health.
func (h *HealthCheckerImpl) HealthCheck() (status string, data map[string]any, httpStatus int) {
	snapshot := h.catalogStore.Snapshot()
	report := h.catalogStore.Report()
	if report == nil {
		report = &interfaces.CatalogReport{}
	}
	lastUpdate := h.catalogStore.GetLastUpdated()
	isUpdating := h.catalogStore.IsUpdating()

	dataAge := timeNow().Sub(lastUpdate)
	deps, depsOK := h.pingDependencies()

	switch {
	case snapshot.Empty():
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable

	case !depsOK:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable

	case dataAge > 48*time.Hour:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable

	case dataAge > 24*time.Hour:
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable

	case isUpdating && dataAge > 6*time.Hour:
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable

	// Generation still works for unaffected regimens
	case report.HasAmbiguity():
		status = "degraded"
		httpStatus = http.StatusOK

	default:
		status = "healthy"
		httpStatus = http.StatusOK
	}

	data = map[string]any{
		"last_update":       lastUpdate.Format(time.RFC3339),
		"data_age_hours":    math.Round(dataAge.Hours()*10) / 10,
		"next_update":       h.CalculateNextUpdate().Format(time.RFC3339),
		"is_updating":       isUpdating,
		"drug_modules":      len(snapshot.Modules()),
		"regimens":          len(snapshot.Regimens()),
		"catalog_version":   report.Version,
		"degraded_regimens": len(report.DegradedRegimens()),
		"alias_collisions":  len(report.AliasCollisions) + len(report.CanonicalAsAlias),
	}
	if len(deps) > 0 {
		data["dependencies"] = deps
	}

	return status, data, httpStatus
}

func (h *HealthCheckerImpl) pingDependencies() (map[string]string, bool) {
	if len(h.dependencies) == 0 {
		return nil, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	ok := true
	results := make(map[string]string, len(h.dependencies))
	for name, p := range h.dependencies {
		if err := p.Ping(ctx); err != nil {
			results[name] = err.Error()
			ok = false
			continue
		}
		results[name] = "ok"
	}
	return results, ok
}

// CalculateNextUpdate returns the next scheduled catalog reload
func (h *HealthCheckerImpl) CalculateNextUpdate() time.Time {
	now := timeNow()

	var candidates []time.Time
	for _, hhmm := range h.reloadTimes {
		t, err := time.Parse("15:04", hhmm)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		candidates = append(candidates, at)
	}
	if len(candidates) == 0 {
		return time.Time{}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates[0]
}
