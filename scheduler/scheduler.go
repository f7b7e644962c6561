// Package scheduler loads the drug catalog at startup and reloads it on a
// gocron schedule. Every reload is validated and swapped into the catalog
// store atomically; a failed reload keeps the previous snapshot serving.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/logging"
	"github.com/oncotrack/symptom-engine/metrics"
	"github.com/oncotrack/symptom-engine/validation"
)

// Compile-time check to ensure Scheduler implements Scheduler interface
var _ interfaces.Scheduler = (*Scheduler)(nil)

const (
	loadTimeout    = 2 * time.Minute
	staleThreshold = 25 * time.Hour
	monitorEvery   = time.Hour
)

// ErrEmptyCatalog is returned when a loader produces a catalog without
// modules or regimens. It is never swapped in.
var ErrEmptyCatalog = errors.New("catalog has no drug modules or no regimens")

// Scheduler handles catalog reloads and staleness monitoring
type Scheduler struct {
	store     interfaces.CatalogStore
	loader    interfaces.CatalogLoader
	validator interfaces.CatalogValidator
	reloadAt  string
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler reloading from loader at the given times,
// a ';' separated list of HH:MM in local time
func NewScheduler(store interfaces.CatalogStore, loader interfaces.CatalogLoader, validator interfaces.CatalogValidator, reloadAt string) *Scheduler {
	if validator == nil {
		validator = validation.NewCatalogValidator()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		loader:    loader,
		validator: validator,
		reloadAt:  reloadAt,
		scheduler: gocron.NewScheduler(time.Local),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start performs the initial load, then schedules reloads and staleness monitoring.
// The initial load must succeed: serving without a catalog is not possible.
func (s *Scheduler) Start() error {
	if err := s.Reload(s.ctx); err != nil {
		logging.Error("Failed to perform initial catalog load", "source", s.loader.Source(), "error", err)
		return fmt.Errorf("initial catalog load failed: %w", err)
	}

	_, err := s.scheduler.Every(1).Days().At(s.reloadAt).Do(func() {
		if err := s.Reload(s.ctx); err != nil {
			logging.Error("Failed to reload catalog, keeping previous snapshot", "error", err)
		}
	})
	if err != nil {
		logging.Error("Failed to schedule catalog reloads", "at", s.reloadAt, "error", err)
		return fmt.Errorf("failed to schedule catalog reloads: %w", err)
	}

	s.scheduler.StartAsync()
	s.startHealthMonitoring()

	return nil
}

// Stop stops scheduled reloads and monitoring
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// Reload loads, validates and swaps in a new catalog snapshot. A reload
// already in progress makes this call a no-op.
func (s *Scheduler) Reload(ctx context.Context) error {
	if !s.store.BeginUpdate() {
		logging.Info("Catalog reload already in progress, skipping")
		return nil
	}
	defer s.store.EndUpdate()

	logging.Info("Starting catalog reload", "source", s.loader.Source())
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	snapshot, err := s.loader.Load(ctx)
	if err != nil {
		metrics.CatalogReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load catalog from %s: %w", s.loader.Source(), err)
	}
	if snapshot.Empty() {
		metrics.CatalogReloads.WithLabelValues("rejected").Inc()
		return fmt.Errorf("refusing catalog from %s: %w", s.loader.Source(), ErrEmptyCatalog)
	}

	report := s.validator.ReportCatalogQuality(snapshot)
	logReport(report)

	previous := s.store.Snapshot()
	s.store.UpdateCatalog(snapshot, report)

	metrics.CatalogReloads.WithLabelValues("success").Inc()
	metrics.CatalogModules.Set(float64(report.ModuleCount))
	metrics.CatalogRegimens.Set(float64(report.RegimenCount))
	metrics.CatalogDegradedRegimens.Set(float64(len(report.DegradedRegimens())))

	logging.Info("Catalog reload completed",
		"duration", time.Since(start).String(),
		"version", snapshot.Version(),
		"changed", previous == nil || previous.Version() != snapshot.Version(),
		"drug_modules", report.ModuleCount,
		"regimens", report.RegimenCount,
	)

	return nil
}

// logReport surfaces catalog findings. Anything that makes a questionnaire
// incomplete or ambiguous is a warning.
func logReport(report *interfaces.CatalogReport) {
	for _, c := range report.AliasCollisions {
		logging.Warn("Alias claimed by several drug modules", "alias", c.Name, "modules", c.Modules)
	}
	for _, c := range report.CanonicalAsAlias {
		logging.Warn("Alias shadows another module's canonical name", "alias", c.Name, "modules", c.Modules)
	}
	for _, module := range validation.SortedKeys(report.DuplicateItemCodes) {
		logging.Warn("Duplicate item codes within drug module", "module", module, "item_codes", report.DuplicateItemCodes[module])
	}
	for _, module := range validation.SortedKeys(report.MalformedItemCodes) {
		logging.Warn("Malformed item codes", "module", module, "item_codes", report.MalformedItemCodes[module])
	}
	if len(report.InvalidNadirWindows) > 0 {
		logging.Warn("Invalid nadir windows", "count", len(report.InvalidNadirWindows), "regimens", report.InvalidNadirWindows)
	}
	if len(report.ModulesWithoutItems) > 0 {
		logging.Warn("Drug modules without items", "modules", report.ModulesWithoutItems)
	}
	for _, d := range report.Regimens {
		if !d.Degraded {
			continue
		}
		logging.Warn("Regimen produces a degraded questionnaire",
			"regimen_code", d.RegimenCode,
			"unresolved_drugs", d.UnresolvedDrugs,
			"ambiguous_drugs", len(d.AmbiguousDrugs),
			"total_items", d.TotalItems,
			"empty_reason", d.EmptyReason,
		)
	}
}

// startHealthMonitoring warns when the catalog has not been refreshed in time
func (s *Scheduler) startHealthMonitoring() {
	go func() {
		ticker := time.NewTicker(monitorEvery)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if time.Since(s.store.GetLastUpdated()) > staleThreshold {
					logging.Warn("Catalog hasn't been reloaded in over 25 hours", "last_updated", s.store.GetLastUpdated())
				}
			}
		}
	}()
}
