// Package data provides thread-safe catalog storage for the symptom engine.
// It includes the DataContainer struct with atomic operations for zero-downtime
// catalog reloads. Readers take one snapshot per request and never see a
// half-applied reload.
package data

import (
	"sync/atomic"
	"time"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/logging"
)

// Compile-time check to ensure DataContainer implements CatalogStore
var _ interfaces.CatalogStore = (*DataContainer)(nil)

// DataContainer holds the catalog snapshot with atomic pointers for zero-downtime updates
type DataContainer struct {
	snapshot        atomic.Pointer[catalog.Snapshot]
	report          atomic.Pointer[interfaces.CatalogReport]
	lastUpdated     atomic.Value // time.Time
	updating        atomic.Bool
	serverStartTime atomic.Value // time.Time
}

// NewDataContainer creates a new DataContainer with an empty catalog
func NewDataContainer() *DataContainer {
	dc := &DataContainer{}
	dc.report.Store(&interfaces.CatalogReport{})
	dc.lastUpdated.Store(time.Time{})
	dc.serverStartTime.Store(time.Time{})
	return dc
}

// Snapshot returns the current catalog snapshot. It is nil until the first
// successful load.
func (dc *DataContainer) Snapshot() *catalog.Snapshot {
	snap := dc.snapshot.Load()
	if snap == nil {
		logging.Debug("Catalog snapshot requested before the first load")
	}
	return snap
}

// Report returns the quality report of the current snapshot
func (dc *DataContainer) Report() *interfaces.CatalogReport {
	if r := dc.report.Load(); r != nil {
		return r
	}
	return &interfaces.CatalogReport{}
}

// GetLastUpdated returns the timestamp of the last catalog swap
func (dc *DataContainer) GetLastUpdated() time.Time {
	if v := dc.lastUpdated.Load(); v != nil {
		if lastUpdated, ok := v.(time.Time); ok {
			return lastUpdated
		}
	}

	logging.Warn("Could not get the last updated value")
	return time.Time{}
}

// IsUpdating returns true if a catalog reload is currently in progress
func (dc *DataContainer) IsUpdating() bool {
	return dc.updating.Load()
}

// SetServerStartTime sets the server start time
func (dc *DataContainer) SetServerStartTime(startTime time.Time) {
	dc.serverStartTime.Store(startTime)
}

// GetServerStartTime returns the server start time
func (dc *DataContainer) GetServerStartTime() time.Time {
	if v := dc.serverStartTime.Load(); v != nil {
		if startTime, ok := v.(time.Time); ok {
			return startTime
		}
	}

	logging.Warn("Could not get the server start time value")
	return time.Time{}
}

// UpdateCatalog atomically replaces the snapshot and its report.
// A nil snapshot is ignored so a failed reload keeps serving the old catalog.
func (dc *DataContainer) UpdateCatalog(snapshot *catalog.Snapshot, report *interfaces.CatalogReport) {
	if snapshot == nil {
		logging.Warn("Ignoring nil catalog snapshot")
		return
	}
	if report == nil {
		report = &interfaces.CatalogReport{Version: snapshot.Version()}
	}

	// Report first: a reader that sees the new snapshot also sees its report
	dc.report.Store(report)
	dc.snapshot.Store(snapshot)
	dc.lastUpdated.Store(time.Now())
}

// BeginUpdate marks the start of a catalog reload
// Returns true if update can proceed, false if another update is in progress
func (dc *DataContainer) BeginUpdate() bool {
	return dc.updating.CompareAndSwap(false, true)
}

// EndUpdate marks the end of a catalog reload
func (dc *DataContainer) EndUpdate() {
	dc.updating.Store(false)
}
