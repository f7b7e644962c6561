// Package validation checks catalog quality and user input for the symptom engine.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/oncotrack/symptom-engine/engine"
	"github.com/oncotrack/symptom-engine/interfaces"
)

// Response scores are graded 0 (absent) to 4 (very severe)
const (
	MinResponseValue = 0
	MaxResponseValue = 4
)

// Pre-compiled regex patterns, compiled once at package initialization
var (
	// Drug names: letters in any script, digits and the punctuation found in INNs,
	// brand names and authored composition text ("Carboplatin & Paclitaxel")
	drugNameRegex = regexp.MustCompile(`^[\p{L}\p{M}\p{N} \-\.\+'/(),&;:%]+$`)

	// Identifiers: uuids, MRNs, staff ids
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,63}$`)

	// Item codes: <SYMPTOM_ROOT>_<SUFFIX>, upper snake case
	itemCodeRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)*$`)
)

// Compile-time check
var _ interfaces.CatalogValidator = (*CatalogValidatorImpl)(nil)

// CatalogValidatorImpl implements the interfaces.CatalogValidator interface
type CatalogValidatorImpl struct{}

// NewCatalogValidator creates a new catalog validator
func NewCatalogValidator() *CatalogValidatorImpl {
	return &CatalogValidatorImpl{}
}

// ReportCatalogQuality checks a snapshot for data errors that make questionnaires
// silently incomplete or ambiguous. It never fails: every finding goes in the report.
func (v *CatalogValidatorImpl) ReportCatalogQuality(snapshot *catalog.Snapshot) *interfaces.CatalogReport {
	report := &interfaces.CatalogReport{
		GeneratedAt:         time.Now(),
		AliasCollisions:     []interfaces.AliasCollision{},
		CanonicalAsAlias:    []interfaces.AliasCollision{},
		DuplicateItemCodes:  map[string][]string{},
		MalformedItemCodes:  map[string][]string{},
		InvalidNadirWindows: []string{},
		ModulesWithoutItems: []string{},
		Regimens:            []interfaces.RegimenDiagnosis{},
	}
	if snapshot == nil {
		return report
	}

	modules := snapshot.Modules()
	regimens := snapshot.Regimens()
	report.Version = snapshot.Version()
	report.ModuleCount = len(modules)
	report.RegimenCount = len(regimens)

	// Check 1: alias keys claimed by several modules, and aliases shadowing a canonical name
	canonical := make(map[string]string, len(modules))
	for _, m := range modules {
		canonical[catalog.NormalizeName(m.CanonicalName)] = m.CanonicalName
	}
	claims := make(map[string][]string)
	var aliasKeys []string
	for _, m := range modules {
		seen := make(map[string]bool, len(m.AlternativeNames))
		for _, alias := range m.AlternativeNames {
			key := catalog.NormalizeName(alias)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if _, ok := claims[key]; !ok {
				aliasKeys = append(aliasKeys, key)
			}
			claims[key] = append(claims[key], m.CanonicalName)

			if owner, ok := canonical[key]; ok && owner != m.CanonicalName {
				report.CanonicalAsAlias = append(report.CanonicalAsAlias, interfaces.AliasCollision{
					Name:    alias,
					Modules: []string{owner, m.CanonicalName},
				})
			}
		}
	}
	for _, key := range aliasKeys {
		if len(claims[key]) > 1 {
			report.AliasCollisions = append(report.AliasCollisions, interfaces.AliasCollision{
				Name:    key,
				Modules: claims[key],
			})
		}
	}

	// Check 2: item templates
	for _, m := range modules {
		if len(m.Items) == 0 {
			report.ModulesWithoutItems = append(report.ModulesWithoutItems, m.CanonicalName)
			continue
		}
		codes := make(map[string]int, len(m.Items))
		for _, item := range m.Items {
			codes[item.ItemCode]++
			if codes[item.ItemCode] == 2 {
				report.DuplicateItemCodes[m.CanonicalName] = append(report.DuplicateItemCodes[m.CanonicalName], item.ItemCode)
			}
			if !itemCodeRegex.MatchString(item.ItemCode) {
				report.MalformedItemCodes[m.CanonicalName] = append(report.MalformedItemCodes[m.CanonicalName], item.ItemCode)
			}
		}
	}

	// Check 3: regimens
	for i := range regimens {
		r := &regimens[i]
		if err := ValidateNadirWindow(r.NadirWindow, r.CycleLengthDays); err != nil {
			report.InvalidNadirWindows = append(report.InvalidNadirWindows, fmt.Sprintf("%s: %v", r.RegimenCode, err))
		}
		report.Regimens = append(report.Regimens, v.DiagnoseRegimen(snapshot, r))
	}

	return report
}

// DiagnoseRegimen resolves a regimen's composition the way generation would and
// summarizes what a questionnaire for it would contain.
func (v *CatalogValidatorImpl) DiagnoseRegimen(snapshot *catalog.Snapshot, regimen *entities.Regimen) interfaces.RegimenDiagnosis {
	diag := interfaces.RegimenDiagnosis{
		RegimenCode:     regimen.RegimenCode,
		RegimenName:     regimen.RegimenName,
		Composition:     append([]string{}, regimen.DrugComposition...),
		ActiveDrugs:     []string{},
		UnresolvedDrugs: []string{},
		AmbiguousDrugs:  []engine.AmbiguousAlias{},
	}

	if snapshot == nil {
		diag.UnresolvedDrugs = append(diag.UnresolvedDrugs, regimen.DrugComposition...)
		diag.EmptyReason = engine.EmptyReasonUnresolvedDrugs
		diag.Degraded = true
		return diag
	}

	res, err := engine.Resolve(regimen.DrugComposition, snapshot)
	var ambiguous *engine.AmbiguousAliasError
	if err != nil && !errors.As(err, &ambiguous) {
		diag.Degraded = true
		return diag
	}

	diag.ActiveDrugs = res.Resolved
	diag.UnresolvedDrugs = res.Unresolved
	if ambiguous != nil {
		diag.AmbiguousDrugs = ambiguous.Entries
	}
	diag.TotalItems = len(engine.Aggregate(res.Modules()))

	switch {
	case diag.TotalItems > 0:
		diag.EmptyReason = engine.EmptyReasonNone
	case len(regimen.DrugComposition) == 0:
		diag.EmptyReason = engine.EmptyReasonEmptyComposition
	case len(res.Unresolved) > 0:
		diag.EmptyReason = engine.EmptyReasonUnresolvedDrugs
	default:
		diag.EmptyReason = engine.EmptyReasonNoSymptomItems
	}
	diag.Degraded = len(diag.UnresolvedDrugs) > 0 || len(diag.AmbiguousDrugs) > 0 || diag.TotalItems == 0

	return diag
}

// ValidateNadirWindow checks a window against its cycle length. {0,0} is valid.
func ValidateNadirWindow(w entities.NadirWindow, cycleLengthDays int) error {
	if w.IsNone() {
		return nil
	}
	if w.Start < 1 {
		return fmt.Errorf("nadir window start %d must be at least 1", w.Start)
	}
	if w.End < w.Start {
		return fmt.Errorf("nadir window end %d is before start %d", w.End, w.Start)
	}
	if cycleLengthDays > 0 && w.End > cycleLengthDays {
		return fmt.Errorf("nadir window end %d is past cycle length %d", w.End, cycleLengthDays)
	}
	return nil
}

// ValidateDrugName validates a drug name or alias lookup. Names are only
// matched against the in-memory catalog, so the check is about shape, not content.
func (v *CatalogValidatorImpl) ValidateDrugName(input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("drug name cannot be empty")
	}

	if len(input) < 2 {
		return fmt.Errorf("drug name too short: minimum 2 characters")
	}

	if len(input) > 100 {
		return fmt.Errorf("drug name too long: maximum 100 characters")
	}

	// Word count validation to prevent DoS with many short words
	if len(strings.Fields(input)) > 8 {
		return fmt.Errorf("drug name too complex: maximum 8 words allowed")
	}

	if !drugNameRegex.MatchString(input) {
		return fmt.Errorf("drug name contains invalid characters. Only letters, numbers, spaces and - . + ' / ( ) , & ; : %% are allowed")
	}

	if v.hasExcessiveRepetition(input) {
		return fmt.Errorf("drug name contains excessive character repetition")
	}

	return nil
}

// ValidateIdentifier validates patient, clinician and questionnaire ids
func (v *CatalogValidatorImpl) ValidateIdentifier(input string) error {
	if input == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierRegex.MatchString(input) {
		return fmt.Errorf("identifier must be 1-64 characters of letters, digits, '.', '_', ':' or '-'")
	}
	return nil
}

// ValidateResponseValue validates a symptom score
func (v *CatalogValidatorImpl) ValidateResponseValue(value int) error {
	if value < MinResponseValue || value > MaxResponseValue {
		return fmt.Errorf("response value must be between %d and %d, got: %d", MinResponseValue, MaxResponseValue, value)
	}
	return nil
}

// hasExcessiveRepetition checks for the same character repeated more than 10 times consecutively
func (v *CatalogValidatorImpl) hasExcessiveRepetition(input string) bool {
	for i := 0; i < len(input)-10; i++ {
		allSame := true
		for j := 1; j <= 10; j++ {
			if input[i] != input[i+j] {
				allSame = false
				break
			}
		}
		if allSame {
			return true
		}
	}
	return false
}

// SortedKeys returns the keys of a report map in a stable order, for printing
func SortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
