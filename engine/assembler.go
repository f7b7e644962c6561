package engine

import (
	"errors"

	"github.com/oncotrack/symptom-engine/catalog/entities"
)

// Reasons a specification can come out with zero items.
const (
	EmptyReasonNone             = ""
	EmptyReasonEmptyComposition = "empty_composition"
	EmptyReasonUnresolvedDrugs  = "unresolved_drugs"
	EmptyReasonNoSymptomItems   = "no_symptom_items"
)

// Metadata describes how a specification was generated.
type Metadata struct {
	RegimenCode string               `json:"regimenCode"`
	RegimenName string               `json:"regimenName"`
	CycleNumber int                  `json:"cycleNumber"`
	DayInCycle  int                  `json:"dayInCycle"`
	NadirWindow entities.NadirWindow `json:"nadirWindow"`
	NadirActive bool                 `json:"nadirActive"`

	// ActiveDrugs uses catalog canonical names, not composition spellings.
	ActiveDrugs []string `json:"activeDrugs"`
	// UnresolvedDrugs is always present, empty when everything resolved.
	UnresolvedDrugs []string    `json:"unresolvedDrugs"`
	DrugMatches     []DrugMatch `json:"drugMatches"`
	TotalItems      int         `json:"totalItems"`

	SymptomGroups []SymptomGroup `json:"symptomGroups"`

	// Degraded is set when drugs went unresolved or no item was produced.
	Degraded    bool   `json:"degraded"`
	EmptyReason string `json:"emptyReason,omitempty"`
}

// QuestionnaireSpecification is the engine's output.
type QuestionnaireSpecification struct {
	Items    []Item   `json:"items"`
	Metadata Metadata `json:"metadata"`
}

// Warning returns the unresolved-drug warning, or nil when every composition
// entry resolved.
func (q *QuestionnaireSpecification) Warning() *UnresolvedDrugWarning {
	if len(q.Metadata.UnresolvedDrugs) == 0 {
		return nil
	}
	return &UnresolvedDrugWarning{
		RegimenCode: q.Metadata.RegimenCode,
		Entries:     q.Metadata.UnresolvedDrugs,
	}
}

// ItemCodes returns the item codes in questionnaire order.
func (q *QuestionnaireSpecification) ItemCodes() []string {
	codes := make([]string, len(q.Items))
	for i, item := range q.Items {
		codes[i] = item.ItemCode
	}
	return codes
}

// GenerateQuestionnaire validates the context, looks its regimen up and
// assembles the specification.
func GenerateQuestionnaire(tc entities.TreatmentContext, cat Catalog) (*QuestionnaireSpecification, error) {
	if tc.RegimenCode == "" {
		return nil, &InvalidContextError{Field: "regimenCode", Reason: "is required"}
	}

	regimen, ok := cat.FindByCode(tc.RegimenCode)
	if !ok {
		return nil, &UnknownRegimenError{RegimenCode: tc.RegimenCode}
	}

	return Assemble(tc, *regimen, cat)
}

// Assemble runs resolution, aggregation and nadir annotation for a regimen.
// Unresolved drugs never fail assembly; ambiguous aliases do.
func Assemble(tc entities.TreatmentContext, regimen entities.Regimen, cat DrugCatalog) (*QuestionnaireSpecification, error) {
	if err := validateContext(tc, regimen); err != nil {
		return nil, err
	}

	res, err := Resolve(regimen.DrugComposition, cat)
	if err != nil {
		var ambiguous *AmbiguousAliasError
		if errors.As(err, &ambiguous) {
			ambiguous.RegimenCode = regimen.RegimenCode
		}
		return nil, err
	}

	items := Aggregate(res.Modules())
	items, nadirActive := Annotate(items, regimen.NadirWindow, tc.DayInCycle)

	spec := &QuestionnaireSpecification{
		Items: items,
		Metadata: Metadata{
			RegimenCode:     regimen.RegimenCode,
			RegimenName:     regimen.RegimenName,
			CycleNumber:     tc.CurrentCycleNumber,
			DayInCycle:      tc.DayInCycle,
			NadirWindow:     regimen.NadirWindow,
			NadirActive:     nadirActive,
			ActiveDrugs:     res.Resolved,
			UnresolvedDrugs: res.Unresolved,
			DrugMatches:     res.Matches,
			TotalItems:      len(items),
			SymptomGroups:   GroupBySymptomRoot(items),
		},
	}

	spec.Metadata.EmptyReason = emptyReason(regimen, res, len(items))
	spec.Metadata.Degraded = len(res.Unresolved) > 0 || len(items) == 0

	return spec, nil
}

func emptyReason(regimen entities.Regimen, res *Resolution, itemCount int) string {
	switch {
	case itemCount > 0:
		return EmptyReasonNone
	case len(regimen.DrugComposition) == 0:
		return EmptyReasonEmptyComposition
	case len(res.Unresolved) > 0:
		return EmptyReasonUnresolvedDrugs
	default:
		return EmptyReasonNoSymptomItems
	}
}

func validateContext(tc entities.TreatmentContext, regimen entities.Regimen) error {
	if tc.CurrentCycleNumber < 1 {
		return &InvalidContextError{Field: "currentCycleNumber", Reason: "must be at least 1"}
	}
	if tc.DayInCycle < 1 {
		return &InvalidContextError{Field: "dayInCycle", Reason: "must be at least 1"}
	}
	if regimen.CycleLengthDays > 0 && tc.DayInCycle > regimen.CycleLengthDays {
		return &InvalidContextError{Field: "dayInCycle", Reason: "is past the end of the cycle"}
	}
	return nil
}
