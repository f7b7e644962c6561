// Package engine turns a regimen and a treatment context into a
// questionnaire specification: drug resolution, item aggregation, nadir
// annotation and assembly. Every function is pure over the catalog it is
// handed.
package engine

import (
	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/catalog/entities"
)

// DrugCatalog resolves a drug name or alias. *catalog.Snapshot implements it.
type DrugCatalog interface {
	Lookup(name string) catalog.Match
}

// RegimenCatalog finds regimens by code. *catalog.Snapshot implements it.
type RegimenCatalog interface {
	FindByCode(code string) (*entities.Regimen, bool)
}

// Catalog is everything generation needs.
type Catalog interface {
	DrugCatalog
	RegimenCatalog
}

// DrugMatch records how one composition entry resolved.
type DrugMatch struct {
	Entry         string `json:"entry"`
	CanonicalName string `json:"canonicalName"`
	ViaAlias      bool   `json:"viaAlias"`
}

// Resolution is the outcome of resolving a drug composition.
type Resolution struct {
	// Resolved holds canonical names in composition order, each at most once.
	Resolved []string `json:"resolved"`
	// Unresolved holds composition entries, verbatim, that matched nothing.
	// Never nil.
	Unresolved []string         `json:"unresolved"`
	Ambiguous  []AmbiguousAlias `json:"ambiguous,omitempty"`
	Matches    []DrugMatch      `json:"matches"`

	modules []entities.DrugModule
}

// Modules returns the resolved modules aligned with Resolved.
func (r *Resolution) Modules() []entities.DrugModule {
	return r.modules
}

// Resolve maps each composition entry to a drug module. Unmatched entries go
// to Unresolved instead of disappearing. Entries claimed by several modules
// are collected in Ambiguous and reported through an *AmbiguousAliasError,
// returned alongside the partial resolution.
func Resolve(composition []string, cat DrugCatalog) (*Resolution, error) {
	res := &Resolution{
		Resolved:   []string{},
		Unresolved: []string{},
		Matches:    []DrugMatch{},
	}
	seen := make(map[string]bool, len(composition))

	for _, entry := range composition {
		m := cat.Lookup(entry)
		switch {
		case m.Module != nil:
			res.Matches = append(res.Matches, DrugMatch{
				Entry:         entry,
				CanonicalName: m.Module.CanonicalName,
				ViaAlias:      m.ViaAlias,
			})
			// Two spellings of the same drug contribute it once
			if seen[m.Module.CanonicalName] {
				continue
			}
			seen[m.Module.CanonicalName] = true
			res.Resolved = append(res.Resolved, m.Module.CanonicalName)
			res.modules = append(res.modules, *m.Module)
		case len(m.Candidates) > 1:
			res.Ambiguous = append(res.Ambiguous, AmbiguousAlias{Entry: entry, Candidates: m.Candidates})
		default:
			res.Unresolved = append(res.Unresolved, entry)
		}
	}

	if len(res.Ambiguous) > 0 {
		return res, &AmbiguousAliasError{Entries: res.Ambiguous}
	}
	return res, nil
}
