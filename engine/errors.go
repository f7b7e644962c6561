package engine

import (
	"fmt"
	"strings"
)

// UnknownRegimenError means the treatment context names a regimen the catalog
// does not hold. It is a caller configuration error and no questionnaire is
// produced.
type UnknownRegimenError struct {
	RegimenCode string
}

func (e *UnknownRegimenError) Error() string {
	return fmt.Sprintf("unknown regimen code %q", e.RegimenCode)
}

// AmbiguousAlias is one composition entry claimed by several modules.
type AmbiguousAlias struct {
	Entry      string   `json:"entry"`
	Candidates []string `json:"candidates"`
}

// AmbiguousAliasError halts generation: picking one module arbitrarily would
// hide a catalog data error behind a plausible questionnaire.
type AmbiguousAliasError struct {
	RegimenCode string
	Entries     []AmbiguousAlias
}

func (e *AmbiguousAliasError) Error() string {
	parts := make([]string, len(e.Entries))
	for i, a := range e.Entries {
		parts[i] = fmt.Sprintf("%q matches %s", a.Entry, strings.Join(a.Candidates, ", "))
	}
	if e.RegimenCode == "" {
		return "ambiguous drug alias: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("ambiguous drug alias in regimen %q: %s", e.RegimenCode, strings.Join(parts, "; "))
}

// InvalidContextError reports a treatment context the engine cannot place in
// a cycle.
type InvalidContextError struct {
	Field  string
	Reason string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid treatment context: %s %s", e.Field, e.Reason)
}

// UnresolvedDrugWarning lists composition entries that matched no module.
// It is carried in the specification metadata, never returned as an error by
// generation; it implements error so callers may choose to escalate it.
type UnresolvedDrugWarning struct {
	RegimenCode string   `json:"regimenCode"`
	Entries     []string `json:"entries"`
}

func (w *UnresolvedDrugWarning) Error() string {
	return fmt.Sprintf("regimen %q has %d unresolved drug(s): %s",
		w.RegimenCode, len(w.Entries), strings.Join(w.Entries, ", "))
}
