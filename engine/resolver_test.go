package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oncotrack/symptom-engine/catalog/entities"
)

func TestResolveCanonicalNames(t *testing.T) {
	s := mustSnapshot(t, oncologyModules(), nil)

	// Every module's canonical name resolves with nothing left over
	var composition []string
	for _, m := range s.Modules() {
		composition = append(composition, m.CanonicalName)
	}

	res, err := Resolve(composition, s)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if len(res.Unresolved) != 0 {
		t.Errorf("expected no unresolved entries, got %v", res.Unresolved)
	}
	if diff := cmp.Diff(composition, res.Resolved); diff != "" {
		t.Errorf("resolved mismatch (-want +got):\n%s", diff)
	}
	if len(res.Modules()) != len(composition) {
		t.Errorf("expected %d modules, got %d", len(composition), len(res.Modules()))
	}
}

func TestResolveAliases(t *testing.T) {
	s := mustSnapshot(t, oncologyModules(), nil)

	for _, m := range s.Modules() {
		for _, alias := range m.AlternativeNames {
			for _, spelling := range []string{alias, strings.ToUpper(alias), " " + alias + " "} {
				t.Run(m.CanonicalName+"/"+spelling, func(t *testing.T) {
					res, err := Resolve([]string{spelling}, s)
					if err != nil {
						t.Fatalf("Resolve returned error: %v", err)
					}
					if len(res.Unresolved) != 0 {
						t.Fatalf("alias %q should resolve, got unresolved %v", spelling, res.Unresolved)
					}
					if res.Resolved[0] != m.CanonicalName {
						t.Errorf("resolved to %q, want %q", res.Resolved[0], m.CanonicalName)
					}
					if !res.Matches[0].ViaAlias {
						t.Error("match should be flagged as alias")
					}
				})
			}
		}
	}
}

func TestResolveReportsUnresolved(t *testing.T) {
	// Catalog knows T-DM1 only under its canonical key
	s := mustSnapshot(t, []entities.DrugModule{
		{CanonicalName: "T-DM1", Items: []entities.ItemTemplate{item("FATIGUE_SEV")}},
	}, nil)

	res, err := Resolve([]string{"Trastuzumab Emtansine"}, s)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"Trastuzumab Emtansine"}, res.Unresolved); diff != "" {
		t.Errorf("unresolved mismatch (-want +got):\n%s", diff)
	}
	if len(res.Resolved) != 0 {
		t.Errorf("expected nothing resolved, got %v", res.Resolved)
	}
}

func TestResolveKeepsCompositionOrderAndDedupes(t *testing.T) {
	s := mustSnapshot(t, oncologyModules(), nil)

	res, err := Resolve([]string{"Cytoxan", "Unknownib", "Adriamycin", "cyclophosphamide", "Mysterumab"}, s)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	if diff := cmp.Diff([]string{"Cyclophosphamide", "Doxorubicin"}, res.Resolved); diff != "" {
		t.Errorf("resolved mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Unknownib", "Mysterumab"}, res.Unresolved); diff != "" {
		t.Errorf("unresolved mismatch (-want +got):\n%s", diff)
	}
	// Every resolved entry is traceable, duplicates included
	if len(res.Matches) != 3 {
		t.Errorf("expected 3 matches, got %d", len(res.Matches))
	}
}

func TestResolveEmptyComposition(t *testing.T) {
	s := mustSnapshot(t, oncologyModules(), nil)

	res, err := Resolve(nil, s)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Resolved == nil || res.Unresolved == nil {
		t.Error("resolved and unresolved should be empty slices, not nil")
	}
}

func TestResolveAmbiguousAlias(t *testing.T) {
	modules := append(oncologyModules(), entities.DrugModule{
		CanonicalName:    "Liposomal Doxorubicin",
		AlternativeNames: []string{"Adriamycin"},
	})
	s := mustSnapshot(t, modules, nil)

	res, err := Resolve([]string{"Cytoxan", "adriamycin"}, s)
	if err == nil {
		t.Fatal("expected ambiguity error")
	}

	var ambiguous *AmbiguousAliasError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected *AmbiguousAliasError, got %T", err)
	}
	if len(ambiguous.Entries) != 1 || ambiguous.Entries[0].Entry != "adriamycin" {
		t.Fatalf("unexpected ambiguous entries: %+v", ambiguous.Entries)
	}
	if diff := cmp.Diff([]string{"Doxorubicin", "Liposomal Doxorubicin"}, ambiguous.Entries[0].Candidates); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}

	// The partial resolution is still returned for diagnostics
	if res == nil || len(res.Resolved) != 1 || res.Resolved[0] != "Cyclophosphamide" {
		t.Errorf("unexpected partial resolution: %+v", res)
	}
	if len(res.Unresolved) != 0 {
		t.Error("ambiguous entries must not be reported as unresolved")
	}
}
