package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oncotrack/symptom-engine/catalog/entities"
)

func TestAggregateDeduplicatesSharedItems(t *testing.T) {
	modules := []entities.DrugModule{
		{CanonicalName: "Doxorubicin", Items: []entities.ItemTemplate{item("NAUSEA_FREQ"), item("HAIR_LOSS_PRESENT")}},
		{CanonicalName: "Cyclophosphamide", Items: []entities.ItemTemplate{item("VOMITING_FREQ"), item("NAUSEA_FREQ")}},
	}

	items := Aggregate(modules)

	count := 0
	for _, it := range items {
		if it.ItemCode == "NAUSEA_FREQ" {
			count++
			if it.DrugOwner != "Doxorubicin" {
				t.Errorf("first occurrence should own the item, got %q", it.DrugOwner)
			}
			if diff := cmp.Diff([]string{"Cyclophosphamide"}, it.AlsoContributedBy); diff != "" {
				t.Errorf("contributors mismatch (-want +got):\n%s", diff)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one NAUSEA_FREQ, got %d", count)
	}

	want := []string{"NAUSEA_FREQ", "HAIR_LOSS_PRESENT", "VOMITING_FREQ"}
	var got []string
	for _, it := range items {
		got = append(got, it.ItemCode)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateIsCaseSensitive(t *testing.T) {
	modules := []entities.DrugModule{
		{CanonicalName: "A", Items: []entities.ItemTemplate{item("NAUSEA_FREQ")}},
		{CanonicalName: "B", Items: []entities.ItemTemplate{item("nausea_freq")}},
	}

	if items := Aggregate(modules); len(items) != 2 {
		t.Errorf("item codes differing in case are distinct, got %d items", len(items))
	}
}

func TestAggregateFirstOccurrenceKeepsAttribute(t *testing.T) {
	modules := []entities.DrugModule{
		{CanonicalName: "A", Items: []entities.ItemTemplate{{ItemCode: "RASH_PRESENT", Attribute: "first"}}},
		{CanonicalName: "B", Items: []entities.ItemTemplate{{ItemCode: "RASH_PRESENT", Attribute: "second"}}},
		{CanonicalName: "C", Items: []entities.ItemTemplate{{ItemCode: "RASH_PRESENT", Attribute: "third"}}},
	}

	items := Aggregate(modules)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Attribute != "first" {
		t.Errorf("attribute = %q, want first", items[0].Attribute)
	}
	if diff := cmp.Diff([]string{"A", "B", "C"}, items[0].Contributors()); diff != "" {
		t.Errorf("contributors mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateEmpty(t *testing.T) {
	items := Aggregate(nil)
	if items == nil || len(items) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", items)
	}
}

func TestSymptomRoot(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"NAUSEA_FREQ", "NAUSEA"},
		{"NAUSEA_SEV", "NAUSEA"},
		{"FATIGUE_INTERF", "FATIGUE"},
		{"RASH_PRESENT", "RASH"},
		{"VOMITING_AMOUNT", "VOMITING"},
		{"MOUTH_SORES_SEV", "MOUTH_SORES"},
		{"SHORTNESS_OF_BREATH_SEV", "SHORTNESS_OF_BREATH"},
		{"MOUTH_SORES", "MOUTH_SORES"},
		{"WEIGHT", "WEIGHT"},
		{"NAUSEA_freq", "NAUSEA_freq"},
		{"_SEV", "_SEV"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := SymptomRoot(tt.code); got != tt.want {
				t.Errorf("SymptomRoot(%q) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestGroupBySymptomRootDoesNotReorder(t *testing.T) {
	items := []Item{
		{ItemCode: "NAUSEA_FREQ", DrugOwner: "A"},
		{ItemCode: "FATIGUE_SEV", DrugOwner: "A"},
		{ItemCode: "NAUSEA_SEV", DrugOwner: "B", AlsoContributedBy: []string{"C"}},
	}
	before := append([]Item(nil), items...)

	groups := GroupBySymptomRoot(items)

	want := []SymptomGroup{
		{Root: "NAUSEA", ItemCodes: []string{"NAUSEA_FREQ", "NAUSEA_SEV"}, Drugs: []string{"A", "B", "C"}},
		{Root: "FATIGUE", ItemCodes: []string{"FATIGUE_SEV"}, Drugs: []string{"A"}},
	}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, items); diff != "" {
		t.Errorf("grouping changed the item sequence (-want +got):\n%s", diff)
	}
}
