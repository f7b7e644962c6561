package engine

import (
	"testing"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/catalog/entities"
)

func item(code string) entities.ItemTemplate {
	return entities.ItemTemplate{ItemCode: code, Attribute: code + " question"}
}

func mustSnapshot(t *testing.T, modules []entities.DrugModule, regimens []entities.Regimen) *catalog.Snapshot {
	t.Helper()
	s, err := catalog.NewSnapshot(modules, regimens)
	if err != nil {
		t.Fatalf("NewSnapshot returned error: %v", err)
	}
	return s
}

func oncologyModules() []entities.DrugModule {
	return []entities.DrugModule{
		{
			CanonicalName:    "T-DM1",
			AlternativeNames: []string{"Trastuzumab Emtansine", "Kadcyla"},
			Items:            []entities.ItemTemplate{item("FATIGUE_SEV"), item("NAUSEA_FREQ")},
		},
		{
			CanonicalName:    "Doxorubicin",
			AlternativeNames: []string{"Adriamycin"},
			Items:            []entities.ItemTemplate{item("NAUSEA_FREQ"), item("NAUSEA_SEV"), item("HAIR_LOSS_PRESENT")},
		},
		{
			CanonicalName:    "Cyclophosphamide",
			AlternativeNames: []string{"Cytoxan"},
			Items:            []entities.ItemTemplate{item("NAUSEA_FREQ"), item("VOMITING_FREQ"), item("HAIR_LOSS_PRESENT")},
		},
		{
			CanonicalName:    "Leucovorin",
			AlternativeNames: []string{"Folinic Acid"},
		},
	}
}
