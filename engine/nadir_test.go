package engine

import (
	"testing"

	"github.com/oncotrack/symptom-engine/catalog/entities"
)

func TestAnnotateSentinelWindowNeverActive(t *testing.T) {
	window := entities.NadirWindow{Start: 0, End: 0}
	for day := -1; day <= 60; day++ {
		if _, active := Annotate(nil, window, day); active {
			t.Fatalf("day %d: {0,0} window must never be active", day)
		}
	}
}

func TestAnnotateInclusiveWindow(t *testing.T) {
	window := entities.NadirWindow{Start: 7, End: 14}
	for day := 1; day <= 21; day++ {
		_, active := Annotate(nil, window, day)
		want := day >= 7 && day <= 14
		if active != want {
			t.Errorf("day %d: nadirActive = %v, want %v", day, active, want)
		}
	}
}

func TestAnnotateSingleDayWindow(t *testing.T) {
	window := entities.NadirWindow{Start: 8, End: 8}
	tests := []struct {
		day  int
		want bool
	}{{7, false}, {8, true}, {9, false}}

	for _, tt := range tests {
		if _, active := Annotate(nil, window, tt.day); active != tt.want {
			t.Errorf("day %d: nadirActive = %v, want %v", tt.day, active, tt.want)
		}
	}
}

func TestAnnotateLeavesItemsUntouched(t *testing.T) {
	items := []Item{{ItemCode: "FATIGUE_SEV"}, {ItemCode: "NAUSEA_FREQ"}}

	out, active := Annotate(items, entities.NadirWindow{Start: 1, End: 21}, 10)
	if !active {
		t.Error("expected nadir to be active")
	}
	if len(out) != 2 || out[0].ItemCode != "FATIGUE_SEV" || out[1].ItemCode != "NAUSEA_FREQ" {
		t.Errorf("items changed: %+v", out)
	}
}
