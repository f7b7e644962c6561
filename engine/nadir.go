package engine

import "github.com/oncotrack/symptom-engine/catalog/entities"

// Annotate computes whether dayInCycle falls in the nadir window. The
// {0,0} window never activates. Items pass through unchanged; regimen
// specific nadir-only items would be appended here.
func Annotate(items []Item, window entities.NadirWindow, dayInCycle int) ([]Item, bool) {
	return items, window.Contains(dayInCycle)
}
