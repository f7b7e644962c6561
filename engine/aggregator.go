package engine

import (
	"strings"

	"github.com/oncotrack/symptom-engine/catalog/entities"
)

// Item is one question of a generated questionnaire.
type Item struct {
	ItemCode  string `json:"itemCode"`
	Attribute string `json:"attribute"`
	DrugOwner string `json:"drugOwner"`
	// AlsoContributedBy lists later drugs that carry the same item code.
	AlsoContributedBy []string `json:"alsoContributedBy,omitempty"`
}

// Contributors returns the owner followed by every other contributing drug.
func (i Item) Contributors() []string {
	return append([]string{i.DrugOwner}, i.AlsoContributedBy...)
}

// Aggregate collects the item templates of all modules in module order and
// collapses repeated item codes onto their first occurrence. Codes are
// authored constants, so matching is exact and case-sensitive.
func Aggregate(modules []entities.DrugModule) []Item {
	items := []Item{}
	index := make(map[string]int)

	for _, m := range modules {
		for _, tmpl := range m.Items {
			owner := tmpl.DrugOwner
			if owner == "" {
				owner = m.CanonicalName
			}

			if pos, exists := index[tmpl.ItemCode]; exists {
				kept := &items[pos]
				if kept.DrugOwner != owner && !contains(kept.AlsoContributedBy, owner) {
					kept.AlsoContributedBy = append(kept.AlsoContributedBy, owner)
				}
				continue
			}

			index[tmpl.ItemCode] = len(items)
			items = append(items, Item{
				ItemCode:  tmpl.ItemCode,
				Attribute: tmpl.Attribute,
				DrugOwner: owner,
			})
		}
	}

	return items
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// symptomSuffixes are the measurement dimensions an item code may end with.
var symptomSuffixes = map[string]bool{
	"FREQ":    true,
	"SEV":     true,
	"INTERF":  true,
	"PRESENT": true,
	"AMOUNT":  true,
}

// SymptomRoot strips a known trailing measurement suffix from an item code:
// NAUSEA_FREQ -> NAUSEA, MOUTH_SORES_SEV -> MOUTH_SORES. Codes without a known
// suffix are their own root. Reporting only; never an identity.
func SymptomRoot(itemCode string) string {
	idx := strings.LastIndex(itemCode, "_")
	if idx <= 0 {
		return itemCode
	}
	if symptomSuffixes[itemCode[idx+1:]] {
		return itemCode[:idx]
	}
	return itemCode
}

// SymptomGroup lists the item codes sharing a symptom root.
type SymptomGroup struct {
	Root      string   `json:"root"`
	ItemCodes []string `json:"itemCodes"`
	Drugs     []string `json:"drugs"`
}

// GroupBySymptomRoot groups items by SymptomRoot, in first-seen root order.
// The input slice is not reordered.
func GroupBySymptomRoot(items []Item) []SymptomGroup {
	groups := []SymptomGroup{}
	index := make(map[string]int)

	for _, item := range items {
		root := SymptomRoot(item.ItemCode)
		pos, exists := index[root]
		if !exists {
			pos = len(groups)
			index[root] = pos
			groups = append(groups, SymptomGroup{Root: root})
		}
		g := &groups[pos]
		g.ItemCodes = append(g.ItemCodes, item.ItemCode)
		for _, drug := range item.Contributors() {
			if !contains(g.Drugs, drug) {
				g.Drugs = append(g.Drugs, drug)
			}
		}
	}

	return groups
}
