// Package catalog loads drug modules and regimens and freezes them into an
// immutable Snapshot with a normalized name/alias index. Every generation
// request receives a Snapshot explicitly; nothing in this package is global.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/oncotrack/symptom-engine/catalog/entities"
	"github.com/twmb/murmur3"
)

// Snapshot is a read-only view of the drug module and regimen catalogs.
// It is safe for concurrent use once built.
type Snapshot struct {
	modules  []entities.DrugModule
	regimens []entities.Regimen

	canonicalIndex map[string]int   // normalized canonical name -> module index
	aliasIndex     map[string][]int // normalized alias -> module indexes, in catalog order
	regimenIndex   map[string]int   // regimen code -> regimen index

	version  string
	loadedAt time.Time
}

// NewSnapshot copies modules and regimens and builds the lookup index.
// Duplicate canonical names (after normalization), empty canonical names and
// duplicate regimen codes are rejected: they are unique keys. Alias overlaps
// are kept and surface as ambiguity at resolution time.
func NewSnapshot(modules []entities.DrugModule, regimens []entities.Regimen) (*Snapshot, error) {
	s := &Snapshot{
		modules:        make([]entities.DrugModule, len(modules)),
		regimens:       make([]entities.Regimen, len(regimens)),
		canonicalIndex: make(map[string]int, len(modules)),
		aliasIndex:     make(map[string][]int),
		regimenIndex:   make(map[string]int, len(regimens)),
		loadedAt:       time.Now(),
	}

	for i, m := range modules {
		key := NormalizeName(m.CanonicalName)
		if key == "" {
			return nil, fmt.Errorf("drug module #%d has an empty canonical name", i)
		}
		if prev, exists := s.canonicalIndex[key]; exists {
			return nil, fmt.Errorf("duplicate canonical name %q (modules #%d and #%d)", m.CanonicalName, prev, i)
		}
		s.canonicalIndex[key] = i
		s.modules[i] = copyModule(m)
	}

	for i, m := range s.modules {
		seen := make(map[string]bool, len(m.AlternativeNames))
		for _, alias := range m.AlternativeNames {
			key := NormalizeName(alias)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			s.aliasIndex[key] = append(s.aliasIndex[key], i)
		}
	}

	for i, r := range regimens {
		if r.RegimenCode == "" {
			return nil, fmt.Errorf("regimen #%d has an empty regimen code", i)
		}
		if prev, exists := s.regimenIndex[r.RegimenCode]; exists {
			return nil, fmt.Errorf("duplicate regimen code %q (regimens #%d and #%d)", r.RegimenCode, prev, i)
		}
		s.regimenIndex[r.RegimenCode] = i
		r.DrugComposition = append([]string(nil), r.DrugComposition...)
		s.regimens[i] = r
	}

	s.version = computeVersion(s.modules, s.regimens)
	return s, nil
}

func copyModule(m entities.DrugModule) entities.DrugModule {
	out := entities.DrugModule{
		CanonicalName:    m.CanonicalName,
		AlternativeNames: append([]string(nil), m.AlternativeNames...),
		Items:            make([]entities.ItemTemplate, len(m.Items)),
	}
	for i, item := range m.Items {
		// Ownership always follows the module that carries the template
		item.DrugOwner = m.CanonicalName
		out.Items[i] = item
	}
	return out
}

// computeVersion hashes the catalog content so clients can detect reloads.
func computeVersion(modules []entities.DrugModule, regimens []entities.Regimen) string {
	hash := murmur3.New64()
	for _, payload := range []any{modules, regimens} {
		b, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		_, _ = hash.Write(b)
	}
	return strconv.FormatUint(hash.Sum64(), 16)
}

// Match is the outcome of looking a name up in the index.
type Match struct {
	// Module is set when exactly one module matched.
	Module *entities.DrugModule
	// Candidates lists every canonical name the key matched through aliases
	// when more than one module claims it.
	Candidates []string
	// ViaAlias is true when the match came from an alternative name.
	ViaAlias bool
}

// Lookup matches name against canonical names first, then aliases.
// A canonical hit wins outright. An alias claimed by several modules yields
// a Match with Module nil and the competing Candidates.
func (s *Snapshot) Lookup(name string) Match {
	key := NormalizeName(name)
	if key == "" {
		return Match{}
	}
	if idx, ok := s.canonicalIndex[key]; ok {
		return Match{Module: &s.modules[idx]}
	}

	idxs := s.aliasIndex[key]
	switch len(idxs) {
	case 0:
		return Match{}
	case 1:
		return Match{Module: &s.modules[idxs[0]], ViaAlias: true}
	}

	candidates := make([]string, len(idxs))
	for i, idx := range idxs {
		candidates[i] = s.modules[idx].CanonicalName
	}
	return Match{Candidates: candidates, ViaAlias: true}
}

// FindByNameOrAlias returns the module a name unambiguously resolves to.
func (s *Snapshot) FindByNameOrAlias(name string) (*entities.DrugModule, bool) {
	m := s.Lookup(name)
	return m.Module, m.Module != nil
}

// FindByCode returns the regimen with the given code.
func (s *Snapshot) FindByCode(code string) (*entities.Regimen, bool) {
	idx, ok := s.regimenIndex[code]
	if !ok {
		return nil, false
	}
	return &s.regimens[idx], true
}

// Modules returns the drug modules in catalog order. Callers must not mutate them.
// Modules, Regimens and Version are safe on a nil Snapshot.
func (s *Snapshot) Modules() []entities.DrugModule {
	if s == nil {
		return nil
	}
	return s.modules
}

// Regimens returns the regimens in catalog order. Callers must not mutate them.
func (s *Snapshot) Regimens() []entities.Regimen {
	if s == nil {
		return nil
	}
	return s.regimens
}

// RegimenCodes returns every regimen code, sorted.
func (s *Snapshot) RegimenCodes() []string {
	codes := make([]string, 0, len(s.regimenIndex))
	for code := range s.regimenIndex {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Version is a content hash of the catalog.
func (s *Snapshot) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

// LoadedAt is the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Empty reports whether the snapshot holds no drug modules or no regimens.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.modules) == 0 || len(s.regimens) == 0
}
