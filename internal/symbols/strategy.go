package symbols

import (
	"strings"
)

// Strategy is one way of turning a query into a symbol. Find returns
// ok=false when the strategy has no answer; an error means the strategy
// could not run at all.
type Strategy interface {
	Name() string
	Find(src Source, q Query) (sym Symbol, ok bool, err error)
}

// BatchStrategy answers several queries in a single pass over the source.
type BatchStrategy interface {
	Strategy
	FindAll(src Source, qs []Query) ([]Symbol, []bool, error)
}

// DefaultStrategies is the resolution order: debug info, exports, then a
// full enumeration.
func DefaultStrategies() []Strategy {
	return []Strategy{DebugExact{}, ExportExact{}, Enumerate{}}
}

// DebugExact looks the exact name up in the DWARF index.
type DebugExact struct{}

func (DebugExact) Name() string { return "debug" }

func (DebugExact) Find(src Source, q Query) (Symbol, bool, error) {
	if q.Name == "" {
		return Symbol{}, false, nil
	}
	sym, ok, err := src.LookupDebug(q.Name)
	if err != nil || !ok {
		return Symbol{}, false, err
	}
	return sym, kindMatches(q.Kind, sym), nil
}

// ExportExact looks the exact name up in the dynamic symbol table.
type ExportExact struct{}

func (ExportExact) Name() string { return "export" }

func (ExportExact) Find(src Source, q Query) (Symbol, bool, error) {
	if q.Name == "" {
		return Symbol{}, false, nil
	}
	sym, ok, err := src.LookupExport(q.Name)
	if err != nil || !ok {
		return Symbol{}, false, err
	}
	return sym, kindMatches(q.Kind, sym), nil
}

// Enumerate walks every function symbol. An exact name match beats a
// package-suffix match, which beats a substring match; within a tier the
// first symbol in table order wins.
type Enumerate struct{}

func (Enumerate) Name() string { return "enumerate" }

func (e Enumerate) Find(src Source, q Query) (Symbol, bool, error) {
	syms, found, err := e.FindAll(src, []Query{q})
	if err != nil {
		return Symbol{}, false, err
	}
	return syms[0], found[0], nil
}

// match tiers, best first
const (
	tierNone = iota
	tierSubstring
	tierSuffix
	tierExact
)

// FindAll resolves every query against one enumeration. Each query keeps
// its own best candidate, so a method query and a function query sharing
// a substring never shadow each other.
func (Enumerate) FindAll(src Source, qs []Query) ([]Symbol, []bool, error) {
	all, err := src.Symbols()
	if err != nil {
		return nil, nil, err
	}

	best := make([]Symbol, len(qs))
	tiers := make([]int, len(qs))
	for _, sym := range all {
		for i, q := range qs {
			if tiers[i] == tierExact {
				continue
			}
			t := matchTier(q, sym)
			if t > tiers[i] {
				tiers[i] = t
				best[i] = sym
			}
		}
	}

	found := make([]bool, len(qs))
	for i := range qs {
		found[i] = tiers[i] != tierNone
	}
	return best, found, nil
}

func matchTier(q Query, sym Symbol) int {
	if !kindMatches(q.Kind, sym) {
		return tierNone
	}
	switch {
	case q.Name != "" && sym.Name == q.Name:
		return tierExact
	case q.Name != "" && strings.HasSuffix(sym.Name, "."+q.Name):
		return tierSuffix
	case q.Substring != "" && strings.Contains(sym.Name, q.Substring):
		return tierSubstring
	}
	return tierNone
}

func kindMatches(want Kind, sym Symbol) bool {
	if want == KindAny {
		return true
	}
	k := sym.Kind
	if k == KindAny {
		k = ClassifyName(sym.Name)
	}
	return k == want
}
