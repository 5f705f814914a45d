// Package symbols resolves function names in a target image to addresses.
//
// Resolution is an ordered list of strategies composed with short-circuit
// evaluation: exact lookup in the debug info, exact lookup in the exported
// symbols, then a full enumeration that prefers exact over substring matches.
package symbols

import (
	"errors"
	"fmt"
	"strings"
)

// ModuleInfo is an immutable snapshot of a loaded executable image.
type ModuleInfo struct {
	Name string
	Path string
	Base uint64
	Size uint64
	// Bias is added to link-time addresses to get runtime addresses.
	Bias uint64
}

// Contains reports whether addr falls inside the image.
func (m ModuleInfo) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// Kind separates methods from free functions.
type Kind int

const (
	KindAny Kind = iota
	KindFunction
	KindMethod
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindMethod:
		return "method"
	default:
		return "any"
	}
}

// ParseKind accepts "function", "method" or "" (any).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return KindAny, nil
	case "function", "func":
		return KindFunction, nil
	case "method":
		return KindMethod, nil
	}
	return KindAny, fmt.Errorf("unknown symbol kind %q", s)
}

// Symbol is one resolved entry. Address is a runtime address.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
	Kind    Kind
	// Strategy names the strategy that produced the symbol.
	Strategy string
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s@%#x", s.Name, s.Address)
}

// Query describes what to look for. Name is an exact qualified name and
// Substring a looser pattern used only by enumeration; either may be empty.
type Query struct {
	Name      string
	Substring string
	Kind      Kind
}

func (q Query) String() string {
	switch {
	case q.Name != "" && q.Substring != "":
		return fmt.Sprintf("%s (~%s, %s)", q.Name, q.Substring, q.Kind)
	case q.Name != "":
		return q.Name
	default:
		return "~" + q.Substring
	}
}

// ErrNotFound is matched by every *NotFoundError.
var ErrNotFound = errors.New("symbol not found")

// NotFoundError is the typed "no candidate" result. It is not fatal; the
// caller moves on to its next fallback.
type NotFoundError struct {
	Query Query
	Tried []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("symbol %s not found (tried %s)", e.Query, strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Source is a symbol-bearing image.
type Source interface {
	Module() ModuleInfo
	// LookupDebug finds name in the debug information.
	LookupDebug(name string) (Symbol, bool, error)
	// LookupExport finds name in the exported symbol table.
	LookupExport(name string) (Symbol, bool, error)
	// Symbols enumerates every function symbol in table order.
	Symbols() ([]Symbol, error)
}
