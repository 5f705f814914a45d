package symbols

import (
	"regexp"
	"strings"
)

// FuncName is a parsed Go qualified function name.
type FuncName struct {
	Package string
	// Receiver is the receiver base type without '*' or parens; empty for
	// functions.
	Receiver string
	Pointer  bool
	Name     string
	Generic  bool
}

var (
	// pkg: up to the last slash, then lazily up to the next dot.
	// receiver: optional, "(*T)." or "T.".
	funcNameRE = regexp.MustCompile(`^((?P<pkg>(.*/)?.*?)\.)?(?P<recv>\(?\*?(?P<typ>[^.()]*?)\)?\.)?(?P<name>[^.]+(\.(func|gowrap)?\d+)*)$`)
	pkgIdx     = funcNameRE.SubexpIndex("pkg")
	recvIdx    = funcNameRE.SubexpIndex("recv")
	typIdx     = funcNameRE.SubexpIndex("typ")
	nameIdx    = funcNameRE.SubexpIndex("name")

	// pkg.fn.func1, pkg.init.0, pkg.fn.gowrap2
	anonRE = regexp.MustCompile(`^(?P<pkg>(.*/)?[^(/]*?)\.(?P<fn>\w+)\.(func|gowrap)?\d+$`)
)

// ParseFuncName splits a Go qualified name such as
// "net/http.(*ServeMux).ServeHTTP" into package, receiver and name.
func ParseFuncName(qualified string) FuncName {
	if strings.ContainsRune(qualified, '[') {
		return FuncName{Name: qualified, Generic: true}
	}

	if m := anonRE.FindStringSubmatch(qualified); m != nil && !strings.Contains(qualified, ").") {
		pkg := m[anonRE.SubexpIndex("pkg")]
		return FuncName{Package: pkg, Name: strings.TrimPrefix(qualified, pkg+".")}
	}

	m := funcNameRE.FindStringSubmatch(qualified)
	if m == nil {
		return FuncName{Name: qualified}
	}
	f := FuncName{
		Package:  m[pkgIdx],
		Receiver: m[typIdx],
		Name:     m[nameIdx],
	}
	if f.Receiver != "" {
		f.Pointer = strings.HasPrefix(m[recvIdx], "(*")
	}
	return f
}

// Qualified reassembles the name in symbol-table form.
func (f FuncName) Qualified() string {
	if f.Generic {
		return f.Name
	}
	var b strings.Builder
	if f.Package != "" {
		b.WriteString(f.Package)
		b.WriteByte('.')
	}
	if f.Receiver != "" {
		if f.Pointer {
			b.WriteString("(*" + f.Receiver + ")")
		} else {
			b.WriteString(f.Receiver)
		}
		b.WriteByte('.')
	}
	b.WriteString(f.Name)
	return b.String()
}

// ClassifyName reports whether a qualified name is a method or a function.
func ClassifyName(qualified string) Kind {
	if ParseFuncName(qualified).Receiver != "" {
		return KindMethod
	}
	return KindFunction
}
