package symbols

// StaticSource is an in-memory Source. Offline commands and tests use it.
type StaticSource struct {
	Info    ModuleInfo
	Debug   []Symbol
	Exports []Symbol
	// Table is returned by Symbols in order.
	Table []Symbol
}

func (s *StaticSource) Module() ModuleInfo { return s.Info }

func (s *StaticSource) LookupDebug(name string) (Symbol, bool, error) {
	return findByName(s.Debug, name)
}

func (s *StaticSource) LookupExport(name string) (Symbol, bool, error) {
	return findByName(s.Exports, name)
}

func (s *StaticSource) Symbols() ([]Symbol, error) {
	return s.Table, nil
}

func findByName(syms []Symbol, name string) (Symbol, bool, error) {
	for _, sym := range syms {
		if sym.Name == name {
			if sym.Kind == KindAny {
				sym.Kind = ClassifyName(sym.Name)
			}
			return sym, true, nil
		}
	}
	return Symbol{}, false, nil
}
