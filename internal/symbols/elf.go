package symbols

import (
	"debug/buildinfo"
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// ELFSource reads symbols from an ELF executable on disk and relocates them
// by the bias of the running image.
type ELFSource struct {
	logger zerolog.Logger
	file   *elf.File
	info   ModuleInfo

	dwarfOnce sync.Once
	dwarf     map[string]Symbol
	dwarfErr  error

	dynOnce sync.Once
	dyn     map[string]Symbol
	dynErr  error

	tableOnce sync.Once
	table     []Symbol
	tableErr  error
}

// OpenELF opens the executable at path. loadBase is the runtime address
// of the mapping that holds file offset 0, or 0 to use link-time addresses.
func OpenELF(path string, loadBase uint64, logger zerolog.Logger) (*ELFSource, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}

	lo, hi, firstLoad, ok := loadRange(f)
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%s has no loadable segments", path)
	}

	var bias uint64
	base := lo
	if loadBase != 0 {
		bias = loadBase - firstLoad
		base = lo + bias
	}

	src := &ELFSource{
		logger: logger.With().Str("component", "elf-symbols").Str("binary", path).Logger(),
		file:   f,
		info: ModuleInfo{
			Name: filepath.Base(path),
			Path: path,
			Base: base,
			Size: hi - lo,
			Bias: bias,
		},
	}
	src.logger.Debug().
		Str("base", fmt.Sprintf("%#x", base)).
		Str("bias", fmt.Sprintf("%#x", bias)).
		Msg("Opened executable")
	return src, nil
}

// loadRange returns the span of PT_LOAD segments and the page-aligned
// link address of the segment mapping file offset 0.
func loadRange(f *elf.File) (lo, hi, first uint64, ok bool) {
	const page = 4096
	lo = ^uint64(0)
	first = ^uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		ok = true
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > hi {
			hi = end
		}
		if p.Off == 0 {
			first = p.Vaddr &^ (page - 1)
		}
	}
	if first == ^uint64(0) {
		first = lo &^ (page - 1)
	}
	return lo, hi, first, ok
}

func (s *ELFSource) Module() ModuleInfo { return s.info }

// Close releases the file.
func (s *ELFSource) Close() error {
	return s.file.Close()
}

// GoVersion returns the toolchain version recorded in the binary, such as
// "go1.22.3".
func (s *ELFSource) GoVersion() (string, error) {
	bi, err := buildinfo.ReadFile(s.info.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read build info: %w", err)
	}
	return bi.GoVersion, nil
}

func (s *ELFSource) LookupDebug(name string) (Symbol, bool, error) {
	s.dwarfOnce.Do(s.loadDWARF)
	if s.dwarfErr != nil {
		return Symbol{}, false, s.dwarfErr
	}
	sym, ok := s.dwarf[name]
	return sym, ok, nil
}

func (s *ELFSource) LookupExport(name string) (Symbol, bool, error) {
	s.dynOnce.Do(s.loadDynamic)
	if s.dynErr != nil {
		return Symbol{}, false, s.dynErr
	}
	sym, ok := s.dyn[name]
	return sym, ok, nil
}

func (s *ELFSource) Symbols() ([]Symbol, error) {
	s.tableOnce.Do(s.loadTable)
	return s.table, s.tableErr
}

func (s *ELFSource) newSymbol(name string, addr, size uint64) Symbol {
	return Symbol{
		Name:    name,
		Address: addr + s.info.Bias,
		Size:    size,
		Kind:    ClassifyName(name),
	}
}

func (s *ELFSource) loadDWARF() {
	d, err := s.file.DWARF()
	if err != nil {
		s.logger.Warn().Err(err).Msg("No DWARF debug info found in binary")
		s.dwarfErr = fmt.Errorf("no debug info: %w", err)
		return
	}

	index := make(map[string]Symbol)
	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			s.dwarfErr = fmt.Errorf("failed to read DWARF: %w", err)
			return
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		// Function bodies are not needed.
		r.SkipChildren()

		name, _ := entry.Val(dwarf.AttrName).(string)
		lowPC, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if name == "" || !ok {
			continue
		}
		if _, dup := index[name]; dup {
			continue
		}
		index[name] = s.newSymbol(name, lowPC, highPC(entry, lowPC)-lowPC)
	}

	s.dwarf = index
	s.logger.Debug().Int("functions", len(index)).Msg("Indexed DWARF subprograms")
}

// highPC handles both DWARF forms: an absolute address or an offset from
// the low PC.
func highPC(entry *dwarf.Entry, lowPC uint64) uint64 {
	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return lowPC
	}
	switch field.Class {
	case dwarf.ClassAddress:
		if v, ok := field.Val.(uint64); ok {
			return v
		}
	case dwarf.ClassConstant:
		if v, ok := field.Val.(int64); ok && v >= 0 {
			return lowPC + uint64(v)
		}
	}
	return lowPC
}

func (s *ELFSource) loadDynamic() {
	syms, err := s.file.DynamicSymbols()
	s.dyn = make(map[string]Symbol)
	if err != nil {
		if !errors.Is(err, elf.ErrNoSymbols) {
			s.dynErr = fmt.Errorf("failed to read dynamic symbols: %w", err)
		}
		return
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		if _, dup := s.dyn[sym.Name]; !dup {
			s.dyn[sym.Name] = s.newSymbol(sym.Name, sym.Value, sym.Size)
		}
	}
}

func (s *ELFSource) loadTable() {
	syms, err := s.file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		s.tableErr = fmt.Errorf("failed to read symbol table: %w", err)
		return
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		s.table = append(s.table, s.newSymbol(sym.Name, sym.Value, sym.Size))
	}
	if len(s.table) > 0 {
		return
	}

	// Stripped binary: the Go runtime's own function table survives.
	s.logger.Debug().Msg("Symbol table empty, falling back to pclntab")
	s.table, s.tableErr = s.loadPCLN()
}

func (s *ELFSource) loadPCLN() ([]Symbol, error) {
	pcln := s.file.Section(".gopclntab")
	if pcln == nil {
		pcln = s.file.Section(".data.rel.ro.gopclntab")
	}
	text := s.file.Section(".text")
	if pcln == nil || text == nil {
		return nil, errors.New("binary has neither a symbol table nor a pclntab")
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read pclntab: %w", err)
	}
	table, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pclntab: %w", err)
	}

	out := make([]Symbol, 0, len(table.Funcs))
	for _, fn := range table.Funcs {
		out = append(out, s.newSymbol(fn.Name, fn.Entry, fn.End-fn.Entry))
	}
	return out, nil
}
