package crashrun

import (
	"debug/elf"
	"sort"
	"strings"
)

// objectSymbols holds the function symbols and loadable segments of one
// mapped ELF object.
type objectSymbols struct {
	loads []elf.ProgHeader
	funcs []elf.Symbol
}

type symbolizer struct {
	maps []Mapping

	// objects caches parsed objects by path; nil entries failed to load
	objects map[string]*objectSymbols
}

func newSymbolizer(maps []Mapping) *symbolizer {
	return &symbolizer{
		maps:    maps,
		objects: make(map[string]*objectSymbols),
	}
}

// Frame describes pc. Return addresses point past their call instruction, so
// callers pass isReturn for every frame but the innermost one and the symbol
// is looked up at pc-1.
func (s *symbolizer) Frame(pc uint64, isReturn bool) Frame {
	frame := Frame{PC: pc}

	m, ok := FindMapping(s.maps, pc)
	if !ok || m.Path == "" {
		return frame
	}
	frame.Object = m.Path
	if strings.HasPrefix(m.Path, "[") {
		// [vdso], [stack] and friends have no file to read
		return frame
	}

	obj := s.object(m.Path)
	if obj == nil {
		return frame
	}

	addr := obj.vaddr(pc - m.Start + m.Offset)
	lookup := addr
	if isReturn && lookup > 0 {
		lookup--
	}
	if sym, ok := obj.lookup(lookup); ok {
		frame.Symbol = sym.Name
		frame.Offset = addr - sym.Value
	}
	return frame
}

func (s *symbolizer) object(path string) *objectSymbols {
	if obj, ok := s.objects[path]; ok {
		return obj
	}
	obj, _ := loadObjectSymbols(path)
	s.objects[path] = obj
	return obj
}

func loadObjectSymbols(path string) (*objectSymbols, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	obj := &objectSymbols{}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			obj.loads = append(obj.loads, prog.ProgHeader)
		}
	}

	// stripped objects have no .symtab; fall back to what the dynamic
	// linker exports
	syms, _ := f.Symbols()
	if dyn, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, dyn...)
	}
	for _, sym := range syms {
		typ := elf.ST_TYPE(sym.Info)
		// elf.SymType(10) is STT_GNU_IFUNC (named constant added in Go 1.22)
		if (typ != elf.STT_FUNC && typ != elf.SymType(10)) || sym.Value == 0 {
			continue
		}
		obj.funcs = append(obj.funcs, sym)
	}
	sort.SliceStable(obj.funcs, func(i, j int) bool {
		return obj.funcs[i].Value < obj.funcs[j].Value
	})
	return obj, nil
}

// vaddr translates a file offset into the object's link-time address space.
func (o *objectSymbols) vaddr(fileOffset uint64) uint64 {
	for _, load := range o.loads {
		if fileOffset >= load.Off && fileOffset < load.Off+load.Filesz {
			return fileOffset - load.Off + load.Vaddr
		}
	}
	return fileOffset
}

func (o *objectSymbols) lookup(addr uint64) (elf.Symbol, bool) {
	i := sort.Search(len(o.funcs), func(i int) bool {
		return o.funcs[i].Value > addr
	})
	if i == 0 {
		return elf.Symbol{}, false
	}
	sym := o.funcs[i-1]
	if sym.Size > 0 && addr >= sym.Value+sym.Size {
		return elf.Symbol{}, false
	}
	return sym, true
}
