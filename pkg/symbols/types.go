// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symbols implements the per-module symbol and type database: a
// dual sorted index (by address, by name) over a single pooled string
// arena, built from whichever debug format a module carries (DWARF, PDB, or
// a plain kallsyms-style text dump), plus a concurrent, load-once indexer
// keyed by module name.
package symbols

import (
	"sort"

	"github.com/antimetal/vmi/pkg/addr"
)

// Symbol is one named address in a module.
type Symbol struct {
	Name string
	Addr addr.GuestVirtAddr
}

// StructField describes one member of a Struct.
type StructField struct {
	Name   string
	Offset uint64
	// Size is 0 when unknown; callers fall back to FindOffsetAndSize's
	// next-field heuristic in that case.
	Size uint64
	Type string
}

// Struct is a named aggregate type with field layout information, as
// recovered from DWARF, PDB, or BTF.
type Struct struct {
	Name   string
	Size   uint64
	Fields []StructField
}

// FindOffset returns the byte offset of field within the struct.
func (s *Struct) FindOffset(field string) (uint64, bool) {
	for _, f := range s.Fields {
		if f.Name == field {
			return f.Offset, true
		}
	}
	return 0, false
}

// FindOffsetAndSize returns a field's offset and size. When the field's own
// size wasn't recorded by the debug format, the size is derived the way
// the original symbol database does it: the gap to the next field's offset
// in declaration order, or to the struct's own size for the last field.
func (s *Struct) FindOffsetAndSize(field string) (offset, size uint64, ok bool) {
	for i, f := range s.Fields {
		if f.Name != field {
			continue
		}
		if f.Size != 0 {
			return f.Offset, f.Size, true
		}
		if i+1 < len(s.Fields) {
			return f.Offset, s.Fields[i+1].Offset - f.Offset, true
		}
		return f.Offset, s.Size - f.Offset, true
	}
	return 0, 0, false
}

// ModuleSymbols is the built, queryable symbol and type database for one
// module (kernel image or a userspace shared object/executable). It is
// immutable once built: all mutation happens through ModuleSymbolsBuilder.
type ModuleSymbols struct {
	// arena backs every Symbol.Name and StructField.Name/Type string: each
	// is a re-slice of this one buffer rather than its own allocation.
	arena string

	byAddr []Symbol // sorted ascending by Addr
	byName []int    // indices into byAddr, sorted by Name

	structs map[string]*Struct
}

// GetSymbol returns the exact symbol at address, if one exists.
func (m *ModuleSymbols) GetSymbol(at addr.GuestVirtAddr) (Symbol, bool) {
	i := sort.Search(len(m.byAddr), func(i int) bool { return m.byAddr[i].Addr >= at })
	if i < len(m.byAddr) && m.byAddr[i].Addr == at {
		return m.byAddr[i], true
	}
	return Symbol{}, false
}

// GetSymbolInexact returns the nearest symbol at or below address, along
// with the byte offset from that symbol's start — e.g. for resolving a
// return address inside a function body to "func_name+0x42". It mirrors
// vminer-core's get_symbol_inexact: binary search for the first entry
// strictly greater than the address, then step back one.
func (m *ModuleSymbols) GetSymbolInexact(at addr.GuestVirtAddr) (Symbol, uint64, bool) {
	i := sort.Search(len(m.byAddr), func(i int) bool { return m.byAddr[i].Addr > at })
	if i == 0 {
		return Symbol{}, 0, false
	}
	sym := m.byAddr[i-1]
	return sym, uint64(at.Sub(sym.Addr)), true
}

// GetAddress returns the address of the symbol named name, if present.
func (m *ModuleSymbols) GetAddress(name string) (addr.GuestVirtAddr, bool) {
	i := sort.Search(len(m.byName), func(i int) bool {
		return m.byAddr[m.byName[i]].Name >= name
	})
	if i < len(m.byName) && m.byAddr[m.byName[i]].Name == name {
		return m.byAddr[m.byName[i]].Addr, true
	}
	return 0, false
}

// RequireAddress is GetAddress but returns a MissingSymbol-flavored error,
// for callers building a fixed offsets table at startup where a missing
// symbol is fatal.
func (m *ModuleSymbols) RequireAddress(name string) (addr.GuestVirtAddr, error) {
	a, ok := m.GetAddress(name)
	if !ok {
		return 0, missingSymbol(name)
	}
	return a, nil
}

// IterSymbols calls visit for every symbol in ascending address order,
// stopping at the first error visit returns.
func (m *ModuleSymbols) IterSymbols(visit func(Symbol) error) error {
	for _, s := range m.byAddr {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}

// GetStruct returns the named struct's layout, if known.
func (m *ModuleSymbols) GetStruct(name string) (*Struct, bool) {
	s, ok := m.structs[name]
	return s, ok
}

// RequireStruct is GetStruct but returns a MissingModule-flavored error.
func (m *ModuleSymbols) RequireStruct(name string) (*Struct, error) {
	s, ok := m.GetStruct(name)
	if !ok {
		return nil, missingStruct(name)
	}
	return s, nil
}

// ModuleSymbolsBuilder accumulates symbols and struct layouts into a single
// pooled arena before producing an immutable ModuleSymbols. Source-format
// parsers (DWARF, PDB, kallsyms text) only ever see this type, never
// ModuleSymbols directly.
type ModuleSymbolsBuilder struct {
	symbols []Symbol
	structs map[string]*Struct
}

func NewBuilder() *ModuleSymbolsBuilder {
	return &ModuleSymbolsBuilder{structs: make(map[string]*Struct)}
}

// AddSymbol records one named address. Duplicate names at different
// addresses are both kept; callers resolving by name get whichever sorts
// first, matching the original's tolerance for duplicate weak symbols.
func (b *ModuleSymbolsBuilder) AddSymbol(name string, at addr.GuestVirtAddr) {
	b.symbols = append(b.symbols, Symbol{Name: name, Addr: at})
}

// AddStruct records a struct's layout, overwriting any previous definition
// under the same name (later parsers, e.g. BTF over DWARF, take priority).
func (b *ModuleSymbolsBuilder) AddStruct(s *Struct) {
	b.structs[s.Name] = s
}

// Build sorts the accumulated symbols by address and by name and produces
// the immutable, queryable ModuleSymbols.
func (b *ModuleSymbolsBuilder) Build() *ModuleSymbols {
	byAddr := make([]Symbol, len(b.symbols))
	copy(byAddr, b.symbols)
	sort.Slice(byAddr, func(i, j int) bool { return byAddr[i].Addr < byAddr[j].Addr })

	byName := make([]int, len(byAddr))
	for i := range byName {
		byName[i] = i
	}
	sort.Slice(byName, func(i, j int) bool {
		return byAddr[byName[i]].Name < byAddr[byName[j]].Name
	})

	// Pool every symbol and struct field name into one backing buffer: copy
	// each name in once, then re-slice the single final string so every
	// Name/Type field below shares that one allocation instead of each
	// parser's own scattered string header.
	var buf []byte
	type nameRef struct {
		start, length int
	}
	var symRefs []nameRef
	for i := range byAddr {
		symRefs = append(symRefs, nameRef{len(buf), len(byAddr[i].Name)})
		buf = append(buf, byAddr[i].Name...)
	}
	type fieldRef struct {
		s    *Struct
		i    int // -1 means the struct's own Name, else an index into s.Fields
		part int // 0 = Name, 1 = Type (only used when i >= 0)
		ref  nameRef
	}
	var fieldRefs []fieldRef
	for _, s := range b.structs {
		fieldRefs = append(fieldRefs, fieldRef{s: s, i: -1, ref: nameRef{len(buf), len(s.Name)}})
		buf = append(buf, s.Name...)
		for i, f := range s.Fields {
			fieldRefs = append(fieldRefs, fieldRef{s: s, i: i, part: 0, ref: nameRef{len(buf), len(f.Name)}})
			buf = append(buf, f.Name...)
			fieldRefs = append(fieldRefs, fieldRef{s: s, i: i, part: 1, ref: nameRef{len(buf), len(f.Type)}})
			buf = append(buf, f.Type...)
		}
	}

	arena := string(buf)
	for i, r := range symRefs {
		byAddr[i].Name = arena[r.start : r.start+r.length]
	}
	for _, fr := range fieldRefs {
		switch {
		case fr.i < 0:
			fr.s.Name = arena[fr.ref.start : fr.ref.start+fr.ref.length]
		case fr.part == 0:
			fr.s.Fields[fr.i].Name = arena[fr.ref.start : fr.ref.start+fr.ref.length]
		default:
			fr.s.Fields[fr.i].Type = arena[fr.ref.start : fr.ref.start+fr.ref.length]
		}
	}

	return &ModuleSymbols{
		arena:   arena,
		byAddr:  byAddr,
		byName:  byName,
		structs: b.structs,
	}
}
