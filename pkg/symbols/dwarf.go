// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"fmt"

	"github.com/antimetal/vmi/pkg/addr"
)

// LoadELF builds a ModuleSymbols from an ELF image: its regular symbol
// table for addresses, and its DWARF debug info (when present) for struct
// layouts, overridden by the layouts in its .BTF section when it has one.
// This is the standard-library equivalent of what golang.org/x/debug's
// internal/core package does when reading a core dump's executable - no
// third-party ELF/DWARF library exists in the retrieval pack, and none is
// needed, since debug/elf and debug/dwarf already cover this exactly.
func LoadELF(data []byte) (*ModuleSymbols, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	b := NewBuilder()

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name == "" || s.Value == 0 {
				continue
			}
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC && elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
				continue
			}
			b.AddSymbol(s.Name, addr.GuestVirtAddr(s.Value))
		}
	}
	// Dynamic symbol tables matter for shared objects loaded into a process's
	// address space: regular .symtab is usually stripped from those.
	if syms, err := f.DynamicSymbols(); err == nil {
		for _, s := range syms {
			if s.Name == "" || s.Value == 0 {
				continue
			}
			b.AddSymbol(s.Name, addr.GuestVirtAddr(s.Value))
		}
	}

	if dw, err := f.DWARF(); err == nil {
		loadDwarfStructs(dw, b)
	}
	if sec := f.Section(".BTF"); sec != nil {
		if raw, err := sec.Data(); err == nil {
			if structs, err := LoadBTFStructs(raw); err == nil {
				MergeStructs(b, structs)
			}
		}
	}

	return b.Build(), nil
}

func loadDwarfStructs(dw *dwarf.Data, b *ModuleSymbolsBuilder) {
	reader := dw.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return
		}
		if entry.Tag != dwarf.TagStructType {
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if name == "" {
			continue
		}
		size, _ := entry.Val(dwarf.AttrByteSize).(int64)
		s := &Struct{Name: name, Size: uint64(size)}

		for {
			child, err := reader.Next()
			if err != nil || child == nil {
				break
			}
			if child.Tag == 0 {
				// end of children
				break
			}
			if child.Tag != dwarf.TagMember {
				reader.SkipChildren()
				continue
			}
			fieldName, _ := child.Val(dwarf.AttrName).(string)
			offset, _ := child.Val(dwarf.AttrDataMemberLoc).(int64)
			s.Fields = append(s.Fields, StructField{
				Name:   fieldName,
				Offset: uint64(offset),
			})
		}

		b.AddStruct(s)
	}
}
