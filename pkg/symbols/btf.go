// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"bytes"
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// LoadBTFStructs reads a BTF blob (either a standalone vmlinux BTF file or
// the contents of an ELF ".BTF" section) and returns the struct layouts it
// describes. It is used as an additional, faster struct-offset source for
// the Linux personality: when a guest kernel ships BTF, it is preferred
// over walking DWARF, since modern distro kernels almost always carry BTF
// but rarely ship DWARF at all.
//
// This does not attempt symbol addresses: BTF alone has no notion of where
// a type's instances live in memory, only their layout, so callers still
// need kallsyms or DWARF for addresses.
func LoadBTFStructs(data []byte) (map[string]*Struct, error) {
	spec, err := btf.LoadSpecFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loading BTF: %w", err)
	}

	out := make(map[string]*Struct)
	iter := spec.Iterate()
	for iter.Next() {
		s, ok := iter.Type.(*btf.Struct)
		if !ok || s.Name == "" {
			continue
		}
		out[s.Name] = structFromBTF(s)
	}
	return out, nil
}

func structFromBTF(s *btf.Struct) *Struct {
	out := &Struct{Name: s.Name, Size: uint64(s.Size)}
	for _, m := range s.Members {
		out.Fields = append(out.Fields, StructField{
			Name:   m.Name,
			Offset: uint64(m.Offset.Bytes()),
			Type:   fmt.Sprintf("%v", m.Type),
		})
	}
	return out
}

// MergeStructs adds every struct in structs into b, replacing any
// existing entry with the same name. Used to let a BTF load take priority
// over DWARF results built from the same module.
func MergeStructs(b *ModuleSymbolsBuilder, structs map[string]*Struct) {
	for _, s := range structs {
		b.AddStruct(s)
	}
}
