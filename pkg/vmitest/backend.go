// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmitest is a reference backend.Backend built from a flat byte
// slice and a table of register snapshots. It exists for tests and for
// cmd/vmi-inspect's --dump flag; it is deliberately not a production
// backend, since hypervisor attach and real dump-file formats are out of
// scope for this module.
package vmitest

import (
	"fmt"
	"reflect"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/vcpu"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// Backend is an in-memory guest: RAM is one contiguous byte slice mapped
// starting at physical address 0, and each vCPU has a fixed register
// snapshot set by SetRegisters.
type Backend struct {
	ram  []byte
	regs []vcpu.Registers
}

// New creates a Backend with ramSize bytes of zeroed RAM and nCPUs vCPUs,
// all with zeroed registers.
func New(ramSize int, nCPUs int) *Backend {
	return &Backend{
		ram:  make([]byte, ramSize),
		regs: make([]vcpu.Registers, nCPUs),
	}
}

var _ memory.Reader = (*Backend)(nil)
var _ vcpu.Reader = (*Backend)(nil)

// ReadPhysicalMemory implements memory.Reader.
func (b *Backend) ReadPhysicalMemory(start addr.GuestPhysAddr, buf []byte) error {
	if uint64(start)+uint64(len(buf)) > uint64(len(b.ram)) {
		return vmerr.NewMemoryAccessError(vmerr.OutOfBounds, fmt.Errorf("read of %d bytes at %s exceeds %d-byte RAM", len(buf), start, len(b.ram)))
	}
	copy(buf, b.ram[start:])
	return nil
}

// Mappings implements memory.Reader. The reference backend has exactly one
// mapping covering all of RAM.
func (b *Backend) Mappings() []memory.Mapping {
	return []memory.Mapping{{Start: 0, Size: uint64(len(b.ram))}}
}

// WritePhysical writes data into RAM at start, for building test fixtures
// (page tables, task lists, PE images) before a walk reads them back.
func (b *Backend) WritePhysical(start addr.GuestPhysAddr, data []byte) {
	copy(b.ram[start:], data)
}

// RAM exposes the backing slice directly for fixture code that wants to
// build structures with encoding/binary rather than WritePhysical calls.
func (b *Backend) RAM() []byte { return b.ram }

// Count implements vcpu.Reader.
func (b *Backend) Count() int { return len(b.regs) }

// Registers implements vcpu.Reader.
func (b *Backend) Registers(id int) (vcpu.Registers, error) {
	if id < 0 || id >= len(b.regs) {
		return vcpu.Registers{}, vmerr.NewVcpuError(vmerr.InvalidId, fmt.Sprintf("%d", id))
	}
	return b.regs[id], nil
}

// SetRegisters replaces vCPU id's register snapshot.
func (b *Backend) SetRegisters(id int, regs vcpu.Registers) {
	b.regs[id] = regs
}

// NamedRegister implements vcpu.Reader by reflecting over Registers' fields
// using the architecture register name capitalized (rip -> Rip, fs_base ->
// FsBase).
func (b *Backend) NamedRegister(id int, name string) (uint64, error) {
	regs, err := b.Registers(id)
	if err != nil {
		return 0, err
	}
	field := reflect.ValueOf(regs).FieldByName(registerFieldName(name))
	if !field.IsValid() {
		return 0, vmerr.NewVcpuError(vmerr.UnknownRegister, name)
	}
	return field.Uint(), nil
}

// registerFieldName converts a lower_snake_case architecture register name
// into the Registers struct's exported field name.
func registerFieldName(name string) string {
	out := make([]byte, 0, len(name))
	upperNext := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upperNext = true
			continue
		}
		if upperNext && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upperNext = false
		out = append(out, c)
	}
	return string(out)
}
