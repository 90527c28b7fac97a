// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vcpu defines the narrow interface for reading guest vCPU register
// state, modeled on the native backend's HasVcpus trait: a fixed count of
// virtual CPUs, each exposing general-purpose, segment, and control
// registers plus CR3 for page-table translation.
package vcpu

import "github.com/antimetal/vmi/pkg/addr"

// Registers is the x86-64 general-purpose and control register snapshot for
// one vCPU at a point in time.
type Registers struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp, Rsp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip                   uint64
	Rflags                uint64
	Cr0, Cr2, Cr3, Cr4    uint64
	Cr8                   uint64
	FsBase, GsBase        uint64
}

// Reader exposes per-vCPU register state. Implementations report
// vmerr.InvalidId for an out-of-range id and vmerr.UnknownRegister for a
// register name they do not recognize, matching the native backend's
// X86_64Backend error-code convention (0 = ok, >0 = io errno, else =
// out-of-bounds) translated into the Go error taxonomy.
type Reader interface {
	// Count returns the number of vCPUs the backend exposes.
	Count() int

	// Registers returns the full register snapshot for vcpu id.
	Registers(id int) (Registers, error)

	// NamedRegister returns the value of an architecture register by name
	// (e.g. "rip", "cr3", "fs_base"), for registers outside the common
	// snapshot such as descriptor table bases.
	NamedRegister(id int, name string) (uint64, error)
}

// Cr3 returns vCPU id's CR3 value as a guest physical address: the base of
// its top-level (PML4) page table.
func Cr3(r Reader, id int) (addr.GuestPhysAddr, error) {
	regs, err := r.Registers(id)
	if err != nil {
		return 0, err
	}
	return addr.GuestPhysAddr(regs.Cr3 &^ 0xfff), nil
}

// InstructionPointer returns vCPU id's current RIP as a guest virtual
// address.
func InstructionPointer(r Reader, id int) (addr.GuestVirtAddr, error) {
	regs, err := r.Registers(id)
	if err != nil {
		return 0, err
	}
	return addr.GuestVirtAddr(regs.Rip), nil
}

// StackPointer returns vCPU id's current RSP as a guest virtual address.
func StackPointer(r Reader, id int) (addr.GuestVirtAddr, error) {
	regs, err := r.Registers(id)
	if err != nil {
		return 0, err
	}
	return addr.GuestVirtAddr(regs.Rsp), nil
}
