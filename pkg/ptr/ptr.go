// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ptr provides a typed pointer into guest memory: a guest virtual
// address tagged with both the Go type it addresses and the address-space
// context (kernel, or a specific process) needed to dereference it. This
// is the Go generics analogue of the original's Pointer<'a, T, Os, Ctx>,
// whose type parameters play the same role PhantomData does there.
package ptr

import (
	"encoding/binary"
	"fmt"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/pagetable"
	"github.com/antimetal/vmi/pkg/symbols"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// Context resolves a typed pointer's virtual address into guest physical
// memory reads, choosing the translation root appropriate for the
// pointer's address space.
type Context interface {
	ReadAt(va addr.GuestVirtAddr, buf []byte) error
}

// KernelSpace resolves every address through the kernel's page tables. Used
// for pointers into kernel data structures: task_struct lists, the kernel
// symbol table's backing structs, and so on.
type KernelSpace struct {
	Mem memory.Reader
	Pgd addr.GuestPhysAddr
}

func (k KernelSpace) ReadAt(va addr.GuestVirtAddr, buf []byte) error {
	if err := pagetable.ReadVirtualMemory(k.Mem, k.Pgd, va, buf); err != nil {
		return vmerr.WrapMemory(err)
	}
	return nil
}

// ProcSpace resolves addresses through a specific process's page tables,
// except for kernel addresses (bit 47 set), which still go through the
// kernel's page tables - mirroring how every process's page tables share
// the kernel's upper half on x86-64.
type ProcSpace struct {
	Mem       memory.Reader
	ProcPgd   addr.GuestPhysAddr
	KernelPgd addr.GuestPhysAddr
}

func (p ProcSpace) ReadAt(va addr.GuestVirtAddr, buf []byte) error {
	pgd := p.ProcPgd
	if va.IsKernel() {
		pgd = p.KernelPgd
	}
	if err := pagetable.ReadVirtualMemory(p.Mem, pgd, va, buf); err != nil {
		return vmerr.WrapMemory(err)
	}
	return nil
}

// Pointer is a guest virtual address known to address a value of type T,
// dereferenced through Ctx.
type Pointer[T any] struct {
	Addr addr.GuestVirtAddr
	Ctx  Context
}

// New constructs a typed pointer.
func New[T any](at addr.GuestVirtAddr, ctx Context) Pointer[T] {
	return Pointer[T]{Addr: at, Ctx: ctx}
}

// IsNull reports whether the pointer's address is the null address.
func (p Pointer[T]) IsNull() bool {
	return p.Addr == 0
}

// SwitchContext rebinds the pointer to a different address-space context
// without changing its address, e.g. moving a pointer obtained while
// walking one process's memory into another's context for a shared kernel
// structure.
func (p Pointer[T]) SwitchContext(ctx Context) Pointer[T] {
	return Pointer[T]{Addr: p.Addr, Ctx: ctx}
}

// Cast reinterprets a pointer as addressing a different type at the same
// address and in the same context. Go doesn't allow adding type parameters
// to a method, so this is a free function, the same shape as the
// original's monomorphize/cast pair.
func Cast[T, U any](p Pointer[T]) Pointer[U] {
	return Pointer[U]{Addr: p.Addr, Ctx: p.Ctx}
}

// Field returns a pointer to the named field of the struct T addresses,
// using layout to resolve the field's offset.
func Field[T, F any](p Pointer[T], layout *symbols.Struct, field string) (Pointer[F], error) {
	off, ok := layout.FindOffset(field)
	if !ok {
		return Pointer[F]{}, vmerr.MissingFieldError(field, layout.Name)
	}
	return Pointer[F]{Addr: p.Addr.Add(int64(off)), Ctx: p.Ctx}, nil
}

// ReadUint64 dereferences a Pointer[uint64].
func ReadUint64(p Pointer[uint64]) (uint64, error) {
	var buf [8]byte
	if err := p.Ctx.ReadAt(p.Addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint32 dereferences a Pointer[uint32].
func ReadUint32(p Pointer[uint32]) (uint32, error) {
	var buf [4]byte
	if err := p.Ctx.ReadAt(p.Addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadPointerField reads the field named field of the struct T addresses
// as a guest virtual address and returns it wrapped as a Pointer[F] in the
// same context - the common "follow a next pointer" operation used to walk
// task_struct and vm_area_struct lists.
func ReadPointerField[T, F any](p Pointer[T], layout *symbols.Struct, field string) (Pointer[F], error) {
	fieldPtr, err := Field[T, addr.GuestVirtAddr](p, layout, field)
	if err != nil {
		return Pointer[F]{}, err
	}
	var buf [8]byte
	if err := fieldPtr.Ctx.ReadAt(fieldPtr.Addr, buf[:]); err != nil {
		return Pointer[F]{}, err
	}
	return Pointer[F]{Addr: addr.GuestVirtAddr(binary.LittleEndian.Uint64(buf[:])), Ctx: p.Ctx}, nil
}

// SwitchToUserspace returns a pointer with the same address as p but bound
// to the given process's address space - used once a kernel walk reaches a
// task_struct's mm_struct and needs to start reading that process's own
// virtual memory (its VMAs, stack, executable image).
func SwitchToUserspace[T any](p Pointer[T], mem memory.Reader, procPgd, kernelPgd addr.GuestPhysAddr) Pointer[T] {
	return p.SwitchContext(ProcSpace{Mem: mem, ProcPgd: procPgd, KernelPgd: kernelPgd})
}

// ReadBytes reads n raw bytes starting at the pointer's address. Used for
// reading fixed-size byte arrays (e.g. a task's comm[16] name) without
// defining a dedicated Go type for them.
func ReadBytes[T any](p Pointer[T], n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := p.Ctx.ReadAt(p.Addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p Pointer[T]) String() string {
	return fmt.Sprintf("%#x", uint64(p.Addr))
}
