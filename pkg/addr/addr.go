// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package addr defines the guest address and page table entry primitives
// that every other component in this module builds on: distinct physical
// and virtual address types so the compiler rejects mixing them, and the
// bit-field accessors for walking x86-64 four-level paging structures.
package addr

// GuestPhysAddr is an offset into the guest's physical address space.
type GuestPhysAddr uint64

// Add returns a+delta, wrapping on overflow the same way raw unsigned guest
// addresses do on real hardware.
func (a GuestPhysAddr) Add(delta int64) GuestPhysAddr {
	return GuestPhysAddr(uint64(a) + uint64(delta))
}

// Sub returns the signed distance from b to a (a-b).
func (a GuestPhysAddr) Sub(b GuestPhysAddr) int64 {
	return int64(uint64(a) - uint64(b))
}

// AlignDown rounds a down to the given power-of-two alignment.
func (a GuestPhysAddr) AlignDown(align uint64) GuestPhysAddr {
	return GuestPhysAddr(uint64(a) &^ (align - 1))
}

// GuestVirtAddr is an offset into a guest process's or the guest kernel's
// virtual address space.
type GuestVirtAddr uint64

func (a GuestVirtAddr) Add(delta int64) GuestVirtAddr {
	return GuestVirtAddr(uint64(a) + uint64(delta))
}

func (a GuestVirtAddr) Sub(b GuestVirtAddr) int64 {
	return int64(uint64(a) - uint64(b))
}

func (a GuestVirtAddr) AlignDown(align uint64) GuestVirtAddr {
	return GuestVirtAddr(uint64(a) &^ (align - 1))
}

// IsKernel reports whether the address lies in the canonical-high half of
// the 48-bit address space, i.e. bit 47 is set. On x86-64 this is how the
// Linux and Windows personalities distinguish kernel addresses from
// userspace ones without consulting CR3.
func (a GuestVirtAddr) IsKernel() bool {
	return a&(1<<47) != 0
}

const pageShift = 12

// four-level paging index extraction, per the x86-64 SDM.
const (
	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21
	ptShift   = 12
	idxMask   = 0x1ff // 9 bits per level
)

// Pml4e returns the 9-bit index into the PML4 table this address selects.
func (a GuestVirtAddr) Pml4e() uint64 {
	return (uint64(a) >> pml4Shift) & idxMask
}

// Pdpe returns the 9-bit index into the page-directory-pointer table.
func (a GuestVirtAddr) Pdpe() uint64 {
	return (uint64(a) >> pdptShift) & idxMask
}

// Pde returns the 9-bit index into the page directory.
func (a GuestVirtAddr) Pde() uint64 {
	return (uint64(a) >> pdShift) & idxMask
}

// Pte returns the 9-bit index into the page table.
func (a GuestVirtAddr) Pte() uint64 {
	return (uint64(a) >> ptShift) & idxMask
}

// PageOffset returns the low 12 bits: the byte offset within a 4KiB page.
func (a GuestVirtAddr) PageOffset() uint64 {
	return uint64(a) & 0xfff
}

// LargePageOffset returns the low 21 bits: the byte offset within a 2MiB
// large page, for use when a PD entry has the large-page bit set.
func (a GuestVirtAddr) LargePageOffset() uint64 {
	return uint64(a) & 0x1fffff
}

// HugePageOffset returns the low 30 bits: the byte offset within a 1GiB
// huge page, for use when a PDPT entry has the large-page bit set.
func (a GuestVirtAddr) HugePageOffset() uint64 {
	return uint64(a) & 0x3fffffff
}

// PTE is a raw x86-64 page table entry (any of PML4E/PDPTE/PDE/PTE).
type PTE uint64

const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteUser     = 1 << 2
	pteLarge    = 1 << 7 // PS bit: valid at PDPT and PD levels only
	pteNx       = 1 << 63
)

// IsValid reports whether the present bit is set.
func (p PTE) IsValid() bool {
	return p&ptePresent != 0
}

// IsLarge reports whether the page-size bit is set, meaning this entry maps
// a large (2MiB, at the PD level) or huge (1GiB, at the PDPT level) page
// directly rather than pointing at the next table.
func (p PTE) IsLarge() bool {
	return p&pteLarge != 0
}

// IsWritable reports the R/W bit.
func (p PTE) IsWritable() bool {
	return p&pteWritable != 0
}

// IsUser reports the U/S bit.
func (p PTE) IsUser() bool {
	return p&pteUser != 0
}

// IsExecutable reports whether the NX bit is clear.
func (p PTE) IsExecutable() bool {
	return p&pteNx == 0
}

const physAddrMask = 0x0000_ffff_ffff_f000

// PageFrame returns the physical frame address for a standard 4KiB-page
// entry: bits 12-47, masking off the page offset and the flag bits above
// the implemented physical address width.
func (p PTE) PageFrame() GuestPhysAddr {
	return GuestPhysAddr(uint64(p) & physAddrMask)
}

// LargePageFrame returns the physical frame address for a 2MiB large-page
// PD entry: bits 21-51.
func (p PTE) LargePageFrame() GuestPhysAddr {
	return GuestPhysAddr(uint64(p) & 0x000f_ffff_ffe0_0000)
}

// HugePageFrame returns the physical frame address for a 1GiB huge-page
// PDPT entry: bits 30-51.
func (p PTE) HugePageFrame() GuestPhysAddr {
	return GuestPhysAddr(uint64(p) & 0x000f_ffff_c000_0000)
}
