// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pagetable walks x86-64 four-level page tables to translate a
// guest virtual address into a guest physical one, given a backend memory
// reader and a top-level table base (CR3, or a process's saved PGD).
package pagetable

import (
	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// Translate walks the four paging levels rooted at pgd (a guest physical
// address, 4KiB-aligned) and returns the guest physical address va
// resolves to. It stops early and returns a TranslationError at whichever
// level lacks a present entry, or once it reaches a large/huge page entry.
func Translate(r memory.Reader, pgd addr.GuestPhysAddr, va addr.GuestVirtAddr) (addr.GuestPhysAddr, error) {
	pml4e, err := readEntry(r, pgd, va.Pml4e())
	if err != nil {
		return 0, vmerr.NewTranslationError(err)
	}
	if !pml4e.IsValid() {
		return 0, vmerr.NewTranslationError(&vmerr.NotMappedError{Reason: "pml4e not present"})
	}

	pdpte, err := readEntry(r, pml4e.PageFrame(), va.Pdpe())
	if err != nil {
		return 0, vmerr.NewTranslationError(err)
	}
	if !pdpte.IsValid() {
		return 0, vmerr.NewTranslationError(&vmerr.NotMappedError{Reason: "pdpte not present"})
	}
	if pdpte.IsLarge() {
		return pdpte.HugePageFrame().Add(int64(va.HugePageOffset())), nil
	}

	pde, err := readEntry(r, pdpte.PageFrame(), va.Pde())
	if err != nil {
		return 0, vmerr.NewTranslationError(err)
	}
	if !pde.IsValid() {
		return 0, vmerr.NewTranslationError(&vmerr.NotMappedError{Reason: "pde not present"})
	}
	if pde.IsLarge() {
		return pde.LargePageFrame().Add(int64(va.LargePageOffset())), nil
	}

	pte, err := readEntry(r, pde.PageFrame(), va.Pte())
	if err != nil {
		return 0, vmerr.NewTranslationError(err)
	}
	if !pte.IsValid() {
		return 0, vmerr.NewTranslationError(&vmerr.NotMappedError{Reason: "pte not present"})
	}

	return pte.PageFrame().Add(int64(va.PageOffset())), nil
}

func readEntry(r memory.Reader, table addr.GuestPhysAddr, index uint64) (addr.PTE, error) {
	raw, err := memory.ReadUint64(r, table.Add(int64(index*8)))
	if err != nil {
		return 0, vmerr.WrapMemory(err)
	}
	return addr.PTE(raw), nil
}

// ReadVirtualMemory fills buf from guest virtual memory starting at va,
// translating and reading one page at a time, so a request that crosses a
// page boundary is split there, mirroring default_read_virtual_memory in
// the original backend. It stops at the first translation or read error.
func ReadVirtualMemory(r memory.Reader, pgd addr.GuestPhysAddr, va addr.GuestVirtAddr, buf []byte) error {
	remaining := buf
	cur := va
	for len(remaining) > 0 {
		pa, err := Translate(r, pgd, cur)
		if err != nil {
			return err
		}
		toPageEnd := 0x1000 - int(cur.PageOffset())
		n := len(remaining)
		if n > toPageEnd {
			n = toPageEnd
		}
		if err := r.ReadPhysicalMemory(pa, remaining[:n]); err != nil {
			return vmerr.WrapMemory(err)
		}
		remaining = remaining[n:]
		cur = cur.Add(int64(n))
	}
	return nil
}
