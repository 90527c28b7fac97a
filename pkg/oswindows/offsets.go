// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package oswindows

import (
	"fmt"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/symbols"
)

// FastSymbols are the fixed kernel addresses Windows process enumeration
// starts from.
type FastSymbols struct {
	// PsInitialSystemProcess is a pointer-to-EPROCESS global; the root of
	// the systemwide process list.
	PsInitialSystemProcess addr.GuestVirtAddr
	// PsActiveProcessHead, if resolvable, is the list head itself rather
	// than a pointer to the initial process; kept distinct since some PDB
	// releases only publish one or the other.
	PsActiveProcessHead addr.GuestVirtAddr
	// KiCurrentPcr must resolve for CurrentThread to run; the per-processor
	// KPCR itself is found through the vCPU's gs_base, not through this
	// address, and its Prcb.CurrentThread field feeds CurrentThread.
	KiCurrentPcr addr.GuestVirtAddr
}

// Offsets are the EPROCESS/ETHREAD/VAD field offsets this package depends
// on, named after the struct and field in the Windows kernel's own PDB.
type Offsets struct {
	EprocessUniqueProcessId   uint64
	EprocessActiveProcessLink uint64 // LIST_ENTRY
	EprocessImageFileName     uint64 // 15-byte short name, always present
	EprocessInheritedFromUniqueProcessId uint64
	EprocessDirectoryTableBase uint64
	EprocessPeb                uint64
	EprocessThreadListHead      uint64 // LIST_ENTRY of ETHREAD.ThreadListEntry
	EprocessVadRoot             uint64 // MM_AVL_TABLE / RTL_AVL_TREE root

	EthreadCid                uint64 // CLIENT_ID{UniqueProcess, UniqueThread}
	EthreadThreadListEntry    uint64
	EthreadOwningProcess      uint64 // KTHREAD.Process (Tcb sits at ETHREAD offset 0)

	MmvadStartingVpn     uint64
	MmvadEndingVpn       uint64
	MmvadFlags           uint64
	MmvadLeftChild       uint64
	MmvadRightChild      uint64
	MmvadSubsection      uint64 // _MMVAD -> _SUBSECTION, absent on short/private VADs

	SubsectionControlArea  uint64
	ControlAreaFilePointer uint64 // EX_FAST_REF; low 4 bits are a refcount, must be masked off

	FileObjectFileName uint64 // _UNICODE_STRING{Length uint16, Buffer uint64}

	PebImageBaseAddress uint64 // read through the process's own page tables, not the kernel's
}

func resolveFastSymbols(syms *symbols.ModuleSymbols) (FastSymbols, error) {
	var fs FastSymbols
	var err error
	if fs.PsInitialSystemProcess, err = syms.RequireAddress("PsInitialSystemProcess"); err != nil {
		return fs, err
	}
	if a, ok := syms.GetAddress("PsActiveProcessHead"); ok {
		fs.PsActiveProcessHead = a
	}
	if a, ok := syms.GetAddress("KiCurrentPcr"); ok {
		fs.KiCurrentPcr = a
	}
	return fs, nil
}

func resolveOffsets(syms *symbols.ModuleSymbols) (Offsets, error) {
	var o Offsets

	get := func(structName, field string, dst *uint64) error {
		s, err := syms.RequireStruct(structName)
		if err != nil {
			return err
		}
		off, ok := s.FindOffset(field)
		if !ok {
			return fmt.Errorf("%s: field %s not found", structName, field)
		}
		*dst = off
		return nil
	}

	fields := []struct {
		structName, field string
		dst               *uint64
	}{
		{"_EPROCESS", "UniqueProcessId", &o.EprocessUniqueProcessId},
		{"_EPROCESS", "ActiveProcessLinks", &o.EprocessActiveProcessLink},
		{"_EPROCESS", "ImageFileName", &o.EprocessImageFileName},
		{"_EPROCESS", "InheritedFromUniqueProcessId", &o.EprocessInheritedFromUniqueProcessId},
		{"_EPROCESS", "DirectoryTableBase", &o.EprocessDirectoryTableBase},
		{"_EPROCESS", "Peb", &o.EprocessPeb},
		{"_EPROCESS", "ThreadListHead", &o.EprocessThreadListHead},
		{"_ETHREAD", "Cid", &o.EthreadCid},
		{"_ETHREAD", "ThreadListEntry", &o.EthreadThreadListEntry},
		{"_MMVAD_SHORT", "StartingVpn", &o.MmvadStartingVpn},
		{"_MMVAD_SHORT", "EndingVpn", &o.MmvadEndingVpn},
		{"_MMVAD_SHORT", "u", &o.MmvadFlags},
	}
	for _, f := range fields {
		if err := get(f.structName, f.field, f.dst); err != nil {
			return o, err
		}
	}

	// VAD root and tree children vary in name across OS releases (VadRoot
	// vs VadRoot.BalancedRoot, LeftChild vs Left); best-effort resolution,
	// absence disables VMA enumeration the same way missing vm_next does
	// on the Linux side.
	if s, err := syms.RequireStruct("_EPROCESS"); err == nil {
		if off, ok := s.FindOffset("VadRoot"); ok {
			o.EprocessVadRoot = off
		}
	}
	if s, err := syms.RequireStruct("_MMVAD_SHORT"); err == nil {
		if off, ok := s.FindOffset("Left"); ok {
			o.MmvadLeftChild = off
		}
		if off, ok := s.FindOffset("Right"); ok {
			o.MmvadRightChild = off
		}
	}

	// KTHREAD.Process is the direct pointer to the owning KPROCESS/EPROCESS;
	// ETHREAD's Tcb (KTHREAD) embeds at offset 0, so this offset doubles as
	// an ETHREAD offset. Best-effort: older PDBs name the field differently.
	if s, err := syms.RequireStruct("_KTHREAD"); err == nil {
		if off, ok := s.FindOffset("Process"); ok {
			o.EthreadOwningProcess = off
		}
	}

	// VAD file-backing chain: only present for section-mapped (file-backed)
	// VADs, so every link here is best-effort; a private/anonymous VAD
	// legitimately has no Subsection and VmaFile reports ok=false for it.
	if s, err := syms.RequireStruct("_MMVAD"); err == nil {
		if off, ok := s.FindOffset("Subsection"); ok {
			o.MmvadSubsection = off
		}
	}
	if s, err := syms.RequireStruct("_SUBSECTION"); err == nil {
		if off, ok := s.FindOffset("ControlArea"); ok {
			o.SubsectionControlArea = off
		}
	}
	if s, err := syms.RequireStruct("_CONTROL_AREA"); err == nil {
		if off, ok := s.FindOffset("FilePointer"); ok {
			o.ControlAreaFilePointer = off
		}
	}
	if s, err := syms.RequireStruct("_FILE_OBJECT"); err == nil {
		if off, ok := s.FindOffset("FileName"); ok {
			o.FileObjectFileName = off
		}
	}
	if s, err := syms.RequireStruct("_PEB"); err == nil {
		if off, ok := s.FindOffset("ImageBaseAddress"); ok {
			o.PebImageBaseAddress = off
		}
	}

	return o, nil
}
