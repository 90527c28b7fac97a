// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package oslinux implements the uniform OS API (see package osapi) for a
// Linux guest: process and thread enumeration by walking task_struct
// linked lists, VMA enumeration over an mm_struct's vm_area_struct list,
// and dentry-based path resolution. Field offsets are resolved once at
// construction time from the struct layouts in the guest kernel's own debug
// info (DWARF or BTF); the fixed kernel symbols may also come from a plain
// kallsyms/System.map dump. This follows the original Linux
// profile's FastSymbols/FastOffsets split between fixed kernel symbols and
// struct field layout.
package oslinux

import (
	"fmt"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/symbols"
)

// FastSymbols are the handful of fixed kernel addresses every other lookup
// in this package is built from.
type FastSymbols struct {
	// PerCpuStart is the base of the per-CPU data area array (__per_cpu_start).
	PerCpuStart addr.GuestVirtAddr
	// CurrentTask is the per-CPU "current_task" variable's offset within
	// the per-CPU area, added to a CPU's per-CPU base to find its running
	// task_struct pointer.
	CurrentTask addr.GuestVirtAddr
	// InitTask is the kernel's static init_task, used as the traversal
	// root for the systemwide process list.
	InitTask addr.GuestVirtAddr
	// DirectMapBase is the kernel's physical-memory direct mapping base
	// (page_offset_base on modern x86-64 kernels using KASLR, or the fixed
	// 0xffff888000000000 constant on kernels before 4.12 randomized it).
	// Struct pointers like mm_struct.pgd live in this region and are
	// converted to physical addresses by subtracting this base - the same
	// technique volatility and rekall use, since the direct map is a
	// straight 1:1 offset mapping rather than one requiring a page walk.
	DirectMapBase addr.GuestVirtAddr
}

// Offsets are the field offsets this package depends on, one entry per
// struct field, named identically to the kernel struct and field they come
// from so a reader can cross-reference them against /sys/kernel/debug or
// pahole output directly.
type Offsets struct {
	TaskStructPid         uint64
	TaskStructComm        uint64
	TaskStructMm           uint64
	TaskStructTasks        uint64 // list_head, systemwide process list
	TaskStructChildren     uint64 // list_head, head of this task's children
	TaskStructSibling      uint64 // list_head, link in parent's children list
	TaskStructRealParent   uint64
	TaskStructThreadGroup  uint64 // list_head, link in thread group
	TaskStructPgd          uint64 // only meaningful when TaskStructMm is 0 (kernel threads)
	TaskStructGroupLeader  uint64 // thread_process follows this to the owning process
	TaskStructActiveMm     uint64 // borrowed mm_struct used when mm is null (kernel threads)
	TaskStructTgid         uint64

	MmStructPgd uint64
	MmStructMmap uint64 // vm_area_struct list head (older kernels) - see vmaNext below

	VmAreaStructVmStart uint64
	VmAreaStructVmEnd   uint64
	VmAreaStructVmFlags uint64
	VmAreaStructVmFile  uint64
	VmAreaStructVmNext  uint64 // singly-linked list of VMAs (kernels < 6.1)

	FilePath uint64 // struct file -> struct path

	PathDentry uint64 // struct path -> struct dentry

	DentryDName   uint64 // struct dentry -> struct qstr d_name
	DentryDParent uint64
	DentryDIname  uint64 // in-line short-name storage fallback, rarely needed

	QstrName uint64 // struct qstr -> const char *name
	QstrLen  uint64

	ListHeadNext uint64 // always 0, kept explicit for readability at call sites
	ListHeadPrev uint64 // always 8
}

// resolveOffsets looks up every field this package needs from syms, which
// must have struct layouts available (from DWARF or BTF). A single missing
// required field aborts construction. vm_area_struct.vm_next and
// mm_struct.mmap are optional: when either is missing its offset stays 0
// and VMA enumeration reports itself unavailable.
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
		{"task_struct", "pid", &o.TaskStructPid},
		{"task_struct", "comm", &o.TaskStructComm},
		{"task_struct", "mm", &o.TaskStructMm},
		{"task_struct", "tasks", &o.TaskStructTasks},
		{"task_struct", "children", &o.TaskStructChildren},
		{"task_struct", "sibling", &o.TaskStructSibling},
		{"task_struct", "real_parent", &o.TaskStructRealParent},
		{"task_struct", "thread_group", &o.TaskStructThreadGroup},
		{"task_struct", "group_leader", &o.TaskStructGroupLeader},
		{"task_struct", "active_mm", &o.TaskStructActiveMm},
		{"task_struct", "tgid", &o.TaskStructTgid},
		{"mm_struct", "pgd", &o.MmStructPgd},
		{"vm_area_struct", "vm_start", &o.VmAreaStructVmStart},
		{"vm_area_struct", "vm_end", &o.VmAreaStructVmEnd},
		{"vm_area_struct", "vm_flags", &o.VmAreaStructVmFlags},
		{"vm_area_struct", "vm_file", &o.VmAreaStructVmFile},
		{"file", "f_path", &o.FilePath},
		{"path", "dentry", &o.PathDentry},
		{"dentry", "d_name", &o.DentryDName},
		{"dentry", "d_parent", &o.DentryDParent},
		{"qstr", "name", &o.QstrName},
		{"qstr", "len", &o.QstrLen},
	}
	for _, f := range fields {
		if err := get(f.structName, f.field, f.dst); err != nil {
			return o, err
		}
	}

	// vm_area_struct.vm_next only exists on kernels before the maple-tree
	// rewrite (6.1); its absence is not fatal. This package has no walker
	// for the maple tree (mm_mt), so VMA enumeration is unavailable on 6.1+
	// guests while every other operation still works.
	if s, err := syms.RequireStruct("vm_area_struct"); err == nil {
		if off, ok := s.FindOffset("vm_next"); ok {
			o.VmAreaStructVmNext = off
		}
	}
	if s, err := syms.RequireStruct("mm_struct"); err == nil {
		if off, ok := s.FindOffset("mmap"); ok {
			o.MmStructMmap = off
		}
	}

	return o, nil
}

func resolveFastSymbols(syms *symbols.ModuleSymbols) (FastSymbols, error) {
	var fs FastSymbols
	var err error

	if fs.PerCpuStart, err = syms.RequireAddress("__per_cpu_start"); err != nil {
		return fs, err
	}
	if fs.InitTask, err = syms.RequireAddress("init_task"); err != nil {
		return fs, err
	}
	// current_task itself is a per-CPU *symbol*, so its "address" as
	// reported by the symbol table is actually an offset within the
	// per-CPU area, not an absolute kernel address.
	if fs.CurrentTask, err = syms.RequireAddress("current_task"); err != nil {
		return fs, err
	}
	if base, ok := syms.GetAddress("page_offset_base"); ok {
		fs.DirectMapBase = base
	} else {
		fs.DirectMapBase = 0xffff888000000000
	}

	return fs, nil
}
