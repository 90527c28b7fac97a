// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package oslinux

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/osapi"
	"github.com/antimetal/vmi/pkg/pagetable"
	"github.com/antimetal/vmi/pkg/symbols"
	"github.com/antimetal/vmi/pkg/vcpu"
	"github.com/antimetal/vmi/pkg/vmerr"
	"github.com/go-logr/logr"
)

// maxListWalk bounds every intrusive linked-list traversal in this package.
// A corrupted or adversarially-crafted guest could otherwise make a
// doubly-linked list walk loop forever; stopping after this many entries
// and returning an error instead matches the corruption-guard behavior the
// original Linux profile relies on for the same traversal.
const maxListWalk = 1 << 20

// Linux implements osapi.OS over a guest running the Linux kernel.
type Linux struct {
	logger  logr.Logger
	mem     memory.Reader
	vcpus   vcpu.Reader
	syms    *symbols.ModuleSymbols
	fast    FastSymbols
	offsets Offsets
	kernelPgd addr.GuestPhysAddr
}

// New resolves every fixed symbol and struct offset this package needs
// from syms and returns a ready-to-use Linux personality. kernelPgd is the
// guest physical address of the kernel's top-level page table (usually
// read from a boot vCPU's CR3 before any process switches it).
func New(logger logr.Logger, mem memory.Reader, vcpus vcpu.Reader, syms *symbols.ModuleSymbols, kernelPgd addr.GuestPhysAddr) (*Linux, error) {
	fast, err := resolveFastSymbols(syms)
	if err != nil {
		return nil, fmt.Errorf("resolving linux fast symbols: %w", err)
	}
	offsets, err := resolveOffsets(syms)
	if err != nil {
		return nil, fmt.Errorf("resolving linux struct offsets: %w", err)
	}
	return &Linux{
		logger:    logger.WithName("oslinux"),
		mem:       mem,
		vcpus:     vcpus,
		syms:      syms,
		fast:      fast,
		offsets:   offsets,
		kernelPgd: kernelPgd,
	}, nil
}

var _ osapi.OS = (*Linux)(nil)

func (l *Linux) readKernelU64(va addr.GuestVirtAddr) (uint64, error) {
	var buf [8]byte
	if err := pagetable.ReadVirtualMemory(l.mem, l.kernelPgd, va, buf[:]); err != nil {
		return 0, vmerr.WrapMemory(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (l *Linux) readKernelU32(va addr.GuestVirtAddr) (uint32, error) {
	var buf [4]byte
	if err := pagetable.ReadVirtualMemory(l.mem, l.kernelPgd, va, buf[:]); err != nil {
		return 0, vmerr.WrapMemory(err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (l *Linux) readKernelBytes(va addr.GuestVirtAddr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := pagetable.ReadVirtualMemory(l.mem, l.kernelPgd, va, buf); err != nil {
		return nil, vmerr.WrapMemory(err)
	}
	return buf, nil
}

// taskField returns the virtual address of a task_struct field.
func (l *Linux) taskField(p osapi.Process, offset uint64) addr.GuestVirtAddr {
	return addr.GuestVirtAddr(p).Add(int64(offset))
}

func (l *Linux) InitProcess() (osapi.Process, error) {
	return osapi.Process(addr.GuestPhysAddr(l.fast.InitTask)), nil
}

// CurrentThread resolves the running task_struct for vcpuID via the
// per-CPU current_task variable: gs_base (the per-CPU area base for that
// CPU) plus the current_task offset gives the address of a pointer to the
// running task_struct.
func (l *Linux) CurrentThread(vcpuID int) (osapi.Thread, error) {
	gsBase, err := l.vcpus.NamedRegister(vcpuID, "gs_base")
	if err != nil {
		return 0, err
	}
	ptrAddr := addr.GuestVirtAddr(gsBase).Add(int64(l.fast.CurrentTask))
	taskAddr, err := l.readKernelU64(ptrAddr)
	if err != nil {
		return 0, err
	}
	return osapi.Thread(addr.GuestPhysAddr(taskAddr)), nil
}

func (l *Linux) ProcessIsKernel(p osapi.Process) (bool, error) {
	mm, err := l.readKernelU64(l.taskField(p, l.offsets.TaskStructMm))
	if err != nil {
		return false, err
	}
	return mm == 0, nil
}

func (l *Linux) ProcessPID(p osapi.Process) (uint32, error) {
	return l.readKernelU32(l.taskField(p, l.offsets.TaskStructPid))
}

func (l *Linux) ProcessName(p osapi.Process) (string, error) {
	raw, err := l.readKernelBytes(l.taskField(p, l.offsets.TaskStructComm), 16)
	if err != nil {
		return "", err
	}
	return cString(raw), nil
}

// ProcessPGD returns the guest physical address of the process's top-level
// page table, derived from mm_struct.pgd. That field holds a kernel
// virtual address into the direct-mapped physical region, so the physical
// address is recovered by subtracting the direct map base rather than
// walking page tables again.
func (l *Linux) ProcessPGD(p osapi.Process) (addr.GuestPhysAddr, error) {
	mm, err := l.readKernelU64(l.taskField(p, l.offsets.TaskStructMm))
	if err != nil {
		return 0, err
	}
	if mm == 0 {
		return l.kernelPgd, nil
	}
	pgdPtr, err := l.readKernelU64(addr.GuestVirtAddr(mm).Add(int64(l.offsets.MmStructPgd)))
	if err != nil {
		return 0, err
	}
	return l.directMapToPhys(addr.GuestVirtAddr(pgdPtr)), nil
}

func (l *Linux) directMapToPhys(va addr.GuestVirtAddr) addr.GuestPhysAddr {
	return addr.GuestPhysAddr(uint64(va.Sub(l.fast.DirectMapBase)))
}

func (l *Linux) ProcessExe(p osapi.Process) (osapi.Path, bool, error) {
	// exe_file isn't in the offsets table resolved at construction time
	// (its layout varies more than the others across kernel versions); a
	// guest's main executable is instead identified by scanning the VMA
	// list for the first file-backed, executable mapping, which is what
	// the uniform API's callers actually need it for.
	var exe osapi.Path
	var found bool
	err := l.ProcessForEachVma(p, func(v osapi.Vma) error {
		if found {
			return nil
		}
		flags, err := l.VmaFlags(v)
		if err != nil {
			return err
		}
		if !flags.IsExec() {
			return nil
		}
		path, ok, err := l.VmaFile(v)
		if err != nil {
			return err
		}
		if ok {
			exe, found = path, true
		}
		return nil
	})
	return exe, found, err
}

func (l *Linux) ProcessParent(p osapi.Process) (osapi.Process, error) {
	parent, err := l.readKernelU64(l.taskField(p, l.offsets.TaskStructRealParent))
	if err != nil {
		return 0, err
	}
	return osapi.Process(addr.GuestPhysAddr(parent)), nil
}

// walkListHead walks a circular doubly-linked list whose head is at
// headVa, calling visit with the address of the embedding struct for each
// entry (head.next, head.next.next, ... until head is reached again).
// listOffset is the byte offset of the list_head field within the
// embedding struct, subtracted out when reporting each containing struct's
// address, matching the kernel's own container_of pattern.
func (l *Linux) walkListHead(headVa addr.GuestVirtAddr, listOffset uint64, visit func(addr.GuestVirtAddr) error) error {
	cur, err := l.readKernelU64(headVa) // head->next
	if err != nil {
		return err
	}
	for i := 0; cur != 0 && addr.GuestVirtAddr(cur) != headVa; i++ {
		if i >= maxListWalk {
			return fmt.Errorf("list walk exceeded %d entries, assuming corruption", maxListWalk)
		}
		entry := addr.GuestVirtAddr(cur).Add(-int64(listOffset))
		if err := visit(entry); err != nil {
			return err
		}
		next, err := l.readKernelU64(addr.GuestVirtAddr(cur))
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

func (l *Linux) ProcessForEachChild(p osapi.Process, visit func(osapi.Process) error) error {
	head := l.taskField(p, l.offsets.TaskStructChildren)
	return l.walkListHead(head, l.offsets.TaskStructSibling, func(taskAddr addr.GuestVirtAddr) error {
		return visit(osapi.Process(addr.GuestPhysAddr(taskAddr)))
	})
}

func (l *Linux) ProcessForEachThread(p osapi.Process, visit func(osapi.Thread) error) error {
	head := l.taskField(p, l.offsets.TaskStructThreadGroup)
	return l.walkListHead(head, l.offsets.TaskStructThreadGroup, func(taskAddr addr.GuestVirtAddr) error {
		return visit(osapi.Thread(addr.GuestPhysAddr(taskAddr)))
	})
}

func (l *Linux) ForEachProcess(visit func(osapi.Process) error) error {
	head := addr.GuestVirtAddr(l.fast.InitTask).Add(int64(l.offsets.TaskStructTasks))
	if err := visit(osapi.Process(addr.GuestPhysAddr(l.fast.InitTask))); err != nil {
		return err
	}
	return l.walkListHead(head, l.offsets.TaskStructTasks, func(taskAddr addr.GuestVirtAddr) error {
		return visit(osapi.Process(addr.GuestPhysAddr(taskAddr)))
	})
}

func (l *Linux) ProcessForEachVma(p osapi.Process, visit func(osapi.Vma) error) error {
	if l.offsets.VmAreaStructVmNext == 0 || l.offsets.MmStructMmap == 0 {
		return fmt.Errorf("vma enumeration unavailable: vm_area_struct.vm_next/mm_struct.mmap not present in this kernel's debug info (maple-tree kernels, 6.1+, are not yet supported)")
	}
	mm, err := l.readKernelU64(l.taskField(p, l.offsets.TaskStructMm))
	if err != nil {
		return err
	}
	if mm == 0 {
		// Kernel thread: mm is unset, but active_mm still points at the
		// address space it last borrowed (lazy TLB), which is what the
		// uniform API's callers get instead of nothing.
		mm, err = l.readKernelU64(l.taskField(p, l.offsets.TaskStructActiveMm))
		if err != nil {
			return err
		}
		if mm == 0 {
			return nil
		}
	}
	vma, err := l.readKernelU64(addr.GuestVirtAddr(mm).Add(int64(l.offsets.MmStructMmap)))
	if err != nil {
		return err
	}
	for i := 0; vma != 0; i++ {
		if i >= maxListWalk {
			return fmt.Errorf("vma walk exceeded %d entries, assuming corruption", maxListWalk)
		}
		if err := visit(osapi.Vma(addr.GuestPhysAddr(vma))); err != nil {
			return err
		}
		next, err := l.readKernelU64(addr.GuestVirtAddr(vma).Add(int64(l.offsets.VmAreaStructVmNext)))
		if err != nil {
			return err
		}
		vma = next
	}
	return nil
}

// ThreadProcess follows task_struct.group_leader to the task_struct that
// represents the owning process, the same task_struct every other
// process-level lookup in this package (ProcessPID, ProcessPGD, ...)
// expects to be given.
func (l *Linux) ThreadProcess(t osapi.Thread) (osapi.Process, error) {
	leader, err := l.readKernelU64(addr.GuestVirtAddr(t).Add(int64(l.offsets.TaskStructGroupLeader)))
	if err != nil {
		return 0, err
	}
	return osapi.Process(addr.GuestPhysAddr(leader)), nil
}

func (l *Linux) ThreadID(t osapi.Thread) (uint32, error) {
	return l.readKernelU32(addr.GuestVirtAddr(t).Add(int64(l.offsets.TaskStructPid)))
}

func (l *Linux) ThreadName(t osapi.Thread) (string, error) {
	raw, err := l.readKernelBytes(addr.GuestVirtAddr(t).Add(int64(l.offsets.TaskStructComm)), 16)
	if err != nil {
		return "", err
	}
	return cString(raw), nil
}

// PathToString reconstructs a full path by walking dentry->d_parent links
// from leaf to root, the same bounded walk every other list traversal in
// this package uses.
func (l *Linux) PathToString(p osapi.Path) (string, error) {
	dentry, err := l.readKernelU64(addr.GuestVirtAddr(p).Add(int64(l.offsets.PathDentry)))
	if err != nil {
		return "", err
	}

	var components []string
	cur := addr.GuestVirtAddr(dentry)
	for i := 0; cur != 0; i++ {
		if i >= maxListWalk {
			return "", fmt.Errorf("dentry parent walk exceeded %d entries, assuming corruption", maxListWalk)
		}
		namePtr, err := l.readKernelU64(cur.Add(int64(l.offsets.DentryDName + l.offsets.QstrName)))
		if err != nil {
			return "", err
		}
		nameLen, err := l.readKernelU32(cur.Add(int64(l.offsets.DentryDName + l.offsets.QstrLen)))
		if err != nil {
			return "", err
		}
		if namePtr != 0 && nameLen > 0 && nameLen < 1024 {
			raw, err := l.readKernelBytes(addr.GuestVirtAddr(namePtr), int(nameLen))
			if err != nil {
				return "", err
			}
			components = append(components, string(raw))
		}

		parent, err := l.readKernelU64(cur.Add(int64(l.offsets.DentryDParent)))
		if err != nil {
			return "", err
		}
		if addr.GuestVirtAddr(parent) == cur {
			break // root dentry is its own parent
		}
		cur = addr.GuestVirtAddr(parent)
	}

	if len(components) == 0 {
		return "/", nil
	}
	out := ""
	for i := len(components) - 1; i >= 0; i-- {
		out += "/" + components[i]
	}
	return out, nil
}

func (l *Linux) VmaFile(v osapi.Vma) (osapi.Path, bool, error) {
	file, err := l.readKernelU64(addr.GuestVirtAddr(v).Add(int64(l.offsets.VmAreaStructVmFile)))
	if err != nil {
		return 0, false, err
	}
	if file == 0 {
		return 0, false, nil
	}
	return osapi.Path(addr.GuestPhysAddr(addr.GuestVirtAddr(file).Add(int64(l.offsets.FilePath)))), true, nil
}

func (l *Linux) VmaStart(v osapi.Vma) (addr.GuestVirtAddr, error) {
	val, err := l.readKernelU64(addr.GuestVirtAddr(v).Add(int64(l.offsets.VmAreaStructVmStart)))
	return addr.GuestVirtAddr(val), err
}

func (l *Linux) VmaEnd(v osapi.Vma) (addr.GuestVirtAddr, error) {
	val, err := l.readKernelU64(addr.GuestVirtAddr(v).Add(int64(l.offsets.VmAreaStructVmEnd)))
	return addr.GuestVirtAddr(val), err
}

func (l *Linux) VmaFlags(v osapi.Vma) (osapi.VmaFlags, error) {
	raw, err := l.readKernelU64(addr.GuestVirtAddr(v).Add(int64(l.offsets.VmAreaStructVmFlags)))
	if err != nil {
		return 0, err
	}
	// The kernel's internal VM_READ/VM_WRITE/VM_EXEC bits (0x1, 0x2, 0x4)
	// happen to already match this module's osapi.VmaFlags encoding.
	return osapi.VmaFlags(raw & 0x7), nil
}

// ProcessCallstack always returns a MissingModule error: this module has a
// call stack unwinder only for Windows guests, and none (frame-pointer or
// DWARF CFI based) for Linux.
func (l *Linux) ProcessCallstack(p osapi.Process, visit func(*osapi.StackFrame) error) error {
	return vmerr.MissingModuleError("linux call stack unwinder")
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
