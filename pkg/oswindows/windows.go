// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package oswindows

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/go-logr/logr"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/osapi"
	"github.com/antimetal/vmi/pkg/oswindows/unwind"
	"github.com/antimetal/vmi/pkg/pagetable"
	"github.com/antimetal/vmi/pkg/symbols"
	"github.com/antimetal/vmi/pkg/vcpu"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// maxListWalk bounds EPROCESS/ETHREAD list and VAD tree traversal the same
// way oslinux bounds task_struct list walks: a guard against corrupted or
// adversarial guest state turning a traversal into an infinite loop.
const maxListWalk = 1 << 20

// Windows implements osapi.OS over a guest running Windows x64.
type Windows struct {
	logger    logr.Logger
	mem       memory.Reader
	vcpus     vcpu.Reader
	syms      *symbols.ModuleSymbols
	fast      FastSymbols
	offsets   Offsets
	kernelPgd addr.GuestPhysAddr
}

func New(logger logr.Logger, mem memory.Reader, vcpus vcpu.Reader, syms *symbols.ModuleSymbols, kernelPgd addr.GuestPhysAddr) (*Windows, error) {
	fast, err := resolveFastSymbols(syms)
	if err != nil {
		return nil, fmt.Errorf("resolving windows fast symbols: %w", err)
	}
	offsets, err := resolveOffsets(syms)
	if err != nil {
		return nil, fmt.Errorf("resolving windows struct offsets: %w", err)
	}
	return &Windows{
		logger:    logger.WithName("oswindows"),
		mem:       mem,
		vcpus:     vcpus,
		syms:      syms,
		fast:      fast,
		offsets:   offsets,
		kernelPgd: kernelPgd,
	}, nil
}

var _ osapi.OS = (*Windows)(nil)

func (w *Windows) readKernelU64(va addr.GuestVirtAddr) (uint64, error) {
	var buf [8]byte
	if err := pagetable.ReadVirtualMemory(w.mem, w.kernelPgd, va, buf[:]); err != nil {
		return 0, vmerr.WrapMemory(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w *Windows) readKernelBytes(va addr.GuestVirtAddr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := pagetable.ReadVirtualMemory(w.mem, w.kernelPgd, va, buf); err != nil {
		return nil, vmerr.WrapMemory(err)
	}
	return buf, nil
}

func (w *Windows) InitProcess() (osapi.Process, error) {
	ptr, err := w.readKernelU64(w.fast.PsInitialSystemProcess)
	if err != nil {
		return 0, err
	}
	return osapi.Process(addr.GuestPhysAddr(ptr)), nil
}

func (w *Windows) CurrentThread(vcpuID int) (osapi.Thread, error) {
	// The current thread lives in the per-processor KPCR's PRCB at a fixed
	// offset (CurrentThread); GS base at ring 0 points at the KPCR for
	// that processor. Without a resolved KPCR layout, the lookup degrades
	// to an error rather than guessing an offset.
	if w.fast.KiCurrentPcr == 0 {
		return 0, vmerr.MissingSymbolError("KiCurrentPcr")
	}
	gsBase, err := w.vcpus.NamedRegister(vcpuID, "gs_base")
	if err != nil {
		return 0, err
	}
	const prcbCurrentThreadOffset = 0x188 // KPCR.Prcb (0x180) + KPRCB.CurrentThread (0x08), stable since Windows 7 x64
	threadPtr, err := w.readKernelU64(addr.GuestVirtAddr(gsBase).Add(prcbCurrentThreadOffset))
	if err != nil {
		return 0, err
	}
	return osapi.Thread(addr.GuestPhysAddr(threadPtr)), nil
}

func (w *Windows) ProcessIsKernel(p osapi.Process) (bool, error) {
	pid, err := w.ProcessPID(p)
	if err != nil {
		return false, err
	}
	return pid == 4, nil // System process
}

func (w *Windows) ProcessPID(p osapi.Process) (uint32, error) {
	val, err := w.readKernelU64(addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessUniqueProcessId)))
	return uint32(val), err
}

func (w *Windows) ProcessName(p osapi.Process) (string, error) {
	raw, err := w.readKernelBytes(addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessImageFileName)), 15)
	if err != nil {
		return "", err
	}
	return cString(raw), nil
}

func (w *Windows) ProcessPGD(p osapi.Process) (addr.GuestPhysAddr, error) {
	val, err := w.readKernelU64(addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessDirectoryTableBase)))
	if err != nil {
		return 0, err
	}
	return addr.GuestPhysAddr(val &^ 0xfff), nil
}

// ProcessExe locates the VAD backing the process's own main image by
// matching its PEB.ImageBaseAddress against each VAD's start address, the
// same technique used to find a process's executable VMA in a bare memory
// dump without an object-manager path lookup.
func (w *Windows) ProcessExe(p osapi.Process) (osapi.Path, bool, error) {
	if w.offsets.EprocessPeb == 0 || w.offsets.PebImageBaseAddress == 0 {
		return 0, false, nil
	}
	pgd, err := w.ProcessPGD(p)
	if err != nil {
		return 0, false, err
	}
	pebVa, err := w.readKernelU64(addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessPeb)))
	if err != nil || pebVa == 0 {
		return 0, false, err
	}
	var buf [8]byte
	if err := pagetable.ReadVirtualMemory(w.mem, pgd, addr.GuestVirtAddr(pebVa).Add(int64(w.offsets.PebImageBaseAddress)), buf[:]); err != nil {
		return 0, false, nil // PEB not yet mapped for a freshly created process
	}
	imageBase := addr.GuestVirtAddr(binary.LittleEndian.Uint64(buf[:]))

	var exe osapi.Vma
	found := false
	if err := w.ProcessForEachVma(p, func(v osapi.Vma) error {
		if found {
			return nil
		}
		start, err := w.VmaStart(v)
		if err != nil {
			return err
		}
		if start == imageBase {
			exe, found = v, true
		}
		return nil
	}); err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return w.VmaFile(exe)
}

func (w *Windows) ProcessParent(p osapi.Process) (osapi.Process, error) {
	ppid, err := w.readKernelU64(addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessInheritedFromUniqueProcessId)))
	if err != nil {
		return 0, err
	}
	var found osapi.Process
	var ok bool
	err = w.ForEachProcess(func(cand osapi.Process) error {
		if ok {
			return nil
		}
		pid, err := w.ProcessPID(cand)
		if err != nil {
			return err
		}
		if uint64(pid) == ppid {
			found, ok = cand, true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, vmerr.MissingSymbolError(fmt.Sprintf("parent pid %d not found", ppid))
	}
	return found, nil
}

func (w *Windows) walkListEntry(headVa addr.GuestVirtAddr, linkOffset uint64, visit func(addr.GuestVirtAddr) error) error {
	cur, err := w.readKernelU64(headVa)
	if err != nil {
		return err
	}
	for i := 0; cur != 0 && addr.GuestVirtAddr(cur) != headVa; i++ {
		if i >= maxListWalk {
			return fmt.Errorf("list walk exceeded %d entries, assuming corruption", maxListWalk)
		}
		entry := addr.GuestVirtAddr(cur).Add(-int64(linkOffset))
		if err := visit(entry); err != nil {
			return err
		}
		next, err := w.readKernelU64(addr.GuestVirtAddr(cur))
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

func (w *Windows) ProcessForEachChild(p osapi.Process, visit func(osapi.Process) error) error {
	pid, err := w.ProcessPID(p)
	if err != nil {
		return err
	}
	return w.ForEachProcess(func(cand osapi.Process) error {
		ppid, err := w.readKernelU64(addr.GuestVirtAddr(cand).Add(int64(w.offsets.EprocessInheritedFromUniqueProcessId)))
		if err != nil {
			return err
		}
		if uint32(ppid) == pid {
			return visit(cand)
		}
		return nil
	})
}

func (w *Windows) ProcessForEachThread(p osapi.Process, visit func(osapi.Thread) error) error {
	head := addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessThreadListHead))
	return w.walkListEntry(head, w.offsets.EthreadThreadListEntry, func(threadAddr addr.GuestVirtAddr) error {
		return visit(osapi.Thread(addr.GuestPhysAddr(threadAddr)))
	})
}

func (w *Windows) ForEachProcess(visit func(osapi.Process) error) error {
	init, err := w.InitProcess()
	if err != nil {
		return err
	}
	if err := visit(init); err != nil {
		return err
	}
	head := addr.GuestVirtAddr(init).Add(int64(w.offsets.EprocessActiveProcessLink))
	return w.walkListEntry(head, w.offsets.EprocessActiveProcessLink, func(procAddr addr.GuestVirtAddr) error {
		return visit(osapi.Process(addr.GuestPhysAddr(procAddr)))
	})
}

// ProcessForEachVma walks the process's VAD (Virtual Address Descriptor)
// tree in-order, the Windows analogue of Linux's vm_area_struct list.
func (w *Windows) ProcessForEachVma(p osapi.Process, visit func(osapi.Vma) error) error {
	if w.offsets.EprocessVadRoot == 0 {
		return fmt.Errorf("vma enumeration unavailable: VadRoot offset not resolved for this kernel build")
	}
	root, err := w.readKernelU64(addr.GuestVirtAddr(p).Add(int64(w.offsets.EprocessVadRoot)))
	if err != nil {
		return err
	}
	count := 0
	return w.walkVadTree(addr.GuestVirtAddr(root), &count, visit)
}

func (w *Windows) walkVadTree(node addr.GuestVirtAddr, count *int, visit func(osapi.Vma) error) error {
	if node == 0 {
		return nil
	}
	*count++
	if *count > maxListWalk {
		return fmt.Errorf("VAD tree walk exceeded %d nodes, assuming corruption", maxListWalk)
	}

	left, err := w.readKernelU64(node.Add(int64(w.offsets.MmvadLeftChild)))
	if err != nil {
		return err
	}
	if err := w.walkVadTree(addr.GuestVirtAddr(left), count, visit); err != nil {
		return err
	}

	if err := visit(osapi.Vma(addr.GuestPhysAddr(node))); err != nil {
		return err
	}

	right, err := w.readKernelU64(node.Add(int64(w.offsets.MmvadRightChild)))
	if err != nil {
		return err
	}
	return w.walkVadTree(addr.GuestVirtAddr(right), count, visit)
}

// ThreadProcess reads KTHREAD.Process directly rather than resolving
// CLIENT_ID.UniqueProcess (a handle) through the kernel handle table:
// ETHREAD's Tcb (a KTHREAD) is the struct's first member, so this offset
// is valid straight off the ETHREAD pointer.
func (w *Windows) ThreadProcess(t osapi.Thread) (osapi.Process, error) {
	if w.offsets.EthreadOwningProcess == 0 {
		return 0, vmerr.MissingModuleError("KTHREAD.Process offset not resolved for this kernel build")
	}
	val, err := w.readKernelU64(addr.GuestVirtAddr(t).Add(int64(w.offsets.EthreadOwningProcess)))
	if err != nil {
		return 0, err
	}
	return osapi.Process(addr.GuestPhysAddr(val)), nil
}

func (w *Windows) ThreadID(t osapi.Thread) (uint32, error) {
	val, err := w.readKernelU64(addr.GuestVirtAddr(t).Add(int64(w.offsets.EthreadCid) + 8))
	return uint32(val), err
}

func (w *Windows) ThreadName(t osapi.Thread) (string, error) {
	// ETHREAD carries no inline thread name on Windows; callers wanting a
	// human label use the owning process's ImageFileName instead.
	return "", vmerr.MissingModuleError("windows threads have no inline name")
}

// PathToString decodes a _FILE_OBJECT's FileName, a _UNICODE_STRING whose
// Buffer is a UTF-16LE string of Length bytes.
func (w *Windows) PathToString(p osapi.Path) (string, error) {
	if w.offsets.FileObjectFileName == 0 {
		return "", vmerr.MissingModuleError("_FILE_OBJECT.FileName offset not resolved for this kernel build")
	}
	base := addr.GuestVirtAddr(p).Add(int64(w.offsets.FileObjectFileName))
	hdr, err := w.readKernelBytes(base, 16)
	if err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	bufferVa := binary.LittleEndian.Uint64(hdr[8:16])
	if length == 0 || bufferVa == 0 {
		return "", nil
	}
	raw, err := w.readKernelBytes(addr.GuestVirtAddr(bufferVa), int(length))
	if err != nil {
		return "", err
	}
	u16 := make([]uint16, len(raw)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16)), nil
}

// VmaFile follows a VAD's file-backing chain (Subsection -> ControlArea ->
// FilePointer) to the _FILE_OBJECT mapped there. A private/anonymous VAD
// has no Subsection at all, reported as ok=false rather than an error.
func (w *Windows) VmaFile(v osapi.Vma) (osapi.Path, bool, error) {
	if w.offsets.MmvadSubsection == 0 || w.offsets.SubsectionControlArea == 0 || w.offsets.ControlAreaFilePointer == 0 {
		return 0, false, nil
	}
	subsection, err := w.readKernelU64(addr.GuestVirtAddr(v).Add(int64(w.offsets.MmvadSubsection)))
	if err != nil {
		return 0, false, err
	}
	if subsection == 0 {
		return 0, false, nil
	}
	controlArea, err := w.readKernelU64(addr.GuestVirtAddr(subsection).Add(int64(w.offsets.SubsectionControlArea)))
	if err != nil {
		return 0, false, err
	}
	if controlArea == 0 {
		return 0, false, nil
	}
	rawFilePointer, err := w.readKernelU64(addr.GuestVirtAddr(controlArea).Add(int64(w.offsets.ControlAreaFilePointer)))
	if err != nil {
		return 0, false, err
	}
	fileObject := rawFilePointer &^ 0xf // EX_FAST_REF: low 4 bits are a refcount
	if fileObject == 0 {
		return 0, false, nil
	}
	return osapi.Path(addr.GuestPhysAddr(fileObject)), true, nil
}

func (w *Windows) VmaStart(v osapi.Vma) (addr.GuestVirtAddr, error) {
	vpn, err := w.readKernelU64(addr.GuestVirtAddr(v).Add(int64(w.offsets.MmvadStartingVpn)))
	if err != nil {
		return 0, err
	}
	return addr.GuestVirtAddr(vpn << 12), nil
}

func (w *Windows) VmaEnd(v osapi.Vma) (addr.GuestVirtAddr, error) {
	vpn, err := w.readKernelU64(addr.GuestVirtAddr(v).Add(int64(w.offsets.MmvadEndingVpn)))
	if err != nil {
		return 0, err
	}
	return addr.GuestVirtAddr((vpn + 1) << 12), nil
}

// VmaFlags decodes _MMVAD_FLAGS.Protection, a 5-bit field starting at bit 3
// whose low 3 bits select one of the 8 base MM_PROTECTION values; stable
// across x64 Windows releases even though the surrounding bitfield (type,
// commit charge, ...) is not.
func (w *Windows) VmaFlags(v osapi.Vma) (osapi.VmaFlags, error) {
	raw, err := w.readKernelU64(addr.GuestVirtAddr(v).Add(int64(w.offsets.MmvadFlags)))
	if err != nil {
		return 0, err
	}
	const (
		mmNoAccess = iota
		mmReadOnly
		mmExecute
		mmExecuteRead
		mmReadWrite
		mmWriteCopy
		mmExecuteReadWrite
		mmExecuteWriteCopy
	)
	protection := (raw >> 3) & 0x1f
	base := protection & 0x7

	var flags osapi.VmaFlags
	switch base {
	case mmReadOnly, mmExecuteRead, mmReadWrite, mmWriteCopy, mmExecuteReadWrite, mmExecuteWriteCopy:
		flags |= osapi.VmaRead
	}
	switch base {
	case mmReadWrite, mmWriteCopy, mmExecuteReadWrite, mmExecuteWriteCopy:
		flags |= osapi.VmaWrite
	}
	switch base {
	case mmExecute, mmExecuteRead, mmExecuteReadWrite, mmExecuteWriteCopy:
		flags |= osapi.VmaExec
	}
	return flags, nil
}

// ProcessCallstack unwinds the call stack of the vCPU currently scheduled
// to run p, refusing to guess by reading an arbitrary vCPU's registers
// when p isn't actually running anywhere.
func (w *Windows) ProcessCallstack(p osapi.Process, visit func(*osapi.StackFrame) error) error {
	pgd, err := w.ProcessPGD(p)
	if err != nil {
		return err
	}

	vcpuID := -1
	for i := 0; i < w.vcpus.Count(); i++ {
		thread, err := w.CurrentThread(i)
		if err != nil {
			return err
		}
		proc, err := w.ThreadProcess(thread)
		if err != nil {
			return err
		}
		if proc == p {
			vcpuID = i
			break
		}
	}
	if vcpuID < 0 {
		return vmerr.MissingModuleError("process is not currently scheduled on any vcpu")
	}

	ip, err := w.vcpus.NamedRegister(vcpuID, "rip")
	if err != nil {
		return err
	}
	sp, err := w.vcpus.NamedRegister(vcpuID, "rsp")
	if err != nil {
		return err
	}

	reader, err := w.moduleReaderFor(p, pgd)
	if err != nil {
		return err
	}
	// A fresh Unwinder per call: its cache is keyed by VMA start, which
	// another process may map to a different image.
	return unwind.New(w.logger, w.mem).WalkModules(pgd, addr.GuestVirtAddr(ip), addr.GuestVirtAddr(sp), visit, reader)
}

// moduleReaderFor builds an unwind.ModuleReader over p's VAD tree: each
// lookup finds the VMA containing ip and reads its mapped bytes straight
// out of guest memory through the process's own page tables, the same way
// the original reads a module's image to parse its exception directory
// without ever resolving a backing file. Pages of the VMA that are not
// mapped are left zero-filled.
func (w *Windows) moduleReaderFor(p osapi.Process, pgd addr.GuestPhysAddr) (unwind.ModuleReader, error) {
	type vmaBounds struct {
		start, end addr.GuestVirtAddr
	}
	var vmas []vmaBounds
	if err := w.ProcessForEachVma(p, func(v osapi.Vma) error {
		start, err := w.VmaStart(v)
		if err != nil {
			return err
		}
		end, err := w.VmaEnd(v)
		if err != nil {
			return err
		}
		if end > start {
			vmas = append(vmas, vmaBounds{start: start, end: end})
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(vmas, func(i, j int) bool { return vmas[i].start < vmas[j].start })

	return func(ip addr.GuestVirtAddr) (start, end addr.GuestVirtAddr, image []byte, ok bool) {
		i := sort.Search(len(vmas), func(i int) bool { return vmas[i].start > ip })
		if i == 0 {
			return 0, 0, nil, false
		}
		v := vmas[i-1]
		if ip < v.start || ip >= v.end {
			return 0, 0, nil, false
		}
		buf := make([]byte, v.end.Sub(v.start))
		for off := 0; off < len(buf); off += 0x1000 {
			page := buf[off:min(off+0x1000, len(buf))]
			err := pagetable.ReadVirtualMemory(w.mem, pgd, v.start.Add(int64(off)), page)
			var notMapped *vmerr.NotMappedError
			if err != nil && !errors.As(err, &notMapped) {
				return 0, 0, nil, false
			}
		}
		return v.start, v.end, buf, true
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
