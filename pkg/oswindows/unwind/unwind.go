// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package unwind reconstructs a Windows x64 call stack by walking the
// PE .pdata exception directory's RUNTIME_FUNCTION table and decoding each
// function's UNWIND_INFO to compute how much stack space it allocates,
// frame by frame, until it reaches a null instruction pointer.
package unwind

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/osapi"
	"github.com/antimetal/vmi/pkg/pagetable"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// maxFrames bounds the number of frames a single callstack walk will
// produce; a function table that loops due to a corrupted or malicious
// image must not hang the walk.
const maxFrames = 1024

// RuntimeFunction is one entry of the PE exception directory: the start
// and end RVA of a function, and the RVA of its UNWIND_INFO structure.
type RuntimeFunction struct {
	Start, End     uint32
	UnwindInfoRVA uint32
}

// functionEntry augments a RuntimeFunction with its resolved stack frame
// size and, when the function's epilog is a chained/mother frame, the
// parent RuntimeFunction it continues into.
type functionEntry struct {
	start, end     uint32
	stackFrameSize uint64
	mother         *RuntimeFunction
}

// moduleUnwindData is the parsed exception directory for one loaded
// module (VMA), built lazily the first time a frame needs it and cached
// for the lifetime of the Unwinder, mirroring the original's
// OnceCell<UnwindData> per VMA.
type moduleUnwindData struct {
	base      addr.GuestVirtAddr
	functions []functionEntry // sorted by start RVA
}

func (d *moduleUnwindData) findByAddress(rva uint32) *functionEntry {
	i := sort.Search(len(d.functions), func(i int) bool { return d.functions[i].start > rva })
	if i == 0 {
		return nil
	}
	f := &d.functions[i-1]
	if rva >= f.start && rva < f.end {
		return f
	}
	return nil
}

// vmaRange is one cached VMA: its address range and the unwind data parsed,
// once, from the PE image mapped there.
type vmaRange struct {
	start, end addr.GuestVirtAddr
	once       sync.Once
	data       *moduleUnwindData
	err        error
}

// Unwinder reconstructs call stacks for a guest whose modules are readable
// through mem. VMAs are discovered lazily per walk via the ModuleReader
// callback supplied to WalkModules (or, for Walk, looked up among the VMAs
// already in the cache), rather than enumerated up front, since the
// unwinder itself has no notion of a process's VMA list.
type Unwinder struct {
	logger logr.Logger
	mem    memory.Reader

	mu    sync.Mutex
	cache map[addr.GuestVirtAddr]*vmaRange // keyed by VMA start
}

func New(logger logr.Logger, mem memory.Reader) *Unwinder {
	return &Unwinder{
		logger: logger.WithName("unwind"),
		mem:    mem,
		cache:  make(map[addr.GuestVirtAddr]*vmaRange),
	}
}

// ModuleReader resolves the VMA containing ip and returns its address
// range plus the bytes of the PE image mapped there, so the unwinder can
// parse its exception directory. Returning ok=false means ip is not inside
// any known module (e.g. JIT-generated code), which ends the walk the same
// way an unmapped page would.
type ModuleReader func(ip addr.GuestVirtAddr) (start, end addr.GuestVirtAddr, image []byte, ok bool)

// Walk reconstructs the call stack starting at (ip, sp) by repeatedly
// looking up ip's containing module among the VMAs already in the
// unwinder's cache, decoding its unwind info to find the
// calling frame's stack pointer and return address, and emitting a frame
// via visit, until ip is null or a module can't be resolved.
func (u *Unwinder) Walk(pgd addr.GuestPhysAddr, ip, sp addr.GuestVirtAddr, visit func(*osapi.StackFrame) error) error {
	return u.walkWithReader(pgd, ip, sp, visit, nil)
}

// WalkModules is Walk but resolves modules through an explicit reader
// instead of requiring callers to have pre-populated the unwinder's cache;
// production callers (the Windows personality) supply one built from the
// process's VAD tree.
func (u *Unwinder) WalkModules(pgd addr.GuestPhysAddr, ip, sp addr.GuestVirtAddr, visit func(*osapi.StackFrame) error, modules ModuleReader) error {
	return u.walkWithReader(pgd, ip, sp, visit, modules)
}

func (u *Unwinder) walkWithReader(pgd addr.GuestPhysAddr, ip, sp addr.GuestVirtAddr, visit func(*osapi.StackFrame) error, modules ModuleReader) error {
	for frames := 0; ip != 0; frames++ {
		if frames >= maxFrames {
			return fmt.Errorf("callstack exceeded %d frames, assuming corruption", maxFrames)
		}
		if ip.IsKernel() {
			return fmt.Errorf("encountered kernel instruction pointer %#x while unwinding", uint64(ip))
		}

		var vmaStart, vmaEnd addr.GuestVirtAddr
		var image []byte
		var ok bool
		if modules != nil {
			vmaStart, vmaEnd, image, ok = modules(ip)
		} else {
			u.mu.Lock()
			for start, e := range u.cache {
				if ip >= start && ip < e.end {
					vmaStart, vmaEnd, ok = start, e.end, true
					break
				}
			}
			u.mu.Unlock()
		}
		if !ok {
			return vmerr.WrapTranslation(&vmerr.NotMappedError{Reason: "instruction pointer not inside any known module"})
		}

		data, err := u.unwindDataFor(vmaStart, vmaEnd, image)
		if err != nil {
			return err
		}

		rva := uint32(ip.Sub(vmaStart))
		fn := data.findByAddress(rva)
		if fn == nil {
			// Leafmost frame: no function table entry means this frame
			// never pushed a stack frame (e.g. it's a pure leaf using
			// only volatile registers), so the return address sits
			// directly at [sp].
			retAddr, caller, err := u.readReturnAddress(pgd, sp)
			if err != nil {
				return err
			}
			if err := visit(&osapi.StackFrame{
				InstructionPointer: ip,
				StackPointer:       sp,
				RangeStart:         vmaStart,
				RangeEnd:           vmaEnd,
			}); err != nil {
				return err
			}
			ip, sp = retAddr, caller
			continue
		}

		callerSP := sp.Add(int64(fn.stackFrameSize))
		if fn.mother != nil {
			if mother := data.findByAddress(fn.mother.Start); mother != nil {
				callerSP = callerSP.Add(int64(mother.stackFrameSize))
			}
		}

		if err := visit(&osapi.StackFrame{
			InstructionPointer: ip,
			StackPointer:       sp,
			RangeStart:         vmaStart,
			RangeEnd:           vmaEnd,
		}); err != nil {
			return err
		}

		retAddr, newSP, err := u.readReturnAddress(pgd, callerSP)
		if err != nil {
			return err
		}
		ip, sp = retAddr, newSP
	}
	return nil
}

func (u *Unwinder) readReturnAddress(pgd addr.GuestPhysAddr, sp addr.GuestVirtAddr) (retAddr, newSP addr.GuestVirtAddr, err error) {
	var buf [8]byte
	if err := pagetable.ReadVirtualMemory(u.mem, pgd, sp, buf[:]); err != nil {
		return 0, 0, vmerr.WrapMemory(err)
	}
	return addr.GuestVirtAddr(binary.LittleEndian.Uint64(buf[:])), sp.Add(8), nil
}

func (u *Unwinder) unwindDataFor(start, end addr.GuestVirtAddr, image []byte) (*moduleUnwindData, error) {
	u.mu.Lock()
	entry, ok := u.cache[start]
	if !ok {
		entry = &vmaRange{start: start, end: end}
		u.cache[start] = entry
	}
	u.mu.Unlock()

	entry.once.Do(func() {
		entry.data, entry.err = parseModule(start, image)
	})
	return entry.data, entry.err
}

// parseModule parses a PE image's exception directory into sorted
// functionEntry records. It mirrors the original's parse_directory_range:
// reject anything but UNWIND_INFO version 1 or 2, and follow the chained
// flag to record each entry's mother frame.
func parseModule(base addr.GuestVirtAddr, image []byte) (*moduleUnwindData, error) {
	f, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("parsing PE image: %w", err)
	}
	defer f.Close()

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("unsupported PE image: not PE32+")
	}
	const imageDirectoryEntryException = 3
	if int(imageDirectoryEntryException) >= len(oh.DataDirectory) {
		return nil, fmt.Errorf("no exception directory")
	}
	dir := oh.DataDirectory[imageDirectoryEntryException]
	if dir.Size == 0 {
		return &moduleUnwindData{base: base}, nil
	}

	raw, err := bytesAtRVA(image, dir.VirtualAddress, dir.Size)
	if err != nil {
		return nil, fmt.Errorf("reading exception directory: %w", err)
	}

	const entrySize = 12
	n := len(raw) / entrySize
	functions := make([]functionEntry, 0, n)

	for i := 0; i < n; i++ {
		rec := raw[i*entrySize : (i+1)*entrySize]
		rf := RuntimeFunction{
			Start:         binary.LittleEndian.Uint32(rec[0:4]),
			End:           binary.LittleEndian.Uint32(rec[4:8]),
			UnwindInfoRVA: binary.LittleEndian.Uint32(rec[8:12]),
		}

		info, err := bytesAtRVA(image, rf.UnwindInfoRVA, 256)
		if err != nil {
			continue // unreadable unwind info for this entry; skip it
		}

		size, chained, err := parseUnwindInfo(info)
		if err != nil {
			continue
		}

		entry := functionEntry{start: rf.Start, end: rf.End, stackFrameSize: size}
		if chained != nil {
			entry.mother = chained
		}
		functions = append(functions, entry)
	}

	sort.Slice(functions, func(i, j int) bool { return functions[i].start < functions[j].start })
	return &moduleUnwindData{base: base, functions: functions}, nil
}

// bytesAtRVA reads up to n bytes starting at rva directly out of image.
// image is the module as mapped in guest memory (i.e. already relocated
// and paged in at its load address), so unlike a PE file on disk, an RVA
// is simply an offset into image — there is no raw-file-offset
// indirection through section headers to undo.
func bytesAtRVA(image []byte, rva, n uint32) ([]byte, error) {
	if uint64(rva)+uint64(n) > uint64(len(image)) {
		if uint64(rva) >= uint64(len(image)) {
			return nil, fmt.Errorf("rva %#x out of range (image size %d)", rva, len(image))
		}
		n = uint32(len(image)) - rva
	}
	return image[rva : rva+n], nil
}

// UWOP opcode codes, per the x64 exception handling ABI.
const (
	uwopPushNonvol    = 0
	uwopAllocLarge    = 1
	uwopAllocSmall    = 2
	uwopSetFpreg      = 3
	uwopSaveNonvol    = 4
	uwopSaveNonvolFar = 5
	uwopEpilog        = 6 // version 2 only; version 1 repurposes this code for SAVE_XMM128
	uwopSpare         = 7 // reserved in version 2
	uwopSaveXmm128    = 8
	uwopSaveXmm128Far = 9
	uwopPushMachframe = 10
)

const unwindFlagChainInfo = 0x04

// parseUnwindInfo decodes an UNWIND_INFO structure's codes array and
// returns the total stack space this function's prolog allocates (the
// figure needed to compute the caller's stack pointer), plus the chained
// RUNTIME_FUNCTION when the chain-info flag is set.
func parseUnwindInfo(info []byte) (uint64, *RuntimeFunction, error) {
	if len(info) < 4 {
		return 0, nil, fmt.Errorf("truncated unwind info")
	}
	versionAndFlags := info[0]
	version := versionAndFlags & 0x7
	flags := versionAndFlags >> 3
	if version != 1 && version != 2 {
		return 0, nil, fmt.Errorf("unsupported unwind info version %d", version)
	}
	codeCount := info[2]

	pos := 4
	var size uint64
	for i := 0; i < int(codeCount) && pos+2 <= len(info); {
		codeOffset := info[pos]
		op := info[pos+1] & 0xf
		opInfo := info[pos+1] >> 4
		_ = codeOffset

		switch op {
		case uwopPushNonvol:
			size += 8
			pos += 2
			i++
		case uwopAllocLarge:
			if opInfo == 0 {
				if pos+4 > len(info) {
					return 0, nil, fmt.Errorf("truncated ALLOC_LARGE")
				}
				size += uint64(binary.LittleEndian.Uint16(info[pos+2:pos+4])) * 8
				pos += 4
				i += 2
			} else {
				if pos+6 > len(info) {
					return 0, nil, fmt.Errorf("truncated ALLOC_LARGE")
				}
				size += uint64(binary.LittleEndian.Uint32(info[pos+2 : pos+6]))
				pos += 6
				i += 3
			}
		case uwopAllocSmall:
			size += uint64(opInfo)*8 + 8
			pos += 2
			i++
		case uwopSetFpreg:
			pos += 2
			i++
		case uwopSaveNonvol:
			pos += 4
			i += 2
		case uwopSaveNonvolFar:
			pos += 6
			i += 3
		case uwopEpilog:
			if version == 2 {
				// Contributes nothing to frame size; the following slot
				// holds a 2-byte operand describing the epilog's own
				// offset/size, which is skipped along with the code.
				pos += 4
				i += 2
			} else {
				// version 1 repurposes code 6 for SAVE_XMM128.
				pos += 4
				i += 2
			}
		case uwopSpare:
			pos += 2
			i++
		case uwopSaveXmm128:
			pos += 4
			i += 2
		case uwopSaveXmm128Far:
			pos += 6
			i += 3
		case uwopPushMachframe:
			if opInfo == 1 {
				size += 8 // error code pushed before the machine frame
			}
			size += 40 // iret frame: SS, RSP, EFLAGS, CS, RIP
			pos += 2
			i++
		default:
			return 0, nil, fmt.Errorf("unknown unwind opcode %d", op)
		}
	}

	// Account for this function's own fixed-size locals region, not
	// represented by UWOP_ALLOC codes when the compiler folds it into the
	// frame pointer setup; deliberately left as the codes-only total, the
	// same scope the original unwinder's parse_unwind_codes covers.

	if flags&unwindFlagChainInfo != 0 {
		// Chained unwind info: the codes array is padded to an even
		// count, and a RUNTIME_FUNCTION for the parent frame follows
		// immediately after.
		tailOffset := 4 + int(codeCount)*2
		if codeCount%2 != 0 {
			tailOffset += 2
		}
		if tailOffset+12 <= len(info) {
			rec := info[tailOffset : tailOffset+12]
			chained := &RuntimeFunction{
				Start:         binary.LittleEndian.Uint32(rec[0:4]),
				End:           binary.LittleEndian.Uint32(rec[4:8]),
				UnwindInfoRVA: binary.LittleEndian.Uint32(rec[8:12]),
			}
			return size, chained, nil
		}
	}

	return size, nil, nil
}
