// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/osapi"
)

// flatMemory is a whole-address-space byte slice, identity-mapped via a
// trivial single-level page table the same way the oslinux and pagetable
// test doubles are, so tests can write a return address at a known stack
// pointer and read it back without exercising the page walker itself.
type flatMemory struct {
	ram []byte
}

func (f *flatMemory) ReadPhysicalMemory(start addr.GuestPhysAddr, buf []byte) error {
	copy(buf, f.ram[start:])
	return nil
}
func (f *flatMemory) Mappings() []memory.Mapping {
	return []memory.Mapping{{Start: 0, Size: uint64(len(f.ram))}}
}

// presetModule seeds the unwinder's cache with already-parsed unwind data,
// bypassing parseModule, and marks its lazy-init Once as fired so
// unwindDataFor returns it unchanged instead of overwriting it on first use.
func (u *Unwinder) presetModule(start, end addr.GuestVirtAddr, data *moduleUnwindData) {
	entry := &vmaRange{start: start, end: end, data: data}
	entry.once.Do(func() {})
	u.cache[start] = entry
}

func newIdentityMappedMemory(size int) (*flatMemory, addr.GuestPhysAddr) {
	mem := &flatMemory{ram: make([]byte, size)}
	const pml4, pdpt = 0x1000, 0x2000
	binary.LittleEndian.PutUint64(mem.ram[pml4:], pdpt|1)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(mem.ram[pdpt+uint64(i)*8:], uint64(i)<<30|1|(1<<7))
	}
	return mem, addr.GuestPhysAddr(pml4)
}

func uwopCode(offset, opInfo, op byte) []byte {
	return []byte{offset, (op & 0xf) | (opInfo << 4)}
}

// buildUnwindInfo assembles a minimal UNWIND_INFO structure: a 4-byte
// header followed by the given 2-byte code slots, padded to an even count.
func buildUnwindInfo(version, flags byte, codes [][]byte, chained *RuntimeFunction) []byte {
	count := 0
	for range codes {
		count++
	}
	buf := []byte{(flags << 3) | version, 0, byte(count), 0}
	for _, c := range codes {
		buf = append(buf, c...)
	}
	if count%2 != 0 {
		buf = append(buf, 0, 0)
	}
	if chained != nil {
		rec := make([]byte, 12)
		binary.LittleEndian.PutUint32(rec[0:4], chained.Start)
		binary.LittleEndian.PutUint32(rec[4:8], chained.End)
		binary.LittleEndian.PutUint32(rec[8:12], chained.UnwindInfoRVA)
		buf = append(buf, rec...)
	}
	return buf
}

func TestParseUnwindInfoPushNonvol(t *testing.T) {
	info := buildUnwindInfo(1, 0, [][]byte{
		uwopCode(4, 0, uwopPushNonvol),
		uwopCode(2, 0, uwopPushNonvol),
	}, nil)
	size, chained, err := parseUnwindInfo(info)
	require.NoError(t, err)
	assert.Nil(t, chained)
	assert.Equal(t, uint64(16), size)
}

func TestParseUnwindInfoAllocSmall(t *testing.T) {
	// ALLOC_SMALL encodes (size/8 - 1) in opInfo.
	info := buildUnwindInfo(1, 0, [][]byte{
		uwopCode(4, 3, uwopAllocSmall), // (3+1)*8 = 32
	}, nil)
	size, _, err := parseUnwindInfo(info)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), size)
}

func TestParseUnwindInfoEpilogV2ContributesNoSize(t *testing.T) {
	info := buildUnwindInfo(2, 0, [][]byte{
		uwopCode(4, 0, uwopPushNonvol),
		uwopCode(0, 0, uwopEpilog),
	}, nil)
	size, _, err := parseUnwindInfo(info)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), size)
}

func TestParseUnwindInfoPushMachframe(t *testing.T) {
	info := buildUnwindInfo(1, 0, [][]byte{
		uwopCode(0, 0, uwopPushMachframe),
	}, nil)
	size, _, err := parseUnwindInfo(info)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), size)
}

func TestParseUnwindInfoChainedInfo(t *testing.T) {
	chained := &RuntimeFunction{Start: 0x100, End: 0x200, UnwindInfoRVA: 0x300}
	info := buildUnwindInfo(1, unwindFlagChainInfo, [][]byte{
		uwopCode(4, 0, uwopPushNonvol),
	}, chained)
	_, got, err := parseUnwindInfo(info)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *chained, *got)
}

func TestParseUnwindInfoRejectsUnsupportedVersion(t *testing.T) {
	info := []byte{3, 0, 0, 0}
	_, _, err := parseUnwindInfo(info)
	assert.Error(t, err)
}

func TestWalkUnknownModuleReturnsError(t *testing.T) {
	mem, pgd := newIdentityMappedMemory(0x10000)
	u := New(logr.Discard(), mem)
	err := u.WalkModules(pgd, 0x1000, 0x2000, func(*osapi.StackFrame) error { return nil }, nil)
	assert.Error(t, err)
}

func TestWalkLeafFrameReadsReturnAddressFromStack(t *testing.T) {
	mem, pgd := newIdentityMappedMemory(0x10000)
	const sp = 0x5000
	binary.LittleEndian.PutUint64(mem.ram[sp:], 0) // caller's ip is null, ends the walk

	u := New(logr.Discard(), mem)
	// Register an empty module (no RUNTIME_FUNCTION entries) so findByAddress
	// always misses and the leaf-frame path is exercised.
	u.presetModule(0x400000, 0x500000, &moduleUnwindData{base: 0x400000})

	var frames []*osapi.StackFrame
	modules := func(ip addr.GuestVirtAddr) (addr.GuestVirtAddr, addr.GuestVirtAddr, []byte, bool) {
		if ip >= 0x400000 && ip < 0x500000 {
			return 0x400000, 0x500000, nil, true
		}
		return 0, 0, nil, false
	}

	err := u.WalkModules(pgd, 0x401000, sp, func(f *osapi.StackFrame) error {
		frames = append(frames, f)
		return nil
	}, modules)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, addr.GuestVirtAddr(0x401000), frames[0].InstructionPointer)
}

func TestWalkFollowsKnownFunctionFrameSize(t *testing.T) {
	mem, pgd := newIdentityMappedMemory(0x10000)
	const callerSP = 0x5020 // sp (0x5000) + stackFrameSize (0x20)
	binary.LittleEndian.PutUint64(mem.ram[callerSP:], 0)

	u := New(logr.Discard(), mem)
	u.presetModule(0x400000, 0x500000, &moduleUnwindData{
		base: 0x400000,
		functions: []functionEntry{
			{start: 0x1000, end: 0x1100, stackFrameSize: 0x20},
		},
	})

	modules := func(ip addr.GuestVirtAddr) (addr.GuestVirtAddr, addr.GuestVirtAddr, []byte, bool) {
		return 0x400000, 0x500000, nil, true
	}

	var frames []*osapi.StackFrame
	err := u.WalkModules(pgd, 0x401000, 0x5000, func(f *osapi.StackFrame) error {
		frames = append(frames, f)
		return nil
	}, modules)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestWalkBoundsFrameCount(t *testing.T) {
	mem, pgd := newIdentityMappedMemory(0x20000)
	// Every return address slot points back at the same ip, so the walk
	// never naturally terminates and must be stopped by maxFrames. The slots
	// start at 0x3000, above the page tables at 0x1000 and 0x2000.
	for sp := uint64(0x3000); sp < uint64(len(mem.ram))-8; sp += 8 {
		binary.LittleEndian.PutUint64(mem.ram[sp:], 0x401000)
	}

	u := New(logr.Discard(), mem)
	u.presetModule(0x400000, 0x500000, &moduleUnwindData{base: 0x400000})
	modules := func(ip addr.GuestVirtAddr) (addr.GuestVirtAddr, addr.GuestVirtAddr, []byte, bool) {
		return 0x400000, 0x500000, nil, true
	}

	err := u.WalkModules(pgd, 0x401000, 0x3000, func(*osapi.StackFrame) error { return nil }, modules)
	assert.Error(t, err)
}
