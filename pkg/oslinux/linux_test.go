// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package oslinux

import (
	"encoding/binary"
	"testing"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/antimetal/vmi/pkg/osapi"
	"github.com/antimetal/vmi/pkg/symbols"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

// flatMemory is a whole-address-space byte slice used so kernel virtual
// addresses can be written and read back directly without needing a real
// page table (every test task_struct lives at a low, identity-mapped
// "physical" address; newTestLinux leaves kernelPgd as 0, where each test
// installs an identity map with identityPageTable).
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
func (f *flatMemory) putU64(at uint64, v uint64) {
	binary.LittleEndian.PutUint64(f.ram[at:], v)
}
func (f *flatMemory) putU32(at uint64, v uint32) {
	binary.LittleEndian.PutUint32(f.ram[at:], v)
}
func (f *flatMemory) putString(at uint64, s string) {
	copy(f.ram[at:], s)
}

// identityPageTable builds a single-level mapping (PML4 -> PDPT, each with
// large 1GiB entries) so every test virtual address equals its physical
// address, keeping the test focused on task_struct traversal rather than
// on exercising the page walker (already covered by the pagetable
// package's own tests).
func identityPageTable(mem *flatMemory, pml4 uint64) {
	// inside the 1MiB test RAM, below the test tasks at 0x10000
	const pdpt = 0xf000
	for i := 0; i < 4; i++ { // cover the low 4GiB
		mem.putU64(pml4, pdpt|1)
		mem.putU64(pdpt+uint64(i)*8, uint64(i)<<30|1|(1<<7))
	}
}

func buildTestOffsets() Offsets {
	return Offsets{
		TaskStructPid:         0x10,
		TaskStructComm:        0x18,
		TaskStructMm:          0x28,
		TaskStructTasks:       0x30, // list_head{next,prev}
		TaskStructChildren:    0x40,
		TaskStructSibling:     0x50,
		TaskStructRealParent:  0x60,
		TaskStructThreadGroup: 0x70,
		TaskStructGroupLeader: 0x78,
		TaskStructActiveMm:    0x80,
		TaskStructTgid:        0x88,
		MmStructPgd:           0x08,
		MmStructMmap:          0x10,
		VmAreaStructVmStart:   0x00,
		VmAreaStructVmEnd:     0x08,
		VmAreaStructVmFlags:   0x10,
		VmAreaStructVmFile:    0x18,
		VmAreaStructVmNext:    0x20,
	}
}

func newTestLinux(t *testing.T, mem *flatMemory) *Linux {
	t.Helper()
	return &Linux{
		logger:    logr.Discard(),
		mem:       mem,
		offsets:   buildTestOffsets(),
		kernelPgd: 0,
	}
}

const taskSize = 0x90

func writeTask(mem *flatMemory, addr uint64, pid uint32, name string) {
	mem.putU32(addr+0x10, pid)
	mem.putString(addr+0x18, name)
}

func TestForEachProcessWalksTasksList(t *testing.T) {
	mem := &flatMemory{ram: make([]byte, 1<<20)}
	identityPageTable(mem, 0)

	const initTask = 0x10000
	const proc2 = 0x10100
	const proc3 = 0x10200

	writeTask(mem, initTask, 1, "init")
	writeTask(mem, proc2, 2, "kthreadd")
	writeTask(mem, proc3, 3, "worker")

	tasksOff := buildTestOffsets().TaskStructTasks
	// circular doubly linked list: init -> proc2 -> proc3 -> init
	mem.putU64(initTask+tasksOff, proc2+tasksOff)
	mem.putU64(proc2+tasksOff, proc3+tasksOff)
	mem.putU64(proc3+tasksOff, initTask+tasksOff)

	l := newTestLinux(t, mem)
	l.fast.InitTask = addr.GuestVirtAddr(initTask)

	var pids []uint32
	err := l.ForEachProcess(func(p osapi.Process) error {
		pid, err := l.ProcessPID(p)
		if err != nil {
			return err
		}
		pids = append(pids, pid)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, pids)
}

func TestThreadProcessFollowsGroupLeader(t *testing.T) {
	mem := &flatMemory{ram: make([]byte, 1<<20)}
	identityPageTable(mem, 0)

	const leader = 0x10000
	const thread = 0x10100
	writeTask(mem, leader, 100, "main")
	writeTask(mem, thread, 101, "worker-thread")

	off := buildTestOffsets()
	mem.putU64(thread+off.TaskStructGroupLeader, leader)
	mem.putU64(leader+off.TaskStructGroupLeader, leader)

	l := newTestLinux(t, mem)

	proc, err := l.ThreadProcess(osapi.Thread(thread))
	require.NoError(t, err)
	pid, err := l.ProcessPID(osapi.Process(proc))
	require.NoError(t, err)
	require.Equal(t, uint32(100), pid)
}

func TestProcessForEachVmaFallsBackToActiveMmForKernelThreads(t *testing.T) {
	mem := &flatMemory{ram: make([]byte, 1<<20)}
	identityPageTable(mem, 0)

	off := buildTestOffsets()
	const task = 0x10000
	const activeMm = 0x20000
	const vma1 = 0x30000

	writeTask(mem, task, 2, "kthreadd")
	// task->mm is left 0 (kernel thread); task->active_mm points elsewhere.
	mem.putU64(task+off.TaskStructActiveMm, activeMm)
	mem.putU64(activeMm+off.MmStructMmap, vma1)
	mem.putU64(vma1+off.VmAreaStructVmStart, 0x1000)
	mem.putU64(vma1+off.VmAreaStructVmEnd, 0x2000)
	mem.putU64(vma1+off.VmAreaStructVmNext, 0)

	l := newTestLinux(t, mem)

	var starts []addr.GuestVirtAddr
	err := l.ProcessForEachVma(osapi.Process(task), func(v osapi.Vma) error {
		start, err := l.VmaStart(v)
		if err != nil {
			return err
		}
		starts = append(starts, start)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []addr.GuestVirtAddr{0x1000}, starts)
}

func TestWalkListHeadDetectsCorruption(t *testing.T) {
	mem := &flatMemory{ram: make([]byte, 1<<20)}
	identityPageTable(mem, 0)
	l := newTestLinux(t, mem)

	// head -> a -> b -> a: the links cycle between a and b and never lead
	// back to the head sentinel, so only the maxListWalk bound ends the walk.
	const head = 0x3000
	const a = 0x1000
	const b = 0x2000
	mem.putU64(head, a)
	mem.putU64(a, b)
	mem.putU64(b, a)

	err := l.walkListHead(addr.GuestVirtAddr(head), 0, func(addr.GuestVirtAddr) error {
		return nil
	})
	require.Error(t, err)
}

func TestStructOffsetFallback(t *testing.T) {
	b := symbols.NewBuilder()
	b.AddStruct(&symbols.Struct{
		Name: "task_struct",
		Size: 200,
		Fields: []symbols.StructField{
			{Name: "pid", Offset: 0x10},
			{Name: "comm", Offset: 0x18},
		},
	})
	ms := b.Build()
	s, err := ms.RequireStruct("task_struct")
	require.NoError(t, err)
	off, ok := s.FindOffset("pid")
	require.True(t, ok)
	require.Equal(t, uint64(0x10), off)
}
