// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pagetable

import (
	"encoding/binary"
	"testing"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/memory"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat byte-slice-backed memory.Reader for unit tests.
type fakeMemory struct {
	ram []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{ram: make([]byte, size)}
}

func (f *fakeMemory) ReadPhysicalMemory(start addr.GuestPhysAddr, buf []byte) error {
	copy(buf, f.ram[start:])
	return nil
}

func (f *fakeMemory) Mappings() []memory.Mapping {
	return []memory.Mapping{{Start: 0, Size: uint64(len(f.ram))}}
}

func (f *fakeMemory) setEntry(table addr.GuestPhysAddr, index uint64, entry addr.PTE) {
	binary.LittleEndian.PutUint64(f.ram[uint64(table)+index*8:], uint64(entry))
}

func TestTranslate4KPage(t *testing.T) {
	mem := newFakeMemory(1 << 20)

	const pml4 = 0x1000
	const pdpt = 0x2000
	const pd = 0x3000
	const pt = 0x4000
	const frame = 0x5000

	va := addr.GuestVirtAddr(0x0000123456789abc)

	mem.setEntry(pml4, va.Pml4e(), addr.PTE(pdpt|1))
	mem.setEntry(pdpt, va.Pdpe(), addr.PTE(pd|1))
	mem.setEntry(pd, va.Pde(), addr.PTE(pt|1))
	mem.setEntry(pt, va.Pte(), addr.PTE(frame|1))

	pa, err := Translate(mem, pml4, va)
	require.NoError(t, err)
	require.Equal(t, addr.GuestPhysAddr(frame).Add(int64(va.PageOffset())), pa)
}

func TestTranslateNotPresent(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	va := addr.GuestVirtAddr(0x1000)
	_, err := Translate(mem, 0, va)
	require.Error(t, err)
}

func TestTranslateLargePage(t *testing.T) {
	mem := newFakeMemory(1 << 20)
	const pml4 = 0x1000
	const pdpt = 0x2000
	const pd = 0x3000
	const largeFrame = 0x200000 // 2MiB aligned

	va := addr.GuestVirtAddr(0x0000000000200abc)

	mem.setEntry(pml4, va.Pml4e(), addr.PTE(pdpt|1))
	mem.setEntry(pdpt, va.Pdpe(), addr.PTE(pd|1))
	mem.setEntry(pd, va.Pde(), addr.PTE((largeFrame)|1|(1<<7)))

	pa, err := Translate(mem, pml4, va)
	require.NoError(t, err)
	require.Equal(t, addr.GuestPhysAddr(largeFrame).Add(int64(va.LargePageOffset())), pa)
}
