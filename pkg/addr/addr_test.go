// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestVirtAddrWraparound(t *testing.T) {
	var a GuestVirtAddr = 0
	got := a.Add(-1)
	assert.Equal(t, GuestVirtAddr(0xffffffffffffffff), got)
}

func TestGuestVirtAddrSubSigned(t *testing.T) {
	a := GuestVirtAddr(0x1000)
	b := GuestVirtAddr(0x2000)
	assert.Equal(t, int64(-0x1000), a.Sub(b))
	assert.Equal(t, int64(0x1000), b.Sub(a))
}

func TestIsKernel(t *testing.T) {
	assert.False(t, GuestVirtAddr(0x0000_7fff_ffff_ffff).IsKernel())
	assert.True(t, GuestVirtAddr(0xffff_8000_0000_0000).IsKernel())
}

func TestPagingIndices(t *testing.T) {
	// A canonical address with distinct, recognizable index bits at each level.
	a := GuestVirtAddr(0)
	a |= GuestVirtAddr(0x1ab) << pml4Shift
	a |= GuestVirtAddr(0x0cd) << pdptShift
	a |= GuestVirtAddr(0x0ef) << pdShift
	a |= GuestVirtAddr(0x123) << ptShift
	a |= 0x456

	require.Equal(t, uint64(0x1ab&idxMask), a.Pml4e())
	require.Equal(t, uint64(0x0cd), a.Pdpe())
	require.Equal(t, uint64(0x0ef), a.Pde())
	require.Equal(t, uint64(0x123), a.Pte())
	require.Equal(t, uint64(0x456), a.PageOffset())
}

func TestPteAccessors(t *testing.T) {
	p := PTE(ptePresent | pteWritable | pteUser | 0x0000123456789000)
	assert.True(t, p.IsValid())
	assert.True(t, p.IsWritable())
	assert.True(t, p.IsUser())
	assert.True(t, p.IsExecutable())
	assert.False(t, p.IsLarge())

	notPresent := PTE(0)
	assert.False(t, notPresent.IsValid())

	nx := PTE(ptePresent | pteNx)
	assert.False(t, nx.IsExecutable())
}

func TestPteFrameMasks(t *testing.T) {
	p := PTE(ptePresent | pteLarge | 0x0000123456600000)
	assert.True(t, p.IsLarge())
	assert.Equal(t, GuestPhysAddr(0x0000123456600000), p.LargePageFrame())

	huge := PTE(ptePresent | pteLarge | 0x0000123440000000)
	assert.Equal(t, GuestPhysAddr(0x0000123440000000), huge.HugePageFrame())

	small := PTE(ptePresent | 0x0000123456789abc)
	assert.Equal(t, GuestPhysAddr(0x0000123456789000), small.PageFrame())
}
