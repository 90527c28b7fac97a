// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmitest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/vcpu"
)

func TestReadPhysicalMemoryRoundTrip(t *testing.T) {
	b := New(0x1000, 1)
	b.WritePhysical(0x10, []byte{1, 2, 3, 4})

	buf := make([]byte, 4)
	require.NoError(t, b.ReadPhysicalMemory(0x10, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestReadPhysicalMemoryOutOfBounds(t *testing.T) {
	b := New(0x100, 1)
	err := b.ReadPhysicalMemory(0x100, make([]byte, 8))
	assert.Error(t, err)
}

func TestMappingsCoversAllRAM(t *testing.T) {
	b := New(0x2000, 1)
	mappings := b.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, addr.GuestPhysAddr(0), mappings[0].Start)
	assert.Equal(t, uint64(0x2000), mappings[0].Size)
}

func TestNamedRegisterResolvesSnakeCaseName(t *testing.T) {
	b := New(0x100, 1)
	b.SetRegisters(0, vcpu.Registers{Rip: 0xdeadbeef, FsBase: 0x1234})

	rip, err := b.NamedRegister(0, "rip")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), rip)

	fsBase, err := b.NamedRegister(0, "fs_base")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), fsBase)
}

func TestNamedRegisterUnknownName(t *testing.T) {
	b := New(0x100, 1)
	_, err := b.NamedRegister(0, "not_a_register")
	assert.Error(t, err)
}

func TestRegistersInvalidVcpuId(t *testing.T) {
	b := New(0x100, 1)
	_, err := b.Registers(5)
	assert.Error(t, err)
}
