// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"testing"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestModule() *ModuleSymbols {
	b := NewBuilder()
	b.AddSymbol("init_task", addr.GuestVirtAddr(0x1000))
	b.AddSymbol("schedule", addr.GuestVirtAddr(0x2000))
	b.AddSymbol("do_exit", addr.GuestVirtAddr(0x3000))
	b.AddStruct(&Struct{
		Name: "task_struct",
		Size: 100,
		Fields: []StructField{
			{Name: "pid", Offset: 8},
			{Name: "comm", Offset: 16},
		},
	})
	return b.Build()
}

func TestGetSymbolExact(t *testing.T) {
	m := buildTestModule()
	sym, ok := m.GetSymbol(0x2000)
	require.True(t, ok)
	assert.Equal(t, "schedule", sym.Name)

	_, ok = m.GetSymbol(0x2001)
	assert.False(t, ok)
}

func TestGetSymbolInexact(t *testing.T) {
	m := buildTestModule()
	sym, off, ok := m.GetSymbolInexact(0x2050)
	require.True(t, ok)
	assert.Equal(t, "schedule", sym.Name)
	assert.Equal(t, uint64(0x50), off)

	_, _, ok = m.GetSymbolInexact(0x0fff)
	assert.False(t, ok)
}

func TestGetAddress(t *testing.T) {
	m := buildTestModule()
	a, ok := m.GetAddress("do_exit")
	require.True(t, ok)
	assert.Equal(t, addr.GuestVirtAddr(0x3000), a)

	_, err := m.RequireAddress("nonexistent")
	assert.Error(t, err)
}

func TestStructFindOffsetAndSize(t *testing.T) {
	m := buildTestModule()
	s, ok := m.GetStruct("task_struct")
	require.True(t, ok)

	off, size, ok := s.FindOffsetAndSize("pid")
	require.True(t, ok)
	assert.Equal(t, uint64(8), off)
	assert.Equal(t, uint64(8), size) // gap to "comm" at offset 16

	off, size, ok = s.FindOffsetAndSize("comm")
	require.True(t, ok)
	assert.Equal(t, uint64(16), off)
	assert.Equal(t, uint64(84), size) // gap to struct size 100
}

func TestIterSymbolsAscending(t *testing.T) {
	m := buildTestModule()
	var seen []string
	err := m.IterSymbols(func(s Symbol) error {
		seen = append(seen, s.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"init_task", "schedule", "do_exit"}, seen)
}
