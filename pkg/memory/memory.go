// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package memory defines the narrow physical-memory-access interface every
// backend (dump reader, hypervisor attach) implements, plus the default
// helpers built on top of it: bounded reads, value decoding, and linear
// memory search.
package memory

import (
	"bytes"
	"encoding/binary"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/vmerr"
)

// Reader reads guest physical memory. Implementations report OutOfBounds
// when the requested range falls outside any backing region, Io when the
// underlying transport failed, and Unsupported when the backend cannot
// service the request at all (e.g. a dump reader asked to read device MMIO
// it never captured).
type Reader interface {
	// ReadPhysicalMemory fills buf from the guest physical address start.
	// It never performs a short read: either buf is filled completely or
	// an error is returned.
	ReadPhysicalMemory(start addr.GuestPhysAddr, buf []byte) error

	// Mappings reports the physical address ranges the backend can read,
	// in ascending, non-overlapping order.
	Mappings() []Mapping
}

// Mapping describes one contiguous region of guest physical memory the
// backend can read.
type Mapping struct {
	Start addr.GuestPhysAddr
	Size  uint64
}

// End returns the address one past the last byte in the mapping.
func (m Mapping) End() addr.GuestPhysAddr {
	return m.Start.Add(int64(m.Size))
}

// ReadBytes is a convenience wrapper that allocates and returns the result
// of ReadPhysicalMemory, mirroring vminer-core's default_read_virtual_memory
// helper at the physical-memory layer.
func ReadBytes(r Reader, start addr.GuestPhysAddr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := r.ReadPhysicalMemory(start, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadUint64 reads a little-endian uint64 at the given physical address.
func ReadUint64(r Reader, at addr.GuestPhysAddr) (uint64, error) {
	var buf [8]byte
	if err := r.ReadPhysicalMemory(at, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint32 reads a little-endian uint32 at the given physical address.
func ReadUint32(r Reader, at addr.GuestPhysAddr) (uint32, error) {
	var buf [4]byte
	if err := r.ReadPhysicalMemory(at, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// FindInMemory scans every mapping reported by r for the first occurrence
// of pattern, returning the physical address it starts at. It mirrors
// vminer-core's find_in_kernel_memory, which scans each mapped region with
// a Boyer-Moore-Horspool style substring finder; bytes.Index is the
// standard-library equivalent used here.
func FindInMemory(r Reader, pattern []byte) (addr.GuestPhysAddr, bool, error) {
	found, ok, err := firstMatch(r, pattern, nil)
	return found, ok, err
}

// IterInMemory calls visit with the address of every non-overlapping
// occurrence of pattern across all mappings, stopping at the first error
// visit returns (mirroring vminer-core's iter_in_kernel_memory /
// KernelSearchIterator contract: caller-driven, short-circuits on error).
func IterInMemory(r Reader, pattern []byte, visit func(addr.GuestPhysAddr) error) error {
	_, _, err := firstMatch(r, pattern, visit)
	return err
}

func firstMatch(r Reader, pattern []byte, visit func(addr.GuestPhysAddr) error) (addr.GuestPhysAddr, bool, error) {
	if len(pattern) == 0 {
		return 0, false, nil
	}
	for _, m := range r.Mappings() {
		if m.Size < uint64(len(pattern)) {
			continue
		}
		buf, err := ReadBytes(r, m.Start, int(m.Size))
		if err != nil {
			return 0, false, vmerr.WrapMemory(err)
		}
		offset := 0
		for {
			idx := bytes.Index(buf[offset:], pattern)
			if idx < 0 {
				break
			}
			at := m.Start.Add(int64(offset + idx))
			if visit == nil {
				return at, true, nil
			}
			if err := visit(at); err != nil {
				return 0, false, err
			}
			offset += idx + len(pattern)
		}
	}
	return 0, false, nil
}
