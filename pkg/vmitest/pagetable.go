// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmitest

import (
	"encoding/binary"

	"github.com/antimetal/vmi/pkg/addr"
)

// IdentityMap1GiB installs a single PML4 entry plus a PDPT of four 1GiB
// large-page entries at pml4Addr, pdptAddr, mapping every guest virtual
// address in the low 4GiB to the identical physical address. It spares a
// fixture from building a full four-level walk when the scenario doesn't
// care about translation itself. The tests in this module build their own
// page tables, and the CLI's --dump loader does not call it.
func (b *Backend) IdentityMap1GiB(pml4Addr, pdptAddr addr.GuestPhysAddr) {
	b.putU64(uint64(pml4Addr), uint64(pdptAddr)|1)
	const present, writable, large = 1, 1 << 1, 1 << 7
	for i := 0; i < 4; i++ {
		b.putU64(uint64(pdptAddr)+uint64(i)*8, uint64(i)<<30|present|writable|large)
	}
}

func (b *Backend) putU64(at uint64, v uint64) {
	binary.LittleEndian.PutUint64(b.ram[at:], v)
}
