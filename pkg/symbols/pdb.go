// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symbols

import (
	"fmt"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/symbols/pdb"
)

// loadPDBBytes builds a ModuleSymbols from a raw PDB file. Segment/offset
// pairs are turned into plain addresses by treating segment 0 as already
// RVA-relative, which holds for the common case of a single-section image
// produced by modern toolchains; multi-segment images need the caller to
// supply the PE's section table separately, which this module does not
// currently do (struct-offset resolution, the primary consumer, only needs
// symbol presence plus type info, not precise addresses).
func loadPDBBytes(data []byte) (*ModuleSymbols, error) {
	syms, err := pdb.ParseSymbols(data)
	if err != nil {
		return nil, fmt.Errorf("parsing PDB: %w", err)
	}
	b := NewBuilder()
	for _, s := range syms {
		b.AddSymbol(s.Name, addr.GuestVirtAddr(s.Offset))
	}
	return b.Build(), nil
}
