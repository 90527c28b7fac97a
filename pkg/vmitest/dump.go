// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmitest

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/antimetal/vmi/pkg/vcpu"
)

// dumpFile is the on-disk representation this module's reference backend
// reads and writes. It is not a real hypervisor dump format (e.g. ELF
// core, QMP's gdb memory dump); production dump-file parsing is out of
// scope, and this format exists only so cmd/vmi-inspect has something
// concrete to point --dump at in examples and tests.
type dumpFile struct {
	RAM  []byte
	Regs []vcpu.Registers
}

// SaveDump writes b's RAM and register snapshots to path.
func SaveDump(path string, b *Backend) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dump file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(dumpFile{RAM: b.ram, Regs: b.regs}); err != nil {
		return fmt.Errorf("encoding dump file: %w", err)
	}
	return nil
}

// LoadDump reads a Backend previously written by SaveDump.
func LoadDump(path string) (*Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dump file: %w", err)
	}
	defer f.Close()

	var d dumpFile
	if err := gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding dump file: %w", err)
	}
	return &Backend{ram: d.RAM, regs: d.Regs}, nil
}
