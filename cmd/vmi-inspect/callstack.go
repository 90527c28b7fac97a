// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antimetal/vmi/pkg/osapi"
)

func newCallstackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "callstack <pid>",
		Short: "Print a process's reconstructed call stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLinux()
			if err != nil {
				return err
			}
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			proc, err := findProcessByPID(l, pid)
			if err != nil {
				return err
			}

			frames, err := osapi.CollectCallstack(l, proc)
			if err != nil {
				return err
			}
			for i, f := range frames {
				fmt.Printf("#%-3d %#016x  (vma %#x-%#x)\n", i, uint64(f.InstructionPointer), uint64(f.RangeStart), uint64(f.RangeEnd))
			}
			return nil
		},
	}
}
