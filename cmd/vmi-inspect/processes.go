// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antimetal/vmi/pkg/osapi"
)

func newProcessesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List every process in the guest",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLinux()
			if err != nil {
				return err
			}

			procs, err := osapi.CollectProcesses(l)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tPPID\tNAME")
			for _, p := range procs {
				pid, err := l.ProcessPID(p)
				if err != nil {
					return err
				}
				name, err := l.ProcessName(p)
				if err != nil {
					return err
				}
				var ppid uint32
				if parent, perr := l.ProcessParent(p); perr == nil {
					ppid, _ = l.ProcessPID(parent)
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\n", pid, ppid, name)
			}
			return tw.Flush()
		},
	}
}
