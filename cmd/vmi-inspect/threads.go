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

func newThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads <pid>",
		Short: "List a process's threads",
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

			threads, err := osapi.CollectThreads(l, proc)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TID")
			for _, t := range threads {
				tid, err := l.ThreadID(t)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\n", tid)
			}
			return tw.Flush()
		},
	}
}
