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

func newVmasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vmas <pid>",
		Short: "List a process's virtual memory mappings",
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

			vmas, err := osapi.CollectVmas(l, proc)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "START\tEND\tFLAGS\tFILE")
			for _, v := range vmas {
				start, err := l.VmaStart(v)
				if err != nil {
					return err
				}
				end, err := l.VmaEnd(v)
				if err != nil {
					return err
				}
				flags, err := l.VmaFlags(v)
				if err != nil {
					return err
				}

				file := ""
				if p, ok, err := l.VmaFile(v); err == nil && ok {
					file, _ = l.PathToString(p)
				}

				fmt.Fprintf(tw, "%#x\t%#x\t%s\t%s\n", uint64(start), uint64(end), vmaFlagsString(flags), file)
			}
			return tw.Flush()
		},
	}
}

func vmaFlagsString(flags osapi.VmaFlags) string {
	out := []byte("---")
	if flags.IsRead() {
		out[0] = 'r'
	}
	if flags.IsWrite() {
		out[1] = 'w'
	}
	if flags.IsExec() {
		out[2] = 'x'
	}
	return string(out)
}
