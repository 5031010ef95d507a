// This file is part of xapply.
//
// Copyright (C) 2024-2026 xapply Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xreftk/xapply"
)

func newTraceCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "trace [shared object] [metadata] [xref data]",
		Short: "trace all xrefs and write the apply script and its data",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := xapply.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			md, err := xapply.OpenMetadata(args[1])
			if err != nil {
				return err
			}
			tf, err := xapply.LoadTraceFile(args[2])
			if err != nil {
				return err
			}

			fmt.Println("tracing all symbols.")
			sf, err := xapply.TraceAll(img, md, tf)
			if err != nil {
				return err
			}
			if err := xapply.WriteArtifacts(outputDir, sf); err != nil {
				return err
			}
			fmt.Println("trace complete.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "./data", "directory to place the apply script and its data into")
	return cmd
}
