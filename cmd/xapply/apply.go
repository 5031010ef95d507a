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

func newApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [shared object] [data dir]",
		Short: "apply a traced symbol file to an offline label database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := xapply.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			db := xapply.NewDatabase(img)
			n, err := xapply.ApplyDir(db, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("applied %d labels.\n", n)
			return nil
		},
	}
}
