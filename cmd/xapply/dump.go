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
	"strconv"
	"unicode"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/xreftk/xapply"
)

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [shared object] [data dir] [address]",
		Short: "print the labels a symbol file produces, or resolve one address",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := xapply.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			db := xapply.NewDatabase(img)
			if _, err := xapply.ApplyDir(db, args[1]); err != nil {
				return err
			}

			if len(args) == 3 {
				addr, err := strconv.ParseUint(args[2], 0, 64)
				if err != nil {
					return errors.Wrapf(err, "bad address %q", args[2])
				}
				label, off, ok := db.Resolve(xapply.Address(addr))
				if !ok {
					return errors.Errorf("no label at or before %#x", addr)
				}
				if off == 0 {
					fmt.Println(label.Name)
				} else {
					fmt.Printf("%s+%#x\n", label.Name, off)
				}
				return nil
			}

			codeStart, code, err := img.Code()
			if err != nil {
				return err
			}
			codeEnd := codeStart + uint64(len(code))
			for _, label := range db.Labels() {
				// Letters follow nm conventions, text or data with
				// lowercase for non primary labels.
				letter := 'D'
				if uint64(label.Addr) >= codeStart && uint64(label.Addr) < codeEnd {
					letter = 'T'
				}
				if !label.Primary {
					letter = unicode.ToLower(letter)
				}
				fmt.Printf("%016x %c %s\n", uint64(label.Addr), letter, label.Name)
			}
			return nil
		},
	}
}
