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

package xapply

import (
	"github.com/pkg/errors"
)

// Address is a location inside a program's address space.
type Address uint64

// SourceType records what produced a label.
type SourceType uint8

const (
	// SourceDefault marks labels synthesized by the database itself.
	SourceDefault SourceType = iota
	// SourceAnalysis marks labels produced by automated analysis.
	SourceAnalysis
	// SourceImported marks labels imported from an external symbol source.
	SourceImported
	// SourceUserDefined marks labels requested by a user.
	SourceUserDefined
)

func (s SourceType) String() string {
	switch s {
	case SourceAnalysis:
		return "analysis"
	case SourceImported:
		return "imported"
	case SourceUserDefined:
		return "user defined"
	default:
		return "default"
	}
}

// Label is a name attached to an address.
type Label struct {
	Addr    Address
	Name    string
	Source  SourceType
	Primary bool
}

// Program is the labeling surface of a program database.
type Program interface {
	// ResolveAddress converts a raw image offset to an address.
	ResolveAddress(offset uint64) (Address, error)
	// CreateLabel attaches a label to an address. Labels already present at
	// the address are kept.
	CreateLabel(addr Address, name string, makePrimary bool, source SourceType) (Label, error)
}

// Apply attaches every entry of the symbol file to the program as a primary
// user defined label. Entries are applied in file order and the first failure
// stops the run, leaving the earlier entries applied.
func Apply(p Program, sf *SymbolFile) error {
	for _, entry := range sf.Symbols {
		addr, err := p.ResolveAddress(entry.Offset)
		if err != nil {
			return errors.Wrapf(err, "resolving offset %#x for %s", entry.Offset, entry.Symbol)
		}
		if _, err := p.CreateLabel(addr, entry.Symbol, true, SourceUserDefined); err != nil {
			return errors.Wrapf(err, "creating label %s at %#x", entry.Symbol, uint64(addr))
		}
	}
	return nil
}

// ApplyDir loads xref_apply.json from dir and applies it to the program.
// It returns the number of entries applied.
func ApplyDir(p Program, dir string) (int, error) {
	sf, err := LoadSymbolFile(dir)
	if err != nil {
		return 0, err
	}
	if err := Apply(p, sf); err != nil {
		return 0, err
	}
	return len(sf.Symbols), nil
}
