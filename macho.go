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
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

func openMachO(r io.ReaderAt) (*machoFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("error when parsing the Mach-O file: %w", err)
	}
	ret := &machoFile{file: f, reader: r}
	ret.getsymtab = sync.OnceValue(ret.initSymtab)
	return ret, nil
}

var _ fileHandler = (*machoFile)(nil)

type machoFile struct {
	file      *macho.File
	reader    io.ReaderAt
	getsymtab func() map[string]Symbol
}

func (m *machoFile) initSymtab() map[string]Symbol {
	if m.file.Symtab == nil {
		return nil
	}

	const stabTypeMask = 0xe0
	// Build a sorted list of all symbols.
	// We infer the size of a symbol by looking at where the next symbol begins.
	syms := make([]Symbol, 0)
	for _, s := range m.file.Symtab.Syms {
		if s.Type&stabTypeMask != 0 {
			// Skip stab debug info.
			continue
		}
		// C symbols carry a leading underscore in Mach-O.
		name := strings.TrimPrefix(s.Name, "_")
		syms = append(syms, Symbol{Name: name, Value: s.Value})
	}

	slices.SortStableFunc(syms, func(a, b Symbol) int {
		return cmp.Compare(a.Value, b.Value)
	})

	for i := 0; i < len(syms)-1; i++ {
		syms[i].Size = syms[i+1].Value - syms[i].Value
	}

	symm := make(map[string]Symbol)
	for _, sym := range syms {
		symm[sym.Name] = sym
	}

	return symm
}

func (m *machoFile) getSymbol(name string) (Symbol, error) {
	sym, ok := m.getsymtab()[name]
	if !ok {
		return Symbol{}, ErrSymbolNotFound
	}
	return sym, nil
}

func (m *machoFile) Close() error {
	err := m.file.Close()
	if err != nil {
		return err
	}
	return tryClose(m.reader)
}

func (m *machoFile) getCodeSection() (uint64, []byte, error) {
	return m.getSectionData("__text")
}

func (m *machoFile) getSectionDataFromAddress(address uint64) (uint64, []byte, error) {
	for _, section := range m.file.Sections {
		if section.Offset == 0 {
			// Only exist in memory
			continue
		}

		if section.Addr <= address && address < (section.Addr+section.Size) {
			data, err := section.Data()
			return section.Addr, data, err
		}
	}
	return 0, nil, ErrSectionDoesNotExist
}

func (m *machoFile) getSectionData(s string) (uint64, []byte, error) {
	var section *types.Section
	for _, sect := range m.file.Sections {
		if sect.Name == s {
			section = sect
			break
		}
	}
	if section == nil {
		return 0, nil, ErrSectionDoesNotExist
	}
	data, err := section.Data()
	return section.Addr, data, err
}

func (m *machoFile) getDataSections() ([]dataSection, error) {
	var sections []dataSection
	for _, s := range m.file.Sections {
		if s.Offset == 0 {
			continue
		}
		if s.Seg != "__DATA" && s.Seg != "__DATA_CONST" && s.Seg != "__DATA_DIRTY" {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("error when getting data for section %s: %w", s.Name, err)
		}
		sections = append(sections, dataSection{name: s.Name, addr: s.Addr, data: data})
	}
	return sections, nil
}

func (m *machoFile) mappedRanges() []addrRange {
	var ranges []addrRange
	for _, s := range m.file.Sections {
		if s.Size == 0 {
			continue
		}
		ranges = append(ranges, addrRange{start: s.Addr, end: s.Addr + s.Size})
	}
	return ranges
}

func (m *machoFile) getFileInfo() *FileInfo {
	fi := &FileInfo{
		ByteOrder: m.file.ByteOrder,
		OS:        "macOS",
	}
	switch m.file.CPU {
	case types.CPUI386:
		fi.WordSize = intSize32
		fi.Arch = Arch386
	case types.CPUAmd64:
		fi.WordSize = intSize64
		fi.Arch = ArchAMD64
	case types.CPUArm:
		fi.WordSize = intSize32
		fi.Arch = ArchARM
	case types.CPUArm64:
		fi.WordSize = intSize64
		fi.Arch = ArchARM64
	default:
		panic("Unsupported architecture")
	}
	return fi
}
