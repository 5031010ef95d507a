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
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

func openPE(r io.ReaderAt) (peF *peFile, err error) {
	// Parsing the file with debug/pe can panic if the PE file is malformed.
	// To prevent a crash, we recover the panic and return it as an error
	// instead.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("error when processing PE file, probably corrupt: %s", rec)
		}
	}()

	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("error when parsing the PE file: %w", err)
	}

	var imageBase uint64
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		imageBase = uint64(hdr.ImageBase)
	case *pe.OptionalHeader64:
		imageBase = hdr.ImageBase
	default:
		return nil, errors.New("unknown optional header type")
	}

	peF = &peFile{file: f, reader: r, imageBase: imageBase}
	peF.getsymtab = sync.OnceValues(peF.initSymTab)
	return peF, nil
}

var _ fileHandler = (*peFile)(nil)

type peFile struct {
	file      *pe.File
	reader    io.ReaderAt
	imageBase uint64
	getsymtab func() (map[string]Symbol, error)
}

func (p *peFile) initSymTab() (map[string]Symbol, error) {
	var syms []Symbol
	for _, s := range p.file.Symbols {
		const (
			NUndef = 0  // An undefined (extern) symbol
			NAbs   = -1 // An absolute symbol (e_value is a constant, not an address)
			NDebug = -2 // A debugging symbol
		)
		sym := Symbol{Name: s.Name, Value: uint64(s.Value), Size: 0}
		switch s.SectionNumber {
		case NUndef, NAbs, NDebug: // do nothing
		default:
			if s.SectionNumber < 0 || len(p.file.Sections) < int(s.SectionNumber) {
				return nil, fmt.Errorf("invalid section number in symbol table")
			}
			sect := p.file.Sections[s.SectionNumber-1]
			sym.Value += p.imageBase + uint64(sect.VirtualAddress)
		}
		syms = append(syms, sym)
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

	return symm, nil
}

func (p *peFile) getSymbol(name string) (Symbol, error) {
	symm, err := p.getsymtab()
	if err != nil {
		return Symbol{}, err
	}
	sym, ok := symm[name]
	if !ok {
		return Symbol{}, ErrSymbolNotFound
	}
	return sym, nil
}

func (p *peFile) Close() error {
	err := p.file.Close()
	if err != nil {
		return err
	}
	return tryClose(p.reader)
}

func (p *peFile) getCodeSection() (uint64, []byte, error) {
	section := p.file.Section(".text")
	if section == nil {
		return 0, nil, ErrSectionDoesNotExist
	}
	data, err := section.Data()
	return p.imageBase + uint64(section.VirtualAddress), data, err
}

func (p *peFile) getSectionDataFromAddress(address uint64) (uint64, []byte, error) {
	for _, section := range p.file.Sections {
		if section.Offset == 0 {
			// Only exist in memory
			continue
		}

		if p.imageBase+uint64(section.VirtualAddress) <= address && address < p.imageBase+uint64(section.VirtualAddress+section.Size) {
			data, err := section.Data()
			return p.imageBase + uint64(section.VirtualAddress), data, err
		}
	}
	return 0, nil, ErrSectionDoesNotExist
}

func (p *peFile) getSectionData(name string) (uint64, []byte, error) {
	section := p.file.Section(name)
	if section == nil {
		return 0, nil, ErrSectionDoesNotExist
	}
	data, err := section.Data()
	return p.imageBase + uint64(section.VirtualAddress), data, err
}

func (p *peFile) getDataSections() ([]dataSection, error) {
	var sections []dataSection
	for _, s := range p.file.Sections {
		if s.Offset == 0 || s.Characteristics&pe.IMAGE_SCN_CNT_INITIALIZED_DATA == 0 || s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("error when getting data for section %s: %w", s.Name, err)
		}
		sections = append(sections, dataSection{name: s.Name, addr: p.imageBase + uint64(s.VirtualAddress), data: data})
	}
	return sections, nil
}

func (p *peFile) mappedRanges() []addrRange {
	var ranges []addrRange
	for _, s := range p.file.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if size == 0 {
			continue
		}
		start := p.imageBase + uint64(s.VirtualAddress)
		ranges = append(ranges, addrRange{start: start, end: start + uint64(size)})
	}
	return ranges
}

func (p *peFile) getFileInfo() *FileInfo {
	fi := &FileInfo{ByteOrder: binary.LittleEndian, OS: "windows"}
	switch p.file.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		fi.WordSize = intSize32
		fi.Arch = Arch386
	case pe.IMAGE_FILE_MACHINE_ARM64:
		fi.WordSize = intSize64
		fi.Arch = ArchARM64
	default:
		fi.WordSize = intSize64
		fi.Arch = ArchAMD64
	}
	return fi
}
