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
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sync"
)

func openELF(r io.ReaderAt) (*elfFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("error when parsing the ELF file: %w", err)
	}
	ret := &elfFile{file: f, reader: r}
	ret.getsymtab = sync.OnceValues(ret.initSymTab)
	return ret, nil
}

var _ fileHandler = (*elfFile)(nil)

type elfFile struct {
	file      *elf.File
	reader    io.ReaderAt
	getsymtab func() (map[string]Symbol, error)
}

func (e *elfFile) initSymTab() (map[string]Symbol, error) {
	symm := make(map[string]Symbol)
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Section == elf.SHN_UNDEF {
				continue
			}
			symm[sym.Name] = Symbol{
				Name:  sym.Name,
				Value: sym.Value,
				Size:  sym.Size,
			}
		}
	}

	syms, err := e.file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("error when getting the symbols: %w", err)
	}
	add(syms)

	// Stripped images still carry their exported symbols in the dynamic table.
	dsyms, err := e.file.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("error when getting the dynamic symbols: %w", err)
	}
	add(dsyms)

	return symm, nil
}

func (e *elfFile) getSymbol(name string) (Symbol, error) {
	symm, err := e.getsymtab()
	if err != nil {
		return Symbol{}, err
	}
	sym, ok := symm[name]
	if !ok {
		return Symbol{}, ErrSymbolNotFound
	}
	return sym, nil
}

func (e *elfFile) Close() error {
	err := e.file.Close()
	if err != nil {
		return err
	}
	return tryClose(e.reader)
}

func (e *elfFile) getCodeSection() (uint64, []byte, error) {
	section := e.file.Section(".text")
	if section == nil {
		return 0, nil, ErrSectionDoesNotExist
	}
	data, err := section.Data()
	if err != nil {
		return 0, nil, fmt.Errorf("error when getting the code section: %w", err)
	}
	return section.Addr, data, nil
}

func (e *elfFile) getSectionDataFromAddress(address uint64) (uint64, []byte, error) {
	for _, section := range e.file.Sections {
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

func (e *elfFile) getSectionData(name string) (uint64, []byte, error) {
	section := e.file.Section(name)
	if section == nil {
		return 0, nil, ErrSectionDoesNotExist
	}
	data, err := section.Data()
	return section.Addr, data, err
}

func (e *elfFile) getDataSections() ([]dataSection, error) {
	var sections []dataSection
	for _, s := range e.file.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 || s.Flags&elf.SHF_EXECINSTR != 0 {
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

func (e *elfFile) mappedRanges() []addrRange {
	var ranges []addrRange
	for _, s := range e.file.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		ranges = append(ranges, addrRange{start: s.Addr, end: s.Addr + s.Size})
	}
	return ranges
}

func (e *elfFile) getFileInfo() *FileInfo {
	var wordSize int
	class := e.file.FileHeader.Class
	if class == elf.ELFCLASS32 {
		wordSize = intSize32
	}
	if class == elf.ELFCLASS64 {
		wordSize = intSize64
	}

	var arch string
	switch e.file.Machine {
	case elf.EM_386:
		arch = Arch386
	case elf.EM_X86_64:
		arch = ArchAMD64
	case elf.EM_ARM:
		arch = ArchARM
	case elf.EM_AARCH64:
		arch = ArchARM64
	}

	return &FileInfo{
		ByteOrder: e.file.FileHeader.ByteOrder,
		OS:        "linux",
		WordSize:  wordSize,
		Arch:      arch,
	}
}
