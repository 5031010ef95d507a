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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	elfMagic    = []byte{0x7f, 0x45, 0x4c, 0x46}
	peMagic     = []byte{0x4d, 0x5a}
	machoMagic1 = []byte{0xfe, 0xed, 0xfa, 0xce}
	machoMagic2 = []byte{0xfe, 0xed, 0xfa, 0xcf}
	machoMagic3 = []byte{0xce, 0xfa, 0xed, 0xfe}
	machoMagic4 = []byte{0xcf, 0xfa, 0xed, 0xfe}
)

const maxMagicBufLen = 4

// Open opens an image file and returns a handler to it. ELF, Mach-O and PE
// images are supported. The format is detected from the file magic.
func Open(filePath string) (*Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, maxMagicBufLen)
	n, err := f.Read(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if n < maxMagicBufLen {
		f.Close()
		return nil, ErrNotEnoughBytesRead
	}

	image := new(Image)
	switch {
	case fileMagicMatch(buf, elfMagic):
		image.fh, err = openELF(f)
	case fileMagicMatch(buf, peMagic):
		image.fh, err = openPE(f)
	case fileMagicMatch(buf, machoMagic1), fileMagicMatch(buf, machoMagic2),
		fileMagicMatch(buf, machoMagic3), fileMagicMatch(buf, machoMagic4):
		image.fh, err = openMachO(f)
	default:
		err = ErrUnsupportedFile
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	image.FileInfo = image.fh.getFileInfo()

	return image, nil
}

// Image is an opened program image.
type Image struct {
	// FileInfo holds information about the image file.
	FileInfo *FileInfo
	fh       fileHandler
}

// Close releases the file handler.
func (i *Image) Close() error {
	return i.fh.Close()
}

// Symbol looks up a named symbol in the image's symbol tables.
// If the symbol does not exist, ErrSymbolNotFound is returned.
func (i *Image) Symbol(name string) (Symbol, error) {
	return i.fh.getSymbol(name)
}

// Code returns the load address and the contents of the image's code section.
func (i *Image) Code() (uint64, []byte, error) {
	return i.fh.getCodeSection()
}

// Bytes returns a slice of raw bytes with the length in the file from the address.
func (i *Image) Bytes(address uint64, length uint64) ([]byte, error) {
	base, section, err := i.fh.getSectionDataFromAddress(address)
	if err != nil {
		return nil, err
	}

	if address+length-base > uint64(len(section)) {
		return nil, errors.New("length out of bounds")
	}

	return section[address-base : address+length-base], nil
}

// word reads a pointer sized integer from the given address.
func (i *Image) word(address uint64) (uint64, error) {
	data, err := i.Bytes(address, uint64(i.FileInfo.WordSize))
	if err != nil {
		return 0, err
	}
	if i.FileInfo.WordSize == intSize32 {
		return uint64(i.FileInfo.ByteOrder.Uint32(data)), nil
	}
	return i.FileInfo.ByteOrder.Uint64(data), nil
}

// uint32At reads a 32-bit integer from the given address.
func (i *Image) uint32At(address uint64) (uint32, error) {
	data, err := i.Bytes(address, 4)
	if err != nil {
		return 0, err
	}
	return i.FileInfo.ByteOrder.Uint32(data), nil
}

// cstringAt reads a NUL terminated string from the given address.
func (i *Image) cstringAt(address uint64) (string, error) {
	base, data, err := i.fh.getSectionDataFromAddress(address)
	if err != nil {
		return "", err
	}
	s, ok := cstring(data[address-base:])
	if !ok {
		return "", fmt.Errorf("unterminated string at %#x", address)
	}
	return s, nil
}

type fileHandler interface {
	io.Closer
	getCodeSection() (uint64, []byte, error)
	getSectionData(string) (uint64, []byte, error)
	getSectionDataFromAddress(uint64) (uint64, []byte, error)
	getDataSections() ([]dataSection, error)
	getSymbol(string) (Symbol, error)
	mappedRanges() []addrRange
	getFileInfo() *FileInfo
}

// dataSection is a loaded non-executable section of the image.
type dataSection struct {
	name string
	addr uint64
	data []byte
}

// addrRange is a half open address interval.
type addrRange struct {
	start uint64
	end   uint64
}

func (r addrRange) contains(addr uint64) bool {
	return r.start <= addr && addr < r.end
}

func fileMagicMatch(buf, magic []byte) bool {
	return bytes.HasPrefix(buf, magic)
}

// FileInfo holds information about the file.
type FileInfo struct {
	// Arch is the architecture the image is compiled for.
	Arch string
	// OS is the operating system the image is compiled for.
	OS string
	// ByteOrder is the byte order.
	ByteOrder binary.ByteOrder
	// WordSize is the natural integer size used by the file.
	WordSize int
}

const (
	ArchAMD64 = "amd64"
	ArchARM64 = "arm64"
	ArchARM   = "arm"
	Arch386   = "i386"
)

const (
	intSize32 = 4
	intSize64 = 8
)
