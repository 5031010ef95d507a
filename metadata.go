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
	"fmt"
	"os"
)

// metadataSanity is the magic number a global metadata file starts with.
const metadataSanity = 0xfab11baf

// metadataTable locates one table inside the metadata file.
type metadataTable struct {
	Offset int32
	Size   int32
}

// metadataHeader is the file header of the global metadata. The table list
// matches the file layout of versions 29 and 31, all tables are kept so the
// header can be read in one go even though only a few of them are used.
type metadataHeader struct {
	Sanity  uint32
	Version int32

	StringLiteral                         metadataTable
	StringLiteralData                     metadataTable
	String                                metadataTable
	Events                                metadataTable
	Properties                            metadataTable
	Methods                               metadataTable
	ParameterDefaultValues                metadataTable
	FieldDefaultValues                    metadataTable
	FieldAndParameterDefaultValueData     metadataTable
	FieldMarshaledSizes                   metadataTable
	Parameters                            metadataTable
	Fields                                metadataTable
	GenericParameters                     metadataTable
	GenericParameterConstraints           metadataTable
	GenericContainers                     metadataTable
	NestedTypes                           metadataTable
	Interfaces                            metadataTable
	VTableMethods                         metadataTable
	InterfaceOffsets                      metadataTable
	TypeDefinitions                       metadataTable
	Images                                metadataTable
	Assemblies                            metadataTable
	FieldRefs                             metadataTable
	ReferencedAssemblies                  metadataTable
	AttributeData                         metadataTable
	AttributeDataRange                    metadataTable
	UnresolvedIndirectCallParameterTypes  metadataTable
	UnresolvedIndirectCallParameterRanges metadataTable
	WindowsRuntimeTypeNames               metadataTable
	WindowsRuntimeStrings                 metadataTable
	ExportedTypeDefinitions               metadataTable
}

// imageDef is an image definition record in the metadata.
type imageDef struct {
	NameIndex            int32
	AssemblyIndex        int32
	TypeStart            int32
	TypeCount            uint32
	ExportedTypeStart    int32
	ExportedTypeCount    uint32
	EntryPointIndex      int32
	Token                uint32
	CustomAttributeStart int32
	CustomAttributeCount uint32
}

// typeDef is a type definition record in the metadata.
type typeDef struct {
	NameIndex             int32
	NamespaceIndex        int32
	ByvalTypeIndex        int32
	DeclaringTypeIndex    int32
	ParentIndex           int32
	ElementTypeIndex      int32
	GenericContainerIndex int32
	Flags                 uint32
	FieldStart            int32
	MethodStart           int32
	EventStart            int32
	PropertyStart         int32
	NestedTypesStart      int32
	InterfacesStart       int32
	VTableStart           int32
	InterfaceOffsetsStart int32
	MethodCount           uint16
	PropertyCount         uint16
	FieldCount            uint16
	EventCount            uint16
	NestedTypeCount       uint16
	VTableCount           uint16
	InterfaceCount        uint16
	InterfaceOffsetsCount uint16
	Bitfield              uint32
	Token                 uint32
}

// methodDefV29 is a method definition record for metadata version 29.
type methodDefV29 struct {
	NameIndex             int32
	DeclaringType         int32
	ReturnType            int32
	ParameterStart        int32
	GenericContainerIndex int32
	Token                 uint32
	Flags                 uint16
	Iflags                uint16
	Slot                  uint16
	ParameterCount        uint16
}

// methodDefV31 is a method definition record for metadata version 31. It
// differs from version 29 by the return parameter token after the return type.
type methodDefV31 struct {
	NameIndex             int32
	DeclaringType         int32
	ReturnType            int32
	ReturnParameterToken  int32
	ParameterStart        int32
	GenericContainerIndex int32
	Token                 uint32
	Flags                 uint16
	Iflags                uint16
	Slot                  uint16
	ParameterCount        uint16
}

// methodDef is the version independent part of a method definition.
type methodDef struct {
	NameIndex     int32
	DeclaringType int32
	Token         uint32
}

const (
	imageDefSize     = 40
	typeDefSize      = 88
	methodDefSizeV29 = 32
	methodDefSizeV31 = 36
)

// Metadata is a parsed global metadata file. Only the tables needed to
// resolve method tokens are decoded.
type Metadata struct {
	// Version is the metadata version of the file.
	Version int32

	strings []byte
	images  []imageDef
	types   []typeDef
	methods []methodDef
}

// OpenMetadata reads and parses a global metadata file from disk.
func OpenMetadata(metadataPath string) (*Metadata, error) {
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, err
	}
	return ParseMetadata(data)
}

// ParseMetadata parses a global metadata blob. Metadata versions 29 and 31
// in little endian byte order are supported.
func ParseMetadata(data []byte) (*Metadata, error) {
	var hdr metadataHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("error when reading the metadata header: %w", err)
	}
	if hdr.Sanity != metadataSanity {
		return nil, fmt.Errorf("%w: bad sanity value %#x", ErrBadMetadata, hdr.Sanity)
	}
	if hdr.Version != 29 && hdr.Version != 31 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMetadataVersion, hdr.Version)
	}

	md := &Metadata{Version: hdr.Version}

	var err error
	md.strings, err = tableData(data, hdr.String)
	if err != nil {
		return nil, fmt.Errorf("string table: %w", err)
	}

	imageData, err := tableData(data, hdr.Images)
	if err != nil {
		return nil, fmt.Errorf("image table: %w", err)
	}
	md.images, err = decodeTable[imageDef](imageData, imageDefSize, "image")
	if err != nil {
		return nil, err
	}

	typeData, err := tableData(data, hdr.TypeDefinitions)
	if err != nil {
		return nil, fmt.Errorf("type definition table: %w", err)
	}
	md.types, err = decodeTable[typeDef](typeData, typeDefSize, "type definition")
	if err != nil {
		return nil, err
	}

	methodData, err := tableData(data, hdr.Methods)
	if err != nil {
		return nil, fmt.Errorf("method table: %w", err)
	}
	switch hdr.Version {
	case 29:
		raw, err := decodeTable[methodDefV29](methodData, methodDefSizeV29, "method")
		if err != nil {
			return nil, err
		}
		md.methods = make([]methodDef, len(raw))
		for i, m := range raw {
			md.methods[i] = methodDef{NameIndex: m.NameIndex, DeclaringType: m.DeclaringType, Token: m.Token}
		}
	case 31:
		raw, err := decodeTable[methodDefV31](methodData, methodDefSizeV31, "method")
		if err != nil {
			return nil, err
		}
		md.methods = make([]methodDef, len(raw))
		for i, m := range raw {
			md.methods[i] = methodDef{NameIndex: m.NameIndex, DeclaringType: m.DeclaringType, Token: m.Token}
		}
	}

	return md, nil
}

func tableData(data []byte, t metadataTable) ([]byte, error) {
	if t.Offset < 0 || t.Size < 0 {
		return nil, fmt.Errorf("%w: negative table bounds", ErrBadMetadata)
	}
	end := int64(t.Offset) + int64(t.Size)
	if end > int64(len(data)) {
		return nil, fmt.Errorf("%w: table at %#x+%#x runs past the end of the file", ErrBadMetadata, t.Offset, t.Size)
	}
	return data[t.Offset:end], nil
}

func decodeTable[T any](data []byte, recordSize int, what string) ([]T, error) {
	if len(data)%recordSize != 0 {
		return nil, fmt.Errorf("%w: %s table size %d is not a multiple of %d", ErrBadMetadata, what, len(data), recordSize)
	}
	out := make([]T, len(data)/recordSize)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("error when reading the %s table: %w", what, err)
	}
	return out, nil
}

// str returns the NUL terminated string at the given index of the string table.
func (md *Metadata) str(index int32) (string, error) {
	if index < 0 || int(index) >= len(md.strings) {
		return "", fmt.Errorf("%w: string index %d out of range", ErrBadMetadata, index)
	}
	s, ok := cstring(md.strings[index:])
	if !ok {
		return "", fmt.Errorf("%w: unterminated string at index %d", ErrBadMetadata, index)
	}
	return s, nil
}

// imageCount returns the number of images in the metadata.
func (md *Metadata) imageCount() int {
	return len(md.images)
}

// imageName returns the name of the image, for example "mscorlib.dll".
func (md *Metadata) imageName(img imageDef) (string, error) {
	return md.str(img.NameIndex)
}

// imageTypes returns the type definitions belonging to the image.
func (md *Metadata) imageTypes(img imageDef) ([]typeDef, error) {
	start := int(img.TypeStart)
	end := start + int(img.TypeCount)
	if start < 0 || end > len(md.types) {
		return nil, fmt.Errorf("%w: image type range %d..%d out of range", ErrBadMetadata, start, end)
	}
	return md.types[start:end], nil
}

// imageMethodCount returns the number of methods defined by the image's types.
func (md *Metadata) imageMethodCount(img imageDef) (uint64, error) {
	types, err := md.imageTypes(img)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, t := range types {
		n += uint64(t.MethodCount)
	}
	return n, nil
}

// typeMethods returns the method definitions belonging to the type.
func (md *Metadata) typeMethods(t typeDef) ([]methodDef, error) {
	if t.MethodCount == 0 {
		return nil, nil
	}
	start := int(t.MethodStart)
	end := start + int(t.MethodCount)
	if start < 0 || end > len(md.methods) {
		return nil, fmt.Errorf("%w: type method range %d..%d out of range", ErrBadMetadata, start, end)
	}
	return md.methods[start:end], nil
}
