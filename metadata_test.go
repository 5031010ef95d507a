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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metadataBuilder assembles a synthetic global metadata blob out of the same
// record structs the parser reads.
type metadataBuilder struct {
	strings bytes.Buffer
	images  []imageDef
	types   []typeDef
	methods []methodDefV29
}

func (b *metadataBuilder) addString(s string) int32 {
	off := int32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	return off
}

func (b *metadataBuilder) build(t *testing.T, version int32) []byte {
	t.Helper()

	var hdr metadataHeader
	hdr.Sanity = metadataSanity
	hdr.Version = version

	headerSize := int32(binary.Size(&hdr))
	var body bytes.Buffer
	place := func(data []byte) metadataTable {
		tbl := metadataTable{Offset: headerSize + int32(body.Len()), Size: int32(len(data))}
		body.Write(data)
		return tbl
	}

	hdr.String = place(b.strings.Bytes())
	hdr.TypeDefinitions = place(encodeRecords(t, b.types))
	hdr.Images = place(encodeRecords(t, b.images))
	if version == 31 {
		v31 := make([]methodDefV31, len(b.methods))
		for i, m := range b.methods {
			v31[i] = methodDefV31{NameIndex: m.NameIndex, DeclaringType: m.DeclaringType, Token: m.Token}
		}
		hdr.Methods = place(encodeRecords(t, v31))
	} else {
		hdr.Methods = place(encodeRecords(t, b.methods))
	}

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, &hdr))
	out.Write(body.Bytes())
	return out.Bytes()
}

func encodeRecords(t *testing.T, records any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, records))
	return buf.Bytes()
}

// testMetadataBuilder returns a builder with one image holding one type with
// two methods, the smallest shape the resolver exercises.
func testMetadataBuilder() *metadataBuilder {
	b := &metadataBuilder{}
	b.types = []typeDef{{
		NameIndex:      b.addString("Player"),
		NamespaceIndex: b.addString("Game"),
		MethodStart:    0,
		MethodCount:    2,
	}}
	b.methods = []methodDefV29{
		{NameIndex: b.addString("Attack"), Token: 0x06000001},
		{NameIndex: b.addString("Heal"), Token: 0x06000002},
	}
	b.images = []imageDef{{
		NameIndex: b.addString("Asm.dll"),
		TypeStart: 0,
		TypeCount: 1,
	}}
	return b
}

func TestParseMetadata(t *testing.T) {
	for _, version := range []int32{29, 31} {
		t.Run(map[int32]string{29: "v29", 31: "v31"}[version], func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			md, err := ParseMetadata(testMetadataBuilder().build(t, version))
			require.NoError(err)
			assert.Equal(version, md.Version)
			require.Equal(1, md.imageCount())

			name, err := md.imageName(md.images[0])
			assert.NoError(err)
			assert.Equal("Asm.dll", name)

			n, err := md.imageMethodCount(md.images[0])
			assert.NoError(err)
			assert.Equal(uint64(2), n)

			types, err := md.imageTypes(md.images[0])
			require.NoError(err)
			require.Len(types, 1)

			ns, err := md.str(types[0].NamespaceIndex)
			assert.NoError(err)
			assert.Equal("Game", ns)

			methods, err := md.typeMethods(types[0])
			require.NoError(err)
			require.Len(methods, 2)
			first, err := md.str(methods[0].NameIndex)
			assert.NoError(err)
			assert.Equal("Attack", first)
			assert.Equal(uint32(0x06000001), methods[0].Token)
		})
	}
}

func TestParseMetadataBadSanity(t *testing.T) {
	assert := assert.New(t)
	data := testMetadataBuilder().build(t, 29)
	binary.LittleEndian.PutUint32(data, 0xdeadbeef)

	_, err := ParseMetadata(data)

	assert.ErrorIs(err, ErrBadMetadata)
}

func TestParseMetadataBadVersion(t *testing.T) {
	assert := assert.New(t)
	data := testMetadataBuilder().build(t, 29)
	binary.LittleEndian.PutUint32(data[4:], 24)

	_, err := ParseMetadata(data)

	assert.ErrorIs(err, ErrUnsupportedMetadataVersion)
}

func TestParseMetadataTruncated(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseMetadata([]byte{0xaf, 0x1b, 0xb1, 0xfa, 29, 0, 0, 0})

	assert.Error(err, "A file shorter than the header should fail")
}

func TestParseMetadataTableOutOfBounds(t *testing.T) {
	assert := assert.New(t)
	data := testMetadataBuilder().build(t, 29)
	// The string table is the third table entry behind sanity and version.
	binary.LittleEndian.PutUint32(data[8+2*8:], 0x7fffffff)

	_, err := ParseMetadata(data)

	assert.ErrorIs(err, ErrBadMetadata)
}

func TestMetadataStringIndexOutOfRange(t *testing.T) {
	assert := assert.New(t)
	md, err := ParseMetadata(testMetadataBuilder().build(t, 29))
	require.NoError(t, err)

	_, err = md.str(-1)
	assert.ErrorIs(err, ErrBadMetadata)

	_, err = md.str(1 << 20)
	assert.ErrorIs(err, ErrBadMetadata)
}
