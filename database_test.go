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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabase() *Database {
	return NewDatabase(mockImage(&mockFileHandler{
		codeBase: 0x1000,
		code:     make([]byte, 0x1000),
		sections: []dataSection{{name: ".data", addr: 0x4000, data: make([]byte, 0x100)}},
	}))
}

func TestDatabaseResolveAddress(t *testing.T) {
	assert := assert.New(t)
	db := testDatabase()

	addr, err := db.ResolveAddress(0x1800)
	assert.NoError(err)
	assert.Equal(Address(0x1800), addr)

	addr, err = db.ResolveAddress(0x4000)
	assert.NoError(err)
	assert.Equal(Address(0x4000), addr)

	_, err = db.ResolveAddress(0x3000)
	assert.ErrorIs(err, ErrAddressNotMapped)

	_, err = db.ResolveAddress(0x2000)
	assert.ErrorIs(err, ErrAddressNotMapped, "The end of a range is exclusive")
}

func TestDatabaseCreateLabel(t *testing.T) {
	assert := assert.New(t)
	db := testDatabase()

	l, err := db.CreateLabel(0x1000, "main", false, SourceAnalysis)
	assert.NoError(err)
	assert.True(l.Primary, "The first label at an address becomes primary")

	l, err = db.CreateLabel(0x1000, "entry", false, SourceImported)
	assert.NoError(err)
	assert.False(l.Primary)

	primary, ok := db.PrimaryAt(0x1000)
	require.True(t, ok)
	assert.Equal("main", primary.Name)

	// Promoting demotes the previous primary.
	l, err = db.CreateLabel(0x1000, "entry", true, SourceImported)
	assert.NoError(err)
	assert.True(l.Primary)
	primary, ok = db.PrimaryAt(0x1000)
	require.True(t, ok)
	assert.Equal("entry", primary.Name)
	assert.Len(db.LabelsAt(0x1000), 2, "Promotion should reuse the existing label")
}

func TestDatabaseCreateLabelReuse(t *testing.T) {
	assert := assert.New(t)
	db := testDatabase()

	_, err := db.CreateLabel(0x1000, "main", true, SourceUserDefined)
	assert.NoError(err)
	_, err = db.CreateLabel(0x1000, "main", true, SourceUserDefined)
	assert.NoError(err)

	assert.Equal(1, db.Len(), "The same name and source should not stack")

	// The same name from another source is a separate label.
	_, err = db.CreateLabel(0x1000, "main", false, SourceAnalysis)
	assert.NoError(err)
	assert.Equal(2, db.Len())
}

func TestDatabaseCreateLabelInvalidName(t *testing.T) {
	assert := assert.New(t)
	db := testDatabase()

	_, err := db.CreateLabel(0x1000, "", true, SourceUserDefined)
	assert.ErrorIs(err, ErrInvalidLabelName)

	_, err = db.CreateLabel(0x1000, "has space", true, SourceUserDefined)
	assert.ErrorIs(err, ErrInvalidLabelName)

	assert.Equal(0, db.Len())
}

func TestDatabaseLabelsOrder(t *testing.T) {
	assert := assert.New(t)
	db := testDatabase()

	for _, c := range []struct {
		addr Address
		name string
	}{
		{0x1800, "later"},
		{0x1000, "first"},
		{0x4000, "data"},
	} {
		_, err := db.CreateLabel(c.addr, c.name, true, SourceUserDefined)
		require.NoError(t, err)
	}

	labels := db.Labels()
	require.Len(t, labels, 3)
	assert.Equal("first", labels[0].Name)
	assert.Equal("later", labels[1].Name)
	assert.Equal("data", labels[2].Name)
}

func TestDatabaseResolve(t *testing.T) {
	assert := assert.New(t)
	db := testDatabase()

	_, err := db.CreateLabel(0x1000, "main", true, SourceUserDefined)
	require.NoError(t, err)
	_, err = db.CreateLabel(0x1800, "update", true, SourceUserDefined)
	require.NoError(t, err)

	l, off, ok := db.Resolve(0x1900)
	require.True(t, ok)
	assert.Equal("update", l.Name)
	assert.Equal(uint64(0x100), off)

	l, off, ok = db.Resolve(0x1000)
	require.True(t, ok)
	assert.Equal("main", l.Name)
	assert.Equal(uint64(0), off)

	l, off, ok = db.Resolve(0x17ff)
	require.True(t, ok)
	assert.Equal("main", l.Name)
	assert.Equal(uint64(0x7ff), off)

	_, _, ok = db.Resolve(0xfff)
	assert.False(ok, "Nothing precedes the first label")
}
