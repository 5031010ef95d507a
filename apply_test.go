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
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// programCall records one host call made against a mock program.
type programCall struct {
	op      string
	offset  uint64
	addr    Address
	name    string
	primary bool
	source  SourceType
}

// mockProgram records every call so tests can check ordering and arguments.
type mockProgram struct {
	calls       []programCall
	resolves    int
	failResolve int // 1-based resolve call that fails, 0 never fails
	failCreate  int // 1-based create call that fails, 0 never fails
	creates     int
}

func (p *mockProgram) ResolveAddress(offset uint64) (Address, error) {
	p.resolves++
	if p.failResolve != 0 && p.resolves == p.failResolve {
		return 0, errors.Errorf("offset %#x not mapped", offset)
	}
	p.calls = append(p.calls, programCall{op: "resolve", offset: offset})
	return Address(offset), nil
}

func (p *mockProgram) CreateLabel(addr Address, name string, makePrimary bool, source SourceType) (Label, error) {
	p.creates++
	if p.failCreate != 0 && p.creates == p.failCreate {
		return Label{}, errors.Errorf("cannot label %s", name)
	}
	p.calls = append(p.calls, programCall{op: "create", addr: addr, name: name, primary: makePrimary, source: source})
	return Label{Addr: addr, Name: name, Source: source, Primary: makePrimary}, nil
}

func (p *mockProgram) created() []programCall {
	var out []programCall
	for _, c := range p.calls {
		if c.op == "create" {
			out = append(out, c)
		}
	}
	return out
}

func TestApplySingleEntry(t *testing.T) {
	assert := assert.New(t)
	p := &mockProgram{}
	sf := &SymbolFile{Symbols: []SymbolEntry{{Symbol: "main", Offset: 4096}}}

	err := Apply(p, sf)

	assert.NoError(err)
	require.Len(t, p.calls, 2, "Each entry should resolve first and label second")
	assert.Equal(programCall{op: "resolve", offset: 4096}, p.calls[0])
	assert.Equal(programCall{op: "create", addr: 4096, name: "main", primary: true, source: SourceUserDefined}, p.calls[1])
}

func TestApplyKeepsFileOrder(t *testing.T) {
	assert := assert.New(t)
	p := &mockProgram{}
	sf := &SymbolFile{Symbols: []SymbolEntry{
		{Symbol: "third", Offset: 0x3000},
		{Symbol: "first", Offset: 0x1000},
		{Symbol: "second", Offset: 0x2000},
	}}

	err := Apply(p, sf)

	assert.NoError(err)
	created := p.created()
	require.Len(t, created, 3)
	assert.Equal("third", created[0].name)
	assert.Equal("first", created[1].name)
	assert.Equal("second", created[2].name)
	for _, c := range created {
		assert.True(c.primary, "Every applied label should be primary")
		assert.Equal(SourceUserDefined, c.source)
	}
}

func TestApplyEmptyFile(t *testing.T) {
	assert := assert.New(t)
	p := &mockProgram{}

	err := Apply(p, &SymbolFile{Symbols: []SymbolEntry{}})

	assert.NoError(err)
	assert.Empty(p.calls, "An empty symbol file should not touch the program")
}

func TestApplyStopsOnResolveFailure(t *testing.T) {
	assert := assert.New(t)
	p := &mockProgram{failResolve: 2}
	sf := &SymbolFile{Symbols: []SymbolEntry{
		{Symbol: "a", Offset: 0x1000},
		{Symbol: "b", Offset: 0x2000},
		{Symbol: "c", Offset: 0x3000},
	}}

	err := Apply(p, sf)

	assert.Error(err)
	assert.Contains(err.Error(), "resolving offset 0x2000 for b")
	created := p.created()
	require.Len(t, created, 1, "Entries before the failure stay applied, none after")
	assert.Equal("a", created[0].name)
}

func TestApplyStopsOnCreateFailure(t *testing.T) {
	assert := assert.New(t)
	p := &mockProgram{failCreate: 1}
	sf := &SymbolFile{Symbols: []SymbolEntry{{Symbol: "a", Offset: 0x1000}, {Symbol: "b", Offset: 0x2000}}}

	err := Apply(p, sf)

	assert.Error(err)
	assert.Contains(err.Error(), "creating label a")
	assert.Empty(p.created())
	assert.Equal(1, p.resolves, "No host call should follow the failure")
	assert.Equal(1, p.creates)
}

func TestApplyDir(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	data := []byte(`{"symbols":[{"symbol":"a","offset":4096},{"symbol":"b","offset":8192}]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SymbolFileName), data, 0o644))
	p := &mockProgram{}

	n, err := ApplyDir(p, dir)

	assert.NoError(err)
	assert.Equal(2, n)
	assert.Len(p.created(), 2)
}

func TestApplyDirMalformed(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SymbolFileName), []byte(`{"symbols":`), 0o644))
	p := &mockProgram{}

	_, err := ApplyDir(p, dir)

	assert.Error(err)
	assert.Empty(p.calls, "A file that fails to parse should not touch the program")
}

func TestApplyIdempotent(t *testing.T) {
	assert := assert.New(t)
	db := NewDatabase(mockImage(&mockFileHandler{
		code:     make([]byte, 0x1000),
		codeBase: 0x1000,
	}))
	sf := &SymbolFile{Symbols: []SymbolEntry{
		{Symbol: "main", Offset: 0x1000},
		{Symbol: "update", Offset: 0x1100},
	}}

	require.NoError(t, Apply(db, sf))
	first := db.Labels()
	require.NoError(t, Apply(db, sf))

	assert.Equal(first, db.Labels(), "Applying the same file twice should change nothing")
}
