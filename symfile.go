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
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// SymbolFileName is the name of the symbol file. The tracer writes it and
// the applier reads it back from the directory it is given.
const SymbolFileName = "xref_apply.json"

// SymbolEntry is a single resolved symbol, a raw image offset paired with
// the name that belongs at it.
type SymbolEntry struct {
	Symbol string `json:"symbol"`
	Offset uint64 `json:"offset"`
}

// SymbolFile is the document exchanged between the tracer and the applier.
type SymbolFile struct {
	Symbols []SymbolEntry `json:"symbols"`
}

// ParseSymbolFile parses a symbol file, reading from r.
func ParseSymbolFile(r io.Reader) (*SymbolFile, error) {
	var sf SymbolFile
	if err := json.NewDecoder(r).Decode(&sf); err != nil {
		return nil, errors.Wrap(err, "decoding symbol file")
	}
	return &sf, nil
}

// ParseSymbolBytes parses a symbol file, reading from buf.
func ParseSymbolBytes(buf []byte) (*SymbolFile, error) {
	return ParseSymbolFile(bytes.NewReader(buf))
}

// LoadSymbolFile reads xref_apply.json from the given directory.
func LoadSymbolFile(dir string) (*SymbolFile, error) {
	f, err := os.Open(filepath.Join(dir, SymbolFileName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	sf, err := ParseSymbolFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", SymbolFileName)
	}
	return sf, nil
}

// encode renders the symbol file the way the apply script expects it, a
// single compact JSON object.
func (sf *SymbolFile) encode() ([]byte, error) {
	data, err := json.Marshal(sf)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// SymbolTrace names a single symbol, where its trace starts and the trace
// program to run over the instruction stream.
type SymbolTrace struct {
	Symbol string `json:"symbol"`
	Start  string `json:"start"`
	Trace  string `json:"trace"`
}

// TraceFile is a list of traces to run against an image.
type TraceFile struct {
	Traces []SymbolTrace `json:"traces"`
}

// ParseTraceFile parses a trace file, reading from r.
func ParseTraceFile(r io.Reader) (*TraceFile, error) {
	var tf TraceFile
	if err := json.NewDecoder(r).Decode(&tf); err != nil {
		return nil, errors.Wrap(err, "decoding trace file")
	}
	return &tf, nil
}

// LoadTraceFile reads a trace file from tracePath.
func LoadTraceFile(tracePath string) (*TraceFile, error) {
	f, err := os.Open(tracePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	tf, err := ParseTraceFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", tracePath)
	}
	return tf, nil
}
