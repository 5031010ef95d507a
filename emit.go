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
	_ "embed"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ApplyScriptName is the file name of the Ghidra apply script.
const ApplyScriptName = "xref_apply.py"

// applyScript is the Ghidra script that reads the symbol file from its own
// directory and applies every entry as a primary user defined label.
//
//go:embed ghidra/xref_apply.py
var applyScript []byte

// WriteArtifacts writes the symbol file and the apply script into dir,
// creating it if needed. The script expects the symbol file next to itself,
// so the pair always ships together.
func WriteArtifacts(dir string, sf *SymbolFile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create output directory %q", dir)
	}
	data, err := sf.encode()
	if err != nil {
		return err
	}
	symPath := filepath.Join(dir, SymbolFileName)
	if err := os.WriteFile(symPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "unable to write symbol file %q", symPath)
	}
	scriptPath := filepath.Join(dir, ApplyScriptName)
	if err := os.WriteFile(scriptPath, applyScript, 0o644); err != nil {
		return errors.Wrapf(err, "unable to write apply script %q", scriptPath)
	}
	return nil
}
