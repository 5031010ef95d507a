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
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mewkiz/pkg/term"
	"golang.org/x/arch/arm64/arm64asm"
)

// dbg logs trace progress to standard output.
var dbg = log.New(os.Stdout, term.CyanBold("xapply:")+" ", 0)

// warn logs non fatal trace failures to standard error.
var warn = log.New(os.Stderr, term.RedBold("xapply:")+" ", 0)

// traceStep is one instruction of a trace program, an opcode class to scan
// for and the number of matches to skip before taking the target.
type traceStep struct {
	op    byte
	count uint64
}

// parseTraceProgram compiles a trace program like "B0L2P0" into steps.
// L follows a bl, B follows an unconditional b and P resolves an adrp page
// reference. A missing count means the first match. The empty program is
// valid and leaves the walk at its start address.
func parseTraceProgram(s string) ([]traceStep, error) {
	var steps []traceStep
	i := 0
	for i < len(s) {
		op := s[i]
		if op != 'L' && op != 'B' && op != 'P' {
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrBadTraceProgram, rune(op), s)
		}
		i++
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		count := uint64(0)
		if j > i {
			n, err := strconv.ParseUint(s[i:j], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad count in %q", ErrBadTraceProgram, s)
			}
			count = n
		}
		steps = append(steps, traceStep{op: op, count: count})
		i = j
	}
	return steps, nil
}

// tracer walks trace programs over the code section of an image.
type tracer struct {
	img      *Image
	roots    map[rootKey]root
	codeBase uint64
	code     []byte
}

func newTracer(img *Image, roots map[rootKey]root) (*tracer, error) {
	if img.FileInfo.Arch != ArchARM64 {
		return nil, fmt.Errorf("%w: xref tracing requires arm64 code", ErrUnsupportedArch)
	}
	base, code, err := img.Code()
	if err != nil {
		return nil, err
	}
	return &tracer{img: img, roots: roots, codeBase: base, code: code}, nil
}

// startAddress resolves the start of a trace to an address. Managed starts
// are looked up in the resolved roots, anything else is treated as a native
// symbol name.
func (t *tracer) startAddress(tr SymbolTrace) (uint64, error) {
	if isRootStart(tr.Start) {
		key, err := parseRootStart(tr.Start)
		if err != nil {
			return 0, err
		}
		r, ok := t.roots[key]
		if !ok {
			return 0, fmt.Errorf("no root found for %q", tr.Start)
		}
		if strings.HasPrefix(tr.Start, startPrefixInvoker) {
			if !r.hasInvoker {
				return 0, fmt.Errorf("method %q has no invoker", tr.Start)
			}
			return r.invokerAddr, nil
		}
		return r.methodAddr, nil
	}
	sym, err := t.img.Symbol(tr.Start)
	if err != nil {
		return 0, fmt.Errorf("resolving start symbol %q: %w", tr.Start, err)
	}
	return sym.Value, nil
}

// trace runs a full trace program and returns the final address.
func (t *tracer) trace(tr SymbolTrace) (uint64, error) {
	steps, err := parseTraceProgram(tr.Trace)
	if err != nil {
		return 0, err
	}
	addr, err := t.startAddress(tr)
	if err != nil {
		return 0, err
	}
	for _, step := range steps {
		addr, err = t.seek(addr, step)
		if err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// seek scans forward from addr one instruction at a time until it has seen
// step.count matches of the step's opcode class, then returns the target of
// that match. The next step continues at the target, so the target
// instruction itself is part of the next scan.
func (t *tracer) seek(addr uint64, step traceStep) (uint64, error) {
	count := uint64(0)
	for {
		inst, err := t.decode(addr)
		if err != nil {
			return 0, err
		}
		var target uint64
		match := false
		switch step.op {
		case 'L':
			if inst.Op == arm64asm.BL {
				target = branchTarget(addr, inst)
				match = true
			}
		case 'B':
			// B.cond decodes to the same op but carries a condition
			// argument instead of the plain offset.
			if inst.Op == arm64asm.B {
				if _, ok := inst.Args[0].(arm64asm.PCRel); ok {
					target = branchTarget(addr, inst)
					match = true
				}
			}
		case 'P':
			if inst.Op == arm64asm.ADRP {
				match = true
				if count == step.count {
					target, err = t.chasePage(addr, inst)
					if err != nil {
						return 0, err
					}
				}
			}
		}
		if match {
			if count == step.count {
				return target, nil
			}
			count++
		}
		addr += 4
	}
}

func (t *tracer) decode(addr uint64) (arm64asm.Inst, error) {
	if addr < t.codeBase || addr+4 > t.codeBase+uint64(len(t.code)) {
		return arm64asm.Inst{}, fmt.Errorf("%w: %#x", ErrTraceOutOfBounds, addr)
	}
	inst, err := arm64asm.Decode(t.code[addr-t.codeBase:])
	if err != nil {
		return arm64asm.Inst{}, fmt.Errorf("decode error during xref walk at %#x: %w", addr, err)
	}
	return inst, nil
}

// chasePage resolves the address an adrp refers to. The page base comes from
// the adrp itself and the low bits from the next ldr or add that uses the
// page register. The resolved address is the referenced slot, not its
// content.
func (t *tracer) chasePage(addr uint64, inst arm64asm.Inst) (uint64, error) {
	rd, ok := inst.Args[0].(arm64asm.Reg)
	if !ok {
		return 0, fmt.Errorf("unexpected adrp operands at %#x", addr)
	}
	rel, ok := inst.Args[1].(arm64asm.PCRel)
	if !ok {
		return 0, fmt.Errorf("unexpected adrp operands at %#x", addr)
	}
	page := uint64(int64(addr&^0xfff) + int64(rel))

	for {
		addr += 4
		next, err := t.decode(addr)
		if err != nil {
			return 0, err
		}
		switch next.Op {
		case arm64asm.LDR:
			mem, ok := next.Args[1].(arm64asm.MemImmediate)
			if !ok || mem.Mode != arm64asm.AddrOffset || arm64asm.Reg(mem.Base) != rd {
				continue
			}
			return page + ldrOffset(next.Enc), nil
		case arm64asm.ADD:
			if _, ok := next.Args[2].(arm64asm.ImmShift); !ok {
				continue
			}
			rn, ok := next.Args[1].(arm64asm.RegSP)
			if !ok || arm64asm.Reg(rn) != rd {
				continue
			}
			return page + addOffset(next.Enc), nil
		}
	}
}

func branchTarget(addr uint64, inst arm64asm.Inst) uint64 {
	rel := int64(inst.Args[0].(arm64asm.PCRel))
	return uint64(int64(addr) + rel)
}

// ldrOffset extracts the scaled unsigned immediate of an ldr instruction.
func ldrOffset(enc uint32) uint64 {
	return uint64(enc>>10&0xfff) << (enc >> 30)
}

// addOffset extracts the immediate of an add immediate instruction.
func addOffset(enc uint32) uint64 {
	imm := uint64(enc >> 10 & 0xfff)
	if enc&(1<<22) != 0 {
		imm <<= 12
	}
	return imm
}

// TraceAll walks every trace over the image's code section and collects the
// final addresses as symbol file entries. A failing trace is reported on
// standard error and skipped, the remaining traces still produce a result.
func TraceAll(img *Image, md *Metadata, tf *TraceFile) (*SymbolFile, error) {
	cr, err := findCodeRegistration(img, md)
	if err != nil {
		return nil, err
	}
	roots, err := findRoots(img, md, cr, tf)
	if err != nil {
		return nil, err
	}
	t, err := newTracer(img, roots)
	if err != nil {
		return nil, err
	}

	sf := &SymbolFile{Symbols: []SymbolEntry{}}
	for _, tr := range tf.Traces {
		addr, err := t.trace(tr)
		if err != nil {
			warn.Printf("failed to trace symbol %q starting at %q: %v", tr.Symbol, tr.Start, err)
			continue
		}
		sf.Symbols = append(sf.Symbols, SymbolEntry{Symbol: tr.Symbol, Offset: addr})
	}
	dbg.Printf("traced %d of %d symbols", len(sf.Symbols), len(tf.Traces))
	return sf, nil
}
