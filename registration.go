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
	"fmt"
	"strings"
)

// Field offsets into the 64-bit code registration and code gen module
// structures.
const (
	crInvokerCountOffset    = 40
	crInvokerPointersOffset = 48
	crModulesCountOffset    = 120
	crModulesOffset         = 128

	cgmNameOffset           = 0
	cgmMethodCountOffset    = 8
	cgmMethodPointersOffset = 16
	cgmInvokerIndicesOffset = 40
)

// codeRegistrationSymbol is the export name of the registration structure in
// images built with exported runtime symbols.
const codeRegistrationSymbol = "g_CodeRegistration"

const maxCodeGenModules = 0x4000

// codeGenModule holds the per assembly method pointer tables of an image.
type codeGenModule struct {
	name           string
	methodCount    uint64
	methodPointers uint64
	invokerIndices uint64
}

// codeRegistration is the code registration structure located in an image.
type codeRegistration struct {
	addr            uint64
	invokerCount    uint64
	invokerPointers uint64
	modules         map[string]*codeGenModule
}

// findCodeRegistration locates and parses the code registration of the image.
// If the image exports the registration symbol it is used directly, otherwise
// the data sections are scanned for the structure using the metadata as a
// guide.
func findCodeRegistration(img *Image, md *Metadata) (*codeRegistration, error) {
	if img.FileInfo.WordSize != intSize64 {
		return nil, fmt.Errorf("%w: code registration requires a 64-bit image", ErrUnsupportedArch)
	}

	if sym, err := img.Symbol(codeRegistrationSymbol); err == nil {
		cr, err := parseCodeRegistration(img, sym.Value)
		if err != nil {
			return nil, fmt.Errorf("error when parsing code registration at %#x: %w", sym.Value, err)
		}
		return cr, nil
	}

	addr, err := scanCodeRegistration(img, md)
	if err != nil {
		return nil, err
	}
	cr, err := parseCodeRegistration(img, addr)
	if err != nil {
		return nil, fmt.Errorf("error when parsing code registration at %#x: %w", addr, err)
	}
	return cr, nil
}

func parseCodeRegistration(img *Image, addr uint64) (*codeRegistration, error) {
	invokerCount, err := img.word(addr + crInvokerCountOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the invoker count: %w", err)
	}
	invokerPointers, err := img.word(addr + crInvokerPointersOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the invoker pointer table: %w", err)
	}
	moduleCount, err := img.word(addr + crModulesCountOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the module count: %w", err)
	}
	modulesPtr, err := img.word(addr + crModulesOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the module array pointer: %w", err)
	}
	if moduleCount == 0 || moduleCount > maxCodeGenModules {
		return nil, fmt.Errorf("implausible code gen module count %d", moduleCount)
	}

	cr := &codeRegistration{
		addr:            addr,
		invokerCount:    invokerCount,
		invokerPointers: invokerPointers,
		modules:         make(map[string]*codeGenModule, moduleCount),
	}
	for i := uint64(0); i < moduleCount; i++ {
		modAddr, err := img.word(modulesPtr + i*8)
		if err != nil {
			return nil, fmt.Errorf("error when reading module pointer %d: %w", i, err)
		}
		module, err := parseCodeGenModule(img, modAddr)
		if err != nil {
			return nil, fmt.Errorf("error when parsing module %d at %#x: %w", i, modAddr, err)
		}
		cr.modules[module.name] = module
	}
	return cr, nil
}

func parseCodeGenModule(img *Image, addr uint64) (*codeGenModule, error) {
	namePtr, err := img.word(addr + cgmNameOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the module name pointer: %w", err)
	}
	name, err := img.cstringAt(namePtr)
	if err != nil {
		return nil, fmt.Errorf("error when reading the module name: %w", err)
	}
	methodCount, err := img.uint32At(addr + cgmMethodCountOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the method count: %w", err)
	}
	methodPointers, err := img.word(addr + cgmMethodPointersOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the method pointer table: %w", err)
	}
	invokerIndices, err := img.word(addr + cgmInvokerIndicesOffset)
	if err != nil {
		return nil, fmt.Errorf("error when reading the invoker index table: %w", err)
	}
	return &codeGenModule{
		name:           name,
		methodCount:    uint64(methodCount),
		methodPointers: methodPointers,
		invokerIndices: invokerIndices,
	}, nil
}

// scanCodeRegistration searches the data sections for the code registration.
// The search walks backwards through the structure graph. Module name strings
// from the metadata lead to the code gen module structures, the modules lead
// to the module pointer array, and the array together with its length leads
// to the registration itself.
func scanCodeRegistration(img *Image, md *Metadata) (uint64, error) {
	sections, err := img.fh.getDataSections()
	if err != nil {
		return 0, err
	}
	imageCount := md.imageCount()
	if imageCount == 0 {
		return 0, fmt.Errorf("%w: metadata has no images", ErrNoCodeRegistration)
	}

	moduleAddrs := make(map[uint64]bool)
	for _, image := range md.images {
		name, err := md.imageName(image)
		if err != nil {
			return 0, err
		}
		expected, err := md.imageMethodCount(image)
		if err != nil {
			return 0, err
		}
		for _, nameAddr := range findStrings(sections, name) {
			for _, modAddr := range findModuleCandidates(img, sections, nameAddr, expected) {
				moduleAddrs[modAddr] = true
			}
		}
	}
	if len(moduleAddrs) == 0 {
		return 0, fmt.Errorf("%w: no code gen modules located", ErrNoCodeRegistration)
	}

	arrays := findModuleArrays(img, sections, moduleAddrs, imageCount)
	if len(arrays) == 0 {
		return 0, fmt.Errorf("%w: no code gen module array located", ErrNoCodeRegistration)
	}

	for _, arrayAddr := range arrays {
		if addr, ok := findRegistrationForArray(img, sections, arrayAddr, uint64(imageCount)); ok {
			return addr, nil
		}
	}
	return 0, ErrNoCodeRegistration
}

// findStrings returns the addresses of every NUL terminated occurrence of s
// in the data sections. Hits inside a longer string are rejected by requiring
// a NUL or a section start directly before the match.
func findStrings(sections []dataSection, s string) []uint64 {
	needle := append([]byte(s), 0)
	var addrs []uint64
	for _, sec := range sections {
		off := 0
		for {
			i := bytes.Index(sec.data[off:], needle)
			if i < 0 {
				break
			}
			pos := off + i
			if pos == 0 || sec.data[pos-1] == 0 {
				addrs = append(addrs, sec.addr+uint64(pos))
			}
			off = pos + 1
		}
	}
	return addrs
}

// findModuleCandidates returns the addresses of code gen module shaped
// structures, a pointer to the name string followed by the expected method
// count.
func findModuleCandidates(img *Image, sections []dataSection, nameAddr, methodCount uint64) []uint64 {
	order := img.FileInfo.ByteOrder
	var ptr [8]byte
	order.PutUint64(ptr[:], nameAddr)

	var addrs []uint64
	for _, sec := range sections {
		off := 0
		for {
			i := bytes.Index(sec.data[off:], ptr[:])
			if i < 0 {
				break
			}
			pos := off + i
			off = pos + 1
			if (sec.addr+uint64(pos))%8 != 0 || pos+cgmMethodCountOffset+8 > len(sec.data) {
				continue
			}
			if order.Uint64(sec.data[pos+cgmMethodCountOffset:]) == methodCount {
				addrs = append(addrs, sec.addr+uint64(pos))
			}
		}
	}
	return addrs
}

// findModuleArrays returns the addresses of every run of count consecutive
// pointers where each pointer targets one of the located modules.
func findModuleArrays(img *Image, sections []dataSection, modules map[uint64]bool, count int) []uint64 {
	order := img.FileInfo.ByteOrder
	var addrs []uint64
	for _, sec := range sections {
		start := int((8 - sec.addr%8) % 8)
		limit := len(sec.data) - 8*count
		for pos := start; pos <= limit; pos += 8 {
			n := 0
			for ; n < count; n++ {
				if !modules[order.Uint64(sec.data[pos+8*n:])] {
					break
				}
			}
			if n == count {
				addrs = append(addrs, sec.addr+uint64(pos))
			}
		}
	}
	return addrs
}

// findRegistrationForArray locates the registration that stores count
// directly followed by a pointer to the module array and returns the address
// of the structure itself.
func findRegistrationForArray(img *Image, sections []dataSection, arrayAddr, count uint64) (uint64, bool) {
	order := img.FileInfo.ByteOrder
	var pair [16]byte
	order.PutUint64(pair[:8], count)
	order.PutUint64(pair[8:], arrayAddr)

	for _, sec := range sections {
		off := 0
		for {
			i := bytes.Index(sec.data[off:], pair[:])
			if i < 0 {
				break
			}
			pos := off + i
			off = pos + 1
			if (sec.addr+uint64(pos))%8 != 0 {
				continue
			}
			return sec.addr + uint64(pos) - crModulesCountOffset, true
		}
	}
	return 0, false
}

// tokenRidMask extracts the row id part of a metadata token.
const tokenRidMask = 0x00ffffff

// resolveRoot reads the entry points of a method out of the module tables.
// The rid of the token indexes both the method pointer table and the invoker
// index table of the module the method's image belongs to.
func (cr *codeRegistration) resolveRoot(img *Image, moduleName string, token uint32) (root, error) {
	module, ok := cr.modules[moduleName]
	if !ok {
		return root{}, fmt.Errorf("could not find module %s for xref trace", moduleName)
	}
	rid := uint64(token & tokenRidMask)
	if rid == 0 || rid > module.methodCount {
		return root{}, fmt.Errorf("method rid %d outside module %s with %d methods", rid, moduleName, module.methodCount)
	}

	methodAddr, err := img.word(module.methodPointers + (rid-1)*8)
	if err != nil {
		return root{}, fmt.Errorf("error when reading method pointer %d of %s: %w", rid, moduleName, err)
	}
	r := root{methodAddr: methodAddr}

	invokerIdx, err := img.uint32At(module.invokerIndices + (rid-1)*4)
	if err != nil {
		return root{}, fmt.Errorf("error when reading invoker index %d of %s: %w", rid, moduleName, err)
	}
	if invokerIdx != ^uint32(0) {
		if uint64(invokerIdx) >= cr.invokerCount {
			return root{}, fmt.Errorf("invoker index %d outside invoker table of %d entries", invokerIdx, cr.invokerCount)
		}
		addr, err := img.word(cr.invokerPointers + uint64(invokerIdx)*8)
		if err != nil {
			return root{}, fmt.Errorf("error when reading invoker pointer %d: %w", invokerIdx, err)
		}
		r.invokerAddr = addr
		r.hasInvoker = true
	}
	return r, nil
}

// rootKey identifies a managed method by namespace, class and method name.
type rootKey struct {
	namespace string
	class     string
	method    string
}

// root is the pair of entry points a managed method can be traced from.
type root struct {
	methodAddr  uint64
	invokerAddr uint64
	hasInvoker  bool
}

const (
	startPrefixMethod  = "il2cpp:"
	startPrefixInvoker = "invoker:"
)

// isRootStart reports whether a trace start names a managed method instead
// of a native symbol.
func isRootStart(start string) bool {
	return strings.HasPrefix(start, startPrefixMethod) || strings.HasPrefix(start, startPrefixInvoker)
}

// parseRootStart splits a start like "il2cpp:Namespace:Class:Method" into
// its lookup key.
func parseRootStart(start string) (rootKey, error) {
	parts := strings.Split(start, ":")
	if len(parts) < 4 {
		return rootKey{}, fmt.Errorf("malformed trace start %q", start)
	}
	return rootKey{namespace: parts[1], class: parts[2], method: parts[3]}, nil
}

// findRoots resolves the method and invoker addresses for every managed
// method named by a trace start. Roots that no trace asks for are not
// resolved.
func findRoots(img *Image, md *Metadata, cr *codeRegistration, tf *TraceFile) (map[rootKey]root, error) {
	required := make(map[rootKey]bool)
	for _, tr := range tf.Traces {
		if !isRootStart(tr.Start) {
			continue
		}
		key, err := parseRootStart(tr.Start)
		if err != nil {
			return nil, err
		}
		required[key] = true
	}

	roots := make(map[rootKey]root)
	if len(required) == 0 {
		return roots, nil
	}

	for _, image := range md.images {
		imageName, err := md.imageName(image)
		if err != nil {
			return nil, err
		}
		types, err := md.imageTypes(image)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			namespace, err := md.str(t.NamespaceIndex)
			if err != nil {
				return nil, err
			}
			class, err := md.str(t.NameIndex)
			if err != nil {
				return nil, err
			}
			methods, err := md.typeMethods(t)
			if err != nil {
				return nil, err
			}
			for _, m := range methods {
				name, err := md.str(m.NameIndex)
				if err != nil {
					return nil, err
				}
				key := rootKey{namespace: namespace, class: class, method: name}
				if !required[key] {
					continue
				}
				delete(required, key)
				r, err := cr.resolveRoot(img, imageName, m.Token)
				if err != nil {
					return nil, fmt.Errorf("resolving root for %s:%s:%s: %w", namespace, class, name, err)
				}
				roots[key] = r
			}
		}
	}

	return roots, nil
}
