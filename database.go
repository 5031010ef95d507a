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
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Database is an in-memory label database for an opened image. It implements
// the Program interface. A Database is not safe for concurrent use.
type Database struct {
	ranges []addrRange
	labels map[Address][]Label
}

var _ Program = (*Database)(nil)

// NewDatabase creates an empty label database for the image.
func NewDatabase(img *Image) *Database {
	return &Database{
		ranges: img.fh.mappedRanges(),
		labels: make(map[Address][]Label),
	}
}

// ResolveAddress converts a raw offset to an address in the image. The offset
// must fall inside one of the image's mapped sections.
func (db *Database) ResolveAddress(offset uint64) (Address, error) {
	for _, r := range db.ranges {
		if r.contains(offset) {
			return Address(offset), nil
		}
	}
	return 0, errors.Wrapf(ErrAddressNotMapped, "offset %#x", offset)
}

// CreateLabel attaches a label to an address. A label with the same name and
// source that already exists at the address is reused, so creating the same
// label twice leaves a single label behind. The first label at an address
// becomes primary regardless of makePrimary, and promoting a label to primary
// demotes the others at the same address.
func (db *Database) CreateLabel(addr Address, name string, makePrimary bool, source SourceType) (Label, error) {
	if !validLabelName(name) {
		return Label{}, errors.Wrapf(ErrInvalidLabelName, "%q", name)
	}

	labels := db.labels[addr]
	idx := -1
	for i, l := range labels {
		if l.Name == name && l.Source == source {
			idx = i
			break
		}
	}
	if idx == -1 {
		labels = append(labels, Label{Addr: addr, Name: name, Source: source})
		idx = len(labels) - 1
	}

	if makePrimary || len(labels) == 1 {
		for i := range labels {
			labels[i].Primary = i == idx
		}
	}

	db.labels[addr] = labels
	return labels[idx], nil
}

func validLabelName(name string) bool {
	return name != "" && !strings.ContainsAny(name, " \t\n\r")
}

// LabelsAt returns the labels attached to the address in creation order.
func (db *Database) LabelsAt(addr Address) []Label {
	return db.labels[addr]
}

// PrimaryAt returns the primary label at the address.
func (db *Database) PrimaryAt(addr Address) (Label, bool) {
	for _, l := range db.labels[addr] {
		if l.Primary {
			return l, true
		}
	}
	return Label{}, false
}

// Labels returns all labels in the database, ordered by address and within
// an address by creation order.
func (db *Database) Labels() []Label {
	addrs := db.sortedAddrs()
	var out []Label
	for _, a := range addrs {
		out = append(out, db.labels[a]...)
	}
	return out
}

// Len returns the number of labels in the database.
func (db *Database) Len() int {
	n := 0
	for _, labels := range db.labels {
		n += len(labels)
	}
	return n
}

// Resolve returns the primary label closest to addr without passing it,
// together with the distance from the label to addr.
func (db *Database) Resolve(addr Address) (Label, uint64, bool) {
	addrs := db.sortedAddrs()
	if len(addrs) == 0 {
		return Label{}, 0, false
	}
	// Index of the first labeled address above addr.
	i := sort.Search(len(addrs), func(i int) bool { return addrs[i] > addr })
	for i > 0 {
		i--
		if l, ok := db.PrimaryAt(addrs[i]); ok {
			return l, uint64(addr - addrs[i]), true
		}
	}
	return Label{}, 0, false
}

func (db *Database) sortedAddrs() []Address {
	addrs := make([]Address, 0, len(db.labels))
	for a := range db.labels {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
