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

import "errors"

var (
	// ErrNotEnoughBytesRead is returned if read call returned less bytes than what is needed.
	ErrNotEnoughBytesRead = errors.New("not enough bytes read")
	// ErrUnsupportedFile is returned if the file process is unsupported.
	ErrUnsupportedFile = errors.New("unsupported file")
	// ErrSectionDoesNotExist is returned when accessing a section that does not exist.
	ErrSectionDoesNotExist = errors.New("section does not exist")
	// ErrUnsupportedArch is returned when tracing an image compiled for an
	// architecture the tracer does not handle.
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrBadMetadata is returned if the global metadata file fails its sanity check
	// or one of its tables can not be read.
	ErrBadMetadata = errors.New("malformed metadata")
	// ErrUnsupportedMetadataVersion is returned for metadata versions the parser
	// does not know the layout of.
	ErrUnsupportedMetadataVersion = errors.New("unsupported metadata version")
	// ErrNoCodeRegistration is returned if the code registration structure can not
	// be located in the image.
	ErrNoCodeRegistration = errors.New("no code registration found")
	// ErrBadTraceProgram is returned when a trace program can not be parsed.
	ErrBadTraceProgram = errors.New("malformed trace program")
	// ErrTraceOutOfBounds is returned when a trace walks past the end of the
	// code section.
	ErrTraceOutOfBounds = errors.New("trace walked outside the code section")
	// ErrAddressNotMapped is returned when an offset does not fall inside any
	// mapped section of the image.
	ErrAddressNotMapped = errors.New("address not in any mapped section")
	// ErrInvalidLabelName is returned when a label name is empty or contains
	// whitespace.
	ErrInvalidLabelName = errors.New("invalid label name")
)
