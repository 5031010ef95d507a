package xapply

import "errors"

var ErrSymbolNotFound = errors.New("symbol not found")

// Symbol is a primitive representation of a symbol extracted from an image.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}
