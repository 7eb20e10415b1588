// Package chunklayout computes structure-of-arrays field offsets for a
// fixed-size aligned memory chunk: a header H followed by N parallel
// component arrays T1..Tk, packed to maximize N while respecting each
// array's alignment and the chunk's total byte budget.
//
// Per spec.md §9's "compile-time polymorphism" design note, the
// type-level layout machinery of the source is represented here as
// (offset, size, align) triples computed once per concrete Schema,
// rather than as generated code per call site — the schema is built
// once (typically at process startup, one per component-set) and
// reused for every chunk of that shape.
package chunklayout

import (
	"fmt"
	"unsafe"

	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/internal/xmath"
)

// FieldSpec describes one parallel array's element shape.
type FieldSpec struct {
	Name  string
	Size  uintptr
	Align uintptr
}

// FieldFor builds a FieldSpec from a concrete Go type, mirroring how
// the source derives element size/align from the variant type at
// compile time.
func FieldFor[T any](name string) FieldSpec {
	var zero T
	return FieldSpec{Name: name, Size: unsafe.Sizeof(zero), Align: unsafe.Alignof(zero)}
}

// Schema is the computed layout of one (header, fields, chunkSize)
// combination: a header at chunk offset 0, followed by each field's
// array at its computed offset.
type Schema struct {
	ChunkSize   uintptr
	HeaderSize  uintptr
	HeaderAlign uintptr
	Fields      []FieldSpec
	Offsets     []uintptr // Offsets[i] is the byte offset of Fields[i]'s array
	NumItems    uintptr
}

// Build computes the layout for header type H and the given fields
// inside a chunk of chunkSize bytes. It implements spec.md §4.2
// exactly: start from the raw capacity estimate, greedily place each
// array at alignUp(end-of-previous, align), and back off NumItems by
// one whenever the placement overflows chunkSize.
func Build[H any](chunkSize uintptr, fields ...FieldSpec) (Schema, error) {
	var zero H
	headerSize := unsafe.Sizeof(zero)
	headerAlign := unsafe.Alignof(zero)

	if chunkSize < headerSize {
		return Schema{}, fmt.Errorf("chunklayout: chunk size %d smaller than header size %d", chunkSize, headerSize)
	}
	if !xmath.IsPowerOfTwo(chunkSize) {
		xerrors.Fatalf("chunklayout: chunk size %d is not a power of two", chunkSize)
	}

	if len(fields) == 0 {
		return Schema{ChunkSize: chunkSize, HeaderSize: headerSize, HeaderAlign: headerAlign}, nil
	}

	var sumSizes uintptr
	for _, f := range fields {
		sumSizes += f.Size
	}
	if sumSizes == 0 {
		return Schema{}, fmt.Errorf("chunklayout: all fields have zero size")
	}

	n := (chunkSize - headerSize) / sumSizes
	offsets := make([]uintptr, len(fields))

	for {
		if n == 0 {
			return Schema{}, fmt.Errorf("chunklayout: no capacity fits chunk size %d with header %d and %d fields", chunkSize, headerSize, len(fields))
		}

		end := headerSize
		fits := true
		for i, f := range fields {
			start := xmath.AlignUp(end, f.Align)
			rowBytes := n * f.Size
			if start+rowBytes < start { // overflow guard
				fits = false
				break
			}
			offsets[i] = start
			end = start + rowBytes
		}
		if fits && end <= chunkSize {
			break
		}
		n--
	}

	return Schema{
		ChunkSize:   chunkSize,
		HeaderSize:  headerSize,
		HeaderAlign: headerAlign,
		Fields:      fields,
		Offsets:     offsets,
		NumItems:    n,
	}, nil
}

// OffsetOf returns the byte offset of the named field's array, or
// false if no such field was part of the schema.
func (s Schema) OffsetOf(name string) (uintptr, bool) {
	for i, f := range s.Fields {
		if f.Name == name {
			return s.Offsets[i], true
		}
	}
	return 0, false
}

// GetChunkFromHeader recovers the chunk base address given a pointer
// to the header living at the start of that chunk. The header always
// sits at offset 0 in this schema, so this is presently an identity
// operation; it is still exposed as a named function (rather than
// inlined at call sites) because the source recovers it via explicit
// field-offset subtraction and callers should not depend on the header
// always being the first field of the chunk.
func GetChunkFromHeader(hdr unsafe.Pointer, headerOffsetInChunk uintptr) uintptr {
	return uintptr(hdr) - headerOffsetInChunk
}

// GetChunkFromInteriorPointer masks any pointer known to live inside a
// chunk allocated at alignment == chunkSize down to that chunk's base
// address.
func GetChunkFromInteriorPointer(p unsafe.Pointer, chunkSize uintptr) uintptr {
	return xmath.AlignDown(uintptr(p), chunkSize)
}
