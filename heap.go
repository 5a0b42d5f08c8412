package lispbm

import "math"

// cell is one arena slot: two tagged words. A cell plays one of three
// roles depending on which kind of pointer refers to it: a plain cons
// pair, a boxed numeric (car = bit pattern, cdr = subtype marker), or
// an array descriptor (car = aux/const pointer word, cdr = array
// marker) — see value.go's kind encoding.
type cell struct {
	car, cdr Word
}

// arrayMarker tags the cdr half of an array-descriptor cell; it is
// never dereferenced as a pointer or decoded as an immediate, it only
// needs to be a value nothing else writes into that position.
const arrayMarker = Word(0x61727261) // "arra" in hex, a readable sentinel

// arrayHeader holds an array's size, an element-size hint, and the
// payload pointer. Headers are kept in the Heap's headers map keyed by
// payload block start; only the payload lives in aux memory.
type arrayHeader struct {
	sizeBytes  int
	elemHint   int
	dataPtr    int  // block start within aux (or const) memory
	dataConst  bool // payload lives in const memory, not aux
	byteLength int  // logical length in bytes, <= capacity implied by sizeBytes
}

// Heap is the fixed-count cons cell arena plus its free list, the aux
// allocator backing array payloads, and the boxed-numeric cells. A
// constrained host cannot afford an interface-typed cons cell, so the
// type tag lives in the pointer bits (value.go) and the arena holds
// exactly two words per cell.
type Heap struct {
	cells     []cell
	marks     []bool
	freeHead  int // index of first free cell, or -1
	freeCount int

	aux     *AuxMemory
	headers map[int]*arrayHeader // keyed by aux/const block start, looked up via cell.car
}

const noFreeCell = -1

// NewHeap allocates a cell arena of the given cell count backed by
// the given aux memory (used for array payloads).
func NewHeap(cellCount int, aux *AuxMemory) *Heap {
	h := &Heap{
		cells:   make([]cell, cellCount),
		marks:   make([]bool, cellCount),
		headers: make(map[int]*arrayHeader),
		aux:     aux,
	}
	h.freeHead = noFreeCell
	for i := cellCount - 1; i >= 0; i-- {
		h.linkFree(i)
	}
	return h
}

func (h *Heap) linkFree(ix int) {
	h.cells[ix] = cell{car: NilWord, cdr: mkImmediate(immInt, uint64(h.freeHead))}
	h.freeHead = ix
	h.freeCount++
}

func (h *Heap) popFree() (int, bool) {
	if h.freeHead == noFreeCell {
		return 0, false
	}
	ix := h.freeHead
	next, _ := h.cells[ix].cdr.AsInt()
	h.freeHead = int(next)
	h.freeCount--
	return ix, true
}

// Cons allocates a cell holding (a . d). Returns ok=false when the
// arena is exhausted; the caller is responsible for requesting a GC
// and retrying.
func (h *Heap) Cons(a, d Word) (Word, bool) {
	ix, ok := h.popFree()
	if !ok {
		return OutOfMemoryWord, false
	}
	h.cells[ix] = cell{car: a, cdr: d}
	return mkPointer(kindCons, ix), true
}

// Car returns the car of a cons cell. Calling it on a non-cons value
// is a caller error; the evaluator never does so because TypeOf is
// always checked first.
func (h *Heap) Car(w Word) Word {
	return h.cellFor(w).car
}

// Cdr returns the cdr of a cons cell.
func (h *Heap) Cdr(w Word) Word {
	return h.cellFor(w).cdr
}

func (h *Heap) cellFor(w Word) *cell {
	return &h.cells[w.cellIndex()]
}

// SetCar mutates the car half of a cons cell in place. This never
// changes the pointer/immediate discriminator of the cell's role — it
// is only ever called on cells already tagged as plain cons cells.
func (h *Heap) SetCar(w, v Word) { h.cellFor(w).car = v }

// SetCdr mutates the cdr half of a cons cell in place.
func (h *Heap) SetCdr(w, v Word) { h.cellFor(w).cdr = v }

// TypeOf classifies any tagged word, pointer or immediate.
func (h *Heap) TypeOf(w Word) Type {
	switch w.kind() {
	case kindImmediate:
		switch w.immTag() {
		case immInt:
			return TypeInt
		case immUint:
			return TypeUint
		case immChar:
			return TypeChar
		case immSymbol:
			id, _ := w.IsSymbol()
			switch id {
			case SymNil:
				return TypeNil
			case SymT:
				return TypeT
			case SymOutOfMemory:
				return TypeOutOfMemory
			default:
				return TypeSymbol
			}
		}
	case kindCons:
		return TypeCons
	case kindBoxed:
		c := h.cellFor(w)
		sub, _ := c.cdr.AsUint()
		switch BoxedSubtype(sub) {
		case BoxedInt32:
			return TypeBoxedInt32
		case BoxedUint32:
			return TypeBoxedUint32
		case BoxedInt64:
			return TypeBoxedInt64
		case BoxedUint64:
			return TypeBoxedUint64
		case BoxedFloat32:
			return TypeBoxedFloat32
		case BoxedFloat64:
			return TypeBoxedFloat64
		}
	case kindArray:
		return TypeArray
	}
	return TypeNil
}

// --- Boxed numerics -------------------------------------------------

func (h *Heap) box(bits uint64, sub BoxedSubtype) (Word, bool) {
	ix, ok := h.popFree()
	if !ok {
		return OutOfMemoryWord, false
	}
	h.cells[ix] = cell{car: Word(bits), cdr: mkImmediate(immUint, uint64(sub))}
	return mkPointer(kindBoxed, ix), true
}

// NewInt32, NewUint32, NewInt64, NewUint64, NewFloat32 and NewFloat64
// box a value that does not fit (or should not be forced into) the
// immediate int/uint representation.
func (h *Heap) NewInt32(v int32) (Word, bool)   { return h.box(uint64(uint32(v)), BoxedInt32) }
func (h *Heap) NewUint32(v uint32) (Word, bool) { return h.box(uint64(v), BoxedUint32) }
func (h *Heap) NewInt64(v int64) (Word, bool)   { return h.box(uint64(v), BoxedInt64) }
func (h *Heap) NewUint64(v uint64) (Word, bool) { return h.box(v, BoxedUint64) }
func (h *Heap) NewFloat32(v float32) (Word, bool) {
	return h.box(uint64(math.Float32bits(v)), BoxedFloat32)
}
func (h *Heap) NewFloat64(v float64) (Word, bool) {
	return h.box(math.Float64bits(v), BoxedFloat64)
}

// UnboxInt32 etc. read back the raw bit pattern of a boxed cell. The
// caller must have already checked TypeOf.
func (h *Heap) UnboxInt32(w Word) int32   { return int32(uint32(h.cellFor(w).car)) }
func (h *Heap) UnboxUint32(w Word) uint32 { return uint32(h.cellFor(w).car) }
func (h *Heap) UnboxInt64(w Word) int64   { return int64(h.cellFor(w).car) }
func (h *Heap) UnboxUint64(w Word) uint64 { return uint64(h.cellFor(w).car) }
func (h *Heap) UnboxFloat32(w Word) float32 {
	return math.Float32frombits(uint32(h.cellFor(w).car))
}
func (h *Heap) UnboxFloat64(w Word) float64 {
	return math.Float64frombits(uint64(h.cellFor(w).car))
}

// --- Arrays -----------------------------------------------------------

// AllocateArray reserves sizeBytes of aux memory plus one descriptor
// cell, cross-linking them so GC can free the payload once the
// descriptor becomes unreachable.
func (h *Heap) AllocateArray(sizeBytes int) (Word, bool) {
	words := (sizeBytes + 7) / 8
	if words == 0 {
		words = 1
	}
	ptr, ok := h.aux.Alloc(words)
	if !ok {
		return OutOfMemoryWord, false
	}
	ix, ok := h.popFree()
	if !ok {
		h.aux.Free(ptr)
		return OutOfMemoryWord, false
	}
	h.headers[ptr] = &arrayHeader{sizeBytes: sizeBytes, elemHint: 1, dataPtr: ptr, byteLength: sizeBytes}
	h.cells[ix] = cell{car: mkImmediate(immUint, uint64(ptr)), cdr: arrayMarker}
	return mkPointer(kindArray, ix), true
}

// NewStringArray allocates a read-write byte array initialised from a
// Go string, trailing NUL included
func (h *Heap) NewStringArray(s string) (Word, bool) {
	w, ok := h.AllocateArray(len(s) + 1)
	if !ok {
		return w, false
	}
	hdr := h.headerFor(w)
	for i := 0; i < len(s); i++ {
		wi := hdr.dataPtr + i/8
		shift := uint(i%8) * 8
		h.aux.words[wi] |= Word(s[i]) << shift
	}
	hdr.byteLength = len(s)
	return w, true
}

// ArrayString reads an array value back out as a Go string (minus the
// trailing NUL).
func (h *Heap) ArrayString(w Word) string {
	hdr := h.headerFor(w)
	return h.aux.ReadString(hdr.dataPtr, hdr.byteLength)
}

// ArrayLen reports the logical byte length of an array value.
func (h *Heap) ArrayLen(w Word) int { return h.headerFor(w).byteLength }

func (h *Heap) headerFor(w Word) *arrayHeader {
	c := h.cellFor(w)
	ptr, _ := c.car.AsUint()
	return h.headers[int(ptr)]
}

// FreeArray releases an array's aux payload and recycles its
// descriptor cell immediately, for callers that know an array's
// lifetime precisely enough to free it without waiting on GC.
func (h *Heap) FreeArray(w Word) {
	c := h.cellFor(w)
	ptr, _ := c.car.AsUint()
	if hdr, ok := h.headers[int(ptr)]; ok && !hdr.dataConst {
		h.aux.Free(hdr.dataPtr)
	}
	delete(h.headers, int(ptr))
	h.linkFree(w.cellIndex())
}

// isArrayCell and freeArrayPayloadAt let the GC sweep (gc.go) inspect
// and reclaim array descriptor cells by raw arena index, without first
// reconstructing a tagged Word pointer.
func (h *Heap) isArrayCell(ix int) bool {
	return h.cells[ix].cdr == arrayMarker
}

func (h *Heap) freeArrayPayloadAt(ix int) {
	ptr, _ := h.cells[ix].car.AsUint()
	if hdr, ok := h.headers[int(ptr)]; ok && !hdr.dataConst {
		h.aux.Free(hdr.dataPtr)
	}
	delete(h.headers, int(ptr))
}

// halvesOf exposes a cell's two tagged words by raw index, used by
// the GC mark phase to follow pointers without an intermediate Word.
func (h *Heap) halvesOf(ix int) (Word, Word) {
	c := &h.cells[ix]
	return c.car, c.cdr
}

func (h *Heap) linkFreeSweep(ix int) {
	h.linkFree(ix)
}

// HeapNumFree returns the number of free cells left in the arena.
func (h *Heap) HeapNumFree() int { return h.freeCount }

// CellCount returns the total arena size.
func (h *Heap) CellCount() int { return len(h.cells) }
