package lispbm

import "golang.org/x/exp/constraints"

// applyFundamental dispatches a fundamental-range symbol id against
// already-evaluated arguments: fundamentals are dense
// small-integer-indexed and never looked up in an environment. Dense
// id dispatch is used instead of an interface method table per op,
// because a constrained host cannot afford a 16-byte interface value
// per builtin.
func applyFundamental(h *Heap, id SymbolID, args []Word) Word {
	switch id {
	case fnAdd:
		return foldArith(h, args, 0, arithAdd)
	case fnSub:
		return foldArithSub(h, args)
	case fnMul:
		return foldArith(h, args, 1, arithMul)
	case fnDiv:
		return foldArithDiv(h, args)
	case fnMod:
		return modFundamental(h, args)
	case fnEq:
		return compareFold(h, args, func(c int) bool { return c == 0 })
	case fnLt:
		return compareFold(h, args, func(c int) bool { return c < 0 })
	case fnGt:
		return compareFold(h, args, func(c int) bool { return c > 0 })
	case fnLe:
		return compareFold(h, args, func(c int) bool { return c <= 0 })
	case fnGe:
		return compareFold(h, args, func(c int) bool { return c >= 0 })
	case fnNot:
		if len(args) != 1 {
			return EvalErrorWord
		}
		if args[0].Truthy() {
			return NilWord
		}
		return TWord
	case fnCons:
		if len(args) != 2 {
			return EvalErrorWord
		}
		w, ok := h.Cons(args[0], args[1])
		if !ok {
			return OutOfMemoryWord
		}
		return w
	case fnCar:
		if len(args) != 1 || h.TypeOf(args[0]) != TypeCons {
			return TypeErrorWord
		}
		return h.Car(args[0])
	case fnCdr:
		if len(args) != 1 || h.TypeOf(args[0]) != TypeCons {
			return TypeErrorWord
		}
		return h.Cdr(args[0])
	case fnList:
		out := NilWord
		for i := len(args) - 1; i >= 0; i-- {
			w, ok := h.Cons(args[i], out)
			if !ok {
				return OutOfMemoryWord
			}
			out = w
		}
		return out
	case fnIsNil:
		if len(args) != 1 {
			return EvalErrorWord
		}
		if args[0].IsNil() {
			return TWord
		}
		return NilWord
	case fnIsCons:
		if len(args) != 1 {
			return EvalErrorWord
		}
		if h.TypeOf(args[0]) == TypeCons {
			return TWord
		}
		return NilWord
	case fnIsNumber:
		if len(args) != 1 {
			return EvalErrorWord
		}
		if isNumericType(h.TypeOf(args[0])) {
			return TWord
		}
		return NilWord
	}
	return EvalErrorWord
}

// Fundamental ids occupy [fundamentalBase, extensionBase); they are
// interned into the symbol table at runtime init (see registerFundamentals
// below, called from Init) so a printer or the debug
// dump can still render their names.
const (
	fnAdd SymbolID = fundamentalBase + iota
	fnSub
	fnMul
	fnDiv
	fnMod
	fnEq
	fnLt
	fnGt
	fnLe
	fnGe
	fnNot
	fnCons
	fnCar
	fnCdr
	fnList
	fnIsNil
	fnIsCons
	fnIsNumber
)

var fundamentalNames = map[SymbolID]string{
	fnAdd: "+", fnSub: "-", fnMul: "*", fnDiv: "/", fnMod: "mod",
	fnEq: "=", fnLt: "<", fnGt: ">", fnLe: "<=", fnGe: ">=",
	fnNot: "not", fnCons: "cons", fnCar: "car", fnCdr: "cdr",
	fnList: "list", fnIsNil: "nil?", fnIsCons: "cons?", fnIsNumber: "number?",
}

// registerFundamentals interns every fundamental's printed name at its
// fixed id, the same bootstrapping step the extension registry
// performs for its own ids via internAt.
func registerFundamentals(symbols *SymbolTable) {
	for id, name := range fundamentalNames {
		symbols.internAt(id, name)
	}
}

func isNumericType(t Type) bool {
	switch t {
	case TypeInt, TypeUint, TypeBoxedInt32, TypeBoxedUint32, TypeBoxedInt64,
		TypeBoxedUint64, TypeBoxedFloat32, TypeBoxedFloat64:
		return true
	}
	return false
}

// numericRank orders the promotion ladder: int32 -> uint32 -> int64
// -> uint64 -> float32 -> float64. Every fundamental arithmetic op
// promotes its operands to the widest rank present before combining
// them.
type numericRank int

const (
	rankInt32 numericRank = iota
	rankUint32
	rankInt64
	rankUint64
	rankFloat32
	rankFloat64
)

// numeric is a value pulled off the heap, kept in the native Go type
// its rank calls for: i for the signed ranks, u for the unsigned
// ranks, f for the float ranks. Integer operands never pass through a
// float64 intermediate unless a float operand forces the promotion,
// so int64/uint64 magnitudes beyond 2^53 keep full precision.
type numeric struct {
	rank numericRank
	i    int64
	u    uint64
	f    float64
}

func readNumeric(h *Heap, w Word) (numeric, bool) {
	switch h.TypeOf(w) {
	case TypeInt:
		v, _ := w.AsInt()
		return numeric{rank: rankInt64, i: v}, true
	case TypeUint:
		v, _ := w.AsUint()
		return numeric{rank: rankUint64, u: v}, true
	case TypeBoxedInt32:
		return numeric{rank: rankInt32, i: int64(h.UnboxInt32(w))}, true
	case TypeBoxedUint32:
		return numeric{rank: rankUint32, u: uint64(h.UnboxUint32(w))}, true
	case TypeBoxedInt64:
		return numeric{rank: rankInt64, i: h.UnboxInt64(w)}, true
	case TypeBoxedUint64:
		return numeric{rank: rankUint64, u: h.UnboxUint64(w)}, true
	case TypeBoxedFloat32:
		return numeric{rank: rankFloat32, f: float64(h.UnboxFloat32(w))}, true
	case TypeBoxedFloat64:
		return numeric{rank: rankFloat64, f: h.UnboxFloat64(w)}, true
	}
	return numeric{}, false
}

func maxRank(a, b numericRank) numericRank {
	if b > a {
		return b
	}
	return a
}

func isUnsignedRank(r numericRank) bool { return r == rankUint32 || r == rankUint64 }
func isFloatRank(r numericRank) bool    { return r >= rankFloat32 }

func (n numeric) asInt64() int64 {
	switch {
	case isFloatRank(n.rank):
		return int64(n.f)
	case isUnsignedRank(n.rank):
		return int64(n.u)
	default:
		return n.i
	}
}

func (n numeric) asUint64() uint64 {
	switch {
	case isFloatRank(n.rank):
		return uint64(n.f)
	case isUnsignedRank(n.rank):
		return n.u
	default:
		return uint64(n.i)
	}
}

func (n numeric) asFloat64() float64 {
	switch {
	case isFloatRank(n.rank):
		return n.f
	case isUnsignedRank(n.rank):
		return float64(n.u)
	default:
		return float64(n.i)
	}
}

func (n numeric) isZero() bool {
	switch {
	case isFloatRank(n.rank):
		return n.f == 0
	case isUnsignedRank(n.rank):
		return n.u == 0
	default:
		return n.i == 0
	}
}

// arithOp selects the operation combine applies at the promoted rank.
type arithOp int

const (
	arithAdd arithOp = iota
	arithSub
	arithMul
	arithDiv
)

// applyOp performs one arithmetic op in whatever native type the
// promoted rank calls for; the generic keeps a single body for the
// int64, uint64 and float64 classes.
func applyOp[T constraints.Integer | constraints.Float](op arithOp, a, b T) T {
	switch op {
	case arithAdd:
		return a + b
	case arithSub:
		return a - b
	case arithMul:
		return a * b
	default:
		return a / b
	}
}

// combine promotes a and b to the widest rank present and applies op
// there. Same-class integer operands stay in native 64-bit integer
// arithmetic; only a float operand forces the float64 path.
func combine(a, b numeric, op arithOp) numeric {
	rank := maxRank(a.rank, b.rank)
	switch {
	case isFloatRank(rank):
		return numeric{rank: rank, f: applyOp(op, a.asFloat64(), b.asFloat64())}
	case isUnsignedRank(rank):
		return numeric{rank: rank, u: applyOp(op, a.asUint64(), b.asUint64())}
	default:
		return numeric{rank: rank, i: applyOp(op, a.asInt64(), b.asInt64())}
	}
}

func cmpOrdered[T constraints.Integer | constraints.Float](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareNumeric orders a against b at their promoted rank, in the
// same native class combine would compute in.
func compareNumeric(a, b numeric) int {
	rank := maxRank(a.rank, b.rank)
	switch {
	case isFloatRank(rank):
		return cmpOrdered(a.asFloat64(), b.asFloat64())
	case isUnsignedRank(rank):
		return cmpOrdered(a.asUint64(), b.asUint64())
	default:
		return cmpOrdered(a.asInt64(), b.asInt64())
	}
}

// narrow re-encodes a result Word at n's rank, boxing when the value
// does not survive the immediate encoding's payload width.
func narrow(h *Heap, n numeric) Word {
	switch n.rank {
	case rankInt32:
		w, ok := h.NewInt32(int32(n.asInt64()))
		if !ok {
			return OutOfMemoryWord
		}
		return w
	case rankUint32:
		w, ok := h.NewUint32(uint32(n.asUint64()))
		if !ok {
			return OutOfMemoryWord
		}
		return w
	case rankInt64:
		v := n.asInt64()
		if !fitsImmInt(v) {
			w, ok := h.NewInt64(v)
			if !ok {
				return OutOfMemoryWord
			}
			return w
		}
		return Int(v)
	case rankUint64:
		u := n.asUint64()
		if !fitsImmUint(u) {
			w, ok := h.NewUint64(u)
			if !ok {
				return OutOfMemoryWord
			}
			return w
		}
		return Uint(u)
	case rankFloat32:
		w, ok := h.NewFloat32(float32(n.asFloat64()))
		if !ok {
			return OutOfMemoryWord
		}
		return w
	default:
		w, ok := h.NewFloat64(n.asFloat64())
		if !ok {
			return OutOfMemoryWord
		}
		return w
	}
}

func foldArith(h *Heap, args []Word, identity int64, op arithOp) Word {
	if len(args) == 0 {
		return Int(identity)
	}
	acc, ok := readNumeric(h, args[0])
	if !ok {
		return TypeErrorWord
	}
	for _, a := range args[1:] {
		n, ok := readNumeric(h, a)
		if !ok {
			return TypeErrorWord
		}
		acc = combine(acc, n, op)
	}
	return narrow(h, acc)
}

func foldArithSub(h *Heap, args []Word) Word {
	if len(args) == 0 {
		return EvalErrorWord
	}
	first, ok := readNumeric(h, args[0])
	if !ok {
		return TypeErrorWord
	}
	if len(args) == 1 {
		return narrow(h, combine(numeric{rank: first.rank}, first, arithSub))
	}
	acc := first
	for _, a := range args[1:] {
		n, ok := readNumeric(h, a)
		if !ok {
			return TypeErrorWord
		}
		acc = combine(acc, n, arithSub)
	}
	return narrow(h, acc)
}

func foldArithDiv(h *Heap, args []Word) Word {
	if len(args) < 2 {
		return EvalErrorWord
	}
	acc, ok := readNumeric(h, args[0])
	if !ok {
		return TypeErrorWord
	}
	for _, a := range args[1:] {
		n, ok := readNumeric(h, a)
		if !ok {
			return TypeErrorWord
		}
		if n.isZero() {
			return EvalErrorWord
		}
		acc = combine(acc, n, arithDiv)
	}
	return narrow(h, acc)
}

// modFundamental is integer-only: a float operand is a type-error and
// a zero divisor an eval-error.
func modFundamental(h *Heap, args []Word) Word {
	if len(args) != 2 {
		return EvalErrorWord
	}
	a, ok := readNumeric(h, args[0])
	if !ok {
		return TypeErrorWord
	}
	b, ok := readNumeric(h, args[1])
	if !ok {
		return TypeErrorWord
	}
	rank := maxRank(a.rank, b.rank)
	if isFloatRank(rank) {
		return TypeErrorWord
	}
	if b.isZero() {
		return EvalErrorWord
	}
	if isUnsignedRank(rank) {
		return narrow(h, numeric{rank: rank, u: a.asUint64() % b.asUint64()})
	}
	return narrow(h, numeric{rank: rank, i: a.asInt64() % b.asInt64()})
}

func compareFold(h *Heap, args []Word, accept func(cmp int) bool) Word {
	if len(args) < 2 {
		return EvalErrorWord
	}
	prev, ok := readNumeric(h, args[0])
	if !ok {
		return TypeErrorWord
	}
	for _, a := range args[1:] {
		n, ok := readNumeric(h, a)
		if !ok {
			return TypeErrorWord
		}
		if !accept(compareNumeric(prev, n)) {
			return NilWord
		}
		prev = n
	}
	return TWord
}
