package lispbm

// Mailbox is a bounded FIFO of tagged values, one per context. It is
// backed by a plain Go slice rather than aux memory (a Go mailbox does
// not need a hand-rolled ring buffer to avoid an allocator
// round-trip); the bound on capacity is still enforced explicitly,
// because the overflow behavior ("send returns failure; sender not
// blocked") is an observable API contract, not an implementation
// detail.
type Mailbox struct {
	messages []Word
	capacity int
}

// NewMailbox builds an empty mailbox bounded to capacity messages.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{capacity: capacity}
}

// Enqueue appends v to the back of the mailbox, returning false if
// the mailbox is already at capacity: overflow causes send to report
// failure to the caller, but the sending context itself never blocks.
func (m *Mailbox) Enqueue(v Word) bool {
	if len(m.messages) >= m.capacity {
		return false
	}
	m.messages = append(m.messages, v)
	return true
}

// Len reports how many messages are currently queued.
func (m *Mailbox) Len() int { return len(m.messages) }

// Pattern is one clause of a recv's pattern list: a pattern
// expression (built from conses/symbols/literals exactly like any
// other lispBM value) paired with the body to run when it matches.
// A symbol in pattern position matches a symbol message only by
// identity (so tag symbols like `ping` act as literals) and binds any
// other kind of message value; the wildcard symbol matches everything
// without binding. Non-symbol literal sub-patterns (nil, t, ints,
// chars, boxed numerics, arrays) must match the corresponding message
// sub-value by equality.
type Pattern struct {
	Expr Word
	Body Word
}

// WildcardSymbolName is the pattern symbol that matches anything
// without binding, following the usual Lisp-family convention for an
// ignored bound variable.
const WildcardSymbolName = "_"

// Match attempts to unify pattern against message, extending baseEnv
// with one binding per pattern-position symbol. It returns the
// extended environment and true on success, or (baseEnv, false) on a
// structural/literal mismatch. wildcardID is the interned id of
// WildcardSymbolName, passed in because Heap alone doesn't carry a
// SymbolTable reference.
func (h *Heap) Match(pattern, message, baseEnv Word, wildcardID SymbolID) (Word, bool) {
	switch h.TypeOf(pattern) {
	case TypeSymbol:
		id, _ := pattern.IsSymbol()
		if id == wildcardID {
			return baseEnv, true
		}
		if mid, isSym := message.IsSymbol(); isSym {
			return baseEnv, mid == id
		}
		return h.EnvExtend(id, message, baseEnv)
	case TypeCons:
		if h.TypeOf(message) != TypeCons {
			return baseEnv, false
		}
		env, ok := h.Match(h.Car(pattern), h.Car(message), baseEnv, wildcardID)
		if !ok {
			return baseEnv, false
		}
		return h.Match(h.Cdr(pattern), h.Cdr(message), env, wildcardID)
	default:
		if h.equalWords(pattern, message) {
			return baseEnv, true
		}
		return baseEnv, false
	}
}

// matchNoBind answers "would Match succeed?" without building the
// binding environment, and therefore without allocating a single heap
// cell. The scheduler's SendMessage wake check runs it under the
// cross-thread mutex, where heap mutation is forbidden; the woken
// context redoes the full binding Match on the evaluator goroutine.
func (h *Heap) matchNoBind(pattern, message Word, wildcardID SymbolID) bool {
	switch h.TypeOf(pattern) {
	case TypeSymbol:
		id, _ := pattern.IsSymbol()
		if id == wildcardID {
			return true
		}
		if mid, isSym := message.IsSymbol(); isSym {
			return mid == id
		}
		return true
	case TypeCons:
		if h.TypeOf(message) != TypeCons {
			return false
		}
		return h.matchNoBind(h.Car(pattern), h.Car(message), wildcardID) &&
			h.matchNoBind(h.Cdr(pattern), h.Cdr(message), wildcardID)
	default:
		return h.equalWords(pattern, message)
	}
}

// equalWords compares two non-cons, non-symbol-binding values for
// pattern-literal equality: immediates by raw value, boxed numerics
// by unboxed value, arrays by content, nil/t by their shared immediate
// encoding (already covered by straight Word equality).
func (h *Heap) equalWords(a, b Word) bool {
	if a == b {
		return true
	}
	ta, tb := h.TypeOf(a), h.TypeOf(b)
	if ta != tb {
		return false
	}
	switch ta {
	case TypeArray:
		return h.ArrayString(a) == h.ArrayString(b)
	case TypeBoxedInt32:
		return h.UnboxInt32(a) == h.UnboxInt32(b)
	case TypeBoxedUint32:
		return h.UnboxUint32(a) == h.UnboxUint32(b)
	case TypeBoxedInt64:
		return h.UnboxInt64(a) == h.UnboxInt64(b)
	case TypeBoxedUint64:
		return h.UnboxUint64(a) == h.UnboxUint64(b)
	case TypeBoxedFloat32:
		return h.UnboxFloat32(a) == h.UnboxFloat32(b)
	case TypeBoxedFloat64:
		return h.UnboxFloat64(a) == h.UnboxFloat64(b)
	}
	return false
}

// Roots appends every queued message to out, for GC rooting.
func (m *Mailbox) Roots(out []Word) []Word {
	return append(out, m.messages...)
}

// peekOldest returns the oldest queued message without consuming it.
func (m *Mailbox) peekOldest() (Word, bool) {
	if len(m.messages) == 0 {
		return NilWord, false
	}
	return m.messages[0], true
}

// consumeOldest removes and returns the oldest queued message.
func (m *Mailbox) consumeOldest() Word {
	v := m.messages[0]
	m.messages = m.messages[1:]
	return v
}
