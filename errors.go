package lispbm

import "fmt"

// EvalFault is the error surfaced to the embedder's context-done
// callback when a context terminates with an error symbol in its
// result register. The reserved error symbols are the internal tier
// (they travel as ordinary Words through apply-continuation);
// EvalFault is the surfaced tier wrapping one of them with the
// context it happened in.
type EvalFault struct {
	ContextID ContextID
	Symbol    SymbolID
	Detail    string
}

func (e EvalFault) Error() string {
	name := reservedSymbolNames[e.Symbol]
	if e.Detail != "" {
		return fmt.Sprintf("%s @ context %d: %s", name, e.ContextID, e.Detail)
	}
	return fmt.Sprintf("%s @ context %d", name, e.ContextID)
}

// CriticalFault is a process-level fatal condition, reported through
// the embedder's critical-error callback because the runtime's own
// invariants can no longer be trusted once one fires. The runtime
// raises it for a GC marking stack overflow and for a constant-heap
// write conflict in ImageBoot. A continuation stack underflow panics
// in ContStack.Pop/PopN, and a duplicate reserved symbol id panics in
// SymbolTable.internAt; neither goes through the callback.
type CriticalFault struct {
	Reason string
}

func (e CriticalFault) Error() string { return "lispbm: critical fault: " + e.Reason }

// IsErrorSymbol reports whether w is one of the five reserved error
// symbols with stable ids.
func IsErrorSymbol(w Word) bool {
	id, ok := w.IsSymbol()
	if !ok {
		return false
	}
	switch id {
	case SymReadError, SymTypeError, SymEvalError, SymOutOfMemory, SymNoMatch:
		return true
	}
	return false
}

// isShortCircuitingFault reports whether w should abort a progn's
// remaining expressions rather than being merely returned as its
// current value. out-of-memory is included alongside read-error:
// continuing a progn after the host has run out of memory helps
// nobody.
func isShortCircuitingFault(w Word) bool {
	id, ok := w.IsSymbol()
	if !ok {
		return false
	}
	return id == SymReadError || id == SymOutOfMemory
}
