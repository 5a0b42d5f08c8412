package lispbm

import (
	"github.com/buger/jsonparser"
)

// ExtensionFunc is a host-provided operation, invoked exactly like a
// fundamental but dispatched through the registry instead of a
// switch. It receives the already-evaluated argument list and must
// not suspend; it may allocate on the heap it is given.
type ExtensionFunc func(h *Heap, args []Word) Word

type extensionEntry struct {
	name    string
	handler ExtensionFunc
}

// ExtensionRegistry is the fixed-capacity name->handler table.
// Extension ids are assigned in [extensionBase, userSymbolBase), above
// fundamentals and below ordinary user symbols. dispatchApply picks an
// extension handler from this id range at call time; there is no
// separate tagged function-value variant.
type ExtensionRegistry struct {
	symbols  *SymbolTable
	entries  map[SymbolID]extensionEntry
	capacity int
	nextID   SymbolID
}

// NewExtensionRegistry builds a registry bounded to capacity entries.
func NewExtensionRegistry(symbols *SymbolTable, capacity int) *ExtensionRegistry {
	return &ExtensionRegistry{
		symbols:  symbols,
		entries:  make(map[SymbolID]extensionEntry, capacity),
		capacity: capacity,
		nextID:   extensionBase,
	}
}

// AddExtension registers name -> handler, returning false if the
// registry is at capacity or the extension id range is exhausted.
func (r *ExtensionRegistry) AddExtension(name string, handler ExtensionFunc) bool {
	if len(r.entries) >= r.capacity || r.nextID >= userSymbolBase {
		return false
	}
	id := r.nextID
	r.nextID++
	r.symbols.internAt(id, name)
	r.entries[id] = extensionEntry{name: name, handler: handler}
	return true
}

// Lookup returns the handler registered for id, if any.
func (r *ExtensionRegistry) Lookup(id SymbolID) (ExtensionFunc, bool) {
	e, ok := r.entries[id]
	return e.handler, ok
}

// Invoke calls the handler for id with the given already-evaluated
// arguments, or returns eval-error if id is not (or no longer)
// registered.
func (r *ExtensionRegistry) Invoke(h *Heap, id SymbolID, args []Word) Word {
	handler, ok := r.Lookup(id)
	if !ok {
		return EvalErrorWord
	}
	return handler(h, args)
}

// RegisterJSONExtensions wires a concrete, realistic host capability
// into the extension registry: `json-get`, a zero-allocation field
// lookup over a JSON byte array using buger/jsonparser, exposed as a
// callable lispBM value — the evaluator itself has no JSON support and
// never will; parsing concerns stay external and host-provided.
// args are (json-array path-string...).
func RegisterJSONExtensions(h *Heap, r *ExtensionRegistry) bool {
	return r.AddExtension("json-get", func(h *Heap, args []Word) Word {
		if len(args) < 2 {
			return TypeErrorWord
		}
		if h.TypeOf(args[0]) != TypeArray {
			return TypeErrorWord
		}
		doc := []byte(h.ArrayString(args[0]))
		keys := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			if h.TypeOf(a) != TypeArray {
				return TypeErrorWord
			}
			keys = append(keys, h.ArrayString(a))
		}
		value, dataType, _, err := jsonparser.Get(doc, keys...)
		if err != nil {
			return NilWord
		}
		switch dataType {
		case jsonparser.Number:
			n, perr := jsonparser.ParseInt(value)
			if perr != nil {
				f, ferr := jsonparser.ParseFloat(value)
				if ferr != nil {
					return TypeErrorWord
				}
				w, ok := h.NewFloat64(f)
				if !ok {
					return OutOfMemoryWord
				}
				return w
			}
			return Int(n)
		case jsonparser.String:
			s, _ := jsonparser.ParseString(value)
			w, ok := h.NewStringArray(s)
			if !ok {
				return OutOfMemoryWord
			}
			return w
		case jsonparser.Boolean:
			b, _ := jsonparser.ParseBoolean(value)
			if b {
				return TWord
			}
			return NilWord
		case jsonparser.Null:
			return NilWord
		default:
			w, ok := h.NewStringArray(string(value))
			if !ok {
				return OutOfMemoryWord
			}
			return w
		}
	})
}
