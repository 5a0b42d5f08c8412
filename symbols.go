package lispbm

import "sync"

// symbolEntry is one (id, name) pair in either tier of the table.
// Grounded on a Bytecode string table (vm.go/vm_program.go
// strs []string + smap map[string]int), generalized to two tiers: a
// mutable runtime list and an append-only read-only list.
type symbolEntry struct {
	id   SymbolID
	name string
}

// SymbolTable interns textual names to small integer ids. Lookup by
// name and by id are both linear scans over the two tiers: this is a
// microcontroller-shaped interpreter, not an optimization exercise,
// and a map would cost more flash/RAM than the scan it would replace
// for the symbol counts this runtime expects to see.
type SymbolTable struct {
	mu       sync.Mutex    // guards the runtime tier: AddExtension may intern off the evaluator goroutine
	readOnly []symbolEntry // Go slice of the reserved names, filled by NewSymbolTable
	runtime  []symbolEntry // Go slice, append-only after init; neither tier lives in the constant heap or aux memory
	nextID   SymbolID
}

// NewSymbolTable builds a table with the reserved range pre-populated.
func NewSymbolTable() *SymbolTable {
	st := &SymbolTable{nextID: userSymbolBase}
	st.readOnly = make([]symbolEntry, 0, len(reservedSymbolNames))
	for id, name := range reservedSymbolNames {
		st.readOnly = append(st.readOnly, symbolEntry{id: SymbolID(id), name: name})
	}
	return st
}

// Intern returns the id for name, allocating a new runtime entry if
// name has never been seen. Interning a reserved name always returns
// its pre-assigned id: the reserved range is not writable.
func (st *SymbolTable) Intern(name string) SymbolID {
	st.mu.Lock()
	defer st.mu.Unlock()
	if id, ok := st.lookupIDLocked(name); ok {
		return id
	}
	id := st.nextID
	st.nextID++
	st.runtime = append(st.runtime, symbolEntry{id: id, name: name})
	return id
}

// internAt is used by registerFundamentals and
// ExtensionRegistry.AddExtension: it registers a name at a
// caller-chosen id without consuming nextID, and panics if the runtime
// tier already holds that id.
func (st *SymbolTable) internAt(id SymbolID, name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range st.runtime {
		if e.id == id {
			panic("lispbm: duplicate symbol id " + name)
		}
	}
	st.runtime = append(st.runtime, symbolEntry{id: id, name: name})
}

func (st *SymbolTable) lookupIDLocked(name string) (SymbolID, bool) {
	for _, e := range st.readOnly {
		if e.name == name {
			return e.id, true
		}
	}
	for _, e := range st.runtime {
		if e.name == name {
			return e.id, true
		}
	}
	return 0, false
}

// LookupName resolves an id back to its textual name.
func (st *SymbolTable) LookupName(id SymbolID) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range st.readOnly {
		if e.id == id {
			return e.name, true
		}
	}
	for _, e := range st.runtime {
		if e.id == id {
			return e.name, true
		}
	}
	return "", false
}

// Iterate visits every interned (id, name) pair, read-only tier
// first, stopping early if f returns false.
func (st *SymbolTable) Iterate(f func(SymbolID, string) bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range st.readOnly {
		if !f(e.id, e.name) {
			return
		}
	}
	for _, e := range st.runtime {
		if !f(e.id, e.name) {
			return
		}
	}
}

// IsReserved reports whether id falls in the pre-populated range.
func IsReserved(id SymbolID) bool { return id < reservedSymbolCount }

// IsFundamental reports whether id falls in the fundamental range.
func IsFundamental(id SymbolID) bool {
	return id >= fundamentalBase && id < extensionBase
}

// IsExtensionID reports whether id falls in the extension range.
func IsExtensionID(id SymbolID) bool {
	return id >= extensionBase && id < userSymbolBase
}
