package lispbm

// Env operations implement an association list of
// (key . value) cons cells, with letrec-style pre-binding support for
// `let` and a global environment that is replace-or-prepend on write.
// There is no dedicated Env struct: an environment is just a Word (a
// list, possibly NilWord), exactly like every other heap value, which
// is what lets it be rooted, copied (lambda's env_copy) and walked
// with the same Heap primitives as any other list.

// EnvLookup walks env's cdr chain looking for key, first match wins
// (association-list shadowing, not a strict lexical scheme). Returns
// the bound value and true, or (NilWord, false) if key is not bound
// anywhere in env.
func (h *Heap) EnvLookup(key SymbolID, env Word) (Word, bool) {
	for cur := env; !cur.IsNil(); cur = h.Cdr(cur) {
		pair := h.Car(cur)
		k := h.Car(pair)
		if id, ok := k.IsSymbol(); ok && id == key {
			return h.Cdr(pair), true
		}
	}
	return NilWord, false
}

// EnvExtend prepends one new (key . val) binding onto env and returns
// the new environment head. On allocation failure it returns ok=false
// and env unchanged; the caller must request GC and retry the whole
// step.
func (h *Heap) EnvExtend(key SymbolID, val, env Word) (Word, bool) {
	pair, ok := h.Cons(Symbol(key), val)
	if !ok {
		return env, false
	}
	out, ok := h.Cons(pair, env)
	if !ok {
		return env, false
	}
	return out, true
}

// EnvModify implements letrec-style update-in-place: it mutates the
// first existing binding of key in env (SetCdr on the pair cell), and
// reports whether such a binding was found. `let`'s bind-to-key-rest
// continuation always calls this against an environment it itself
// just pre-extended, so it never needs the false case, but callers
// elsewhere (a user `(set! ...)`-like extension) may use it generally.
func (h *Heap) EnvModify(env Word, key SymbolID, val Word) bool {
	for cur := env; !cur.IsNil(); cur = h.Cdr(cur) {
		pair := h.Car(cur)
		k := h.Car(pair)
		if id, ok := k.IsSymbol(); ok && id == key {
			h.SetCdr(pair, val)
			return true
		}
	}
	return false
}

// GlobalSet implements replace-or-prepend global_set: if key
// is already bound anywhere in the global environment its value is
// mutated in place (EnvModify); otherwise a new binding is prepended
// and the updated global environment word is returned. The bool
// result is false only on allocation failure in the prepend case.
func (h *Heap) GlobalSet(globalEnv Word, key SymbolID, val Word) (Word, bool) {
	if h.EnvModify(globalEnv, key, val) {
		return globalEnv, true
	}
	return h.EnvExtend(key, val, globalEnv)
}

// BuildParams zips params (a proper list of symbols) against args (a
// proper list of values), prepending each pair onto base. It is
// atomic: if any allocation fails partway through, the partially
// built environment is discarded (the original base is returned) so
// the caller can GC and retry the whole binding from scratch rather
// than leave a half-built environment reachable twice.
// ok is false both on allocation failure and on arity mismatch
// (different list lengths); the caller maps the latter to eval-error.
func (h *Heap) BuildParams(params, args, base Word) (env Word, ok bool) {
	var names []SymbolID
	for cur := params; !cur.IsNil(); cur = h.Cdr(cur) {
		id, isSym := h.Car(cur).IsSymbol()
		if !isSym {
			return base, false
		}
		names = append(names, id)
	}
	var values []Word
	for cur := args; !cur.IsNil(); cur = h.Cdr(cur) {
		values = append(values, h.Car(cur))
	}
	if len(names) != len(values) {
		return base, false
	}
	env = base
	for i := len(names) - 1; i >= 0; i-- {
		var extended bool
		env, extended = h.EnvExtend(names[i], values[i], env)
		if !extended {
			return base, false
		}
	}
	return env, true
}

// CopyEnv makes a shallow copy of env (spine cells duplicated, pair
// contents shared), used by `lambda` to snapshot the defining
// environment. Returns ok=false on allocation failure.
func (h *Heap) CopyEnv(env Word) (Word, bool) {
	var pairs []Word
	for cur := env; !cur.IsNil(); cur = h.Cdr(cur) {
		pairs = append(pairs, h.Car(cur))
	}
	out := NilWord
	for i := len(pairs) - 1; i >= 0; i-- {
		var ok bool
		out, ok = h.Cons(pairs[i], out)
		if !ok {
			return NilWord, false
		}
	}
	return out, true
}
