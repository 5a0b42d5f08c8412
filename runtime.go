package lispbm

import (
	"fmt"
	"unsafe"

	"github.com/mattn/go-pointer"
	"gopkg.in/yaml.v3"
)

// EvalState is the coarse whole-runtime state an embedder can poll.
type EvalState int

const (
	EvalStateNone EvalState = iota
	EvalStateRunning
	EvalStatePaused
	EvalStateDead
	EvalStateKill
)

// Callbacks bundles the host functions an embedder supplies:
// critical-error, context-done, timestamp-microseconds, usleep, a
// dynamic loader hook, and printf. Each is optional; a nil callback is
// simply not invoked. The runtime always passes 0 as the state
// argument of CriticalError and ContextDone; SaveHandle, RestoreHandle
// and ReleaseHandle round-trip an embedder's own value through
// github.com/mattn/go-pointer.
type Callbacks struct {
	CriticalError func(state unsafeState, fault CriticalFault)
	ContextDone   func(state unsafeState, ctx ContextID, result Word, err error)
	TimestampUS   func() int64
	USleep        func(us int64)
	DynamicLoad   func(name string) (ExtensionFunc, bool)
	Printf        func(format string, args ...any)
}

// unsafeState is the opaque host pointer handed back to callbacks;
// it is produced by SaveHandle and must be released with
// ReleaseHandle once the embedder no longer needs it.
type unsafeState = uintptr

// SaveHandle stores an arbitrary host value and returns an opaque
// handle a C-style callback signature can carry, using
// github.com/mattn/go-pointer the same way cgo-facing Go libraries
// round-trip a Go value through a void*.
func SaveHandle(v any) unsafeState {
	return unsafeState(uintptr(pointer.Save(v)))
}

// RestoreHandle recovers the value SaveHandle stored.
func RestoreHandle(h unsafeState) any {
	return pointer.Restore(unsafe.Pointer(h))
}

// ReleaseHandle releases a handle created by SaveHandle. Every
// SaveHandle must be matched by exactly one ReleaseHandle, or the
// underlying registry leaks for the life of the process — the same
// contract github.com/mattn/go-pointer itself documents.
func ReleaseHandle(h unsafeState) {
	pointer.Unref(unsafe.Pointer(h))
}

// Runtime is the single aggregated value holding every piece of
// process-wide state: the heap, the symbol table, the scheduler, the
// extension registry, the constant heap, the global environment.
// Every exported embedding-API function below takes a *Runtime rather
// than reading package-level globals, so multiple isolated runtimes
// can coexist and tests never share state by accident.
type Runtime struct {
	Heap    *Heap
	Aux     *AuxMemory
	Const   *ConstHeap
	Symbols *SymbolTable
	Gc      *GC
	Sched   *Scheduler
	Ext     *ExtensionRegistry

	GlobalEnv Word

	Quantum         int
	stackInitial    int
	stackCapacity   int
	mailboxCapacity int

	// lowWaterCells triggers a safepoint GC whenever the free-cell
	// count drops below it; collectOnAllocFailure controls whether an
	// allocation failure forces a GC-and-retry cycle or fails the
	// context immediately.
	lowWaterCells         int
	collectOnAllocFailure bool

	Callbacks Callbacks
	state     EvalState

	wildcardID SymbolID
}

// Init builds a Runtime from a Config, wiring heap/aux/const sizes,
// the scheduler's quantum and mailbox capacity, and the extension
// registry's capacity, matching the shape (if not the literal
// parameter list) of `init(heap_mem, heap_cells,
// aux_mem, aux_words, bitmap, gc_stack_size, print_stack_size,
// extension_table, extension_capacity)`. Go's GC-managed slices take
// the place of caller-supplied memory regions; the embedder still
// chooses every *size* up front, exactly where this Config puts them.
func Init(cfg *Config, callbacks Callbacks) *Runtime {
	aux := NewAuxMemory(cfg.GetInt("aux.words"))
	heap := NewHeap(cfg.GetInt("heap.cells"), aux)
	symbols := NewSymbolTable()
	registerFundamentals(symbols)
	rt := &Runtime{
		Heap:                  heap,
		Aux:                   aux,
		Const:                 NewConstHeap(cfg.GetInt("const.words")),
		Symbols:               symbols,
		Gc:                    NewGC(heap, cfg.GetInt("gc.mark_stack_capacity")),
		Ext:                   NewExtensionRegistry(symbols, cfg.GetInt("extensions.capacity")),
		GlobalEnv:             NilWord,
		Quantum:               cfg.GetInt("sched.quantum"),
		stackInitial:          cfg.GetInt("stack.initial_capacity"),
		stackCapacity:         cfg.GetInt("stack.capacity"),
		mailboxCapacity:       cfg.GetInt("sched.mailbox_capacity"),
		lowWaterCells:         cfg.GetInt("gc.low_water_cells"),
		collectOnAllocFailure: cfg.GetBool("gc.collect_on_alloc_failure"),
		Callbacks:             callbacks,
		state:                 EvalStateNone,
		wildcardID:            symbols.Intern(WildcardSymbolName),
	}
	nowFunc := callbacks.TimestampUS
	if nowFunc == nil {
		nowFunc = func() int64 { return 0 }
	}
	rt.Sched = NewScheduler(rt.Quantum, nowFunc)
	return rt
}

// EvalInitEvents validates the event queue capacity used by
// BlockOnEvent/PushEvent. The scheduler's event queue grows lazily
// here (no fixed ring buffer needed), so the capacity is advisory.
func (rt *Runtime) EvalInitEvents(capacity int) bool {
	return capacity > 0
}

// ConstHeapInit replaces the runtime's constant heap with a fresh
// region of the given capacity, for hosts that size it after Init.
func (rt *Runtime) ConstHeapInit(capacity int) bool {
	rt.Const = NewConstHeap(capacity)
	return true
}

// NewStack allocates a continuation stack sized per this runtime's
// configured initial/maximum capacity.
func (rt *Runtime) NewStack() *ContStack {
	return NewContStack(rt.stackInitial, rt.stackCapacity)
}

// Spawn creates a new context evaluating expr in env (defaulting env
// to the global environment when NilWord is passed) and returns it.
// The fresh continuation stack is seeded with a DONE frame at its
// bottom, so a context that unwinds completely is detected as done
// rather than underflowing its stack.
func (rt *Runtime) Spawn(expr, env Word) *EvalContext {
	if env.IsNil() {
		env = rt.GlobalEnv
	}
	stack := rt.NewStack()
	stack.Push(Int(int64(opDone)))
	return rt.Sched.Spawn(expr, env, stack, rt.mailboxCapacity)
}

// AddExtension registers a host extension
func (rt *Runtime) AddExtension(name string, handler ExtensionFunc) bool {
	return rt.Ext.AddExtension(name, handler)
}

// SendMessage enqueues v into target's mailbox
func (rt *Runtime) SendMessage(target ContextID, v Word) bool {
	return rt.Sched.SendMessage(rt.Heap, rt.wildcardID, target, v)
}

// PauseEvalWithGC runs a GC and pauses the evaluator; msHint is
// ignored and the GC always runs. This Go port runs the scheduler
// synchronously from the caller's goroutine (RunUntilIdle), so "pause"
// here just flips the reported EvalState; RunUntilIdle and RunLoop
// return without running anything while it is paused.
func (rt *Runtime) PauseEvalWithGC(msHint int) {
	rt.CollectGarbage()
	rt.state = EvalStatePaused
}

// ContinueEval resumes a paused runtime.
func (rt *Runtime) ContinueEval() { rt.state = EvalStateRunning }

// KillEval transitions every tracked context to killed.
func (rt *Runtime) KillEval() {
	for _, ctx := range rt.Sched.ctxs {
		rt.Sched.Kill(ctx)
	}
	rt.state = EvalStateDead
}

// GetEvalState reports the runtime's coarse state.
func (rt *Runtime) GetEvalState() EvalState { return rt.state }

// CollectGarbage runs one mark-sweep cycle rooted at the global
// environment, the constant heap tip, and every live context.
func (rt *Runtime) CollectGarbage() (Stats, error) {
	roots := make([]Word, 0, 64)
	roots = append(roots, rt.GlobalEnv)
	for i := 0; i < rt.Const.Tip(); i++ {
		roots = append(roots, rt.Const.Read(i))
	}
	roots = rt.Sched.Roots(roots)
	return rt.Gc.Collect(roots)
}

// RunningIterator invokes f for every context currently in the ready
// state, passing two opaque caller-supplied arguments through
// unchanged. The caller must have the scheduler quiesced; the
// iteration itself never mutates it.
func (rt *Runtime) RunningIterator(f func(*EvalContext, any, any), a1, a2 any) {
	rt.iterateState(StateReady, f, a1, a2)
}

// BlockedIterator invokes f for every context blocked on recv, event,
// or asleep.
func (rt *Runtime) BlockedIterator(f func(*EvalContext, any, any), a1, a2 any) {
	for _, st := range []ContextState{StateBlockedOnRecv, StateBlockedOnEvent, StateSleeping} {
		rt.iterateState(st, f, a1, a2)
	}
}

func (rt *Runtime) iterateState(state ContextState, f func(*EvalContext, any, any), a1, a2 any) {
	for _, ctx := range rt.Sched.ctxs {
		if ctx.State == state {
			f(ctx, a1, a2)
		}
	}
}

// contextSnapshot is one context's row in a DumpState report: just
// enough to diagnose a stuck or leaking runtime from the host side,
// without exposing raw heap words that would not survive a YAML
// round-trip meaningfully.
type contextSnapshot struct {
	ID           ContextID `yaml:"id"`
	State        string    `yaml:"state"`
	StackDepth   int       `yaml:"stack_depth"`
	MailboxDepth int       `yaml:"mailbox_depth"`
	WakeTimeUS   int64     `yaml:"wake_time_us,omitempty"`
}

// RuntimeSnapshot is DumpState's top-level report shape.
type RuntimeSnapshot struct {
	HeapFree     int               `yaml:"heap_free"`
	AuxFree      int               `yaml:"aux_free"`
	ReadyCount   int               `yaml:"ready_count"`
	BlockedCount int               `yaml:"blocked_count"`
	Contexts     []contextSnapshot `yaml:"contexts"`
}

// DumpState renders a host-diagnostic snapshot of every tracked
// context plus heap/aux occupancy as YAML: a structured, greppable
// dump a host operator can read without a debugger attached, backing
// the running/blocked iteration surface with a single report instead
// of a callback-driven walk.
func (rt *Runtime) DumpState() (string, error) {
	snap := RuntimeSnapshot{
		HeapFree: rt.Heap.HeapNumFree(),
		AuxFree:  rt.Aux.NumFree(),
	}
	rt.Sched.mu.Lock()
	defer rt.Sched.mu.Unlock()
	for _, ctx := range rt.Sched.ctxs {
		if ctx.State == StateReady {
			snap.ReadyCount++
		} else if ctx.State == StateBlockedOnRecv || ctx.State == StateBlockedOnEvent || ctx.State == StateSleeping {
			snap.BlockedCount++
		}
		snap.Contexts = append(snap.Contexts, contextSnapshot{
			ID:           ctx.ID,
			State:        ctx.State.String(),
			StackDepth:   ctx.K.SP(),
			MailboxDepth: ctx.Mailbox.Len(),
			WakeTimeUS:   ctx.WakeTime,
		})
	}
	out, err := yaml.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (rt *Runtime) criticalError(reason string) {
	fault := CriticalFault{Reason: reason}
	if rt.Callbacks.CriticalError != nil {
		rt.Callbacks.CriticalError(0, fault)
	}
}

func (rt *Runtime) contextDone(ctx *EvalContext) {
	var err error
	if IsErrorSymbol(ctx.R) {
		id, _ := ctx.R.IsSymbol()
		err = EvalFault{ContextID: ctx.ID, Symbol: id}
		ctx.err = err
	}
	if rt.Callbacks.ContextDone != nil {
		rt.Callbacks.ContextDone(0, ctx.ID, ctx.R, err)
	}
}

// String renders a value for debugging/printf callbacks; it is not a
// printer in the Lisp sense (no reader round-trip is promised), just
// enough for host diagnostics and test failure messages.
func (rt *Runtime) String(w Word) string {
	switch rt.Heap.TypeOf(w) {
	case TypeNil:
		return "nil"
	case TypeT:
		return "t"
	case TypeSymbol:
		id, _ := w.IsSymbol()
		name, _ := rt.Symbols.LookupName(id)
		return name
	case TypeInt:
		v, _ := w.AsInt()
		return fmt.Sprintf("%d", v)
	case TypeUint:
		v, _ := w.AsUint()
		return fmt.Sprintf("%d", v)
	case TypeChar:
		v, _ := w.AsChar()
		return fmt.Sprintf("%c", v)
	case TypeCons:
		return rt.stringList(w)
	case TypeArray:
		return fmt.Sprintf("%q", rt.Heap.ArrayString(w))
	case TypeBoxedInt32:
		return fmt.Sprintf("%d", rt.Heap.UnboxInt32(w))
	case TypeBoxedUint32:
		return fmt.Sprintf("%d", rt.Heap.UnboxUint32(w))
	case TypeBoxedInt64:
		return fmt.Sprintf("%d", rt.Heap.UnboxInt64(w))
	case TypeBoxedUint64:
		return fmt.Sprintf("%d", rt.Heap.UnboxUint64(w))
	case TypeBoxedFloat32:
		return fmt.Sprintf("%g", rt.Heap.UnboxFloat32(w))
	case TypeBoxedFloat64:
		return fmt.Sprintf("%g", rt.Heap.UnboxFloat64(w))
	case TypeOutOfMemory:
		return "out-of-memory"
	default:
		return "?"
	}
}

func (rt *Runtime) stringList(w Word) string {
	out := "("
	cur := w
	first := true
	for rt.Heap.TypeOf(cur) == TypeCons {
		if !first {
			out += " "
		}
		first = false
		out += rt.String(rt.Heap.Car(cur))
		cur = rt.Heap.Cdr(cur)
	}
	if !cur.IsNil() {
		out += " . " + rt.String(cur)
	}
	out += ")"
	return out
}
