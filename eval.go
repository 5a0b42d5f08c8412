package lispbm

// contOp is the small-integer opcode identifying a continuation frame, one
// per continuation frame shape. Each frame is encoded on the
// ContStack as its operand words (pushed in a fixed declared order)
// followed by the opcode word on top, so that resuming a frame pops
// the opcode first (cheap, tells the dispatcher which operand count
// to expect) and then the operands via PopN, which returns them back
// in their original declared order.
type contOp int64

const (
	opDone contOp = iota
	opSetGlobalEnv
	opPrognRest
	opIf
	opCondRest
	opArgList
	opFunction
	opFunctionApp
	opApplyClosure
	opBindToKeyRest
)

// reduceSignal is what one reduction step asks the scheduler to do
// next; sigContinue means keep running this context within the
// current quantum.
type reduceSignal int

const (
	sigContinue reduceSignal = iota
	sigDone
	sigYield
	sigSleep
	sigBlockRecv
	sigBlockEvent
)

// RunQuantum drives ctx through up to one quantum's worth of
// reductions, stopping early on done/yield/sleep/block, or because
// the quantum expired, in which case RunQuantum itself re-queues ctx
// at the ready tail via Scheduler.Requeue. A step that fails to allocate
// still counts against the loop's iteration bound so a pathologically
// GC-thrashing context cannot stall the scheduler forever; a context
// is only failed outright after two consecutive no-progress GC
// cycles.
func (rt *Runtime) RunQuantum(ctx *EvalContext) StepOutcome {
	if rt.lowWaterCells > 0 && rt.Heap.HeapNumFree() < rt.lowWaterCells {
		rt.CollectGarbage()
	}
	for i := 0; i < rt.Quantum; i++ {
		if rt.Sched.killPending(ctx.ID) {
			rt.Sched.Kill(ctx)
			return OutcomeKilled
		}
		sig, progressed := rt.reduce(ctx)
		if !progressed {
			continue
		}
		ctx.progressCounter = initialProgressBudget
		switch sig {
		case sigDone:
			rt.Sched.Finish(ctx)
			rt.contextDone(ctx)
			return OutcomeDone
		case sigYield:
			rt.Sched.Yield(ctx)
			return OutcomeYield
		case sigSleep:
			return OutcomeSleeping
		case sigBlockRecv:
			return OutcomeBlockedRecv
		case sigBlockEvent:
			return OutcomeBlockedEvent
		}
	}
	rt.Sched.Requeue(ctx)
	return OutcomeQuantumExpired
}

// StepOutcome is RunQuantum's report to its caller (the host's event
// loop, or a test driving a single context to completion).
type StepOutcome int

const (
	OutcomeQuantumExpired StepOutcome = iota
	OutcomeYield
	OutcomeSleeping
	OutcomeBlockedRecv
	OutcomeBlockedEvent
	OutcomeDone
	OutcomeKilled
)

// RunUntilIdle repeatedly steps the scheduler until no context is
// ready to run (or the runtime is paused), for tests and the embedding
// demo that do not need a host event loop integrated with real
// wall-clock sleeping.
func (rt *Runtime) RunUntilIdle() {
	for rt.state != EvalStatePaused {
		ctx := rt.Sched.Step()
		if ctx == nil {
			return
		}
		rt.RunQuantum(ctx)
	}
}

// RunLoop drives the scheduler like RunUntilIdle but also idles
// through sleep gaps: when nothing is ready and some context is still
// sleeping, it waits out the interval to the next wake deadline via
// the host's usleep callback and tries again. It returns when every
// context has finished, when only externally-woken (blocked) contexts
// remain and no deadline exists to wait for, or when the host did not
// supply the clock/usleep callback pair.
func (rt *Runtime) RunLoop() {
	for rt.state != EvalStatePaused {
		ctx := rt.Sched.Step()
		if ctx != nil {
			rt.RunQuantum(ctx)
			continue
		}
		if !rt.Sched.Idle() {
			return
		}
		wake, ok := rt.Sched.NextWake()
		if !ok || rt.Callbacks.USleep == nil || rt.Callbacks.TimestampUS == nil {
			return
		}
		if now := rt.Callbacks.TimestampUS(); wake > now {
			rt.Callbacks.USleep(wake - now)
		}
	}
}

// reduce performs exactly one evaluator reduction and reports whether
// it made forward progress. A false return means an allocation failed
// partway through the step; reduce has already requested a GC and
// decremented the context's progress budget, and the caller is
// expected to simply call reduce again (the step itself re-pushed
// whatever continuation-stack state it needs to retry from scratch).
func (rt *Runtime) reduce(ctx *EvalContext) (reduceSignal, bool) {
	var sig reduceSignal
	var progressed bool
	if ctx.applyContinuation {
		sig, progressed = rt.applyCont(ctx)
	} else {
		sig, progressed = rt.evalExpr(ctx)
	}
	if progressed {
		return sig, true
	}
	if !rt.collectOnAllocFailure {
		failOutOfMemory(ctx)
		return sigContinue, true
	}
	_, err := rt.CollectGarbage()
	if err != nil {
		rt.criticalError(err.Error())
		ctx.err = err
		failOutOfMemory(ctx)
		return sigContinue, true
	}
	ctx.progressCounter--
	if ctx.progressCounter <= 0 {
		failOutOfMemory(ctx)
		return sigContinue, true
	}
	return sigContinue, false
}

// failOutOfMemory fails the whole context: the retry frames its last
// step repushed would re-attempt the same allocation forever, so the
// continuation stack is unwound to a bare DONE frame and the next
// reduction terminates with out-of-memory in the result register.
func failOutOfMemory(ctx *EvalContext) {
	ctx.R = OutOfMemoryWord
	ctx.K.Clear()
	ctx.K.Push(Int(int64(opDone)))
	ctx.applyContinuation = true
	ctx.progressCounter = initialProgressBudget
}

// --- expression evaluation -------------------------------------------

func (rt *Runtime) evalExpr(ctx *EvalContext) (reduceSignal, bool) {
	h := rt.Heap
	expr := ctx.CurrExp
	switch h.TypeOf(expr) {
	case TypeSymbol:
		id, _ := expr.IsSymbol()
		if val, ok := h.EnvLookup(id, ctx.CurrEnv); ok {
			ctx.R = val
		} else if val, ok := h.EnvLookup(id, rt.GlobalEnv); ok {
			ctx.R = val
		} else {
			ctx.R = EvalErrorWord
		}
		ctx.applyContinuation = true
		return sigContinue, true
	case TypeCons:
		return rt.evalCons(ctx, expr)
	default:
		ctx.R = expr
		ctx.applyContinuation = true
		return sigContinue, true
	}
}

func (rt *Runtime) evalCons(ctx *EvalContext, expr Word) (reduceSignal, bool) {
	h := rt.Heap
	head := h.Car(expr)
	args := h.Cdr(expr)
	if id, ok := head.IsSymbol(); ok {
		switch id {
		case SymQuote:
			if h.TypeOf(args) != TypeCons {
				ctx.R = EvalErrorWord
				ctx.applyContinuation = true
				return sigContinue, true
			}
			ctx.R = h.Car(args)
			ctx.applyContinuation = true
			return sigContinue, true
		case SymDefine:
			return rt.evalDefine(ctx, args)
		case SymLambda:
			return rt.evalLambda(ctx, args)
		case SymProgn:
			return rt.evalProgn(ctx, args)
		case SymIf:
			return rt.evalIf(ctx, args)
		case SymCond:
			return rt.evalCond(ctx, args)
		case SymLet, SymLetrec:
			return rt.evalLet(ctx, args)
		case SymSpawn:
			return rt.evalSpawn(ctx, args)
		case SymRecv:
			return rt.evalRecv(ctx, args, false)
		case SymTryRecv:
			return rt.evalRecv(ctx, args, true)
		}
	}
	return rt.evalApply(ctx, head, args)
}

func (rt *Runtime) evalDefine(ctx *EvalContext, args Word) (reduceSignal, bool) {
	h := rt.Heap
	if h.TypeOf(args) != TypeCons || h.TypeOf(h.Cdr(args)) != TypeCons {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	name := h.Car(args)
	valExpr := h.Car(h.Cdr(args))
	nameID, isSym := name.IsSymbol()
	if !isSym || nameID == SymNil {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	if !wouldFit(ctx.K, 2) {
		return sigContinue, false
	}
	ctx.K.PushN(Symbol(nameID), Int(int64(opSetGlobalEnv)))
	ctx.CurrExp = valExpr
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) evalLambda(ctx *EvalContext, args Word) (reduceSignal, bool) {
	h := rt.Heap
	if h.TypeOf(args) != TypeCons {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	params := h.Car(args)
	body := h.Cdr(args)
	envCopy, ok := h.CopyEnv(ctx.CurrEnv)
	if !ok {
		return sigContinue, false
	}
	inner, ok := h.Cons(body, envCopy)
	if !ok {
		return sigContinue, false
	}
	mid, ok := h.Cons(params, inner)
	if !ok {
		return sigContinue, false
	}
	closure, ok := h.Cons(Symbol(SymClosure), mid)
	if !ok {
		return sigContinue, false
	}
	ctx.R = closure
	ctx.applyContinuation = true
	return sigContinue, true
}

func (rt *Runtime) evalProgn(ctx *EvalContext, args Word) (reduceSignal, bool) {
	h := rt.Heap
	if args.IsNil() {
		ctx.R = NilWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	first := h.Car(args)
	rest := h.Cdr(args)
	if !rest.IsNil() {
		if !wouldFit(ctx.K, 3) {
			return sigContinue, false
		}
		ctx.K.PushN(rest, ctx.CurrEnv, Int(int64(opPrognRest)))
	}
	ctx.CurrExp = first
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) evalIf(ctx *EvalContext, args Word) (reduceSignal, bool) {
	h := rt.Heap
	if h.TypeOf(args) != TypeCons || h.TypeOf(h.Cdr(args)) != TypeCons {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	cond := h.Car(args)
	thenRest := h.Cdr(args)
	thenE := h.Car(thenRest)
	elseRest := h.Cdr(thenRest)
	elseE := NilWord
	if !elseRest.IsNil() {
		elseE = h.Car(elseRest)
	}
	if !wouldFit(ctx.K, 4) {
		return sigContinue, false
	}
	ctx.K.PushN(thenE, elseE, ctx.CurrEnv, Int(int64(opIf)))
	ctx.CurrExp = cond
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) evalCond(ctx *EvalContext, clauses Word) (reduceSignal, bool) {
	h := rt.Heap
	if clauses.IsNil() {
		ctx.R = NilWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	clause := h.Car(clauses)
	rest := h.Cdr(clauses)
	if h.TypeOf(clause) != TypeCons {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	condExpr := h.Car(clause)
	body := h.Cdr(clause)
	if !wouldFit(ctx.K, 4) {
		return sigContinue, false
	}
	ctx.K.PushN(rest, body, ctx.CurrEnv, Int(int64(opCondRest)))
	ctx.CurrExp = condExpr
	ctx.applyContinuation = false
	return sigContinue, true
}

// evalLet implements both `let` and `letrec` with a single mechanism:
// every binding key is pre-extended into one shared environment
// holding NilWord before any value expression runs, and each slot is
// then updated in place (EnvModify) as its value becomes known. The
// pre-binding means a value expression — and any closure it builds —
// sees the slots of all its siblings, earlier and later alike: a
// closure captured while a later sibling is still nil observes that
// sibling's final value once the shared pair cell is mutated, which is
// what makes mutual recursion between sibling lambdas work.
func (rt *Runtime) evalLet(ctx *EvalContext, args Word) (reduceSignal, bool) {
	h := rt.Heap
	if h.TypeOf(args) != TypeCons {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	bindings := h.Car(args)
	body := h.Cdr(args)
	if bindings.IsNil() {
		bodyExpr, ok := prognWrap(h, body)
		if !ok {
			return sigContinue, false
		}
		ctx.CurrExp = bodyExpr
		ctx.applyContinuation = false
		return sigContinue, true
	}
	newEnv := ctx.CurrEnv
	for cur := bindings; !cur.IsNil(); cur = h.Cdr(cur) {
		pair := h.Car(cur)
		if h.TypeOf(pair) != TypeCons || h.TypeOf(h.Cdr(pair)) != TypeCons {
			ctx.R = EvalErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
		key, isSym := h.Car(pair).IsSymbol()
		if !isSym {
			ctx.R = EvalErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
		var ok bool
		newEnv, ok = h.EnvExtend(key, NilWord, newEnv)
		if !ok {
			return sigContinue, false
		}
	}
	first := h.Car(bindings)
	rest := h.Cdr(bindings)
	firstKey, _ := h.Car(first).IsSymbol()
	valExpr := h.Car(h.Cdr(first))
	if !wouldFit(ctx.K, 5) {
		return sigContinue, false
	}
	ctx.K.PushN(Symbol(firstKey), rest, body, newEnv, Int(int64(opBindToKeyRest)))
	ctx.CurrEnv = newEnv
	ctx.CurrExp = valExpr
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) evalSpawn(ctx *EvalContext, args Word) (reduceSignal, bool) {
	if args.IsNil() {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	progExpr := rt.Heap.Car(args)
	newCtx := rt.Spawn(progExpr, ctx.CurrEnv)
	ctx.R = Int(int64(newCtx.ID))
	ctx.applyContinuation = true
	return sigContinue, true
}

// evalRecv implements both `recv` and `try-recv`; the single argument
// is the list of (pattern body...) clauses. Only the oldest queued
// message is ever considered: a later message that would match is
// never reordered ahead of an earlier one that does not. The
// scheduler's SendMessage wake check looks only at the newly sent
// message, so a woken receiver whose oldest message still matches no
// clause blocks again.
func (rt *Runtime) evalRecv(ctx *EvalContext, args Word, isTry bool) (reduceSignal, bool) {
	h := rt.Heap
	var patterns []Pattern
	clauses := NilWord
	if !args.IsNil() {
		clauses = h.Car(args)
	}
	for cur := clauses; !cur.IsNil(); cur = h.Cdr(cur) {
		if h.TypeOf(cur) != TypeCons {
			ctx.R = EvalErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
		clause := h.Car(cur)
		if h.TypeOf(clause) != TypeCons {
			ctx.R = EvalErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
		patterns = append(patterns, Pattern{Expr: h.Car(clause), Body: h.Cdr(clause)})
	}
	if msg, ok := rt.Sched.PeekMailbox(ctx); ok {
		for _, p := range patterns {
			env2, matched := h.Match(p.Expr, msg, ctx.CurrEnv, rt.wildcardID)
			if !matched {
				continue
			}
			bodyExpr, ok2 := prognWrap(h, p.Body)
			if !ok2 {
				return sigContinue, false
			}
			rt.Sched.ConsumeMailbox(ctx)
			ctx.CurrEnv = env2
			ctx.CurrExp = bodyExpr
			ctx.applyContinuation = false
			return sigContinue, true
		}
	}
	if isTry {
		ctx.R = NoMatchWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	rt.Sched.BlockOnRecv(ctx, patterns)
	return sigBlockRecv, true
}

// evalApply begins ordinary function application: `head` and `args`
// are the call form's unevaluated operator and operand list. Argument
// expressions are evaluated left to right via a chain of ARG_LIST
// continuation frames ; the accumulator they build is
// in reverse order, which FUNCTION_APP reverses back before applying.
func (rt *Runtime) evalApply(ctx *EvalContext, head, args Word) (reduceSignal, bool) {
	h := rt.Heap
	if args.IsNil() {
		if !wouldFit(ctx.K, 3) {
			return sigContinue, false
		}
		ctx.K.PushN(head, ctx.CurrEnv, Int(int64(opFunction)))
		ctx.R = NilWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	if !wouldFit(ctx.K, 7) {
		return sigContinue, false
	}
	first := h.Car(args)
	rest := h.Cdr(args)
	ctx.K.PushN(head, ctx.CurrEnv, Int(int64(opFunction)))
	ctx.K.PushN(rest, NilWord, ctx.CurrEnv, Int(int64(opArgList)))
	ctx.CurrExp = first
	ctx.applyContinuation = false
	return sigContinue, true
}

// --- continuation resumption ------------------------------------------

func (rt *Runtime) applyCont(ctx *EvalContext) (reduceSignal, bool) {
	opWord := ctx.K.Pop()
	opv, _ := opWord.AsInt()
	switch contOp(opv) {
	case opDone:
		return sigDone, true
	case opSetGlobalEnv:
		return rt.resumeSetGlobalEnv(ctx)
	case opPrognRest:
		return rt.resumePrognRest(ctx)
	case opIf:
		return rt.resumeIf(ctx)
	case opCondRest:
		return rt.resumeCondRest(ctx)
	case opArgList:
		return rt.resumeArgList(ctx)
	case opFunction:
		return rt.resumeFunction(ctx)
	case opFunctionApp:
		return rt.resumeFunctionApp(ctx)
	case opApplyClosure:
		ops := ctx.K.PopN(2)
		return rt.applyClosure(ctx, ops[0], ops[1])
	case opBindToKeyRest:
		return rt.resumeBindToKeyRest(ctx)
	}
	return sigDone, true
}

func (rt *Runtime) resumeSetGlobalEnv(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(1)
	name := ops[0]
	nameID, _ := name.IsSymbol()
	newGlobal, ok := rt.Heap.GlobalSet(rt.GlobalEnv, nameID, ctx.R)
	if !ok {
		ctx.K.PushN(name)
		ctx.K.Push(Int(int64(opSetGlobalEnv)))
		return sigContinue, false
	}
	rt.GlobalEnv = newGlobal
	ctx.R = TWord
	ctx.applyContinuation = true
	return sigContinue, true
}

func (rt *Runtime) resumePrognRest(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(2)
	rest, savedEnv := ops[0], ops[1]
	ctx.CurrEnv = savedEnv
	if isShortCircuitingFault(ctx.R) {
		ctx.applyContinuation = true
		return sigContinue, true
	}
	h := rt.Heap
	next := h.Car(rest)
	remaining := h.Cdr(rest)
	if !remaining.IsNil() {
		if !wouldFit(ctx.K, 3) {
			ctx.K.PushN(rest, savedEnv)
			ctx.K.Push(Int(int64(opPrognRest)))
			return sigContinue, false
		}
		ctx.K.PushN(remaining, savedEnv, Int(int64(opPrognRest)))
	}
	ctx.CurrExp = next
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) resumeIf(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(3)
	thenE, elseE, savedEnv := ops[0], ops[1], ops[2]
	ctx.CurrEnv = savedEnv
	if ctx.R.Truthy() {
		ctx.CurrExp = thenE
	} else {
		ctx.CurrExp = elseE
	}
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) resumeCondRest(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(3)
	rest, body, savedEnv := ops[0], ops[1], ops[2]
	ctx.CurrEnv = savedEnv
	if ctx.R.Truthy() {
		bodyExpr, ok := prognWrap(rt.Heap, body)
		if !ok {
			ctx.K.PushN(rest, body, savedEnv)
			ctx.K.Push(Int(int64(opCondRest)))
			return sigContinue, false
		}
		ctx.CurrExp = bodyExpr
		ctx.applyContinuation = false
		return sigContinue, true
	}
	return rt.evalCond(ctx, rest)
}

func (rt *Runtime) resumeArgList(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(3)
	remaining, acc, savedEnv := ops[0], ops[1], ops[2]
	ctx.CurrEnv = savedEnv
	h := rt.Heap
	newAcc, ok := h.Cons(ctx.R, acc)
	if !ok {
		ctx.K.PushN(remaining, acc, savedEnv)
		ctx.K.Push(Int(int64(opArgList)))
		return sigContinue, false
	}
	if remaining.IsNil() {
		ctx.R = newAcc
		ctx.applyContinuation = true
		return sigContinue, true
	}
	next := h.Car(remaining)
	rest := h.Cdr(remaining)
	if !wouldFit(ctx.K, 4) {
		ctx.K.PushN(remaining, acc, savedEnv)
		ctx.K.Push(Int(int64(opArgList)))
		return sigContinue, false
	}
	ctx.K.PushN(rest, newAcc, savedEnv, Int(int64(opArgList)))
	ctx.CurrExp = next
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) resumeFunction(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(2)
	head, savedEnv := ops[0], ops[1]
	ctx.CurrEnv = savedEnv
	reversedArgs := ctx.R
	if !wouldFit(ctx.K, 3) {
		ctx.K.PushN(head, savedEnv)
		ctx.K.Push(Int(int64(opFunction)))
		return sigContinue, false
	}
	ctx.K.PushN(reversedArgs, savedEnv, Int(int64(opFunctionApp)))
	if isDirectDispatchSymbol(head) {
		ctx.R = head
		ctx.applyContinuation = true
	} else {
		ctx.CurrExp = head
		ctx.applyContinuation = false
	}
	return sigContinue, true
}

func (rt *Runtime) resumeFunctionApp(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(2)
	reversedArgs, savedEnv := ops[0], ops[1]
	ctx.CurrEnv = savedEnv
	headVal := ctx.R
	naturalArgs, ok := reverseList(rt.Heap, reversedArgs)
	if !ok {
		ctx.K.PushN(reversedArgs, savedEnv)
		ctx.K.Push(Int(int64(opFunctionApp)))
		return sigContinue, false
	}
	return rt.dispatchApply(ctx, headVal, naturalArgs)
}

// resumeBindToKeyRest carries the let-extended environment in the
// frame itself rather than trusting ctx.CurrEnv: a binding value that
// was a closure call finishes with the closure's environment in the
// register, and the frame's env operand is what restores the let
// scope. Every key was already pre-bound by evalLet, so resuming only
// ever mutates a slot in place — it never extends the environment.
func (rt *Runtime) resumeBindToKeyRest(ctx *EvalContext) (reduceSignal, bool) {
	ops := ctx.K.PopN(4)
	keyWord, rest, body, env := ops[0], ops[1], ops[2], ops[3]
	h := rt.Heap
	keyID, _ := keyWord.IsSymbol()
	h.EnvModify(env, keyID, ctx.R)
	if rest.IsNil() {
		bodyExpr, ok := prognWrap(h, body)
		if !ok {
			ctx.K.PushN(keyWord, rest, body, env)
			ctx.K.Push(Int(int64(opBindToKeyRest)))
			return sigContinue, false
		}
		ctx.CurrEnv = env
		ctx.CurrExp = bodyExpr
		ctx.applyContinuation = false
		return sigContinue, true
	}
	nextPair := h.Car(rest)
	nextKey, _ := h.Car(nextPair).IsSymbol()
	nextValExpr := h.Car(h.Cdr(nextPair))
	if !wouldFit(ctx.K, 5) {
		ctx.K.PushN(keyWord, rest, body, env)
		ctx.K.Push(Int(int64(opBindToKeyRest)))
		return sigContinue, false
	}
	ctx.K.PushN(Symbol(nextKey), h.Cdr(rest), body, env, Int(int64(opBindToKeyRest)))
	ctx.CurrEnv = env
	ctx.CurrExp = nextValExpr
	ctx.applyContinuation = false
	return sigContinue, true
}

// --- apply dispatch -----------------------------------------------------

// dispatchApply is FUNCTION_APP's body: headVal is the already-resolved
// applicable thing (a fundamental/extension/scheduler symbol that
// skipped environment lookup, or an ordinary evaluated value such as a
// closure), and naturalArgs is the fully evaluated argument list in
// source order.
func (rt *Runtime) dispatchApply(ctx *EvalContext, headVal, naturalArgs Word) (reduceSignal, bool) {
	h := rt.Heap
	if id, ok := headVal.IsSymbol(); ok {
		switch {
		case id >= fundamentalBase && id < extensionBase:
			ctx.R = applyFundamental(h, id, toSlice(h, naturalArgs))
			ctx.applyContinuation = true
			return sigContinue, true
		case id >= extensionBase && id < userSymbolBase:
			ctx.R = rt.Ext.Invoke(h, id, toSlice(h, naturalArgs))
			ctx.applyContinuation = true
			return sigContinue, true
		case id == SymSelf:
			ctx.R = Int(int64(ctx.ID))
			ctx.applyContinuation = true
			return sigContinue, true
		case id == SymSleep:
			return rt.dispatchSleep(ctx, toSlice(h, naturalArgs), false)
		case id == SymYield:
			return rt.dispatchSleep(ctx, toSlice(h, naturalArgs), true)
		case id == SymSend:
			return rt.dispatchSend(ctx, toSlice(h, naturalArgs))
		default:
			ctx.R = EvalErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
	}
	if h.TypeOf(headVal) == TypeCons && h.Car(headVal) == Symbol(SymClosure) {
		return rt.applyClosure(ctx, headVal, naturalArgs)
	}
	ctx.R = EvalErrorWord
	ctx.applyContinuation = true
	return sigContinue, true
}

func (rt *Runtime) applyClosure(ctx *EvalContext, closure, argsList Word) (reduceSignal, bool) {
	h := rt.Heap
	rest := h.Cdr(closure)
	params := h.Car(rest)
	rest2 := h.Cdr(rest)
	body := h.Car(rest2)
	closureEnv := h.Cdr(rest2)
	if !sameShape(h, params, argsList) {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	newEnv, ok := h.BuildParams(params, argsList, closureEnv)
	if !ok {
		ctx.K.PushN(closure, argsList)
		ctx.K.Push(Int(int64(opApplyClosure)))
		return sigContinue, false
	}
	bodyExpr, ok2 := prognWrap(h, body)
	if !ok2 {
		ctx.K.PushN(closure, argsList)
		ctx.K.Push(Int(int64(opApplyClosure)))
		return sigContinue, false
	}
	ctx.CurrEnv = newEnv
	ctx.CurrExp = bodyExpr
	ctx.applyContinuation = false
	return sigContinue, true
}

func (rt *Runtime) dispatchSleep(ctx *EvalContext, argv []Word, isYield bool) (reduceSignal, bool) {
	var us int64
	switch len(argv) {
	case 0:
		if !isYield {
			ctx.R = EvalErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
	case 1:
		v, ok := asDurationUS(argv[0])
		if !ok {
			ctx.R = TypeErrorWord
			ctx.applyContinuation = true
			return sigContinue, true
		}
		us = v
	default:
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	ctx.R = NilWord
	ctx.applyContinuation = true
	if isYield && us <= 0 {
		return sigYield, true
	}
	rt.Sched.Sleep(ctx, us)
	return sigSleep, true
}

func (rt *Runtime) dispatchSend(ctx *EvalContext, argv []Word) (reduceSignal, bool) {
	if len(argv) != 2 {
		ctx.R = EvalErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	targetID, ok := asContextID(argv[0])
	if !ok {
		ctx.R = TypeErrorWord
		ctx.applyContinuation = true
		return sigContinue, true
	}
	if rt.Sched.SendMessage(rt.Heap, rt.wildcardID, targetID, argv[1]) {
		ctx.R = TWord
	} else {
		ctx.R = NilWord
	}
	ctx.applyContinuation = true
	return sigContinue, true
}

// --- small helpers -----------------------------------------------------

// isDirectDispatchSymbol reports whether w is a symbol that must never
// be looked up in an environment because it is not a bindable name:
// fundamentals, extensions, and the four scheduler forms with ordinary
// evaluated arguments.
func isDirectDispatchSymbol(w Word) bool {
	id, ok := w.IsSymbol()
	if !ok {
		return false
	}
	if id >= fundamentalBase && id < userSymbolBase {
		return true
	}
	switch id {
	case SymSelf, SymSleep, SymYield, SymSend:
		return true
	}
	return false
}

// wouldFit reports whether n more words can be pushed onto s without
// overflowing a fixed-capacity stack, so a handler that must push more
// than one frame can check atomically before committing any of them.
func wouldFit(s *ContStack, n int) bool {
	return s.Capacity() == 0 || s.SP()+n <= s.Capacity()
}

// prognWrap turns a body (a list of zero or more expressions) into a
// single expression to evaluate: nil for an empty body, the bare
// expression for a single-expression body, or a fresh (progn ...) cons
// for a multi-expression body.
func prognWrap(h *Heap, body Word) (Word, bool) {
	if body.IsNil() {
		return NilWord, true
	}
	if h.Cdr(body).IsNil() {
		return h.Car(body), true
	}
	return h.Cons(Symbol(SymProgn), body)
}

// reverseList builds a new list holding lst's elements in reverse
// order, used to undo ARG_LIST's necessarily-reversed accumulation.
func reverseList(h *Heap, lst Word) (Word, bool) {
	out := NilWord
	for cur := lst; !cur.IsNil(); cur = h.Cdr(cur) {
		var ok bool
		out, ok = h.Cons(h.Car(cur), out)
		if !ok {
			return NilWord, false
		}
	}
	return out, true
}

// toSlice flattens a proper list into a Go slice without allocating on
// the lispBM heap; used once an argument list is about to be handed to
// a fundamental or extension, neither of which touch the continuation
// stack themselves.
func toSlice(h *Heap, lst Word) []Word {
	var out []Word
	for cur := lst; !cur.IsNil(); cur = h.Cdr(cur) {
		out = append(out, h.Car(cur))
	}
	return out
}

// sameShape reports whether params (a list that must be all symbols)
// and args have equal length, which disambiguates BuildParams' boolean
// failure: once sameShape has passed, any subsequent BuildParams
// failure can only be an allocation failure, never an arity mismatch.
func sameShape(h *Heap, params, args Word) bool {
	p, a := params, args
	for {
		pNil, aNil := p.IsNil(), a.IsNil()
		if pNil != aNil {
			return false
		}
		if pNil {
			return true
		}
		if _, ok := h.Car(p).IsSymbol(); !ok {
			return false
		}
		p, a = h.Cdr(p), h.Cdr(a)
	}
}

func asDurationUS(w Word) (int64, bool) {
	if v, ok := w.AsInt(); ok {
		return v, true
	}
	if v, ok := w.AsUint(); ok {
		return int64(v), true
	}
	return 0, false
}

func asContextID(w Word) (ContextID, bool) {
	if v, ok := w.AsInt(); ok && v >= 0 {
		return ContextID(v), true
	}
	if v, ok := w.AsUint(); ok {
		return ContextID(v), true
	}
	return 0, false
}
