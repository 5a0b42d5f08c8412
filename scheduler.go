package lispbm

import "sync"

// DefaultQuantum is the default maximum number of reductions a context
// may execute before the scheduler preempts it at a safepoint.
const DefaultQuantum = 1000

// eventMessage is one (tag, payload) pair the host or an extension
// may push into the scheduler's event queue.
type eventMessage struct {
	tag     string
	payload Word
}

// Scheduler multiplexes EvalContexts across four intrusive
// doubly-linked queues (ready, blocked-on-recv, blocked-on-event,
// sleeping): contexts are arena-owned (indexed by ContextID) and
// linked via prev/next id fields on EvalContext rather than pointers,
// so no queue can ever hold a dangling reference to a removed context.
//
// Concurrency: the cross-thread surface is SendMessage, PushEvent,
// and RequestKill, which a host may call from any goroutine. They
// share the queues and mailboxes with the evaluator goroutine's own
// transitions, so every method that reads or writes a queue or a
// mailbox takes mu; the lock is uncontended in the common
// single-goroutine embedding.
type Scheduler struct {
	mu sync.Mutex

	ctxs   map[ContextID]*EvalContext
	nextID ContextID

	readyHead, readyTail             ContextID
	blockedRecvHead, blockedRecvTail ContextID
	blockedEvtHead, blockedEvtTail   ContextID
	sleepingHead, sleepingTail       ContextID // kept sorted ascending by WakeTime

	events []eventMessage

	quantum int

	killRequested map[ContextID]bool
	nowFunc       func() int64 // injected timestamp source (host clock callback); microseconds
}

// NewScheduler builds an empty scheduler. nowFunc supplies the
// current timestamp in microseconds via the host's clock callback;
// tests may inject a deterministic clock instead.
func NewScheduler(quantum int, nowFunc func() int64) *Scheduler {
	return &Scheduler{
		ctxs:          make(map[ContextID]*EvalContext),
		quantum:       quantum,
		killRequested: make(map[ContextID]bool),
		nowFunc:       nowFunc,
	}
}

// Spawn creates a new ready context evaluating expr in env and
// enqueues it at the tail of the ready queue.
func (s *Scheduler) Spawn(expr, env Word, stack *ContStack, mailboxCapacity int) *EvalContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ctx := NewEvalContext(s.nextID, expr, env, stack, mailboxCapacity)
	s.ctxs[ctx.ID] = ctx
	s.pushTail(&s.readyHead, &s.readyTail, ctx)
	return ctx
}

// Get returns the context for id, if it is still tracked by the
// scheduler (moveTo drops contexts from ctxs when they reach done or
// killed).
func (s *Scheduler) Get(id ContextID) (*EvalContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ctxs[id]
	return c, ok
}

// --- intrusive doubly-linked list helpers, keyed by ContextID ----------

func (s *Scheduler) pushTail(head, tail *ContextID, ctx *EvalContext) {
	ctx.prev, ctx.next = *tail, 0
	if *tail != 0 {
		s.ctxs[*tail].next = ctx.ID
	} else {
		*head = ctx.ID
	}
	*tail = ctx.ID
	ctx.queued = true
}

func (s *Scheduler) unlink(head, tail *ContextID, ctx *EvalContext) {
	if ctx.prev != 0 {
		s.ctxs[ctx.prev].next = ctx.next
	} else {
		*head = ctx.next
	}
	if ctx.next != 0 {
		s.ctxs[ctx.next].prev = ctx.prev
	} else {
		*tail = ctx.prev
	}
	ctx.prev, ctx.next = 0, 0
	ctx.queued = false
}

func (s *Scheduler) popHead(head, tail *ContextID) (*EvalContext, bool) {
	if *head == 0 {
		return nil, false
	}
	ctx := s.ctxs[*head]
	s.unlink(head, tail, ctx)
	return ctx, true
}

// --- state transitions ---------------------------------------------

func (s *Scheduler) queuesFor(state ContextState) (*ContextID, *ContextID) {
	switch state {
	case StateReady:
		return &s.readyHead, &s.readyTail
	case StateBlockedOnRecv:
		return &s.blockedRecvHead, &s.blockedRecvTail
	case StateBlockedOnEvent:
		return &s.blockedEvtHead, &s.blockedEvtTail
	case StateSleeping:
		return &s.sleepingHead, &s.sleepingTail
	default:
		return nil, nil
	}
}

func (s *Scheduler) moveTo(ctx *EvalContext, state ContextState) {
	if ctx.queued {
		if h, t := s.queuesFor(ctx.State); h != nil {
			s.unlink(h, t, ctx)
		}
	}
	ctx.State = state
	switch state {
	case StateSleeping:
		s.insertSleeping(ctx)
	case StateDone, StateKilled:
		delete(s.ctxs, ctx.ID)
		delete(s.killRequested, ctx.ID)
	default:
		if h, t := s.queuesFor(state); h != nil {
			s.pushTail(h, t, ctx)
		}
	}
}

// insertSleeping keeps the sleeping queue sorted ascending by
// WakeTime so the scheduling step only ever needs to look at the
// head.
func (s *Scheduler) insertSleeping(ctx *EvalContext) {
	ctx.queued = true
	if s.sleepingHead == 0 {
		ctx.prev, ctx.next = 0, 0
		s.sleepingHead, s.sleepingTail = ctx.ID, ctx.ID
		return
	}
	cur := s.sleepingHead
	for cur != 0 {
		c := s.ctxs[cur]
		if ctx.WakeTime < c.WakeTime {
			break
		}
		cur = c.next
	}
	if cur == 0 {
		ctx.prev, ctx.next = s.sleepingTail, 0
		s.ctxs[s.sleepingTail].next = ctx.ID
		s.sleepingTail = ctx.ID
		return
	}
	c := s.ctxs[cur]
	ctx.prev, ctx.next = c.prev, cur
	if c.prev != 0 {
		s.ctxs[c.prev].next = ctx.ID
	} else {
		s.sleepingHead = ctx.ID
	}
	c.prev = ctx.ID
}

// Sleep transitions ctx to sleeping with a wake time no earlier than
// now+durationUS.
func (s *Scheduler) Sleep(ctx *EvalContext, durationUS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx.WakeTime = s.nowFunc() + durationUS
	s.moveTo(ctx, StateSleeping)
}

// BlockOnRecv transitions ctx to blocked_on_recv with the given
// pattern list (nil means "match anything").
func (s *Scheduler) BlockOnRecv(ctx *EvalContext, patterns []Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx.recvPatterns = patterns
	s.moveTo(ctx, StateBlockedOnRecv)
}

// BlockOnEvent transitions ctx to blocked_on_event awaiting tag.
func (s *Scheduler) BlockOnEvent(ctx *EvalContext, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx.blockedTag = tag
	s.moveTo(ctx, StateBlockedOnEvent)
}

// Yield re-queues ctx at the tail of ready without changing state,
// the same transition a quantum expiry performs. The yielding context
// is normally the one Step just returned, so it is not queued; a
// still-queued context is unlinked first.
func (s *Scheduler) Yield(ctx *EvalContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, t := s.queuesFor(StateReady)
	if ctx.queued {
		s.unlink(h, t, ctx)
	}
	s.pushTail(h, t, ctx)
}

// PeekMailbox returns the oldest message in ctx's mailbox without
// consuming it, guarding against a concurrent host SendMessage.
func (s *Scheduler) PeekMailbox(ctx *EvalContext) (Word, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ctx.Mailbox.peekOldest()
}

// ConsumeMailbox removes and returns the oldest message in ctx's
// mailbox.
func (s *Scheduler) ConsumeMailbox(ctx *EvalContext) Word {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ctx.Mailbox.consumeOldest()
}

// Finish transitions ctx to done.
func (s *Scheduler) Finish(ctx *EvalContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveTo(ctx, StateDone)
}

// --- cross-thread guarded entry points -------------------------------

// SendMessage enqueues v into the target context's mailbox and, if the
// target is blocked_on_recv and the message satisfies its pending
// pattern list, wakes it. Returns false if the target does not exist
// or its mailbox is full (the sender is never blocked).
func (s *Scheduler) SendMessage(h *Heap, wildcardID SymbolID, target ContextID, v Word) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.ctxs[target]
	if !ok {
		return false
	}
	if !ctx.Mailbox.Enqueue(v) {
		return false
	}
	if ctx.State == StateBlockedOnRecv {
		if matchAny(h, ctx.recvPatterns, v, wildcardID) {
			s.moveTo(ctx, StateReady)
		}
	}
	return true
}

// matchAny is the wake check run under the scheduler mutex, possibly
// from a host thread: it must decide whether the blocked receive could
// consume v without allocating on the heap (binding environments are
// built later, by the woken context itself, on the evaluator
// goroutine), hence matchNoBind rather than Match.
func matchAny(h *Heap, patterns []Pattern, msg Word, wildcardID SymbolID) bool {
	if patterns == nil {
		return true
	}
	for _, p := range patterns {
		if h.matchNoBind(p.Expr, msg, wildcardID) {
			return true
		}
	}
	return false
}

// PushEvent enqueues (tag, payload) into the event queue and wakes
// every context blocked on that tag.
func (s *Scheduler) PushEvent(tag string, payload Word) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventMessage{tag: tag, payload: payload})
	cur := s.blockedEvtHead
	for cur != 0 {
		ctx := s.ctxs[cur]
		next := ctx.next
		if ctx.blockedTag == tag {
			ctx.R = payload
			s.moveTo(ctx, StateReady)
		}
		cur = next
	}
}

// RequestKill marks target for asynchronous termination: it is
// observed at that context's next safepoint.
func (s *Scheduler) RequestKill(target ContextID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killRequested[target] = true
}

// killPending reports and clears whether ctx has a pending kill
// request; called only from the evaluator goroutine at a safepoint.
func (s *Scheduler) killPending(id ContextID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killRequested[id] {
		delete(s.killRequested, id)
		return true
	}
	return false
}

// Kill transitions ctx straight to killed, dropping it from whatever
// queue currently owns it and freeing its stack/mailbox references
// for the next GC sweep to reclaim.
func (s *Scheduler) Kill(ctx *EvalContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx.K.Clear()
	s.moveTo(ctx, StateKilled)
}

// --- the scheduling step ---------------------------------------------

// Step wakes any sleeping contexts whose deadline has passed, then
// returns the context chosen to run this slice, or nil if the ready
// queue is empty (the caller must then idle or terminate).
func (s *Scheduler) Step() *EvalContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for s.sleepingHead != 0 {
		head := s.ctxs[s.sleepingHead]
		if head.WakeTime > now {
			break
		}
		s.moveTo(head, StateReady)
	}
	ctx, ok := s.popHead(&s.readyHead, &s.readyTail)
	if !ok {
		return nil
	}
	return ctx
}

// Idle reports whether the scheduler has no runnable work right now
// but still has blocked/sleeping contexts that could become runnable
// later (as opposed to having nothing left at all).
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyHead == 0 && len(s.ctxs) > 0
}

// NextWake returns the earliest WakeTime among sleeping contexts and
// true, or (0, false) if none are sleeping — used by a host event
// loop to bound how long it may block before calling Step again.
func (s *Scheduler) NextWake() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sleepingHead == 0 {
		return 0, false
	}
	return s.ctxs[s.sleepingHead].WakeTime, true
}

// Quantum returns the configured reduction budget per scheduling slice.
func (s *Scheduler) Quantum() int { return s.quantum }

// Requeue re-enqueues ctx at the ready tail; used by the caller after
// a quantum expires mid-evaluation (round-robin).
func (s *Scheduler) Requeue(ctx *EvalContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushTail(&s.readyHead, &s.readyTail, ctx)
}

// Roots appends every root-reachable word across every tracked
// context (live or blocked/sleeping — "done"/"killed" contexts are
// already removed from ctxs) to out, for the GC's root set.
func (s *Scheduler) Roots(out []Word) []Word {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ctx := range s.ctxs {
		out = ctx.Roots(out)
	}
	for _, e := range s.events {
		out = append(out, e.payload)
	}
	return out
}

// Len returns how many contexts the scheduler currently tracks
// (any state other than done/killed).
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ctxs)
}
