package lispbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// schedWithClock builds a bare scheduler around a mutable test clock,
// bypassing Runtime so queue mechanics can be exercised in isolation.
func schedWithClock(now *int64) *Scheduler {
	return NewScheduler(DefaultQuantum, func() int64 { return *now })
}

func spawnDummy(s *Scheduler) *EvalContext {
	stack := NewContStack(8, 0)
	stack.Push(Int(int64(opDone)))
	return s.Spawn(NilWord, NilWord, stack, 4)
}

func TestSchedulerStepIsRoundRobin(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	c1 := spawnDummy(s)
	c2 := spawnDummy(s)
	c3 := spawnDummy(s)

	got := s.Step()
	require.Same(t, c1, got)
	s.Requeue(got)

	require.Same(t, c2, s.Step())
	s.Requeue(c2)
	require.Same(t, c3, s.Step())
	s.Requeue(c3)
	require.Same(t, c1, s.Step(), "requeued contexts rotate to the back")
}

func TestSchedulerBlockingHeadKeepsOthersReady(t *testing.T) {
	// The context Step returns has already been unlinked from the
	// ready queue; transitioning it to blocked must not disturb the
	// contexts still queued behind it.
	var now int64
	s := schedWithClock(&now)
	c1 := spawnDummy(s)
	c2 := spawnDummy(s)

	require.Same(t, c1, s.Step())
	s.BlockOnRecv(c1, nil)

	require.Same(t, c2, s.Step(), "blocking c1 must not drop c2 from the ready queue")
	require.Nil(t, s.Step())
}

func TestSchedulerSleepWakesInDeadlineOrder(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	c1 := spawnDummy(s)
	c2 := spawnDummy(s)

	require.Same(t, c1, s.Step())
	s.Sleep(c1, 100)
	require.Same(t, c2, s.Step())
	s.Sleep(c2, 50)

	require.Nil(t, s.Step(), "both asleep, nothing ready")
	wake, ok := s.NextWake()
	require.True(t, ok)
	require.Equal(t, int64(50), wake, "the sleeping queue is sorted by wake time")

	now = 60
	require.Same(t, c2, s.Step(), "only the earlier deadline has passed")
	require.Nil(t, s.Step())

	now = 120
	require.Same(t, c1, s.Step())
}

func TestSchedulerSendWakesBlockedReceiver(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)

	c := spawnDummy(s)
	require.Same(t, c, s.Step())
	s.BlockOnRecv(c, nil)
	require.Equal(t, StateBlockedOnRecv, c.State)

	require.True(t, s.SendMessage(h, wildcard, c.ID, Int(7)))
	require.Equal(t, StateReady, c.State)
	require.Same(t, c, s.Step())

	msg, ok := c.Mailbox.peekOldest()
	require.True(t, ok)
	require.Equal(t, Int(7), msg)
}

func TestSchedulerSendDoesNotWakeOnPatternMismatch(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)
	ping := st.Intern("ping")

	c := spawnDummy(s)
	require.Same(t, c, s.Step())
	s.BlockOnRecv(c, []Pattern{{Expr: Symbol(ping), Body: NilWord}})

	// A tag symbol in pattern position is a literal; a mismatched
	// symbol message is queued but does not wake the receiver.
	require.True(t, s.SendMessage(h, wildcard, c.ID, Symbol(st.Intern("pong"))))
	require.Equal(t, StateBlockedOnRecv, c.State)

	require.True(t, s.SendMessage(h, wildcard, c.ID, Symbol(ping)))
	require.Equal(t, StateReady, c.State)
}

func TestSchedulerSendToUnknownOrFullMailboxFails(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)

	require.False(t, s.SendMessage(h, wildcard, 999, Int(1)))

	c := spawnDummy(s) // mailbox capacity 4
	for i := 0; i < 4; i++ {
		require.True(t, s.SendMessage(h, wildcard, c.ID, Int(int64(i))))
	}
	require.False(t, s.SendMessage(h, wildcard, c.ID, Int(99)), "overflow reports failure without blocking the sender")
	require.Equal(t, 4, c.Mailbox.Len())
}

func TestSchedulerSendOrderFromOneSenderIsPreserved(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	h := newTestHeap(16, 64)
	st := NewSymbolTable()
	wildcard := st.Intern(WildcardSymbolName)

	c := spawnDummy(s)
	require.True(t, s.SendMessage(h, wildcard, c.ID, Int(1)))
	require.True(t, s.SendMessage(h, wildcard, c.ID, Int(2)))
	require.Equal(t, Int(1), c.Mailbox.consumeOldest())
	require.Equal(t, Int(2), c.Mailbox.consumeOldest())
}

func TestSchedulerEventWakesMatchingTagOnly(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	c1 := spawnDummy(s)
	c2 := spawnDummy(s)

	require.Same(t, c1, s.Step())
	s.BlockOnEvent(c1, "uart")
	require.Same(t, c2, s.Step())
	s.BlockOnEvent(c2, "gpio")

	s.PushEvent("gpio", Int(3))
	require.Equal(t, StateBlockedOnEvent, c1.State)
	require.Equal(t, StateReady, c2.State)
	require.Equal(t, Int(3), c2.R, "the event payload lands in the woken context's result register")
}

func TestSchedulerKillDropsContext(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	c1 := spawnDummy(s)
	c2 := spawnDummy(s)

	s.RequestKill(c1.ID)
	require.True(t, s.killPending(c1.ID))
	require.False(t, s.killPending(c1.ID), "a kill request is consumed by the safepoint that observes it")

	s.Kill(c1)
	require.Equal(t, StateKilled, c1.State)
	_, tracked := s.Get(c1.ID)
	require.False(t, tracked)

	require.Same(t, c2, s.Step(), "the survivor is still scheduled")
}

func TestSchedulerIdleReflectsBlockedWork(t *testing.T) {
	var now int64
	s := schedWithClock(&now)
	require.False(t, s.Idle(), "no contexts at all is termination, not idling")

	c := spawnDummy(s)
	require.False(t, s.Idle())

	require.Same(t, c, s.Step())
	s.BlockOnRecv(c, nil)
	require.True(t, s.Idle(), "blocked-only work idles rather than terminates")
}

func TestRunQuantumPreemptsAtQuantumBoundary(t *testing.T) {
	rt := newTestRuntime(t, 512, 1024)
	rt.Quantum = 3
	st := rt.Symbols

	// Enough nested arithmetic that three reductions cannot finish it.
	expr := build(t, rt.Heap, L{sym(st, "+"), Int(1), L{sym(st, "+"), Int(2), L{sym(st, "+"), Int(3), Int(4)}}})
	ctx := rt.Spawn(expr, NilWord)
	require.Same(t, ctx, rt.Sched.Step())

	require.Equal(t, OutcomeQuantumExpired, rt.RunQuantum(ctx))
	require.Equal(t, StateReady, ctx.State)

	rt.RunUntilIdle()
	require.Equal(t, StateDone, ctx.State)
	require.Equal(t, Int(10), ctx.R)
}

func TestEvalYieldRotatesReadyQueue(t *testing.T) {
	rt := newTestRuntime(t, 512, 1024)

	yielder := build(t, rt.Heap, L{Symbol(SymProgn), L{Symbol(SymYield)}, Int(1)})
	c1 := rt.Spawn(yielder, NilWord)
	c2 := rt.Spawn(build(t, rt.Heap, Int(2)), NilWord)

	rt.RunUntilIdle()
	require.Equal(t, StateDone, c1.State)
	require.Equal(t, StateDone, c2.State)
	require.Equal(t, Int(1), c1.R)
	require.Equal(t, Int(2), c2.R)
}

func TestEvalSleepUsesInjectedClock(t *testing.T) {
	var now int64
	cfg := NewConfig()
	cfg.SetInt("heap.cells", 256)
	cfg.SetInt("aux.words", 1024)
	rt := Init(cfg, Callbacks{TimestampUS: func() int64 { return now }})

	expr := build(t, rt.Heap, L{Symbol(SymProgn), L{Symbol(SymSleep), Int(100)}, Int(5)})
	ctx := rt.Spawn(expr, NilWord)

	rt.RunUntilIdle()
	require.Equal(t, StateSleeping, ctx.State)

	now = 150
	rt.RunUntilIdle()
	require.Equal(t, StateDone, ctx.State)
	require.Equal(t, Int(5), ctx.R)
}

func TestRunLoopSleepsThroughIdleGaps(t *testing.T) {
	var now int64
	cfg := NewConfig()
	cfg.SetInt("heap.cells", 256)
	cfg.SetInt("aux.words", 1024)
	rt := Init(cfg, Callbacks{
		TimestampUS: func() int64 { return now },
		USleep:      func(us int64) { now += us },
	})

	expr := build(t, rt.Heap, L{Symbol(SymProgn), L{Symbol(SymSleep), Int(500)}, Int(9)})
	ctx := rt.Spawn(expr, NilWord)

	rt.RunLoop()
	require.Equal(t, StateDone, ctx.State)
	require.Equal(t, Int(9), ctx.R)
	require.GreaterOrEqual(t, now, int64(500), "the loop waited out the sleep deadline")
}

func TestPauseStopsDrivingAndContinueResumes(t *testing.T) {
	rt := newTestRuntime(t, 256, 1024)

	ctx := rt.Spawn(build(t, rt.Heap, Int(1)), NilWord)
	rt.PauseEvalWithGC(0)
	require.Equal(t, EvalStatePaused, rt.GetEvalState())

	rt.RunUntilIdle()
	require.Equal(t, StateReady, ctx.State, "a paused runtime must not run anything")

	rt.ContinueEval()
	rt.RunUntilIdle()
	require.Equal(t, StateDone, ctx.State)
}
