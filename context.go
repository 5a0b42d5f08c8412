package lispbm

// ContextID uniquely identifies an evaluation context for the
// lifetime of the process.
type ContextID uint32

// ContextState is one of the six states a context can be in.
type ContextState uint8

const (
	StateReady ContextState = iota
	StateBlockedOnRecv
	StateBlockedOnEvent
	StateSleeping
	StateDone
	StateKilled
)

func (s ContextState) String() string {
	names := [...]string{"ready", "blocked_on_recv", "blocked_on_event", "sleeping", "done", "killed"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// EvalContext holds an independent evaluator's registers,
// continuation stack, and mailbox. Contexts are owned by the
// Scheduler and indexed by ContextID, never pointer-linked, so no
// queue can hold a dangling reference to a removed context.
type EvalContext struct {
	ID ContextID

	Program Word // the top-level program/expression queue this context is driving, if any
	CurrExp Word
	CurrEnv Word
	R       Word // result register
	K       *ContStack

	Mailbox *Mailbox

	State    ContextState
	WakeTime int64 // microseconds since epoch, valid only while State == StateSleeping

	// blockedTag is the event tag this context is waiting for while
	// State == StateBlockedOnEvent.
	blockedTag string
	// recvPatterns holds the pending receive's pattern list while
	// State == StateBlockedOnRecv; nil makes SendMessage's wake check
	// accept any message.
	recvPatterns []Pattern

	// progressCounter is reset on every reduction that makes forward
	// progress and decremented across consecutive no-progress GC
	// cycles; at zero the context is failed with out-of-memory
	// rather than looping forever.
	progressCounter int

	// applyContinuation selects the dispatch loop's resume-a-frame
	// path over its evaluate-an-expression path.
	applyContinuation bool

	// err holds the fault, if any, that terminated this context; it
	// mirrors R when R is one of the reserved error symbols at DONE.
	err error

	prev, next ContextID // intrusive doubly-linked-list neighbors within whichever queue currently owns this context; 0 means "none" (ContextID 0 is never assigned)

	// queued reports whether this context is currently threaded into
	// one of the scheduler's queues. The context returned by Step is
	// unlinked but still owned by the scheduler; a state transition on
	// it must not unlink a second time or it would corrupt the head of
	// whatever queue its stale prev/next fields still name.
	queued bool
}

// NewEvalContext builds a fresh, ready context with an empty
// continuation stack and mailbox, evaluating expr in env.
func NewEvalContext(id ContextID, expr, env Word, stack *ContStack, mailboxCapacity int) *EvalContext {
	return &EvalContext{
		ID:              id,
		CurrExp:         expr,
		CurrEnv:         env,
		R:               NilWord,
		K:               stack,
		Mailbox:         NewMailbox(mailboxCapacity),
		State:           StateReady,
		progressCounter: initialProgressBudget,
	}
}

// initialProgressBudget is how many consecutive no-progress GC
// cycles a context tolerates before it is failed with out-of-memory.
const initialProgressBudget = 2

// Roots appends every word this context can currently reach directly
// (not transitively) to out, for use as GC roots.
func (c *EvalContext) Roots(out []Word) []Word {
	out = append(out, c.Program, c.CurrExp, c.CurrEnv, c.R)
	out = c.K.Roots(out)
	out = c.Mailbox.Roots(out)
	return out
}

// Err returns the fault that terminated this context, if any.
func (c *EvalContext) Err() error { return c.err }
