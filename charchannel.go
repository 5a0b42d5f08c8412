package lispbm

// CharChannel is the character source contract an external tokenizer
// or reader pulls from: the runtime never owns a text buffer
// directly, so a host can feed source from a socket, a file, or a
// fixed string one chunk at a time.
type CharChannel interface {
	// More reports whether at least one more character is currently
	// available without blocking.
	More() bool
	// Get consumes and returns the next character. Calling it when
	// More() is false is a caller error.
	Get() rune
	// Peek returns the character n positions ahead without consuming
	// it, and whether that position currently exists.
	Peek(n int) (rune, bool)
	// Drop discards the next n characters.
	Drop(n int)
	// Put pushes a character back, ahead of whatever Get would
	// otherwise return next; used by a reader that over-consumed
	// while disambiguating a token.
	Put(r rune)
}

// StringChannel is the trivial in-memory CharChannel implementation:
// the entire source text is already resident, so More/Get/Peek/Drop
// just index into it.
type StringChannel struct {
	runes []rune
	pos   int
}

// NewStringChannel wraps a complete source string as a CharChannel.
func NewStringChannel(s string) *StringChannel {
	return &StringChannel{runes: []rune(s)}
}

func (c *StringChannel) More() bool { return c.pos < len(c.runes) }

func (c *StringChannel) Get() rune {
	r := c.runes[c.pos]
	c.pos++
	return r
}

func (c *StringChannel) Peek(n int) (rune, bool) {
	ix := c.pos + n
	if ix < 0 || ix >= len(c.runes) {
		return 0, false
	}
	return c.runes[ix], true
}

func (c *StringChannel) Drop(n int) {
	c.pos += n
	if c.pos > len(c.runes) {
		c.pos = len(c.runes)
	}
}

func (c *StringChannel) Put(r rune) {
	if c.pos > 0 {
		c.pos--
		c.runes[c.pos] = r
		return
	}
	c.runes = append([]rune{r}, c.runes...)
}

// CreateStringCharChannel builds a StringChannel and returns an
// opaque handle to it via SaveHandle; the handle is what a host-side
// incremental reader loop threads through
// LoadAndEvalProgramIncremental's nextExprFn closures.
func CreateStringCharChannel(s string) unsafeState {
	return SaveHandle(NewStringChannel(s))
}

// LoadAndEvalProgramIncremental spawns one context per expression
// nextExprFn yields, in order, feeding each through the same top-level
// evaluation path a host's REPL would use. There is no READ
// continuation frame in this evaluator (reader/tokenizer is
// explicitly out of scope): this loop is the host-driven replacement,
// pulling fully-formed expressions from nextExprFn rather than
// characters from a CharChannel directly. It returns the spawned
// contexts in program order so the caller can drive them to
// completion (e.g. via RunUntilIdle) and inspect each result.
func (rt *Runtime) LoadAndEvalProgramIncremental(nextExprFn func() (Word, bool)) []*EvalContext {
	var ctxs []*EvalContext
	for {
		expr, ok := nextExprFn()
		if !ok {
			break
		}
		ctxs = append(ctxs, rt.Spawn(expr, NilWord))
	}
	return ctxs
}
