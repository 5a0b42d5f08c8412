// lispbm is a minimal demonstration of embedding the runtime in a Go
// host process: it wires up an init, builds a couple of expressions by
// hand (there is no reader/tokenizer here, matching the library's
// Non-goals), spawns two contexts that rendezvous through a mailbox,
// and dumps the result each context lands on.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	lispbm "github.com/cortex/lispBM"
)

func main() {
	var (
		heapCells = flag.Int("heap-cells", 4096, "Number of cons cells in the heap")
		auxWords  = flag.Int("aux-words", 16384, "Number of words in aux memory")
		quantum   = flag.Int("quantum", lispbm.DefaultQuantum, "Reductions per scheduling quantum")
	)
	flag.Parse()

	cfg := lispbm.NewConfig()
	cfg.SetInt("heap.cells", *heapCells)
	cfg.SetInt("aux.words", *auxWords)
	cfg.SetInt("sched.quantum", *quantum)

	var rt *lispbm.Runtime
	rt = lispbm.Init(cfg, lispbm.Callbacks{
		CriticalError: func(_ uintptr, fault lispbm.CriticalFault) {
			log.Fatalf("critical fault: %s", fault.Error())
		},
		ContextDone: func(_ uintptr, ctx lispbm.ContextID, result lispbm.Word, err error) {
			if err != nil {
				fmt.Fprintf(os.Stdout, "context %d done with fault: %s\n", ctx, err)
				return
			}
			fmt.Fprintf(os.Stdout, "context %d => %s\n", ctx, rt.String(result))
		},
		Printf: func(format string, args ...any) { fmt.Printf(format, args...) },
	})

	if !rt.AddExtension("double", func(h *lispbm.Heap, args []lispbm.Word) lispbm.Word {
		if len(args) != 1 {
			return lispbm.TypeErrorWord
		}
		v, ok := args[0].AsInt()
		if !ok {
			return lispbm.TypeErrorWord
		}
		return lispbm.Int(v * 2)
	}) {
		log.Fatal("could not register the double extension")
	}

	server := rt.Spawn(buildReceiverProgram(rt), lispbm.NilWord)
	client := rt.Spawn(buildSenderProgram(rt, server.ID), lispbm.NilWord)

	rt.RunUntilIdle()

	fmt.Printf("final states: server=%s client=%s\n", server.State, client.State)
}

// buildReceiverProgram hand-assembles (recv ((x x))), the simplest
// catch-all pattern: block until a message arrives, then return it
// unevaluated as the context's result.
func buildReceiverProgram(rt *lispbm.Runtime) lispbm.Word {
	x := lispbm.Symbol(rt.Symbols.Intern("x"))
	clause := mustCons(rt, x, mustCons(rt, x, lispbm.NilWord))
	clauses := mustCons(rt, clause, lispbm.NilWord)
	recv := lispbm.Symbol(lispbm.SymRecv)
	return mustCons(rt, recv, mustCons(rt, clauses, lispbm.NilWord))
}

// buildSenderProgram hand-assembles (send server-id (double 21)),
// exercising both a scheduler form and a registered extension in the
// same expression.
func buildSenderProgram(rt *lispbm.Runtime, target lispbm.ContextID) lispbm.Word {
	doubleCall := mustCons(rt, lispbm.Symbol(rt.Symbols.Intern("double")),
		mustCons(rt, lispbm.Int(21), lispbm.NilWord))
	args := mustCons(rt, lispbm.Int(int64(target)), mustCons(rt, doubleCall, lispbm.NilWord))
	send := lispbm.Symbol(lispbm.SymSend)
	return mustCons(rt, send, args)
}

func mustCons(rt *lispbm.Runtime, a, d lispbm.Word) lispbm.Word {
	w, ok := rt.Heap.Cons(a, d)
	if !ok {
		log.Fatal("heap exhausted while assembling the demo program")
	}
	return w
}
