// Package harness runs declarative scenarios against a module instance.
//
// A scenario compiles a module from CUE, starts an engine on an initial
// state, drives it through a list of transactions and asserts on the
// committed trace, the final state and the error tree.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: cart_totals
//	description: "Totals follow item edits"
//	module: ../modules/cart.cue      # or inline: | <CUE source>
//	module_id: cart                  # only when the file declares several
//	initial: { a: 1, b: 2, name: "Ada", sku: "A-1" }
//	config:
//	  module:
//	    converge: { mode: full }
//	sources:
//	  quotes: { "A-1": "q-A1" }      # resource -> key joined with "|" -> value
//	steps:
//	  - label: set-a
//	    patch: [{ op: set, path: a, value: 5 }]
//	    expect:
//	      outcome: Converged
//	      state: { total: 7 }
//	  - label: broken
//	    patch: [{ op: set, path: a, value: 100 }]
//	    fail: "boom"
//	    expect: { error: BODY_FAILED }
//	  - writeback: { path: session, value: "tok" }
//	  - reload: ../modules/cart_v2.cue
//	assertions:
//	  - type: trace_contains
//	    origin: traitSourceRefresh
//	  - type: final_state
//	    expect: { total: 7 }
//	  - type: final_errors
//	    expect: { name: ["name#required"] }
//	    count: 1
//
// # Assertion Types
//
//   - trace_contains: some commit matches label/origin/outcome/mode/reason;
//     with count, exactly that many do
//   - trace_order: labelled commits appear in the given order
//   - trace_count: number of commits, optionally filtered by origin
//   - final_state: subset of the final state keyed by field path
//   - final_errors: check keys failing at each path, optional total count
//   - diagnostic_count: number of diagnostics carrying a code
//
// # Deterministic Testing
//
// The harness steps the scheduler host itself, runs on a manual wall clock,
// generates row ids sequentially and waits for background source refreshes
// after every step. Commits are reported in txnSeq order, so the trace of a
// scenario is identical across runs and can be compared to a golden file
// with RunWithGolden.
//
// Each run journals to a fresh in-memory SQLite store unless WithStore is
// given.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/cart.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
