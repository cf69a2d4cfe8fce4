// Package converge re-derives computed and linked fields after a raw patch.
//
// Given the dirty set of a transaction and the module's compiled plan, the
// Engine decides between full execution (every step in plan order) and
// dirty-subset execution (only steps reachable from the dirty roots), runs
// the chosen steps on the transaction's draft inside an execution budget,
// and records the decision as an Evidence event.
//
// Dirty subsets are cached per dirty-set signature in a PlanCache. The cache
// disables itself when its rolling hit rate stays low, and is reset whenever
// the program's static IR digest changes.
//
// Degradation never surfaces as an error: a step that fails is skipped and
// counted as runtime_error, and a budget cutoff stops at the last fully
// applied step. Either way the outcome is Degraded and the draft remains
// internally consistent.
package converge
