// Package scheduler delivers committed transactions to subscribers in
// bounded ticks without starving the host.
//
// A tick processes at most MaxSteps queued jobs, and at most UrgentStepCap of
// them from the urgent lane. When work remains the next tick is requested from
// the Host, normally on its fast microtask path. Consecutive microtask ticks
// form a chain; once the chain is longer than MicrotaskChainDepthLimit the
// next tick is forced onto a macrotask boundary and a starvation warning is
// emitted carrying that tick's sequence number. MaxDrainRounds bounds how many
// times one tick re-drains jobs submitted while it was running.
package scheduler
