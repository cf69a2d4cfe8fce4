// Package diag defines diagnostics and the bounded observability buffers that
// carry them.
//
// Diagnostics are non-fatal: policy violations that were auto-corrected,
// sustained backpressure, scheduler starvation. They never change the value a
// caller observes. Sinks are injected; there is no package-level state.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Code is a stable diagnostic identifier, namespaced as "area::name".
type Code string

const (
	CodeConcurrencyPressure    Code = "concurrency::pressure"
	CodeUnboundedRequiresOptIn Code = "concurrency::unbounded_requires_opt_in"
	CodeMicrotaskStarvation    Code = "scheduler::microtask_starvation"
	CodeSelectorHighFrequency  Code = "process::selector_high_frequency"
	CodePlanCacheDisabled      Code = "converge::plan_cache_disabled"
	CodeConvergeDegraded       Code = "converge::degraded"
	CodeSourceRefreshFailed    Code = "source::refresh_failed"
)

// Severity grades a diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one machine-readable notice. Details values must be JSON
// encodable.
type Diagnostic struct {
	Code     Code           `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Module   string         `json:"module,omitempty"`
	TxnSeq   int64          `json:"txnSeq,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink receives diagnostics. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(d Diagnostic)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Diagnostic)

func (f SinkFunc) Emit(d Diagnostic) { f(d) }

// Discard drops every diagnostic.
var Discard Sink = SinkFunc(func(Diagnostic) {})

// Multi fans a diagnostic out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(d Diagnostic) {
		for _, s := range live {
			s.Emit(d)
		}
	})
}

// LogSink writes diagnostics to a slog logger at a level matching severity.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(d Diagnostic) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch d.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, d.Message,
		"code", string(d.Code),
		"module", d.Module,
		"txn_seq", d.TxnSeq,
		"details", d.Details,
	)
}

// Recorder collects diagnostics in memory. Intended for tests.
type Recorder struct {
	mu    sync.Mutex
	diags []Diagnostic
}

// Emit implements Sink.
func (r *Recorder) Emit(d Diagnostic) {
	r.mu.Lock()
	r.diags = append(r.diags, d)
	r.mu.Unlock()
}

// All returns a copy of every recorded diagnostic.
func (r *Recorder) All() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.diags))
	copy(out, r.diags)
	return out
}

// ByCode returns recorded diagnostics with the given code.
func (r *Recorder) ByCode(code Code) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.All() {
		if d.Code == code {
			out = append(out, d)
		}
	}
	return out
}
