package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Module   string // optional - without it every module is summarized
	After    int64  // only evidence with txnSeq > After
	Outcome  string // optional - Converged or Degraded
	Mode     string // optional - executed mode, full or dirty
	Code     string // optional - filter diagnostics to one code
}

// TraceEvent is one convergence pass in the timeline.
type TraceEvent struct {
	Seq      int64    `json:"seq"`
	Outcome  string   `json:"outcome"`
	Mode     string   `json:"mode"`
	Reasons  []string `json:"reasons"`
	Executed int      `json:"executed"`
	Skipped  int      `json:"skipped"`
	Changed  int      `json:"changed"`
	DirtyAll bool     `json:"dirtyAll,omitempty"`
	Roots    []string `json:"roots,omitempty"`
	Micros   int64    `json:"durationUs"`
}

// TraceDiagnostic is one journaled diagnostic.
type TraceDiagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	TxnSeq   int64  `json:"txnSeq,omitempty"`
	Message  string `json:"message"`
}

// TraceResult holds the journal of one module.
type TraceResult struct {
	Module      string            `json:"module"`
	Timeline    []TraceEvent      `json:"timeline"`
	Diagnostics []TraceDiagnostic `json:"diagnostics"`
	Summary     store.Summary     `json:"summary"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect journaled convergence evidence",
		Long: `Inspect the convergence evidence journaled to a SQLite database.

Without --module, every journaled module is listed with its summary.
With --module, the output includes:
- Timeline: one line per committed transaction with its mode and reasons
- Diagnostics: runtime diagnostics in emission order
- Summary: commit, degradation and cache totals

Examples:
  statekernel trace --db ./evidence.db
  statekernel trace --db ./evidence.db --module cart
  statekernel trace --db ./evidence.db --module cart --after 10 --code source::refresh_failed
  statekernel trace --db ./evidence.db --module cart --outcome Degraded
  statekernel trace --db ./evidence.db --module cart --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Module, "module", "", "module to trace")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only show transactions after this txnSeq")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "filter transactions by outcome (Converged|Degraded)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "filter transactions by executed mode (full|dirty)")
	cmd.Flags().StringVar(&opts.Code, "code", "", "filter diagnostics by code")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Module == "" {
		return listModules(ctx, st, formatter)
	}

	modules, err := st.Modules(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list modules", err)
	}
	if !slices.Contains(modules, opts.Module) {
		if formatter.JSON() {
			return formatter.Success(TraceResult{
				Module:      opts.Module,
				Timeline:    []TraceEvent{},
				Diagnostics: []TraceDiagnostic{},
			})
		}
		fmt.Fprintf(formatter.Writer, "No evidence found for module: %s\n", opts.Module)
		return nil
	}

	evidence, err := st.QueryEvidence(ctx, store.EvidenceQuery{
		Module:   opts.Module,
		AfterSeq: opts.After,
		Outcome:  converge.Outcome(opts.Outcome),
		Mode:     converge.Mode(opts.Mode),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read evidence", err)
	}
	diags, err := st.ReadDiagnostics(ctx, opts.Module, diag.Code(opts.Code))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read diagnostics", err)
	}
	sum, err := st.Summarize(ctx, opts.Module)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize journal", err)
	}

	result := TraceResult{
		Module:      opts.Module,
		Timeline:    buildTimeline(evidence),
		Diagnostics: buildDiagnostics(diags),
		Summary:     sum,
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

func listModules(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	modules, err := st.Modules(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list modules", err)
	}

	summaries := make([]store.Summary, 0, len(modules))
	for _, m := range modules {
		sum, err := st.Summarize(ctx, m)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to summarize journal", err)
		}
		summaries = append(summaries, sum)
	}

	if formatter.JSON() {
		return formatter.Success(summaries)
	}

	w := formatter.Writer
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No modules journaled.")
		return nil
	}
	fmt.Fprintf(w, "%d module(s) journaled\n\n", len(summaries))
	for _, sum := range summaries {
		fmt.Fprintf(w, "  %s: %d commit(s), %d degraded, %d cache hit(s), %d diagnostic(s)\n",
			sum.Module, sum.Commits, sum.Degraded, sum.CacheHits, countDiagnostics(sum))
	}
	return nil
}

// buildTimeline converts journaled evidence to timeline events.
func buildTimeline(evidence []converge.Evidence) []TraceEvent {
	timeline := make([]TraceEvent, 0, len(evidence))
	for _, ev := range evidence {
		te := TraceEvent{
			Seq:      ev.TxnSeq,
			Outcome:  string(ev.Outcome),
			Mode:     string(ev.ExecutedMode),
			Reasons:  make([]string, 0, len(ev.Reasons)),
			Executed: ev.StepStats.ExecutedSteps,
			Skipped:  ev.StepStats.SkippedSteps,
			Changed:  ev.StepStats.ChangedSteps,
			DirtyAll: ev.Dirty.All,
			Roots:    ev.Dirty.Roots,
			Micros:   ev.DurationMicros,
		}
		for _, r := range ev.Reasons {
			te.Reasons = append(te.Reasons, string(r))
		}
		timeline = append(timeline, te)
	}
	return timeline
}

func buildDiagnostics(diags []diag.Diagnostic) []TraceDiagnostic {
	out := make([]TraceDiagnostic, 0, len(diags))
	for _, d := range diags {
		out = append(out, TraceDiagnostic{
			Code:     string(d.Code),
			Severity: string(d.Severity),
			TxnSeq:   d.TxnSeq,
			Message:  d.Message,
		})
	}
	return out
}

func countDiagnostics(sum store.Summary) int {
	n := 0
	for _, c := range sum.Diagnostics {
		n += c
	}
	return n
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for Module: %s\n", result.Module)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no transactions)")
	}
	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s %s (%s) executed=%d skipped=%d changed=%d\n",
			ev.Seq, ev.Outcome, ev.Mode, strings.Join(ev.Reasons, ","),
			ev.Executed, ev.Skipped, ev.Changed)
		if !verbose {
			continue
		}
		switch {
		case ev.DirtyAll:
			fmt.Fprintln(w, "      dirty: all")
		case len(ev.Roots) > 0:
			fmt.Fprintf(w, "      dirty: %s\n", strings.Join(ev.Roots, ", "))
		}
		fmt.Fprintf(w, "      duration: %dµs\n", ev.Micros)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Diagnostics ===")
	if len(result.Diagnostics) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range result.Diagnostics {
		if d.TxnSeq > 0 {
			fmt.Fprintf(w, "  %s [%s] txn %d: %s\n", d.Code, d.Severity, d.TxnSeq, d.Message)
			continue
		}
		fmt.Fprintf(w, "  %s [%s]: %s\n", d.Code, d.Severity, d.Message)
	}
	fmt.Fprintln(w)

	sum := result.Summary
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "  Commits:   %d\n", sum.Commits)
	fmt.Fprintf(w, "  Degraded:  %d\n", sum.Degraded)
	fmt.Fprintf(w, "  CacheHits: %d\n", sum.CacheHits)
	fmt.Fprintf(w, "  Ticks:     %d (%d forced)\n", sum.Ticks, sum.ForcedTicks)
}
