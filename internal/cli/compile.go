package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds one summary per compiled module.
type CompilationResult struct {
	Modules []ModuleSummary `json:"modules"`
}

// ModuleSummary describes a compiled program.
type ModuleSummary struct {
	ID       string            `json:"id"`
	Fields   int               `json:"fields"`
	Steps    []StepSummary     `json:"steps"`
	Checks   []string          `json:"checks"`
	StaticIR compiler.StaticIR `json:"staticIR"`
}

// StepSummary is one plan step in topological order.
type StepSummary struct {
	ID      int      `json:"id"`
	Kind    string   `json:"kind"`
	Target  string   `json:"target"`
	Sources []string `json:"sources,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <modules-dir>",
		Short: "Compile CUE module declarations to execution plans",
		Long: `Compile the module declarations of a CUE package.

Each module is validated, its dependency graph is checked for cycles and
conflicting writers, and its plan steps are ordered. The output lists the
plan together with the structural digest used by the plan cache.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, modulesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loadResult, loadErrors := LoadModules(modulesDir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		code, message := parseCompileError(loadErrors[0])
		return outputCompileError(formatter, code, message, nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, modulesDir)

	errs := loadErrors
	result := &CompilationResult{}
	for _, spec := range loadResult.Modules {
		formatter.VerboseLog("Compiling module: %s", spec.ID)
		prog, err := compiler.Compile(spec)
		if err != nil {
			errs = append(errs, programErrors(spec, err)...)
			continue
		}
		result.Modules = append(result.Modules, summarize(prog))
	}

	if len(errs) > 0 {
		return outputCompileErrors(formatter, errs)
	}

	if opts.Output != "" {
		if err := writeResultToFile(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, result, opts.Output)
}

// programErrors splits a compile failure into one LoadError per finding.
func programErrors(spec *ir.ModuleSpec, err error) []error {
	prefix := "module." + spec.ID

	var schemaErr *compiler.SchemaError
	if errors.As(err, &schemaErr) {
		out := make([]error, 0, len(schemaErr.Errors))
		for _, ve := range schemaErr.Errors {
			out = append(out, &LoadError{
				Code:    ve.Code,
				Message: fmt.Sprintf("%s: %s: %s", prefix, ve.Field, ve.Message),
			})
		}
		return out
	}

	var configErr *compiler.ConfigError
	if errors.As(err, &configErr) {
		return []error{&LoadError{
			Code:    string(configErr.Code),
			Message: fmt.Sprintf("%s: %s", prefix, configErr.Error()),
		}}
	}

	return []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("%s: %v", prefix, err)}}
}

func summarize(prog *compiler.Program) ModuleSummary {
	s := ModuleSummary{
		ID:       prog.Spec.ID,
		Fields:   len(prog.Spec.Fields),
		Steps:    make([]StepSummary, 0, prog.Plan.Len()),
		Checks:   make([]string, 0, len(prog.Checks)),
		StaticIR: prog.StaticIR,
	}
	for _, step := range prog.Plan.Steps {
		ss := StepSummary{
			ID:     step.ID,
			Kind:   string(step.Kind),
			Target: step.Target.String(),
		}
		for _, src := range step.Sources {
			ss.Sources = append(ss.Sources, src.String())
		}
		s.Steps = append(s.Steps, ss)
	}
	for _, c := range prog.Checks {
		s.Checks = append(s.Checks, c.Key)
	}
	return s
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d module(s)\n\n", len(result.Modules))

	for _, m := range result.Modules {
		fmt.Fprintf(w, "%s: %d field(s), %d step(s), %d check(s)\n",
			m.ID, m.Fields, len(m.Steps), len(m.Checks))
		for _, step := range m.Steps {
			if len(step.Sources) == 0 {
				fmt.Fprintf(w, "  [%d] %s %s\n", step.ID, step.Kind, step.Target)
				continue
			}
			fmt.Fprintf(w, "  [%d] %s %s ← %v\n", step.ID, step.Kind, step.Target, step.Sources)
		}
		fmt.Fprintf(w, "  digest %s\n\n", m.StaticIR.Digest)
	}

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote compilation result to %s\n", outputFile)
	}

	return nil
}

// outputCompileError outputs a single compilation error.
func outputCompileError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), nil)
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	exitErr := NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))

	if formatter.JSON() {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = CLIError{Code: code, Message: message}
		}
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors, // all errors
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", code, message)
	}

	return exitErr
}

// parseCompileError extracts error code and message from an error.
func parseCompileError(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return MapFieldToErrorCode(compileErr.Field, compileErr.Message), compileErr.Message
	}
	return ErrCodeGeneric, err.Error()
}

// writeResultToFile writes the compilation result as indented JSON.
func writeResultToFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling compilation result: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
