package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statekernel/internal/compiler"
	"github.com/roach88/statekernel/internal/ir"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors,omitempty"`
}

// Issue is one problem found in a module declaration.
type Issue struct {
	Module  string `json:"module,omitempty"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <modules-dir>",
		Short: "Validate module declarations without planning",
		Long: `Validate CUE module declarations without building execution plans.

Runs schema validation and the link/writer graph checks on every module.
Faster than compile for development feedback.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, modulesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loadResult, loadErrors := LoadModules(modulesDir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		code, message := parseCompileError(loadErrors[0])
		return outputValidateError(formatter, code, message, nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, modulesDir)

	issues := loadIssues(loadErrors)
	for _, spec := range loadResult.Modules {
		formatter.VerboseLog("Validating module: %s", spec.ID)
		issues = append(issues, validateModule(spec)...)
	}

	if len(issues) > 0 {
		return outputValidationErrors(formatter, issues)
	}
	return outputValidateSuccess(formatter, len(loadResult.Modules))
}

// validateModule runs schema validation and, when the schema is clean,
// compiles the module so graph conflicts and write-order cycles surface
// exactly as compile reports them.
func validateModule(spec *ir.ModuleSpec) []Issue {
	var issues []Issue
	for _, ve := range compiler.Validate(spec) {
		issues = append(issues, Issue{
			Module:  spec.ID,
			Field:   ve.Field,
			Code:    ve.Code,
			Message: ve.Message,
		})
	}
	if len(issues) > 0 {
		return issues
	}

	if _, err := compiler.Compile(spec); err != nil {
		issue := Issue{Module: spec.ID, Field: "module", Code: ErrCodeGeneric, Message: err.Error()}
		var configErr *compiler.ConfigError
		if errors.As(err, &configErr) {
			issue.Code = string(configErr.Code)
			issue.Message = configErr.Message
			if len(configErr.Declarations) > 0 {
				issue.Field = configErr.Declarations[0]
			}
		}
		issues = append(issues, issue)
	}
	return issues
}

func loadIssues(errs []error) []Issue {
	var issues []Issue
	for _, err := range errs {
		code, message := parseCompileError(err)
		issue := Issue{Field: "load", Code: code, Message: message}
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			issue.Line = loadErr.Pos.Line()
		}
		issues = append(issues, issue)
	}
	return issues
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, modules int) error {
	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintf(formatter.Writer, "✓ All %d module(s) valid\n", modules)
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
// Validation findings exit 1, unlike unreadable input.
func outputValidationErrors(formatter *OutputFormatter, issues []Issue) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))

	if formatter.JSON() {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error:  &CLIError{Code: issues[0].Code, Message: issues[0].Message},
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		where := issue.Field
		if issue.Module != "" {
			where = issue.Module + ": " + issue.Field
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", issue.Code, where, issue.Message)
	}
	return exitErr
}

// ValidateModulesDir validates every module in a directory.
// This is a helper function for external callers.
func ValidateModulesDir(modulesDir string) ([]Issue, error) {
	loadResult, loadErrors := LoadModules(modulesDir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		return nil, loadErrors[0]
	}

	issues := loadIssues(loadErrors)
	for _, spec := range loadResult.Modules {
		issues = append(issues, validateModule(spec)...)
	}
	return issues, nil
}
