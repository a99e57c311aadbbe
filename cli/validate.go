package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalpipe/loader"
	"github.com/petal-labs/petalpipe/pipeline"
	"github.com/petal-labs/petalpipe/registry"
)

// codeParseFailure reports a definition that could not be decoded.
const codeParseFailure = "PL-000"

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a pipeline file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath) // #nosec G304 -- path from user CLI arg
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	diags := validatePipelineData(data, filePath)
	printValidateDiagnostics(out, diags, format)

	hasErrs := pipeline.HasErrors(diags)
	hasWarns := len(pipeline.Warnings(diags)) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validatePipelineData decodes a definition and validates it against the
// global step catalog. Decode failures become a single error diagnostic.
func validatePipelineData(data []byte, filePath string) []pipeline.Diagnostic {
	def, err := loader.ParsePipeline(data, filePath)
	if err != nil {
		return []pipeline.Diagnostic{{
			Code:     codeParseFailure,
			Severity: pipeline.SeverityError,
			Message:  fmt.Sprintf("Failed to parse file: %v", err),
		}}
	}
	return pipeline.ValidateWithRegistry(def, registry.Global())
}

// printValidateDiagnostics writes diagnostics to the writer in the requested
// format, followed by a summary line (for text format).
func printValidateDiagnostics(w io.Writer, diags []pipeline.Diagnostic, format string) {
	if format == "json" {
		printDiagnosticsJSON(w, diags)
		return
	}
	printDiagnosticsText(w, diags)
}

func printDiagnosticLines(w io.Writer, diags []pipeline.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary. Used by both the validate and run commands.
func printDiagnosticsText(w io.Writer, diags []pipeline.Diagnostic) {
	printDiagnosticLines(w, diags)

	errs := pipeline.Errors(diags)
	warns := pipeline.Warnings(diags)

	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []pipeline.Diagnostic) {
	if diags == nil {
		diags = []pipeline.Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
