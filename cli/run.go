package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/daemon"
	"github.com/petal-labs/petalpipe/loader"
	"github.com/petal-labs/petalpipe/pipeline"
	"github.com/petal-labs/petalpipe/runtime"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a pipeline file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial variables as an inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Initial variables from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write the result to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | text | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate and resolve step inputs without executing")
	cmd.Flags().Bool("debug", false, "Record debug logs on the execution")
	cmd.Flags().String("user", "", "User id recorded on the execution")
	cmd.Flags().String("config", "", "Path to petalpipe.yaml (providers, sandbox, file store)")

	return cmd
}

// runOutput is the json format of a finished run.
type runOutput struct {
	Execution core.Execution       `json:"execution"`
	Steps     []core.StepExecution `json:"steps"`
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	format, _ := cmd.Flags().GetString("format")
	if !validRunFormat(format) {
		return exitError(exitInputParse, "unknown format %q (use json, text, or pretty)", format)
	}

	def, err := loadPipelineForRun(cmd, filePath)
	if err != nil {
		return err
	}

	input, err := buildInput(cmd)
	if err != nil {
		return err
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return writeDryRun(cmd, pipeline.DryRun(def, input), format)
	}

	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	d, err := daemon.New(cmd.Context(), cfg, commandLogger(cmd))
	if err != nil {
		return exitError(exitRuntime, "initializing engine: %v", err)
	}
	defer func() {
		_ = d.Close(context.WithoutCancel(cmd.Context()))
	}()

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()

	debug, _ := cmd.Flags().GetBool("debug")
	userID, _ := cmd.Flags().GetString("user")
	rec, err := d.Engine().Run(ctx, runtime.RunRequest{
		Pipeline:  *def,
		Input:     input,
		UserID:    userID,
		DebugMode: debug,
	})
	if err != nil {
		return runRuntimeError(ctx, timeout, err)
	}

	stepRecs, err := d.Store().ListStepExecutions(context.WithoutCancel(ctx), rec.ID)
	if err != nil {
		commandLogger(cmd).Warn("listing step executions", "execution_id", rec.ID, "error", err)
	}
	if err := writeOutput(cmd, def, runOutput{Execution: rec, Steps: stepRecs}); err != nil {
		return err
	}
	return executionExit(ctx, timeout, rec)
}

func validRunFormat(format string) bool {
	switch format {
	case "json", "text", "pretty":
		return true
	}
	return false
}

func loadPipelineForRun(cmd *cobra.Command, filePath string) (*core.PipelineDefinition, error) {
	def, diags, err := loader.LoadPipeline(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	printDiagnosticLines(cmd.ErrOrStderr(), pipeline.Warnings(diags))
	return def, nil
}

// loadRunConfig reuses the daemon configuration for step collaborators but
// keeps all state in memory and never starts the scheduler.
func loadRunConfig(cmd *cobra.Command) (daemon.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := daemon.DiscoverConfigPath(explicit)
	if err != nil {
		return daemon.Config{}, exitError(exitFileNotFound, "%v", err)
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return daemon.Config{}, exitError(exitValidation, "%v", err)
	}
	if !found {
		cfg.Files.Root = "."
	}
	cfg.Storage = daemon.StorageConfig{Driver: daemon.StorageMemory}
	cfg.Events = daemon.EventsConfig{}
	cfg.Scheduler.Disabled = true
	return cfg, nil
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

func runRuntimeError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	return exitError(exitRuntime, "execution failed: %v", err)
}

// executionExit maps a finished execution to the process exit code.
func executionExit(ctx context.Context, timeout time.Duration, rec core.Execution) error {
	if ctx.Err() == context.DeadlineExceeded {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	switch rec.Status {
	case core.ExecutionCompleted:
		return nil
	case core.ExecutionFailed:
		msg := "unknown error"
		if rec.Error != nil {
			msg = rec.Error.Message
		}
		return exitError(exitRuntime, "execution %s failed: %s", rec.ID, msg)
	default:
		return exitError(exitRuntime, "execution %s ended %s", rec.ID, rec.Status)
	}
}

// buildInput reads initial variables from --input or --input-file.
func buildInput(cmd *cobra.Command) (map[string]any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}

	switch {
	case inputStr != "":
		input, err := loader.ParseInput([]byte(inputStr), "")
		if err != nil {
			return nil, exitError(exitInputParse, "parsing input: %v", err)
		}
		return input, nil
	case inputFile != "":
		input, err := loader.LoadInput(inputFile)
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "input file not found: %s", inputFile)
		}
		if err != nil {
			return nil, exitError(exitInputParse, "parsing input file: %v", err)
		}
		return input, nil
	default:
		return map[string]any{}, nil
	}
}

func writeDryRun(cmd *cobra.Command, result pipeline.DryRunResult, format string) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return exitError(exitRuntime, "marshaling dry run: %v", err)
		}
	} else {
		printDiagnosticLines(out, slices.Concat(result.Errors, result.Warnings))
		fmt.Fprintf(out, "Steps (%d):\n", len(result.Steps))
		for _, s := range result.Steps {
			state := ""
			if !s.Enabled {
				state = " [disabled]"
			}
			fmt.Fprintf(out, "  %d. %s (%s)%s\n", s.Order, s.StepID, s.Type, state)
			for _, k := range slices.Sorted(maps.Keys(s.Inputs)) {
				fmt.Fprintf(out, "       %s = %s\n", k, compactJSON(s.Inputs[k]))
			}
		}
		if result.Valid {
			fmt.Fprintln(out, "Dry run successful.")
		}
	}
	if !result.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// writeOutput formats and writes the finished execution.
func writeOutput(cmd *cobra.Command, def *core.PipelineDefinition, res runOutput) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	var output string
	switch format {
	case "json":
		if res.Steps == nil {
			res.Steps = []core.StepExecution{}
		}
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		output = string(data)
	case "text":
		output = formatText(def, res.Execution)
	default:
		output = formatPretty(res)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatText returns the primary value of the last step that produced
// output.
func formatText(def *core.PipelineDefinition, rec core.Execution) string {
	ordered := def.OrderedSteps()
	for i := len(ordered) - 1; i >= 0; i-- {
		out, ok := rec.Results[ordered[i].OutputKey()]
		if !ok {
			continue
		}
		v := primaryValue(out)
		if s, ok := v.(string); ok {
			return s
		}
		return compactJSON(v)
	}
	return ""
}

func primaryValue(out any) any {
	m, ok := out.(map[string]any)
	if !ok {
		return out
	}
	for _, k := range []string{"text", "result", "stdout", "body"} {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return out
}

// formatPretty returns a human-readable summary of the execution.
func formatPretty(res runOutput) string {
	rec := res.Execution
	var sb strings.Builder

	sb.WriteString("=== Execution ===\n")
	fmt.Fprintf(&sb, "  ID:       %s\n", rec.ID)
	fmt.Fprintf(&sb, "  Pipeline: %s\n", rec.PipelineID)
	fmt.Fprintf(&sb, "  Status:   %s\n", rec.Status)
	fmt.Fprintf(&sb, "  Duration: %s\n", time.Duration(rec.DurationMS)*time.Millisecond)

	if len(rec.Results) > 0 {
		sb.WriteString("\n=== Results ===\n")
		for _, k := range slices.Sorted(maps.Keys(rec.Results)) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, compactJSON(rec.Results[k]))
		}
	}

	if len(res.Steps) > 0 {
		fmt.Fprintf(&sb, "\n=== Steps (%d) ===\n", len(res.Steps))
		for _, s := range res.Steps {
			fmt.Fprintf(&sb, "  %s (%s): %s, %d %s, %dms\n",
				s.StepID, s.StepType, s.Status, s.Attempts, pluralize("attempt", s.Attempts), s.DurationMS)
		}
	}

	if rec.Error != nil {
		sb.WriteString("\n=== Error ===\n")
		if rec.Error.StepID != "" {
			fmt.Fprintf(&sb, "  [%s] %s (step %s)\n", rec.Error.Kind, rec.Error.Message, rec.Error.StepID)
		} else {
			fmt.Fprintf(&sb, "  [%s] %s\n", rec.Error.Kind, rec.Error.Message)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
