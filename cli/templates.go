package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalpipe/registry"
)

// NewTemplatesCmd creates the "templates" subcommand.
func NewTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the built-in step templates",
		Args:  cobra.NoArgs,
		RunE:  runTemplates,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runTemplates(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	templates := registry.Global().All()
	out := cmd.OutOrStdout()

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(templates); err != nil {
			return exitError(exitRuntime, "marshaling templates: %v", err)
		}
		return nil
	case "text":
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tCATEGORY\tREQUIRED\tDESCRIPTION")
		for _, t := range templates {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Type, t.Category, strings.Join(t.RequiredFields, ","), t.Description)
		}
		return tw.Flush()
	default:
		return exitError(exitInputParse, "unknown format %q (use text or json)", format)
	}
}
