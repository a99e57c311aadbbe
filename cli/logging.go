package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// newLogger builds the CLI text logger. --verbose lowers the level to
// debug and --quiet raises it to error; quiet wins when both are set.
func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// commandLogger reads the root persistent flags and logs to stderr.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return newLogger(cmd.ErrOrStderr(), verbose, quiet)
}
