package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulestage/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json" | "arrow"
}

// ValidFormats defines the allowed output formats. Not every command supports all of them.
var ValidFormats = []string{"text", "json", "arrow"}

// NewRootCommand creates the root command for the rulesengine CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rulesengine",
		Short: "Rule-driven record transformation",
		Long: `Compile rulebooks and run records through a rule-driven transform stage.

Records are read as JSON lines, inferred through the rulebook and assembled
against an Avro-style output schema.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Verbose {
				logger.SetLevel(logger.LevelDebug)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|arrow)")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewTransformCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
