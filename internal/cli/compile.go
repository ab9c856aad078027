package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulestage/rules"
	"github.com/liamcoop/rulestage/stage"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Schema string // output schema file
}

// RulebookSummary describes a compiled rulebook.
type RulebookSummary struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Description string        `json:"description,omitempty"`
	Rules       []RuleSummary `json:"rules"`
	Schema      *SchemaInfo   `json:"schema,omitempty"`
}

// RuleSummary describes one compiled rule.
type RuleSummary struct {
	Name    string   `json:"name"`
	Line    int      `json:"line"`
	When    string   `json:"when"`
	Actions []string `json:"actions"`
	CanSkip bool     `json:"can_skip"`
}

// SchemaInfo names the output schema and its top-level fields.
type SchemaInfo struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <rulebook>",
		Short: "Compile a rulebook and summarise it",
		Long: `Compile a rulebook file and print its rules in evaluation order.

With --schema the output schema is parsed as well, so a stage configuration
can be checked before it is deployed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Schema, "schema", "s", "", "output schema file")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Format == "arrow" {
		return outputCommandError(formatter, ErrCodeFormat, "compile supports text or json output", nil)
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return outputCommandError(formatter, ErrCodeRead, fmt.Sprintf("reading rulebook: %v", err), nil)
	}
	formatter.VerboseLog("Compiling %s (%d bytes)", path, len(source))

	rb, err := rules.Compile(string(source))
	if err != nil {
		return outputCompileError(formatter, err)
	}
	summary := summarize(rb)

	if opts.Schema != "" {
		schemaSource, err := os.ReadFile(opts.Schema)
		if err != nil {
			return outputCommandError(formatter, ErrCodeRead, fmt.Sprintf("reading schema: %v", err), nil)
		}
		schema, err := stage.Configure(stage.Config{Rulebook: string(source), Schema: string(schemaSource)})
		if err != nil {
			_ = formatter.Error(ErrCodeSchema, err.Error(), nil)
			return WrapExitError(ExitFailure, ErrCodeSchema, err)
		}
		summary.Schema = &SchemaInfo{Name: schema.Name, Fields: schema.FieldNames()}
	}

	return outputCompileSuccess(formatter, summary)
}

func summarize(rb *rules.Rulebook) *RulebookSummary {
	summary := &RulebookSummary{
		Name:        rb.Name,
		Version:     rb.Version,
		Description: rb.Description,
		Rules:       make([]RuleSummary, 0, len(rb.Rules)),
	}
	for _, r := range rb.Rules {
		actions := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			actions = append(actions, a.String())
		}
		summary.Rules = append(summary.Rules, RuleSummary{
			Name:    r.Name,
			Line:    r.Line,
			When:    r.When,
			Actions: actions,
			CanSkip: r.CanSkip(),
		})
	}
	return summary
}

func outputCompileSuccess(formatter *OutputFormatter, summary *RulebookSummary) error {
	if formatter.Format == "json" {
		return formatter.Success(summary)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled rulebook %s version %s: %d rule(s)\n\n", summary.Name, summary.Version, len(summary.Rules))
	fmt.Fprintln(w, "Rules:")
	for _, r := range summary.Rules {
		fmt.Fprintf(w, "  %s (line %d): when %s → %s\n", r.Name, r.Line, r.When, strings.Join(r.Actions, "; "))
	}
	if summary.Schema != nil {
		fmt.Fprintf(w, "\nOutput schema %s: %s\n", summary.Schema.Name, strings.Join(summary.Schema.Fields, ", "))
	}
	return nil
}

func outputCompileError(formatter *OutputFormatter, err error) error {
	var cerr *rules.CompilationError
	if errors.As(err, &cerr) {
		details := map[string]any{"line": cerr.Line, "column": cerr.Column}
		if cerr.Rule != "" {
			details["rule"] = cerr.Rule
		}
		_ = formatter.Error(ErrCodeCompile, cerr.Error(), details)
	} else {
		_ = formatter.Error(ErrCodeCompile, err.Error(), nil)
	}
	return WrapExitError(ExitFailure, ErrCodeCompile, err)
}

// outputCommandError reports a problem with the invocation itself.
func outputCommandError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), nil)
}
