package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulestage/internal/columnar"
	"github.com/liamcoop/rulestage/record"
	"github.com/liamcoop/rulestage/stage"
)

// TransformOptions holds flags for the transform command.
type TransformOptions struct {
	*RootOptions
	Rulebook string
	Schema   string
	Input    string
	Output   string
	Errors   string
}

// NewTransformCommand creates the transform command.
func NewTransformCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransformOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Run JSON-lines records through a transform stage",
		Long: `Read one JSON object per line, infer it through the rulebook and emit the
assembled records.

Records are written as JSON lines, or as one Arrow IPC stream with --format arrow.
Skipped rows, coercion failures and action failures are written to the error
stream as JSON lines of the form {"code":..., "message":..., "record":...}.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Rulebook, "rulebook", "r", "", "rulebook file (required)")
	cmd.Flags().StringVarP(&opts.Schema, "schema", "s", "", "output schema file (required)")
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "input JSON-lines file (default stdin)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVarP(&opts.Errors, "errors", "e", "", "error entries file (default stderr)")
	_ = cmd.MarkFlagRequired("rulebook")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}

// streamEmitter writes records and error entries as they arrive. In arrow mode records
// are held back and written as one batch at the end.
type streamEmitter struct {
	records   *json.Encoder
	collected []*record.Row
	errors    *json.Encoder
	err       error
}

func (e *streamEmitter) Emit(r *record.Row) {
	if e.records == nil {
		e.collected = append(e.collected, r)
		return
	}
	if err := e.records.Encode(r); err != nil && e.err == nil {
		e.err = fmt.Errorf("writing record: %w", err)
	}
}

func (e *streamEmitter) EmitError(entry stage.InvalidEntry) {
	if err := e.errors.Encode(entry); err != nil && e.err == nil {
		e.err = fmt.Errorf("writing error entry: %w", err)
	}
}

func runTransform(opts *TransformOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    "text",
		Writer:    cmd.ErrOrStderr(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	rulebookSource, err := os.ReadFile(opts.Rulebook)
	if err != nil {
		return outputCommandError(formatter, ErrCodeRead, fmt.Sprintf("reading rulebook: %v", err), nil)
	}
	schemaSource, err := os.ReadFile(opts.Schema)
	if err != nil {
		return outputCommandError(formatter, ErrCodeRead, fmt.Sprintf("reading schema: %v", err), nil)
	}

	s, err := stage.New("cli", stage.Config{Rulebook: string(rulebookSource), Schema: string(schemaSource)})
	if err != nil {
		return outputCommandError(formatter, ErrCodeGeneric, err.Error(), nil)
	}
	if err := s.Initialize(nil); err != nil {
		return outputCompileError(formatter, err)
	}
	defer s.Destroy()
	formatter.VerboseLog("Loaded rulebook %s version %s with %d rule(s)", s.Rulebook().Name, s.Rulebook().Version, len(s.Rulebook().Rules))

	in := cmd.InOrStdin()
	if opts.Input != "" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return outputCommandError(formatter, ErrCodeRead, fmt.Sprintf("opening input: %v", err), nil)
		}
		defer f.Close()
		in = f
	}

	out, closeOut, err := openOutput(opts.Output, cmd.OutOrStdout())
	if err != nil {
		return outputCommandError(formatter, ErrCodeWriteFailed, fmt.Sprintf("creating output: %v", err), nil)
	}
	defer closeOut()
	errOut, closeErrOut, err := openOutput(opts.Errors, cmd.ErrOrStderr())
	if err != nil {
		return outputCommandError(formatter, ErrCodeWriteFailed, fmt.Sprintf("creating error output: %v", err), nil)
	}
	defer closeErrOut()

	emitter := &streamEmitter{errors: json.NewEncoder(errOut)}
	if opts.Format != "arrow" {
		emitter.records = json.NewEncoder(out)
	}

	dec := json.NewDecoder(in)
	dec.UseNumber()
	for n := 1; ; n++ {
		row, err := record.DecodeRow(dec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return outputCommandError(formatter, ErrCodeRead, fmt.Sprintf("reading input record %d: %v", n, err), nil)
		}
		if err := s.Transform(row, emitter); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("transforming record %d", n), err)
		}
		if emitter.err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, emitter.err.Error(), nil)
		}
	}

	if opts.Format == "arrow" {
		if err := columnar.WriteIPC(out, s.Schema(), emitter.collected); err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing arrow output: %v", err), nil)
		}
	}

	stats := s.Stats()
	formatter.VerboseLog("Processed %d record(s): %d emitted, %d skipped, %d failed",
		stats.Processed, stats.Emitted, stats.Skipped, stats.Failed)
	return nil
}

// openOutput creates path, or returns fallback when path is empty.
func openOutput(path string, fallback io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return fallback, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
