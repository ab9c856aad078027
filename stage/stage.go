package stage

import (
	"errors"
	"fmt"

	"github.com/liamcoop/rulestage/internal/logger"
	"github.com/liamcoop/rulestage/record"
	"github.com/liamcoop/rulestage/rules"
)

// Stats counts what a stage has done since it was initialized.
type Stats struct {
	Processed int64 `json:"processed"`
	Emitted   int64 `json:"emitted"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Stage is one rule-driven transform: infer each input row through a rulebook, then
// assemble the result against the output schema. A Stage processes one row at a time
// and is not safe for concurrent use; Manager serializes access.
type Stage struct {
	name      string
	config    Config
	rulebook  *rules.Rulebook
	schema    *record.Schema
	assembler *record.Assembler
	engine    *rules.InferenceEngine
	stats     Stats
}

// New creates a stage from source properties. Compilation happens in Initialize.
func New(name string, cfg Config) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RulebookID != "" && cfg.Rulebook == "" {
		return nil, fmt.Errorf("stage %s: rulebook %s must be resolved through a catalog", name, cfg.RulebookID)
	}
	return &Stage{name: name, config: cfg}, nil
}

// NewWithRulebook creates a stage around an already compiled rulebook and parsed schema.
func NewWithRulebook(name string, rb *rules.Rulebook, schema *record.Schema) *Stage {
	return &Stage{name: name, rulebook: rb, schema: schema}
}

func (s *Stage) Name() string { return s.name }

// Rulebook returns the compiled rulebook, or nil before Initialize.
func (s *Stage) Rulebook() *rules.Rulebook { return s.rulebook }

// Schema returns the output schema, or nil before Initialize.
func (s *Stage) Schema() *record.Schema { return s.schema }

// Stats returns a copy of the counters.
func (s *Stage) Stats() Stats { return s.stats }

// Initialize compiles the rulebook, parses the schema and starts an engine in the
// transform environment. The host may supply the transient store through ctx; otherwise
// the stage owns a fresh one. Any error is fatal for the stage.
func (s *Stage) Initialize(ctx *rules.ExecutorContext) error {
	if s.engine != nil {
		return rules.ErrAlreadyInitialized
	}

	if s.rulebook == nil {
		rb, err := rules.Compile(s.config.Rulebook)
		if err != nil {
			return err
		}
		s.rulebook = rb
	}
	if s.schema == nil {
		schema, err := record.ParseSchema([]byte(s.config.Schema))
		if err != nil {
			return fmt.Errorf("invalid output schema: %w", err)
		}
		s.schema = schema
	} else if err := record.ValidateSchema(s.schema); err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}

	ec := rules.ExecutorContext{Environment: rules.EnvironmentTransform}
	if ctx != nil {
		if ctx.Environment != "" {
			ec.Environment = ctx.Environment
		}
		ec.Store = ctx.Store
	}
	if ec.Store == nil {
		ec.Store = rules.NewInMemoryTransientStore()
	}

	engine := rules.NewInferenceEngine(s.rulebook, &ec)
	if err := engine.Initialize(); err != nil {
		return err
	}
	s.engine = engine
	s.assembler = record.NewAssembler(s.schema)
	s.stats = Stats{}

	logger.Info("Stage initialized",
		"stage", s.name,
		"rulebook", s.rulebook.Name,
		"version", s.rulebook.Version,
		"schema", s.schema.Name,
		"environment", string(ec.Environment))
	return nil
}

// Transform processes one input record. Skips, coercion failures and action failures go
// to the error channel with the original input attached; the only error returned is
// rules.ErrNotInitialized.
func (s *Stage) Transform(input *record.Row, emitter Emitter) error {
	if s.engine == nil {
		return rules.ErrNotInitialized
	}
	s.stats.Processed++
	logger.CountRow()

	row := input.Clone()
	if row == nil {
		row = record.NewRow()
	}

	res, err := s.engine.Infer(row)
	if err != nil {
		var aerr *rules.ActionError
		if !errors.As(err, &aerr) {
			return err
		}
		s.stats.Failed++
		logger.WarnActionFailure()
		logger.Debug("Rule action failed", "stage", s.name, "rule", aerr.Rule, "error", aerr.Err)
		emitter.EmitError(InvalidEntry{Code: CodeActionFailed, Message: aerr.Error(), Record: input})
		return nil
	}

	if res.Skipped() {
		s.stats.Skipped++
		logger.CountSkipped()
		emitter.EmitError(InvalidEntry{Code: CodeSkipped, Message: res.Skip.Message(), Record: input})
		return nil
	}

	records, err := s.assembler.Assemble(res.Row)
	if err != nil {
		var cerr *record.CoercionError
		if !errors.As(err, &cerr) {
			return err
		}
		s.stats.Failed++
		logger.WarnCoercion()
		emitter.EmitError(InvalidEntry{Code: CodeCoercion, Message: cerr.Error(), Record: input})
		return nil
	}

	for _, r := range records {
		emitter.Emit(r)
		s.stats.Emitted++
	}
	logger.CountEmitted(len(records))
	return nil
}

// Destroy discards the engine and its transient store. The stage must be initialized
// again before further use.
func (s *Stage) Destroy() {
	if s.engine == nil {
		return
	}
	s.engine.Store().Reset()
	s.engine = nil
	s.assembler = nil
	logger.Debug("Stage destroyed", "stage", s.name)
}
