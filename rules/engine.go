package rules

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/rulestage/internal/logger"
	"github.com/liamcoop/rulestage/record"
)

// Environment tags the execution context an engine runs in. Expressions read it as env.
type Environment string

const (
	EnvironmentTransform  Environment = "transform"
	EnvironmentValidation Environment = "validation"
)

// ExecutorContext is what an engine needs from its host stage.
type ExecutorContext struct {
	Environment Environment
	// Store is shared by every row the engine infers. A nil store is replaced by a
	// fresh InMemoryTransientStore on Initialize.
	Store TransientStore
}

// InferenceEngine evaluates one compiled rulebook against rows, one row at a time.
// Rules run in declaration order; a matching rule applies its actions in order and a
// skip action ends evaluation of the row. An engine is not safe for concurrent use.
type InferenceEngine struct {
	rulebook    *Rulebook
	ctx         ExecutorContext
	initialized bool
}

// NewInferenceEngine binds a compiled rulebook to an execution context. A nil context
// runs the engine in the validation environment.
func NewInferenceEngine(rulebook *Rulebook, ctx *ExecutorContext) *InferenceEngine {
	en := &InferenceEngine{rulebook: rulebook}
	if ctx == nil {
		en.ctx.Environment = EnvironmentValidation
	} else {
		en.ctx = *ctx
	}
	return en
}

// Initialize prepares the engine. It must be called exactly once before Infer.
func (en *InferenceEngine) Initialize() error {
	if en.initialized {
		return ErrAlreadyInitialized
	}
	if en.rulebook == nil {
		return errors.New("inference engine requires a compiled rulebook")
	}
	for _, r := range en.rulebook.Rules {
		if r.when == nil {
			return fmt.Errorf("rule %q of rulebook %q is not compiled", r.Name, en.rulebook.Name)
		}
	}
	if en.ctx.Environment == "" {
		en.ctx.Environment = EnvironmentTransform
	}
	if en.ctx.Store == nil {
		en.ctx.Store = NewInMemoryTransientStore()
	}

	en.initialized = true
	logger.Debug("Inference engine initialized",
		"rulebook", en.rulebook.Name,
		"version", en.rulebook.Version,
		"rules", len(en.rulebook.Rules),
		"environment", string(en.ctx.Environment))
	return nil
}

// Rulebook returns the rulebook the engine evaluates.
func (en *InferenceEngine) Rulebook() *Rulebook {
	return en.rulebook
}

// Store returns the transient store shared across rows.
func (en *InferenceEngine) Store() TransientStore {
	return en.ctx.Store
}

// Infer runs the rulebook against row, mutating it in place. A skip is reported
// through the Result, never as an error. Errors are *ActionError for a failed action
// or ErrNotInitialized.
func (en *InferenceEngine) Infer(row *record.Row) (Result, error) {
	if !en.initialized {
		return Result{}, ErrNotInitialized
	}
	if row == nil {
		return Result{}, errors.New("cannot infer a nil row")
	}

	act := &rowActivation{row: row, store: en.ctx.Store, env: en.ctx.Environment}
	var fired []string
	for _, rule := range en.rulebook.Rules {
		if !en.matches(rule, act) {
			continue
		}
		fired = append(fired, rule.Name)

		for _, action := range rule.Actions {
			if action.Kind == ActionSkip {
				return Result{
					Outcome: Skipped,
					Skip: &SkipSignal{
						Rulebook:    en.rulebook.Name,
						Version:     en.rulebook.Version,
						Rule:        rule.Name,
						Description: rule.Description,
						Condition:   rule.When,
					},
					Fired: fired,
				}, nil
			}
			if err := en.apply(action, act); err != nil {
				return Result{Fired: fired}, &ActionError{Rule: rule.Name, Action: action, Err: err}
			}
		}
	}

	return Result{Outcome: Continued, Row: row, Fired: fired}, nil
}

// matches evaluates a rule condition. Evaluation errors and non-bool results count as
// a non-match.
func (en *InferenceEngine) matches(rule *Rule, act *rowActivation) bool {
	out, _, err := rule.when.Eval(act)
	if err != nil {
		logger.Trace("Condition evaluated with error, treating as false",
			"rulebook", en.rulebook.Name,
			"rule", rule.Name,
			"condition", rule.When,
			"error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func (en *InferenceEngine) apply(action Action, act *rowActivation) error {
	switch action.Kind {
	case ActionSet:
		v, err := evalValue(action.program, act)
		if err != nil {
			return err
		}
		act.row.Set(action.Field, v)

	case ActionRemove:
		act.row.Remove(action.Field)

	case ActionRename:
		if !act.row.Has(action.Field) {
			return nil
		}
		return act.row.Rename(action.Field, action.Target)

	case ActionStore:
		v, err := evalValue(action.program, act)
		if err != nil {
			return err
		}
		act.store.Set(action.Field, v)

	case ActionIncrement:
		v, err := evalValue(action.program, act)
		if err != nil {
			return err
		}
		if _, err := act.store.Increment(action.Field, v); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported action %q", action.Kind)
	}
	return nil
}

func evalValue(prog cel.Program, act *rowActivation) (record.Value, error) {
	if prog == nil {
		return nil, errors.New("action expression is not compiled")
	}
	out, _, err := prog.Eval(act)
	if err != nil {
		return nil, err
	}
	return fromCEL(out)
}
