package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/rulestage/record"
)

// Rulebook is a named, versioned, ordered collection of rules produced by the compiler.
// It is never mutated after compilation and may be shared read-only between engines.
type Rulebook struct {
	Name        string
	Version     string
	Description string
	Rules       []*Rule
}

// Rule returns the rule with the given name.
func (rb *Rulebook) Rule(name string) (*Rule, bool) {
	for _, r := range rb.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Rule is a guarded sequence of actions.
type Rule struct {
	Name        string
	Description string
	// When is the condition source text, reported in skip metadata.
	When    string
	Actions []Action
	// Line is the source line the rule starts on.
	Line int

	when cel.Program
}

// CanSkip reports whether the rule contains a skip action.
func (r *Rule) CanSkip() bool {
	for _, a := range r.Actions {
		if a.Kind == ActionSkip {
			return true
		}
	}
	return false
}

// ActionKind tags the closed set of actions a rule body may contain.
type ActionKind string

const (
	// ActionSet assigns the value of Expr to Field.
	ActionSet ActionKind = "set"
	// ActionRemove deletes Field from the row.
	ActionRemove ActionKind = "remove"
	// ActionRename renames Field to Target.
	ActionRename ActionKind = "rename"
	// ActionStore writes the value of Expr into the transient store under Field.
	ActionStore ActionKind = "store"
	// ActionIncrement adds the value of Expr (default 1) to the transient store entry Field.
	ActionIncrement ActionKind = "increment"
	// ActionSkip vetoes the row.
	ActionSkip ActionKind = "skip"
)

// AllActions lists every action kind the engine can interpret.
var AllActions = []ActionKind{ActionSet, ActionRemove, ActionRename, ActionStore, ActionIncrement, ActionSkip}

// Action is one step of a rule body. Which fields are meaningful depends on Kind.
type Action struct {
	Kind   ActionKind
	Field  string
	Target string
	Expr   string

	program cel.Program
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSet:
		return fmt.Sprintf("set %s = %s", a.Field, a.Expr)
	case ActionRemove:
		return "remove " + a.Field
	case ActionRename:
		return fmt.Sprintf("rename %s -> %s", a.Field, a.Target)
	case ActionStore:
		return fmt.Sprintf("store %s = %s", a.Field, a.Expr)
	case ActionIncrement:
		return fmt.Sprintf("increment %s by %s", a.Field, a.Expr)
	default:
		return string(a.Kind)
	}
}

// Outcome is the terminal state of one row evaluation.
type Outcome int

const (
	// Continued means every rule was evaluated without a skip.
	Continued Outcome = iota
	// Skipped means a rule vetoed the row.
	Skipped
)

func (o Outcome) String() string {
	if o == Skipped {
		return "skipped"
	}
	return "continued"
}

// Result is the outcome of inferring one row.
type Result struct {
	Outcome Outcome
	// Row is the inferred row when Outcome is Continued.
	Row *record.Row
	// Skip describes the vetoing rule when Outcome is Skipped.
	Skip *SkipSignal
	// Fired lists the rules whose condition matched, in evaluation order.
	Fired []string
}

// Skipped reports whether the row was vetoed.
func (r Result) Skipped() bool {
	return r.Outcome == Skipped
}

// SkipSignal carries the attribution of a rule that vetoed a row.
type SkipSignal struct {
	Rulebook    string
	Version     string
	Rule        string
	Description string
	Condition   string
}

// Message formats the signal for the error channel.
func (s *SkipSignal) Message() string {
	return fmt.Sprintf("Fired rulebook '%s', version '%s', rule name '%s', description '%s', condition {%s}.",
		s.Rulebook, s.Version, s.Rule, s.Description, s.Condition)
}
