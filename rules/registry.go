package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

// Reserved expression variables. Row fields with these names are still reachable
// through row["name"].
const (
	VarRow   = "row"
	VarStore = "store"
	VarEnv   = "env"
)

var reservedVariables = map[string]bool{
	VarRow:   true,
	VarStore: true,
	VarEnv:   true,
}

// Registry is the set of operations a rulebook may reference: the action kinds it may
// use in rule bodies and the CEL function libraries available to expressions.
// Identifiers outside the registry fail compilation.
type Registry struct {
	actions map[ActionKind]bool
	options []cel.EnvOption
}

// NewRegistry creates a registry allowing the given actions and CEL environment options.
func NewRegistry(actions []ActionKind, options ...cel.EnvOption) *Registry {
	r := &Registry{
		actions: make(map[ActionKind]bool, len(actions)),
		options: options,
	}
	for _, a := range actions {
		r.actions[a] = true
	}
	return r
}

// DefaultRegistry allows every action, the cel-go string extensions and the
// is_empty/coalesce helpers.
func DefaultRegistry() *Registry {
	return NewRegistry(AllActions, ext.Strings(), isEmptyFunction(), coalesceFunction())
}

// HasAction reports whether kind may be used in rule bodies.
func (r *Registry) HasAction(kind ActionKind) bool {
	return r.actions[kind]
}

// newEnv creates the base CEL environment shared by every expression of a rulebook.
func (r *Registry) newEnv() (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable(VarRow, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarStore, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarEnv, cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	}
	opts = append(opts, strictEqualityFunctions()...)
	opts = append(opts, r.options...)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Equality operators are rewritten to these functions before type-checking. They behave
// like CEL's == and != except that operands of different kinds make both false.
// Numbers of any kind compare by value, and null compares with anything.
const (
	strictEq = "strict_eq"
	strictNe = "strict_ne"
)

func strictEqualityFunctions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function(strictEq,
			cel.Overload("strict_eq_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					if !sameKind(a, b) {
						return types.False
					}
					return a.Equal(b)
				}),
			),
		),
		cel.Function(strictNe,
			cel.Overload("strict_ne_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					if !sameKind(a, b) {
						return types.False
					}
					eq, ok := a.Equal(b).(types.Bool)
					if !ok {
						return types.NewErr("no such overload: %s != %s", a.Type().TypeName(), b.Type().TypeName())
					}
					return !eq
				}),
			),
		),
	}
}

// sameKind reports whether two values may be compared for equality. Numbers compare
// across int, uint and double; null compares with anything.
func sameKind(a, b ref.Val) bool {
	if a.Type() == types.NullType || b.Type() == types.NullType {
		return true
	}
	if isNumber(a) && isNumber(b) {
		return true
	}
	return a.Type().TypeName() == b.Type().TypeName()
}

func isNumber(v ref.Val) bool {
	switch v.(type) {
	case types.Int, types.Uint, types.Double:
		return true
	}
	return false
}

// is_empty(x): true for null, empty strings, lists and maps.
func isEmptyFunction() cel.EnvOption {
	return cel.Function("is_empty",
		cel.Overload("is_empty_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
			cel.UnaryBinding(func(v ref.Val) ref.Val {
				if v.Type() == types.NullType {
					return types.True
				}
				if sizer, ok := v.(traits.Sizer); ok {
					return types.Bool(sizer.Size().Equal(types.IntZero) == types.True)
				}
				return types.False
			}),
		),
	)
}

// coalesce(a, b): a unless it is null, otherwise b.
func coalesceFunction() cel.EnvOption {
	return cel.Function("coalesce",
		cel.Overload("coalesce_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
			cel.BinaryBinding(func(a, b ref.Val) ref.Val {
				if a.Type() == types.NullType {
					return b
				}
				return a
			}),
		),
	)
}
