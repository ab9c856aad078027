package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"gopkg.in/yaml.v3"
)

// costLimit bounds the work of a single expression evaluation.
const costLimit = 1000000

var (
	validRuleName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)
	yamlLine      = regexp.MustCompile(`line (\d+)`)
)

// CEL type identifiers that must never be declared as row variables.
var builtinIdents = map[string]bool{
	"bool": true, "bytes": true, "double": true, "duration": true, "dyn": true, "int": true,
	"list": true, "map": true, "null_type": true, "string": true, "timestamp": true, "type": true, "uint": true,
}

// Compiler turns rulebook source text into a Rulebook. Compilation is a pure function
// of the source: it performs no I/O and the same text always yields the same rulebook.
type Compiler struct {
	registry *Registry
	env      *cel.Env
}

// NewCompiler creates a compiler for the given registry; nil selects DefaultRegistry.
func NewCompiler(registry *Registry) (*Compiler, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	env, err := registry.newEnv()
	if err != nil {
		return nil, err
	}
	return &Compiler{registry: registry, env: env}, nil
}

// Compile compiles source with the default registry.
func Compile(source string) (*Rulebook, error) {
	c, err := NewCompiler(nil)
	if err != nil {
		return nil, err
	}
	return c.Compile(source)
}

// Compile parses and checks a rulebook. Every failure is a *CompilationError.
func (c *Compiler) Compile(source string) (*Rulebook, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &CompilationError{Message: "rulebook source is empty"}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return nil, &CompilationError{Line: yamlErrorLine(err), Message: "invalid rulebook syntax", Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &CompilationError{Message: "rulebook source is empty"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errorAt(root, "", "rulebook must be a mapping with name, version and rules")
	}

	rb := &Rulebook{}
	var rulesNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		var err error
		switch key.Value {
		case "name":
			rb.Name, err = scalar(val, "", "name")
		case "version":
			rb.Version, err = scalar(val, "", "version")
		case "description":
			rb.Description, err = scalar(val, "", "description")
		case "rules":
			rulesNode = val
		default:
			err = errorAt(key, "", fmt.Sprintf("unknown rulebook key %q", key.Value))
		}
		if err != nil {
			return nil, err
		}
	}

	if rb.Name == "" {
		return nil, errorAt(root, "", "rulebook name is required")
	}
	if rulesNode == nil || (rulesNode.Kind == yaml.ScalarNode && rulesNode.Tag == "!!null") {
		return nil, errorAt(root, "", "rulebook must contain at least one rule")
	}
	if rulesNode.Kind != yaml.SequenceNode {
		return nil, errorAt(rulesNode, "", "rules must be a list")
	}
	if len(rulesNode.Content) == 0 {
		return nil, errorAt(rulesNode, "", "rulebook must contain at least one rule")
	}

	declared := make(map[string]int, len(rulesNode.Content))
	rb.Rules = make([]*Rule, 0, len(rulesNode.Content))
	for _, rn := range rulesNode.Content {
		rule, err := c.compileRule(rn)
		if err != nil {
			return nil, err
		}
		if line, dup := declared[rule.Name]; dup {
			return nil, errorAt(rn, rule.Name, fmt.Sprintf("duplicate rule name %q (first declared at line %d)", rule.Name, line))
		}
		declared[rule.Name] = rule.Line
		rb.Rules = append(rb.Rules, rule)
	}
	return rb, nil
}

func (c *Compiler) compileRule(n *yaml.Node) (*Rule, error) {
	if n.Kind != yaml.MappingNode {
		return nil, errorAt(n, "", "rule must be a mapping")
	}

	rule := &Rule{Line: n.Line, When: "true"}
	var whenNode, thenNode *yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		var err error
		switch key.Value {
		case "name":
			rule.Name, err = scalar(val, "", "name")
		case "description":
			rule.Description, err = scalar(val, rule.Name, "description")
		case "when":
			whenNode = val
		case "then":
			thenNode = val
		default:
			err = errorAt(key, rule.Name, fmt.Sprintf("unknown rule key %q", key.Value))
		}
		if err != nil {
			return nil, err
		}
	}

	if rule.Name == "" {
		return nil, errorAt(n, "", "rule name is required")
	}
	if !validRuleName.MatchString(rule.Name) {
		return nil, errorAt(n, rule.Name, fmt.Sprintf("invalid rule name %q", rule.Name))
	}

	if whenNode != nil {
		when, err := scalar(whenNode, rule.Name, "when")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(when) != "" {
			rule.When = when
		}
	}
	prog, err := c.compileExpr(rule.When, true)
	if err != nil {
		pos := whenNode
		if pos == nil {
			pos = n
		}
		return nil, &CompilationError{Line: pos.Line, Column: pos.Column, Rule: rule.Name,
			Message: fmt.Sprintf("invalid condition %q", rule.When), Err: err}
	}
	rule.when = prog

	if thenNode == nil || thenNode.Kind != yaml.SequenceNode || len(thenNode.Content) == 0 {
		pos := thenNode
		if pos == nil {
			pos = n
		}
		return nil, errorAt(pos, rule.Name, "rule must declare a non-empty then list")
	}
	for _, an := range thenNode.Content {
		action, err := c.compileAction(rule.Name, an)
		if err != nil {
			return nil, err
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

func (c *Compiler) compileAction(ruleName string, n *yaml.Node) (Action, error) {
	var name string
	var arg *yaml.Node
	switch n.Kind {
	case yaml.ScalarNode:
		name = n.Value
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return Action{}, errorAt(n, ruleName, "action must have exactly one name")
		}
		name, arg = n.Content[0].Value, n.Content[1]
	default:
		return Action{}, errorAt(n, ruleName, "action must be a name or a single-key mapping")
	}

	kind := ActionKind(name)
	if !knownAction(kind) || !c.registry.HasAction(kind) {
		return Action{}, errorAt(n, ruleName, fmt.Sprintf("unknown action %q", name))
	}

	action := Action{Kind: kind}
	switch kind {
	case ActionSkip:
		if arg != nil && !isNull(arg) && !(arg.Kind == yaml.ScalarNode && arg.Value == "true") {
			return Action{}, errorAt(arg, ruleName, "skip takes no arguments")
		}
		return action, nil

	case ActionRemove:
		field, err := requiredScalar(arg, n, ruleName, "remove")
		if err != nil {
			return Action{}, err
		}
		action.Field = field
		return action, nil

	case ActionRename:
		args, err := arguments(arg, n, ruleName, name, "from", "to")
		if err != nil {
			return Action{}, err
		}
		if action.Field, err = requiredScalar(args["from"], n, ruleName, "rename.from"); err != nil {
			return Action{}, err
		}
		if action.Target, err = requiredScalar(args["to"], n, ruleName, "rename.to"); err != nil {
			return Action{}, err
		}
		return action, nil

	case ActionSet, ActionStore, ActionIncrement:
		target, valueKey := "field", "value"
		if kind != ActionSet {
			target = "key"
		}
		if kind == ActionIncrement {
			valueKey = "by"
		}
		args, err := arguments(arg, n, ruleName, name, target, valueKey)
		if err != nil {
			return Action{}, err
		}
		if action.Field, err = requiredScalar(args[target], n, ruleName, name+"."+target); err != nil {
			return Action{}, err
		}
		valueNode := args[valueKey]
		switch {
		case valueNode != nil:
			if action.Expr, err = requiredScalar(valueNode, n, ruleName, name+"."+valueKey); err != nil {
				return Action{}, err
			}
		case kind == ActionIncrement:
			action.Expr = "1"
		default:
			return Action{}, errorAt(n, ruleName, fmt.Sprintf("%s requires %q", name, valueKey))
		}

		prog, err := c.compileExpr(action.Expr, false)
		if err != nil {
			pos := valueNode
			if pos == nil {
				pos = n
			}
			return Action{}, &CompilationError{Line: pos.Line, Column: pos.Column, Rule: ruleName,
				Message: fmt.Sprintf("invalid %s expression %q", name, action.Expr), Err: err}
		}
		action.program = prog
		return action, nil
	}
	return Action{}, errorAt(n, ruleName, fmt.Sprintf("unknown action %q", name))
}

// compileExpr parses, type-checks and plans one expression. Identifiers that are not
// reserved variables are declared as dyn row fields, so unknown functions are the only
// undeclared references the checker can report.
func (c *Compiler) compileExpr(src string, condition bool) (cel.Program, error) {
	parsed, iss := c.env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}

	strictEquality(celast.NewExprFactory(), parsed.NativeRep().Expr())

	env := c.env
	if names := freeVariables(parsed); len(names) > 0 {
		opts := make([]cel.EnvOption, 0, len(names))
		for _, name := range names {
			opts = append(opts, cel.Variable(name, cel.DynType))
		}
		var err error
		env, err = c.env.Extend(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to declare row fields: %w", err)
		}
	}

	checked, iss := env.Check(parsed)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if condition {
		out := checked.OutputType()
		if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("condition must evaluate to bool, got %s", out)
		}
	}

	prog, err := env.Program(checked,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// freeVariables lists the identifiers of an expression that need a declaration.
// Comprehension variables are bound only inside the loop they introduce, so a row
// field of the same name used elsewhere in the expression is still free.
func freeVariables(parsed *cel.Ast) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(e celast.Expr, bound map[string]bool)
	walk = func(e celast.Expr, bound map[string]bool) {
		switch e.Kind() {
		case celast.IdentKind:
			name := e.AsIdent()
			if bound[name] || seen[name] || reservedVariables[name] || builtinIdents[name] ||
				strings.HasPrefix(name, "@") || strings.HasPrefix(name, "__") {
				return
			}
			seen[name] = true
			names = append(names, name)
		case celast.CallKind:
			call := e.AsCall()
			if call.IsMemberFunction() {
				walk(call.Target(), bound)
			}
			for _, arg := range call.Args() {
				walk(arg, bound)
			}
		case celast.ComprehensionKind:
			comp := e.AsComprehension()
			walk(comp.IterRange(), bound)
			walk(comp.AccuInit(), bound)
			loop := withBound(bound, comp.IterVar(), comp.IterVar2(), comp.AccuVar())
			walk(comp.LoopCondition(), loop)
			walk(comp.LoopStep(), loop)
			walk(comp.Result(), withBound(bound, comp.AccuVar()))
		case celast.ListKind:
			for _, elem := range e.AsList().Elements() {
				walk(elem, bound)
			}
		case celast.MapKind:
			for _, entry := range e.AsMap().Entries() {
				walk(entry.AsMapEntry().Key(), bound)
				walk(entry.AsMapEntry().Value(), bound)
			}
		case celast.SelectKind:
			walk(e.AsSelect().Operand(), bound)
		case celast.StructKind:
			for _, field := range e.AsStruct().Fields() {
				walk(field.AsStructField().Value(), bound)
			}
		}
	}
	walk(parsed.NativeRep().Expr(), nil)
	sort.Strings(names)
	return names
}

func withBound(bound map[string]bool, vars ...string) map[string]bool {
	inner := make(map[string]bool, len(bound)+len(vars))
	for name := range bound {
		inner[name] = true
	}
	for _, name := range vars {
		if name != "" {
			inner[name] = true
		}
	}
	return inner
}

// strictEquality rewrites == and != calls in place to their kind-strict counterparts.
func strictEquality(fac celast.ExprFactory, e celast.Expr) {
	switch e.Kind() {
	case celast.CallKind:
		call := e.AsCall()
		if call.IsMemberFunction() {
			strictEquality(fac, call.Target())
		}
		for _, arg := range call.Args() {
			strictEquality(fac, arg)
		}
		switch call.FunctionName() {
		case operators.Equals:
			e.SetKindCase(fac.NewCall(e.ID(), strictEq, call.Args()...))
		case operators.NotEquals:
			e.SetKindCase(fac.NewCall(e.ID(), strictNe, call.Args()...))
		}
	case celast.ComprehensionKind:
		comp := e.AsComprehension()
		for _, sub := range []celast.Expr{comp.IterRange(), comp.AccuInit(), comp.LoopCondition(), comp.LoopStep(), comp.Result()} {
			strictEquality(fac, sub)
		}
	case celast.ListKind:
		for _, elem := range e.AsList().Elements() {
			strictEquality(fac, elem)
		}
	case celast.MapKind:
		for _, entry := range e.AsMap().Entries() {
			strictEquality(fac, entry.AsMapEntry().Key())
			strictEquality(fac, entry.AsMapEntry().Value())
		}
	case celast.SelectKind:
		strictEquality(fac, e.AsSelect().Operand())
	case celast.StructKind:
		for _, field := range e.AsStruct().Fields() {
			strictEquality(fac, field.AsStructField().Value())
		}
	}
}

func knownAction(kind ActionKind) bool {
	for _, a := range AllActions {
		if a == kind {
			return true
		}
	}
	return false
}

func arguments(arg, parent *yaml.Node, ruleName, action string, allowed ...string) (map[string]*yaml.Node, error) {
	if arg == nil || arg.Kind != yaml.MappingNode {
		pos := arg
		if pos == nil {
			pos = parent
		}
		return nil, errorAt(pos, ruleName, fmt.Sprintf("%s requires a mapping with %s", action, strings.Join(allowed, ", ")))
	}
	args := make(map[string]*yaml.Node, len(allowed))
	for i := 0; i+1 < len(arg.Content); i += 2 {
		key := arg.Content[i]
		ok := false
		for _, a := range allowed {
			if key.Value == a {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errorAt(key, ruleName, fmt.Sprintf("unknown %s argument %q", action, key.Value))
		}
		args[key.Value] = arg.Content[i+1]
	}
	return args, nil
}

func requiredScalar(n, parent *yaml.Node, ruleName, what string) (string, error) {
	if n == nil || isNull(n) {
		return "", errorAt(parent, ruleName, fmt.Sprintf("%s is required", what))
	}
	s, err := scalar(n, ruleName, what)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", errorAt(n, ruleName, fmt.Sprintf("%s cannot be empty", what))
	}
	return s, nil
}

func scalar(n *yaml.Node, ruleName, what string) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", errorAt(n, ruleName, fmt.Sprintf("%s must be a scalar", what))
	}
	if isNull(n) {
		return "", nil
	}
	return n.Value, nil
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func errorAt(n *yaml.Node, ruleName, msg string) *CompilationError {
	return &CompilationError{Line: n.Line, Column: n.Column, Rule: ruleName, Message: msg}
}

func yamlErrorLine(err error) int {
	m := yamlLine.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	line, _ := strconv.Atoi(m[1])
	return line
}
