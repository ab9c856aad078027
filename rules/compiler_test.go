package rules

import (
	"errors"
	"strings"
	"testing"
)

const orderRulebook = `
name: orders
version: "2.1"
description: order clean-up
rules:
  - name: normalizeCurrency
    when: has(row.currency)
    then:
      - set: {field: currency, value: upperAscii(currency)}
  - name: dropScratch
    then:
      - remove: scratch
      - rename: {from: amt, to: amount}
  - name: countLarge
    description: track large orders
    when: amount > 1000
    then:
      - increment: {key: large}
      - store: {key: lastLarge, value: id}
  - name: rejectNegative
    when: amount < 0
    then: [skip]
`

func mustCompile(t *testing.T, source string) *Rulebook {
	t.Helper()
	rb, err := Compile(source)
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}
	return rb
}

func TestCompileFlowForm(t *testing.T) {
	rb := mustCompile(t, `{name: r1, version: "1.0", rules: [{name: flagHighValue, when: "amount > 1000", then: [skip]}]}`)

	if rb.Name != "r1" || rb.Version != "1.0" {
		t.Errorf("rulebook = %s/%s, want r1/1.0", rb.Name, rb.Version)
	}
	if len(rb.Rules) != 1 {
		t.Fatalf("len(Rules) = %d, want 1", len(rb.Rules))
	}
	rule := rb.Rules[0]
	if rule.Name != "flagHighValue" {
		t.Errorf("rule name = %s, want flagHighValue", rule.Name)
	}
	if rule.When != "amount > 1000" {
		t.Errorf("rule condition = %q, want %q", rule.When, "amount > 1000")
	}
	if !rule.CanSkip() {
		t.Error("flagHighValue should be able to skip")
	}
}

func TestCompileKeepsDeclarationOrderAndActions(t *testing.T) {
	rb := mustCompile(t, orderRulebook)

	var names []string
	for _, r := range rb.Rules {
		names = append(names, r.Name)
	}
	if got := strings.Join(names, ","); got != "normalizeCurrency,dropScratch,countLarge,rejectNegative" {
		t.Errorf("rule order = %s", got)
	}

	drop, ok := rb.Rule("dropScratch")
	if !ok {
		t.Fatal("Rule(dropScratch) not found")
	}
	if drop.When != "true" {
		t.Errorf("missing condition should default to true, got %q", drop.When)
	}
	if len(drop.Actions) != 2 || drop.Actions[0].Kind != ActionRemove || drop.Actions[1].Kind != ActionRename {
		t.Fatalf("dropScratch actions = %v", drop.Actions)
	}
	if drop.Actions[1].Field != "amt" || drop.Actions[1].Target != "amount" {
		t.Errorf("rename = %s", drop.Actions[1])
	}

	count, _ := rb.Rule("countLarge")
	if count.Description != "track large orders" {
		t.Errorf("description = %q", count.Description)
	}
	if count.Actions[0].Expr != "1" {
		t.Errorf("increment without by should default to 1, got %q", count.Actions[0].Expr)
	}
	if count.CanSkip() {
		t.Error("countLarge has no skip action")
	}
	if rb.Rules[1].Line <= rb.Rules[0].Line {
		t.Errorf("rule lines should increase: %d then %d", rb.Rules[0].Line, rb.Rules[1].Line)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	a := mustCompile(t, orderRulebook)
	b := mustCompile(t, orderRulebook)

	if len(a.Rules) != len(b.Rules) {
		t.Fatalf("rule counts differ: %d vs %d", len(a.Rules), len(b.Rules))
	}
	for i := range a.Rules {
		if a.Rules[i].Name != b.Rules[i].Name || a.Rules[i].When != b.Rules[i].When {
			t.Errorf("rule %d differs: %s vs %s", i, a.Rules[i].Name, b.Rules[i].Name)
		}
		for j := range a.Rules[i].Actions {
			if a.Rules[i].Actions[j].String() != b.Rules[i].Actions[j].String() {
				t.Errorf("rule %d action %d differs", i, j)
			}
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		contains string
		line     int
	}{
		{
			name:     "empty source",
			source:   "   \n",
			contains: "empty",
		},
		{
			name:     "not a mapping",
			source:   "- a\n- b\n",
			contains: "must be a mapping",
			line:     1,
		},
		{
			name:     "missing name",
			source:   "version: \"1\"\nrules:\n  - name: a\n    then: [skip]\n",
			contains: "name is required",
			line:     1,
		},
		{
			name:     "no rules",
			source:   "name: r1\nrules: []\n",
			contains: "at least one rule",
			line:     2,
		},
		{
			name:     "rules missing",
			source:   "name: r1\n",
			contains: "at least one rule",
			line:     1,
		},
		{
			name:     "unknown rulebook key",
			source:   "name: r1\nowner: me\nrules:\n  - name: a\n    then: [skip]\n",
			contains: `unknown rulebook key "owner"`,
			line:     2,
		},
		{
			name:     "unknown rule key",
			source:   "name: r1\nrules:\n  - name: a\n    priority: 1\n    then: [skip]\n",
			contains: `unknown rule key "priority"`,
			line:     4,
		},
		{
			name:     "rule without name",
			source:   "name: r1\nrules:\n  - when: \"true\"\n    then: [skip]\n",
			contains: "rule name is required",
			line:     3,
		},
		{
			name:     "invalid rule name",
			source:   "name: r1\nrules:\n  - name: \"has space\"\n    then: [skip]\n",
			contains: "invalid rule name",
			line:     3,
		},
		{
			name:     "duplicate rule names",
			source:   "name: r1\nrules:\n  - name: a\n    then: [skip]\n  - name: a\n    then: [skip]\n",
			contains: `duplicate rule name "a"`,
			line:     5,
		},
		{
			name:     "unknown action",
			source:   "name: r1\nrules:\n  - name: a\n    then:\n      - explode\n",
			contains: `unknown action "explode"`,
			line:     5,
		},
		{
			name:     "empty then",
			source:   "name: r1\nrules:\n  - name: a\n    then: []\n",
			contains: "non-empty then",
			line:     4,
		},
		{
			name:     "missing then",
			source:   "name: r1\nrules:\n  - name: a\n    when: \"true\"\n",
			contains: "non-empty then",
			line:     3,
		},
		{
			name:     "set without value",
			source:   "name: r1\nrules:\n  - name: a\n    then:\n      - set: {field: x}\n",
			contains: `requires "value"`,
			line:     5,
		},
		{
			name:     "unknown action argument",
			source:   "name: r1\nrules:\n  - name: a\n    then:\n      - rename: {from: a, into: b}\n",
			contains: `unknown rename argument "into"`,
			line:     5,
		},
		{
			name:     "condition syntax error",
			source:   "name: r1\nrules:\n  - name: a\n    when: \"amount >\"\n    then: [skip]\n",
			contains: "invalid condition",
			line:     4,
		},
		{
			name:     "undeclared function",
			source:   "name: r1\nrules:\n  - name: a\n    when: frobnicate(amount)\n    then: [skip]\n",
			contains: "invalid condition",
			line:     4,
		},
		{
			name:     "non boolean condition",
			source:   "name: r1\nrules:\n  - name: a\n    when: '\"yes\"'\n    then: [skip]\n",
			contains: "must evaluate to bool",
			line:     4,
		},
		{
			name:     "invalid value expression",
			source:   "name: r1\nrules:\n  - name: a\n    then:\n      - set: {field: x, value: \"1 +\"}\n",
			contains: "invalid set expression",
			line:     5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb, err := Compile(tt.source)
			if err == nil {
				t.Fatalf("Compile() should fail, got rulebook %q", rb.Name)
			}
			var cerr *CompilationError
			if !errors.As(err, &cerr) {
				t.Fatalf("error should be *CompilationError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.contains)
			}
			if tt.line != 0 && cerr.Line != tt.line {
				t.Errorf("error line = %d, want %d (%v)", cerr.Line, tt.line, err)
			}
		})
	}
}

func TestCompileYAMLSyntaxErrorReportsLine(t *testing.T) {
	_, err := Compile("name: r1\nrules:\n\t- name: a\n")
	var cerr *CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error should be *CompilationError, got %T: %v", err, err)
	}
	if cerr.Line == 0 {
		t.Errorf("syntax error should carry a line, got %v", err)
	}
	if cerr.Unwrap() == nil {
		t.Error("syntax error should wrap the parser error")
	}
}

func TestCompileWithRestrictedRegistry(t *testing.T) {
	compiler, err := NewCompiler(NewRegistry([]ActionKind{ActionSet, ActionRemove}))
	if err != nil {
		t.Fatalf("NewCompiler() failed: %v", err)
	}

	_, err = compiler.Compile("name: r1\nrules:\n  - name: a\n    then: [skip]\n")
	if err == nil || !strings.Contains(err.Error(), `unknown action "skip"`) {
		t.Errorf("skip should be rejected by a registry without it, got %v", err)
	}

	// String extensions are not part of a bare registry.
	_, err = compiler.Compile("name: r1\nrules:\n  - name: a\n    then:\n      - set: {field: x, value: upperAscii(x)}\n")
	if err == nil {
		t.Error("upperAscii should be undeclared without ext.Strings()")
	}

	if _, err := compiler.Compile("name: r1\nrules:\n  - name: a\n    when: x > 1\n    then:\n      - remove: x\n"); err != nil {
		t.Errorf("allowed actions should compile: %v", err)
	}
}

func TestFreeVariablesSkipsReservedNames(t *testing.T) {
	compiler, err := NewCompiler(nil)
	if err != nil {
		t.Fatalf("NewCompiler() failed: %v", err)
	}
	parsed, iss := compiler.env.Parse(`row.a > 1 && b == env && store["c"] == d && [1].exists(x, x == e) && type(f) == int`)
	if iss != nil && iss.Err() != nil {
		t.Fatalf("Parse() failed: %v", iss.Err())
	}

	got := strings.Join(freeVariables(parsed), ",")
	if got != "b,d,e,f" {
		t.Errorf("freeVariables() = %s, want b,d,e,f", got)
	}
}

func TestFreeVariablesScopesComprehensionVariables(t *testing.T) {
	compiler, err := NewCompiler(nil)
	if err != nil {
		t.Fatalf("NewCompiler() failed: %v", err)
	}
	parsed, iss := compiler.env.Parse(`items.exists(x, x > 1) || x == 2`)
	if iss != nil && iss.Err() != nil {
		t.Fatalf("Parse() failed: %v", iss.Err())
	}

	got := strings.Join(freeVariables(parsed), ",")
	if got != "items,x" {
		t.Errorf("freeVariables() = %s, want items,x", got)
	}
}
