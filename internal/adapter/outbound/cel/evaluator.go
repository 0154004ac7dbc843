// Package cel provides a CEL-based compiler for classification policy
// conditions. Conditions see the tool name and the call's arguments and
// must evaluate to a boolean.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/countersign-dev/countersign/internal/domain/tool"
)

// maxExpressionLength is the maximum allowed length for condition
// expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, preventing cost-exhaustion
// through pathological expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single condition evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Compiler compiles policy condition expressions against a fixed
// environment: `tool` (string) and `arguments` (map).
type Compiler struct {
	env *cel.Env
}

var _ tool.ConditionCompiler = (*Compiler)(nil)

// NewCompiler creates a condition compiler.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile validates and compiles a condition expression.
func (c *Compiler) Compile(expression string) (tool.CompiledCondition, error) {
	if expression == "" {
		return nil, errors.New("condition is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("condition too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	return &condition{prg: prg}, nil
}

// condition is a compiled condition.
type condition struct {
	prg cel.Program
}

// Eval evaluates the condition with a timeout. Non-boolean results are
// errors; the policy treats any error as deferred.
func (c *condition) Eval(toolName string, arguments map[string]any) (bool, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := c.prg.ContextEval(ctx, map[string]any{
		"tool":      toolName,
		"arguments": arguments,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("condition nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
