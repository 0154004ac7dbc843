package tool

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the immutable tool-classification policy. It is loaded once at
// startup and deliberately has no mutation API: an agent or a compromised
// tool must not be able to reclassify itself as safe mid-session.
type Policy struct {
	rules   map[string]compiledRule
	logger  *slog.Logger
	version int
}

// compiledRule pairs a policy rule with its compiled condition, if any.
type compiledRule struct {
	rule Rule
	cond CompiledCondition
}

// LoadPolicy reads and compiles the policy from a YAML file.
func LoadPolicy(path string, compiler ConditionCompiler, logger *slog.Logger) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data, compiler, logger)
}

// ParsePolicy parses and compiles a policy document. Invalid rules fail the
// load outright: a misconfigured policy must not start the gate.
func ParsePolicy(data []byte, compiler ConditionCompiler, logger *slog.Logger) (*Policy, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if file.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version %d", file.Version)
	}

	rules := make(map[string]compiledRule, len(file.Rules))
	for _, r := range file.Rules {
		if r.Tool == "" {
			return nil, fmt.Errorf("policy rule with empty tool name")
		}
		if !r.Class.IsValid() {
			return nil, fmt.Errorf("policy rule %q: unknown class %q", r.Tool, r.Class)
		}
		if _, dup := rules[r.Tool]; dup {
			return nil, fmt.Errorf("policy rule %q: duplicate tool name", r.Tool)
		}
		if r.ReadOnly && r.Class != ClassAuto {
			return nil, fmt.Errorf("policy rule %q: read_only requires class auto", r.Tool)
		}
		if r.Condition != "" && r.Class != ClassAuto {
			return nil, fmt.Errorf("policy rule %q: condition only applies to class auto", r.Tool)
		}
		if r.Condition != "" && r.ReadOnly {
			return nil, fmt.Errorf("policy rule %q: read_only rules cannot be conditional", r.Tool)
		}

		cr := compiledRule{rule: r}
		if r.Condition != "" {
			if compiler == nil {
				return nil, fmt.Errorf("policy rule %q: conditions are not supported without a condition compiler", r.Tool)
			}
			cond, err := compiler.Compile(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("policy rule %q: %w", r.Tool, err)
			}
			cr.cond = cond
		}
		rules[r.Tool] = cr
	}

	logger.Info("classification policy loaded", "rules", len(rules))
	return &Policy{rules: rules, logger: logger, version: file.Version}, nil
}

// EmptyPolicy returns a policy with no rules: every tool is deferred.
func EmptyPolicy(logger *slog.Logger) *Policy {
	return &Policy{rules: map[string]compiledRule{}, logger: logger, version: 1}
}

// Classify returns the classification for a tool name alone. A rule whose
// auto grant is conditional cannot be honored without arguments, so it
// reports deferred here; use ClassifyCall when arguments are available.
func (p *Policy) Classify(toolName string) Class {
	cr, ok := p.rules[toolName]
	if !ok {
		return ClassDeferred
	}
	if cr.cond != nil {
		return ClassDeferred
	}
	return cr.rule.Class
}

// ClassifyCall returns the classification for a concrete call. Conditional
// auto rules are evaluated against the arguments; an evaluation error or a
// false result falls back to deferred.
func (p *Policy) ClassifyCall(toolName string, arguments map[string]any) Class {
	cr, ok := p.rules[toolName]
	if !ok {
		return ClassDeferred
	}
	if cr.cond == nil {
		return cr.rule.Class
	}

	granted, err := cr.cond.Eval(toolName, arguments)
	if err != nil {
		p.logger.Warn("policy condition evaluation failed, deferring",
			"tool", toolName, "error", err)
		return ClassDeferred
	}
	if !granted {
		return ClassDeferred
	}
	return ClassAuto
}

// IsReadOnly reports whether the tool bypasses envelope creation entirely.
// Only unconditional auto rules explicitly marked read_only qualify.
func (p *Policy) IsReadOnly(toolName string) bool {
	cr, ok := p.rules[toolName]
	return ok && cr.rule.ReadOnly
}

// Len returns the number of rules, for status reporting.
func (p *Policy) Len() int {
	return len(p.rules)
}
