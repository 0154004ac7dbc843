// Package tool contains the immutable tool-classification policy: the
// load-once mapping from tool name to auto-execute or requires-approval.
package tool

// Class is the classification of a tool call.
type Class string

const (
	// ClassAuto marks tools that execute without an approval envelope.
	ClassAuto Class = "auto"

	// ClassDeferred marks tools whose calls require a signed human
	// decision. Unknown tools default here: fail-safe, not fail-open.
	ClassDeferred Class = "deferred"
)

// IsValid returns true if the class is a known value.
func (c Class) IsValid() bool {
	return c == ClassAuto || c == ClassDeferred
}

// Rule is one policy entry for a tool name.
type Rule struct {
	// Tool is the exact tool name the rule applies to.
	Tool string `yaml:"tool"`

	// Class is the classification granted when the rule matches.
	Class Class `yaml:"class"`

	// ReadOnly marks tools that bypass envelope creation entirely and
	// execute immediately. Only valid together with ClassAuto. This is the
	// single explicit exemption from the approval protocol; nothing is
	// implicitly exempt.
	ReadOnly bool `yaml:"read_only,omitempty"`

	// Condition is an optional CEL expression over the call's name and
	// arguments. When present, ClassAuto applies only if the condition
	// evaluates to true; any evaluation failure falls back to deferred.
	Condition string `yaml:"condition,omitempty"`
}

// PolicyFile is the YAML document the policy is loaded from.
type PolicyFile struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// CompiledCondition is a compiled, reusable policy condition.
type CompiledCondition interface {
	// Eval evaluates the condition against a call's name and arguments.
	Eval(toolName string, arguments map[string]any) (bool, error)
}

// ConditionCompiler compiles CEL condition expressions at policy load
// time. Implementations live outside the domain (adapter/outbound/cel).
type ConditionCompiler interface {
	Compile(expression string) (CompiledCondition, error)
}
