package approval

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical encoding version tags. Bumping a tag changes every hash, so old
// and new formats can never silently collide.
const (
	planFormatTag     = "countersign.plan.v1"
	decisionFormatTag = "countersign.decision.v1"
)

// PlanBytes returns the canonical byte encoding of (scope, toolCalls).
// Identical logical input always yields identical bytes: object keys are
// emitted in lexicographic order at every nesting level, arrays keep their
// order, and there is no insignificant whitespace.
func PlanBytes(scope ExecutionScope, toolCalls []ToolCall) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(planFormatTag)
	buf.WriteByte('\n')

	buf.WriteString(`{"scope":{"agent_identity":`)
	writeJSONString(&buf, scope.AgentIdentity)
	buf.WriteString(`,"context_id":`)
	writeJSONString(&buf, scope.ContextID)
	buf.WriteString(`,"workspace_identity":`)
	writeJSONString(&buf, scope.WorkspaceIdentity)
	buf.WriteString(`},"tool_calls":[`)

	for i, call := range toolCalls {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"arguments":`)
		if err := writeCanonicalValue(&buf, mapToAny(call.Arguments)); err != nil {
			return nil, fmt.Errorf("canonicalize call %s: %w", call.CallID, err)
		}
		buf.WriteString(`,"call_id":`)
		writeJSONString(&buf, call.CallID)
		buf.WriteString(`,"tool_name":`)
		writeJSONString(&buf, call.ToolName)
		buf.WriteByte('}')
	}

	buf.WriteString(`]}`)
	return buf.Bytes(), nil
}

// PlanHash returns the hex SHA-256 digest of the canonical plan bytes.
func PlanHash(scope ExecutionScope, toolCalls []ToolCall) (string, error) {
	b, err := PlanBytes(scope, toolCalls)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashPrefix truncates a plan hash for compact human display.
func HashPrefix(planHash string) string {
	if len(planHash) <= HashPrefixLen {
		return planHash
	}
	return planHash[:HashPrefixLen]
}

// DecisionSigningBytes returns the canonical bytes a human's key signs:
// (nonce, plan_hash, decisions). Decisions are sorted by call id so the
// transport ordering cannot change what was signed. The signature field
// itself is never part of the signed bytes.
func DecisionSigningBytes(nonce, planHash string, decisions []Decision) []byte {
	sorted := make([]Decision, len(decisions))
	copy(sorted, decisions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CallID < sorted[j].CallID })

	var buf bytes.Buffer
	buf.WriteString(decisionFormatTag)
	buf.WriteByte('\n')

	buf.WriteString(`{"decisions":[`)
	for i, d := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"call_id":`)
		writeJSONString(&buf, d.CallID)
		buf.WriteString(`,"verdict":`)
		writeJSONString(&buf, string(d.Verdict))
		buf.WriteByte('}')
	}
	buf.WriteString(`],"nonce":`)
	writeJSONString(&buf, nonce)
	buf.WriteString(`,"plan_hash":`)
	writeJSONString(&buf, planHash)
	buf.WriteByte('}')

	return buf.Bytes()
}

// writeCanonicalValue encodes an arbitrary argument value deterministically.
// Maps are emitted with sorted keys, slices in order, scalars via
// encoding/json (stable for identical values).
func writeCanonicalValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonicalValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode value of type %T: %w", v, err)
		}
		buf.Write(b)
		return nil
	}
}

// writeJSONString writes s as a JSON string literal. json.Marshal on a
// string cannot fail.
func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// mapToAny keeps a nil map encoding as an empty object rather than null,
// so absent and empty arguments hash identically.
func mapToAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
