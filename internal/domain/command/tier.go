// Package command classifies shell commands into risk tiers used to gate
// execution. Classification is pure string analysis: nothing is executed.
package command

// Tier is a command risk classification. Tiers are totally ordered so
// compound commands compose by worst-tier-wins.
type Tier int

const (
	// TierFree is read-only inspection: always allowed.
	TierFree Tier = iota

	// TierReview is mutating but recoverable: package installs, commits,
	// interpreter invocations.
	TierReview

	// TierApprove is destructive or network-reaching: requires an unlocked
	// signing key, and per-call approval when the caller demands it.
	TierApprove

	// TierBlock is privilege escalation: never proceeds under any
	// condition.
	TierBlock
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierFree:
		return "FREE"
	case TierReview:
		return "REVIEW"
	case TierApprove:
		return "APPROVE"
	case TierBlock:
		return "BLOCK"
	default:
		return "unknown"
	}
}

// Allowed reports whether execution at this tier may proceed. Without an
// unlocked signing key only FREE runs. A sandboxed execution backend
// bounds the blast radius itself, so it relaxes the unlock requirement for
// everything except BLOCK. BLOCK never proceeds.
func Allowed(t Tier, unlocked, sandboxed bool) bool {
	if t == TierBlock {
		return false
	}
	if sandboxed {
		return true
	}
	if !unlocked {
		return t == TierFree
	}
	return true
}
