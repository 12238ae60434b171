package buf

import "github.com/pkg/errors"

// PolicyKind tags a message's distribution policy (spec §3's DP).
type PolicyKind int

const (
	// RoundRobin requires exactly one backend's confirmation.
	RoundRobin PolicyKind = iota
	// Redundant requires N distinct backends' confirmations.
	Redundant
)

// Policy is attached to a message at acceptance and fixed for its
// lifetime. It is never itself persisted in a buffer record — only its
// Required() count, folded into AcksRemaining, survives into storage.
type Policy struct {
	Kind PolicyKind
	N    int32 // meaningful only when Kind == Redundant
}

// RoundRobinPolicy returns the round-robin distribution policy.
func RoundRobinPolicy() Policy {
	return Policy{Kind: RoundRobin}
}

// RedundantPolicy returns a redundant-n policy. n must be >= 1.
func RedundantPolicy(n int32) (Policy, error) {
	if n < 1 {
		return Policy{}, errors.Errorf("buf: redundant policy requires n >= 1, got %d", n)
	}
	return Policy{Kind: Redundant, N: n}, nil
}

// Required returns n_required(DP): 1 for RoundRobin, N for Redundant(N).
func (p Policy) Required() int32 {
	if p.Kind == Redundant {
		return p.N
	}
	return 1
}
