// Package strategy selects which DTN routing strategy applies to a bundle
// given current network conditions, and provides the concrete forwarding
// decision each strategy implies.
package strategy

import (
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/topology"
)

// Kind names a DTN routing strategy.
type Kind uint8

const (
	StoreAndForward Kind = iota
	Epidemic
	SprayAndWait
	Prophet
)

func (k Kind) String() string {
	switch k {
	case StoreAndForward:
		return "store-and-forward"
	case Epidemic:
		return "epidemic"
	case SprayAndWait:
		return "spray-and-wait"
	case Prophet:
		return "prophet"
	default:
		return "unknown"
	}
}

// Strategy is a routing strategy choice, carrying the copy count
// spray-and-wait should start with.
type Strategy struct {
	Kind   Kind
	Copies uint8
}

// DefaultStrategy is spray-and-wait with four copies, the balanced choice
// absent any rule match.
func DefaultStrategy() Strategy {
	return Strategy{Kind: SprayAndWait, Copies: 4}
}

// InitialCopies is the starting spray-and-wait copy count this strategy
// implies: the configured count for SprayAndWait, eight for Epidemic
// (matching its flood-like default), one otherwise.
func (s Strategy) InitialCopies() uint8 {
	switch s.Kind {
	case SprayAndWait:
		return s.Copies
	case Epidemic:
		return 8
	default:
		return 1
	}
}

// IsEpidemic reports whether this strategy floods rather than forwarding to
// a single chosen relay.
func (s Strategy) IsEpidemic() bool {
	return s.Kind == Epidemic || s.Kind == SprayAndWait
}

// Condition is a predicate a Rule evaluates against a bundle and the
// current topology to decide whether its strategy applies.
type Condition interface {
	Matches(b dtnbundle.Bundle, o topology.Oracle) bool
}

// LowConnectivity matches when the ratio of online peers to known peers
// falls below Threshold. An empty peer set is treated as maximally
// disconnected and always matches.
type LowConnectivity struct {
	Threshold float32
}

func (c LowConnectivity) Matches(_ dtnbundle.Bundle, o topology.Oracle) bool {
	peers := o.Peers()
	if len(peers) == 0 {
		return true
	}

	online := 0
	for _, p := range peers {
		if o.IsOnline(p) {
			online++
		}
	}

	ratio := float32(online) / float32(len(peers))
	return ratio < c.Threshold
}

// PriorityAtLeast matches when a bundle's effective priority is at least
// Min.
type PriorityAtLeast struct {
	Min dtnpacket.Priority
}

func (c PriorityAtLeast) Matches(b dtnbundle.Bundle, _ topology.Oracle) bool {
	return b.EffectivePriority() >= c.Min
}

// AgeAbove matches when a bundle's age exceeds Threshold.
type AgeAbove struct {
	Threshold time.Duration
}

func (c AgeAbove) Matches(b dtnbundle.Bundle, _ topology.Oracle) bool {
	return b.Age() > c.Threshold
}

// DestinationUnreachable matches when a bundle's destination is currently
// offline. The original design's notion of "unreachable for at least a
// duration" degrades to "currently offline", since tracking how long a peer
// has been offline belongs to the topology oracle's own state, not this
// selector.
type DestinationUnreachable struct {
	Duration time.Duration
}

func (c DestinationUnreachable) Matches(b dtnbundle.Bundle, o topology.Oracle) bool {
	return !o.IsOnline(b.Destination())
}

// Always matches unconditionally, for catch-all rules.
type Always struct{}

func (Always) Matches(dtnbundle.Bundle, topology.Oracle) bool { return true }

// Rule pairs a Condition with the Strategy to use when it matches.
type Rule struct {
	Condition Condition
	Strategy  Strategy
}

// Selector chooses a routing strategy for a bundle by evaluating its rules
// in order; the first match wins. If no rule matches, Default applies.
type Selector struct {
	Default Strategy
	Rules   []Rule
}

// NewSelector creates an empty selector with the given default strategy.
func NewSelector(def Strategy) *Selector {
	return &Selector{Default: def}
}

// WithDefaults returns a selector carrying the three standard rules: any
// Critical-priority bundle floods epidemically; so does any bundle while
// connectivity is below 30%; bundles older than ten minutes fall back to a
// two-copy spray-and-wait to cap overhead once the window for fast delivery
// has likely passed.
func WithDefaults() *Selector {
	s := NewSelector(Strategy{Kind: SprayAndWait, Copies: 4})

	s.AddRule(Rule{
		Condition: PriorityAtLeast{Min: dtnpacket.PriorityCritical},
		Strategy:  Strategy{Kind: Epidemic},
	})
	s.AddRule(Rule{
		Condition: LowConnectivity{Threshold: 0.3},
		Strategy:  Strategy{Kind: Epidemic},
	})
	s.AddRule(Rule{
		Condition: AgeAbove{Threshold: 600 * time.Second},
		Strategy:  Strategy{Kind: SprayAndWait, Copies: 2},
	})

	return s
}

// AddRule appends a rule; rules are evaluated in the order added.
func (s *Selector) AddRule(r Rule) {
	s.Rules = append(s.Rules, r)
}

// Select returns the strategy for a bundle given the current topology.
func (s *Selector) Select(b dtnbundle.Bundle, o topology.Oracle) Strategy {
	for _, r := range s.Rules {
		if r.Condition.Matches(b, o) {
			return r.Strategy
		}
	}
	return s.Default
}

// ClearRules removes every rule, leaving only the default strategy.
func (s *Selector) ClearRules() {
	s.Rules = nil
}

// BestRelay ranks candidate relays for forwarding toward dest by ascending
// hop distance over the topology graph (via RankByHopDistance), breaking
// ties by ascending identity byte order for determinism.
func BestRelay(o topology.Oracle, dest identity.PeerIdentity, candidates []identity.PeerIdentity) (identity.PeerIdentity, bool) {
	if len(candidates) == 0 {
		return identity.PeerIdentity{}, false
	}

	distances := RankByHopDistance(o, dest, candidates)

	best := candidates[0]
	bestDist, bestKnown := distances[best]
	for _, c := range candidates[1:] {
		dist, known := distances[c]
		switch {
		case known && !bestKnown:
			best, bestDist, bestKnown = c, dist, true
		case known && bestKnown && dist < bestDist:
			best, bestDist = c, dist
		case known && bestKnown && dist == bestDist && c.Less(best):
			best = c
		}
	}

	return best, true
}
