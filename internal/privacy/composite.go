package privacy

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ReconcilePolicy decides which of two overlapping candidates survives
type ReconcilePolicy string

const (
	// PolicyFirstSeen keeps whichever candidate was produced first
	PolicyFirstSeen ReconcilePolicy = "first_seen"
	// PolicyLongestSpan prefers the longer span, then the earlier one
	PolicyLongestSpan ReconcilePolicy = "longest_span"
	// PolicyHighestConfidence prefers the higher confidence, then the earlier one
	PolicyHighestConfidence ReconcilePolicy = "highest_confidence"
)

// ParsePolicy parses a policy name; empty means PolicyFirstSeen
func ParsePolicy(s string) (ReconcilePolicy, error) {
	switch p := ReconcilePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyFirstSeen, nil
	case PolicyFirstSeen, PolicyLongestSpan, PolicyHighestConfidence:
		return p, nil
	default:
		return "", fmt.Errorf("unknown reconcile policy: %q", s)
	}
}

// Reconcile merges candidates into a non-overlapping set. Candidates are
// ranked by policy (ties broken by input position), then accepted greedily
// unless they share a character with an already accepted one. The result
// keeps input order, not offset order.
func Reconcile(candidates []Entity, policy ReconcilePolicy) []Entity {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}

	switch policy {
	case PolicyLongestSpan:
		sort.SliceStable(order, func(a, b int) bool {
			return candidates[order[a]].Len() > candidates[order[b]].Len()
		})
	case PolicyHighestConfidence:
		sort.SliceStable(order, func(a, b int) bool {
			return candidates[order[a]].Confidence > candidates[order[b]].Confidence
		})
	}

	accepted := make([]bool, len(candidates))
	kept := make([]Entity, 0, len(candidates))
	for _, i := range order {
		if overlapsAny(candidates[i], kept) {
			continue
		}
		accepted[i] = true
		kept = append(kept, candidates[i])
	}

	result := make([]Entity, 0, len(kept))
	for i, ok := range accepted {
		if ok {
			result = append(result, candidates[i])
		}
	}
	return result
}

func overlapsAny(e Entity, set []Entity) bool {
	for _, other := range set {
		if e.Overlaps(other) {
			return true
		}
	}
	return false
}

// CompositeDetector runs several detectors in order and reconciles their
// concatenated output
type CompositeDetector struct {
	detectors []Detector
	policy    ReconcilePolicy
}

// NewCompositeDetector composes detectors. Their order is the order
// candidates are presented to the reconciler.
func NewCompositeDetector(policy ReconcilePolicy, detectors ...Detector) *CompositeDetector {
	if policy == "" {
		policy = PolicyFirstSeen
	}
	return &CompositeDetector{detectors: detectors, policy: policy}
}

// Name implements Detector
func (c *CompositeDetector) Name() string {
	names := make([]string, 0, len(c.detectors))
	for _, d := range c.detectors {
		names = append(names, d.Name())
	}
	return strings.Join(names, "+")
}

// Recognize implements Detector. An error from any member aborts the call.
func (c *CompositeDetector) Recognize(ctx context.Context, text string, filter TypeFilter) ([]Entity, error) {
	var candidates []Entity
	for _, d := range c.detectors {
		entities, err := d.Recognize(ctx, text, filter)
		if err != nil {
			return nil, fmt.Errorf("%s detector: %w", d.Name(), err)
		}
		candidates = append(candidates, entities...)
	}
	return Reconcile(candidates, c.policy), nil
}
