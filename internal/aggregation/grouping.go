package aggregation

import (
	"fmt"
	"strings"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
)

// DefaultSimilarityThreshold is the minimum score for two names to share a group.
const DefaultSimilarityThreshold = 0.75

// GroupingStrategy selects which members a candidate is compared against.
type GroupingStrategy string

const (
	// StrategyFounder compares candidates against the founding member only. Chains are possible:
	// two members may each resemble the founder without resembling each other.
	StrategyFounder GroupingStrategy = "founder"
	// StrategyClique admits a candidate only if it reaches the threshold against every member.
	StrategyClique GroupingStrategy = "clique"
)

// ParseGroupingStrategy validates a configured strategy name. Empty selects the founder strategy.
func ParseGroupingStrategy(value string) (GroupingStrategy, error) {
	switch GroupingStrategy(strings.ToLower(strings.TrimSpace(value))) {
	case "", StrategyFounder:
		return StrategyFounder, nil
	case StrategyClique:
		return StrategyClique, nil
	default:
		return "", fmt.Errorf("aggregation: unknown grouping strategy %q", value)
	}
}

// GroupOptions tunes GroupSubmissions.
type GroupOptions struct {
	Threshold float64
	Strategy  GroupingStrategy
}

// KeyFunc extracts a comparison key from a submission.
type KeyFunc func(domain.PendingSubmission) string

// Group is an equivalence class of pending submissions believed to describe the same entity.
type Group struct {
	Members []domain.PendingSubmission
}

// MemberIDs lists member IDs in group order.
func (g Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, member := range g.Members {
		ids = append(ids, member.ID)
	}
	return ids
}

// DisplayNameKey is the default name key.
func DisplayNameKey(sub domain.PendingSubmission) string {
	return sub.DisplayName
}

// GroupSubmissions partitions submissions into groups in a single ordered scan.
// Every submission lands in exactly one group and scope keys never mix within a group.
func GroupSubmissions(subs []domain.PendingSubmission, scopeKey, nameKey KeyFunc, opts GroupOptions) []Group {
	if len(subs) == 0 {
		return nil
	}
	if scopeKey == nil {
		scopeKey = func(domain.PendingSubmission) string { return "" }
	}
	if nameKey == nil {
		nameKey = DisplayNameKey
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	scopes := make([]string, len(subs))
	names := make([]string, len(subs))
	for i, sub := range subs {
		scopes[i] = scopeKey(sub)
		names[i] = nameKey(sub)
	}

	consumed := make([]bool, len(subs))
	groups := make([]Group, 0)
	for i := range subs {
		if consumed[i] {
			continue
		}
		consumed[i] = true
		indexes := []int{i}

		for j := i + 1; j < len(subs); j++ {
			if consumed[j] || scopes[j] != scopes[i] {
				continue
			}
			if !admits(names, indexes, j, threshold, opts.Strategy) {
				continue
			}
			consumed[j] = true
			indexes = append(indexes, j)
		}

		members := make([]domain.PendingSubmission, 0, len(indexes))
		for _, idx := range indexes {
			members = append(members, subs[idx])
		}
		groups = append(groups, Group{Members: members})
	}
	return groups
}

func admits(names []string, members []int, candidate int, threshold float64, strategy GroupingStrategy) bool {
	if strategy != StrategyClique {
		return Similarity(names[members[0]], names[candidate]) >= threshold
	}
	for _, idx := range members {
		if Similarity(names[idx], names[candidate]) < threshold {
			return false
		}
	}
	return true
}
