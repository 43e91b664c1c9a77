package transfer

import (
	"context"
	"sort"
	"strings"

	"github.com/wolfman30/wa-lead-router/internal/sellers"
)

// Criteria narrows seller matching.
type Criteria struct {
	Specialties []string
}

// Matcher picks the seller for an automatic transfer.
type Matcher interface {
	Match(ctx context.Context, c Criteria) (*sellers.Seller, error)
}

// LeastWorkloadMatcher prefers specialty overlap, then the lightest
// workload, then the best conversion rate. Ties fall back to name order.
type LeastWorkloadMatcher struct {
	repo sellers.Repository
}

func NewLeastWorkloadMatcher(repo sellers.Repository) *LeastWorkloadMatcher {
	return &LeastWorkloadMatcher{repo: repo}
}

func (m *LeastWorkloadMatcher) Match(ctx context.Context, c Criteria) (*sellers.Seller, error) {
	available, err := m.repo.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, ErrNoSellerAvailable
	}
	overlap := make(map[*sellers.Seller]int, len(available))
	for _, s := range available {
		for _, tag := range c.Specialties {
			if s.HasSpecialty(tag) {
				overlap[s]++
			}
		}
	}
	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if overlap[a] != overlap[b] {
			return overlap[a] > overlap[b]
		}
		if a.CurrentWorkload != b.CurrentWorkload {
			return a.CurrentWorkload < b.CurrentWorkload
		}
		if a.ConversionRate != b.ConversionRate {
			return a.ConversionRate > b.ConversionRate
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return available[0], nil
}
