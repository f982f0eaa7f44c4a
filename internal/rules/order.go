package rules

import (
	"cmp"
	"slices"
)

// Compare orders rules for execution: priority ascending, then creation time
// ascending, then id so the order is total. Every place that sequences rules
// uses it.
func Compare(a, b *Rule) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Sort orders rules in place with Compare.
func Sort(rules []*Rule) {
	slices.SortStableFunc(rules, Compare)
}
