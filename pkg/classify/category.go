package classify

// Category is a content-safety label for a domain. Categories are ordered by
// a fixed priority table; a group's aggregate label is the highest-priority
// category among its member tabs.
type Category string

const (
	// CategoryUnclassified means the classifier was unavailable or returned
	// no verdict for the domain.
	CategoryUnclassified Category = "unclassified"

	// CategoryAllowed is unrestricted content.
	CategoryAllowed Category = "allowed"

	// CategoryFlagged1 is the first flagged tier.
	CategoryFlagged1 Category = "category1"

	// CategoryFlagged2 is the second flagged tier.
	CategoryFlagged2 Category = "category2"

	// CategoryOrgBlocked is content blocked by organization policy,
	// equivalent in severity to the second flagged tier.
	CategoryOrgBlocked Category = "org_blocked"

	// CategoryFlagged3 is the third flagged tier.
	CategoryFlagged3 Category = "category3"

	// CategoryBlocked is hard-blocked content.
	CategoryBlocked Category = "blocked"
)

// categoryPriority is the upstream aggregation table, preserved verbatim.
// Note that category3 deliberately ranks BELOW category2/org_blocked despite
// its larger numeral; the ordering is part of the observed contract and must
// not be "corrected" here.
var categoryPriority = map[Category]int{
	CategoryUnclassified: 0,
	CategoryAllowed:      0,
	CategoryFlagged1:     1,
	CategoryFlagged3:     2,
	CategoryFlagged2:     3,
	CategoryOrgBlocked:   3,
	CategoryBlocked:      4,
}

// Priority returns the aggregation rank of c. Unknown values rank lowest.
func (c Category) Priority() int {
	return categoryPriority[c]
}

// IsHardBlocked reports whether c is the hard-blocked category.
func (c Category) IsHardBlocked() bool {
	return c == CategoryBlocked
}

// Worst returns the higher-priority of two categories. Ties keep a.
func Worst(a, b Category) Category {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}
