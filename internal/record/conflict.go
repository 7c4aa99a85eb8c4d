package record

// Ordering is the relationship between two record versions.
type Ordering int

const (
	// OrderEqual means neither version supersedes the other.
	OrderEqual Ordering = iota
	// OrderOlder means the first version loses to the second.
	OrderOlder
	// OrderNewer means the first version supersedes the second.
	OrderNewer
)

// String returns a human-readable form of the ordering.
func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderOlder:
		return "older"
	case OrderNewer:
		return "newer"
	default:
		return "unknown"
	}
}

// ResolvePolicy selects which metadata field dominates when two record
// versions conflict. All nodes in a namespace must use the same policy.
type ResolvePolicy int

const (
	// ResolveLastUpdateTime orders by last-update time, then generation.
	ResolveLastUpdateTime ResolvePolicy = iota
	// ResolveGeneration orders by generation, then last-update time.
	ResolveGeneration
)

// Compare orders version a relative to version b under the default
// last-update-time policy. A tombstone competes like a live record, so
// a durable delete can supersede a stale copy.
func Compare(a, b Metadata) Ordering {
	return CompareWith(a, b, ResolveLastUpdateTime)
}

// CompareWith orders version a relative to version b under the given
// policy. Exact ties (both fields equal) return OrderEqual; callers
// that need a total order break ties on node ID.
func CompareWith(a, b Metadata, policy ResolvePolicy) Ordering {
	first := func(x Metadata) uint64 { return x.LastUpdateTime }
	second := func(x Metadata) uint64 { return uint64(x.Generation) }
	if policy == ResolveGeneration {
		first, second = second, first
	}

	switch {
	case first(a) > first(b):
		return OrderNewer
	case first(a) < first(b):
		return OrderOlder
	case second(a) > second(b):
		return OrderNewer
	case second(a) < second(b):
		return OrderOlder
	default:
		return OrderEqual
	}
}

// ShouldReplace reports whether an incoming remote version should
// overwrite the local one. Equal versions do not replace, which makes
// re-applied replica writes idempotent.
func ShouldReplace(local, incoming Metadata, policy ResolvePolicy) bool {
	if !local.Exists() {
		return true
	}
	return CompareWith(incoming, local, policy) == OrderNewer
}

// GenPolicy is a write's optimistic-concurrency requirement on the
// record's current generation.
type GenPolicy int

const (
	// GenIgnore performs no generation check.
	GenIgnore GenPolicy = iota
	// GenEqual requires the current generation to match exactly.
	GenEqual
	// GenGreater requires the expected generation to exceed the current
	// one.
	GenGreater
)

// CheckGeneration evaluates a write's generation requirement against
// the record's current metadata.
func CheckGeneration(current Metadata, expected uint16, policy GenPolicy) bool {
	switch policy {
	case GenEqual:
		return current.Generation == expected
	case GenGreater:
		return expected > current.Generation
	default:
		return true
	}
}
