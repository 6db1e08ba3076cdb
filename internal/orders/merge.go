package orders

import (
	"fmt"
	"strings"
)

// MergePolicy decides whether an incoming snapshot may replace the copy
// already held for the same order.
type MergePolicy uint8

const (
	// LastArrivalWins always takes the incoming record. A slow response that
	// lands after a newer push overwrites the newer state.
	LastArrivalWins MergePolicy = iota
	// HighestRevisionWins keeps the held copy when the incoming record carries
	// an older revision. Records without a revision fall back to arrival order.
	HighestRevisionWins
)

func (p MergePolicy) String() string {
	switch p {
	case HighestRevisionWins:
		return "highest-revision"
	default:
		return "last-arrival"
	}
}

// ParseMergePolicy accepts the String spellings; empty selects the default.
func ParseMergePolicy(raw string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "last-arrival", "last_arrival", "lww":
		return LastArrivalWins, nil
	case "highest-revision", "highest_revision", "version":
		return HighestRevisionWins, nil
	}
	return 0, fmt.Errorf("%w: merge policy %q", ErrInvalidInput, raw)
}

func (p MergePolicy) accepts(held, incoming Order) bool {
	if p != HighestRevisionWins {
		return true
	}
	heldRev, incomingRev := held.Revision(), incoming.Revision()
	if heldRev == 0 || incomingRev == 0 {
		return true
	}
	return incomingRev >= heldRev
}

// Merge combines existing with incoming using LastArrivalWins.
func Merge(existing []Order, incoming ...Order) []Order {
	return LastArrivalWins.Merge(existing, incoming...)
}

// Merge applies each incoming record in order: it replaces the first held
// record with the same identity, later matches are dropped, and a record with
// no match is appended. An incoming record without an id matches by order
// number but never drops a later record that carries its own id. Records
// without identity are skipped. Neither input is modified.
func (p MergePolicy) Merge(existing []Order, incoming ...Order) []Order {
	out := make([]Order, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	for _, order := range incoming {
		if !order.HasIdentity() {
			continue
		}
		out = p.mergeOne(out, order)
	}
	return out
}

func (p MergePolicy) mergeOne(list []Order, order Order) []Order {
	first := -1
	kept := list[:0]
	for _, held := range list {
		if !SameOrder(held, order) {
			kept = append(kept, held)
			continue
		}
		if first >= 0 {
			if strings.TrimSpace(order.ID) == "" && strings.TrimSpace(held.ID) != "" {
				kept = append(kept, held)
			}
			continue
		}
		first = len(kept)
		if p.accepts(held, order) {
			held = order
		}
		kept = append(kept, held)
	}
	if first < 0 {
		kept = append(kept, order)
	}
	return kept
}

// Remove returns list without any record denoting the same order as target.
func Remove(list []Order, target Order) []Order {
	out := make([]Order, 0, len(list))
	for _, held := range list {
		if SameOrder(held, target) {
			continue
		}
		out = append(out, held)
	}
	return out
}

// IndexOf returns the position of the first record denoting target, or -1.
func IndexOf(list []Order, target Order) int {
	for i, held := range list {
		if SameOrder(held, target) {
			return i
		}
	}
	return -1
}

func Contains(list []Order, target Order) bool {
	return IndexOf(list, target) >= 0
}
