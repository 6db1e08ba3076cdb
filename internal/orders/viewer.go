package orders

import (
	"strings"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleMember     Role = "member"
)

// Global reports whether the role sees every order regardless of team.
func (r Role) Global() bool {
	return foldEqual(string(r), string(RoleAdmin)) || foldEqual(string(r), string(RoleDispatcher))
}

type Partition string

const (
	PartitionLive Partition = "live"
	PartitionPast Partition = "past"
)

// Partitions lists both buckets in a stable order.
func Partitions() []Partition {
	return []Partition{PartitionLive, PartitionPast}
}

func (p Partition) Valid() bool {
	return p == PartitionLive || p == PartitionPast
}

// Other returns the opposite partition.
func (p Partition) Other() Partition {
	if p == PartitionPast {
		return PartitionLive
	}
	return PartitionPast
}

// OrderType is the name the REST source and the cache keys use for the
// partition.
func (p Partition) OrderType() string {
	if p == PartitionPast {
		return "pastOrders"
	}
	return "liveOrders"
}

// ParsePartition accepts "live"/"past" and the order-type spellings.
func ParsePartition(raw string) (Partition, bool) {
	switch fold(strings.TrimSpace(raw)) {
	case "live", "liveorders":
		return PartitionLive, true
	case "past", "pastorders":
		return PartitionPast, true
	}
	return "", false
}

// Viewer is the identity that decides which orders are relevant and how they
// classify.
type Viewer struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   Role   `json:"role"`
	// Team is the free-text team name as entered for the user.
	Team string `json:"team,omitempty"`
}

func (v Viewer) Global() bool {
	return v.Role.Global()
}

// TeamCategory normalizes the viewer's team. It is false for global viewers
// and for team names that map to no category.
func (v Viewer) TeamCategory() (Team, bool) {
	if v.Global() {
		return 0, false
	}
	return ParseTeam(v.Team)
}

// Scope is the key prefix shared by both partitions of the viewer. It is
// false when the viewer's team cannot be resolved.
func (v Viewer) Scope() (string, bool) {
	if v.Global() {
		return "dispatcher", true
	}
	team, ok := v.TeamCategory()
	if !ok {
		return "", false
	}
	return "team_" + team.String() + "_orders", true
}

// ResolveKey returns the cache key for the viewer's partition. It is false
// when no cache operation should be attempted for this viewer.
func ResolveKey(v Viewer, p Partition) (string, bool) {
	if !p.Valid() {
		return "", false
	}
	scope, ok := v.Scope()
	if !ok {
		return "", false
	}
	return scope + "_" + p.OrderType(), true
}

// IsOrderKey reports whether key addresses an order partition of any scope.
func IsOrderKey(key string) bool {
	_, ok := PartitionOfKey(key)
	return ok
}

// PartitionOfKey extracts the partition from an order cache key.
func PartitionOfKey(key string) (Partition, bool) {
	for _, p := range Partitions() {
		suffix := "_" + p.OrderType()
		if strings.HasSuffix(key, suffix) && len(key) > len(suffix) {
			return p, true
		}
	}
	return "", false
}
