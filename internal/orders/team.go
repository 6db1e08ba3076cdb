package orders

import (
	"strings"

	"golang.org/x/text/cases"
)

// Team is one of the four production team categories an order can carry
// items for. The set is closed: every per-team behavior goes through
// teamTable, so adding a category means extending the constants and the table
// together.
type Team uint8

const (
	TeamGlass Team = iota
	TeamCaps
	TeamBoxes
	TeamPumps

	numTeams
)

type teamInfo struct {
	name    string
	aliases []string
	items   func(d *OrderDetails) *[]OrderItem
	label   func(item *OrderItem) *string
}

var teamTable = [...]teamInfo{
	TeamGlass: {
		name:    "glass",
		aliases: []string{"glass"},
		items:   func(d *OrderDetails) *[]OrderItem { return &d.Glass },
		label:   func(item *OrderItem) *string { return &item.GlassName },
	},
	TeamCaps: {
		name:    "caps",
		aliases: []string{"caps", "cap"},
		items:   func(d *OrderDetails) *[]OrderItem { return &d.Caps },
		label:   func(item *OrderItem) *string { return &item.CapName },
	},
	TeamBoxes: {
		name:    "boxes",
		aliases: []string{"boxes", "box"},
		items:   func(d *OrderDetails) *[]OrderItem { return &d.Boxes },
		label:   func(item *OrderItem) *string { return &item.BoxName },
	},
	TeamPumps: {
		name:    "pumps",
		aliases: []string{"pumps", "pump"},
		items:   func(d *OrderDetails) *[]OrderItem { return &d.Pumps },
		label:   func(item *OrderItem) *string { return &item.PumpName },
	},
}

// Compile-time check that teamTable covers every Team constant.
func _() {
	var x [1]struct{}
	_ = x[len(teamTable)-int(numTeams)]
}

// Teams returns every team category in declaration order.
func Teams() []Team {
	out := make([]Team, 0, numTeams)
	for t := Team(0); t < numTeams; t++ {
		out = append(out, t)
	}
	return out
}

func (t Team) Valid() bool {
	return t < numTeams
}

func (t Team) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return teamTable[t].name
}

func (t Team) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrUnknownTeam
	}
	return []byte(teamTable[t].name), nil
}

func (t *Team) UnmarshalText(text []byte) error {
	parsed, ok := ParseTeam(string(text))
	if !ok {
		return ErrUnknownTeam
	}
	*t = parsed
	return nil
}

// ParseTeam maps free-text team names ("Glass", " caps team", "Box-Team") to
// a canonical category.
func ParseTeam(raw string) (Team, bool) {
	name := fold(strings.TrimSpace(raw))
	for _, suffix := range []string{"-team", "_team", " team"} {
		name = strings.TrimSpace(strings.TrimSuffix(name, suffix))
	}
	if name == "" {
		return 0, false
	}
	for t := Team(0); t < numTeams; t++ {
		for _, alias := range teamTable[t].aliases {
			if name == alias {
				return t, true
			}
		}
	}
	return 0, false
}

// fold applies Unicode case folding. A Caser is stateful, so one is built per
// call instead of being shared across goroutines.
func fold(s string) string {
	return cases.Fold().String(s)
}

func foldEqual(a, b string) bool {
	return fold(strings.TrimSpace(a)) == fold(strings.TrimSpace(b))
}
