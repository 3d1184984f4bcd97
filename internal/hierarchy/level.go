// Package hierarchy defines the organizational levels of the movement
// (Ward -> LGA -> State -> National) and the location scopes messages are
// routed against.
package hierarchy

import (
	"fmt"
	"strings"
)

// Level is the closed set of recognized hierarchy designations. Account
// designations and message routing levels are always one of these values.
type Level string

const (
	LevelWard         Level = "ward"
	LevelLGA          Level = "lga"
	LevelState        Level = "state"
	LevelNational     Level = "national"
	LevelFixedPersona Level = "fixed_persona"
)

// levelRanks orders the geographic ladder. FixedPersona sits outside the
// ladder; it never participates in escalation and its rank is only used to
// satisfy the at-or-above comparison for its single-element chain.
var levelRanks = map[Level]int{
	LevelWard:         1,
	LevelLGA:          2,
	LevelState:        3,
	LevelNational:     4,
	LevelFixedPersona: 5,
}

var displayNames = map[Level]string{
	LevelWard:         "Ward Coordinator",
	LevelLGA:          "LGA Coordinator",
	LevelState:        "State Coordinator",
	LevelNational:     "National Coordinator",
	LevelFixedPersona: "National Leader",
}

// ParseLevel converts a wire-format level string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRanks[l]; !ok {
		return "", fmt.Errorf("unrecognized hierarchy level: %q", s)
	}
	return l, nil
}

// Rank returns the escalation rank of the level. Higher rank means wider
// scope.
func (l Level) Rank() int {
	return levelRanks[l]
}

// Valid reports whether l is one of the recognized levels.
func (l Level) Valid() bool {
	_, ok := levelRanks[l]
	return ok
}

// DisplayName returns the user-facing name used in routing explanations.
func (l Level) DisplayName() string {
	if name, ok := displayNames[l]; ok {
		return name
	}
	return string(l)
}

// LocationScope identifies the geographic slot a coordinator is assigned to.
// Which fields are meaningful depends on the level: National and FixedPersona
// use none, State uses State only, LGA uses State+LGA, Ward uses all three.
type LocationScope struct {
	State string `json:"state,omitempty"`
	LGA   string `json:"lga,omitempty"`
	Ward  string `json:"ward,omitempty"`
}

// Project narrows the scope to exactly the fields meaningful to the given
// level. It returns ok=false when the sender's location data is missing a
// field the level requires; the resolver treats that as a non-match and moves
// up the chain. Projecting for a wider level never fails on missing narrow
// fields: a sender without a recorded ward can still reach their LGA.
func (s LocationScope) Project(level Level) (LocationScope, bool) {
	switch level {
	case LevelWard:
		if s.State == "" || s.LGA == "" || s.Ward == "" {
			return LocationScope{}, false
		}
		return LocationScope{State: s.State, LGA: s.LGA, Ward: s.Ward}, true
	case LevelLGA:
		if s.State == "" || s.LGA == "" {
			return LocationScope{}, false
		}
		return LocationScope{State: s.State, LGA: s.LGA}, true
	case LevelState:
		if s.State == "" {
			return LocationScope{}, false
		}
		return LocationScope{State: s.State}, true
	case LevelNational, LevelFixedPersona:
		return LocationScope{}, true
	default:
		return LocationScope{}, false
	}
}

// Key renders the scope as a stable cache-key fragment.
func (s LocationScope) Key() string {
	return s.State + "|" + s.LGA + "|" + s.Ward
}

// IsZero reports whether no location fields are set.
func (s LocationScope) IsZero() bool {
	return s.State == "" && s.LGA == "" && s.Ward == ""
}
