package hierarchy

// fallbackChains is the static escalation policy: for each requested level,
// the ordered sequence of levels to probe. This table is the single source of
// truth for how far up a message may travel. It is never derived from
// directory contents; the escalation contract has to hold regardless of which
// coordinator slots happen to be filled.
var fallbackChains = map[Level][]Level{
	LevelWard:         {LevelWard, LevelLGA, LevelState, LevelNational},
	LevelLGA:          {LevelLGA, LevelState, LevelNational},
	LevelState:        {LevelState, LevelNational},
	LevelNational:     {LevelNational},
	LevelFixedPersona: {LevelFixedPersona},
}

// Chain returns the fallback chain for the requested level. The returned
// slice is a copy; callers may not mutate the policy. Every chain starts at
// the requested level and is strictly non-decreasing in rank.
func Chain(requested Level) []Level {
	chain, ok := fallbackChains[requested]
	if !ok {
		return nil
	}
	out := make([]Level, len(chain))
	copy(out, chain)
	return out
}
