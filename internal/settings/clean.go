package settings

import "strings"

// Clean drops empty patterns from every group and from the allow-list, drops
// usage entries that carry no time, and fills nil collections. It runs on
// every save and on import.
func Clean(s *Settings) {
	if s.Groups == nil {
		s.Groups = []Group{}
	}
	for i := range s.Groups {
		g := &s.Groups[i]
		g.Patterns = cleanPatterns(g.Patterns)
		if g.SecondsUsed == nil {
			g.SecondsUsed = map[string]int64{}
		}
		for day, seconds := range g.SecondsUsed {
			if seconds <= 0 {
				delete(g.SecondsUsed, day)
			}
		}
	}
	s.AllowedPatterns = cleanPatterns(s.AllowedPatterns)
	if s.DailyResetTime == "" {
		s.DailyResetTime = DefaultDailyResetTime
	}
}

func cleanPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
