package settings

// Storage keys. Each top-level field is stored under its own key, the way the
// browser's storage areas hold them.
const (
	KeyGroups              = "groups"
	KeyAllowedPatterns     = "allowedPatterns"
	KeyIsStrictModeEnabled = "isStrictModeEnabled"
	KeyDailyResetTime      = "dailyResetTime"
	KeyIsSyncingEnabled    = "isSyncingEnabled"
)

// DefaultDailyResetTime is used when no reset time has been saved.
const DefaultDailyResetTime = "00:00"

// LockName is the critical section guarding read-modify-write cycles on the
// settings document.
const LockName = "settings"

// Group is a named bucket of URL patterns sharing one daily time budget.
type Group struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	TimelimitSeconds int64            `json:"timelimitSeconds"` // 0 = unlimited
	Patterns         []string         `json:"patterns"`
	SecondsUsed      map[string]int64 `json:"secondsUsed"` // date key -> seconds
}

// Unlimited reports whether the group has no time limit.
func (g Group) Unlimited() bool {
	return g.TimelimitSeconds == 0
}

// Settings is the aggregate persisted document.
type Settings struct {
	Groups              []Group  `json:"groups"`
	AllowedPatterns     []string `json:"allowedPatterns"`
	IsStrictModeEnabled bool     `json:"isStrictModeEnabled"`
	DailyResetTime      string   `json:"dailyResetTime"`

	// IsSyncingEnabled always lives in the local partition.
	IsSyncingEnabled bool `json:"-"`

	// loaded is set by Load; Save then writes back to the partition the
	// document was read from.
	loaded bool
}

// Defaults returns the settings used for keys that were never saved.
func Defaults() *Settings {
	return &Settings{
		Groups:           []Group{},
		AllowedPatterns:  []string{},
		DailyResetTime:   DefaultDailyResetTime,
		IsSyncingEnabled: true,
	}
}

// FindGroup returns the index of the group with id, or -1.
func (s *Settings) FindGroup(id string) int {
	for i := range s.Groups {
		if s.Groups[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	out := *s
	out.AllowedPatterns = append([]string{}, s.AllowedPatterns...)
	out.Groups = make([]Group, len(s.Groups))
	for i, g := range s.Groups {
		out.Groups[i] = g.clone()
	}
	return &out
}

func (g Group) clone() Group {
	out := g
	out.Patterns = append([]string{}, g.Patterns...)
	out.SecondsUsed = make(map[string]int64, len(g.SecondsUsed))
	for k, v := range g.SecondsUsed {
		out.SecondsUsed[k] = v
	}
	return out
}
