package settings

import (
	"fmt"
	"time"
)

// ParseResetTime parses an "HH:MM" daily reset time.
func ParseResetTime(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reset time %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}
