package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportData is the JSON document written by Export and read by Import.
// Pointer fields distinguish absent keys from zero values on import.
type ExportData struct {
	Groups              *[]Group  `json:"groups"`
	AllowedPatterns     *[]string `json:"allowedPatterns,omitempty"`
	IsStrictModeEnabled *bool     `json:"isStrictModeEnabled,omitempty"`
	DailyResetTime      *string   `json:"dailyResetTime,omitempty"`
}

// ExportFilename returns the conventional name for an export taken at t.
func ExportFilename(t time.Time) string {
	return fmt.Sprintf("page-limiter-export-%d.json", t.UnixMilli())
}

// Export writes the syncable settings as indented JSON.
func (e *Editor) Export(ctx context.Context, w io.Writer) error {
	s, err := e.repo.Load(ctx)
	if err != nil {
		return err
	}
	data := ExportData{
		Groups:              &s.Groups,
		AllowedPatterns:     &s.AllowedPatterns,
		IsStrictModeEnabled: &s.IsStrictModeEnabled,
		DailyResetTime:      &s.DailyResetTime,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// Import replaces the settings with the document read from r. Absent
// optional keys keep their current values. Nothing is saved unless the whole
// document validates.
func (e *Editor) Import(ctx context.Context, r io.Reader) error {
	var data ExportData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if err := validateImport(&data); err != nil {
		return err
	}

	err := e.update(ctx, func(s *Settings) error {
		if s.IsStrictModeEnabled {
			return fmt.Errorf("import: %w", ErrStrictMode)
		}
		s.Groups = *data.Groups
		if data.AllowedPatterns != nil {
			s.AllowedPatterns = *data.AllowedPatterns
		}
		if data.IsStrictModeEnabled != nil {
			s.IsStrictModeEnabled = *data.IsStrictModeEnabled
		}
		if data.DailyResetTime != nil {
			s.DailyResetTime = *data.DailyResetTime
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info().Int("groups", len(*data.Groups)).Msg("Settings imported")
	return nil
}

func validateImport(data *ExportData) error {
	if data.Groups == nil {
		return fmt.Errorf("%w: missing groups", ErrInvalidImport)
	}

	seen := make(map[string]bool, len(*data.Groups))
	for i, g := range *data.Groups {
		if g.ID == "" {
			return fmt.Errorf("%w: group %d has no id", ErrInvalidImport, i)
		}
		if seen[g.ID] {
			return fmt.Errorf("%w: duplicate group id %s", ErrInvalidImport, g.ID)
		}
		seen[g.ID] = true
		if g.TimelimitSeconds < 0 {
			return fmt.Errorf("%w: group %s has negative limit", ErrInvalidImport, g.ID)
		}
		for day, seconds := range g.SecondsUsed {
			if _, err := time.Parse("2006-01-02", day); err != nil {
				return fmt.Errorf("%w: group %s has bad usage date %q", ErrInvalidImport, g.ID, day)
			}
			if seconds < 0 {
				return fmt.Errorf("%w: group %s has negative usage on %s", ErrInvalidImport, g.ID, day)
			}
		}
	}

	if data.DailyResetTime != nil {
		if _, _, err := ParseResetTime(*data.DailyResetTime); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidImport, err)
		}
	}
	return nil
}
