package settings

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sectioner runs fn inside a named critical section.
type Sectioner interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

// GroupUpdate carries the user-editable fields of a group. Usage is never
// edited through it.
type GroupUpdate struct {
	Name             string
	TimelimitSeconds int64
	Patterns         []string
}

// Editor applies structural edits to the settings document and enforces
// strict mode.
type Editor struct {
	repo     *Repository
	sections Sectioner
	logger   zerolog.Logger
}

// NewEditor creates an editor. When sections is non-nil every edit runs
// inside the settings critical section shared with usage accounting.
func NewEditor(repo *Repository, sections Sectioner, logger zerolog.Logger) *Editor {
	return &Editor{
		repo:     repo,
		sections: sections,
		logger:   logger.With().Str("component", "editor").Logger(),
	}
}

func (e *Editor) update(ctx context.Context, fn func(*Settings) error) error {
	run := func(ctx context.Context) error {
		s, err := e.repo.Load(ctx)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		return e.repo.Save(ctx, s)
	}
	if e.sections == nil {
		return run(ctx)
	}
	return e.sections.Do(ctx, LockName, run)
}

// NewGroup appends an empty, unlimited group.
func (e *Editor) NewGroup(ctx context.Context, name string) (Group, error) {
	return e.CreateGroup(ctx, GroupUpdate{Name: name})
}

// CreateGroup appends a group with the given name, limit and patterns in a
// single write.
func (e *Editor) CreateGroup(ctx context.Context, u GroupUpdate) (Group, error) {
	if u.TimelimitSeconds < 0 {
		return Group{}, fmt.Errorf("negative time limit %d", u.TimelimitSeconds)
	}
	g := Group{
		ID:               uuid.NewString(),
		Name:             u.Name,
		TimelimitSeconds: u.TimelimitSeconds,
		Patterns:         cleanPatterns(u.Patterns),
		SecondsUsed:      map[string]int64{},
	}
	err := e.update(ctx, func(s *Settings) error {
		s.Groups = append(s.Groups, g)
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	e.logger.Info().Str("group_id", g.ID).Str("name", g.Name).Msg("Group created")
	return g, nil
}

// UpdateGroup replaces the name, limit and patterns of a group.
func (e *Editor) UpdateGroup(ctx context.Context, id string, u GroupUpdate) error {
	return e.update(ctx, func(s *Settings) error {
		idx := s.FindGroup(id)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		g := &s.Groups[idx]
		patterns := cleanPatterns(u.Patterns)

		if s.IsStrictModeEnabled {
			if loosensLimit(g.TimelimitSeconds, u.TimelimitSeconds) {
				return fmt.Errorf("raise limit of %q: %w", g.Name, ErrStrictMode)
			}
			for _, p := range g.Patterns {
				if !slices.Contains(patterns, p) {
					return fmt.Errorf("remove pattern %q from %q: %w", p, g.Name, ErrStrictMode)
				}
			}
		}

		g.Name = u.Name
		g.TimelimitSeconds = u.TimelimitSeconds
		g.Patterns = patterns
		return nil
	})
}

// loosensLimit reports whether moving from old to updated grants more time.
// Zero means unlimited.
func loosensLimit(old, updated int64) bool {
	if old == 0 {
		return false
	}
	return updated == 0 || updated > old
}

// DeleteGroup removes a group.
func (e *Editor) DeleteGroup(ctx context.Context, id string) error {
	return e.update(ctx, func(s *Settings) error {
		idx := s.FindGroup(id)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		if s.IsStrictModeEnabled {
			return fmt.Errorf("delete group %q: %w", s.Groups[idx].Name, ErrStrictMode)
		}
		s.Groups = slices.Delete(s.Groups, idx, idx+1)
		return nil
	})
}

// MoveGroup moves a group to newIndex, clamped to the valid range. Group
// order is match priority. An unknown id is logged and ignored.
func (e *Editor) MoveGroup(ctx context.Context, id string, newIndex int) error {
	return e.update(ctx, func(s *Settings) error {
		idx := s.FindGroup(id)
		if idx < 0 {
			e.logger.Warn().Str("group_id", id).Msg("Cannot move unknown group")
			return nil
		}
		newIndex = max(0, min(newIndex, len(s.Groups)-1))
		g := s.Groups[idx]
		s.Groups = slices.Delete(s.Groups, idx, idx+1)
		s.Groups = slices.Insert(s.Groups, newIndex, g)
		return nil
	})
}

// AddAllowedPattern appends a pattern to the allow-list.
func (e *Editor) AddAllowedPattern(ctx context.Context, pattern string) error {
	return e.update(ctx, func(s *Settings) error {
		if s.IsStrictModeEnabled {
			return fmt.Errorf("allow %q: %w", pattern, ErrStrictMode)
		}
		if !slices.Contains(s.AllowedPatterns, pattern) {
			s.AllowedPatterns = append(s.AllowedPatterns, pattern)
		}
		return nil
	})
}

// RemoveAllowedPattern removes every occurrence of pattern from the
// allow-list.
func (e *Editor) RemoveAllowedPattern(ctx context.Context, pattern string) error {
	return e.update(ctx, func(s *Settings) error {
		s.AllowedPatterns = slices.DeleteFunc(s.AllowedPatterns, func(p string) bool {
			return p == pattern
		})
		return nil
	})
}

// SetStrictMode toggles strict mode. Once enabled it cannot be turned off
// through the editor.
func (e *Editor) SetStrictMode(ctx context.Context, enabled bool) error {
	return e.update(ctx, func(s *Settings) error {
		if s.IsStrictModeEnabled && !enabled {
			return fmt.Errorf("disable strict mode: %w", ErrStrictMode)
		}
		s.IsStrictModeEnabled = enabled
		return nil
	})
}

// SetSyncingEnabled switches the settings partition inside the settings
// section, so no read-modify-write straddles the switch.
func (e *Editor) SetSyncingEnabled(ctx context.Context, enabled, carryover bool) error {
	if e.sections == nil {
		return e.repo.SetSyncingEnabled(ctx, enabled, carryover)
	}
	return e.sections.Do(ctx, LockName, func(ctx context.Context) error {
		return e.repo.SetSyncingEnabled(ctx, enabled, carryover)
	})
}

// SetDailyResetTime changes the "HH:MM" boundary of the usage day.
func (e *Editor) SetDailyResetTime(ctx context.Context, value string) error {
	if _, _, err := ParseResetTime(value); err != nil {
		return err
	}
	return e.update(ctx, func(s *Settings) error {
		s.DailyResetTime = value
		return nil
	})
}
