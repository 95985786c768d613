package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/storage"
)

var (
	// ErrStrictMode is returned for edits refused because strict mode is on.
	ErrStrictMode = errors.New("refused while strict mode is enabled")
	// ErrInvalidImport is returned when imported data fails validation.
	ErrInvalidImport = errors.New("invalid import data")
	// ErrGroupNotFound is returned when an edit names an unknown group.
	ErrGroupNotFound = errors.New("group not found")
)

// Repository reads and writes the settings document. One repository is
// constructed per process around the store.
type Repository struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewRepository creates a settings repository.
func NewRepository(store storage.Store, logger zerolog.Logger) *Repository {
	return &Repository{
		store:  store,
		logger: logger.With().Str("component", "settings").Logger(),
	}
}

// IsSyncingEnabled reports which partition holds the settings. It defaults
// to true when never set.
func (r *Repository) IsSyncingEnabled(ctx context.Context) (bool, error) {
	enabled := true
	if err := getJSON(ctx, r.store.Local(), KeyIsSyncingEnabled, &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

// SetSyncingEnabled switches the active partition. With carryover the
// current settings are copied into the newly selected partition.
func (r *Repository) SetSyncingEnabled(ctx context.Context, enabled, carryover bool) error {
	var current *Settings
	if carryover {
		s, err := r.Load(ctx)
		if err != nil {
			return fmt.Errorf("load settings for carryover: %w", err)
		}
		current = s
	}

	raw, err := json.Marshal(enabled)
	if err != nil {
		return err
	}
	if err := r.store.Local().Set(ctx, map[string][]byte{KeyIsSyncingEnabled: raw}); err != nil {
		return fmt.Errorf("save %s: %w", KeyIsSyncingEnabled, err)
	}

	r.logger.Info().Bool("enabled", enabled).Bool("carryover", carryover).Msg("Syncing mode changed")

	if current == nil {
		return nil
	}
	current.IsSyncingEnabled = enabled
	return r.Save(ctx, current)
}

func (r *Repository) partition(ctx context.Context) (storage.Partition, error) {
	enabled, err := r.IsSyncingEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if enabled {
		return r.store.Sync(), nil
	}
	return r.store.Local(), nil
}

// Load reads the settings from the active partition. Keys never written take
// their defaults.
func (r *Repository) Load(ctx context.Context) (*Settings, error) {
	s := Defaults()

	enabled, err := r.IsSyncingEnabled(ctx)
	if err != nil {
		return nil, err
	}
	s.IsSyncingEnabled = enabled

	p := r.store.Local()
	if enabled {
		p = r.store.Sync()
	}

	fields := []struct {
		key string
		dst any
	}{
		{KeyGroups, &s.Groups},
		{KeyAllowedPatterns, &s.AllowedPatterns},
		{KeyIsStrictModeEnabled, &s.IsStrictModeEnabled},
		{KeyDailyResetTime, &s.DailyResetTime},
	}
	for _, f := range fields {
		if err := getJSON(ctx, p, f.key, f.dst); err != nil {
			return nil, err
		}
	}

	Clean(s)
	s.loaded = true
	return s, nil
}

// Save cleans s and writes every syncable field in a single set. A document
// returned by Load goes back to the partition it came from, even if syncing
// was switched since; any other document goes to the active partition.
func (r *Repository) Save(ctx context.Context, s *Settings) error {
	Clean(s)

	var p storage.Partition
	switch {
	case s.loaded && s.IsSyncingEnabled:
		p = r.store.Sync()
	case s.loaded:
		p = r.store.Local()
	default:
		var err error
		if p, err = r.partition(ctx); err != nil {
			return err
		}
	}

	values := map[string]any{
		KeyGroups:              s.Groups,
		KeyAllowedPatterns:     s.AllowedPatterns,
		KeyIsStrictModeEnabled: s.IsStrictModeEnabled,
		KeyDailyResetTime:      s.DailyResetTime,
	}
	entries := make(map[string][]byte, len(values))
	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		entries[key] = raw
	}

	if err := p.Set(ctx, entries); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, p storage.Partition, key string, dst any) error {
	raw, err := p.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
