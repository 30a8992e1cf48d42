package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/env"
)

type Config struct {
	// SiteCode is used when a create request names no site.
	SiteCode string
	// Location decides the calendar day a run code is allocated under.
	Location *time.Location
	// NoteMinLength can only tighten the 10-character floor on reasons and resolutions.
	NoteMinLength int
}

func ConfigFromEnv() (Config, error) {
	minLength, err := env.Int("RUNENGINE_NOTE_MIN_LENGTH", domain.DefaultNoteMinLength)
	if err != nil {
		return Config{}, err
	}
	site, err := domain.NormalizeSiteCode(env.Trimmed("RUNENGINE_SITE_CODE", "MAIN"))
	if err != nil {
		return Config{}, fmt.Errorf("RUNENGINE_SITE_CODE: %w", err)
	}
	tzName := env.Trimmed("RUNENGINE_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("RUNENGINE_TIMEZONE: %w", err)
	}

	cfg := Config{SiteCode: site, Location: loc, NoteMinLength: minLength}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := domain.NormalizeSiteCode(c.SiteCode); err != nil {
		return fmt.Errorf("site code: %w", err)
	}
	if c.Location == nil {
		return errors.New("location is required")
	}
	if c.NoteMinLength < domain.DefaultNoteMinLength || c.NoteMinLength > domain.NoteMaxLength {
		return fmt.Errorf("RUNENGINE_NOTE_MIN_LENGTH must be between %d and %d", domain.DefaultNoteMinLength, domain.NoteMaxLength)
	}
	return nil
}
