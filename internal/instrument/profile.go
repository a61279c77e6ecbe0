// Package instrument describes power-supply models: channel count and the
// voltage/current ranges the front end may command. Profiles are JSON
// documents validated against an embedded schema; the NGE103B profile ships
// embedded as the default.
package instrument

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

//go:embed profiles/*.json
var embeddedProfiles embed.FS

// Profile carries the per-model instrument limits. These replace hard-coded
// range constants so different supply models can be supervised with the same
// binary.
type Profile struct {
	Model      string  `json:"model"`
	Vendor     string  `json:"vendor,omitempty"`
	Channels   int     `json:"channels"`
	MinVoltage float64 `json:"min_voltage"`
	MaxVoltage float64 `json:"max_voltage"`
	MinCurrent float64 `json:"min_current"`
	MaxCurrent float64 `json:"max_current"`
}

// AbsoluteMaxPower is the highest power one channel can physically source.
func (p *Profile) AbsoluteMaxPower() float64 {
	return p.MaxVoltage * p.MaxCurrent
}

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load resolves a profile by name, preferring external search paths over the
// embedded catalog so operators can override shipped models.
func (l *ProfileLoader) Load(name string) (*Profile, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Profile), nil
	}

	data, err := l.read(name)
	if err != nil {
		return nil, err
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for profile %s: %w", name, err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	l.cache.Store(name, &profile)

	return &profile, nil
}

func (l *ProfileLoader) read(name string) ([]byte, error) {
	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, name+".json")
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	if data, err := embeddedProfiles.ReadFile("profiles/" + name + ".json"); err == nil {
		return data, nil
	}

	return nil, fmt.Errorf("profile not found: %s (searched in: %v and embedded catalog)", name, l.searchPaths)
}
