package phaseconfig

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"sterilcore/pkg/domain"
)

// fileDefinition is the on-disk shape of a phase; durations are whole seconds.
type fileDefinition struct {
	ID              string   `yaml:"id" toml:"id"`
	Name            string   `yaml:"name" toml:"name"`
	DurationSeconds int64    `yaml:"duration_seconds" toml:"duration_seconds"`
	TemperatureC    *float64 `yaml:"temperature_c" toml:"temperature_c"`
	PressurePSI     *float64 `yaml:"pressure_psi" toml:"pressure_psi"`
	RequiresCI      bool     `yaml:"requires_ci" toml:"requires_ci"`
	RequiresBI      bool     `yaml:"requires_bi" toml:"requires_bi"`
}

// maxDurationSeconds is the longest duration a time.Duration can hold.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

type fileTable struct {
	Phases []fileDefinition `yaml:"phases" toml:"phases"`
}

// LoadFile reads a phase table from YAML (.yaml, .yml) or TOML (.toml) and
// validates it with Load.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read phase table: %w", err)
	}
	var table fileTable
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &table)
	case ".toml":
		err = toml.Unmarshal(data, &table)
	default:
		return nil, fmt.Errorf("phase table %s: unsupported extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse phase table %s: %w", path, err)
	}
	defs := make([]domain.PhaseDefinition, 0, len(table.Phases))
	var errs []error
	for _, fd := range table.Phases {
		if fd.DurationSeconds > maxDurationSeconds {
			errs = append(errs, ValidationError{PhaseID: fd.ID, Field: "duration", Reason: fmt.Sprintf("%ds exceeds %ds", fd.DurationSeconds, maxDurationSeconds)})
			continue
		}
		defs = append(defs, domain.PhaseDefinition{
			ID:          fd.ID,
			Name:        fd.Name,
			Duration:    time.Duration(fd.DurationSeconds) * time.Second,
			Temperature: fd.TemperatureC,
			Pressure:    fd.PressurePSI,
			RequiresCI:  fd.RequiresCI,
			RequiresBI:  fd.RequiresBI,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("phase table %s: %w", path, err)
	}
	return Load(defs)
}
