// Package phaseconfig holds the validated, immutable table of phase
// definitions. The table is loaded once at startup; any invalid entry is a
// fatal configuration error.
package phaseconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sterilcore/pkg/domain"
)

// Accepted physical ranges for optional phase parameters.
const (
	MinTemperatureC = 30.0
	MaxTemperatureC = 150.0
	MinPressurePSI  = 5.0
	MaxPressurePSI  = 30.0
)

// Default phase identifiers, in processing order.
const (
	PhaseBath1     = "bath1"
	PhaseBath2     = "bath2"
	PhaseDrying    = "drying"
	PhaseAutoclave = "autoclave"
)

// ValidationError describes a single rejected field of a phase definition.
type ValidationError struct {
	PhaseID string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	id := e.PhaseID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("phase %s: %s %s", id, e.Field, e.Reason)
}

// Registry is the read-only phase table.
type Registry struct {
	defs  map[string]domain.PhaseDefinition
	order []string
}

// Load validates definitions and returns a registry preserving their order.
// Every violation is reported; the returned error joins ValidationErrors.
func Load(defs []domain.PhaseDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, errors.New("phase registry: no phase definitions")
	}
	var errs []error
	reg := &Registry{defs: make(map[string]domain.PhaseDefinition, len(defs))}
	for _, def := range defs {
		errs = append(errs, validate(def)...)
		if def.ID == "" {
			continue
		}
		if _, dup := reg.defs[def.ID]; dup {
			errs = append(errs, ValidationError{PhaseID: def.ID, Field: "id", Reason: "is duplicated"})
			continue
		}
		reg.defs[def.ID] = def.Clone()
		reg.order = append(reg.order, def.ID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("phase registry: %w", err)
	}
	return reg, nil
}

// MustLoad is Load for static tables known to be valid; it panics otherwise.
func MustLoad(defs []domain.PhaseDefinition) *Registry {
	reg, err := Load(defs)
	if err != nil {
		panic(err)
	}
	return reg
}

func validate(def domain.PhaseDefinition) []error {
	var errs []error
	if strings.TrimSpace(def.ID) == "" {
		errs = append(errs, ValidationError{PhaseID: def.ID, Field: "id", Reason: "must not be empty"})
	}
	if def.Duration <= 0 {
		errs = append(errs, ValidationError{PhaseID: def.ID, Field: "duration", Reason: fmt.Sprintf("must be positive, got %s", def.Duration)})
	}
	if t := def.Temperature; t != nil && !(*t >= MinTemperatureC && *t <= MaxTemperatureC) {
		errs = append(errs, ValidationError{PhaseID: def.ID, Field: "temperature", Reason: fmt.Sprintf("%.1f°C outside [%.0f,%.0f]", *t, MinTemperatureC, MaxTemperatureC)})
	}
	if p := def.Pressure; p != nil && !(*p >= MinPressurePSI && *p <= MaxPressurePSI) {
		errs = append(errs, ValidationError{PhaseID: def.ID, Field: "pressure", Reason: fmt.Sprintf("%.1f PSI outside [%.0f,%.0f]", *p, MinPressurePSI, MaxPressurePSI)})
	}
	return errs
}

// Get returns a copy of the definition.
func (r *Registry) Get(id string) (domain.PhaseDefinition, bool) {
	def, ok := r.defs[id]
	if !ok {
		return domain.PhaseDefinition{}, false
	}
	return def.Clone(), true
}

// List returns copies of all definitions in sequence order.
func (r *Registry) List() []domain.PhaseDefinition {
	out := make([]domain.PhaseDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id].Clone())
	}
	return out
}

// Sequence returns the phase ids in processing order.
func (r *Registry) Sequence() []string {
	return append([]string(nil), r.order...)
}

// Previous returns the phase preceding id in the sequence. ok is false for
// the first phase and for unknown ids.
func (r *Registry) Previous(id string) (string, bool) {
	for i, candidate := range r.order {
		if candidate == id {
			if i == 0 {
				return "", false
			}
			return r.order[i-1], true
		}
	}
	return "", false
}

// Final returns the last phase of the sequence.
func (r *Registry) Final() domain.PhaseDefinition {
	return r.defs[r.order[len(r.order)-1]].Clone()
}

// IsFinal reports whether id is the last phase of the sequence.
func (r *Registry) IsFinal(id string) bool {
	return len(r.order) > 0 && r.order[len(r.order)-1] == id
}

// BIPhases returns the ids of definitions that require a BI test.
func (r *Registry) BIPhases() []string {
	var out []string
	for _, id := range r.order {
		if r.defs[id].RequiresBI {
			out = append(out, id)
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

// Defaults returns the built-in four-phase table.
func Defaults() []domain.PhaseDefinition {
	return []domain.PhaseDefinition{
		{ID: PhaseBath1, Name: "Enzymatic bath", Duration: 30 * time.Minute, Temperature: ptr(60)},
		{ID: PhaseBath2, Name: "Disinfection bath", Duration: 30 * time.Minute, Temperature: ptr(65)},
		{ID: PhaseDrying, Name: "Drying", Duration: 60 * time.Minute},
		{ID: PhaseAutoclave, Name: "Autoclave", Duration: 48 * time.Minute, Temperature: ptr(121), Pressure: ptr(15), RequiresCI: true, RequiresBI: true},
	}
}
