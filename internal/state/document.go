package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase identifies where the pipeline currently is. Unknown values fail
// validation so a typo can never be committed.
const (
	PhaseBootstrap = "bootstrap"
	PhasePlan      = "plan"
	PhaseImplement = "implement"
	PhaseVerify    = "verify"
	PhaseMerge     = "merge"
	PhaseDone      = "done"
)

// ValidPhases defines allowed values for the phase field.
var ValidPhases = map[string]bool{
	PhaseBootstrap: true,
	PhasePlan:      true,
	PhaseImplement: true,
	PhaseVerify:    true,
	PhaseMerge:     true,
	PhaseDone:      true,
}

// ErrValidation marks a candidate document rejected by schema validation.
// The prior document stays authoritative.
var ErrValidation = errors.New("state validation failed")

// DegradedMode records an explicit reduced-capability operating state.
// Components consult DisabledFeatures before using non-essential capabilities.
type DegradedMode struct {
	Enabled          bool     `json:"enabled"`
	Reason           string   `json:"reason,omitempty"`
	Since            string   `json:"since,omitempty"` // UTC RFC3339Nano
	DisabledFeatures []string `json:"disabled_features,omitempty"`
}

// Meta carries bookkeeping timestamps.
type Meta struct {
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Document is the single shared mutable record. It is mutated exclusively
// through Store.Write; the on-disk form is always parseable and schema-valid.
type Document struct {
	SchemaVersion  int               `json:"schema_version"`
	Phase          string            `json:"phase"`
	CompletedUnits []string          `json:"completed_units"`
	Signals        map[string]string `json:"signals"` // signal name -> UTC RFC3339Nano
	Degraded       DegradedMode      `json:"degraded_mode"`
	Meta           Meta              `json:"meta"`
}

// CurrentSchemaVersion is bumped when the document layout changes.
const CurrentSchemaVersion = 1

// DefaultDocument returns the document written on first initialization.
func DefaultDocument() *Document {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return &Document{
		SchemaVersion:  CurrentSchemaVersion,
		Phase:          PhaseBootstrap,
		CompletedUnits: []string{},
		Signals:        map[string]string{},
		Meta:           Meta{CreatedAt: now, UpdatedAt: now},
	}
}

// Clone returns a deep copy so mutators never touch the authoritative document.
func (d *Document) Clone() *Document {
	out := *d
	out.CompletedUnits = append([]string(nil), d.CompletedUnits...)
	out.Signals = make(map[string]string, len(d.Signals))
	for k, v := range d.Signals {
		out.Signals[k] = v
	}
	out.Degraded.DisabledFeatures = append([]string(nil), d.Degraded.DisabledFeatures...)
	return &out
}

// MarkCompleted appends unit to the ordered completed set. Returns false when
// the unit was already present.
func (d *Document) MarkCompleted(unit string) bool {
	for _, u := range d.CompletedUnits {
		if u == unit {
			return false
		}
	}
	d.CompletedUnits = append(d.CompletedUnits, unit)
	return true
}

// EmitSignal records a named event with the current timestamp. Signals are
// append-only; re-emitting refreshes the timestamp.
func (d *Document) EmitSignal(name string) {
	if d.Signals == nil {
		d.Signals = map[string]string{}
	}
	d.Signals[name] = time.Now().UTC().Format(time.RFC3339Nano)
}

// FeatureDisabled reports whether degraded mode currently disables feature.
func (d *Document) FeatureDisabled(feature string) bool {
	if !d.Degraded.Enabled {
		return false
	}
	for _, f := range d.Degraded.DisabledFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a candidate document.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrValidation)
	}
	if doc.SchemaVersion <= 0 {
		return fmt.Errorf("%w: schema_version must be positive, got %d", ErrValidation, doc.SchemaVersion)
	}
	if !ValidPhases[doc.Phase] {
		return fmt.Errorf("%w: unknown phase %q", ErrValidation, doc.Phase)
	}
	seen := make(map[string]bool, len(doc.CompletedUnits))
	for _, unit := range doc.CompletedUnits {
		if unit == "" {
			return fmt.Errorf("%w: completed unit must not be empty", ErrValidation)
		}
		if seen[unit] {
			return fmt.Errorf("%w: duplicate completed unit %q", ErrValidation, unit)
		}
		seen[unit] = true
	}
	for name, ts := range doc.Signals {
		if name == "" {
			return fmt.Errorf("%w: signal name must not be empty", ErrValidation)
		}
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			return fmt.Errorf("%w: signal %q has invalid timestamp %q", ErrValidation, name, ts)
		}
	}
	if doc.Degraded.Enabled && doc.Degraded.Reason == "" {
		return fmt.Errorf("%w: degraded mode requires a reason", ErrValidation)
	}
	return nil
}

// parseDocument decodes and validates raw document bytes.
func parseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
