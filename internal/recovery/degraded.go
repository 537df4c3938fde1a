package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/pipeguard/pipeguard/internal/state"
)

// ErrFeatureDisabled is returned by Guard for a capability disabled by
// degraded mode.
var ErrFeatureDisabled = errors.New("feature disabled by degraded mode")

// EnterDegradedMode records a reduced-capability operating state in the shared
// document so every process can consult it. The pipeline stays alive; only the
// listed features are off.
func (m *Manager) EnterDegradedMode(reason string, disabledFeatures []string) error {
	if reason == "" {
		return fmt.Errorf("degraded mode requires a reason")
	}
	_, err := m.store.Write(func(d *state.Document) error {
		d.Degraded = state.DegradedMode{
			Enabled:          true,
			Reason:           reason,
			Since:            time.Now().UTC().Format(time.RFC3339Nano),
			DisabledFeatures: disabledFeatures,
		}
		d.EmitSignal("degraded.entered")
		return nil
	}, "enter-degraded-mode")
	if err != nil {
		return err
	}
	m.log("recovery.degrade", reason, map[string]string{"features": fmt.Sprint(disabledFeatures)})
	return nil
}

// ExitDegradedMode clears the degraded state once the underlying condition
// resolves.
func (m *Manager) ExitDegradedMode() error {
	_, err := m.store.Write(func(d *state.Document) error {
		d.Degraded = state.DegradedMode{}
		d.EmitSignal("degraded.exited")
		return nil
	}, "exit-degraded-mode")
	if err != nil {
		return err
	}
	m.log("recovery.recover-mode", "", nil)
	return nil
}

// Guard mechanically enforces degraded mode: core entry points tagged with a
// capability call Guard before doing work and propagate the rejection.
func (m *Manager) Guard(feature string) error {
	doc, err := m.store.Read()
	if err != nil && !errors.Is(err, state.ErrCorruptionRecovered) {
		return err
	}
	if doc.FeatureDisabled(feature) {
		return fmt.Errorf("%w: %s (reason: %s)", ErrFeatureDisabled, feature, doc.Degraded.Reason)
	}
	return nil
}
