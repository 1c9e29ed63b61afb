/*Package magnet contains the control engine for a three-channel vector
electromagnet driven by bipolar DC power supplies.

The engine is split along the lines a caller sees: a Backend interface with
a hardware implementation (Hardware) and a simulated one (Simulated), ramp
tasks that move a single channel between operating points without tripping
the supply's protection, a demagnetization procedure that erases coil
hysteresis before large setpoint changes, and an observer that aggregates
per-channel completion into the events consumers subscribe to.
*/
package magnet

import (
	"context"
	"errors"
)

// ErrCurrentLimit is returned when a requested current exceeds the
// backend's limit.  It is raised before any wire traffic, distinct from
// device-reported errors.
var ErrCurrentLimit = errors.New("magnet: requested current exceeds the channel limit")

// Status is the magnet power state.
type Status int

// Magnet power states.
const (
	StatusOff Status = iota
	StatusOn
)

func (s Status) String() string {
	if s == StatusOn {
		return "on"
	}
	return "off"
}

// Task tags the operation a backend is currently carrying out.
type Task int

// Backend task tags.
const (
	TaskIdle Task = iota
	TaskEnabling
	TaskDisabling
	TaskSwitching
	TaskDemagnetizing
)

func (t Task) String() string {
	switch t {
	case TaskEnabling:
		return "enabling"
	case TaskDisabling:
		return "disabling"
	case TaskSwitching:
		return "switching"
	case TaskDemagnetizing:
		return "demagnetizing"
	default:
		return "idle"
	}
}

// Backend is the capability set of a vector magnet controller.  Hardware
// and Simulated both satisfy it; everything above this interface is
// implementation-agnostic.
type Backend interface {
	// Currents returns the per-channel output currents in amps.
	Currents(ctx context.Context) ([]float64, error)

	// SetCurrents sets the per-channel current setpoints.  Values beyond
	// the backend's current limit are rejected with ErrCurrentLimit.
	SetCurrents(ctx context.Context, amps []float64) error

	// EnableField ramps all channels from rest to the setpoint currents.
	EnableField(ctx context.Context) error

	// DisableField ramps all channels to zero and opens the outputs.
	// A no-op when the field is already off.
	DisableField(ctx context.Context) error

	// Status returns the magnet power state.
	Status() Status

	// Task returns the operation currently in progress.
	Task() Task

	// SetDemagnetization arms or disarms demagnetization for the next
	// ramp dispatch.
	SetDemagnetization(flag bool)

	// Demagnetization reports whether demagnetization is armed.
	Demagnetization() bool

	// MaxCurrent returns the backend's current magnitude limit in amps.
	MaxCurrent() float64

	// SetTargetField caches the field setpoint, given in spherical
	// coordinates (magnitude, polar angle, azimuth, angles in degrees).
	// The field-to-current conversion lives outside this package; the
	// caller pairs this with SetCurrents.
	SetTargetField(magnitude, theta, phi float64)

	// TargetField returns the cached field setpoint in Cartesian
	// components.
	TargetField() (x, y, z float64)

	// TargetFieldSpherical returns the cached field setpoint as
	// (magnitude, theta, phi) with angles in degrees.
	TargetFieldSpherical() (magnitude, theta, phi float64)
}
