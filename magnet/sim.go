package magnet

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/magnetlab/vectormag/mathx"
)

// Simulated is the Backend used when no supplies are attached: setpoints
// are stored and read back as the "measured" currents while the field is
// on, zeros while it is off.  Transitions complete instantly.
type Simulated struct {
	bus *Bus

	mu        sync.Mutex
	status    Status
	setpoints []float64
	fieldX    float64
	fieldY    float64
	fieldZ    float64
	demag     bool
	limit     float64
}

var _ Backend = (*Simulated)(nil)

// NewSimulated returns a simulated backend with the given channel count.
func NewSimulated(channels int, bus *Bus) *Simulated {
	return &Simulated{
		bus:       bus,
		setpoints: make([]float64, channels),
		limit:     5.05,
	}
}

// Currents returns the setpoints while on, zeros while off.
func (s *Simulated) Currents(ctx context.Context) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.setpoints))
	if s.status == StatusOn {
		copy(out, s.setpoints)
	}
	return out, nil
}

// SetCurrents stores the setpoints and emits a sample per channel.
func (s *Simulated) SetCurrents(ctx context.Context, amps []float64) error {
	if len(amps) != len(s.setpoints) {
		return fmt.Errorf("magnet: %d values for %d channels", len(amps), len(s.setpoints))
	}
	s.mu.Lock()
	for _, a := range amps {
		if math.Abs(a) > s.limit {
			s.mu.Unlock()
			return ErrCurrentLimit
		}
	}
	copy(s.setpoints, amps)
	s.mu.Unlock()
	for i, a := range amps {
		s.bus.Publish(CurrentSample{Channel: i + 1, Amps: a})
	}
	return nil
}

// EnableField turns the simulated magnet on.
func (s *Simulated) EnableField(ctx context.Context) error {
	s.mu.Lock()
	changed := s.status != StatusOn
	s.status = StatusOn
	s.mu.Unlock()
	if changed {
		s.bus.Publish(StatusChange{Status: StatusOn})
	}
	return nil
}

// DisableField turns the simulated magnet off.
func (s *Simulated) DisableField(ctx context.Context) error {
	s.mu.Lock()
	changed := s.status != StatusOff
	s.status = StatusOff
	s.mu.Unlock()
	if changed {
		s.bus.Publish(StatusChange{Status: StatusOff})
	}
	return nil
}

// Status returns the simulated power state.
func (s *Simulated) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Task always reports idle; simulated transitions are instantaneous.
func (s *Simulated) Task() Task {
	return TaskIdle
}

// SetDemagnetization stores the flag.
func (s *Simulated) SetDemagnetization(flag bool) {
	s.mu.Lock()
	changed := s.demag != flag
	s.demag = flag
	s.mu.Unlock()
	if changed {
		s.bus.Publish(DemagnetizationChange{Enabled: flag})
	}
}

// Demagnetization reports the stored flag.
func (s *Simulated) Demagnetization() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demag
}

// MaxCurrent returns the simulated current limit.
func (s *Simulated) MaxCurrent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// SetTargetField caches the field setpoint.
func (s *Simulated) SetTargetField(magnitude, theta, phi float64) {
	x, y, z := mathx.SphericalToCartesian(magnitude, theta, phi)
	s.mu.Lock()
	s.fieldX, s.fieldY, s.fieldZ = x, y, z
	s.mu.Unlock()
	s.bus.Publish(FieldSetpointChange{Magnitude: magnitude, Theta: theta, Phi: phi})
}

// TargetField returns the cached field setpoint in Cartesian components.
func (s *Simulated) TargetField() (x, y, z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fieldX, s.fieldY, s.fieldZ
}

// TargetFieldSpherical returns the cached field setpoint in the spherical
// form it was supplied in.
func (s *Simulated) TargetFieldSpherical() (magnitude, theta, phi float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mathx.CartesianToSpherical(s.fieldX, s.fieldY, s.fieldZ)
}
