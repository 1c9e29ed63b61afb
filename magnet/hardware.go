package magnet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/magnetlab/vectormag/itech"
	"github.com/magnetlab/vectormag/mathx"
)

// Config holds the hardware backend's tunables.
type Config struct {
	// Addrs lists one supply host:port per channel.
	Addrs []string

	// MaxCurrent and MaxVoltage are the soft limits pushed to every
	// channel at connect time.
	MaxCurrent float64
	MaxVoltage float64

	// RampSteps is the number of increments per linear voltage ramp.
	RampSteps int

	// Settle is the pause between demagnetization vertices.
	Settle time.Duration

	// PollInterval is the observer's completion poll period.
	PollInterval time.Duration

	// Pace overrides the SCPI command spacing when nonzero; simulators
	// run far faster than the hardware default.
	Pace time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxCurrent == 0 {
		c.MaxCurrent = 5.05
	}
	if c.MaxVoltage == 0 {
		c.MaxVoltage = 30
	}
	if c.RampSteps == 0 {
		c.RampSteps = defaultRampSteps
	}
	if c.Settle == 0 {
		c.Settle = 100 * time.Millisecond
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Hardware is the Backend implementation that drives real supplies.  All
// backend state (status, task tag, setpoints) is mutated only here, never
// by the ramp tasks; completion is applied via the observer callbacks.
type Hardware struct {
	cfg      Config
	bus      *Bus
	log      logrus.FieldLogger
	supplies []*itech.Supply

	// baseCtx bounds the lifetime of dispatched tasks to Open..Close,
	// not to the caller's request context.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// dispatchMu serializes cancel-then-join with the registration of the
	// replacement workers; two interleaved control calls must never join
	// the same old set and leave one of their new sets unaccounted for.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	status    Status
	task      Task
	setpoints []float64
	fieldX    float64
	fieldY    float64
	fieldZ    float64
	demag     bool
	workers   []*ramper
	gen       int
}

var _ Backend = (*Hardware)(nil)

// NewHardware returns an unconnected hardware backend; call Open before
// use.  bus may be nil when nobody listens.
func NewHardware(cfg Config, bus *Bus, log logrus.FieldLogger) *Hardware {
	cfg.fillDefaults()
	h := &Hardware{
		cfg:       cfg,
		bus:       bus,
		log:       log,
		setpoints: make([]float64, len(cfg.Addrs)),
	}
	for i, addr := range cfg.Addrs {
		s := itech.NewSupply(i+1, addr, log)
		s.Pace = cfg.Pace
		h.supplies = append(h.supplies, s)
	}
	return h
}

// Open connects every channel and applies the configured soft limits.  On
// failure the channels connected so far are closed again; the caller
// retries explicitly.
func (h *Hardware) Open(ctx context.Context) error {
	for _, s := range h.supplies {
		if err := h.openSupply(ctx, s); err != nil {
			h.log.WithError(err).WithField("channel", s.Channel).Error("connect failed")
			for _, prev := range h.supplies {
				if prev.Connected() {
					prev.Close(ctx)
				}
			}
			return err
		}
	}
	h.baseCtx, h.baseCancel = context.WithCancel(context.Background())
	return nil
}

func (h *Hardware) openSupply(ctx context.Context, s *itech.Supply) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.SetCurrentLimit(ctx, h.cfg.MaxCurrent); err != nil {
		return err
	}
	return s.SetVoltageLimit(ctx, h.cfg.MaxVoltage)
}

// Close cancels and joins every outstanding task, then releases the
// supplies back to local control.  Tasks must be fully joined before the
// sockets go away.
func (h *Hardware) Close(ctx context.Context) error {
	h.dispatchMu.Lock()
	h.mu.Lock()
	workers := h.workers
	h.workers = nil
	h.gen++
	h.mu.Unlock()
	for _, w := range workers {
		w.Cancel()
	}
	for _, w := range workers {
		w.Join()
	}
	if h.baseCancel != nil {
		h.baseCancel()
	}
	h.dispatchMu.Unlock()
	var first error
	for _, s := range h.supplies {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Currents measures the output current of every channel.
func (h *Hardware) Currents(ctx context.Context) ([]float64, error) {
	out := make([]float64, len(h.supplies))
	for i, s := range h.supplies {
		amps, err := s.MeasureCurrent(ctx, itech.MeasDC)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", s.Channel, err)
		}
		out[i] = amps
	}
	return out, nil
}

// SetCurrents stores the setpoint vector and, while the field is on,
// cancels any running ramps and dispatches new ones toward the values.
func (h *Hardware) SetCurrents(ctx context.Context, amps []float64) error {
	if len(amps) != len(h.supplies) {
		return fmt.Errorf("magnet: %d values for %d channels", len(amps), len(h.supplies))
	}
	limit := h.MaxCurrent()
	for _, a := range amps {
		if math.Abs(a) > limit {
			return ErrCurrentLimit
		}
	}

	h.mu.Lock()
	copy(h.setpoints, amps)
	on := h.status == StatusOn
	h.mu.Unlock()

	if !on {
		return nil
	}
	return h.dispatch(TaskSwitching, append([]float64(nil), amps...))
}

// EnableField ramps every channel from rest to its setpoint current.  A
// no-op when the field is already on and nothing is running.
func (h *Hardware) EnableField(ctx context.Context) error {
	h.mu.Lock()
	if h.status == StatusOn && h.task == TaskIdle {
		h.mu.Unlock()
		return nil
	}
	targets := append([]float64(nil), h.setpoints...)
	h.mu.Unlock()
	return h.dispatch(TaskEnabling, targets)
}

// DisableField ramps every channel to zero and opens the outputs.  Called
// while already off and idle it returns immediately without issuing any
// command.
func (h *Hardware) DisableField(ctx context.Context) error {
	h.mu.Lock()
	if h.status == StatusOff && h.task == TaskIdle {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.dispatch(TaskDisabling, make([]float64, len(h.supplies)))
}

// Status returns the magnet power state.
func (h *Hardware) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Task returns the operation currently in progress.
func (h *Hardware) Task() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

// SetDemagnetization arms demagnetization for the next dispatch.  It never
// cancels anything already in progress.
func (h *Hardware) SetDemagnetization(flag bool) {
	h.mu.Lock()
	changed := h.demag != flag
	h.demag = flag
	h.mu.Unlock()
	if changed {
		h.bus.Publish(DemagnetizationChange{Enabled: flag})
	}
}

// Demagnetization reports whether demagnetization is armed.
func (h *Hardware) Demagnetization() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.demag
}

// MaxCurrent returns the configured soft current limit.
func (h *Hardware) MaxCurrent() float64 {
	return h.cfg.MaxCurrent
}

// SetTargetField caches the field setpoint.  The conversion from field to
// coil currents happens outside this package.
func (h *Hardware) SetTargetField(magnitude, theta, phi float64) {
	x, y, z := mathx.SphericalToCartesian(magnitude, theta, phi)
	h.mu.Lock()
	h.fieldX, h.fieldY, h.fieldZ = x, y, z
	h.mu.Unlock()
	h.bus.Publish(FieldSetpointChange{Magnitude: magnitude, Theta: theta, Phi: phi})
}

// TargetField returns the cached field setpoint in Cartesian components.
func (h *Hardware) TargetField() (x, y, z float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fieldX, h.fieldY, h.fieldZ
}

// TargetFieldSpherical returns the cached field setpoint in the spherical
// form it was supplied in.
func (h *Hardware) TargetFieldSpherical() (magnitude, theta, phi float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return mathx.CartesianToSpherical(h.fieldX, h.fieldY, h.fieldZ)
}

// dispatch cancels and joins every running task, then starts one ramp task
// per channel toward the given targets and an observer that applies the
// completion transition.  tag names the operation; the visible task is
// Demagnetizing first when the armed flag will actually demagnetize
// something.
func (h *Hardware) dispatch(tag Task, targets []float64) error {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	demag := h.demag
	base := h.baseCtx
	old := h.workers
	h.mu.Unlock()
	if base == nil {
		return fmt.Errorf("magnet: backend not open")
	}

	for _, w := range old {
		w.Cancel()
	}
	for _, w := range old {
		w.Join()
	}

	trackDemag := false
	if demag {
		amps, err := h.Currents(base)
		if err != nil {
			return err
		}
		for _, a := range amps {
			if math.Abs(a) > minCurrent {
				trackDemag = true
				break
			}
		}
	}

	h.mu.Lock()
	h.gen++
	gen := h.gen
	workers := make([]*ramper, len(h.supplies))
	for i, s := range h.supplies {
		workers[i] = startRamp(base, rampRequest{
			supply: s,
			target: targets[i],
			steps:  h.cfg.RampSteps,
			demag:  demag,
			settle: h.cfg.Settle,
			bus:    h.bus,
			log:    h.log.WithField("channel", s.Channel),
		})
	}
	h.workers = workers
	visible := tag
	if trackDemag {
		visible = TaskDemagnetizing
	}
	h.task = visible
	h.mu.Unlock()
	h.bus.Publish(TaskChange{Task: visible})

	go observe(workers, trackDemag, h.cfg.PollInterval,
		func() { h.demagDone(gen, tag) },
		func() { h.taskDone(gen, tag) })
	return nil
}

func (h *Hardware) demagDone(gen int, tag Task) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.task = tag
	h.mu.Unlock()
	h.bus.Publish(TaskChange{Task: tag})
}

func (h *Hardware) taskDone(gen int, tag Task) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.task = TaskIdle
	status := h.status
	switch tag {
	case TaskEnabling, TaskSwitching:
		status = StatusOn
	case TaskDisabling:
		status = StatusOff
	}
	changed := status != h.status
	h.status = status
	h.mu.Unlock()
	h.bus.Publish(TaskChange{Task: TaskIdle})
	if changed {
		h.bus.Publish(StatusChange{Status: status})
	}
}
