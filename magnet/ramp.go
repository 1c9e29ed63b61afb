package magnet

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/magnetlab/vectormag/itech"
)

// Ramp constants.  The two resistance estimates bracket the true coil
// resistance (~0.46 ohm): computing the target voltage with the
// overestimate guarantees the supply reaches current compliance at or
// before the nominal voltage, and descending to an intermediate voltage
// computed with the underestimate avoids momentarily overshooting a lower
// target on the way down.
const (
	overestimatedResistance = 0.48
	descentResistance       = 0.4

	// Smallest setpoints the supply accepts; targets below these snap to
	// "disable".
	minCurrent = 0.002
	minVoltage = 0.001

	// The compliance-descent poll declares the current settled after this
	// many consecutive samples within the window.
	stableSamples       = 5
	currentSettleWindow = 0.002

	// Descent to the intermediate voltage is skipped for targets this
	// small; the voltage goes straight to zero instead.
	descentFloor = 0.02

	defaultRampSteps = 5
)

// rampRequest is everything one ramp task needs.
type rampRequest struct {
	supply *itech.Supply
	target float64 // signed target current, amps
	steps  int
	demag  bool // run the demagnetization procedure first
	settle time.Duration
	bus    *Bus
	log    logrus.FieldLogger
}

// ramper is the handle for one per-channel ramp task.  Cancel may be called
// any number of times; the task checks for it at every loop iteration and,
// once cancelled, pins the supply's current bound to the last measured
// current before exiting.
type ramper struct {
	cancel context.CancelFunc
	done   chan struct{}

	demagPassed atomic.Bool
	failed      atomic.Bool
}

// startRamp launches a ramp task for one channel and returns its handle.
func startRamp(ctx context.Context, req rampRequest) *ramper {
	ctx, cancel := context.WithCancel(ctx)
	r := &ramper{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		defer close(r.done)
		err := r.run(ctx, req)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			// cancelled mid-operation: freeze the operating point
			if perr := r.pin(ctx, req); perr != nil {
				req.log.WithError(perr).Error("could not pin current bound after cancel")
			}
		default:
			r.failed.Store(true)
			req.log.WithError(err).Error("ramp task failed")
		}
	}()
	return r
}

// Cancel requests a cooperative stop.  Idempotent.
func (r *ramper) Cancel() {
	r.cancel()
}

// Join blocks until the task has fully exited.
func (r *ramper) Join() {
	<-r.done
}

// Done reports whether the task has exited.
func (r *ramper) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// DemagPassed reports whether the task is past its demagnetization stage.
func (r *ramper) DemagPassed() bool {
	return r.demagPassed.Load()
}

// Failed reports whether the task exited on an unrecoverable error.
func (r *ramper) Failed() bool {
	return r.failed.Load()
}

func (r *ramper) run(ctx context.Context, req rampRequest) error {
	s := req.supply

	if err := s.ClearProtection(ctx); err != nil {
		return err
	}
	on, err := s.OutputEnabled(ctx)
	if err != nil {
		return err
	}
	if !on {
		// a disabled output comes up in voltage compliance at 0 V
		if err := s.SetVoltage(ctx, 0); err != nil {
			return err
		}
		if err := s.EnableOutput(ctx); err != nil {
			return err
		}
	}

	measured, err := s.MeasureCurrent(ctx, itech.MeasDC)
	if err != nil {
		return err
	}
	if req.demag && math.Abs(measured) > minCurrent {
		if err := r.demagnetize(ctx, req, measured); err != nil {
			return err
		}
		measured = 0
	}
	r.demagPassed.Store(true)

	targetCurrent := math.Abs(req.target)
	if targetCurrent > s.CurrentLimit() {
		targetCurrent = s.CurrentLimit()
	}
	targetVoltage := math.Copysign(overestimatedResistance*targetCurrent, req.target)
	trivial := targetCurrent < minCurrent || math.Abs(targetVoltage) < minVoltage
	if trivial {
		targetCurrent = minCurrent
		targetVoltage = 0
	}
	if math.Abs(targetVoltage) > s.VoltageLimit() {
		targetVoltage = math.Copysign(s.VoltageLimit(), targetVoltage)
	}

	if targetCurrent < math.Abs(measured) {
		// descending: get back into voltage compliance before touching
		// the current bound
		intermediate := 0.0
		if targetCurrent > descentFloor {
			intermediate = math.Copysign(descentResistance*targetCurrent, targetVoltage)
		}
		volts, err := s.MeasureVoltage(ctx, itech.MeasDC)
		if err != nil {
			return err
		}
		if err := r.rampSegment(ctx, req, volts, intermediate); err != nil {
			return err
		}
		if err := r.awaitDescent(ctx, req, targetCurrent, measured); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.SetCurrent(ctx, targetCurrent); err != nil {
		return err
	}

	if trivial {
		return s.DisableOutput(ctx)
	}
	volts, err := s.MeasureVoltage(ctx, itech.MeasDC)
	if err != nil {
		return err
	}
	return r.rampSegment(ctx, req, volts, targetVoltage)
}

// awaitDescent polls the measured current until it falls below target or
// holds still for stableSamples consecutive samples.  There is no wall
// clock bound; cancellation is the only other exit.
func (r *ramper) awaitDescent(ctx context.Context, req rampRequest, target, last float64) error {
	stable := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, err := req.supply.MeasureCurrent(ctx, itech.MeasDC)
		if err != nil {
			return err
		}
		if math.Abs(cur) < target {
			return nil
		}
		if math.Abs(cur-last) < currentSettleWindow {
			stable++
			if stable >= stableSamples {
				return nil
			}
		} else {
			stable = 0
		}
		last = cur
	}
}

// rampSegment moves the voltage setpoint linearly from one value to
// another over the configured number of steps, publishing a current sample
// after each step and checking for cancellation before each one.
func (r *ramper) rampSegment(ctx context.Context, req rampRequest, from, to float64) error {
	s := req.supply
	if err := s.SetVoltage(ctx, from); err != nil {
		return err
	}
	step := (to - from) / float64(req.steps)
	v := from
	for i := 0; i < req.steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v += step
		if err := s.SetVoltage(ctx, v); err != nil {
			return err
		}
		amps, err := s.MeasureCurrent(ctx, itech.MeasDC)
		if err != nil {
			return err
		}
		req.bus.Publish(CurrentSample{Channel: s.Channel, Amps: amps})
	}
	return s.SetVoltage(ctx, to)
}

// pin freezes the operating point after a cancellation: the supply's
// current bound is set to the last measured current so the output holds
// where it is.  Runs on a context detached from the cancelled one.
func (r *ramper) pin(ctx context.Context, req rampRequest) error {
	bg := context.WithoutCancel(ctx)
	amps, err := req.supply.MeasureCurrent(bg, itech.MeasDC)
	if err != nil {
		return err
	}
	if err := req.supply.SetCurrent(bg, math.Abs(amps)); err != nil {
		return err
	}
	req.log.WithField("pinned", amps).Debug("ramp cancelled, current bound pinned")
	return nil
}
