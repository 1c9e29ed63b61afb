package magnet

import (
	"context"
	"math"
	"time"

	"github.com/magnetlab/vectormag/itech"
)

// Demagnetization waveform shape: vertex magnitudes decay as
// amplitude*e^(-demagDecay*r) over the reference points, alternating in
// sign, and the sequence ends at exactly zero.  demagResistance converts a
// current vertex to the voltage that produces it across the coil.
var demagPoints = []float64{0.2, 1, 2, 3, 4, 5, 6, 7, 8}

const (
	demagDecay      = 0.7
	demagResistance = 0.475
)

// demagWaveform returns the signed current vertices for erasing hysteresis
// from an operating point of the given magnitude.  firstSign sets the
// polarity of the first vertex; successive vertices alternate, and a final
// exact zero is appended.
func demagWaveform(amplitude, firstSign float64) []float64 {
	sign := math.Copysign(1, firstSign)
	out := make([]float64, 0, len(demagPoints)+1)
	for _, r := range demagPoints {
		out = append(out, sign*amplitude*math.Exp(-demagDecay*r))
		sign = -sign
	}
	return append(out, 0)
}

// demagnetize runs the decaying oscillation on one channel, starting from
// the measured current.  The supply's current bound is first raised to the
// soft limit so the whole procedure stays in voltage compliance; each
// vertex is approached with the linear voltage ramp and followed by a
// settle pause.  The terminal vertex leaves the channel at zero.
func (r *ramper) demagnetize(ctx context.Context, req rampRequest, measured float64) error {
	s := req.supply

	// oppose the present polarity first
	vertices := demagWaveform(math.Abs(measured), -math.Copysign(1, measured))

	if err := s.SetCurrent(ctx, s.CurrentLimit()); err != nil {
		return err
	}
	for _, vertex := range vertices {
		volts, err := s.MeasureVoltage(ctx, itech.MeasDC)
		if err != nil {
			return err
		}
		if err := r.rampSegment(ctx, req, volts, demagResistance*vertex); err != nil {
			return err
		}
		select {
		case <-time.After(req.settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
