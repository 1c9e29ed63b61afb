package magnet

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/magnetlab/vectormag/itech"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// simSupply connects a driver to a fresh simulator with the given load
// resistance and 5 A / 10 V soft limits.
func simSupply(t *testing.T, channel int, resistance float64) (*itech.Supply, *itech.Sim) {
	t.Helper()
	ctx := context.Background()
	sim, err := itech.NewSim(resistance)
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })

	s := itech.NewSupply(channel, sim.Addr(), testLog())
	s.Pace = time.Millisecond
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { s.Close(ctx) })
	require.NoError(t, s.SetCurrentLimit(ctx, 5.0))
	require.NoError(t, s.SetVoltageLimit(ctx, 10.0))
	return s, sim
}

func newRampRequest(s *itech.Supply, target float64, bus *Bus) rampRequest {
	return rampRequest{
		supply: s,
		target: target,
		steps:  defaultRampSteps,
		settle: time.Millisecond,
		bus:    bus,
		log:    testLog(),
	}
}

// setpointCommands extracts the numeric arguments of every command with the
// given verb from a simulator log, e.g. verb "voltage" matches
// "voltage 0.288V".
func setpointCommands(cmds []string, verb string) []float64 {
	var out []float64
	for _, c := range cmds {
		if !strings.HasPrefix(c, verb+" ") {
			continue
		}
		arg := strings.TrimRight(strings.TrimPrefix(c, verb+" "), "AV")
		if v, err := strconv.ParseFloat(arg, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func TestRampFromRest(t *testing.T) {
	s, sim := simSupply(t, 1, 0.46)
	bus := NewBus()
	samples := bus.Subscribe(64)

	r := startRamp(context.Background(), newRampRequest(s, 3.0, bus))
	r.Join()
	require.False(t, r.Failed())

	// output enabled, current bound set to the target
	require.True(t, sim.OutputOn())
	require.Contains(t, sim.Commands(), "current 3.000A")

	// voltage ramped in equal steps toward R_over * 3.0
	volts := setpointCommands(sim.Commands(), "voltage")
	require.NotEmpty(t, volts)
	require.InDelta(t, 0.0, volts[0], 1e-9)
	final := overestimatedResistance * 3.0
	require.InDelta(t, final, volts[len(volts)-1], 1e-9)
	steps := volts[1 : len(volts)-1]
	for i := 1; i < len(steps); i++ {
		require.InDelta(t, final/float64(defaultRampSteps), steps[i]-steps[i-1], 1e-6,
			"step %d is not an equal increment", i)
	}

	// no commanded setpoint beyond the soft limits
	for _, v := range volts {
		require.LessOrEqual(t, math.Abs(v), 10.0)
	}
	for _, c := range setpointCommands(sim.Commands(), "current") {
		require.LessOrEqual(t, math.Abs(c), 5.0)
	}

	// converged to the target within tolerance
	amps, err := s.MeasureCurrent(context.Background(), itech.MeasDC)
	require.NoError(t, err)
	require.InDelta(t, 3.0, amps, 0.005)

	// one observation per ramp step, tagged with the channel
	drain := func() int {
		n := 0
		for {
			select {
			case ev := <-samples:
				if cs, ok := ev.(CurrentSample); ok {
					require.Equal(t, 1, cs.Channel)
					n++
				}
			default:
				return n
			}
		}
	}
	require.Equal(t, defaultRampSteps, drain())
}

func TestRampTrivialTargetDisablesOutput(t *testing.T) {
	s, sim := simSupply(t, 1, 0.46)

	r := startRamp(context.Background(), newRampRequest(s, 0, nil))
	r.Join()
	require.False(t, r.Failed())

	require.False(t, sim.OutputOn())
	require.Contains(t, sim.Commands(), "current 0.002A")
	require.Contains(t, sim.Commands(), "output 0")
}

func TestRampDescendingTarget(t *testing.T) {
	ctx := context.Background()
	s, sim := simSupply(t, 1, 0.46)

	startRamp(ctx, newRampRequest(s, 3.0, nil)).Join()
	sim.ResetCommands()

	r := startRamp(ctx, newRampRequest(s, 1.0, nil))
	r.Join()
	require.False(t, r.Failed())

	// descended via the underestimated-resistance intermediate voltage
	// before the current bound moved
	cmds := sim.Commands()
	intermediate := fmt.Sprintf("voltage %.3fV", descentResistance*1.0)
	require.Contains(t, cmds, intermediate)
	bound := -1
	for i, c := range cmds {
		if c == "current 1.000A" {
			bound = i
			break
		}
	}
	require.GreaterOrEqual(t, bound, 0, "current bound never set")
	require.Greater(t, bound, indexOf(cmds, intermediate))

	amps, err := s.MeasureCurrent(ctx, itech.MeasDC)
	require.NoError(t, err)
	require.InDelta(t, 1.0, amps, 0.05)
}

func indexOf(cmds []string, want string) int {
	for i, c := range cmds {
		if c == want {
			return i
		}
	}
	return -1
}

func TestRampCancelPinsCurrentBound(t *testing.T) {
	ctx := context.Background()
	s, sim := simSupply(t, 1, 0.46)
	bus := NewBus()
	samples := bus.Subscribe(64)

	// slow the wire down so the cancel lands mid-ramp
	s.SCPI().SetPace(10 * time.Millisecond)
	req := newRampRequest(s, 3.0, bus)
	req.steps = 10
	r := startRamp(ctx, req)

	// cancel as soon as the first step observation arrives
	<-samples
	r.Cancel()
	r.Join()
	require.False(t, r.Failed())

	// the last current command freezes the operating point at the
	// measured value
	bounds := setpointCommands(sim.Commands(), "current")
	require.NotEmpty(t, bounds)
	pinned := bounds[len(bounds)-1]
	s.SCPI().SetPace(time.Millisecond)
	amps, err := s.MeasureCurrent(ctx, itech.MeasDC)
	require.NoError(t, err)
	require.InDelta(t, math.Abs(amps), pinned, 0.01)
	require.Less(t, pinned, 3.0, "cancel landed after the ramp finished")

	// re-cancelling a finished task is a no-op
	before := len(sim.Commands())
	r.Cancel()
	r.Join()
	require.Len(t, sim.Commands(), before)
}

func TestRampDemagnetizesBeforeDescent(t *testing.T) {
	ctx := context.Background()
	s, sim := simSupply(t, 1, 0.46)

	startRamp(ctx, newRampRequest(s, 3.0, nil)).Join()
	sim.ResetCommands()

	req := newRampRequest(s, -1.0, nil)
	req.demag = true
	r := startRamp(ctx, req)
	r.Join()
	require.False(t, r.Failed())
	require.True(t, r.DemagPassed())

	cmds := sim.Commands()

	// the current bound is raised to the soft limit for the whole
	// oscillation, before the final bound is applied
	raised := indexOf(cmds, "current 5.000A")
	final := indexOf(cmds, "current 1.000A")
	require.GreaterOrEqual(t, raised, 0)
	require.GreaterOrEqual(t, final, 0)
	require.Less(t, raised, final)

	// first vertex opposes the +3 A operating point
	firstVertex := demagResistance * 3.0 * math.Exp(-demagDecay*demagPoints[0])
	require.Contains(t, cmds, fmt.Sprintf("voltage %.3fV", -firstVertex))

	// the oscillation terminates at zero before the ramp toward -1 A
	terminal := indexOf(cmds, "voltage 0.000V")
	require.GreaterOrEqual(t, terminal, 0)
	require.Less(t, terminal, final)

	amps, err := s.MeasureCurrent(ctx, itech.MeasDC)
	require.NoError(t, err)
	require.InDelta(t, -1.0, amps, 0.05)
}
