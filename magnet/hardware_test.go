package magnet

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/magnetlab/vectormag/itech"
)

// simRig is a hardware backend wired to three simulators.
type simRig struct {
	h    *Hardware
	sims []*itech.Sim
	bus  *Bus
}

func newSimRig(t *testing.T, resistances ...float64) *simRig {
	t.Helper()
	rig := &simRig{bus: NewBus()}
	var addrs []string
	for _, res := range resistances {
		sim, err := itech.NewSim(res)
		require.NoError(t, err)
		t.Cleanup(func() { sim.Close() })
		rig.sims = append(rig.sims, sim)
		addrs = append(addrs, sim.Addr())
	}
	rig.h = NewHardware(Config{
		Addrs:        addrs,
		MaxCurrent:   5.0,
		MaxVoltage:   10.0,
		RampSteps:    5,
		Settle:       2 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		Pace:         time.Millisecond,
	}, rig.bus, testLog())
	require.NoError(t, rig.h.Open(context.Background()))
	t.Cleanup(func() { rig.h.Close(context.Background()) })
	return rig
}

func (r *simRig) resetLogs() {
	for _, s := range r.sims {
		s.ResetCommands()
	}
}

func waitIdle(t *testing.T, h *Hardware) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if h.Task() == TaskIdle {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("backend never returned to idle")
}

func TestEnableDisableLifecycle(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{1.0, -2.0, 0.5}))
	require.Equal(t, StatusOff, h.Status(), "setpoints while off must not dispatch")

	require.NoError(t, h.EnableField(ctx))
	waitIdle(t, h)
	require.Equal(t, StatusOn, h.Status())

	amps, err := h.Currents(ctx)
	require.NoError(t, err)
	require.InDelta(t, 1.0, amps[0], 0.05)
	require.InDelta(t, -2.0, amps[1], 0.05)
	require.InDelta(t, 0.5, amps[2], 0.05)

	require.NoError(t, h.DisableField(ctx))
	waitIdle(t, h)
	require.Equal(t, StatusOff, h.Status())
	for i, sim := range rig.sims {
		require.False(t, sim.OutputOn(), "channel %d output still on", i+1)
	}
}

func TestDisableWhileOffIsNoOp(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	rig.resetLogs()

	require.NoError(t, rig.h.DisableField(ctx))
	require.Equal(t, TaskIdle, rig.h.Task())
	time.Sleep(20 * time.Millisecond)
	for i, sim := range rig.sims {
		require.Empty(t, sim.Commands(), "channel %d saw traffic", i+1)
	}
}

func TestSetCurrentsBeyondLimit(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	err := rig.h.SetCurrents(ctx, []float64{1.0, 5.5, 0})
	require.ErrorIs(t, err, ErrCurrentLimit)
	err = rig.h.SetCurrents(ctx, []float64{-5.5, 0, 0})
	require.ErrorIs(t, err, ErrCurrentLimit)
}

func TestSwitchingWhileOn(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{1.0, 1.0, 1.0}))
	require.NoError(t, h.EnableField(ctx))
	waitIdle(t, h)

	require.NoError(t, h.SetCurrents(ctx, []float64{2.0, 0.5, 1.5}))
	waitIdle(t, h)
	require.Equal(t, StatusOn, h.Status())

	amps, err := h.Currents(ctx)
	require.NoError(t, err)
	require.InDelta(t, 2.0, amps[0], 0.05)
	require.InDelta(t, 0.5, amps[1], 0.05)
	require.InDelta(t, 1.5, amps[2], 0.05)
}

func TestObserverEmitsExactlyOneCompletion(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	events := rig.bus.Subscribe(256)

	require.NoError(t, rig.h.SetCurrents(ctx, []float64{1.0, 1.0, 1.0}))
	require.NoError(t, rig.h.EnableField(ctx))
	waitIdle(t, rig.h)
	time.Sleep(20 * time.Millisecond)

	idles, enabling := 0, 0
	for {
		select {
		case ev := <-events:
			if tc, ok := ev.(TaskChange); ok {
				switch tc.Task {
				case TaskIdle:
					idles++
				case TaskEnabling:
					enabling++
				}
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, idles, "completion must be signalled exactly once")
	require.Equal(t, 1, enabling)
}

func TestChannelIndependence(t *testing.T) {
	ctx := context.Background()
	// distinct loads so a cross-attributed measurement would show up as
	// the wrong converged current
	rig := newSimRig(t, 0.3, 0.4, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{2.0, -1.0, 3.0}))
	require.NoError(t, h.EnableField(ctx))
	waitIdle(t, h)

	amps, err := h.Currents(ctx)
	require.NoError(t, err)
	require.InDelta(t, 2.0, amps[0], 0.05)
	require.InDelta(t, -1.0, amps[1], 0.05)
	require.InDelta(t, 3.0, amps[2], 0.05)
}

func TestDemagnetizationOnSwitch(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{3.0, 1.0, 1.0}))
	require.NoError(t, h.EnableField(ctx))
	waitIdle(t, h)

	events := rig.bus.Subscribe(256)
	h.SetDemagnetization(true)
	require.True(t, h.Demagnetization())

	require.NoError(t, h.SetCurrents(ctx, []float64{-1.0, 0.5, 2.0}))
	waitIdle(t, h)
	time.Sleep(20 * time.Millisecond)

	// the visible task passes through Demagnetizing before Switching
	var order []Task
	for {
		select {
		case ev := <-events:
			if tc, ok := ev.(TaskChange); ok {
				order = append(order, tc.Task)
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, []Task{TaskDemagnetizing, TaskSwitching, TaskIdle}, order)

	amps, err := h.Currents(ctx)
	require.NoError(t, err)
	require.InDelta(t, -1.0, amps[0], 0.05)
	require.InDelta(t, 0.5, amps[1], 0.05)
	require.InDelta(t, 2.0, amps[2], 0.05)
}

func TestEnableWhileOnIsNoOp(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{1.0, 1.0, 1.0}))
	require.NoError(t, h.EnableField(ctx))
	waitIdle(t, h)

	rig.resetLogs()
	require.NoError(t, h.EnableField(ctx))
	require.Equal(t, TaskIdle, h.Task())
	time.Sleep(20 * time.Millisecond)
	for _, sim := range rig.sims {
		require.Empty(t, sim.Commands())
	}
}

func TestConcurrentSetCurrentsSerializeDispatch(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{1, 1, 1}))
	require.NoError(t, h.EnableField(ctx))
	waitIdle(t, h)

	vectors := [][]float64{
		{2.0, 0.5, 1.5},
		{0.5, 2.0, 1.0},
		{1.5, 1.0, 2.0},
		{1.0, 1.5, 0.5},
	}
	var wg sync.WaitGroup
	for _, v := range vectors {
		wg.Add(1)
		go func(v []float64) {
			defer wg.Done()
			if err := h.SetCurrents(ctx, v); err != nil {
				t.Error(err)
			}
		}(v)
	}
	wg.Wait()
	waitIdle(t, h)

	// exactly one worker set survives and it is fully joined
	h.mu.Lock()
	workers := h.workers
	h.mu.Unlock()
	require.Len(t, workers, 3)
	for _, w := range workers {
		require.True(t, w.Done())
	}

	// the operating point is one whole requested vector, not a mix of two
	// dispatches racing the same channels
	amps, err := h.Currents(ctx)
	require.NoError(t, err)
	matched := false
	for _, v := range vectors {
		hit := true
		for i := range v {
			if math.Abs(amps[i]-v[i]) > 0.05 {
				hit = false
				break
			}
		}
		if hit {
			matched = true
			break
		}
	}
	require.True(t, matched, "measured %v does not match any requested vector", amps)
}

func TestStatusPollDuringRamp(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{3.0, 2.0, 1.0}))
	require.NoError(t, h.EnableField(ctx))

	// hammer measurements on the same channels while the ramps run; the
	// per-channel pool serializes the wire without wedging either caller
	polls := 0
	for h.Task() != TaskIdle {
		_, err := h.Currents(ctx)
		require.NoError(t, err)
		polls++
		if polls > 10000 {
			t.Fatal("backend never returned to idle")
		}
	}
	require.Greater(t, polls, 0)

	amps, err := h.Currents(ctx)
	require.NoError(t, err)
	require.InDelta(t, 3.0, amps[0], 0.05)
	require.InDelta(t, 2.0, amps[1], 0.05)
	require.InDelta(t, 1.0, amps[2], 0.05)
}

func TestCloseJoinsOutstandingTasks(t *testing.T) {
	ctx := context.Background()
	rig := newSimRig(t, 0.46, 0.46, 0.46)
	h := rig.h

	require.NoError(t, h.SetCurrents(ctx, []float64{3.0, 3.0, 3.0}))
	require.NoError(t, h.EnableField(ctx))
	// close mid-ramp; must not panic or race the sockets
	require.NoError(t, h.Close(ctx))

	h.mu.Lock()
	workers := h.workers
	h.mu.Unlock()
	require.Empty(t, workers)
}

func TestCurrentsMatchSetpointsNotMeasurement(t *testing.T) {
	// the simulated backend reads back setpoints when on, zeros when off
	ctx := context.Background()
	bus := NewBus()
	s := NewSimulated(3, bus)

	require.NoError(t, s.SetCurrents(ctx, []float64{1, 2, 3}))
	amps, err := s.Currents(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 0}, amps)

	require.NoError(t, s.EnableField(ctx))
	amps, err = s.Currents(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, amps)

	require.NoError(t, s.DisableField(ctx))
	amps, err = s.Currents(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 0}, amps)
}

func TestSimulatedLimit(t *testing.T) {
	s := NewSimulated(3, nil)
	err := s.SetCurrents(context.Background(), []float64{0, 0, 6})
	require.ErrorIs(t, err, ErrCurrentLimit)
	require.Equal(t, 5.05, s.MaxCurrent())
}

func TestTargetFieldCaching(t *testing.T) {
	bus := NewBus()
	events := bus.Subscribe(8)
	s := NewSimulated(3, bus)

	s.SetTargetField(50, 90, 0)
	x, y, z := s.TargetField()
	require.InDelta(t, 50.0, x, 1e-9)
	require.InDelta(t, 0.0, y, 1e-9)
	require.InDelta(t, 0.0, z, 1e-9)

	ev := <-events
	fc, ok := ev.(FieldSetpointChange)
	require.True(t, ok)
	require.Equal(t, 50.0, fc.Magnitude)

	require.True(t, math.Abs(z) < 1e-9)

	// the spherical readback recovers the form the setpoint was given in
	mag, theta, phi := s.TargetFieldSpherical()
	require.InDelta(t, 50.0, mag, 1e-9)
	require.InDelta(t, 90.0, theta, 1e-9)
	require.InDelta(t, 0.0, phi, 1e-9)
}
