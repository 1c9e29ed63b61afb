// Command vmctl drives the vector magnet's power supplies from the command
// line: set channel currents, enable or disable the field, demagnetize, or
// just look at what the magnet is doing.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/theckman/yacspin"

	"github.com/magnetlab/vectormag/magnet"
)

func main() {
	var (
		addrs       = pflag.StringSlice("addrs", nil, "supply host:port per channel, in channel order")
		currents    = pflag.Float64Slice("set", nil, "target currents in amps, one per channel")
		enable      = pflag.Bool("enable", false, "enable the field at the setpoint currents")
		disable     = pflag.Bool("disable", false, "ramp the field down and open the outputs")
		demag       = pflag.Bool("demagnetize", false, "demagnetize before ramping")
		status      = pflag.Bool("status", false, "print magnet status and measured currents")
		steps       = pflag.Int("steps", 5, "voltage increments per ramp")
		maxCurrent  = pflag.Float64("max-current", 5.05, "soft current limit in amps")
		maxVoltage  = pflag.Float64("max-voltage", 30, "soft voltage limit in volts")
		verbose     = pflag.Bool("verbose", false, "debug logging")
	)
	pflag.Parse()

	if len(*addrs) == 0 {
		fmt.Fprintln(os.Stderr, "vmctl: --addrs is required")
		pflag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()
	bus := magnet.NewBus()
	events := bus.Subscribe(256)
	h := magnet.NewHardware(magnet.Config{
		Addrs:      *addrs,
		MaxCurrent: *maxCurrent,
		MaxVoltage: *maxVoltage,
		RampSteps:  *steps,
	}, bus, logger)
	if err := h.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer h.Close(ctx)

	h.SetDemagnetization(*demag)

	if len(*currents) > 0 {
		if err := h.SetCurrents(ctx, *currents); err != nil {
			fmt.Fprintf(os.Stderr, "vmctl: %v\n", err)
			os.Exit(1)
		}
		if h.Status() == magnet.StatusOn {
			awaitIdle(h, events, "switching")
		}
	}
	if *enable {
		if err := h.EnableField(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "vmctl: %v\n", err)
			os.Exit(1)
		}
		awaitIdle(h, events, "enabling field")
	}
	if *disable {
		if err := h.DisableField(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "vmctl: %v\n", err)
			os.Exit(1)
		}
		awaitIdle(h, events, "disabling field")
	}
	if *status || *enable || *disable || len(*currents) > 0 {
		printStatus(ctx, h)
	}
}

// awaitIdle blocks until the backend finishes the running operation,
// showing a spinner fed with the per-step current observations.
func awaitIdle(h *magnet.Hardware, events <-chan magnet.Event, what string) {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " " + what,
		StopCharacter: "✓",
	})
	if err == nil {
		spinner.Start()
		defer spinner.Stop()
	}
	for h.Task() != magnet.TaskIdle {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case magnet.CurrentSample:
				if spinner != nil {
					spinner.Message(fmt.Sprintf("channel %d at %+.3f A", e.Channel, e.Amps))
				}
			case magnet.TaskChange:
				if spinner != nil && e.Task != magnet.TaskIdle {
					spinner.Suffix(" " + e.Task.String())
				}
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func printStatus(ctx context.Context, h *magnet.Hardware) {
	amps, err := h.Currents(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: measuring: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("status: %s  task: %s  demagnetization: %v\n",
		h.Status(), h.Task(), h.Demagnetization())
	for i, a := range amps {
		fmt.Printf("channel %d: %+.3f A\n", i+1, a)
	}
}
