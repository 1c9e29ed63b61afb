// Package itech provides a driver for ITECH IT6432 bipolar DC power
// supplies, spoken to over newline-terminated SCPI on TCP.
package itech

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/magnetlab/vectormag/comm"
	"github.com/magnetlab/vectormag/scpi"
	"github.com/magnetlab/vectormag/util"
)

// MeasType selects the measurement statistic for Measure* calls.
type MeasType string

// Measurement types understood by the instrument.
const (
	MeasDC   MeasType = ""
	MeasMin  MeasType = "min"
	MeasMax  MeasType = "max"
	MeasACDC MeasType = "acdc"
)

// Output speed modes.
const (
	SpeedNormal = "normal"
	SpeedFast   = "fast"
	SpeedTime   = "time"
)

const (
	connectTimeout = 3 * time.Second
	readTimeout    = 5 * time.Second
	poolIdle       = 30 * time.Second

	// defaultBaud is the instrument's factory RS-232 rate.
	defaultBaud = 115200
)

// Supply talks to one IT6432 channel.  The pool under the hood holds a
// single connection, so a query's send and receive never interleave with
// another goroutine's traffic to the same channel.
//
// Soft limits are enforced here, before any wire traffic: a setpoint beyond
// the limit is clamped to the limit with its sign preserved, so the device
// never sees a parameter overflow from this driver.
type Supply struct {
	// Addr is the host:port of the supply, or "serial:<device>[:<baud>]"
	// for bench units wired over RS-232.
	Addr string

	// Channel identifies which coil this supply drives (1..3).
	Channel int

	// Pace overrides the spacing between wire operations when nonzero.
	// Real hardware wants the default; simulators can go much faster.
	Pace time.Duration

	conn *scpi.Conn
	log  logrus.FieldLogger

	mu          sync.Mutex
	connected   bool
	hardCurrent util.Limiter // from current:maxset?/minset?
	hardVoltage util.Limiter
	currentLim  float64 // soft magnitude limits, <= hardware max
	voltageLim  float64
}

// NewSupply returns a Supply for the given channel and address.  Connect
// must be called before any other operation.
func NewSupply(channel int, addr string, log logrus.FieldLogger) *Supply {
	return &Supply{
		Addr:    addr,
		Channel: channel,
		log:     log.WithField("channel", channel),
	}
}

// connMaker selects the transport for an address.  Plain host:port dials
// TCP; "serial:<device>[:<baud>]" opens the instrument's RS-232 port.
func connMaker(addr string) comm.CreationFunc {
	if device, baud, ok := serialAddress(addr); ok {
		return comm.SerialConnMaker(&serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: readTimeout,
		})
	}
	return comm.BackingOffTCPConnMaker(addr, connectTimeout)
}

// serialAddress parses the "serial:<device>[:<baud>]" address form.
func serialAddress(addr string) (device string, baud int, ok bool) {
	rest, found := strings.CutPrefix(addr, "serial:")
	if !found || rest == "" {
		return "", 0, false
	}
	device, baud = rest, defaultBaud
	if idx := strings.LastIndexByte(rest, ':'); idx >= 0 {
		if b, err := strconv.Atoi(rest[idx+1:]); err == nil {
			device, baud = rest[:idx], b
		}
	}
	return device, baud, true
}

// Connect dials the supply, reads the hardware output limits and puts the
// instrument in remote mode.  The soft limits start at the hardware maxima.
func (s *Supply) Connect(ctx context.Context) error {
	pool := comm.NewPool(1, poolIdle, connMaker(s.Addr))
	conn := scpi.New(pool, readTimeout)
	if s.Pace > 0 {
		conn.SetPace(s.Pace)
	}

	maxI, err := conn.QueryFloat(ctx, "current:maxset?")
	if err != nil {
		pool.Close()
		return fmt.Errorf("channel %d: reading hardware limits: %w", s.Channel, err)
	}
	minI, err := conn.QueryFloat(ctx, "current:minset?")
	if err != nil {
		pool.Close()
		return fmt.Errorf("channel %d: reading hardware limits: %w", s.Channel, err)
	}
	maxV, err := conn.QueryFloat(ctx, "voltage:maxset?")
	if err != nil {
		pool.Close()
		return fmt.Errorf("channel %d: reading hardware limits: %w", s.Channel, err)
	}
	minV, err := conn.QueryFloat(ctx, "voltage:minset?")
	if err != nil {
		pool.Close()
		return fmt.Errorf("channel %d: reading hardware limits: %w", s.Channel, err)
	}
	if err := conn.Write(ctx, "system:remote"); err != nil {
		pool.Close()
		return fmt.Errorf("channel %d: entering remote mode: %w", s.Channel, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.hardCurrent = util.Limiter{Min: minI, Max: maxI}
	s.hardVoltage = util.Limiter{Min: minV, Max: maxV}
	s.currentLim = maxI
	s.voltageLim = maxV
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"addr":    s.Addr,
		"maxCurr": maxI,
		"maxVolt": maxV,
	}).Info("supply connected")
	return nil
}

// Connected reports whether Connect has succeeded.
func (s *Supply) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close hands the front panel back to the operator and tears down the
// connection pool.
func (s *Supply) Close(ctx context.Context) error {
	conn, err := s.scpi()
	if err != nil {
		return nil
	}
	if werr := conn.WriteRaw(ctx, "system:local"); werr != nil {
		s.log.WithError(werr).Warn("could not return supply to local mode")
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return conn.Pool.Close()
}

// SCPI exposes the underlying conversation handle, mostly so tests and
// simulator deployments can drop the command pacing.
func (s *Supply) SCPI() *scpi.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Supply) scpi() (*scpi.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, comm.ErrNotConnected
	}
	return s.conn, nil
}

// Identification returns the *IDN? response.
func (s *Supply) Identification(ctx context.Context) (string, error) {
	conn, err := s.scpi()
	if err != nil {
		return "", err
	}
	return conn.Query(ctx, "*IDN?")
}

// ClearProtection resets a tripped output protection latch.
func (s *Supply) ClearProtection(ctx context.Context) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	return conn.Write(ctx, "output:protection:clear")
}

// ClearErrors empties the instrument error queue.
func (s *Supply) ClearErrors(ctx context.Context) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	return conn.WriteRaw(ctx, "system:clear")
}

// SaveSetup stores the present configuration in slot n (0-100).
func (s *Supply) SaveSetup(ctx context.Context, n int) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	return conn.Write(ctx, fmt.Sprintf("*SAV %d", n))
}

// RecallSetup restores the configuration from slot n (0-100).
func (s *Supply) RecallSetup(ctx context.Context, n int) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	return conn.Write(ctx, fmt.Sprintf("*RCL %d", n))
}

func (s *Supply) measure(ctx context.Context, quantity string, typ MeasType) (float64, error) {
	conn, err := s.scpi()
	if err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("measure:%s?", quantity)
	if typ != MeasDC {
		cmd = fmt.Sprintf("measure:%s:%s?", quantity, typ)
	}
	return conn.QueryFloat(ctx, cmd)
}

// MeasureCurrent reads the output current in amps.
func (s *Supply) MeasureCurrent(ctx context.Context, typ MeasType) (float64, error) {
	return s.measure(ctx, "current", typ)
}

// MeasureVoltage reads the output voltage in volts.
func (s *Supply) MeasureVoltage(ctx context.Context, typ MeasType) (float64, error) {
	return s.measure(ctx, "voltage", typ)
}

// MeasurePower reads the output power in watts.
func (s *Supply) MeasurePower(ctx context.Context, typ MeasType) (float64, error) {
	return s.measure(ctx, "power", typ)
}

// SetCurrent programs the current setpoint in amps.  Values beyond the soft
// limit are clamped to the limit magnitude with the sign preserved.
func (s *Supply) SetCurrent(ctx context.Context, amps float64) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	s.mu.Lock()
	lim := s.currentLim
	s.mu.Unlock()
	if math.Abs(amps) > lim {
		clamped := math.Copysign(lim, amps)
		s.log.WithFields(logrus.Fields{"want": amps, "clamped": clamped}).
			Debug("current setpoint beyond soft limit")
		amps = clamped
	}
	return conn.Write(ctx, fmt.Sprintf("current %.3fA", amps))
}

// SetVoltage programs the voltage setpoint in volts, clamped like SetCurrent.
func (s *Supply) SetVoltage(ctx context.Context, volts float64) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	s.mu.Lock()
	lim := s.voltageLim
	s.mu.Unlock()
	if math.Abs(volts) > lim {
		clamped := math.Copysign(lim, volts)
		s.log.WithFields(logrus.Fields{"want": volts, "clamped": clamped}).
			Debug("voltage setpoint beyond soft limit")
		volts = clamped
	}
	return conn.Write(ctx, fmt.Sprintf("voltage %.3fV", volts))
}

// SetCurrentLimit sets the soft current magnitude limit and pushes it to the
// device's protection circuit.  Requests beyond the hardware maximum are
// reduced to it.
func (s *Supply) SetCurrentLimit(ctx context.Context, amps float64) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if amps > s.hardCurrent.Max {
		amps = s.hardCurrent.Max
	}
	s.currentLim = amps
	s.mu.Unlock()
	if err := conn.Write(ctx, "current:limit:state ON"); err != nil {
		return err
	}
	return conn.Write(ctx, fmt.Sprintf("current:limit %.3f", amps))
}

// SetVoltageLimit sets the soft voltage magnitude limit and pushes it to the
// device's protection circuit, reduced to the hardware maximum if necessary.
func (s *Supply) SetVoltageLimit(ctx context.Context, volts float64) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if volts > s.hardVoltage.Max {
		volts = s.hardVoltage.Max
	}
	s.voltageLim = volts
	s.mu.Unlock()
	if err := conn.Write(ctx, "voltage:limit:state ON"); err != nil {
		return err
	}
	return conn.Write(ctx, fmt.Sprintf("voltage:limit %.3f", volts))
}

// CurrentLimit returns the soft current magnitude limit.
func (s *Supply) CurrentLimit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLim
}

// VoltageLimit returns the soft voltage magnitude limit.
func (s *Supply) VoltageLimit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltageLim
}

// MaxCurrent returns the hardware current ceiling reported at connect time.
func (s *Supply) MaxCurrent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardCurrent.Max
}

// EnableOutput closes the output relay.
func (s *Supply) EnableOutput(ctx context.Context) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	return conn.Write(ctx, "output 1")
}

// DisableOutput opens the output relay.
func (s *Supply) DisableOutput(ctx context.Context) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	return conn.Write(ctx, "output 0")
}

// OutputEnabled reports whether the output relay is closed.
func (s *Supply) OutputEnabled(ctx context.Context) (bool, error) {
	conn, err := s.scpi()
	if err != nil {
		return false, err
	}
	resp, err := conn.Query(ctx, "output?")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(resp) == "1", nil
}

// SetOperationMode switches the front panel between local and remote
// control; mode is "local" or "remote".
func (s *Supply) SetOperationMode(ctx context.Context, mode string) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	switch mode {
	case "local":
		return conn.Write(ctx, "system:local")
	case "remote":
		return conn.Write(ctx, "system:remote")
	}
	return fmt.Errorf("itech: unknown operation mode %q", mode)
}

// SetOutputSpeed selects the output reaction speed.  In SpeedTime mode the
// rise time is programmable between 1 ms and 86400 s.
func (s *Supply) SetOutputSpeed(ctx context.Context, mode string, riseTime float64) error {
	conn, err := s.scpi()
	if err != nil {
		return err
	}
	switch mode {
	case SpeedNormal, SpeedFast, SpeedTime:
	default:
		return fmt.Errorf("itech: unknown output speed mode %q", mode)
	}
	if err := conn.Write(ctx, "output:speed "+mode); err != nil {
		return err
	}
	if mode == SpeedTime {
		return conn.Write(ctx, fmt.Sprintf("output:speed:time %g", riseTime))
	}
	return nil
}

// OutputInfo returns the output type, relay mode and speed as one string.
func (s *Supply) OutputInfo(ctx context.Context) (string, error) {
	conn, err := s.scpi()
	if err != nil {
		return "", err
	}
	typ, err := conn.Query(ctx, "output:type?")
	if err != nil {
		return "", err
	}
	mode, err := conn.Query(ctx, "output:relay:mode?")
	if err != nil {
		return "", err
	}
	speed, err := conn.Query(ctx, "output:speed?")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("type: %s; mode: %s; speed: %s", typ, mode, speed), nil
}
