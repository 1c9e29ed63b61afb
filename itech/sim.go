package itech

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Sim default hardware limits, matching the IT6432's setting range.
const (
	simMaxCurrent = 5.05
	simMaxVoltage = 30.0
)

// Sim is an in-process IT6432 listening on a loopback TCP port.  It models
// the supply as a voltage source with a current compliance bound driving a
// resistive load: the output sits at the programmed voltage unless that
// would push more than the programmed current through the load, in which
// case the current pins at the bound and the voltage sags to I*R.
//
// Every received command is recorded; tests assert on the log to check what
// reached the wire.
type Sim struct {
	// Resistance is the simulated load in ohms.
	Resistance float64

	listener net.Listener

	mu       sync.Mutex
	outputOn bool
	vset     float64 // programmed voltage, signed
	iset     float64 // programmed current bound, magnitude
	ilim     float64
	vlim     float64
	speed    string
	remote   bool
	errs     []string
	cmds     []string
}

// NewSim starts a simulator with the given load resistance on an ephemeral
// loopback port.
func NewSim(resistance float64) (*Sim, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	s := &Sim{
		Resistance: resistance,
		listener:   l,
		iset:       simMaxCurrent,
		ilim:       simMaxCurrent,
		vlim:       simMaxVoltage,
		speed:      SpeedNormal,
	}
	go s.serve()
	return s, nil
}

// Addr returns the host:port the simulator listens on.
func (s *Sim) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener.  Open conversations end when their peer hangs up.
func (s *Sim) Close() error {
	return s.listener.Close()
}

// Commands returns a copy of every command received so far, in order.
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cmds))
	copy(out, s.cmds)
	return out
}

// ResetCommands clears the command log.
func (s *Sim) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = nil
}

// Outputs returns the simulated measured current and voltage.
func (s *Sim) Outputs() (amps, volts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs()
}

// OutputOn reports the relay state.
func (s *Sim) OutputOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputOn
}

// PushError queues an error response for the next system:error? query.
func (s *Sim) PushError(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, fmt.Sprintf("%d,%s", code, msg))
}

func (s *Sim) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.converse(conn)
	}
}

func (s *Sim) converse(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		if cmd == "" {
			continue
		}
		if resp, ok := s.handle(cmd); ok {
			conn.Write([]byte(resp + "\n"))
		}
	}
}

// outputs computes the load state under the compliance model.  Callers hold mu.
func (s *Sim) outputs() (amps, volts float64) {
	if !s.outputOn {
		return 0, 0
	}
	volts = s.vset
	amps = volts / s.Resistance
	bound := math.Abs(s.iset)
	if math.Abs(amps) > bound {
		amps = math.Copysign(bound, volts)
		volts = amps * s.Resistance
	}
	return amps, volts
}

func (s *Sim) popError() string {
	if len(s.errs) == 0 {
		return "0,No error"
	}
	e := s.errs[0]
	s.errs = s.errs[1:]
	return e
}

// handle executes one command; ok is false for set commands with no reply.
func (s *Sim) handle(cmd string) (resp string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)

	lower := strings.ToLower(cmd)
	verb, arg := lower, ""
	if idx := strings.IndexByte(lower, ' '); idx >= 0 {
		verb, arg = lower[:idx], strings.TrimSpace(lower[idx+1:])
	}

	switch verb {
	case "*idn?":
		return "ITECH,IT6432,800071020776810011,1.11-1.08", true
	case "system:error?":
		return s.popError(), true
	case "system:clear":
		s.errs = nil
		return "", false
	case "system:remote":
		s.remote = true
		return "", false
	case "system:local":
		s.remote = false
		return "", false
	case "*sav", "*rcl":
		return "", false
	case "current:maxset?":
		return formatNum(simMaxCurrent), true
	case "current:minset?":
		return formatNum(-simMaxCurrent), true
	case "voltage:maxset?":
		return formatNum(simMaxVoltage), true
	case "voltage:minset?":
		return formatNum(-simMaxVoltage), true
	case "output":
		s.outputOn = arg == "1" || arg == "on"
		return "", false
	case "output?":
		if s.outputOn {
			return "1", true
		}
		return "0", true
	case "output:protection:clear":
		return "", false
	case "output:speed":
		s.speed = arg
		return "", false
	case "output:speed?":
		return s.speed, true
	case "output:speed:time":
		return "", false
	case "output:type?":
		return "LOW", true
	case "output:relay:mode?":
		return "NONE", true
	case "current":
		if v, err := parseNum(arg, "a"); err == nil {
			s.iset = v
		} else {
			s.errs = append(s.errs, "140,Param type error")
		}
		return "", false
	case "voltage":
		if v, err := parseNum(arg, "v"); err == nil {
			s.vset = v
		} else {
			s.errs = append(s.errs, "140,Param type error")
		}
		return "", false
	case "current:limit":
		if v, err := parseNum(arg, "a"); err == nil {
			s.ilim = v
		}
		return "", false
	case "voltage:limit":
		if v, err := parseNum(arg, "v"); err == nil {
			s.vlim = v
		}
		return "", false
	case "current:limit:state", "voltage:limit:state":
		return "", false
	case "measure:current?", "measure:current:min?", "measure:current:max?", "measure:current:acdc?":
		i, _ := s.outputs()
		return formatNum(i), true
	case "measure:voltage?", "measure:voltage:min?", "measure:voltage:max?", "measure:voltage:acdc?":
		_, v := s.outputs()
		return formatNum(v), true
	case "measure:power?", "measure:power:min?", "measure:power:max?", "measure:power:acdc?":
		i, v := s.outputs()
		return formatNum(math.Abs(i * v)), true
	case "*stb?", "*esr?":
		return "0", true
	case "status:questionable:condition?":
		if !s.outputOn {
			return "32", true // output disabled
		}
		return "0", true
	case "status:operation:condition?":
		reg := 0
		if s.outputOn {
			reg |= 1 << 3
			i, _ := s.outputs()
			if math.Abs(math.Abs(i)-math.Abs(s.iset)) < 1e-9 {
				if i >= 0 {
					reg |= 1 << 5
				} else {
					reg |= 1 << 6
				}
			} else {
				reg |= 1 << 4
			}
		}
		return strconv.Itoa(reg), true
	}
	s.errs = append(s.errs, "170,Invalid command")
	return "", false
}

func parseNum(arg, unitSuffix string) (float64, error) {
	arg = strings.TrimSuffix(strings.TrimSpace(arg), unitSuffix)
	return strconv.ParseFloat(strings.TrimSpace(arg), 64)
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
