package itech

import (
	"context"

	"github.com/magnetlab/vectormag/util"
)

type statusBit struct {
	bit uint
	key string
	msg string
}

// Register bit meanings from the IT6432 programming guide.
var (
	statusByteBits = []statusBit{
		{7, "STB7", "An operation event has occurred."},
		{6, "STB6", "Master status/Request service."},
		{5, "STB5", "An enabled standard event has occurred."},
		{4, "STB4", "The output queue contains data."},
		{3, "STB3", "An enabled questionable event has occurred."},
	}
	eventStatusBits = []statusBit{
		{7, "ESR7", "Power supply was reset."},
		{5, "ESR5", "Command syntax or semantic error."},
		{4, "ESR4", "Parameter overflows or the condition is not right."},
		{3, "ESR3", "Device dependent error."},
		{2, "ESR2", "Data of output array is missing."},
		{0, "ESR0", "An operation completed."},
	}
	questionableBits = []statusBit{
		{6, "QER6", "Overload current is set."},
		{5, "QER5", "Output disabled."},
		{4, "QER4", "Abnormal voltage output."},
		{3, "QER3", "Over temperature tripped."},
		{2, "QER2", "A front panel key was pressed."},
		{1, "QER1", "Over current protection tripped."},
		{0, "QER0", "Over voltage protection tripped."},
	}
	operationBits = []statusBit{
		{7, "OSR7", "Battery running status."},
		{6, "OSR6", "Negative constant current mode."},
		{5, "OSR5", "Constant current mode."},
		{4, "OSR4", "Constant voltage mode."},
		{3, "OSR3", "Output status on."},
		{2, "OSR2", "Waiting for trigger."},
		{1, "OSR1", "There is an Error."},
		{0, "OSR0", "Calibrating."},
	}
)

func decodeRegister(reg int, bits []statusBit, into map[string]string) {
	for _, b := range bits {
		if util.GetBit(byte(reg), b.bit) {
			into[b.key] = b.msg
		}
	}
}

// Status queries the four status registers and returns a message for every
// set bit, keyed by register name and bit number.  Used for low-level
// debugging.
func (s *Supply) Status(ctx context.Context) (map[string]string, error) {
	conn, err := s.scpi()
	if err != nil {
		return nil, err
	}
	messages := make(map[string]string)

	queries := []struct {
		cmd  string
		bits []statusBit
	}{
		{"*STB?", statusByteBits},
		{"*ESR?", eventStatusBits},
		{"status:questionable:condition?", questionableBits},
		{"status:operation:condition?", operationBits},
	}
	for _, q := range queries {
		reg, err := conn.QueryInt(ctx, q.cmd)
		if err != nil {
			return messages, err
		}
		decodeRegister(reg, q.bits, messages)
	}
	return messages, nil
}

// ConstantCurrent reports whether the supply is in a constant current mode
// (positive or negative), i.e. the current limit is the active constraint.
func (s *Supply) ConstantCurrent(ctx context.Context) (bool, error) {
	conn, err := s.scpi()
	if err != nil {
		return false, err
	}
	reg, err := conn.QueryInt(ctx, "status:operation:condition?")
	if err != nil {
		return false, err
	}
	return util.GetBit(byte(reg), 5) || util.GetBit(byte(reg), 6), nil
}
