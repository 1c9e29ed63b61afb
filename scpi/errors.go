package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// Class partitions device error codes into families so callers can react to
// a kind of failure without matching raw codes.
type Class int

// Error classes reported by the supplies served here.
const (
	// Generic covers codes with no more specific family.
	Generic Class = iota
	ParameterOverflow
	WrongUnitsForParam
	ParamTypeError
	InvalidCommand
	FrontPanelTimeout
	InvalidCharacter
	SyntaxError
	StringDataError
	ExecutionError
	ErrorQueueOverrun
)

func (c Class) String() string {
	switch c {
	case ParameterOverflow:
		return "parameter overflow"
	case WrongUnitsForParam:
		return "wrong units for parameter"
	case ParamTypeError:
		return "parameter type error"
	case InvalidCommand:
		return "invalid command"
	case FrontPanelTimeout:
		return "front panel timeout"
	case InvalidCharacter:
		return "invalid character"
	case SyntaxError:
		return "syntax error"
	case StringDataError:
		return "invalid string data"
	case ExecutionError:
		return "execution error"
	case ErrorQueueOverrun:
		return "error queue overrun"
	default:
		return "device error"
	}
}

var classes = map[int]Class{
	120:  ParameterOverflow,
	130:  WrongUnitsForParam,
	140:  ParamTypeError,
	170:  InvalidCommand,
	224:  FrontPanelTimeout,
	-101: InvalidCharacter,
	-102: SyntaxError,
	-150: StringDataError,
	-200: ExecutionError,
	-350: ErrorQueueOverrun,
}

// DeviceError is an entry popped from an instrument's error queue.
type DeviceError struct {
	Code    int
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %d (%s): %s", e.Code, e.Class(), e.Message)
}

// Class returns the family the code belongs to.
func (e *DeviceError) Class() Class {
	if c, ok := classes[e.Code]; ok {
		return c
	}
	return Generic
}

// ParseError interprets a "system:error?" response.  Responses shaped
// "<code>,<message>" with a nonzero code become a *DeviceError; empty
// responses and code 0 ("no error") are nil.  Code 224 (front panel
// timeout) is also nil: the supplies raise it as a side effect of remote
// takeover and it carries no information about the command that triggered
// the check.
func ParseError(resp string) error {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return nil
	}
	codeStr, msg := resp, ""
	if idx := strings.Index(resp, ","); idx >= 0 {
		codeStr = resp[:idx]
		msg = strings.Trim(resp[idx+1:], ` "`)
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return &DeviceError{Code: 0, Message: resp}
	}
	if code == 0 || code == 224 {
		return nil
	}
	return &DeviceError{Code: code, Message: msg}
}
