package tube

import (
	"fmt"
	"strconv"
	"strings"
)

// Interpretation is the decoded meaning of a status-family reply.
type Interpretation struct {
	// Reply is the raw reply text.
	Reply string
	// Code is the reply family, e.g. STS or SER.
	Code string
	// Values are the numeric arguments.
	Values []int
	// State is the reported device state for STS, StateUnknown otherwise.
	State State
	// Fault is the fault the reply encodes, nil when the reading is nominal.
	// For STS 5 it is a FaultNotReady placeholder to be refined by diagnosis.
	Fault *DeviceFault
}

// familyArity is the number of numeric arguments per reply family.
var familyArity = map[string]int{
	cmdStatus:         1,
	cmdHardwareError:  1,
	cmdInterlock:      1,
	cmdPreheat:        1,
	cmdWarmupStatus:   1,
	cmdBattery:        1,
	cmdSelfTestStatus: 1,
	cmdWarmupStep:     2,
}

// Interpret decodes a reply of the STS, SER, SIN, SPH, SWE, SBT, ZTE or SWS
// family. A reply outside those families or with out-of-range values yields
// a ProtocolError.
func Interpret(reply string) (Interpretation, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return Interpretation{}, &ProtocolError{Response: reply, Reason: "empty reply"}
	}

	code := fields[0]
	arity, ok := familyArity[code]
	if !ok {
		return Interpretation{}, &ProtocolError{Command: code, Response: reply, Reason: "unknown reply code"}
	}
	if len(fields)-1 != arity {
		return Interpretation{}, malformed(code, reply, "want %d argument(s)", arity)
	}

	values := make([]int, arity)
	for i, f := range fields[1:] {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Interpretation{}, malformed(code, reply, "argument %q is not a number", f)
		}
		values[i] = v
	}

	in := Interpretation{Reply: reply, Code: code, Values: values, State: StateUnknown}
	v := values[0]

	switch code {
	case cmdStatus:
		st := State(v)
		if !st.valid() {
			return Interpretation{}, malformed(code, reply, "status %d out of range", v)
		}
		in.State = st
		switch st {
		case StateOverloadTripped:
			in.Fault = overloadFault(cmdStatus, reply)
		case StateNotReady:
			in.Fault = &DeviceFault{
				Kind: FaultNotReady, Command: cmdStatus, Response: reply,
				Code: v, State: st, Diagnosis: diagNotReady,
			}
		}

	case cmdHardwareError:
		if v < 0 {
			return Interpretation{}, malformed(code, reply, "negative error code")
		}
		if v != 0 {
			in.Fault = hardwareFault(v, reply)
		}

	case cmdInterlock, cmdPreheat, cmdBattery, cmdSelfTestStatus:
		if v != 0 && v != 1 {
			return Interpretation{}, malformed(code, reply, "flag %d is not 0 or 1", v)
		}
		if v == 1 {
			in.Fault = flagFault(code, reply)
		}

	case cmdWarmupStatus:
		if v < 0 || v > 2 {
			return Interpretation{}, malformed(code, reply, "warm-up status %d out of range", v)
		}

	case cmdWarmupStep:
		if v < 0 || v > 3 || values[1] < 0 || values[1] > 5 {
			return Interpretation{}, malformed(code, reply, "pattern/step out of range")
		}
	}

	return in, nil
}

// flagFault is the fault a set flag encodes. ZTE 1 means the self-test is
// complete, which is not a fault.
func flagFault(code, reply string) *DeviceFault {
	f := &DeviceFault{Command: code, Response: reply, Code: 1, State: StateUnknown}
	switch code {
	case cmdInterlock:
		f.Kind, f.Diagnosis = FaultInterlock, diagInterlock
	case cmdPreheat:
		f.Kind, f.Diagnosis = FaultPreheat, diagPreheat
	case cmdBattery:
		f.Kind, f.Diagnosis = FaultBatteryLow, diagBatteryLow
	default:
		return nil
	}

	return f
}

func malformed(code, reply, format string, args ...any) *ProtocolError {
	return &ProtocolError{Command: code, Response: reply, Reason: "malformed reply: " + fmt.Sprintf(format, args...)}
}

// commandError is a parsed "ERR <class> <echo>" reply.
type commandError struct {
	class int
	echo  string
}

// parseCommandError parses "ERR <class> <echo>" including the literal "ERR 0 NOC".
func parseCommandError(reply string) (commandError, bool) {
	fields := strings.Fields(reply)
	if len(fields) < 2 || fields[0] != "ERR" {
		return commandError{}, false
	}
	class, err := strconv.Atoi(fields[1])
	if err != nil {
		return commandError{}, false
	}
	ce := commandError{class: class}
	if len(fields) > 2 {
		ce.echo = strings.Join(fields[2:], " ")
	}

	return ce, true
}

// readoutFields checks a read-out reply's code and returns its arguments.
func readoutFields(code, reply string, n int) ([]string, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != code {
		return nil, &ProtocolError{Command: code, Response: reply, Reason: "unexpected reply"}
	}
	if len(fields)-1 < n {
		return nil, malformed(code, reply, "want at least %d argument(s)", n)
	}

	return fields[1:], nil
}

func readoutInt(code, reply string) (int, error) {
	args, err := readoutFields(code, reply, 1)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, malformed(code, reply, "argument %q is not a number", args[0])
	}

	return v, nil
}

func readoutFloat(code, reply string) (float64, error) {
	args, err := readoutFields(code, reply, 1)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, malformed(code, reply, "argument %q is not a number", args[0])
	}

	return v, nil
}
