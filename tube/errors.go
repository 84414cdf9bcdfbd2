package tube

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError reports that a command could not be exchanged with the
// device. Err wraps one of the transport sentinel errors or a context error.
type TransportError struct {
	Op      string
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	var sb strings.Builder
	sb.WriteString("tube: ")
	sb.WriteString(e.Op)
	if e.Command != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Command)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}

	return sb.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// FaultKind classifies a DeviceFault.
type FaultKind int

const (
	FaultHardware FaultKind = iota + 1
	FaultInterlock
	FaultPreheat
	FaultOverload
	FaultSelfTest
	FaultBatteryLow
	FaultNotReady
	FaultParameterRange
	FaultMaxExceeded
	FaultWattage
	FaultEmissionInterrupted
)

func (k FaultKind) String() string {
	switch k {
	case FaultHardware:
		return "hardware"
	case FaultInterlock:
		return "interlock"
	case FaultPreheat:
		return "preheat"
	case FaultOverload:
		return "overload"
	case FaultSelfTest:
		return "self-test"
	case FaultBatteryLow:
		return "battery-low"
	case FaultNotReady:
		return "not-ready"
	case FaultParameterRange:
		return "parameter-range"
	case FaultMaxExceeded:
		return "max-exceeded"
	case FaultWattage:
		return "wattage"
	case FaultEmissionInterrupted:
		return "emission-interrupted"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// DeviceFault is a condition reported by the device. Device faults are never
// retried by the controller.
type DeviceFault struct {
	Kind FaultKind
	// Command is the command that surfaced the fault, e.g. XON for a refused
	// XON that was drilled down to SER 3.
	Command string
	// Response is the reply that encodes the fault, e.g. "SER 3" or "ERR 20 HIV".
	Response string
	// Code is the numeric part of Response: SER code, ERR class or STS value.
	Code int
	// State is the device state when known, StateUnknown otherwise.
	State State
	// Diagnosis is the operator remediation text.
	Diagnosis string
}

func (f *DeviceFault) Error() string {
	msg := fmt.Sprintf("tube: %s fault", f.Kind)
	if f.Command != "" {
		msg += " on " + f.Command
	}
	if f.Response != "" {
		msg += fmt.Sprintf(" [%s]", f.Response)
	}
	if f.Diagnosis != "" {
		msg += ": " + f.Diagnosis
	}

	return msg
}

// IsWarning reports whether the fault is advisory and does not block operation.
func (f *DeviceFault) IsWarning() bool {
	return f.Kind == FaultBatteryLow
}

// withCommand returns a copy of f attributed to cmd.
func (f *DeviceFault) withCommand(cmd string) *DeviceFault {
	cp := *f
	cp.Command = cmd

	return &cp
}

// ProtocolError reports a reply the controller cannot accept: malformed,
// unexpected, an echo mismatch, or ERR 0 NOC.
type ProtocolError struct {
	Command   string
	Response  string
	Reason    string
	Diagnosis string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("tube: protocol error on %s: %s (reply %q)", e.Command, e.Reason, e.Response)
	if e.Diagnosis != "" {
		msg += ": " + e.Diagnosis
	}

	return msg
}

// PreconditionViolation reports an operation attempted from the wrong state.
type PreconditionViolation struct {
	Op     string
	State  State
	Reason string
}

func (e *PreconditionViolation) Error() string {
	if e.State == StateUnknown {
		return fmt.Sprintf("tube: cannot %s: %s", e.Op, e.Reason)
	}

	return fmt.Sprintf("tube: cannot %s in state %s: %s", e.Op, e.State, e.Reason)
}

// AsFault returns the DeviceFault in err's chain, if any.
func AsFault(err error) (*DeviceFault, bool) {
	var f *DeviceFault
	if errors.As(err, &f) {
		return f, true
	}

	return nil, false
}

// IsFault reports whether err carries a DeviceFault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	f, ok := AsFault(err)
	return ok && f.Kind == kind
}

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsPreconditionViolation reports whether err is a PreconditionViolation.
func IsPreconditionViolation(err error) bool {
	var pv *PreconditionViolation
	return errors.As(err, &pv)
}
