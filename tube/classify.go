package tube

import (
	"context"
	"fmt"
)

// classify turns a reply that is neither the expected echo nor a nominal
// reading into an error, using the ERR class and the provoking command.
func (c *Controller) classify(ctx context.Context, cmd, reply string) error {
	ce, ok := parseCommandError(reply)
	if !ok {
		return &ProtocolError{Command: cmd, Response: reply, Reason: "unexpected reply"}
	}

	base := baseCommand(cmd)

	switch ce.class {
	case 0:
		return &ProtocolError{Command: cmd, Response: reply, Reason: "command not recognized", Diagnosis: diagUnknownCmd}

	case 10:
		return c.classifyNotReady(ctx, cmd, base, reply)

	case 20:
		return c.fault(&DeviceFault{
			Kind: FaultParameterRange, Command: cmd, Response: reply, Code: ce.class,
			State: StateUnknown, Diagnosis: diagParamRange,
		})

	case 30:
		return c.fault(&DeviceFault{
			Kind: FaultMaxExceeded, Command: cmd, Response: reply, Code: ce.class,
			State: StateUnknown, Diagnosis: diagMaxExceeded,
		})

	case 40:
		return c.fault(&DeviceFault{
			Kind: FaultWattage, Command: cmd, Response: reply, Code: ce.class,
			State: StateUnknown, Diagnosis: diagWattage,
		})

	default:
		return &ProtocolError{Command: cmd, Response: reply, Reason: fmt.Sprintf("unknown error class %d", ce.class)}
	}
}

// classifyNotReady handles ERR 10. For XON and WUP it drills into SER, SPH,
// SIN and finally STS to name the blocking condition. For TSF and RST it
// checks the state those commands require.
func (c *Controller) classifyNotReady(ctx context.Context, cmd, base, reply string) error {
	switch base {
	case cmdXRayOn, cmdWarmup:
		f, err := c.diagnoseChain(ctx)
		if err != nil {
			return err
		}
		if f != nil {
			return c.fault(f.withCommand(cmd))
		}

		in, err := c.query(ctx, cmdStatus)
		if err != nil {
			return err
		}
		if in.State == StateOverloadTripped {
			return c.fault(in.Fault.withCommand(cmd))
		}
		if in.State == StateEmitting && base == cmdXRayOn {
			return &PreconditionViolation{Op: "turn x-rays on", State: in.State, Reason: "x-rays are already being emitted"}
		}

		return c.fault(&DeviceFault{
			Kind: FaultNotReady, Command: cmd, Response: reply, Code: 10, State: in.State,
			Diagnosis: fmt.Sprintf("%s refused; device is %s", base, in.State.Description()),
		})

	case cmdSelfTest:
		return c.checkPrecondition(ctx, cmd, reply, "run self-test", StateReady)

	case cmdReset:
		return c.checkPrecondition(ctx, cmd, reply, "reset overload protection", StateOverloadTripped)

	default:
		return c.fault(&DeviceFault{
			Kind: FaultNotReady, Command: cmd, Response: reply, Code: 10, State: StateUnknown,
			Diagnosis: fmt.Sprintf("not ready to accept %s, or the command was already sent", base),
		})
	}
}

func (c *Controller) checkPrecondition(ctx context.Context, cmd, reply, op string, want State) error {
	in, err := c.query(ctx, cmdStatus)
	if err != nil {
		return err
	}
	if in.State != want {
		return &PreconditionViolation{
			Op: op, State: in.State,
			Reason: fmt.Sprintf("%s is only accepted in state %s (STS %d)", baseCommand(cmd), want, int(want)),
		}
	}

	return c.fault(&DeviceFault{
		Kind: FaultNotReady, Command: cmd, Response: reply, Code: 10, State: in.State,
		Diagnosis: fmt.Sprintf("%s refused although the device is %s", baseCommand(cmd), in.State.Description()),
	})
}
