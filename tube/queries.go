package tube

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gantrylab/xtube/internal/pool"
)

// Status polls STS. For OverloadTripped it returns the overload fault and for
// NotReady the fault found by the SER, SPH, SIN diagnosis, together with the state.
func (c *Controller) Status(ctx context.Context) (State, error) {
	in, err := c.query(ctx, cmdStatus)
	if err != nil {
		return StateUnknown, err
	}

	switch in.State {
	case StateOverloadTripped:
		return in.State, c.fault(in.Fault)
	case StateNotReady:
		return in.State, c.fault(c.diagnose(ctx, cmdStatus))
	}

	return in.State, nil
}

// IsReady reports whether the device is Ready, that is able to emit and not emitting.
func (c *Controller) IsReady(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}

	return st == StateReady, nil
}

// IsOn reports whether the device is emitting.
func (c *Controller) IsOn(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}

	return st == StateEmitting, nil
}

// flag queries a 0/1 reading and returns whether it is set, with the fault it encodes.
func (c *Controller) flag(ctx context.Context, cmd string) (bool, *DeviceFault, error) {
	in, err := c.query(ctx, cmd)
	if err != nil {
		return false, nil, err
	}

	return in.Values[0] == 1, in.Fault, nil
}

// BatteryStatus queries SBT. A low battery returns true with a warning
// DeviceFault of kind FaultBatteryLow.
func (c *Controller) BatteryStatus(ctx context.Context) (low bool, err error) {
	low, f, err := c.flag(ctx, cmdBattery)
	if err != nil {
		return false, err
	}
	if f != nil {
		return true, f
	}

	return low, nil
}

// InterlockStatus queries SIN. An open interlock returns true with a FaultInterlock.
func (c *Controller) InterlockStatus(ctx context.Context) (open bool, err error) {
	open, f, err := c.flag(ctx, cmdInterlock)
	if err != nil {
		return false, err
	}
	if f != nil {
		return true, c.fault(f)
	}

	return open, nil
}

// PreheatStatus queries SPH and reports whether preheating is in progress.
// Preheating is not a fault on its own; the NotReady diagnosis reports it as one.
func (c *Controller) PreheatStatus(ctx context.Context) (inProgress bool, err error) {
	inProgress, _, err = c.flag(ctx, cmdPreheat)
	return inProgress, err
}

// SelfTestStatus queries ZTE and reports whether the self-test is complete.
func (c *Controller) SelfTestStatus(ctx context.Context) (complete bool, err error) {
	complete, _, err = c.flag(ctx, cmdSelfTestStatus)
	return complete, err
}

// HardwareErrorCheck queries SER. A non-zero code returns the code with a FaultHardware.
func (c *Controller) HardwareErrorCheck(ctx context.Context) (code int, err error) {
	in, err := c.query(ctx, cmdHardwareError)
	if err != nil {
		return 0, err
	}
	if in.Fault != nil {
		return in.Values[0], c.fault(in.Fault)
	}

	return 0, nil
}

// WarmupStatus queries SWE.
func (c *Controller) WarmupStatus(ctx context.Context) (WarmupState, error) {
	in, err := c.query(ctx, cmdWarmupStatus)
	if err != nil {
		return 0, err
	}

	return WarmupState(in.Values[0]), nil
}

// WarmupStep queries SWS and estimates the remaining warm-up time.
func (c *Controller) WarmupStep(ctx context.Context) (WarmupStep, error) {
	in, err := c.query(ctx, cmdWarmupStep)
	if err != nil {
		return WarmupStep{}, err
	}

	return newWarmupStep(in.Values[0], in.Values[1]), nil
}

// Operation is the SAR reading.
type Operation struct {
	State   State
	Voltage int // kV
	Current int // µA
}

// OperationStatus queries SAR: status, output voltage and output current.
func (c *Controller) OperationStatus(ctx context.Context) (Operation, error) {
	reply, err := c.readout(ctx, cmdOperation)
	if err != nil {
		return Operation{}, err
	}
	args, err := readoutFields(cmdOperation, reply, 3)
	if err != nil {
		return Operation{}, err
	}
	v, err := atoiAll(cmdOperation, reply, args[:3])
	if err != nil {
		return Operation{}, err
	}

	return Operation{State: State(v[0]), Voltage: v[1], Current: v[2]}, nil
}

// NoXRay is the SNR reading: the conditions that can block emission.
type NoXRay struct {
	HardwareError int
	InterlockOpen bool
	Preheating    bool
}

// NoXRayStatus queries SNR.
func (c *Controller) NoXRayStatus(ctx context.Context) (NoXRay, error) {
	reply, err := c.readout(ctx, cmdNoXRay)
	if err != nil {
		return NoXRay{}, err
	}
	args, err := readoutFields(cmdNoXRay, reply, 3)
	if err != nil {
		return NoXRay{}, err
	}
	v, err := atoiAll(cmdNoXRay, reply, args[:3])
	if err != nil {
		return NoXRay{}, err
	}

	return NoXRay{HardwareError: v[0], InterlockOpen: v[1] == 1, Preheating: v[2] == 1}, nil
}

// ActualVoltage queries SHV, the output voltage in kV.
func (c *Controller) ActualVoltage(ctx context.Context) (int, error) {
	return c.readoutInt(ctx, cmdActualVoltage)
}

// PresetVoltage queries SPV, the voltage setting in kV.
func (c *Controller) PresetVoltage(ctx context.Context) (int, error) {
	return c.readoutInt(ctx, cmdPresetVoltage)
}

// ActualCurrent queries SCU, the output current in µA.
func (c *Controller) ActualCurrent(ctx context.Context) (int, error) {
	return c.readoutInt(ctx, cmdActualCurrent)
}

// PresetCurrent queries SPC, the current setting in µA.
func (c *Controller) PresetCurrent(ctx context.Context) (int, error) {
	return c.readoutInt(ctx, cmdPresetCurrent)
}

// PowerOnTime queries STM, the accumulated power-on time.
func (c *Controller) PowerOnTime(ctx context.Context) (time.Duration, error) {
	return c.readoutHours(ctx, cmdPowerOnTime)
}

// EmissionTime queries SXT, the accumulated emission time including warm-ups.
func (c *Controller) EmissionTime(ctx context.Context) (time.Duration, error) {
	return c.readoutHours(ctx, cmdEmissionTime)
}

// ModelName queries TYP.
func (c *Controller) ModelName(ctx context.Context) (string, error) {
	reply, err := c.readout(ctx, cmdModel)
	if err != nil {
		return "", err
	}
	args, err := readoutFields(cmdModel, reply, 1)
	if err != nil {
		return "", err
	}

	return strings.Join(args, " "), nil
}

// SelfTestReport is the ZTR reading.
type SelfTestReport struct {
	CathodeLevel     int // 5 good .. 1 deteriorated
	MaxInputVoltage  float64
	MinInputVoltage  float64
	AvgInputVoltage  float64
	ControlCircuit1  bool // true when abnormal
	ControlCircuit2  bool
	HighVoltageBlock bool
	BoardTemp1       int // °C
	BoardTemp2       int
}

// Healthy reports whether every circuit is normal.
func (r SelfTestReport) Healthy() bool {
	return !r.ControlCircuit1 && !r.ControlCircuit2 && !r.HighVoltageBlock
}

// SelfTestResults queries ZTR.
func (c *Controller) SelfTestResults(ctx context.Context) (SelfTestReport, error) {
	reply, err := c.readout(ctx, cmdSelfTestResults)
	if err != nil {
		return SelfTestReport{}, err
	}
	args, err := readoutFields(cmdSelfTestResults, reply, 9)
	if err != nil {
		return SelfTestReport{}, err
	}

	var r SelfTestReport
	ints, err := atoiAll(cmdSelfTestResults, reply, []string{args[0], args[4], args[5], args[6], args[7], args[8]})
	if err != nil {
		return SelfTestReport{}, err
	}
	volts := make([]float64, 3)
	for i, a := range args[1:4] {
		if volts[i], err = strconv.ParseFloat(a, 64); err != nil {
			return SelfTestReport{}, malformed(cmdSelfTestResults, reply, "argument %q is not a number", a)
		}
	}

	r.CathodeLevel = ints[0]
	r.MaxInputVoltage, r.MinInputVoltage, r.AvgInputVoltage = volts[0], volts[1], volts[2]
	r.ControlCircuit1 = ints[1] != 0
	r.ControlCircuit2 = ints[2] != 0
	r.HighVoltageBlock = ints[3] != 0
	r.BoardTemp1, r.BoardTemp2 = ints[4], ints[5]

	return r, nil
}

// Settings is a snapshot of output voltage, output current and status.
type Settings struct {
	Voltage int // kV
	Current int // µA
	State   State
}

func (s Settings) String() string {
	return fmt.Sprintf("voltage %d kV, current %d µA, status %s", s.Voltage, s.Current, s.State.Description())
}

// Settings reads SHV, SCU and STS.
func (c *Controller) Settings(ctx context.Context) (Settings, error) {
	v, err := c.ActualVoltage(ctx)
	if err != nil {
		return Settings{}, err
	}
	cur, err := c.ActualCurrent(ctx)
	if err != nil {
		return Settings{}, err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return Settings{State: st, Voltage: v, Current: cur}, err
	}

	return Settings{Voltage: v, Current: cur, State: st}, nil
}

// CheckPowerSupply sends the probe command, which the device must answer
// with ERR 0 NOC. Any other reply means the supply is probably off.
func (c *Controller) CheckPowerSupply(ctx context.Context) error {
	reply, err := c.exchange(ctx, c.cfg.probeCommand)
	if err != nil {
		return err
	}
	if reply != replyUnknownCommand {
		return &ProtocolError{Command: c.cfg.probeCommand, Response: reply, Reason: "unexpected probe reply", Diagnosis: diagPowerSupply}
	}

	return nil
}

// SetVoltage sets the tube voltage in kV. It succeeds only if the device
// echoes exactly "HIV <kV>".
func (c *Controller) SetVoltage(ctx context.Context, kV int) error {
	return c.setParam(ctx, cmdVoltage, kV)
}

// SetCurrent sets the tube current in µA. It succeeds only if the device
// echoes exactly "CUR <µA>".
func (c *Controller) SetCurrent(ctx context.Context, uA int) error {
	return c.setParam(ctx, cmdCurrent, uA)
}

func (c *Controller) setParam(ctx context.Context, name string, v int) error {
	cmd := paramCommand(name, v)
	reply, err := c.exchange(ctx, cmd)
	if err != nil {
		return err
	}
	if reply == cmd {
		c.logger.Info("parameter set", "cmd", cmd)
		return nil
	}
	if _, isErr := parseCommandError(reply); isErr {
		return c.classify(ctx, cmd, reply)
	}

	return &ProtocolError{Command: cmd, Response: reply, Reason: "echo mismatch"}
}

// Warmup sends WUP. It returns once the device has accepted it; Start waits
// for the warm-up to finish.
func (c *Controller) Warmup(ctx context.Context) error {
	if err := c.action(ctx, cmdWarmup); err != nil {
		return err
	}
	c.observeState(StateWarmingUp)
	c.logger.Info("warm-up started")

	return nil
}

// OverloadReset sends RST. Only accepted while overload protection is active.
func (c *Controller) OverloadReset(ctx context.Context) error {
	if err := c.action(ctx, cmdReset); err != nil {
		return err
	}
	c.logger.Info("overload protection reset")

	return nil
}

// SelfTest sends TSF, polls STS while the self-test runs and then checks ZTE.
// Only accepted from Ready.
func (c *Controller) SelfTest(ctx context.Context) error {
	if err := c.action(ctx, cmdSelfTest); err != nil {
		return err
	}
	c.logger.Info("self-test started")

	deadline := time.Now().Add(c.cfg.selfTestTimeout)
	for {
		if !pool.Sleep(ctx, c.cfg.warmupPollInterval) {
			return &TransportError{Op: "self-test", Command: cmdStatus, Err: ctx.Err()}
		}
		in, err := c.query(ctx, cmdStatus)
		if err != nil {
			return err
		}
		if in.State != StateSelfTesting {
			break
		}
		if time.Now().After(deadline) {
			return c.fault(&DeviceFault{
				Kind: FaultSelfTest, Command: cmdSelfTest, Response: in.Reply, State: in.State,
				Diagnosis: fmt.Sprintf("self-test did not finish within %v", c.cfg.selfTestTimeout),
			})
		}
	}

	complete, err := c.SelfTestStatus(ctx)
	if err != nil {
		return err
	}
	if complete {
		c.logger.Info("self-test completed")
		return nil
	}

	in, err := c.query(ctx, cmdStatus)
	if err != nil {
		return err
	}
	switch in.State {
	case StateNotReady:
		return c.fault(c.diagnose(ctx, cmdSelfTest))
	case StateOverloadTripped:
		return c.fault(in.Fault.withCommand(cmdSelfTest))
	}

	return c.fault(&DeviceFault{
		Kind: FaultSelfTest, Command: cmdSelfTest, Response: "ZTE 0", State: in.State,
		Diagnosis: diagSelfTestFail,
	})
}

// action sends a bare command that must be echoed.
func (c *Controller) action(ctx context.Context, cmd string) error {
	reply, err := c.exchange(ctx, cmd)
	if err != nil {
		return err
	}
	if reply != cmd {
		return c.classify(ctx, cmd, reply)
	}

	return nil
}

// readout sends a read-out query and classifies ERR replies.
func (c *Controller) readout(ctx context.Context, cmd string) (string, error) {
	reply, err := c.exchange(ctx, cmd)
	if err != nil {
		return "", err
	}
	if _, isErr := parseCommandError(reply); isErr {
		return "", c.classify(ctx, cmd, reply)
	}

	return reply, nil
}

func (c *Controller) readoutInt(ctx context.Context, cmd string) (int, error) {
	reply, err := c.readout(ctx, cmd)
	if err != nil {
		return 0, err
	}

	return readoutInt(cmd, reply)
}

func (c *Controller) readoutHours(ctx context.Context, cmd string) (time.Duration, error) {
	reply, err := c.readout(ctx, cmd)
	if err != nil {
		return 0, err
	}
	h, err := readoutFloat(cmd, reply)
	if err != nil {
		return 0, err
	}

	return time.Duration(h * float64(time.Hour)), nil
}

func atoiAll(code, reply string, args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, malformed(code, reply, "argument %q is not a number", a)
		}
		out[i] = v
	}

	return out, nil
}
