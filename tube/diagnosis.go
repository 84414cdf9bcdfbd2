package tube

import (
	"fmt"
	"time"
)

const (
	diagDefectiveSource = "the x-ray source is probably defective; turn off the power supply and contact the sales office"
	diagPowerCycle      = "turn off the power supply, wait at least one minute and turn it on again; if the error returns the internal circuit may be defective, turn off the power and contact the sales office"
	diagAdjustSupply    = "check the input supply voltage and adjust it to meet the specifications"

	diagOverload = "overload protection is active; send RST and confirm the RST reply, then wait a few minutes before turning x-rays on again. " +
		"Reduce the tube current by about 10 percent and raise it gradually after emission restarts. " +
		"If STS 4 returns, power-cycle the supply; if it persists the tube is probably defective, stop using it and consult the sales office"
	diagInterlock    = "the interlock circuit is open; close it before emitting"
	diagPreheat      = "preheating is in progress; wait about one minute"
	diagBatteryLow   = "the button battery is low; replace it as described in the tube instruction manual"
	diagNotReady     = "x-rays cannot be emitted; the cause is preheat, a hardware error or an open interlock"
	diagPowerSupply  = "no ERR 0 NOC reply to the probe command; check that the tube power supply is on"
	diagUnknownCmd   = "the device did not recognize the command"
	diagParamRange   = "parameter value is outside the allowable range"
	diagMaxExceeded  = "value exceeds the maximum set by CMV/CMC"
	diagWattage      = "the requested voltage and current exceed the allowable wattage"
	diagSelfTestFail = "self-test did not complete; check ZTR for the detailed results"
)

// hardwareDiagnoses maps SER codes to remediation text.
var hardwareDiagnoses = map[int]string{
	3:   diagDefectiveSource,
	4:   diagDefectiveSource,
	200: "the fan is stopped; check for a foreign object in the blades. Excessive supply voltage can break the fan, in that case contact the sales office",
	201: diagAdjustSupply,
	202: "input supply voltage is too low; " + diagAdjustSupply,
	203: diagPowerCycle,
	204: diagPowerCycle,
	206: diagPowerCycle,
	207: diagPowerCycle,
	208: "input supply voltage is too high; " + diagAdjustSupply,
	209: "temperature alarm",
}

// HardwareDiagnosis returns the remediation text for a SER code.
func HardwareDiagnosis(code int) string {
	if d, ok := hardwareDiagnoses[code]; ok {
		return d
	}

	return fmt.Sprintf("unrecognized hardware error %d; turn off the power supply and contact the sales office", code)
}

func hardwareFault(code int, reply string) *DeviceFault {
	return &DeviceFault{
		Kind:      FaultHardware,
		Command:   cmdHardwareError,
		Response:  reply,
		Code:      code,
		State:     StateUnknown,
		Diagnosis: HardwareDiagnosis(code),
	}
}

func overloadFault(cmd, reply string) *DeviceFault {
	return &DeviceFault{
		Kind:      FaultOverload,
		Command:   cmd,
		Response:  reply,
		Code:      int(StateOverloadTripped),
		State:     StateOverloadTripped,
		Diagnosis: diagOverload,
	}
}

// warmupMinutes maps a "pattern step" pair from SWS to the approximate
// minutes of warm-up left.
var warmupMinutes = map[[2]int]int{
	{0, 0}: 1,
	{1, 5}: 4, {1, 4}: 7, {1, 3}: 10, {1, 2}: 13, {1, 1}: 14, {1, 0}: 15,
	{2, 5}: 10, {2, 4}: 17, {2, 3}: 24, {2, 2}: 30, {2, 1}: 35, {2, 0}: 40,
	{3, 5}: 10, {3, 4}: 30, {3, 3}: 60, {3, 2}: 80, {3, 1}: 110, {3, 0}: 120,
}

// WarmupStep is the SWS reading: the warm-up pattern and step in progress.
type WarmupStep struct {
	Pattern int
	Step    int
	// Remaining is the approximate warm-up time left. Zero when Known is false.
	Remaining time.Duration
	Known     bool
}

// Active reports whether a warm-up is running. SWS 0 0 means no warm-up.
func (w WarmupStep) Active() bool {
	return w.Pattern != 0 || w.Step != 0
}

func newWarmupStep(pattern, step int) WarmupStep {
	ws := WarmupStep{Pattern: pattern, Step: step}
	if m, ok := warmupMinutes[[2]int{pattern, step}]; ok {
		ws.Remaining = time.Duration(m) * time.Minute
		ws.Known = true
	}

	return ws
}
