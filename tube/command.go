package tube

import (
	"strconv"
	"strings"
)

// Device command vocabulary.
const (
	cmdStatus          = "STS"
	cmdHardwareError   = "SER"
	cmdInterlock       = "SIN"
	cmdPreheat         = "SPH"
	cmdWarmupStatus    = "SWE"
	cmdWarmupStep      = "SWS"
	cmdBattery         = "SBT"
	cmdSelfTestStatus  = "ZTE"
	cmdSelfTestResults = "ZTR"
	cmdOperation       = "SAR"
	cmdNoXRay          = "SNR"
	cmdActualVoltage   = "SHV"
	cmdPresetVoltage   = "SPV"
	cmdActualCurrent   = "SCU"
	cmdPresetCurrent   = "SPC"
	cmdPowerOnTime     = "STM"
	cmdEmissionTime    = "SXT"
	cmdModel           = "TYP"

	cmdXRayOn   = "XON"
	cmdXRayOff  = "XOF"
	cmdWarmup   = "WUP"
	cmdSelfTest = "TSF"
	cmdReset    = "RST"

	cmdVoltage = "HIV"
	cmdCurrent = "CUR"

	// DefaultProbeCommand is sent first after opening; any unknown command works.
	DefaultProbeCommand = "PING"
	replyUnknownCommand = "ERR 0 NOC"
)

type commandKind int

const (
	kindQuery commandKind = iota
	kindAction
	kindParam
)

// commandSpec says how the controller treats a command's reply.
type commandSpec struct {
	kind commandKind
	// retryable commands are resent when the device did not answer.
	retryable bool
}

var commandSpecs = map[string]commandSpec{
	cmdStatus:          {kind: kindQuery, retryable: true},
	cmdHardwareError:   {kind: kindQuery, retryable: true},
	cmdInterlock:       {kind: kindQuery, retryable: true},
	cmdPreheat:         {kind: kindQuery, retryable: true},
	cmdWarmupStatus:    {kind: kindQuery, retryable: true},
	cmdWarmupStep:      {kind: kindQuery, retryable: true},
	cmdBattery:         {kind: kindQuery, retryable: true},
	cmdSelfTestStatus:  {kind: kindQuery, retryable: true},
	cmdSelfTestResults: {kind: kindQuery, retryable: true},
	cmdOperation:       {kind: kindQuery, retryable: true},
	cmdNoXRay:          {kind: kindQuery, retryable: true},
	cmdActualVoltage:   {kind: kindQuery, retryable: true},
	cmdPresetVoltage:   {kind: kindQuery, retryable: true},
	cmdActualCurrent:   {kind: kindQuery, retryable: true},
	cmdPresetCurrent:   {kind: kindQuery, retryable: true},
	cmdPowerOnTime:     {kind: kindQuery, retryable: true},
	cmdEmissionTime:    {kind: kindQuery, retryable: true},
	cmdModel:           {kind: kindQuery, retryable: true},
	cmdXRayOn:          {kind: kindAction},
	cmdXRayOff:         {kind: kindAction},
	cmdWarmup:          {kind: kindAction},
	cmdSelfTest:        {kind: kindAction},
	cmdReset:           {kind: kindAction},
	cmdVoltage:         {kind: kindParam},
	cmdCurrent:         {kind: kindParam},
}

// specFor returns the spec of cmd's base name. Unknown commands, such as the
// probe, are treated as non-retryable actions.
func specFor(cmd string) commandSpec {
	if s, ok := commandSpecs[baseCommand(cmd)]; ok {
		return s
	}

	return commandSpec{kind: kindAction}
}

// baseCommand strips parameters: "HIV 80" -> "HIV".
func baseCommand(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		return cmd[:i]
	}

	return cmd
}

func paramCommand(name string, v int) string {
	return name + " " + strconv.Itoa(v)
}
