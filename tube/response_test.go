package tube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpret_Status(t *testing.T) {
	tests := []struct {
		reply string
		state State
		fault FaultKind
	}{
		{"STS 0", StateAwaitingWarmup, 0},
		{"STS 1", StateWarmingUp, 0},
		{"STS 2", StateReady, 0},
		{"STS 3", StateEmitting, 0},
		{"STS 4", StateOverloadTripped, FaultOverload},
		{"STS 5", StateNotReady, FaultNotReady},
		{"STS 6", StateSelfTesting, 0},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			in, err := Interpret(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, "STS", in.Code)
			assert.Equal(t, tt.state, in.State)
			if tt.fault == 0 {
				assert.Nil(t, in.Fault)
				return
			}
			require.NotNil(t, in.Fault)
			assert.Equal(t, tt.fault, in.Fault.Kind)
			assert.Equal(t, tt.state, in.Fault.State)
		})
	}
}

func TestInterpret_Flags(t *testing.T) {
	tests := []struct {
		reply string
		fault FaultKind
	}{
		{"SER 0", 0},
		{"SER 203", FaultHardware},
		{"SIN 0", 0},
		{"SIN 1", FaultInterlock},
		{"SPH 1", FaultPreheat},
		{"SBT 1", FaultBatteryLow},
		{"ZTE 1", 0},
		{"ZTE 0", 0},
		{"SWE 1", 0},
		{"SWS 1 3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			in, err := Interpret(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, StateUnknown, in.State)
			if tt.fault == 0 {
				assert.Nil(t, in.Fault)
				return
			}
			require.NotNil(t, in.Fault)
			assert.Equal(t, tt.fault, in.Fault.Kind)
			assert.Equal(t, tt.reply, in.Fault.Response)
		})
	}
}

func TestInterpret_HardwareDiagnosis(t *testing.T) {
	in, err := Interpret("SER 203")
	require.NoError(t, err)
	require.NotNil(t, in.Fault)
	assert.Equal(t, 203, in.Fault.Code)
	assert.Equal(t, HardwareDiagnosis(203), in.Fault.Diagnosis)
	assert.Contains(t, HardwareDiagnosis(999), "unrecognized hardware error 999")

	in, err = Interpret("SBT 1")
	require.NoError(t, err)
	assert.True(t, in.Fault.IsWarning())
}

func TestInterpret_Malformed(t *testing.T) {
	for _, reply := range []string{"", "STS", "STS 7", "STS -1", "STS x", "SER -3", "SIN 2", "SWE 3", "SWS 4 0", "SWS 1", "FOO 1", "XON"} {
		t.Run(reply, func(t *testing.T) {
			_, err := Interpret(reply)
			require.Error(t, err)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestParseCommandError(t *testing.T) {
	ce, ok := parseCommandError("ERR 0 NOC")
	require.True(t, ok)
	assert.Equal(t, 0, ce.class)
	assert.Equal(t, "NOC", ce.echo)

	ce, ok = parseCommandError("ERR 20 HIV 120")
	require.True(t, ok)
	assert.Equal(t, 20, ce.class)
	assert.Equal(t, "HIV 120", ce.echo)

	for _, reply := range []string{"XON", "ERR", "ERR x HIV", "STS 2"} {
		_, ok := parseCommandError(reply)
		assert.False(t, ok, reply)
	}
}

func TestWarmupStep(t *testing.T) {
	ws := newWarmupStep(2, 3)
	assert.True(t, ws.Active())
	assert.True(t, ws.Known)
	assert.Equal(t, "24m0s", ws.Remaining.String())

	ws = newWarmupStep(0, 0)
	assert.False(t, ws.Active())

	ws = newWarmupStep(0, 4)
	assert.False(t, ws.Known)
}
