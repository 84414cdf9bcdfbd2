package tubesim

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()

	d := New(opts...)
	p, err := d.Opener()("sim", 38400, 10*time.Millisecond)
	require.NoError(t, err)
	require.Same(t, d, p)

	return d
}

func send(t *testing.T, d *Device, cmd string) string {
	t.Helper()

	require.NoError(t, d.ResetInputBuffer())
	n, err := d.Write([]byte(cmd + "\r"))
	require.NoError(t, err)
	require.Equal(t, len(cmd)+1, n)

	buf := make([]byte, 64)
	n, err = d.Read(buf)
	require.NoError(t, err)

	return strings.TrimSuffix(string(buf[:n]), "\r")
}

func TestDevice_WarmupToReady(t *testing.T) {
	d := openDevice(t, WithWarmupPolls(2))

	assert.Equal(t, "STS 0", send(t, d, "STS"))
	assert.Equal(t, "SWE 2", send(t, d, "SWE"))
	assert.Equal(t, "ERR 10 XON", send(t, d, "XON"))
	assert.Equal(t, "WUP", send(t, d, "WUP"))
	assert.Equal(t, "SWE 1", send(t, d, "SWE"))
	assert.Equal(t, "STS 1", send(t, d, "STS"))
	assert.Equal(t, "STS 1", send(t, d, "STS"))
	assert.Equal(t, "STS 2", send(t, d, "STS"))
	assert.Equal(t, "SWE 0", send(t, d, "SWE"))
}

func TestDevice_EmissionAndCutoff(t *testing.T) {
	d := openDevice(t, WithStatus(StatusReady), WithAutoCutoff(30*time.Millisecond))

	assert.Equal(t, "XON", send(t, d, "XON"))
	assert.Equal(t, "STS 3", send(t, d, "STS"))
	assert.Equal(t, "ERR 10 XON", send(t, d, "XON"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusReady, d.Status())
	assert.Equal(t, "XOF", send(t, d, "XOF"))
}

func TestDevice_Faults(t *testing.T) {
	d := openDevice(t, WithStatus(StatusReady))

	d.SetInterlockOpen(true)
	assert.Equal(t, "STS 5", send(t, d, "STS"))
	assert.Equal(t, "SIN 1", send(t, d, "SIN"))
	assert.Equal(t, "ERR 10 XON", send(t, d, "XON"))
	d.SetInterlockOpen(false)

	d.SetHardwareError(203)
	assert.Equal(t, "SER 203", send(t, d, "SER"))
	assert.Equal(t, "SNR 203 0 0 0", send(t, d, "SNR"))
	d.SetHardwareError(0)

	d.TripOverload()
	assert.Equal(t, "STS 4", send(t, d, "STS"))
	assert.Equal(t, "RST", send(t, d, "RST"))
	assert.Equal(t, "STS 2", send(t, d, "STS"))
	assert.Equal(t, "ERR 10 RST", send(t, d, "RST"))
}

func TestDevice_FailAfterPolls(t *testing.T) {
	d := openDevice(t, WithStatus(StatusReady))
	require.Equal(t, "XON", send(t, d, "XON"))

	d.FailAfterPolls(2, 3)
	assert.Equal(t, "STS 3", send(t, d, "STS"))
	assert.Equal(t, "STS 5", send(t, d, "STS"))
	assert.Equal(t, "SER 3", send(t, d, "SER"))
}

func TestDevice_Parameters(t *testing.T) {
	d := openDevice(t, WithStatus(StatusReady))

	assert.Equal(t, "HIV 50", send(t, d, "HIV 50"))
	assert.Equal(t, "SPV 50", send(t, d, "SPV"))
	assert.Equal(t, "ERR 20 HIV", send(t, d, "HIV 101"))
	assert.Equal(t, "ERR 30 HIV", send(t, d, "HIV 95"))
	assert.Equal(t, "CUR 100", send(t, d, "CUR 100"))
	assert.Equal(t, "HIV 80", send(t, d, "HIV 80"))
	assert.Equal(t, "ERR 40 CUR", send(t, d, "CUR 150"))
	assert.Equal(t, "SPC 100", send(t, d, "SPC"))
	assert.Equal(t, "ERR 20 CUR", send(t, d, "CUR x"))
	assert.Equal(t, "SHV 0", send(t, d, "SHV"))
	assert.Equal(t, "SAR 2 0 0 0 0 0 0", send(t, d, "SAR"))

	require.Equal(t, "XON", send(t, d, "XON"))
	assert.Equal(t, "SHV 80", send(t, d, "SHV"))
	assert.Equal(t, "SCU 100", send(t, d, "SCU"))
}

func TestDevice_SelfTest(t *testing.T) {
	d := openDevice(t, WithStatus(StatusReady), WithSelfTestPolls(1))

	assert.Equal(t, "ZTE 0", send(t, d, "ZTE"))
	assert.Equal(t, "TSF", send(t, d, "TSF"))
	assert.Equal(t, "STS 6", send(t, d, "STS"))
	assert.Equal(t, "STS 2", send(t, d, "STS"))
	assert.Equal(t, "ZTE 1", send(t, d, "ZTE"))

	d.FailSelfTest()
	assert.Equal(t, "TSF", send(t, d, "TSF"))
	assert.Equal(t, "STS 6", send(t, d, "STS"))
	assert.Equal(t, "STS 2", send(t, d, "STS"))
	assert.Equal(t, "ZTE 0", send(t, d, "ZTE"))
}

func TestDevice_ScriptAndSilence(t *testing.T) {
	d := openDevice(t)

	assert.Equal(t, "ERR 0 NOC", send(t, d, "PING"))

	d.Script("STS", "STS 9", "")
	assert.Equal(t, "STS 9", send(t, d, "STS"))
	assert.Equal(t, "", send(t, d, "STS"))
	assert.Equal(t, "STS 0", send(t, d, "STS"))

	d.SetSilent(true)
	assert.Equal(t, "", send(t, d, "TYP"))
	d.SetSilent(false)
	assert.Equal(t, "TYP "+DefaultModel, send(t, d, "TYP"))

	assert.Equal(t, 2, d.CountFrames("TYP"))
	assert.Equal(t, 6, d.Flushes())
}

func TestDevice_Close(t *testing.T) {
	d := openDevice(t)
	require.True(t, d.IsOpen())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Close(), ErrClosed)

	_, err := d.Write([]byte("STS\r"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)
}
