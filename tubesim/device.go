// Package tubesim simulates the X-ray tube's serial interface in memory.
//
// A Device implements transport.Port. It parses CR framed commands, runs the
// tube's state machine and answers in the tube's vocabulary, so the
// controller can be exercised without hardware:
//
//	dev := tubesim.New(tubesim.WithWarmupPolls(3))
//	cfg, _ := transport.NewConnectionConfig("sim", transport.WithPortOpener(dev.Opener()))
//
// Replies can be overridden per command with Script, and the device can be
// silenced to simulate a dead link.
package tubesim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gantrylab/xtube/internal/queue"
	"github.com/gantrylab/xtube/transport"
)

// Status codes reported by STS.
const (
	StatusAwaitingWarmup = 0
	StatusWarmingUp      = 1
	StatusReady          = 2
	StatusEmitting       = 3
	StatusOverload       = 4
	StatusNotReady       = 5
	StatusSelfTesting    = 6
)

// Limits the simulated tube enforces on HIV and CUR.
const (
	DefaultMaxVoltage   = 100 // kV, ERR 20 above
	DefaultMaxCurrent   = 200 // µA, ERR 20 above
	DefaultLimitVoltage = 90  // kV, CMV, ERR 30 above
	DefaultLimitCurrent = 180 // µA, CMC, ERR 30 above
	DefaultMaxWattage   = 10  // W, ERR 40 above
	DefaultModel        = "XT-100"
)

// ErrClosed is returned by Read and Write on a closed device.
var ErrClosed = errors.New("tubesim: device closed")

// Device is a simulated tube. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	status        int
	hardwareError int
	interlockOpen bool
	preheating    bool
	batteryLow    bool

	warmupPolls     int
	warmupLeft      int
	warmupPattern   int
	selfTestPolls   int
	selfTestLeft    int
	selfTestDone    bool
	selfTestFails   bool
	faultAfterPolls int
	faultCode       int

	presetVoltage int
	presetCurrent int
	maxVoltage    int
	maxCurrent    int
	limitVoltage  int
	limitCurrent  int
	maxWattage    int
	model         string

	autoCutoff   time.Duration
	lastCommand  time.Time
	emitStarted  time.Time
	emissionTime time.Duration
	poweredAt    time.Time

	scripts map[string]*queue.Queue[string]
	silent  bool

	open        bool
	readTimeout time.Duration
	pending     []byte
	frames      []string
	flushes     int
	stsPolls    int
}

var _ transport.Port = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithStatus sets the initial status code.
func WithStatus(code int) Option {
	return func(d *Device) { d.status = code }
}

// WithWarmupPolls sets how many STS polls answer STS 1 after WUP before STS 2.
func WithWarmupPolls(n int) Option {
	return func(d *Device) { d.warmupPolls = n }
}

// WithSelfTestPolls sets how many STS polls answer STS 6 after TSF.
func WithSelfTestPolls(n int) Option {
	return func(d *Device) { d.selfTestPolls = n }
}

// WithAutoCutoff sets the emission watchdog. Zero disables it.
func WithAutoCutoff(t time.Duration) Option {
	return func(d *Device) { d.autoCutoff = t }
}

// WithBatteryLow makes SBT report a low battery.
func WithBatteryLow() Option {
	return func(d *Device) { d.batteryLow = true }
}

// WithModel sets the TYP reply.
func WithModel(name string) Option {
	return func(d *Device) { d.model = name }
}

// New creates a powered, closed device awaiting warm-up.
func New(opts ...Option) *Device {
	d := &Device{
		status:        StatusAwaitingWarmup,
		warmupPolls:   3,
		warmupPattern: 1,
		selfTestPolls: 2,
		maxVoltage:    DefaultMaxVoltage,
		maxCurrent:    DefaultMaxCurrent,
		limitVoltage:  DefaultLimitVoltage,
		limitCurrent:  DefaultLimitCurrent,
		maxWattage:    DefaultMaxWattage,
		model:         DefaultModel,
		autoCutoff:    3 * time.Second,
		poweredAt:     time.Now(),
		scripts:       make(map[string]*queue.Queue[string]),
		readTimeout:   10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Opener returns a transport.PortOpener that opens this device.
func (d *Device) Opener() transport.PortOpener {
	return func(_ string, _ int, readTimeout time.Duration) (transport.Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.open = true
		d.pending = nil
		if readTimeout > 0 {
			d.readTimeout = readTimeout
		}

		return d, nil
	}
}

// Write receives one frame. Bytes are expected to carry exactly one command.
func (d *Device) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, ErrClosed
	}

	frame := string(b)
	d.frames = append(d.frames, frame)

	cmd := strings.TrimSuffix(frame, "\r")
	reply := d.handle(cmd)
	if !d.silent && reply != "" {
		d.pending = append(d.pending, reply+"\r"...)
	}

	return len(b), nil
}

// Read returns pending reply bytes, or 0 after the read timeout.
func (d *Device) Read(b []byte) (int, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	if len(d.pending) == 0 {
		timeout := d.readTimeout
		d.mu.Unlock()
		time.Sleep(timeout)

		return 0, nil
	}
	n := copy(b, d.pending)
	d.pending = d.pending[n:]
	d.mu.Unlock()

	return n, nil
}

// ResetInputBuffer discards unread reply bytes.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.flushes++
	d.pending = nil

	return nil
}

// SetReadTimeout sets how long an empty Read blocks.
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.readTimeout = t

	return nil
}

// Close closes the port side. The simulated tube keeps its state.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrClosed
	}
	d.open = false

	return nil
}

// Script queues replies for cmd. Each write of cmd consumes one reply
// instead of the simulated answer; an empty reply makes the device silent
// for that write. Scripted replies do not change the device state.
func (d *Device) Script(cmd string, replies ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.scripts[cmd]
	if !ok {
		q = queue.New[string](len(replies))
		d.scripts[cmd] = q
	}
	q.Enqueue(replies...)
}

// SetSilent stops or resumes all replies.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.silent = silent
}

// SetHardwareError injects a SER code; non-zero stops emission.
func (d *Device) SetHardwareError(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hardwareError = code
	d.stopEmission()
}

// SetInterlockOpen opens or closes the interlock; opening stops emission.
func (d *Device) SetInterlockOpen(open bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.interlockOpen = open
	if open {
		d.stopEmission()
	}
}

// SetPreheating sets the preheat flag.
func (d *Device) SetPreheating(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.preheating = on
}

// TripOverload activates overload protection.
func (d *Device) TripOverload() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopEmission()
	d.status = StatusOverload
}

// FailAfterPolls injects hardware error code after n more STS polls.
func (d *Device) FailAfterPolls(n, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.faultAfterPolls = n
	d.faultCode = code
}

// FailSelfTest makes the next self-test finish with ZTE 0.
func (d *Device) FailSelfTest() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.selfTestFails = true
}

// Status returns the current status code as STS would report it.
func (d *Device) Status() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checkCutoff(time.Now())

	return d.effectiveStatus()
}

// Frames returns every frame written, in order.
func (d *Device) Frames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.frames...)
}

// CountFrames returns how often cmd was written.
func (d *Device) CountFrames(cmd string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, f := range d.frames {
		if f == cmd+"\r" {
			n++
		}
	}

	return n
}

// Flushes returns how often the input buffer was reset.
func (d *Device) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.flushes
}

// IsOpen reports whether the port side is open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.open
}

// handle runs one command against the state machine. d.mu is held.
func (d *Device) handle(cmd string) string {
	now := time.Now()
	d.checkCutoff(now)
	d.lastCommand = now

	if q, ok := d.scripts[cmd]; ok {
		if reply, ok := q.Dequeue(); ok {
			if cmd == "STS" {
				d.stsPolls++
			}
			return reply
		}
	}

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "ERR 0 NOC"
	}

	switch fields[0] {
	case "STS":
		return fmt.Sprintf("STS %d", d.pollStatus())
	case "SER":
		return fmt.Sprintf("SER %d", d.hardwareError)
	case "SIN":
		return "SIN " + bit(d.interlockOpen)
	case "SPH":
		return "SPH " + bit(d.preheating)
	case "SBT":
		return "SBT " + bit(d.batteryLow)
	case "ZTE":
		return "ZTE " + bit(d.selfTestDone)
	case "SWE":
		switch d.status {
		case StatusAwaitingWarmup:
			return "SWE 2"
		case StatusWarmingUp:
			return "SWE 1"
		default:
			return "SWE 0"
		}
	case "SWS":
		if d.status != StatusWarmingUp {
			return "SWS 0 0"
		}
		step := d.warmupLeft
		if step > 5 {
			step = 5
		}
		return fmt.Sprintf("SWS %d %d", d.warmupPattern, step)
	case "SAR":
		return fmt.Sprintf("SAR %d %d %d 0 0 0 0", d.effectiveStatus(), d.outputVoltage(), d.outputCurrent())
	case "SNR":
		return fmt.Sprintf("SNR %d %s %s 0", d.hardwareError, bit(d.interlockOpen), bit(d.preheating))
	case "SHV":
		return fmt.Sprintf("SHV %d", d.outputVoltage())
	case "SPV":
		return fmt.Sprintf("SPV %d", d.presetVoltage)
	case "SCU":
		return fmt.Sprintf("SCU %d", d.outputCurrent())
	case "SPC":
		return fmt.Sprintf("SPC %d", d.presetCurrent)
	case "STM":
		return fmt.Sprintf("STM %d", int(now.Sub(d.poweredAt).Hours()))
	case "SXT":
		return fmt.Sprintf("SXT %d", int(d.emissionTime.Hours()))
	case "TYP":
		return "TYP " + d.model
	case "ZTR":
		return "ZTR 5 24.2 23.8 24.0 0 0 " + bit(d.selfTestFails) + " 31 33"
	case "XON":
		return d.xrayOn(now)
	case "XOF":
		d.stopEmission()
		return "XOF"
	case "WUP":
		return d.warmup()
	case "TSF":
		if d.effectiveStatus() != StatusReady {
			return "ERR 10 TSF"
		}
		d.status = StatusSelfTesting
		d.selfTestLeft = d.selfTestPolls
		d.selfTestDone = false
		return "TSF"
	case "RST":
		if d.status != StatusOverload {
			return "ERR 10 RST"
		}
		d.status = StatusReady
		return "RST"
	case "HIV", "CUR":
		return d.setParam(fields)
	default:
		return "ERR 0 NOC"
	}
}

func (d *Device) blocked() bool {
	return d.hardwareError != 0 || d.interlockOpen || d.preheating
}

func (d *Device) effectiveStatus() int {
	if d.status == StatusOverload {
		return StatusOverload
	}
	if d.blocked() {
		return StatusNotReady
	}

	return d.status
}

// pollStatus answers STS and advances warm-up and self-test.
func (d *Device) pollStatus() int {
	d.stsPolls++
	if d.faultAfterPolls > 0 {
		d.faultAfterPolls--
		if d.faultAfterPolls == 0 {
			d.hardwareError = d.faultCode
			d.stopEmission()
		}
	}

	switch d.status {
	case StatusWarmingUp:
		if d.warmupLeft > 0 {
			d.warmupLeft--
		} else {
			d.status = StatusReady
		}
	case StatusSelfTesting:
		if d.selfTestLeft > 0 {
			d.selfTestLeft--
		} else {
			d.status = StatusReady
			d.selfTestDone = !d.selfTestFails
			d.selfTestFails = false
		}
	}

	return d.effectiveStatus()
}

func (d *Device) xrayOn(now time.Time) string {
	if d.effectiveStatus() != StatusReady {
		return "ERR 10 XON"
	}
	d.status = StatusEmitting
	d.emitStarted = now

	return "XON"
}

func (d *Device) warmup() string {
	st := d.effectiveStatus()
	if st != StatusAwaitingWarmup && st != StatusReady {
		return "ERR 10 WUP"
	}
	d.status = StatusWarmingUp
	d.warmupLeft = d.warmupPolls

	return "WUP"
}

func (d *Device) stopEmission() {
	if d.status == StatusEmitting {
		d.emissionTime += time.Since(d.emitStarted)
		d.status = StatusReady
	}
}

// checkCutoff ends emission when the device has not been addressed for
// longer than the auto-cutoff window.
func (d *Device) checkCutoff(now time.Time) {
	if d.autoCutoff > 0 && d.status == StatusEmitting && now.Sub(d.lastCommand) > d.autoCutoff {
		d.stopEmission()
	}
}

func (d *Device) setParam(fields []string) string {
	name := fields[0]
	if len(fields) != 2 {
		return "ERR 20 " + name
	}
	v, err := strconv.Atoi(fields[1])
	if err != nil || v < 0 {
		return "ERR 20 " + name
	}

	voltage, current := d.presetVoltage, d.presetCurrent
	maxV, limit := d.maxVoltage, d.limitVoltage
	if name == "CUR" {
		maxV, limit = d.maxCurrent, d.limitCurrent
		current = v
	} else {
		voltage = v
	}

	switch {
	case v > maxV:
		return "ERR 20 " + name
	case v > limit:
		return "ERR 30 " + name
	case voltage*current > d.maxWattage*1000: // kV × µA = mW
		return "ERR 40 " + name
	}

	d.presetVoltage, d.presetCurrent = voltage, current

	return name + " " + strconv.Itoa(v)
}

func (d *Device) outputVoltage() int {
	if d.status == StatusEmitting || d.status == StatusWarmingUp {
		return d.presetVoltage
	}
	return 0
}

func (d *Device) outputCurrent() int {
	if d.status == StatusEmitting || d.status == StatusWarmingUp {
		return d.presetCurrent
	}
	return 0
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
