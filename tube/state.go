package tube

import "fmt"

// State is the device status reported by STS. The device is authoritative;
// the controller only caches the last value it polled.
type State int

const (
	StateUnknown         State = -1
	StateAwaitingWarmup  State = 0
	StateWarmingUp       State = 1
	StateReady           State = 2
	StateEmitting        State = 3
	StateOverloadTripped State = 4
	StateNotReady        State = 5
	StateSelfTesting     State = 6
)

func (s State) String() string {
	switch s {
	case StateAwaitingWarmup:
		return "AwaitingWarmup"
	case StateWarmingUp:
		return "WarmingUp"
	case StateReady:
		return "Ready"
	case StateEmitting:
		return "Emitting"
	case StateOverloadTripped:
		return "OverloadTripped"
	case StateNotReady:
		return "NotReady"
	case StateSelfTesting:
		return "SelfTesting"
	case StateUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Description is the operator facing meaning of the state.
func (s State) Description() string {
	switch s {
	case StateAwaitingWarmup:
		return "awaiting warm-up"
	case StateWarmingUp:
		return "warm-up in progress"
	case StateReady:
		return "ready to emit x-rays"
	case StateEmitting:
		return "x-rays are being emitted"
	case StateOverloadTripped:
		return "overload protection is active"
	case StateNotReady:
		return "x-rays cannot be emitted (preheat, hardware error or open interlock)"
	case StateSelfTesting:
		return "self-test in progress"
	default:
		return "unknown state"
	}
}

func (s State) valid() bool {
	return s >= StateAwaitingWarmup && s <= StateSelfTesting
}

// WarmupState is the SWE reading.
type WarmupState int

const (
	WarmupCompleted  WarmupState = 0
	WarmupInProgress WarmupState = 1
	WarmupNotStarted WarmupState = 2
)

func (w WarmupState) String() string {
	switch w {
	case WarmupCompleted:
		return "completed"
	case WarmupInProgress:
		return "in progress"
	case WarmupNotStarted:
		return "not started"
	default:
		return fmt.Sprintf("WarmupState(%d)", int(w))
	}
}
