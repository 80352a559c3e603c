// Package pushclient maintains the client side of the push channel: a
// reconnecting WebSocket with bounded exponential backoff and a typed
// event dispatcher. The reconnect logic is a pure transition function over
// an explicit machine value, so it is testable without a live socket; the
// ConnectionManager drives it against a real (or injected) dialer.
package pushclient

import "time"

// State is a push connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Input is an external stimulus fed to the machine.
type Input int

const (
	// InputConnect is an explicit connect request.
	InputConnect Input = iota
	// InputDialSucceeded reports a completed dial.
	InputDialSucceeded
	// InputDialFailed reports a failed dial.
	InputDialFailed
	// InputTimerFired reports an elapsed reconnect timer.
	InputTimerFired
	// InputCleanClose reports an orderly remote close.
	InputCleanClose
	// InputUnexpectedClose reports an abnormal connection loss.
	InputUnexpectedClose
	// InputDisconnect is an explicit disconnect request.
	InputDisconnect
	// InputCredentialChange reports new credentials to connect with.
	InputCredentialChange
)

// EffectKind identifies a side effect requested by a transition.
type EffectKind int

const (
	// EffectDial starts a dial attempt with the current credentials.
	EffectDial EffectKind = iota
	// EffectScheduleRetry arms the reconnect timer for Delay (pre-jitter).
	EffectScheduleRetry
	// EffectCancelTimer disarms any pending reconnect timer.
	EffectCancelTimer
	// EffectNotifyExhausted reports that automatic retries are spent.
	EffectNotifyExhausted
)

// Effect is one side effect for the driver to execute.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// Policy is the reconnect backoff configuration.
type Policy struct {
	Base       time.Duration // first retry delay
	Cap        time.Duration // backoff ceiling
	MaxRetries int           // automatic attempts before giving up
}

// DefaultPolicy is used when the caller hands NewConnectionManager a zero
// Policy: 1s base doubling up to a 30s cap, five automatic retries.
var DefaultPolicy = Policy{
	Base:       time.Second,
	Cap:        30 * time.Second,
	MaxRetries: 5,
}

// Delay returns the backoff before retry number retry (zero-based):
// min(Base·2^retry, Cap). Jitter is added by the driver, not here, so the
// transition function stays deterministic.
func (p Policy) Delay(retry int) time.Duration {
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.Cap || d <= 0 {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Machine is the push connection's control state. The zero value is a
// disconnected machine.
type Machine struct {
	State      State
	RetryCount int
	// Exhausted marks a Disconnected machine whose automatic retries are
	// spent; only an explicit connect or a credential change clears it.
	Exhausted bool
}

// Next computes the transition for one input. It is pure: all I/O is
// described by the returned effects and executed by the caller.
func Next(p Policy, m Machine, in Input) (Machine, []Effect) {
	switch in {
	case InputConnect:
		if m.State != StateDisconnected {
			return m, nil
		}
		return Machine{State: StateConnecting}, []Effect{{Kind: EffectDial}}

	case InputDisconnect:
		// Explicit cancellation always wins over a scheduled retry.
		m.State = StateDisconnected
		return m, []Effect{{Kind: EffectCancelTimer}}

	case InputCredentialChange:
		// Drop whatever is pending and reconnect immediately with the new
		// credentials, with a fresh retry budget.
		return Machine{State: StateConnecting}, []Effect{
			{Kind: EffectCancelTimer},
			{Kind: EffectDial},
		}

	case InputDialSucceeded:
		if m.State != StateConnecting {
			return m, nil
		}
		return Machine{State: StateOpen}, nil

	case InputDialFailed:
		if m.State != StateConnecting {
			return m, nil
		}
		if m.RetryCount >= p.MaxRetries {
			return Machine{State: StateDisconnected, RetryCount: m.RetryCount, Exhausted: true},
				[]Effect{{Kind: EffectNotifyExhausted}}
		}
		return Machine{State: StateReconnecting, RetryCount: m.RetryCount},
			[]Effect{{Kind: EffectScheduleRetry, Delay: p.Delay(m.RetryCount)}}

	case InputTimerFired:
		if m.State != StateReconnecting {
			return m, nil
		}
		return Machine{State: StateConnecting, RetryCount: m.RetryCount + 1},
			[]Effect{{Kind: EffectDial}}

	case InputCleanClose:
		if m.State != StateOpen {
			return m, nil
		}
		return Machine{State: StateDisconnected}, nil

	case InputUnexpectedClose:
		if m.State != StateOpen {
			return m, nil
		}
		if p.MaxRetries <= 0 {
			return Machine{State: StateDisconnected, Exhausted: true},
				[]Effect{{Kind: EffectNotifyExhausted}}
		}
		return Machine{State: StateReconnecting},
			[]Effect{{Kind: EffectScheduleRetry, Delay: p.Delay(0)}}
	}
	return m, nil
}
