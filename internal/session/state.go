package session

import "github.com/bbq191/find-my-android-sub002/internal/model"

// event is an input of the connection state machine.
type event int

const (
	evAttemptStarted event = iota
	evConnected
	evAttemptFailed
	evAttemptsExhausted
	evTransportLost
	evNetworkLost
	evRecover
	evStopped
)

func (e event) String() string {
	switch e {
	case evAttemptStarted:
		return "attempt_started"
	case evConnected:
		return "connected"
	case evAttemptFailed:
		return "attempt_failed"
	case evAttemptsExhausted:
		return "attempts_exhausted"
	case evTransportLost:
		return "transport_lost"
	case evNetworkLost:
		return "network_lost"
	case evRecover:
		return "recover"
	default:
		return "stopped"
	}
}

// transition is the connection state machine. It is total: an event that
// makes no sense in the current state leaves the state unchanged.
//
//	Disconnected -> Connecting -> Connected | Reconnecting
//	Reconnecting -> Connected | Failed
//	any          -> Disconnected on network loss or stop
//	Failed       -> Reconnecting only on recovery
//
// Recovery from Disconnected starts a fresh sequence and goes through Connecting.
func transition(cur model.ConnectionState, ev event) model.ConnectionState {
	switch ev {
	case evNetworkLost, evStopped:
		return model.Disconnected
	case evConnected:
		if cur == model.Failed || cur == model.Disconnected {
			return cur
		}
		return model.Connected
	}

	switch cur {
	case model.Disconnected:
		if ev == evAttemptStarted || ev == evRecover {
			return model.Connecting
		}
	case model.Connecting:
		switch ev {
		case evAttemptFailed:
			return model.Reconnecting
		case evAttemptsExhausted:
			return model.Failed
		}
	case model.Connected:
		if ev == evTransportLost {
			return model.Reconnecting
		}
	case model.Reconnecting:
		if ev == evAttemptsExhausted {
			return model.Failed
		}
	case model.Failed:
		if ev == evRecover {
			return model.Reconnecting
		}
	}
	return cur
}
