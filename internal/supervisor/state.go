// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package supervisor

// State is a controller's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states. Every state may also move
// to Disconnected on shutdown.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting},
	Connected:    {Reconnecting, Connecting},
	Reconnecting: {Connected, Failed, Connecting},
	Failed:       {Connecting},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return from != Disconnected
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode says how a port was last commanded.
type Mode int

const (
	ModeUnset Mode = iota
	ModeDuty
	ModeSpeed
)

func (m Mode) String() string {
	switch m {
	case ModeDuty:
		return "duty"
	case ModeSpeed:
		return "speed"
	default:
		return "unset"
	}
}

// PortState is one entry of the desired state vector.
type PortState struct {
	Mode  Mode
	Value int
}
