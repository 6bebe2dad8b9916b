package session

import (
	"device-streaming/internal/apperr"
	"device-streaming/internal/netif"
)

// State is the lifecycle position of the session.
type State int

const (
	Stopped State = iota
	AcquiringPermission
	Streaming
	RecoverableError
	FatalError
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case AcquiringPermission:
		return "acquiring_permission"
	case Streaming:
		return "streaming"
	case RecoverableError:
		return "recoverable_error"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PublicState is the snapshot observers see. Values are never mutated
// after publication.
type PublicState struct {
	State                State                `json:"state"`
	Streaming            bool                 `json:"isStreaming"`
	Busy                 bool                 `json:"isBusy"`
	WaitingForPermission bool                 `json:"waitingForPermission"`
	NetInterfaces        []netif.NetInterface `json:"netInterfaces"`
	Error                *apperr.Error        `json:"appError"`
}

func (m *Machine) publicState() PublicState {
	ifaces := make([]netif.NetInterface, len(m.ifaces))
	copy(ifaces, m.ifaces)
	return PublicState{
		State:                m.state,
		Streaming:            m.state == Streaming,
		Busy:                 m.busy,
		WaitingForPermission: m.state == AcquiringPermission && m.source == nil,
		NetInterfaces:        ifaces,
		Error:                m.err,
	}
}

func (m *Machine) publish() {
	next := m.publicState()
	if samePublicState(next, m.published) {
		return
	}
	m.published = next
	m.public.Publish(next)
}

func samePublicState(a, b PublicState) bool {
	return a.State == b.State &&
		a.Busy == b.Busy &&
		a.WaitingForPermission == b.WaitingForPermission &&
		a.Error == b.Error &&
		netif.Equal(a.NetInterfaces, b.NetInterfaces)
}
