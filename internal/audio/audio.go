// Package audio owns the local render streams tied to voice participants.
package audio

import (
	"errors"

	"github.com/dumpnet/dump/internal/domain"
)

var ErrNoDevice = errors.New("audio device unavailable")

// StreamPair is the input/output handle pair for one (channel, user).
// The registry owns it for the lifetime of the membership.
type StreamPair interface {
	// Render plays an inbound audio payload on the output side.
	Render(data []byte) error
	Close()
}

// Device allocates stream pairs. Allocation may fail (resource exhaustion);
// the caller must treat that as a failed join.
type Device interface {
	Open(channel domain.ChannelID, user domain.UserID) (StreamPair, error)
}

// NullDevice allocates no-op pairs. It is the default server-side device:
// payload relay happens over the socket, local render is a sink.
type NullDevice struct{}

func (NullDevice) Open(domain.ChannelID, domain.UserID) (StreamPair, error) {
	return &nullPair{}, nil
}

type nullPair struct {
	closed bool
}

func (p *nullPair) Render(data []byte) error {
	if p.closed {
		return ErrNoDevice
	}
	return nil
}

func (p *nullPair) Close() { p.closed = true }
