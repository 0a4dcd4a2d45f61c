// Package worker defines the environment-agnostic duplex transport
// between the supervisor and a sandboxed worker, plus the two concrete
// channels: an in-memory pipe for in-process workers and a framed
// net.Conn channel for workers living in their own process or VM.
package worker

import "errors"

// ErrKilled is returned by Listen on a killed channel and reported to
// the error handler when the peer force-terminates an in-memory pipe.
var ErrKilled = errors.New("channel killed")

// ErrAlreadyListening is returned by a second Listen: the channel is
// single-consumer on each side.
var ErrAlreadyListening = errors.New("channel already has a listener")

// Channel is one side of the duplex message transport. Frames are
// delivered in FIFO order. Kill is idempotent; Send after Kill is a
// no-op; Listen after Kill fails.
type Channel interface {
	// Send posts one serialized frame to the other side.
	Send(frame []byte) error
	// Listen attaches the message and asynchronous-error handlers and
	// starts delivery.
	Listen(onMessage func(frame []byte), onError func(err error)) error
	// Kill force-terminates the channel and releases its resources.
	Kill() error
}

// Constructor builds the worker for a VM and returns the supervisor's
// side of its channel. The worker creates its root enclosure under the
// given name during boot.
type Constructor func(vmName, rootEnclosure string) (Channel, error)
