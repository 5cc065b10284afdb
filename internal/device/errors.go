package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a send is attempted outside the connected state
	ErrNotConnected = errors.New("device not connected")
	// ErrCanceled is returned by Connect when Disconnect won the race
	ErrCanceled = errors.New("connect canceled")
	// ErrRemoteClosed is returned by Channel.Read when the device closed the channel cleanly
	ErrRemoteClosed = errors.New("channel closed by device")
)

// ConnectionError is a handshake or channel failure local to one device
type ConnectionError struct {
	IP  string
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.IP, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError reports a message that could not be written to a device
type SendError struct {
	IP   string
	Type string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("device %s: send %s: %v", e.IP, e.Type, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
