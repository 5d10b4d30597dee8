package wire

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a frame would exceed MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ProtocolError reports a frame that could not be decoded. The connection
// that produced it should be dropped.
type ProtocolError struct {
	Err    error
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// PeerDownError reports that a peer could not be reached at all.
// Crash-stop peers show up this way: the connection is refused or times out.
type PeerDownError struct {
	Err  error
	Addr string
}

func (e *PeerDownError) Error() string {
	return fmt.Sprintf("peer %s down: %v", e.Addr, e.Err)
}

func (e *PeerDownError) Unwrap() error {
	return e.Err
}

// IsPeerDown reports whether err is or wraps a *PeerDownError.
func IsPeerDown(err error) bool {
	var pd *PeerDownError
	return errors.As(err, &pd)
}
