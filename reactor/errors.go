package reactor

import "errors"

var (
	ErrOperationAborted = errors.New("operation aborted")
	ErrBadDescriptor    = errors.New("descriptor is not registered with the reactor")
	ErrClosed           = errors.New("reactor is closed")
	ErrUnsupported      = errors.New("reactor is not supported on this platform")
)
