package executor

import "errors"

var ErrStopped = errors.New("executor is stopped")
