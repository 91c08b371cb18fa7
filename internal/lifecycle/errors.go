package lifecycle

import "errors"

var (
	ErrAlreadyStarted = errors.New("network already started")
	ErrTornDown       = errors.New("network torn down")
	ErrNotRunning     = errors.New("node is not running")
	ErrNoContext      = errors.New("node has no execution context")
	ErrProcessExited  = errors.New("switch process exited")
)
