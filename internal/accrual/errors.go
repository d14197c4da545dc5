package accrual

import "errors"

var (
	// ErrInvalidUser is returned when Start is called without a user id.
	ErrInvalidUser = errors.New("invalid user: user id is required")

	// ErrAlreadyRunning is returned when a session is already starting or running.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrNotRunning is returned by Tick when no session is running.
	ErrNotRunning = errors.New("session not running")

	// ErrStartAborted is returned when Stop was called while Start was reading the store.
	ErrStartAborted = errors.New("start aborted by stop")
)
