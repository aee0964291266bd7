package cron

import "errors"

var (
	// ErrScheduleInvalid is returned when a schedule fails validation at
	// add/update time. Invalid schedules are never stored.
	ErrScheduleInvalid = errors.New("invalid schedule")

	// ErrPayloadInvalid is returned for an unrecognized payload kind.
	ErrPayloadInvalid = errors.New("invalid payload")

	// ErrWakeModeInvalid is returned for a wake mode outside the allow-list.
	ErrWakeModeInvalid = errors.New("invalid wake mode")

	// ErrNotFound is returned when an operation references a job id that is
	// not in the store.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyStarted is returned by Start on a running service.
	ErrAlreadyStarted = errors.New("cron service is already started")

	// ErrNotStarted is returned by operations on a stopped service.
	ErrNotStarted = errors.New("cron service is not started")

	// ErrStoreCorrupt is returned when the persisted job store exists but
	// cannot be parsed. The file is left untouched.
	ErrStoreCorrupt = errors.New("job store is corrupt")

	// ErrQueueFull is returned when the execution queue cannot accept
	// another operation.
	ErrQueueFull = errors.New("execution queue is full")
)
