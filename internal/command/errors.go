package command

import "errors"

var (
	// ErrNotFound is returned when a command id does not exist.
	ErrNotFound = errors.New("command: not found")

	// ErrNameRequired is returned when the command name is empty.
	ErrNameRequired = errors.New("command: command name is required")

	// ErrDeviceRequired is returned when a command has no target device.
	ErrDeviceRequired = errors.New("command: device is required")

	// ErrInvalidLifetime is returned for negative lifetimes.
	ErrInvalidLifetime = errors.New("command: lifetime must not be negative")

	// ErrIDAssigned is returned when assigning an id to a stored command.
	ErrIDAssigned = errors.New("command: id already assigned")

	// ErrVersionConflict is returned when an update names a stale version.
	ErrVersionConflict = errors.New("command: version conflict")

	// ErrExpired is returned when updating a command past its lifetime.
	ErrExpired = errors.New("command: expired")

	// ErrEmptyUpdate is returned when an update changes nothing.
	ErrEmptyUpdate = errors.New("command: update has no status or result")
)
