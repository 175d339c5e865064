package notification

import "errors"

var (
	// ErrNotFound is returned when a notification id does not exist.
	ErrNotFound = errors.New("notification: not found")

	// ErrNameRequired is returned when the notification type name is empty.
	ErrNameRequired = errors.New("notification: notification name is required")

	// ErrNameTooLong is returned when the type name exceeds MaxNameLength.
	ErrNameTooLong = errors.New("notification: notification name too long")

	// ErrIDAssigned is returned when assigning an id to a record that already has one.
	ErrIDAssigned = errors.New("notification: id already assigned")

	// ErrInvalidID is returned for non-positive ids.
	ErrInvalidID = errors.New("notification: invalid id")
)
