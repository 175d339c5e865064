package auth

import (
	"errors"
	"regexp"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername checks the 1-64 character username format.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier.
type Role string

const (
	// RoleClient is an application user watching devices and issuing commands.
	RoleClient Role = "client"

	// RoleDevice is a device identity scoped to a single device id.
	RoleDevice Role = "device"

	// RoleAdmin has full control, including the device catalogue.
	RoleAdmin Role = "admin"
)

// ValidUserRoles are the roles a configured user may hold.
var ValidUserRoles = []Role{RoleClient, RoleAdmin}

// IsValidUserRole returns true if the role may be assigned to a user account.
func IsValidUserRole(r Role) bool {
	for _, v := range ValidUserRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`

	// DeviceID is set for RoleDevice principals only.
	DeviceID string `json:"deviceId,omitempty"`
}

// CanAccessDevice reports whether p may act on deviceID. Device principals
// are limited to their own device.
func (p Principal) CanAccessDevice(deviceID string) bool {
	if p.Role != RoleDevice {
		return true
	}
	return deviceID != "" && deviceID == p.DeviceID
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrDeviceBlocked      = errors.New("device is blocked")
)
