package auth

// Permission represents a named capability.
type Permission string

const (
	PermNotificationRead  Permission = "notification:read"
	PermNotificationWrite Permission = "notification:write"
	PermCommandRead       Permission = "command:read"
	PermCommandWrite      Permission = "command:write"
	PermCommandUpdate     Permission = "command:update"
	PermDeviceRead        Permission = "device:read"
	PermDeviceManage      Permission = "device:manage"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleClient: {
		PermNotificationRead,
		PermCommandRead,
		PermCommandWrite,
		PermDeviceRead,
	},
	// Device permissions are further limited to the device's own id.
	RoleDevice: {
		PermNotificationWrite,
		PermCommandRead,
		PermCommandUpdate,
		PermDeviceRead,
	},
	RoleAdmin: {
		PermNotificationRead,
		PermNotificationWrite,
		PermCommandRead,
		PermCommandWrite,
		PermCommandUpdate,
		PermDeviceRead,
		PermDeviceManage,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns a copy of the permissions granted to a role,
// or nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
