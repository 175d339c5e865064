// Package audit records management activity on a node: logins, login
// failures and device registration changes.
//
// Notification and command traffic is not audited; it is already stored
// by the notification and command repositories.
package audit
