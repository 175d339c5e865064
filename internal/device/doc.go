// Package device manages the catalogue of devices that may publish
// notifications and receive commands.
//
// The Registry fronts a Repository with an in-memory cache. Every device
// handed out is a deep copy, so callers may modify what they receive.
// Concurrent cache misses for the same id share one repository lookup.
package device
