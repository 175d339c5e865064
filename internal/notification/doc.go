// Package notification defines the device notification record and its
// SQLite persistence gateway.
//
// A Notification is created by an ingress adapter, stored (which assigns its
// id), and then handed read-only to distribution. The id can be assigned
// exactly once. Parameters are an opaque JSON document that this package
// stores and returns without interpretation; DeepCopy must be used whenever
// a record crosses an ownership boundary.
package notification
