// Package subscription tracks which client sessions want which device
// notifications (or commands).
//
// Interest is indexed both by device, for fan-out, and by session, for
// teardown. The device index is split into shards keyed by a hash of the
// device id so that lookups for unrelated devices do not contend; wildcard
// subscriptions live in their own bucket. Session bookkeeping is sharded the
// same way by session id.
//
// Registry operations never return errors. A filter naming no devices and
// no wildcard is accepted but matches nothing.
package subscription
