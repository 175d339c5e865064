// Package distribution fans persisted notifications and commands out to
// subscribed client sessions.
//
// Every session with pending deliveries owns one bounded queue drained by a
// single goroutine, which gives FIFO order per session without ordering
// across sessions. Enqueueing never blocks: a full queue is treated as a
// failed session. A send is bounded by SendTimeout and retried at most
// MaxRetries (0 or 1) times; once retries are exhausted the session is
// closed and all its subscriptions are dropped. None of these failures are
// reported to whoever ingested the notification.
//
// Dropping a session stops its queue cooperatively: a send that is already
// in progress finishes or times out, queued payloads are discarded.
package distribution
