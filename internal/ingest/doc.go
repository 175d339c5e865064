// Package ingest is the entry point for everything that enters hived:
// notifications from devices, commands from clients, command updates from
// devices, and session subscriptions.
//
// Ingest validates a notification, checks its device, stores it and hands a
// copy to a Fanout. The call returns the assigned id as soon as the record
// is stored; delivery problems never fail it. Store and hand-off for one
// record are serialised so per-session delivery order matches storage order.
//
// The Fanout is either the Service's own Local fanout, which feeds the
// distribution engine directly, or the Redis relay, which publishes to every
// node and calls Local on each of them.
package ingest
