// Package relay spreads stored records across hived nodes over Redis
// pub/sub.
//
// Every node, the publishing one included, receives each record once and
// hands it to its local fanout. A single receive loop per node keeps records
// in publish order.
//
// # Wire format
//
// Each message is a JSON envelope {"kind","node", ...} where kind is one of
// notification, command or command_update and node names the publisher. All
// kinds share one channel so their relative order survives the hop.
//
// # Failure handling
//
// Publish errors are returned to the ingest service, which logs them; the
// record is already stored. Envelopes that fail to decode are logged and
// skipped without stopping the receive loop.
package relay
