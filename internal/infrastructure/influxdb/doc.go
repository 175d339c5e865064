// Package influxdb records hived telemetry in InfluxDB v2.
//
// Writes are non-blocking and batched by the official client; async write
// errors are reported through SetOnError. Measurements:
//
//	notifications   device_id, notification    count=1
//	commands        device_id, command         count=1
//	deliveries      outcome=delivered|failed   latency_ms, attempt, session_id, error
//	session_drops   reason                     session_id, detail
//
// *Client satisfies distribution.Metrics, so the engine can report delivery
// outcomes directly.
package influxdb
