// Package api implements the HTTP REST API and WebSocket server for hived.
//
// This package provides:
//   - REST endpoints for devices, notifications and commands
//   - the WebSocket hub, which is the session transport of the distribution engine
//   - the WebSocket action executor (notification/subscribe, command/insert, ...)
//   - JWT authentication with single-use tickets for WebSocket upgrades
//   - Middleware stack (request ID, logging, recovery, CORS, auth)
//
// # Error envelope
//
// Every failure is classified by the failure package. REST responses carry
// {"status","code","message"}; WebSocket responses echo the request's action
// and requestId with "status":"error", a numeric "code" and an "error" text.
// The requestId may be any JSON value and is returned byte for byte.
// Internal details are logged, never returned.
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB. Commands are still stored and
// distributed to WebSocket sessions; only the device-side MQTT forward is lost.
package api
