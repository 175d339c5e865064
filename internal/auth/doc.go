// Package auth authenticates hived callers and decides what they may do.
//
// There are three roles: client (reads notifications, issues commands),
// device (publishes notifications and updates commands for its own device
// only) and admin (everything, including device management).
//
// Users are configured statically with Argon2id password hashes; devices log
// in with their id and key. Both receive a short-lived HS256 JWT. Browsers
// cannot set headers on a WebSocket upgrade, so the WebSocket endpoint takes
// a single-purpose ticket JWT in the query string instead.
package auth
