// Package failure classifies request-processing errors into a closed set of
// kinds and maps each kind to a wire status, code and client-safe message.
//
// Handlers return ordinary wrapped errors. At the API boundary a single call
// to Classify decides what the client sees:
//
//	m := failure.Classify(err)
//	writeError(w, m.Status, m.Code, m.Message)
//
// Errors that do not carry a Kind are inspected for well-known causes
// (SQLite constraint violations, JSON decoding errors). Anything else is
// Internal and its detail is never exposed to the client.
package failure
