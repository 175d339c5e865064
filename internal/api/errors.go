package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/hive-core/internal/failure"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeFailure classifies err and writes its envelope. Internal and transport
// failures are logged with full detail and answered generically.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	m := failure.Classify(err)
	s.logFailure(m, err, "method", r.Method, "path", r.URL.Path, "request_id", r.Context().Value(ctxKeyRequestID))
	writeError(w, m.Status, m.Code, m.Message)
}

func (s *Server) logFailure(m failure.Mapped, err error, args ...any) {
	args = append(args, "kind", m.Kind.String(), "status", m.Status, "error", err)
	if m.Kind == failure.KindInternal || m.Kind == failure.KindTransport {
		s.logger.Error("request failed", args...)
		return
	}
	s.logger.Debug("request rejected", args...)
}
