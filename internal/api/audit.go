package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/hive-core/internal/audit"
	"github.com/nerrad567/hive-core/internal/failure"
)

// record writes an audit entry for r. Failures are logged; the request
// itself never fails because of auditing.
func (s *Server) record(r *http.Request, e audit.Entry) {
	if s.audit == nil {
		return
	}
	e.Source = "api"
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details["remote_addr"] = r.RemoteAddr
	if err := s.audit.Record(r.Context(), &e); err != nil {
		s.logger.Warn("audit record failed", "action", e.Action, "error", err)
	}
}

// handleListAudit returns recorded management activity, newest first.
// Query parameters: action, deviceId, actor, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, &audit.Page{Entries: []audit.Entry{}})
		return
	}

	v := r.URL.Query()
	filter := audit.Filter{
		Action:   v.Get("action"),
		DeviceID: v.Get("deviceId"),
		Actor:    v.Get("actor"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeFailure(w, r, failure.Validation(name+" must be a non-negative integer"))
			return
		}
		*dst = n
	}

	page, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
