package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/failure"
	"github.com/nerrad567/hive-core/internal/notification"
)

// notificationInput is the client form of a new notification, shared by
// REST and the notification/insert action.
type notificationInput struct {
	Notification string                  `json:"notification"`
	Parameters   notification.Parameters `json:"parameters,omitempty"`
	Timestamp    *time.Time              `json:"timestamp,omitempty"`
}

func (in notificationInput) build(deviceID string) *notification.Notification {
	n := notification.New(deviceID, in.Notification, in.Parameters)
	if in.Timestamp != nil {
		n.SetTimestamp(*in.Timestamp)
	}
	return n
}

// insertedNotification is returned after a successful insert.
type insertedNotification struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// handleInsertNotification stores and distributes a notification for the
// device in the path.
func (s *Server) handleInsertNotification(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if !principalFrom(r.Context()).CanAccessDevice(deviceID) {
		s.writeFailure(w, r, failure.Authorization(auth.ErrForbidden))
		return
	}

	var in notificationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeFailure(w, r, failure.Malformed(err))
		return
	}

	n := in.build(deviceID)
	id, err := s.service.Ingest(r.Context(), n)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, insertedNotification{ID: id, Timestamp: n.Timestamp()})
}

// handleListNotifications returns stored notifications of a device.
//
// Query parameters:
//   - start, end: RFC 3339 bounds, start inclusive and end exclusive
//   - notification: type name
//   - take: result limit (default 100, max 1000)
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q, err := parseNotificationQuery(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	q.DeviceID = chi.URLParam(r, "id")

	list, err := s.service.ListNotifications(r.Context(), q)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	views := make([]notification.View, 0, len(list))
	for _, n := range list {
		views = append(views, n.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": views, "count": len(views)})
}

// handleGetNotification returns one stored notification of a device.
func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "nid")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	n, err := s.service.GetNotification(r.Context(), chi.URLParam(r, "id"), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n.View())
}

func parseNotificationQuery(r *http.Request) (notification.Query, error) {
	var q notification.Query
	v := r.URL.Query()

	q.Notification = v.Get("notification")
	for name, dst := range map[string]*time.Time{"start": &q.From, "end": &q.To} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, failure.Validation(fmt.Sprintf("%s must be an RFC 3339 timestamp", name))
		}
		*dst = t
	}
	if raw := v.Get("take"); raw != "" {
		take, err := strconv.Atoi(raw)
		if err != nil || take < 0 {
			return q, failure.Validation("take must be a non-negative integer")
		}
		q.Limit = take
	}
	return q, nil
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, failure.Validation(name + " must be a positive integer")
	}
	return id, nil
}
