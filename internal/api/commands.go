package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/failure"
	"github.com/nerrad567/hive-core/internal/notification"
)

// commandInput is the client form of a new command.
type commandInput struct {
	Command    string                  `json:"command"`
	Parameters notification.Parameters `json:"parameters,omitempty"`
	Lifetime   int                     `json:"lifetime,omitempty"`
}

// build creates the command. originSession is empty for REST callers, whose
// updates are only visible to command subscribers and GET.
func (in commandInput) build(deviceID string, p auth.Principal, originSession string) *command.Command {
	c := command.New(deviceID, in.Command, in.Parameters)
	c.Lifetime = in.Lifetime
	c.UserID = p.Subject
	c.OriginSession = originSession
	return c
}

// handleInsertCommand stores a command, forwards it to the device and
// distributes it to command subscribers.
func (s *Server) handleInsertCommand(w http.ResponseWriter, r *http.Request) {
	var in commandInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeFailure(w, r, failure.Malformed(err))
		return
	}

	c, err := s.service.InsertCommand(r.Context(), in.build(chi.URLParam(r, "id"), principalFrom(r.Context()), ""))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.View())
}

// handleGetCommand returns a command of the device in the path.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if !principalFrom(r.Context()).CanAccessDevice(deviceID) {
		s.writeFailure(w, r, failure.Authorization(auth.ErrForbidden))
		return
	}
	id, err := pathID(r, "cid")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	c, err := s.service.GetCommand(r.Context(), deviceID, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

// handleUpdateCommand applies a device acknowledgement. A non-zero version
// must match the stored one.
func (s *Server) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if !principalFrom(r.Context()).CanAccessDevice(deviceID) {
		s.writeFailure(w, r, failure.Authorization(auth.ErrForbidden))
		return
	}
	id, err := pathID(r, "cid")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var u command.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeFailure(w, r, failure.Malformed(err))
		return
	}

	c, err := s.service.UpdateCommand(r.Context(), deviceID, id, u)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}
