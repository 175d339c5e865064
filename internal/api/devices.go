package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hive-core/internal/audit"
	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/device"
	"github.com/nerrad567/hive-core/internal/failure"
)

// createDeviceRequest is the body of POST /devices. Empty id and key are
// generated.
type createDeviceRequest struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Key    string         `json:"key,omitempty"`
	Status device.Status  `json:"status,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// handleListDevices returns the devices visible to the caller. Device
// principals only see themselves.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	out := make([]*device.Device, 0, len(devices))
	for i := range devices {
		if !p.CanAccessDevice(devices[i].ID) {
			continue
		}
		out = append(out, viewDevice(p, &devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := chi.URLParam(r, "id")
	if !p.CanAccessDevice(id) {
		s.writeFailure(w, r, failure.Authorization(auth.ErrForbidden))
		return
	}

	dev, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, deviceFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, viewDevice(p, dev))
}

// handleCreateDevice registers a device. The response includes the key.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, r, failure.Malformed(err))
		return
	}

	dev := &device.Device{
		ID:     req.ID,
		Name:   req.Name,
		Key:    req.Key,
		Status: req.Status,
		Data:   req.Data,
	}
	if err := s.devices.CreateDevice(r.Context(), dev); err != nil {
		s.writeFailure(w, r, deviceFailure(err))
		return
	}
	s.record(r, audit.Entry{
		Action:   audit.ActionDeviceCreate,
		DeviceID: dev.ID,
		Actor:    principalFrom(r.Context()).Subject,
		Details:  map[string]any{"name": dev.Name},
	})
	writeJSON(w, http.StatusCreated, dev)
}

// handleDeleteDevice removes a device together with its stored
// notifications and commands.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.devices.DeleteDevice(r.Context(), id); err != nil {
		s.writeFailure(w, r, deviceFailure(err))
		return
	}
	s.record(r, audit.Entry{
		Action:   audit.ActionDeviceDelete,
		DeviceID: id,
		Actor:    principalFrom(r.Context()).Subject,
	})
	w.WriteHeader(http.StatusNoContent)
}

// viewDevice hides the key from everyone but admins.
func viewDevice(p auth.Principal, d *device.Device) *device.Device {
	if p.Role == auth.RoleAdmin {
		return d.DeepCopy()
	}
	return d.Public()
}

func deviceFailure(err error) error {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return failure.NotFound("device not found", err)
	case errors.Is(err, device.ErrDeviceExists):
		return failure.Conflict("device already exists", err)
	case errors.Is(err, device.ErrInvalidID),
		errors.Is(err, device.ErrInvalidName),
		errors.Is(err, device.ErrInvalidStatus),
		errors.Is(err, device.ErrInvalidData):
		return failure.Validationf(err)
	default:
		return err
	}
}
