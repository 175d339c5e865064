package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/failure"
	"github.com/nerrad567/hive-core/internal/subscription"
)

// WebSocket actions accepted from clients.
const (
	ActionNotificationSubscribe   = "notification/subscribe"
	ActionNotificationUnsubscribe = "notification/unsubscribe"
	ActionNotificationInsert      = "notification/insert"
	ActionCommandSubscribe        = "command/subscribe"
	ActionCommandUnsubscribe      = "command/unsubscribe"
	ActionCommandInsert           = "command/insert"
	ActionCommandUpdate           = "command/update"
	ActionServerInfo              = "server/info"
)

// apiVersion is reported by server/info.
const apiVersion = "1"

// actionTimeout bounds one action, including its storage calls.
const actionTimeout = 10 * time.Second

const (
	statusSuccess = "success"
	statusError   = "error"
)

// wsRequest is a client message. Only the fields of its action are read.
type wsRequest struct {
	Action string `json:"action"`
	// RequestID is echoed verbatim, so clients may use strings or numbers.
	RequestID json.RawMessage `json:"requestId,omitempty"`

	DeviceID       string             `json:"deviceId,omitempty"`
	DeviceIDs      []string           `json:"deviceIds,omitempty"`
	Names          []string           `json:"names,omitempty"`
	SubscriptionID uint64             `json:"subscriptionId,omitempty"`
	CommandID      int64              `json:"commandId,omitempty"`
	Notification   *notificationInput `json:"notification,omitempty"`
	Command        *commandInput      `json:"command,omitempty"`
	Update         *command.Update    `json:"update,omitempty"`
}

// actionHandler executes one action and returns the response fields merged
// into the envelope.
type actionHandler struct {
	perm auth.Permission
	run  func(ctx context.Context, session *Session, req *wsRequest) (map[string]any, error)
}

func (s *Server) actionTable() map[string]actionHandler {
	return map[string]actionHandler{
		ActionNotificationSubscribe:   {auth.PermNotificationRead, s.actNotificationSubscribe},
		ActionNotificationUnsubscribe: {auth.PermNotificationRead, s.actNotificationUnsubscribe},
		ActionNotificationInsert:      {auth.PermNotificationWrite, s.actNotificationInsert},
		ActionCommandSubscribe:        {auth.PermCommandRead, s.actCommandSubscribe},
		ActionCommandUnsubscribe:      {auth.PermCommandRead, s.actCommandUnsubscribe},
		ActionCommandInsert:           {auth.PermCommandWrite, s.actCommandInsert},
		ActionCommandUpdate:           {auth.PermCommandUpdate, s.actCommandUpdate},
		ActionServerInfo:              {"", s.actServerInfo},
	}
}

// execute runs one client message and returns the encoded response. Every
// response, success or error, carries the request's action and requestId.
func (s *Server) execute(ctx context.Context, session *Session, message []byte) []byte {
	var req wsRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return s.errorReply(session, &req, failure.Malformed(err))
	}

	h, ok := s.actions[req.Action]
	if !ok {
		return s.errorReply(session, &req, failure.Validation("unknown action: "+req.Action))
	}
	if h.perm != "" && !auth.HasPermission(session.principal.Role, h.perm) {
		return s.errorReply(session, &req, failure.Authorization(auth.ErrForbidden))
	}

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	fields, err := s.runAction(ctx, h, session, &req)
	if err != nil {
		return s.errorReply(session, &req, err)
	}

	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["action"] = req.Action
	if len(req.RequestID) > 0 {
		out["requestId"] = req.RequestID
	}
	out["status"] = statusSuccess
	return encodeReply(out)
}

// runAction shields the read loop from a panicking handler.
func (s *Server) runAction(ctx context.Context, h actionHandler, session *Session, req *wsRequest) (fields map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic recovered in websocket action", "action", req.Action, "session_id", session.id, "error", rec)
			fields, err = nil, errors.New("action panicked")
		}
	}()
	return h.run(ctx, session, req)
}

type errorEnvelope struct {
	Action    string          `json:"action"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Status    string          `json:"status"`
	Code      int             `json:"code"`
	Error     string          `json:"error"`
}

func (s *Server) errorReply(session *Session, req *wsRequest, err error) []byte {
	m := failure.Classify(err)
	s.logFailure(m, err, "action", req.Action, "request_id", string(req.RequestID), "session_id", session.id)
	return encodeReply(errorEnvelope{
		Action:    req.Action,
		RequestID: req.RequestID,
		Status:    statusError,
		Code:      m.Status,
		Error:     m.Message,
	})
}

func encodeReply(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Replies are built from JSON-decoded values and cannot fail to encode.
		return []byte(`{"status":"error","code":500,"error":"internal server error"}`)
	}
	return data
}

// filter builds a subscription filter. No device ids means every device,
// which device principals may not ask for.
func (req *wsRequest) filter(p auth.Principal) (subscription.Filter, error) {
	devices := req.DeviceIDs
	if req.DeviceID != "" {
		devices = append([]string{req.DeviceID}, devices...)
	}
	if len(devices) == 0 && p.Role == auth.RoleDevice {
		devices = []string{p.DeviceID}
	}
	for _, id := range devices {
		if !p.CanAccessDevice(id) {
			return subscription.Filter{}, failure.Authorization(auth.ErrForbidden)
		}
	}
	return subscription.Filter{
		Wildcard: len(devices) == 0,
		Devices:  devices,
		Types:    req.Names,
	}, nil
}

// targetDevice resolves the device an insert or update acts on.
func (req *wsRequest) targetDevice(p auth.Principal) (string, error) {
	id := req.DeviceID
	if id == "" && p.Role == auth.RoleDevice {
		id = p.DeviceID
	}
	if id == "" {
		return "", failure.Validation("deviceId is required")
	}
	if !p.CanAccessDevice(id) {
		return "", failure.Authorization(auth.ErrForbidden)
	}
	return id, nil
}

func (s *Server) actNotificationSubscribe(_ context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	f, err := req.filter(session.principal)
	if err != nil {
		return nil, err
	}
	h, err := s.service.SubscribeNotifications(session.id, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"subscriptionId": h.ID}, nil
}

func (s *Server) actNotificationUnsubscribe(_ context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	if req.SubscriptionID == 0 {
		return nil, failure.Validation("subscriptionId is required")
	}
	if !s.service.UnsubscribeNotifications(session.id, req.SubscriptionID) {
		return nil, failure.NotFound("subscription not found", nil)
	}
	return nil, nil
}

func (s *Server) actNotificationInsert(ctx context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	if req.Notification == nil {
		return nil, failure.Validation("notification is required")
	}
	deviceID, err := req.targetDevice(session.principal)
	if err != nil {
		return nil, err
	}

	n := req.Notification.build(deviceID)
	id, err := s.service.Ingest(ctx, n)
	if err != nil {
		return nil, err
	}
	return map[string]any{"notification": insertedNotification{ID: id, Timestamp: n.Timestamp()}}, nil
}

func (s *Server) actCommandSubscribe(_ context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	f, err := req.filter(session.principal)
	if err != nil {
		return nil, err
	}
	h, err := s.service.SubscribeCommands(session.id, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"subscriptionId": h.ID}, nil
}

func (s *Server) actCommandUnsubscribe(_ context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	if req.SubscriptionID == 0 {
		return nil, failure.Validation("subscriptionId is required")
	}
	if !s.service.UnsubscribeCommands(session.id, req.SubscriptionID) {
		return nil, failure.NotFound("subscription not found", nil)
	}
	return nil, nil
}

// actCommandInsert records this session as the command's origin, so the
// device's updates come back here as command/update.
func (s *Server) actCommandInsert(ctx context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	if req.Command == nil {
		return nil, failure.Validation("command is required")
	}
	if req.DeviceID == "" {
		return nil, failure.Validation("deviceId is required")
	}

	c, err := s.service.InsertCommand(ctx, req.Command.build(req.DeviceID, session.principal, session.id))
	if err != nil {
		return nil, err
	}
	return map[string]any{"command": c.View()}, nil
}

func (s *Server) actCommandUpdate(ctx context.Context, session *Session, req *wsRequest) (map[string]any, error) {
	if req.CommandID <= 0 {
		return nil, failure.Validation("commandId is required")
	}
	if req.Update == nil {
		return nil, failure.Validation("update is required")
	}
	deviceID, err := req.targetDevice(session.principal)
	if err != nil {
		return nil, err
	}

	c, err := s.service.UpdateCommand(ctx, deviceID, req.CommandID, *req.Update)
	if err != nil {
		return nil, err
	}
	return map[string]any{"command": c.View()}, nil
}

func (s *Server) actServerInfo(_ context.Context, session *Session, _ *wsRequest) (map[string]any, error) {
	return map[string]any{"info": map[string]any{
		"apiVersion":      apiVersion,
		"serverVersion":   s.version,
		"serverTimestamp": time.Now().UTC(),
		"nodeId":          s.nodeID,
		"sessionId":       session.id,
	}}, nil
}
