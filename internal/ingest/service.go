package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/device"
	"github.com/nerrad567/hive-core/internal/distribution"
	"github.com/nerrad567/hive-core/internal/failure"
	"github.com/nerrad567/hive-core/internal/notification"
	"github.com/nerrad567/hive-core/internal/subscription"
)

// Fanout hands stored records to the distribution layer.
type Fanout interface {
	Notification(ctx context.Context, n *notification.Notification) error
	Command(ctx context.Context, c *command.Command) error
	CommandUpdate(ctx context.Context, c *command.Command) error
}

// DeviceLookup resolves devices; *device.Registry satisfies it.
type DeviceLookup interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
}

// CommandPublisher forwards new commands to devices outside WebSocket, such
// as the MQTT gateway.
type CommandPublisher interface {
	PublishCommand(c *command.Command) error
}

// Telemetry counts ingested records. Implementations must not block.
type Telemetry interface {
	NotificationIngested(deviceID, notification string)
	CommandIssued(deviceID, command string)
}

// Logger defines the logging interface used by the Service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopTelemetry struct{}

func (noopTelemetry) NotificationIngested(string, string) {}
func (noopTelemetry) CommandIssued(string, string)        {}

// Deps are the collaborators of a Service. All fields are required.
type Deps struct {
	Notifications    notification.Repository
	Commands         command.Repository
	Devices          DeviceLookup
	Engine           *distribution.Engine
	NotificationSubs *subscription.Registry
	CommandSubs      *subscription.Registry
}

// Service implements the ingress operations.
//
// Every write follows the same path: validate, check the device, store, then
// hand the stored record to the fanout. The fanout is the local distribution
// engine, or the cluster relay when one is set with SetFanout. Store and
// hand-off run under one sequence lock so subscribers see records in storage
// order. Work that may wait on the network, like forwarding a command to an
// MQTT device, runs after the lock is released.
//
// Failures before the store are returned to the caller, classified by the
// failure package. Failures after it are logged and never returned: the
// record exists and its id is valid.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
//   - Set* methods must be called before the service handles traffic.
type Service struct {
	notifications notification.Repository
	commands      command.Repository
	devices       DeviceLookup
	engine        *distribution.Engine
	notifSubs     *subscription.Registry
	commandSubs   *subscription.Registry

	fanout    Fanout
	publisher CommandPublisher
	telemetry Telemetry
	logger    Logger

	// seqMu serialises store and hand-off so fan-out order is storage order.
	seqMu   sync.Mutex
	origins *originIndex
}

// New creates a Service that distributes through its Local fanout.
//
// Parameters:
//   - deps: repositories, device lookup, engine and both subscription
//     registries; all are required
//
// Returns:
//   - *Service: with no-op telemetry and logging and no command publisher
func New(deps Deps) *Service {
	s := &Service{
		notifications: deps.Notifications,
		commands:      deps.Commands,
		devices:       deps.Devices,
		engine:        deps.Engine,
		notifSubs:     deps.NotificationSubs,
		commandSubs:   deps.CommandSubs,
		telemetry:     noopTelemetry{},
		logger:        noopLogger{},
		origins:       newOriginIndex(),
	}
	s.fanout = s.Local()
	return s
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// SetTelemetry sets the ingest telemetry sink.
func (s *Service) SetTelemetry(t Telemetry) {
	s.telemetry = t
}

// SetFanout replaces the Local fanout, e.g. with the cluster relay.
func (s *Service) SetFanout(f Fanout) {
	s.fanout = f
}

// SetCommandPublisher sets where new commands are forwarded besides
// WebSocket subscribers. Nil disables forwarding.
func (s *Service) SetCommandPublisher(p CommandPublisher) {
	s.publisher = p
}

// Ingest validates and stores n, then hands it to the fanout. It returns the
// assigned id. Failures after the store are logged, never returned.
func (s *Service) Ingest(ctx context.Context, n *notification.Notification) (int64, error) {
	if n == nil {
		return 0, failure.Validation("notification is required")
	}
	if err := n.Validate(); err != nil {
		return 0, failure.Validationf(err)
	}
	if n.DeviceID != "" {
		if err := s.checkDevice(ctx, n.DeviceID); err != nil {
			return 0, err
		}
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	id, err := s.notifications.Store(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("storing notification: %w", err)
	}
	s.telemetry.NotificationIngested(n.DeviceID, n.Notification)

	if err := s.fanout.Notification(ctx, n.DeepCopy()); err != nil {
		s.logger.Warn("notification fan-out failed", "id", id, "device_id", n.DeviceID, "error", err)
	}
	return id, nil
}

// InsertCommand validates and stores c, forwards it to the device and
// distributes it to command subscribers. c.OriginSession, when set, receives
// later updates.
func (s *Service) InsertCommand(ctx context.Context, c *command.Command) (*command.Command, error) {
	if c == nil {
		return nil, failure.Validation("command is required")
	}
	if err := c.Validate(); err != nil {
		return nil, failure.Validationf(err)
	}
	if err := s.checkDevice(ctx, c.DeviceID); err != nil {
		return nil, err
	}

	if err := s.storeCommand(ctx, c); err != nil {
		return nil, err
	}

	// Forwarding runs outside seqMu so a slow broker never holds up
	// ingestion for other devices.
	if s.publisher != nil {
		if err := s.publisher.PublishCommand(c.DeepCopy()); err != nil {
			s.logger.Warn("forwarding command failed", "id", c.ID(), "device_id", c.DeviceID, "error", err)
		}
	}
	return c, nil
}

// storeCommand persists c and hands it to the fanout under seqMu.
func (s *Service) storeCommand(ctx context.Context, c *command.Command) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	if _, err := s.commands.Store(ctx, c); err != nil {
		return fmt.Errorf("storing command: %w", err)
	}
	s.telemetry.CommandIssued(c.DeviceID, c.Command)

	if err := s.fanout.Command(ctx, c.DeepCopy()); err != nil {
		s.logger.Warn("command fan-out failed", "id", c.ID(), "error", err)
	}
	return nil
}

// UpdateCommand applies a device's update to command id and routes the
// result to the session that issued the command. deviceID, when not empty,
// must own the command.
func (s *Service) UpdateCommand(ctx context.Context, deviceID string, id int64, u command.Update) (*command.Command, error) {
	if err := u.Validate(); err != nil {
		return nil, failure.Validationf(err)
	}
	if deviceID != "" {
		if _, err := s.GetCommand(ctx, deviceID, id); err != nil {
			return nil, err
		}
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	updated, err := s.commands.Update(ctx, id, u)
	switch {
	case errors.Is(err, command.ErrNotFound):
		return nil, failure.NotFound("command not found", err)
	case errors.Is(err, command.ErrExpired):
		return nil, failure.Domain(http.StatusGone, "command expired")
	case errors.Is(err, command.ErrVersionConflict):
		return nil, failure.OptimisticLock(err)
	case err != nil:
		return nil, fmt.Errorf("updating command %d: %w", id, err)
	}

	if err := s.fanout.CommandUpdate(ctx, updated.DeepCopy()); err != nil {
		s.logger.Warn("command update fan-out failed", "id", id, "error", err)
	}
	return updated, nil
}

// GetNotification returns notification id. deviceID, when not empty, must
// own it.
func (s *Service) GetNotification(ctx context.Context, deviceID string, id int64) (*notification.Notification, error) {
	n, err := s.notifications.Fetch(ctx, id)
	if errors.Is(err, notification.ErrNotFound) || errors.Is(err, notification.ErrInvalidID) ||
		(err == nil && deviceID != "" && n.DeviceID != deviceID) {
		return nil, failure.NotFound("notification not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching notification %d: %w", id, err)
	}
	return n, nil
}

// ListNotifications returns stored notifications matching q in timestamp order.
func (s *Service) ListNotifications(ctx context.Context, q notification.Query) ([]*notification.Notification, error) {
	if q.DeviceID != "" {
		if err := s.checkDeviceExists(ctx, q.DeviceID); err != nil {
			return nil, err
		}
	}
	list, err := s.notifications.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return list, nil
}

// GetCommand returns command id. deviceID, when not empty, must own it.
func (s *Service) GetCommand(ctx context.Context, deviceID string, id int64) (*command.Command, error) {
	c, err := s.commands.Fetch(ctx, id)
	if errors.Is(err, command.ErrNotFound) || (err == nil && deviceID != "" && c.DeviceID != deviceID) {
		return nil, failure.NotFound("command not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching command %d: %w", id, err)
	}
	return c, nil
}

// SubscribeNotifications registers a notification subscription for a session.
func (s *Service) SubscribeNotifications(sessionID string, f subscription.Filter) (subscription.Handle, error) {
	if err := validateFilter(f); err != nil {
		return subscription.Handle{}, err
	}
	return s.notifSubs.Subscribe(sessionID, f), nil
}

// UnsubscribeNotifications removes a notification subscription owned by
// sessionID. Removing an unknown handle is not an error.
func (s *Service) UnsubscribeNotifications(sessionID string, id uint64) bool {
	return s.notifSubs.Unsubscribe(subscription.Handle{Session: sessionID, ID: id})
}

// SubscribeCommands registers a command subscription for a session.
func (s *Service) SubscribeCommands(sessionID string, f subscription.Filter) (subscription.Handle, error) {
	if err := validateFilter(f); err != nil {
		return subscription.Handle{}, err
	}
	return s.commandSubs.Subscribe(sessionID, f), nil
}

// UnsubscribeCommands removes a command subscription owned by sessionID.
func (s *Service) UnsubscribeCommands(sessionID string, id uint64) bool {
	return s.commandSubs.Unsubscribe(subscription.Handle{Session: sessionID, ID: id})
}

// DropSession removes every subscription and queued delivery of a session.
func (s *Service) DropSession(sessionID string) {
	s.engine.DropSession(sessionID)
}

// checkDevice rejects unknown and blocked devices.
func (s *Service) checkDevice(ctx context.Context, id string) error {
	d, err := s.lookupDevice(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == device.StatusBlocked {
		return failure.Domain(http.StatusForbidden, "device is blocked")
	}
	return nil
}

func (s *Service) checkDeviceExists(ctx context.Context, id string) error {
	_, err := s.lookupDevice(ctx, id)
	return err
}

func (s *Service) lookupDevice(ctx context.Context, id string) (*device.Device, error) {
	d, err := s.devices.GetDevice(ctx, id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return nil, failure.NotFound("device not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up device %s: %w", id, err)
	}
	return d, nil
}

func validateFilter(f subscription.Filter) error {
	for _, id := range f.Devices {
		if err := device.ValidateID(id); err != nil {
			return failure.Validationf(err)
		}
	}
	for _, typ := range f.Types {
		if typ == "" || len(typ) > notification.MaxNameLength {
			return failure.Validation("invalid notification type filter")
		}
	}
	return nil
}
