package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/failure"
	"github.com/nerrad567/hive-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hive-core/internal/notification"
)

// handlerTimeout bounds the work done for one MQTT message.
const handlerTimeout = 10 * time.Second

// defaultOutboxSize is how many commands may wait for the broker.
const defaultOutboxSize = 256

// ErrOutboxFull is returned by PublishCommand when the broker has fallen
// too far behind. The command stays stored and distributed to WebSocket
// subscribers.
var ErrOutboxFull = errors.New("ingest: mqtt command outbox full")

// MQTTClient is the part of *mqtt.Client the gateway uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any) error
}

// DeviceGateway connects devices that talk MQTT instead of WebSocket.
//
// Inbound notifications and command updates are handed to the Service on
// the MQTT client's callback goroutine. Outbound commands go through a
// bounded outbox drained by one goroutine, so PublishCommand never waits on
// the broker and commands reach the broker in insertion order.
//
// Thread Safety: PublishCommand may be called from any goroutine.
type DeviceGateway struct {
	client  MQTTClient
	service *Service
	qos     byte
	logger  Logger

	outbox   chan *command.Command
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDeviceGateway creates a gateway and registers it as the service's
// command publisher. Commands queue until Start runs the outbox worker.
func NewDeviceGateway(client MQTTClient, service *Service, qos byte) *DeviceGateway {
	g := &DeviceGateway{
		client:  client,
		service: service,
		qos:     qos,
		logger:  noopLogger{},
		outbox:  make(chan *command.Command, defaultOutboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	service.SetCommandPublisher(g)
	return g
}

// SetLogger sets the logger for the gateway.
func (g *DeviceGateway) SetLogger(logger Logger) {
	g.logger = logger
}

// Start subscribes to device notification and command update topics and
// starts forwarding queued commands.
func (g *DeviceGateway) Start() error {
	topics := mqtt.Topics{}
	if err := g.client.Subscribe(topics.AllNotifications(), g.qos, g.handleNotification); err != nil {
		return fmt.Errorf("subscribing to notifications: %w", err)
	}
	if err := g.client.Subscribe(topics.AllCommandUpdates(), g.qos, g.handleCommandUpdate); err != nil {
		return fmt.Errorf("subscribing to command updates: %w", err)
	}
	if g.started.CompareAndSwap(false, true) {
		go g.forward()
	}
	return nil
}

// Stop ends the outbox worker. Commands still queued are not sent. Safe to
// call more than once, and before Start.
func (g *DeviceGateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.started.Load() {
			<-g.done
		}
	})
}

// PublishCommand queues c for its device. It returns ErrOutboxFull instead
// of blocking when the outbox is full.
func (g *DeviceGateway) PublishCommand(c *command.Command) error {
	select {
	case g.outbox <- c:
		return nil
	default:
		return ErrOutboxFull
	}
}

// forward drains the outbox until Stop.
func (g *DeviceGateway) forward() {
	defer close(g.done)
	for {
		select {
		case <-g.stop:
			return
		case c := <-g.outbox:
			if err := g.client.PublishJSON(mqtt.Topics{}.Command(c.DeviceID), c.View()); err != nil {
				g.logger.Warn("publishing command to device failed",
					"id", c.ID(), "device_id", c.DeviceID, "error", err)
			}
		}
	}
}

// deviceNotification is the payload on hive/notification/{deviceID}.
type deviceNotification struct {
	Notification string                  `json:"notification"`
	Parameters   notification.Parameters `json:"parameters,omitempty"`
	Timestamp    *time.Time              `json:"timestamp,omitempty"`
}

func (g *DeviceGateway) handleNotification(topic string, payload []byte) error {
	deviceID, err := mqtt.ParseNotification(topic)
	if err != nil {
		return err
	}
	var msg deviceNotification
	if err := json.Unmarshal(payload, &msg); err != nil {
		return failure.Malformed(err)
	}

	n := notification.New(deviceID, msg.Notification, msg.Parameters)
	if msg.Timestamp != nil {
		n.SetTimestamp(*msg.Timestamp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	id, err := g.service.Ingest(ctx, n)
	if err != nil {
		return fmt.Errorf("ingesting notification from %s: %w", deviceID, err)
	}
	g.logger.Debug("mqtt notification ingested", "id", id, "device_id", deviceID)
	return nil
}

func (g *DeviceGateway) handleCommandUpdate(topic string, payload []byte) error {
	deviceID, commandID, err := mqtt.ParseCommandUpdate(topic)
	if err != nil {
		return err
	}
	var u command.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return failure.Malformed(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := g.service.UpdateCommand(ctx, deviceID, commandID, u); err != nil {
		return fmt.Errorf("updating command %d from %s: %w", commandID, deviceID, err)
	}
	return nil
}
