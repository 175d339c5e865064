package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/ingest"
	"github.com/nerrad567/hive-core/internal/notification"
)

// Message kinds.
const (
	KindNotification  = "notification"
	KindCommand       = "command"
	KindCommandUpdate = "command_update"
)

// ErrClosed is returned when publishing through a closed relay.
var ErrClosed = errors.New("relay: closed")

// Logger defines the logging interface used by the Relay.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// envelope is the JSON published on the channel.
type envelope struct {
	Kind         string             `json:"kind"`
	Node         string             `json:"node"`
	Origin       string             `json:"origin,omitempty"`
	Notification *notification.View `json:"notification,omitempty"`
	Command      *command.View      `json:"command,omitempty"`
}

// Relay publishes records to Redis and feeds received ones to a local sink.
// It implements ingest.Fanout.
type Relay struct {
	client  *redis.Client
	channel string
	node    string
	sink    ingest.Fanout
	logger  Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
	done   chan struct{}
}

// New creates a relay for node on channel. Received records go to sink.
func New(client *redis.Client, channel, node string, sink ingest.Fanout) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		node:    node,
		sink:    sink,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

// Start subscribes to the channel and waits for the subscription to be
// confirmed before starting the receive loop, so nothing published after
// Start returns is missed.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.pubsub != nil {
		return nil
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.pubsub = pubsub
	r.done = make(chan struct{})
	go r.run(pubsub.Channel(), r.done)
	return nil
}

// Close stops the receive loop and waits for it to exit.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pubsub, done := r.pubsub, r.done
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

// Notification publishes a stored notification.
func (r *Relay) Notification(ctx context.Context, n *notification.Notification) error {
	v := n.View()
	return r.publish(ctx, envelope{Kind: KindNotification, Notification: &v})
}

// Command publishes a stored command together with its origin session.
func (r *Relay) Command(ctx context.Context, c *command.Command) error {
	v := c.View()
	return r.publish(ctx, envelope{Kind: KindCommand, Origin: c.OriginSession, Command: &v})
}

// CommandUpdate publishes an updated command.
func (r *Relay) CommandUpdate(ctx context.Context, c *command.Command) error {
	v := c.View()
	return r.publish(ctx, envelope{Kind: KindCommandUpdate, Command: &v})
}

func (r *Relay) publish(ctx context.Context, env envelope) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	env.Node = r.node
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Kind, err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", env.Kind, err)
	}
	return nil
}

func (r *Relay) run(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		if err := r.handle(context.Background(), []byte(msg.Payload)); err != nil {
			r.logger.Warn("dropping relayed message", "channel", msg.Channel, "error", err)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	r.logger.Debug("relayed message", "kind", env.Kind, "from", env.Node)

	switch env.Kind {
	case KindNotification:
		if env.Notification == nil {
			return fmt.Errorf("%s without body", env.Kind)
		}
		return r.sink.Notification(ctx, notification.FromView(*env.Notification))
	case KindCommand:
		if env.Command == nil {
			return fmt.Errorf("%s without body", env.Kind)
		}
		c := command.FromView(*env.Command)
		c.OriginSession = env.Origin
		return r.sink.Command(ctx, c)
	case KindCommandUpdate:
		if env.Command == nil {
			return fmt.Errorf("%s without body", env.Kind)
		}
		return r.sink.CommandUpdate(ctx, command.FromView(*env.Command))
	default:
		return fmt.Errorf("unknown kind %q", env.Kind)
	}
}

var _ ingest.Fanout = (*Relay)(nil)
