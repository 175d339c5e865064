package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/notification"
	"github.com/nerrad567/hive-core/internal/subscription"
)

// Defaults applied by NewEngine for zero Options fields.
const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Transport delivers payloads to live client sessions.
type Transport interface {
	// Send writes payload to the session, giving up when ctx is done.
	Send(ctx context.Context, sessionID string, payload []byte) error

	// IsOpen reports whether the session is still connected.
	IsOpen(sessionID string) bool

	// Close terminates the session. It must be safe to call for sessions
	// that are already closed.
	Close(sessionID string)
}

// Metrics receives delivery outcomes. Implementations must not block.
type Metrics interface {
	Delivered(sessionID string, latency time.Duration)
	SendFailed(sessionID string, attempt int, err error)
	SessionDropped(sessionID string, reason error)
}

// Logger defines the logging interface used by the Engine.
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

type noopMetrics struct{}

func (noopMetrics) Delivered(string, time.Duration) {}
func (noopMetrics) SendFailed(string, int, error)   {}
func (noopMetrics) SessionDropped(string, error)    {}

// Options tunes delivery.
type Options struct {
	QueueSize   int
	SendTimeout time.Duration

	// MaxRetries is clamped to the range [0, 1].
	MaxRetries int
}

// Engine distributes payloads to per-session ordered queues.
//
// Each session with pending deliveries owns a bounded channel and one worker
// goroutine. The worker sends payloads through the Transport in enqueue order,
// bounding each send by Options.SendTimeout and retrying at most
// Options.MaxRetries times. A session whose send fails, whose queue is full,
// or whose transport reports it closed is dropped: its queue is cancelled,
// its subscriptions are removed from both registries, and the transport is
// asked to close it.
//
// Payloads are encoded once per record and shared read-only between queues.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
//   - Distribute, DistributeCommand and DeliverTo never block on a session;
//     ingest callers only pay for resolve and enqueue.
//   - DropSession may run while a send for the same session is in flight;
//     that send finishes or times out before the worker exits.
type Engine struct {
	notifications *subscription.Registry
	commands      *subscription.Registry
	transport     Transport
	opts          Options
	logger        Logger
	metrics       Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionQueue
	closed   bool
	wg       sync.WaitGroup
}

type sessionQueue struct {
	id     string
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an engine over the notification and command registries.
//
// Parameters:
//   - notifications: subscriptions resolved by Distribute
//   - commands: subscriptions resolved by DistributeCommand
//   - transport: delivers payloads to sessions (the WebSocket hub in hived)
//   - opts: zero QueueSize and SendTimeout take the package defaults;
//     MaxRetries is clamped to 0 or 1
//
// Returns:
//   - *Engine: ready to use; queues start lazily on first delivery
func NewEngine(notifications, commands *subscription.Registry, transport Transport, opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	opts.MaxRetries = min(max(opts.MaxRetries, 0), 1)

	return &Engine{
		notifications: notifications,
		commands:      commands,
		transport:     transport,
		opts:          opts,
		logger:        noopLogger{},
		metrics:       noopMetrics{},
		sessions:      make(map[string]*sessionQueue),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetMetrics sets the delivery metrics sink.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// Options returns the effective options after defaults and clamping.
func (e *Engine) Options() Options {
	return e.opts
}

// Distribute enqueues n for every matching notification subscriber and
// returns how many sessions it was queued for. n must already be stored.
func (e *Engine) Distribute(n *notification.Notification) int {
	subs := e.notifications.SubscribersFor(n.DeviceID, n.Notification)
	if len(subs) == 0 {
		return 0
	}

	body, err := encodeNotification(n)
	if err != nil {
		e.logger.Error("encoding notification", "id", n.ID(), "error", err)
		return 0
	}

	queued := 0
	for _, s := range subs {
		payload, err := notificationPush(s.Handle.ID, body)
		if err != nil {
			e.logger.Error("encoding notification push", "id", n.ID(), "error", err)
			return queued
		}
		if e.enqueue(s.SessionID, payload) {
			queued++
		}
	}
	return queued
}

// DistributeCommand enqueues c for every session subscribed to commands of
// its device, returning how many sessions it was queued for.
func (e *Engine) DistributeCommand(c *command.Command) int {
	subs := e.commands.SubscribersFor(c.DeviceID, c.Command)
	if len(subs) == 0 {
		return 0
	}

	body, err := encodeCommand(c)
	if err != nil {
		e.logger.Error("encoding command", "id", c.ID(), "error", err)
		return 0
	}

	queued := 0
	for _, s := range subs {
		payload, err := commandPush(ActionCommandInsert, s.Handle.ID, body)
		if err != nil {
			e.logger.Error("encoding command push", "id", c.ID(), "error", err)
			return queued
		}
		if e.enqueue(s.SessionID, payload) {
			queued++
		}
	}
	return queued
}

// DeliverTo enqueues payload for one session behind anything already
// queued for it. It reports whether the payload was queued.
func (e *Engine) DeliverTo(sessionID string, payload []byte) bool {
	return e.enqueue(sessionID, payload)
}

// DropSession discards queued deliveries for a session and removes all its
// subscriptions. It is called by the transport when a connection closes and
// by the engine itself after a failed delivery. Safe to call repeatedly.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	q := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	if q != nil {
		q.cancel()
	}
	e.notifications.DropSession(sessionID)
	e.commands.DropSession(sessionID)
}

// SessionCount returns the number of sessions with a live delivery queue.
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Close stops accepting deliveries, cancels every queue and waits for the
// workers to exit or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	queues := e.sessions
	e.sessions = make(map[string]*sessionQueue)
	e.mu.Unlock()

	for _, q := range queues {
		q.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery workers: %w", ctx.Err())
	}
}

func (e *Engine) enqueue(sessionID string, payload []byte) bool {
	if !e.transport.IsOpen(sessionID) {
		e.drop(sessionID, ErrSessionClosed)
		return false
	}

	q := e.queueFor(sessionID)
	if q == nil {
		return false
	}

	select {
	case q.ch <- payload:
		return true
	default:
		e.logger.Warn("session queue full, dropping session",
			"session_id", sessionID, "queue_size", e.opts.QueueSize)
		e.fail(q, ErrQueueFull)
		return false
	}
}

// queueFor returns the session's queue, starting its worker on first use.
// Returns nil once the engine is closed.
func (e *Engine) queueFor(sessionID string) *sessionQueue {
	e.mu.RLock()
	q, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return q
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if q, ok := e.sessions[sessionID]; ok {
		return q
	}

	ctx, cancel := context.WithCancel(context.Background())
	q = &sessionQueue{
		id:     sessionID,
		ch:     make(chan []byte, e.opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	e.sessions[sessionID] = q
	e.wg.Add(1)
	go e.run(q)
	return q
}

// run drains one session queue in order until the queue is cancelled or a
// delivery fails.
func (e *Engine) run(q *sessionQueue) {
	defer e.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case payload := <-q.ch:
			// Both cases may be ready at once; never start a send after a drop.
			if q.ctx.Err() != nil {
				return
			}
			if err := e.send(q, payload); err != nil {
				e.fail(q, err)
				return
			}
		}
	}
}

// send attempts delivery up to 1+MaxRetries times. Each attempt gets its own
// timeout and is not cut short by a concurrent drop.
func (e *Engine) send(q *sessionQueue, payload []byte) error {
	var err error
	for attempt := 1; attempt <= 1+e.opts.MaxRetries; attempt++ {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
		err = e.transport.Send(ctx, q.id, payload)
		cancel()
		if err == nil {
			e.metrics.Delivered(q.id, time.Since(start))
			return nil
		}

		e.metrics.SendFailed(q.id, attempt, err)
		e.logger.Debug("send failed", "session_id", q.id, "attempt", attempt, "error", err)
		if q.ctx.Err() != nil {
			break
		}
	}
	return err
}

// fail drops the queue's session if it is still the current one, then closes
// the transport. The transport's close callback re-enters DropSession, which
// is idempotent.
func (e *Engine) fail(q *sessionQueue, cause error) {
	e.mu.Lock()
	current := e.sessions[q.id] == q
	if current {
		delete(e.sessions, q.id)
	}
	e.mu.Unlock()

	q.cancel()
	if !current {
		return
	}
	e.notifications.DropSession(q.id)
	e.commands.DropSession(q.id)
	e.transport.Close(q.id)
	e.metrics.SessionDropped(q.id, cause)

	if !errors.Is(cause, ErrQueueFull) {
		e.logger.Warn("delivery failed, session dropped", "session_id", q.id, "error", cause)
	}
}

// drop removes a session the transport already considers closed.
func (e *Engine) drop(sessionID string, cause error) {
	e.mu.RLock()
	_, queued := e.sessions[sessionID]
	e.mu.RUnlock()

	hadSubs := e.notifications.HasSession(sessionID) || e.commands.HasSession(sessionID)
	e.DropSession(sessionID)
	if queued || hadSubs {
		e.metrics.SessionDropped(sessionID, cause)
	}
}
