package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/notification"
	"github.com/nerrad567/hive-core/internal/subscription"
)

type fakeTransport struct {
	mu       sync.Mutex
	open     map[string]bool
	received map[string][][]byte
	closed   map[string]int
	attempts map[string]int

	// sendFn, when set, decides each send. Returning nil records delivery.
	sendFn func(ctx context.Context, sessionID string, attempt int) error
}

func newFakeTransport(sessions ...string) *fakeTransport {
	ft := &fakeTransport{
		open:     make(map[string]bool),
		received: make(map[string][][]byte),
		closed:   make(map[string]int),
		attempts: make(map[string]int),
	}
	for _, s := range sessions {
		ft.open[s] = true
	}
	return ft
}

func (f *fakeTransport) Send(ctx context.Context, sessionID string, payload []byte) error {
	f.mu.Lock()
	f.attempts[sessionID]++
	attempt := f.attempts[sessionID]
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, sessionID, attempt); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.received[sessionID] = append(f.received[sessionID], payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsOpen(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[sessionID]
}

func (f *fakeTransport) Close(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[sessionID] = false
	f.closed[sessionID]++
}

func (f *fakeTransport) got(sessionID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received[sessionID]...)
}

func (f *fakeTransport) closedCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[sessionID]
}

func (f *fakeTransport) attemptCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[sessionID]
}

type recordingMetrics struct {
	delivered atomic.Int32
	failed    atomic.Int32
	dropped   atomic.Int32
}

func (m *recordingMetrics) Delivered(string, time.Duration) { m.delivered.Add(1) }
func (m *recordingMetrics) SendFailed(string, int, error)   { m.failed.Add(1) }
func (m *recordingMetrics) SessionDropped(string, error)    { m.dropped.Add(1) }

type harness struct {
	notifications *subscription.Registry
	commands      *subscription.Registry
	transport     *fakeTransport
	metrics       *recordingMetrics
	engine        *Engine
}

func newHarness(t *testing.T, opts Options, sessions ...string) *harness {
	t.Helper()
	h := &harness{
		notifications: subscription.NewRegistry(4),
		commands:      subscription.NewRegistry(4),
		transport:     newFakeTransport(sessions...),
		metrics:       &recordingMetrics{},
	}
	h.engine = NewEngine(h.notifications, h.commands, h.transport, opts)
	h.engine.SetMetrics(h.metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.engine.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

var nextID atomic.Int64

func stored(device, typ string, params notification.Parameters) *notification.Notification {
	n := notification.New(device, typ, params)
	if err := n.AssignID(nextID.Add(1)); err != nil {
		panic(err)
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type pushed struct {
	Action         string            `json:"action"`
	SubscriptionID uint64            `json:"subscriptionId"`
	Notification   notification.View `json:"notification"`
	Command        command.View      `json:"command"`
}

func decode(t *testing.T, payload []byte) pushed {
	t.Helper()
	var p pushed
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("decoding payload %s: %v", payload, err)
	}
	return p
}

func TestDistribute_SingleDelivery(t *testing.T) {
	h := newHarness(t, Options{}, "S")
	handle := h.notifications.Subscribe("S", subscription.Filter{Devices: []string{"D1"}})

	n := stored("D1", "temp", notification.Parameters{"t": 21.0})
	if got := h.engine.Distribute(n); got != 1 {
		t.Fatalf("Distribute() = %d, want 1", got)
	}

	waitFor(t, "delivery", func() bool { return len(h.transport.got("S")) == 1 })
	time.Sleep(20 * time.Millisecond)
	msgs := h.transport.got("S")
	if len(msgs) != 1 {
		t.Fatalf("received %d deliveries, want exactly 1", len(msgs))
	}

	p := decode(t, msgs[0])
	if p.Action != ActionNotificationInsert || p.SubscriptionID != handle.ID {
		t.Errorf("envelope = %+v", p)
	}
	if p.Notification.ID != n.ID() || p.Notification.Notification != "temp" ||
		p.Notification.DeviceID != "D1" || p.Notification.Parameters["t"] != 21.0 {
		t.Errorf("notification = %+v", p.Notification)
	}
}

func TestDistribute_TypeFilterExcludes(t *testing.T) {
	h := newHarness(t, Options{}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Devices: []string{"D1"}, Types: []string{"temp"}})

	if got := h.engine.Distribute(stored("D1", "humidity", nil)); got != 0 {
		t.Errorf("Distribute() = %d, want 0", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(h.transport.got("S")); n != 0 {
		t.Errorf("received %d deliveries, want 0", n)
	}
}

func TestDistribute_NoDeviceGoesToWildcardOnly(t *testing.T) {
	h := newHarness(t, Options{}, "wild", "scoped")
	h.notifications.Subscribe("wild", subscription.Filter{Wildcard: true})
	h.notifications.Subscribe("scoped", subscription.Filter{Devices: []string{"D1"}})

	if got := h.engine.Distribute(stored("", "announce", nil)); got != 1 {
		t.Fatalf("Distribute() = %d, want 1", got)
	}
	waitFor(t, "wildcard delivery", func() bool { return len(h.transport.got("wild")) == 1 })
	if n := len(h.transport.got("scoped")); n != 0 {
		t.Errorf("device-scoped session received %d", n)
	}
}

func TestDistribute_FIFOPerSession(t *testing.T) {
	h := newHarness(t, Options{QueueSize: 512}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Wildcard: true})

	// Jitter send latency so out-of-order workers would show up.
	h.transport.sendFn = func(_ context.Context, _ string, attempt int) error {
		if attempt%7 == 0 {
			time.Sleep(time.Millisecond)
		}
		return nil
	}

	const total = 200
	var ids []int64
	for i := 0; i < total; i++ {
		n := stored("D1", "seq", notification.Parameters{"i": float64(i)})
		ids = append(ids, n.ID())
		h.engine.Distribute(n)
	}

	waitFor(t, "all deliveries", func() bool { return len(h.transport.got("S")) == total })
	for i, payload := range h.transport.got("S") {
		if got := decode(t, payload).Notification.ID; got != ids[i] {
			t.Fatalf("delivery %d has id %d, want %d", i, got, ids[i])
		}
	}
}

func TestDistribute_RetryOnceThenDrop(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 1, SendTimeout: 50 * time.Millisecond}, "S", "T")
	h.notifications.Subscribe("S", subscription.Filter{Devices: []string{"D1"}})
	h.notifications.Subscribe("T", subscription.Filter{Devices: []string{"D1"}})

	h.transport.sendFn = func(_ context.Context, session string, _ int) error {
		if session == "S" {
			return errors.New("broken pipe")
		}
		return nil
	}

	h.engine.Distribute(stored("D1", "temp", nil))

	waitFor(t, "session S closed", func() bool { return h.transport.closedCount("S") == 1 })
	if n := h.transport.attemptCount("S"); n != 2 {
		t.Errorf("attempts = %d, want 2 (one retry)", n)
	}
	if h.notifications.HasSession("S") {
		t.Error("failed session still subscribed")
	}

	// Later notifications reach T only.
	h.engine.Distribute(stored("D1", "temp", nil))
	waitFor(t, "T deliveries", func() bool { return len(h.transport.got("T")) == 2 })
	if n := h.transport.attemptCount("S"); n != 2 {
		t.Errorf("dropped session saw %d attempts, want no more than 2", n)
	}
	if h.metrics.dropped.Load() != 1 {
		t.Errorf("dropped metric = %d, want 1", h.metrics.dropped.Load())
	}
}

func TestDistribute_NoRetryWhenZero(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 0}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Wildcard: true})
	h.transport.sendFn = func(context.Context, string, int) error { return errors.New("reset") }

	h.engine.Distribute(stored("D1", "temp", nil))

	waitFor(t, "session closed", func() bool { return h.transport.closedCount("S") == 1 })
	if n := h.transport.attemptCount("S"); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestDistribute_RetrySucceeds(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 1}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Wildcard: true})
	h.transport.sendFn = func(_ context.Context, _ string, attempt int) error {
		if attempt == 1 {
			return errors.New("transient")
		}
		return nil
	}

	h.engine.Distribute(stored("D1", "temp", nil))

	waitFor(t, "delivery after retry", func() bool { return len(h.transport.got("S")) == 1 })
	if h.transport.closedCount("S") != 0 || !h.notifications.HasSession("S") {
		t.Error("session should survive a successful retry")
	}
}

func TestDistribute_SendTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 0, SendTimeout: 20 * time.Millisecond}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Wildcard: true})
	h.transport.sendFn = func(ctx context.Context, _ string, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	h.engine.Distribute(stored("D1", "temp", nil))
	if time.Since(start) > 10*time.Millisecond {
		t.Error("Distribute() blocked on a slow session")
	}

	waitFor(t, "timed-out session closed", func() bool { return h.transport.closedCount("S") == 1 })
}

func TestDistribute_QueueOverflowDropsSlowSession(t *testing.T) {
	h := newHarness(t, Options{QueueSize: 2, SendTimeout: time.Second}, "slow")
	h.notifications.Subscribe("slow", subscription.Filter{Wildcard: true})

	release := make(chan struct{})
	h.transport.sendFn = func(ctx context.Context, _ string, _ int) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(release)

	start := time.Now()
	queued := 0
	for i := 0; i < 10; i++ {
		queued += h.engine.Distribute(stored("D1", "temp", nil))
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("Distribute() blocked behind a slow session")
	}
	if queued > 3 {
		t.Errorf("queued %d payloads into a queue of 2 plus one in flight", queued)
	}

	if h.transport.closedCount("slow") != 1 {
		t.Errorf("slow session closed %d times, want 1", h.transport.closedCount("slow"))
	}
	if h.notifications.HasSession("slow") {
		t.Error("overflowed session still subscribed")
	}
	if h.metrics.dropped.Load() != 1 {
		t.Errorf("dropped metric = %d, want 1", h.metrics.dropped.Load())
	}
}

func TestDropSession_CancelsQueuedButFinishesInFlight(t *testing.T) {
	h := newHarness(t, Options{SendTimeout: time.Second}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Wildcard: true})

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.transport.sendFn = func(_ context.Context, _ string, attempt int) error {
		if attempt == 1 {
			once.Do(func() { close(inFlight) })
			<-release
		}
		return nil
	}

	for i := 0; i < 5; i++ {
		h.engine.Distribute(stored("D1", "temp", nil))
	}
	<-inFlight

	h.engine.DropSession("S")
	close(release)

	waitFor(t, "in-flight send to complete", func() bool { return len(h.transport.got("S")) == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(h.transport.got("S")); n != 1 {
		t.Errorf("received %d deliveries after drop, want only the in-flight one", n)
	}
	if h.engine.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", h.engine.SessionCount())
	}

	// Idempotent.
	h.engine.DropSession("S")
}

func TestDistribute_ClosedTransportNotQueued(t *testing.T) {
	h := newHarness(t, Options{}, "open")
	h.notifications.Subscribe("gone", subscription.Filter{Wildcard: true})
	h.notifications.Subscribe("open", subscription.Filter{Wildcard: true})

	if got := h.engine.Distribute(stored("D1", "temp", nil)); got != 1 {
		t.Errorf("Distribute() = %d, want 1", got)
	}
	if h.notifications.HasSession("gone") {
		t.Error("closed session should be dropped from the registry")
	}
}

func TestDistributeCommand_AndDeliverTo(t *testing.T) {
	h := newHarness(t, Options{}, "device-session", "client")
	handle := h.commands.Subscribe("device-session", subscription.Filter{Devices: []string{"D1"}})

	c := command.New("D1", "reboot", nil)
	if err := c.AssignID(9); err != nil {
		t.Fatal(err)
	}
	if got := h.engine.DistributeCommand(c); got != 1 {
		t.Fatalf("DistributeCommand() = %d, want 1", got)
	}
	waitFor(t, "command push", func() bool { return len(h.transport.got("device-session")) == 1 })
	p := decode(t, h.transport.got("device-session")[0])
	if p.Action != ActionCommandInsert || p.SubscriptionID != handle.ID || p.Command.ID != 9 {
		t.Errorf("command push = %+v", p)
	}

	c.Status = "done"
	payload, err := CommandUpdatePayload(c)
	if err != nil {
		t.Fatalf("CommandUpdatePayload() error = %v", err)
	}
	if !h.engine.DeliverTo("client", payload) {
		t.Fatal("DeliverTo() = false")
	}
	waitFor(t, "update delivery", func() bool { return len(h.transport.got("client")) == 1 })
	upd := decode(t, h.transport.got("client")[0])
	if upd.Action != ActionCommandUpdate || upd.Command.Status != "done" {
		t.Errorf("update push = %+v", upd)
	}

	if h.engine.DeliverTo("nobody", payload) {
		t.Error("DeliverTo() closed session = true")
	}
}

func TestDistribute_ManySessionsIndependent(t *testing.T) {
	var sessions []string
	for i := 0; i < 20; i++ {
		sessions = append(sessions, fmt.Sprintf("s%02d", i))
	}
	h := newHarness(t, Options{}, sessions...)
	for _, s := range sessions {
		h.notifications.Subscribe(s, subscription.Filter{Devices: []string{"D1"}})
	}

	if got := h.engine.Distribute(stored("D1", "temp", nil)); got != len(sessions) {
		t.Fatalf("Distribute() = %d, want %d", got, len(sessions))
	}
	for _, s := range sessions {
		waitFor(t, s, func() bool { return len(h.transport.got(s)) == 1 })
	}
	if got := h.metrics.delivered.Load(); got != int32(len(sessions)) {
		t.Errorf("delivered metric = %d", got)
	}
}

func TestNewEngine_Options(t *testing.T) {
	reg := subscription.NewRegistry(1)
	tests := []struct {
		in   Options
		want Options
	}{
		{Options{}, Options{QueueSize: DefaultQueueSize, SendTimeout: DefaultSendTimeout}},
		{Options{QueueSize: 8, SendTimeout: time.Second, MaxRetries: 5}, Options{QueueSize: 8, SendTimeout: time.Second, MaxRetries: 1}},
		{Options{MaxRetries: -3}, Options{QueueSize: DefaultQueueSize, SendTimeout: DefaultSendTimeout}},
	}
	for _, tt := range tests {
		if got := NewEngine(reg, reg, newFakeTransport(), tt.in).Options(); got != tt.want {
			t.Errorf("NewEngine(%+v).Options() = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestClose_RejectsNewWork(t *testing.T) {
	h := newHarness(t, Options{}, "S")
	h.notifications.Subscribe("S", subscription.Filter{Wildcard: true})

	if err := h.engine.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := h.engine.Distribute(stored("D1", "temp", nil)); got != 0 {
		t.Errorf("Distribute() after Close = %d, want 0", got)
	}
}
