package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/device"
	"github.com/nerrad567/hive-core/internal/distribution"
	"github.com/nerrad567/hive-core/internal/failure"
	"github.com/nerrad567/hive-core/internal/infrastructure/database"
	"github.com/nerrad567/hive-core/internal/notification"
	"github.com/nerrad567/hive-core/internal/subscription"
	_ "github.com/nerrad567/hive-core/migrations"
)

// memTransport records payloads per session; sessions listed in failing
// reject every send.
type memTransport struct {
	mu       sync.Mutex
	open     map[string]bool
	failing  map[string]bool
	received map[string][][]byte
}

func newMemTransport() *memTransport {
	return &memTransport{
		open:     make(map[string]bool),
		failing:  make(map[string]bool),
		received: make(map[string][][]byte),
	}
}

func (m *memTransport) connect(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[sessionID] = true
}

func (m *memTransport) Send(_ context.Context, sessionID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[sessionID] {
		return errors.New("connection reset")
	}
	m.received[sessionID] = append(m.received[sessionID], payload)
	return nil
}

func (m *memTransport) IsOpen(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[sessionID]
}

func (m *memTransport) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[sessionID] = false
}

func (m *memTransport) got(sessionID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received[sessionID]...)
}

type fixture struct {
	svc       *Service
	devices   *device.Registry
	notifs    *subscription.Registry
	commands  *subscription.Registry
	engine    *distribution.Engine
	transport *memTransport
	repo      *notification.SQLiteRepository
	cmdRepo   *command.SQLiteRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "hive.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	f := &fixture{
		devices:   device.NewRegistry(device.NewSQLiteRepository(db.DB)),
		notifs:    subscription.NewRegistry(4),
		commands:  subscription.NewRegistry(4),
		transport: newMemTransport(),
		repo:      notification.NewSQLiteRepository(db.DB),
		cmdRepo:   command.NewSQLiteRepository(db.DB),
	}
	f.engine = distribution.NewEngine(f.notifs, f.commands, f.transport, distribution.Options{MaxRetries: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.engine.Close(ctx) //nolint:errcheck // Test cleanup
	})

	f.svc = New(Deps{
		Notifications:    f.repo,
		Commands:         f.cmdRepo,
		Devices:          f.devices,
		Engine:           f.engine,
		NotificationSubs: f.notifs,
		CommandSubs:      f.commands,
	})

	for _, d := range []*device.Device{
		{ID: "D1", Name: "Thermostat"},
		{ID: "D2", Name: "Hygrometer"},
		{ID: "D3", Name: "Retired", Status: device.StatusBlocked},
	} {
		if err := f.devices.CreateDevice(ctx, d); err != nil {
			t.Fatalf("creating device %s: %v", d.ID, err)
		}
	}
	return f
}

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

func subscribe(t *testing.T, fn func(string, subscription.Filter) (subscription.Handle, error), sessionID string, f subscription.Filter) subscription.Handle {
	t.Helper()
	h, err := fn(sessionID, f)
	if err != nil {
		t.Fatalf("subscribing %s: %v", sessionID, err)
	}
	return h
}

type pushMessage struct {
	Action         string          `json:"action"`
	SubscriptionID uint64          `json:"subscriptionId"`
	Notification   json.RawMessage `json:"notification"`
	Command        command.View    `json:"command"`
}

func decodePush(t *testing.T, payload []byte) (pushMessage, notification.View) {
	t.Helper()
	var p pushMessage
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("decoding push %s: %v", payload, err)
	}
	var v notification.View
	if len(p.Notification) > 0 {
		if err := json.Unmarshal(p.Notification, &v); err != nil {
			t.Fatalf("decoding notification %s: %v", p.Notification, err)
		}
	}
	return p, v
}

func TestIngest_DeliversToSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.connect("S")

	subscribe(t, f.svc.SubscribeNotifications, "S", subscription.Filter{Devices: []string{"D1"}})

	id, err := f.svc.Ingest(ctx, notification.New("D1", "temp", notification.Parameters{"t": 21.0}))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if id <= 0 {
		t.Fatalf("Ingest() id = %d", id)
	}

	waitFor(t, "delivery", func() bool { return len(f.transport.got("S")) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(f.transport.got("S")); n != 1 {
		t.Fatalf("received %d deliveries, want 1", n)
	}
	p, v := decodePush(t, f.transport.got("S")[0])
	if p.Action != distribution.ActionNotificationInsert || v.ID != id || v.Notification != "temp" || v.Parameters["t"] != 21.0 {
		t.Errorf("push = %+v, notification = %+v", p, v)
	}

	stored, err := f.svc.GetNotification(ctx, "D1", id)
	if err != nil || stored.Notification != "temp" {
		t.Errorf("GetNotification() = %v, %v", stored, err)
	}
}

func TestIngest_TypeFilterMismatch(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("S")
	subscribe(t, f.svc.SubscribeNotifications, "S", subscription.Filter{Devices: []string{"D1"}, Types: []string{"temp"}})

	if _, err := f.svc.Ingest(context.Background(), notification.New("D1", "humidity", nil)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(f.transport.got("S")); n != 0 {
		t.Errorf("received %d deliveries, want 0", n)
	}
}

func TestIngest_FailingSubscriberDoesNotFailIngest(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("S")
	f.transport.failing["S"] = true
	subscribe(t, f.svc.SubscribeNotifications, "S", subscription.Filter{Devices: []string{"D1"}})

	id, err := f.svc.Ingest(context.Background(), notification.New("D1", "temp", nil))
	if err != nil || id <= 0 {
		t.Fatalf("Ingest() = %d, %v; want an assigned id", id, err)
	}

	waitFor(t, "session dropped", func() bool { return !f.notifs.HasSession("S") })
	if _, err := f.svc.Ingest(context.Background(), notification.New("D1", "temp", nil)); err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if n := len(f.transport.got("S")); n != 0 {
		t.Errorf("dropped session received %d deliveries", n)
	}
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		n          *notification.Notification
		wantKind   failure.Kind
		wantStatus int
	}{
		{"missing notification name", notification.New("D1", "", nil), failure.KindValidation, http.StatusBadRequest},
		{"nil notification", nil, failure.KindValidation, http.StatusBadRequest},
		{"unknown device", notification.New("nope", "temp", nil), failure.KindDomain, http.StatusNotFound},
		{"blocked device", notification.New("D3", "temp", nil), failure.KindDomain, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.svc.Ingest(ctx, tt.n)
			if err == nil {
				t.Fatalf("Ingest() = %d, nil; want error", id)
			}
			m := failure.Classify(err)
			if m.Kind != tt.wantKind || m.Status != tt.wantStatus {
				t.Errorf("Classify() = %+v, want kind %v status %d", m, tt.wantKind, tt.wantStatus)
			}
		})
	}

	list, err := f.svc.ListNotifications(ctx, notification.Query{})
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected notifications were stored: %d", len(list))
	}
}

func TestIngest_NoDeviceGoesToWildcard(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("wild")
	f.transport.connect("scoped")
	subscribe(t, f.svc.SubscribeNotifications, "wild", subscription.Filter{Wildcard: true})
	subscribe(t, f.svc.SubscribeNotifications, "scoped", subscription.Filter{Devices: []string{"D1"}})

	if _, err := f.svc.Ingest(context.Background(), notification.New("", "broadcast", nil)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	waitFor(t, "wildcard delivery", func() bool { return len(f.transport.got("wild")) == 1 })
	if n := len(f.transport.got("scoped")); n != 0 {
		t.Errorf("device-scoped session received %d", n)
	}
}

func TestIngest_OrderPreservedUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("S")
	subscribe(t, f.svc.SubscribeNotifications, "S", subscription.Filter{Wildcard: true})

	const workers, each = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := f.svc.Ingest(context.Background(), notification.New("D1", "tick", nil)); err != nil {
					t.Errorf("Ingest() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, "all deliveries", func() bool { return len(f.transport.got("S")) == workers*each })
	var last int64
	for _, payload := range f.transport.got("S") {
		_, v := decodePush(t, payload)
		if v.ID <= last {
			t.Fatalf("delivery id %d after %d: not in storage order", v.ID, last)
		}
		last = v.ID
	}
}

func TestSubscribe_RejectsBadFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubscribeNotifications("S", subscription.Filter{Devices: []string{"bad id!"}})
	if failure.KindOf(err) != failure.KindValidation {
		t.Errorf("SubscribeNotifications() error = %v, want validation", err)
	}
	_, err = f.svc.SubscribeCommands("S", subscription.Filter{Types: []string{""}})
	if failure.KindOf(err) != failure.KindValidation {
		t.Errorf("SubscribeCommands() error = %v, want validation", err)
	}
}

func TestUnsubscribeAndDropSession(t *testing.T) {
	f := newFixture(t)
	h := subscribe(t, f.svc.SubscribeNotifications, "S", subscription.Filter{Wildcard: true})
	subscribe(t, f.svc.SubscribeCommands, "S", subscription.Filter{Wildcard: true})

	if f.svc.UnsubscribeNotifications("other", h.ID) {
		t.Error("another session removed S's subscription")
	}
	if !f.svc.UnsubscribeNotifications("S", h.ID) {
		t.Error("UnsubscribeNotifications() = false")
	}
	if f.svc.UnsubscribeNotifications("S", h.ID) {
		t.Error("second unsubscribe = true")
	}

	f.svc.DropSession("S")
	if f.commands.HasSession("S") {
		t.Error("DropSession() left command subscriptions")
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	commands []*command.Command
	err      error
}

func (p *fakePublisher) PublishCommand(c *command.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, c.DeepCopy())
	return p.err
}

func TestCommandFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.connect("device-session")
	f.transport.connect("client")

	pub := &fakePublisher{err: errors.New("broker down")}
	f.svc.SetCommandPublisher(pub)
	subscribe(t, f.svc.SubscribeCommands, "device-session", subscription.Filter{Devices: []string{"D1"}})

	c := command.New("D1", "set-temp", notification.Parameters{"t": 22.0})
	c.OriginSession = "client"
	stored, err := f.svc.InsertCommand(ctx, c)
	if err != nil {
		t.Fatalf("InsertCommand() error = %v", err)
	}
	if stored.ID() <= 0 || stored.Version() != 1 {
		t.Fatalf("stored command id=%d version=%d", stored.ID(), stored.Version())
	}
	if len(pub.commands) != 1 || pub.commands[0].ID() != stored.ID() {
		t.Error("command not forwarded to the publisher")
	}

	waitFor(t, "command push", func() bool { return len(f.transport.got("device-session")) == 1 })
	p, _ := decodePush(t, f.transport.got("device-session")[0])
	if p.Action != distribution.ActionCommandInsert || p.Command.ID != stored.ID() {
		t.Errorf("command push = %+v", p)
	}

	status := "done"
	updated, err := f.svc.UpdateCommand(ctx, "D1", stored.ID(), command.Update{Status: &status, Version: 1})
	if err != nil {
		t.Fatalf("UpdateCommand() error = %v", err)
	}
	if updated.Status != "done" || updated.Version() != 2 {
		t.Errorf("updated = %+v", updated.View())
	}

	waitFor(t, "update to origin", func() bool { return len(f.transport.got("client")) == 1 })
	upd, _ := decodePush(t, f.transport.got("client")[0])
	if upd.Action != distribution.ActionCommandUpdate || upd.Command.Status != "done" {
		t.Errorf("update push = %+v", upd)
	}

	// Stale version.
	_, err = f.svc.UpdateCommand(ctx, "D1", stored.ID(), command.Update{Status: &status, Version: 1})
	if failure.KindOf(err) != failure.KindOptimisticLock {
		t.Errorf("stale UpdateCommand() error = %v, want optimistic lock", err)
	}

	// Wrong device.
	_, err = f.svc.UpdateCommand(ctx, "D2", stored.ID(), command.Update{Status: &status})
	if m := failure.Classify(err); m.Status != http.StatusNotFound {
		t.Errorf("UpdateCommand() for another device = %+v", m)
	}

	// Empty update.
	_, err = f.svc.UpdateCommand(ctx, "D1", stored.ID(), command.Update{})
	if failure.KindOf(err) != failure.KindValidation {
		t.Errorf("empty UpdateCommand() error = %v", err)
	}
}

// blockingPublisher holds every PublishCommand until release is closed.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) PublishCommand(*command.Command) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

func TestInsertCommand_SlowPublisherDoesNotBlockIngest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub := &blockingPublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.svc.SetCommandPublisher(pub)

	inserted := make(chan error, 1)
	go func() {
		_, err := f.svc.InsertCommand(ctx, command.New("D1", "reboot", nil))
		inserted <- err
	}()
	<-pub.entered

	ingested := make(chan error, 1)
	go func() {
		_, err := f.svc.Ingest(ctx, notification.New("D2", "temp", nil))
		ingested <- err
	}()
	select {
	case err := <-ingested:
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	case <-time.After(time.Second):
		close(pub.release)
		t.Fatal("Ingest() for D2 waited on a command publish for D1")
	}

	close(pub.release)
	if err := <-inserted; err != nil {
		t.Fatalf("InsertCommand() error = %v", err)
	}
}

func TestUpdateCommand_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := command.New("D1", "pulse", nil)
	c.Lifetime = 1
	c.SetTimestamp(time.Now().Add(-time.Minute))
	if _, err := f.svc.InsertCommand(ctx, c); err != nil {
		t.Fatalf("InsertCommand() error = %v", err)
	}

	status := "done"
	_, err := f.svc.UpdateCommand(ctx, "", c.ID(), command.Update{Status: &status})
	if m := failure.Classify(err); m.Kind != failure.KindDomain || m.Status != http.StatusGone {
		t.Errorf("Classify() = %+v, want domain 410", m)
	}
}

func TestInsertCommand_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.InsertCommand(ctx, command.New("D1", "", nil)); failure.KindOf(err) != failure.KindValidation {
		t.Errorf("missing name error = %v", err)
	}
	if _, err := f.svc.InsertCommand(ctx, command.New("nope", "x", nil)); failure.Classify(err).Status != http.StatusNotFound {
		t.Errorf("unknown device error = %v", err)
	}
	if _, err := f.svc.GetCommand(ctx, "", 999); failure.Classify(err).Status != http.StatusNotFound {
		t.Errorf("GetCommand(999) error = %v", err)
	}
}

func TestListNotifications_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListNotifications(context.Background(), notification.Query{DeviceID: "nope"})
	if failure.Classify(err).Status != http.StatusNotFound {
		t.Errorf("ListNotifications() error = %v, want 404", err)
	}
}

type failingFanout struct{ calls int }

func (f *failingFanout) Notification(context.Context, *notification.Notification) error {
	f.calls++
	return errors.New("relay unavailable")
}

func (f *failingFanout) Command(context.Context, *command.Command) error       { return nil }
func (f *failingFanout) CommandUpdate(context.Context, *command.Command) error { return nil }

func TestIngest_FanoutErrorIsContained(t *testing.T) {
	f := newFixture(t)
	fan := &failingFanout{}
	f.svc.SetFanout(fan)

	id, err := f.svc.Ingest(context.Background(), notification.New("D1", "temp", nil))
	if err != nil || id <= 0 {
		t.Fatalf("Ingest() = %d, %v", id, err)
	}
	if fan.calls != 1 {
		t.Errorf("fanout called %d times", fan.calls)
	}
}

func TestOriginIndex_Expiry(t *testing.T) {
	idx := newOriginIndex()
	now := time.Now()
	idx.now = func() time.Time { return now }

	c := command.New("D1", "x", nil)
	c.Lifetime = 10
	c.OriginSession = "client"
	c.AssignID(1) //nolint:errcheck // fresh command
	idx.remember(c)

	if s, ok := idx.lookup(1); !ok || s != "client" {
		t.Fatalf("lookup() = %q, %v", s, ok)
	}
	now = now.Add(time.Minute)
	if _, ok := idx.lookup(1); ok {
		t.Error("expired origin still returned")
	}
	if idx.len() != 0 {
		t.Errorf("len() = %d after expiry", idx.len())
	}
}
