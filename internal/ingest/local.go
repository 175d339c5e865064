package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/distribution"
	"github.com/nerrad567/hive-core/internal/notification"
)

// Local returns the fanout that feeds this node's distribution engine. The
// cluster relay calls it for every record it receives.
func (s *Service) Local() Fanout {
	return localFanout{s: s}
}

type localFanout struct {
	s *Service
}

func (l localFanout) Notification(_ context.Context, n *notification.Notification) error {
	queued := l.s.engine.Distribute(n)
	l.s.logger.Debug("notification distributed", "id", n.ID(), "device_id", n.DeviceID, "sessions", queued)
	return nil
}

func (l localFanout) Command(_ context.Context, c *command.Command) error {
	if c.OriginSession != "" {
		l.s.origins.remember(c)
	}
	queued := l.s.engine.DistributeCommand(c)
	l.s.logger.Debug("command distributed", "id", c.ID(), "device_id", c.DeviceID, "sessions", queued)
	return nil
}

func (l localFanout) CommandUpdate(_ context.Context, c *command.Command) error {
	session, ok := l.s.origins.lookup(c.ID())
	if !ok {
		return nil
	}
	payload, err := distribution.CommandUpdatePayload(c)
	if err != nil {
		return fmt.Errorf("encoding command update: %w", err)
	}
	l.s.engine.DeliverTo(session, payload)
	return nil
}

// defaultOriginRetention bounds how long the issuing session of a command
// without a lifetime is remembered.
const defaultOriginRetention = 24 * time.Hour

// pruneEvery is how many inserts pass between sweeps of expired origins.
const pruneEvery = 256

type origin struct {
	session string
	expires time.Time
}

// originIndex maps command ids to the session that issued them.
type originIndex struct {
	mu      sync.Mutex
	entries map[int64]origin
	inserts int
	now     func() time.Time
}

func newOriginIndex() *originIndex {
	return &originIndex{entries: make(map[int64]origin), now: time.Now}
}

func (o *originIndex) remember(c *command.Command) {
	expires := c.ExpiresAt()
	if expires.IsZero() {
		expires = c.Timestamp().Add(defaultOriginRetention)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[c.ID()] = origin{session: c.OriginSession, expires: expires}
	o.inserts++
	if o.inserts%pruneEvery == 0 {
		now := o.now()
		for id, e := range o.entries {
			if now.After(e.expires) {
				delete(o.entries, id)
			}
		}
	}
}

func (o *originIndex) lookup(id int64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return "", false
	}
	if o.now().After(e.expires) {
		delete(o.entries, id)
		return "", false
	}
	return e.session, true
}

func (o *originIndex) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
