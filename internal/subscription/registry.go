package subscription

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when NewRegistry is given a non-positive count.
const DefaultShards = 64

// Handle identifies one subscription. It is only meaningful together with
// the session that owns it.
type Handle struct {
	Session string
	ID      uint64
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d", h.Session, h.ID)
}

// Subscriber is one session matched by SubscribersFor. Handle is the
// session's lowest-numbered matching subscription.
type Subscriber struct {
	SessionID string
	Handle    Handle
}

type entry struct {
	handle Handle
	filter Filter
	types  map[string]struct{}
}

func (e *entry) acceptsType(typ string) bool {
	if e.types == nil {
		return true
	}
	_, ok := e.types[typ]
	return ok
}

type deviceShard struct {
	mu       sync.RWMutex
	byDevice map[string]map[uint64]*entry
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*sessionSubs
}

type sessionSubs struct {
	byKey    map[string]*entry
	byHandle map[uint64]*entry
}

// Registry is a concurrent subscription index.
//
// Subscriptions are indexed twice: by session (for unsubscribe, coalescing
// and DropSession) and by device (for SubscribersFor). Device-scoped entries
// live in one of N device shards chosen by hashing the device id; wildcard
// entries live in a separate bucket that every lookup also reads.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
//   - Writers take the session shard lock first, then a device shard or the
//     wildcard lock. SubscribersFor takes only device and wildcard read
//     locks, so lookups for different devices never contend.
//   - There is no registry-wide lock.
type Registry struct {
	devices  []deviceShard
	sessions []sessionShard

	wildMu   sync.RWMutex
	wildcard map[uint64]*entry

	nextID atomic.Uint64
	active atomic.Int64
}

// NewRegistry creates a registry with the given number of shards.
// A non-positive count falls back to DefaultShards. The same count is used
// for the device and session indexes.
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		devices:  make([]deviceShard, shards),
		sessions: make([]sessionShard, shards),
		wildcard: make(map[uint64]*entry),
	}
	for i := range r.devices {
		r.devices[i].byDevice = make(map[string]map[uint64]*entry)
		r.sessions[i].sessions = make(map[string]*sessionSubs)
	}
	return r
}

func (r *Registry) deviceShardFor(deviceID string) *deviceShard {
	return &r.devices[xxhash.Sum64String(deviceID)%uint64(len(r.devices))]
}

func (r *Registry) sessionShardFor(sessionID string) *sessionShard {
	return &r.sessions[xxhash.Sum64String(sessionID)%uint64(len(r.sessions))]
}

// Subscribe registers interest for a session. Subscribing again with an
// equivalent filter returns the existing handle.
func (r *Registry) Subscribe(sessionID string, f Filter) Handle {
	f = f.normalized()
	key := f.key()

	ss := r.sessionShardFor(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	subs := ss.sessions[sessionID]
	if subs == nil {
		subs = &sessionSubs{
			byKey:    make(map[string]*entry),
			byHandle: make(map[uint64]*entry),
		}
		ss.sessions[sessionID] = subs
	}
	if e, ok := subs.byKey[key]; ok {
		return e.handle
	}

	e := &entry{
		handle: Handle{Session: sessionID, ID: r.nextID.Add(1)},
		filter: f,
	}
	if len(f.Types) > 0 {
		e.types = make(map[string]struct{}, len(f.Types))
		for _, t := range f.Types {
			e.types[t] = struct{}{}
		}
	}
	subs.byKey[key] = e
	subs.byHandle[e.handle.ID] = e

	// Index insertion happens under the session lock so a concurrent
	// DropSession cannot miss it.
	r.index(e)
	r.active.Add(1)
	return e.handle
}

// Unsubscribe removes one subscription. It reports whether anything was
// removed; unknown or already removed handles are a no-op.
func (r *Registry) Unsubscribe(h Handle) bool {
	ss := r.sessionShardFor(h.Session)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	subs := ss.sessions[h.Session]
	if subs == nil {
		return false
	}
	e, ok := subs.byHandle[h.ID]
	if !ok {
		return false
	}
	delete(subs.byHandle, h.ID)
	delete(subs.byKey, e.filter.key())
	if len(subs.byHandle) == 0 {
		delete(ss.sessions, h.Session)
	}

	r.unindex(e)
	r.active.Add(-1)
	return true
}

// DropSession removes every subscription held by a session and returns how
// many were removed. Safe to call repeatedly.
func (r *Registry) DropSession(sessionID string) int {
	ss := r.sessionShardFor(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	subs := ss.sessions[sessionID]
	if subs == nil {
		return 0
	}
	delete(ss.sessions, sessionID)

	for _, e := range subs.byHandle {
		r.unindex(e)
	}
	r.active.Add(-int64(len(subs.byHandle)))
	return len(subs.byHandle)
}

// SubscribersFor returns the sessions whose filters match a notification of
// type typ from deviceID, one entry per session. An empty deviceID matches
// wildcard subscriptions only. The result is ordered by session id.
func (r *Registry) SubscribersFor(deviceID, typ string) []Subscriber {
	best := make(map[string]Handle)
	consider := func(e *entry) {
		if !e.acceptsType(typ) {
			return
		}
		if cur, ok := best[e.handle.Session]; !ok || e.handle.ID < cur.ID {
			best[e.handle.Session] = e.handle
		}
	}

	if deviceID != "" {
		ds := r.deviceShardFor(deviceID)
		ds.mu.RLock()
		for _, e := range ds.byDevice[deviceID] {
			consider(e)
		}
		ds.mu.RUnlock()
	}

	r.wildMu.RLock()
	for _, e := range r.wildcard {
		consider(e)
	}
	r.wildMu.RUnlock()

	out := make([]Subscriber, 0, len(best))
	for session, h := range best {
		out = append(out, Subscriber{SessionID: session, Handle: h})
	}
	slices.SortFunc(out, func(a, b Subscriber) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// HasSession reports whether the session holds any subscription.
func (r *Registry) HasSession(sessionID string) bool {
	ss := r.sessionShardFor(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.sessions[sessionID] != nil
}

// Filter returns the normalized filter behind a handle.
func (r *Registry) Filter(h Handle) (Filter, bool) {
	ss := r.sessionShardFor(h.Session)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	subs := ss.sessions[h.Session]
	if subs == nil {
		return Filter{}, false
	}
	e, ok := subs.byHandle[h.ID]
	if !ok {
		return Filter{}, false
	}
	return Filter{
		Wildcard: e.filter.Wildcard,
		Devices:  slices.Clone(e.filter.Devices),
		Types:    slices.Clone(e.filter.Types),
	}, true
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	return int(r.active.Load())
}

func (r *Registry) index(e *entry) {
	switch {
	case e.filter.Wildcard:
		r.wildMu.Lock()
		r.wildcard[e.handle.ID] = e
		r.wildMu.Unlock()
	case e.filter.matchesNothing():
		// Kept in the session index only so it can be unsubscribed.
	default:
		for _, id := range e.filter.Devices {
			ds := r.deviceShardFor(id)
			ds.mu.Lock()
			bucket := ds.byDevice[id]
			if bucket == nil {
				bucket = make(map[uint64]*entry)
				ds.byDevice[id] = bucket
			}
			bucket[e.handle.ID] = e
			ds.mu.Unlock()
		}
	}
}

func (r *Registry) unindex(e *entry) {
	if e.filter.Wildcard {
		r.wildMu.Lock()
		delete(r.wildcard, e.handle.ID)
		r.wildMu.Unlock()
		return
	}
	for _, id := range e.filter.Devices {
		ds := r.deviceShardFor(id)
		ds.mu.Lock()
		if bucket := ds.byDevice[id]; bucket != nil {
			delete(bucket, e.handle.ID)
			if len(bucket) == 0 {
				delete(ds.byDevice, id)
			}
		}
		ds.mu.Unlock()
	}
}
