package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/hive-core/internal/notification"
)

// MaxNameLength bounds the command name.
const MaxNameLength = 128

// Command is an instruction issued by a client to a device. The device
// acknowledges it by posting an Update, which is routed back to the session
// that issued the command.
type Command struct {
	id        int64
	timestamp time.Time
	version   int

	Command    string
	Parameters notification.Parameters

	// Lifetime is how long, in seconds, the command may still be updated.
	// Zero means it never expires.
	Lifetime int

	Status   string
	Result   notification.Parameters
	DeviceID string
	UserID   string

	// OriginSession is the WebSocket session that issued the command. It is
	// kept in memory only and is empty for commands inserted over REST.
	OriginSession string
}

// New creates an unsaved command stamped with the current UTC time.
func New(deviceID, name string, params notification.Parameters) *Command {
	return &Command{
		timestamp:  time.Now().UTC(),
		Command:    name,
		Parameters: params,
		DeviceID:   deviceID,
	}
}

// ID returns the persistence-assigned id, or 0 before the first store.
func (c *Command) ID() int64 { return c.id }

// AssignID sets the id once.
func (c *Command) AssignID(id int64) error {
	if c.id != 0 {
		return fmt.Errorf("%w: %d", ErrIDAssigned, c.id)
	}
	c.id = id
	return nil
}

// Timestamp returns the creation time.
func (c *Command) Timestamp() time.Time { return c.timestamp }

// SetTimestamp replaces the creation time, normalised to UTC.
func (c *Command) SetTimestamp(t time.Time) { c.timestamp = t.UTC() }

// Version is the optimistic-lock counter, starting at 1 once stored.
func (c *Command) Version() int { return c.version }

// ExpiresAt returns when the command stops accepting updates, or the zero
// time if it never expires.
func (c *Command) ExpiresAt() time.Time {
	if c.Lifetime <= 0 {
		return time.Time{}
	}
	return c.timestamp.Add(time.Duration(c.Lifetime) * time.Second)
}

// IsExpired reports whether the lifetime has elapsed at now.
func (c *Command) IsExpired(now time.Time) bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Validate checks the fields required before storing.
func (c *Command) Validate() error {
	if c.Command == "" {
		return ErrNameRequired
	}
	if len(c.Command) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d", ErrNameRequired, MaxNameLength)
	}
	if c.DeviceID == "" {
		return ErrDeviceRequired
	}
	if c.Lifetime < 0 {
		return ErrInvalidLifetime
	}
	return nil
}

// DeepCopy returns an independent copy.
func (c *Command) DeepCopy() *Command {
	if c == nil {
		return nil
	}
	cpy := *c
	cpy.Parameters = c.Parameters.DeepCopy()
	cpy.Result = c.Result.DeepCopy()
	return &cpy
}

// Update is a device acknowledgement. A zero Version skips the
// optimistic-lock check.
type Update struct {
	Status  *string                 `json:"status,omitempty"`
	Result  notification.Parameters `json:"result,omitempty"`
	Version int                     `json:"version,omitempty"`
}

// Validate rejects updates that would change nothing.
func (u Update) Validate() error {
	if u.Status == nil && u.Result == nil {
		return ErrEmptyUpdate
	}
	return nil
}

// apply copies the update fields onto c.
func (u Update) apply(c *Command) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Result != nil {
		c.Result = u.Result.DeepCopy()
	}
}

// View is the wire representation of a command.
type View struct {
	ID         int64                   `json:"id"`
	Timestamp  time.Time               `json:"timestamp"`
	Command    string                  `json:"command"`
	Parameters notification.Parameters `json:"parameters,omitempty"`
	Lifetime   int                     `json:"lifetime,omitempty"`
	Status     string                  `json:"status,omitempty"`
	Result     notification.Parameters `json:"result,omitempty"`
	DeviceID   string                  `json:"deviceId"`
	UserID     string                  `json:"userId,omitempty"`
	Version    int                     `json:"version"`
}

// View returns a detached wire view of c.
func (c *Command) View() View {
	return View{
		ID:         c.id,
		Timestamp:  c.timestamp,
		Command:    c.Command,
		Parameters: c.Parameters.DeepCopy(),
		Lifetime:   c.Lifetime,
		Status:     c.Status,
		Result:     c.Result.DeepCopy(),
		DeviceID:   c.DeviceID,
		UserID:     c.UserID,
		Version:    c.version,
	}
}

// FromView rebuilds a stored command from its wire form. OriginSession is
// not part of the view and is left empty.
func FromView(v View) *Command {
	return &Command{
		id:         v.ID,
		timestamp:  v.Timestamp.UTC(),
		version:    v.Version,
		Command:    v.Command,
		Parameters: v.Parameters,
		Lifetime:   v.Lifetime,
		Status:     v.Status,
		Result:     v.Result,
		DeviceID:   v.DeviceID,
		UserID:     v.UserID,
	}
}

// MarshalJSON encodes c as its View.
func (c *Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.View())
}
