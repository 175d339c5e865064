package notification

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MaxNameLength bounds the notification type name.
const MaxNameLength = 128

// Parameters is an opaque JSON object attached to notifications and commands.
type Parameters map[string]any

// DeepCopy returns a copy sharing no maps or slices with p.
func (p Parameters) DeepCopy() Parameters {
	if p == nil {
		return nil
	}
	return Parameters(deepCopyMap(p))
}

// Value implements driver.Valuer. A nil map is stored as NULL.
func (p Parameters) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("marshalling parameters: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for TEXT or BLOB JSON columns.
func (p *Parameters) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("parameters: cannot scan %T", src)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("unmarshalling parameters: %w", err)
	}
	*p = m
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Parameters:
		return val.DeepCopy()
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// Notification is one event emitted by a device.
//
// The id and timestamp are reachable only through methods: the id is
// write-once and the timestamp is a value type, so a caller can never
// mutate a stored record's time through an alias.
type Notification struct {
	id        int64
	timestamp time.Time

	// Notification is the type name that routing filters match against.
	Notification string

	Parameters Parameters

	// DeviceID is empty when the notification is not tied to a device. Such
	// notifications are only delivered to wildcard subscriptions.
	DeviceID string
}

// New creates an unsaved notification stamped with the current UTC time.
func New(deviceID, name string, params Parameters) *Notification {
	return &Notification{
		timestamp:    time.Now().UTC(),
		Notification: name,
		Parameters:   params,
		DeviceID:     deviceID,
	}
}

// ID returns the persistence-assigned id, or 0 before the first store.
func (n *Notification) ID() int64 { return n.id }

// AssignID sets the id. It fails if one is already set.
func (n *Notification) AssignID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if n.id != 0 {
		return fmt.Errorf("%w: %d", ErrIDAssigned, n.id)
	}
	n.id = id
	return nil
}

// Timestamp returns the creation time.
func (n *Notification) Timestamp() time.Time { return n.timestamp }

// SetTimestamp replaces the creation time, normalised to UTC.
func (n *Notification) SetTimestamp(t time.Time) { n.timestamp = t.UTC() }

// Validate checks the fields required for a record to enter distribution.
func (n *Notification) Validate() error {
	if n.Notification == "" {
		return ErrNameRequired
	}
	if len(n.Notification) > MaxNameLength {
		return fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(n.Notification), MaxNameLength)
	}
	return nil
}

// DeepCopy returns an independent copy, including the id.
func (n *Notification) DeepCopy() *Notification {
	if n == nil {
		return nil
	}
	cpy := *n
	cpy.Parameters = n.Parameters.DeepCopy()
	return &cpy
}

// View is the wire representation of a notification.
type View struct {
	ID           int64      `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	Notification string     `json:"notification"`
	Parameters   Parameters `json:"parameters,omitempty"`
	DeviceID     string     `json:"deviceId,omitempty"`
}

// View returns a detached wire view of n.
func (n *Notification) View() View {
	return View{
		ID:           n.id,
		Timestamp:    n.timestamp,
		Notification: n.Notification,
		Parameters:   n.Parameters.DeepCopy(),
		DeviceID:     n.DeviceID,
	}
}

// FromView rebuilds a notification from its wire form, for example after
// relaying a stored record between nodes.
func FromView(v View) *Notification {
	return &Notification{
		id:           v.ID,
		timestamp:    v.Timestamp.UTC(),
		Notification: v.Notification,
		Parameters:   v.Parameters,
		DeviceID:     v.DeviceID,
	}
}

// MarshalJSON encodes n as its View.
func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.View())
}

// UnmarshalJSON decodes a View into n.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = *FromView(v)
	return nil
}
