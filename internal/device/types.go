package device

import "time"

// Status is the administrative state of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"

	// StatusBlocked devices are known but may not publish notifications.
	StatusBlocked Status = "blocked"
)

// AllStatuses returns every valid Status.
func AllStatuses() []Status {
	return []Status{StatusOnline, StatusOffline, StatusBlocked}
}

// Device is a registered source of notifications and target of commands.
type Device struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Key    string         `json:"key,omitempty"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeepCopy creates an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Data = deepCopyMap(d.Data)
	return &cpy
}

// Public returns a copy with the key removed, for listing to clients.
func (d *Device) Public() *Device {
	cpy := d.DeepCopy()
	cpy.Key = ""
	return cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
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

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
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
