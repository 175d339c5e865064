package influxdb

import (
	"errors"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/hive-core/internal/distribution"
)

// Measurement names.
const (
	MeasurementNotifications = "notifications"
	MeasurementCommands      = "commands"
	MeasurementDeliveries    = "deliveries"
	MeasurementSessionDrops  = "session_drops"
)

// NotificationIngested counts one stored notification.
func (c *Client) NotificationIngested(deviceID, notification string) {
	c.WritePoint(MeasurementNotifications,
		map[string]string{"device_id": deviceID, "notification": notification},
		map[string]any{"count": 1})
}

// CommandIssued counts one stored command.
func (c *Client) CommandIssued(deviceID, command string) {
	c.WritePoint(MeasurementCommands,
		map[string]string{"device_id": deviceID, "command": command},
		map[string]any{"count": 1})
}

// Delivered records a successful send to a session.
func (c *Client) Delivered(sessionID string, latency time.Duration) {
	c.WritePoint(MeasurementDeliveries,
		map[string]string{"outcome": "delivered"},
		map[string]any{
			"latency_ms": float64(latency.Microseconds()) / 1000,
			"session_id": sessionID,
		})
}

// SendFailed records one failed send attempt.
func (c *Client) SendFailed(sessionID string, attempt int, err error) {
	c.WritePoint(MeasurementDeliveries,
		map[string]string{"outcome": "failed"},
		map[string]any{
			"attempt":    attempt,
			"session_id": sessionID,
			"error":      errString(err),
		})
}

// SessionDropped records a session removed by the distribution engine.
func (c *Client) SessionDropped(sessionID string, reason error) {
	c.WritePoint(MeasurementSessionDrops,
		map[string]string{"reason": dropReason(reason)},
		map[string]any{
			"session_id": sessionID,
			"detail":     errString(reason),
		})
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// dropReason maps a drop cause to a low-cardinality tag value.
func dropReason(err error) string {
	switch {
	case errors.Is(err, distribution.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, distribution.ErrSessionClosed):
		return "closed"
	default:
		return "send_failed"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ distribution.Metrics = (*Client)(nil)
