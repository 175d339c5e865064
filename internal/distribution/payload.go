package distribution

import (
	"encoding/json"

	"github.com/nerrad567/hive-core/internal/command"
	"github.com/nerrad567/hive-core/internal/notification"
)

// Server-pushed actions.
const (
	ActionNotificationInsert = "notification/insert"
	ActionCommandInsert      = "command/insert"
	ActionCommandUpdate      = "command/update"
)

// push is the envelope of a server-initiated message.
type push struct {
	Action         string          `json:"action"`
	SubscriptionID uint64          `json:"subscriptionId,omitempty"`
	Notification   json.RawMessage `json:"notification,omitempty"`
	Command        json.RawMessage `json:"command,omitempty"`
}

func notificationPush(subscriptionID uint64, body json.RawMessage) ([]byte, error) {
	return json.Marshal(push{
		Action:         ActionNotificationInsert,
		SubscriptionID: subscriptionID,
		Notification:   body,
	})
}

func commandPush(action string, subscriptionID uint64, body json.RawMessage) ([]byte, error) {
	return json.Marshal(push{
		Action:         action,
		SubscriptionID: subscriptionID,
		Command:        body,
	})
}

// encodeNotification serialises the wire view once; the bytes are shared
// read-only by every delivery of this notification.
func encodeNotification(n *notification.Notification) (json.RawMessage, error) {
	return json.Marshal(n.View())
}

func encodeCommand(c *command.Command) (json.RawMessage, error) {
	return json.Marshal(c.View())
}

// CommandUpdatePayload builds the message sent to the session that issued c
// after the device updated it.
func CommandUpdatePayload(c *command.Command) ([]byte, error) {
	body, err := encodeCommand(c)
	if err != nil {
		return nil, err
	}
	return commandPush(ActionCommandUpdate, 0, body)
}
