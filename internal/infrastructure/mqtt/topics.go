package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicPrefix is the root of every hive topic.
const TopicPrefix = "hive"

// Topics builds hive MQTT topics.
type Topics struct{}

// Notification returns the topic a device publishes notifications on.
//
// Example: hive/notification/thermo-1
func (Topics) Notification(deviceID string) string {
	return fmt.Sprintf("%s/notification/%s", TopicPrefix, deviceID)
}

// Command returns the topic commands for a device are published on.
//
// Example: hive/command/thermo-1
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// CommandUpdate returns the topic a device reports a command result on.
//
// Example: hive/command_update/thermo-1/42
func (Topics) CommandUpdate(deviceID string, commandID int64) string {
	return fmt.Sprintf("%s/command_update/%s/%d", TopicPrefix, deviceID, commandID)
}

// SystemStatus returns the retained core status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllNotifications matches every device notification topic.
func (Topics) AllNotifications() string {
	return TopicPrefix + "/notification/+"
}

// AllCommandUpdates matches every command update topic.
func (Topics) AllCommandUpdates() string {
	return TopicPrefix + "/command_update/+/+"
}

// ParseNotification extracts the device ID from a notification topic.
func ParseNotification(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] != "notification" || parts[2] == "" {
		return "", fmt.Errorf("%w: %q is not a notification topic", ErrInvalidTopic, topic)
	}
	return parts[2], nil
}

// ParseCommandUpdate extracts the device and command IDs from a command
// update topic.
func ParseCommandUpdate(topic string) (string, int64, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "command_update" || parts[2] == "" {
		return "", 0, fmt.Errorf("%w: %q is not a command update topic", ErrInvalidTopic, topic)
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: bad command id in %q", ErrInvalidTopic, topic)
	}
	return parts[2], id, nil
}
