// Package mqtt connects hived to the device-facing MQTT broker.
//
// Devices without a WebSocket session publish notifications and command
// updates to the broker and receive commands from it:
//
//	hive/notification/{deviceID}              device → core
//	hive/command/{deviceID}                   core → device
//	hive/command_update/{deviceID}/{commandID} device → core
//	hive/system/status                        retained online/offline status
//
// The client reconnects with exponential backoff, restores its subscriptions
// after every reconnect and publishes a Last Will so consumers can tell a
// crash from a graceful shutdown.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllNotifications(), 1, handler)
package mqtt
