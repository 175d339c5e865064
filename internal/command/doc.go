// Package command defines device commands and their SQLite repository.
//
// Commands are inserted by clients, pushed to the target device, and then
// acknowledged by the device with an Update carrying a status and result.
// Updates are guarded by an optimistic version counter and are refused once
// the command's lifetime has elapsed.
package command
