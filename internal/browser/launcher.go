// Package browser decides where the browser process behind an automation
// context runs: on the local host, or in a dedicated container.
package browser

import "context"

// Instance is a launched browser process
type Instance struct {
	ContextID   string
	ContainerID string
	ConnectURL  string // CDP websocket endpoint, empty for local launches
	Port        string
}

// Launcher starts and stops browser processes for automation contexts
type Launcher interface {
	Launch(ctx context.Context, contextID string) (*Instance, error)
	Stop(ctx context.Context, instance *Instance) error
	Close() error
}

// LocalLauncher leaves process management to the engine driver
type LocalLauncher struct{}

func (LocalLauncher) Launch(ctx context.Context, contextID string) (*Instance, error) {
	return &Instance{ContextID: contextID}, nil
}

func (LocalLauncher) Stop(ctx context.Context, instance *Instance) error {
	return nil
}

func (LocalLauncher) Close() error {
	return nil
}
