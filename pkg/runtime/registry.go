package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentfleet/fleetd/pkg/config"
)

// Process-wide singleton. Hosts that embed fleetd call InitializeGlobal once
// at startup and Get from anywhere; the core itself never touches this and
// components reference each other explicitly.
var (
	globalMu sync.Mutex
	global   *Components
)

// InitializeGlobal wires the singleton component set.
func InitializeGlobal(ctx context.Context, cfg *config.Config) (*Components, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, fmt.Errorf("runtime already initialized")
	}
	c, err := Initialize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	global = c
	return c, nil
}

// Get returns the singleton components, or nil before InitializeGlobal.
func Get() *Components {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// ShutdownGlobal stops and clears the singleton.
func ShutdownGlobal(ctx context.Context) {
	globalMu.Lock()
	c := global
	global = nil
	globalMu.Unlock()
	if c != nil {
		c.Shutdown(ctx)
	}
}
