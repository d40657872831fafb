package gpu

import (
	"fmt"
	"sync"
)

// Backend name constants.
const (
	// BackendSoftware is the CPU reference device.
	BackendSoftware = "software"
	// BackendWGPU is the WebGPU device backed by gogpu/wgpu.
	BackendWGPU = "wgpu"
)

// Factory creates a new, unconfigured device instance.
type Factory func() (Device, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for automatic selection (first available wins).
	priority = []string{BackendWGPU, BackendSoftware}
)

// Register registers a device factory under the given name. Typically
// called from init() in backend packages. Re-registering a name replaces
// the previous factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a backend from the registry. Useful in tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// Open creates a device by backend name. An empty name selects the best
// available backend by priority. Open fails when the named backend is not
// registered or its factory fails (e.g. no GPU present).
func Open(name string) (Device, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if name != "" && name != "auto" {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("gpu: backend %q not registered", name)
		}
		return factory()
	}

	var lastErr error
	for _, candidate := range priority {
		factory, ok := factories[candidate]
		if !ok {
			continue
		}
		dev, err := factory()
		if err == nil {
			return dev, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("gpu: no backend available: %w", lastErr)
	}
	return nil, fmt.Errorf("gpu: no backend registered")
}
