package plugin

// Factory creates and destroys plugin instances of one type and name.
//
// Lifecycle methods:
//   - Setup: create an instance from a configuration value
//   - Destroy: release the instance's resources (sockets, goroutines)
//   - Reload: apply a new configuration to a live instance, or return an
//     error if the change needs a fresh instance
//
// Factories must be safe for concurrent Setup/Destroy on different instances.
type Factory interface {
	// Type returns the plugin type (e.g. "transport").
	Type() Type

	// Name returns the factory name (e.g. "tcp", "udp").
	Name() string

	Setup(cfg any) (Plugin, error)

	Destroy(Plugin) error

	Reload(Plugin, any) error
}

var (
	// _factoryMap stores all registered plugin factories.
	// Key format: "<plugin_type>_<factory_name>" (e.g. "transport_tcp").
	// Protected by _pluginLock in plugin.go.
	_factoryMap = make(map[string]Factory)
)
