// Package plugin is a registry of named factories grouped by type. The net
// package registers one "transport" factory per compiled-in protocol.
package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Type is a plugin category, e.g. "transport".
type Type string

const (
	// Transport is the type of socket transport factories.
	Transport Type = "transport"
)

// Plugin is an instance created by a Factory.
type Plugin interface { //nolint:revive
	FactoryName() string
}

var _pluginLock sync.RWMutex

// RegisterPlugin registers f under "<type>_<name>". Call it from init.
// Registering the same key again replaces the previous factory.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[factoryKey(f.Type(), f.Name())] = f
}

// UnregisterPlugin removes a factory. Mainly for tests.
func UnregisterPlugin(ft Type, fn string) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	delete(_factoryMap, factoryKey(ft, fn))
}

// GetFactory returns the factory for type ft and name fn, or an error
// listing what is available.
func GetFactory(ft Type, fn string) (Factory, error) {
	if f := getPluginFactory(ft, fn); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
		ft, fn, ListFactories(ft))
}

// Setup creates an instance with the factory ft/fn.
func Setup(ft Type, fn string, cfg any) (Plugin, error) {
	f, err := GetFactory(ft, fn)
	if err != nil {
		return nil, err
	}
	ins, err := f.Setup(cfg)
	if err != nil {
		return nil, fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
	}
	return ins, nil
}

func factoryKey(ft Type, fn string) string {
	return fmt.Sprintf("%s_%s", ft, fn)
}

// getPluginFactory retrieves plugin factory by type and name (must check for nil).
func getPluginFactory(ft Type, fn string) Factory {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()
	return _factoryMap[factoryKey(ft, fn)]
}

// ListFactories lists the factory names registered for ft, sorted.
func ListFactories(ft Type) []string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	prefix := string(ft) + "_"
	var factories []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, prefix) {
			factories = append(factories, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(factories)
	return factories
}
