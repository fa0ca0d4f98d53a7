package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	RegisterValidator(configName string, validator ValidatorFunc)
	RegisterHook(configName string, hook HookFunc)
	AddChangeListener(listener ConfigChangeListener)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

// ValidatorFunc configuration validation function
type ValidatorFunc func(Config) error

// HookFunc configuration change hook function
type HookFunc func(oldVal, newVal Config) error

// configManager implementation of ConfigManager interface
type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	hooks      map[string][]HookFunc
	listeners  []ConfigChangeListener
	basePath   string
	env        string
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		hooks:      make(map[string][]HookFunc),
		basePath:   "./configs",
		env:        "development",
	}
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))

	// Environment variables override file values, e.g. NET_NODES for "net".
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// _decodeHook lets config fields use time.Duration strings and any
// encoding.TextUnmarshaler (log levels, protocols, roles).
var _decodeHook = mapstructure.ComposeDecodeHookFunc(
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
	mapstructure.TextUnmarshallerHookFunc(),
)

// decode reads the file behind v into config and runs both the config's own
// Validate and any registered validator.
func (cm *configManager) decode(configName string, v *viper.Viper, config Config) error {
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	if err := v.Unmarshal(config, viper.DecodeHook(_decodeHook)); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate config failed: %w", err)
		}
	}
	return nil
}

// LoadConfig loads configuration from file
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)
	if err := cm.decode(configName, v, config); err != nil {
		return err
	}

	cm.configs[configName] = config

	if _, watching := cm.watchers[configName]; watching {
		return nil
	}
	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}

	return nil
}

// GetConfig returns a previously loaded configuration.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("config %s not found", configName)
	}

	return config, nil
}

// RegisterValidator registers configuration validator
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// RegisterHook registers configuration change hook
func (cm *configManager) RegisterHook(configName string, hook HookFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks[configName] = append(cm.hooks[configName], hook)
}

// AddChangeListener registers a listener for every reloaded configuration.
func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	if listener == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// watchConfigFile watches configuration file for changes
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
			}
		}
	}()

	return watcher.Add(configFile)
}

// reloadConfig reloads configuration when file changes. On any failure the
// previous value stays in place.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()

	oldConfig, exists := cm.configs[configName]
	if !exists {
		cm.mu.Unlock()
		return
	}

	// Create new config instance (preserve original type via reflection)
	newConfig := reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)

	v := cm.newViper(configName)
	if err := cm.decode(configName, v, newConfig); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: config %s: %v\n", configName, err)
		return
	}

	for _, hook := range cm.hooks[configName] {
		if err := hook(oldConfig, newConfig); err != nil {
			cm.mu.Unlock()
			fmt.Fprintf(os.Stderr, "reloadConfig: hook failed for config %s: %v\n", configName, err)
			return
		}
	}

	cm.configs[configName] = newConfig
	listeners := append([]ConfigChangeListener(nil), cm.listeners...)
	cm.mu.Unlock()

	// Listeners run without the lock so they may call GetConfig.
	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			fmt.Fprintf(os.Stderr, "reloadConfig: listener failed for config %s: %v\n", configName, err)
		}
	}
}

// Close closes the configuration manager
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil {
			return err
		}
		delete(cm.watchers, name)
	}

	return nil
}

var (
	_instance     ConfigManager
	_instanceOnce sync.Once
	_instanceMu   sync.Mutex
)

// GetInstance returns the process-wide ConfigManager.
func GetInstance() ConfigManager {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instanceOnce.Do(func() {
		if _instance == nil {
			_instance = NewConfigManager()
		}
	})
	return _instance
}

// SetInstanceForTesting replaces the process-wide ConfigManager.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instance = cm
	_instanceOnce = sync.Once{}
}

// ResetInstance drops the process-wide ConfigManager; the next GetInstance
// creates a fresh one.
func ResetInstance() {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
	_instanceOnce = sync.Once{}
}
