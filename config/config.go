// Package config loads named yaml configurations through viper, validates them
// and watches the backing files so listeners can react to changes at runtime.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a watched configuration was reloaded
// and validated. Returning an error only gets logged; the new value is kept.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}
