package plugin

import "time"

// StopReason is recorded when a running plugin is stopped.
type StopReason string

const (
	StopShutdown         StopReason = "shutdown"
	StopPluginDisable    StopReason = "plugin_disable"
	StopPluginQuarantine StopReason = "plugin_quarantine"
)

// PluginsSnapshot is a point-in-time view of plugin runtime state.
type PluginsSnapshot struct {
	Time     time.Time      `json:"time"`
	Plugins  []PluginStatus `json:"plugins"`
	Dispatch DispatchStats  `json:"dispatch"`
}

// PluginStatus captures enable/run/quarantine state of one plugin.
type PluginStatus struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	HasConfig bool   `json:"has_config"`

	Quarantined     bool      `json:"quarantined"`
	QuarantineErr   string    `json:"quarantine_err,omitempty"`
	QuarantineSince time.Time `json:"quarantine_since,omitempty"`

	Handled uint64 `json:"handled"`
	Failed  uint64 `json:"failed"`
}

// DispatchStats counts inbound messages seen by the manager.
type DispatchStats struct {
	Received   uint64 `json:"received"`
	Duplicates uint64 `json:"duplicates"`
	Panics     uint64 `json:"panics"`
}
