package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsLayer identifies the source of a settings value.
type SettingsLayer string

const (
	LayerDefault SettingsLayer = "default" // built-in, read-only
	LayerLocal   SettingsLayer = "local"   // operator customizations
)

// Settings represents the operator-configurable runtime toggles that
// survive a restart. Unlike Config, these are not read from a file at
// startup flag time; they are persisted under DATA_DIR and can be changed
// by the operator while siphon is running.
type Settings struct {
	Traffic  TrafficSettings  `json:"traffic"`
	Throttle ThrottleSettings `json:"throttle"`
	Upstream UpstreamSettings `json:"upstream"`
}

// TrafficSettings controls the traffic_active kill-switch's state across
// restarts.
type TrafficSettings struct {
	ActiveOnStart *bool `json:"active_on_start,omitempty"`
}

// ThrottleSettings holds a default throttle profile. It is stored and
// merged like the other settings; the throttle rule action does not
// read it and uses only its own values.
type ThrottleSettings struct {
	DelayMs       *int     `json:"delay_ms,omitempty"`
	PacketLoss    *float64 `json:"packet_loss,omitempty"`
	BandwidthKbps *int     `json:"bandwidth_kbps,omitempty"`
}

// UpstreamSettings allows the operator to override UPSTREAM_PROXY. The
// override is read once at startup; a change takes effect on restart.
type UpstreamSettings struct {
	Override *string `json:"override,omitempty"`
}

// SettingsStore manages settings with layered configuration: a built-in
// default layer and an operator-editable local layer persisted to
// <DATA_DIR>/settings.json.
type SettingsStore struct {
	mu       sync.RWMutex
	defaults Settings
	local    Settings
	path     string
}

// NewSettingsStore creates a settings store rooted at dataDir, loading any
// existing local settings file.
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	store := &SettingsStore{
		defaults: getDefaultSettings(),
		path:     filepath.Join(dataDir, "settings.json"),
	}

	if err := store.loadLocal(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load local settings: %w", err)
		}
	}

	return store, nil
}

// getDefaultSettings returns siphon's built-in defaults.
func getDefaultSettings() Settings {
	activeOnStart := true
	delayMs := 0
	packetLoss := 0.0
	bandwidthKbps := 0

	return Settings{
		Traffic: TrafficSettings{
			ActiveOnStart: &activeOnStart,
		},
		Throttle: ThrottleSettings{
			DelayMs:       &delayMs,
			PacketLoss:    &packetLoss,
			BandwidthKbps: &bandwidthKbps,
		},
		Upstream: UpstreamSettings{
			Override: nil,
		},
	}
}

// GetDefaults returns the built-in default settings.
func (s *SettingsStore) GetDefaults() Settings {
	return s.defaults
}

// GetLocal returns only the operator's customizations.
func (s *SettingsStore) GetLocal() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GetMerged returns settings with local overriding defaults.
func (s *SettingsStore) GetMerged() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeSettings(s.defaults, s.local)
}

// SaveLocal persists operator customizations to disk.
func (s *SettingsStore) SaveLocal(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = settings

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// ResetToDefault removes all local customizations.
func (s *SettingsStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = Settings{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove settings file: %w", err)
	}

	return nil
}

func (s *SettingsStore) loadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.local); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	return nil
}

// GetDiff returns which settings differ from defaults.
func (s *SettingsStore) GetDiff() map[string]SettingDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return diffSettings(s.defaults, s.local)
}

// SettingDiff represents a single difference from default.
type SettingDiff struct {
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value"`
	LocalValue   any    `json:"local_value"`
}

func diffSettings(defaults, local Settings) map[string]SettingDiff {
	diffs := make(map[string]SettingDiff)

	if local.Traffic.ActiveOnStart != nil && defaults.Traffic.ActiveOnStart != nil &&
		*local.Traffic.ActiveOnStart != *defaults.Traffic.ActiveOnStart {
		diffs["traffic.active_on_start"] = SettingDiff{
			Path:         "traffic.active_on_start",
			DefaultValue: *defaults.Traffic.ActiveOnStart,
			LocalValue:   *local.Traffic.ActiveOnStart,
		}
	}

	if local.Throttle.DelayMs != nil && defaults.Throttle.DelayMs != nil &&
		*local.Throttle.DelayMs != *defaults.Throttle.DelayMs {
		diffs["throttle.delay_ms"] = SettingDiff{
			Path:         "throttle.delay_ms",
			DefaultValue: *defaults.Throttle.DelayMs,
			LocalValue:   *local.Throttle.DelayMs,
		}
	}
	if local.Throttle.PacketLoss != nil && defaults.Throttle.PacketLoss != nil &&
		*local.Throttle.PacketLoss != *defaults.Throttle.PacketLoss {
		diffs["throttle.packet_loss"] = SettingDiff{
			Path:         "throttle.packet_loss",
			DefaultValue: *defaults.Throttle.PacketLoss,
			LocalValue:   *local.Throttle.PacketLoss,
		}
	}
	if local.Throttle.BandwidthKbps != nil && defaults.Throttle.BandwidthKbps != nil &&
		*local.Throttle.BandwidthKbps != *defaults.Throttle.BandwidthKbps {
		diffs["throttle.bandwidth_kbps"] = SettingDiff{
			Path:         "throttle.bandwidth_kbps",
			DefaultValue: *defaults.Throttle.BandwidthKbps,
			LocalValue:   *local.Throttle.BandwidthKbps,
		}
	}

	if local.Upstream.Override != nil {
		diffs["upstream.override"] = SettingDiff{
			Path:         "upstream.override",
			DefaultValue: "",
			LocalValue:   *local.Upstream.Override,
		}
	}

	return diffs
}

func mergeSettings(defaults, local Settings) Settings {
	merged := defaults

	if local.Traffic.ActiveOnStart != nil {
		merged.Traffic.ActiveOnStart = local.Traffic.ActiveOnStart
	}

	if local.Throttle.DelayMs != nil {
		merged.Throttle.DelayMs = local.Throttle.DelayMs
	}
	if local.Throttle.PacketLoss != nil {
		merged.Throttle.PacketLoss = local.Throttle.PacketLoss
	}
	if local.Throttle.BandwidthKbps != nil {
		merged.Throttle.BandwidthKbps = local.Throttle.BandwidthKbps
	}

	if local.Upstream.Override != nil {
		merged.Upstream.Override = local.Upstream.Override
	}

	return merged
}
