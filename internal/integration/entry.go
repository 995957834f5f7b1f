package integration

import (
	"time"

	"github.com/google/uuid"
)

// Config entry sources
const (
	SourceYAML = "yaml"
	SourceUser = "user"
)

// ConfigEntry identifies one configured instance of an integration.
type ConfigEntry struct {
	EntryID string                 `json:"entry_id" yaml:"entry_id"`
	Domain  string                 `json:"domain" yaml:"domain"`
	Title   string                 `json:"title" yaml:"title"`
	Source  string                 `json:"source" yaml:"source"`
	Data    map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

// NewConfigEntry creates an entry with a random id
func NewConfigEntry(domain, title string, data map[string]interface{}) *ConfigEntry {
	return &ConfigEntry{
		EntryID: uuid.NewString(),
		Domain:  domain,
		Title:   title,
		Source:  SourceUser,
		Data:    data,
	}
}

// EntryData is the state an integration keeps for a loaded entry.
type EntryData struct {
	Entry    *ConfigEntry
	LoadedAt time.Time
}

// PlatformConfig is one item of a platform list in configuration.yaml,
// e.g. {"platform": "frigate_person_counter"} under sensor:.
type PlatformConfig map[string]interface{}

// Platform returns the integration domain the item refers to
func (c PlatformConfig) Platform() string {
	name, _ := c["platform"].(string)
	return name
}

// SetupConfig is the configuration handed to Integration.Setup, keyed by
// platform domain (sensor, binary_sensor, ...).
type SetupConfig struct {
	Platforms map[string][]PlatformConfig
}
