package config

// Config is the local application configuration file (JSON or YAML).
//
// Server credentials (the shared signing secret) never live here; they come
// from the environment so the file can be synced between devices safely.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Monitor       MonitorConfig       `json:"monitor"`
	Notifications NotificationsConfig `json:"notifications"`
}

type ServerConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./giftwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MonitorConfig controls the polling loop.
//
// PollInterval is a lower bound preference; the effective period never goes
// below the backend-declared minimum.
type MonitorConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	FetchLimit   int    `json:"fetch_limit,omitempty"`
	// Background keeps polling while the app is backgrounded, subject to the
	// backend feature flag.
	Background bool `json:"background,omitempty"`
}

// NotificationsConfig holds the user's notification preferences.
type NotificationsConfig struct {
	Sound     bool   `json:"sound"`
	SoundType string `json:"sound_type,omitempty"`
	Vibration bool   `json:"vibration"`
	// MinPrice suppresses notifications for gifts cheaper than this.
	MinPrice int64 `json:"min_price,omitempty"`
	// SelectedChannels limits notifications to these channels; empty = all.
	SelectedChannels []string `json:"selected_channels,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Monitor: MonitorConfig{PollInterval: "30s", FetchLimit: 50},
		Notifications: NotificationsConfig{
			Sound:     true,
			SoundType: "default",
			Vibration: true,
		},
	}
}
