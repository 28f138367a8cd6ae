package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	logx "giftwatch/pkg/logx"
)

// Validate rejects configs that would break the monitor at runtime. Used as
// the Watch() validator so a bad edit never displaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		return fmt.Errorf("server.base_url: required")
	}
	if _, err := ParseDurationField("server.timeout", cfg.Server.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("monitor.poll_interval", cfg.Monitor.PollInterval); err != nil {
		return err
	}
	if cfg.Monitor.FetchLimit < 0 {
		return fmt.Errorf("monitor.fetch_limit: must be >= 0")
	}
	if cfg.Notifications.MinPrice < 0 {
		return fmt.Errorf("notifications.min_price: must be >= 0")
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// SummarizeChange returns the changed sections and safe structured attrs for
// logging a reload. Never includes anything secret-shaped.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}
	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.poll_interval", strings.TrimSpace(newCfg.Monitor.PollInterval)),
			logx.Int("monitor.fetch_limit", newCfg.Monitor.FetchLimit),
			logx.Bool("monitor.background", newCfg.Monitor.Background))
	}
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Bool("notifications.sound", newCfg.Notifications.Sound),
			logx.Bool("notifications.vibration", newCfg.Notifications.Vibration),
			logx.Int64("notifications.min_price", newCfg.Notifications.MinPrice),
			logx.Int("notifications.channels", len(newCfg.Notifications.SelectedChannels)))
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if (oldS == nil) != (newS == nil) || (oldS != nil && *oldS != *newS) {
		changed = append(changed, "storage")
		if newS != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""))
		}
	}

	sort.Strings(changed)
	return changed, attrs
}
