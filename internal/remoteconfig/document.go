package remoteconfig

import (
	"encoding/json"
	"strings"
	"time"
)

// Document is the server-issued, signed configuration.
// Replaced wholesale on every successful fetch.
type Document struct {
	MonitoringChannels []string       `json:"monitoring_channels"`
	RequiredChannel    string         `json:"required_channel,omitempty"`
	APIURL             string         `json:"api_url,omitempty"`
	MinUpdateInterval  int            `json:"min_update_interval,omitempty"`
	FeatureFlags       map[string]any `json:"features,omitempty"`
	Security           Security       `json:"security"`
	Signature          string         `json:"signature"`

	// IssuedAt is the backend's "timestamp" field, appended after signing.
	IssuedAt string `json:"timestamp,omitempty"`
}

type Security struct {
	MinAppVersion  string   `json:"min_app_version"`
	ForceUpdate    bool     `json:"force_update"`
	BlockedRegions []string `json:"blocked_regions,omitempty"`
}

func parseDocument(raw []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// flagBool reads a boolean feature flag; numbers count as != 0.
func (d *Document) flagBool(name string, def bool) bool {
	if d == nil || d.FeatureFlags == nil {
		return def
	}
	v, ok := d.FeatureFlags[name]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	default:
		return def
	}
}

// flagInt reads a numeric feature flag.
func (d *Document) flagInt(name string, def int64) int64 {
	if d == nil || d.FeatureFlags == nil {
		return def
	}
	v, ok := d.FeatureFlags[name]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return int64(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func (d *Document) issuedAt() time.Time {
	if d == nil {
		return time.Time{}
	}
	s := strings.TrimSpace(d.IssuedAt)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
