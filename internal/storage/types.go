package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "giftwatch/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by the sync core.
//
// Values are opaque bytes; callers that need confidentiality store
// ciphertext (see the vault package). The seen-set only ever grows;
// AddSeen is an idempotent set-union.
type Store interface {
	PutValue(ctx context.Context, key string, value []byte) error
	GetValue(ctx context.Context, key string) (value []byte, ok bool, err error)
	DeleteValue(ctx context.Context, key string) error
	// DeletePrefix removes every value whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	AddSeen(ctx context.Context, ids ...string) error
	HasSeen(ctx context.Context, id string) (bool, error)
	// LoadSeen returns all persisted seen ids (used to warm the in-memory set).
	LoadSeen(ctx context.Context) ([]string, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

func normalizeDriver(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none":
		return ""
	case "sqlite3":
		return "sqlite"
	default:
		return s
	}
}
