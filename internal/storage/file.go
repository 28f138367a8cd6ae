package storage

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "giftwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.json           (whole-map snapshot, atomic rename)
//   - <prefix>.seen.snapshot.json (periodic snapshot)
//   - <prefix>.seen.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	kvPath string
	kv     map[string]string // base64 values (keeps the snapshot greppable)

	seenSnapshotPath string
	seenJournalFile  *os.File
	seen             map[string]struct{}

	seenWrites int
}

type seenRecord struct {
	ID string `json:"id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	kvPath := prefix + ".kv.json"
	snapPath := prefix + ".seen.snapshot.json"
	journalPath := prefix + ".seen.journal.jsonl"

	kv := map[string]string{}
	_ = loadJSONFile(kvPath, &kv)

	seen := map[string]struct{}{}
	var snapIDs []string
	if err := loadJSONFile(snapPath, &snapIDs); err == nil {
		for _, id := range snapIDs {
			seen[id] = struct{}{}
		}
	}
	_ = replaySeenJournal(journalPath, seen)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:              log,
		kvPath:           kvPath,
		kv:               kv,
		seenSnapshotPath: snapPath,
		seenJournalFile:  jf,
		seen:             seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournalFile != nil {
		err := s.seenJournalFile.Close()
		s.seenJournalFile = nil
		return err
	}
	return nil
}

func (s *fileStore) PutValue(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv == nil {
		s.kv = map[string]string{}
	}
	s.kv[key] = base64.StdEncoding.EncodeToString(value)
	return s.writeKVLocked()
}

func (s *fileStore) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		// Corrupt entry reads as absent.
		return nil, false, nil
	}
	return b, true, nil
}

func (s *fileStore) DeleteValue(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.writeKVLocked()
}

func (s *fileStore) DeletePrefix(ctx context.Context, prefix string) error {
	_ = ctx
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			delete(s.kv, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeKVLocked()
}

func (s *fileStore) AddSeen(ctx context.Context, ids ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournalFile == nil {
		return errors.New("seen journal closed")
	}
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	enc := json.NewEncoder(s.seenJournalFile)
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		if err := enc.Encode(seenRecord{ID: id}); err != nil {
			return err
		}
		s.seenWrites++
	}
	if s.seenWrites >= 1000 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("seen compact failed", logx.Any("err", err))
		} else {
			s.seenWrites = 0
		}
	}
	return nil
}

func (s *fileStore) HasSeen(ctx context.Context, id string) (bool, error) {
	_ = ctx
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok, nil
}

func (s *fileStore) LoadSeen(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, id)
	}
	return out, nil
}

func (s *fileStore) writeKVLocked() error {
	tmp := s.kvPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.kvPath)
}

func (s *fileStore) compactLocked() error {
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}

	tmp := s.seenSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(ids); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.seenSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.seenJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.seenJournalFile.Seek(0, 2)
	return err
}

func loadJSONFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replaySeenJournal(path string, out map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out[r.ID] = struct{}{}
	}
	return sc.Err()
}
