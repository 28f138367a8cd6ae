package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	logx "giftwatch/pkg/logx"
)

func testDrivers(t *testing.T, fn func(t *testing.T, open func() Store)) {
	t.Helper()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := filepath.Join(dir, "store")
			if driver == "sqlite" {
				path = filepath.Join(dir, "store.db")
			}
			open := func() Store {
				s, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
				if err != nil {
					t.Fatalf("open %s: %v", driver, err)
				}
				return s
			}
			fn(t, open)
		})
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		s, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("open %q: %v", driver, err)
		}
		if s != nil {
			t.Fatalf("driver %q should disable storage", driver)
		}
	}
	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestKVOperations(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, open func() Store) {
		s := open()
		defer s.Close()
		ctx := context.Background()

		if _, ok, err := s.GetValue(ctx, "missing"); err != nil || ok {
			t.Fatalf("missing key: ok=%v err=%v", ok, err)
		}

		want := []byte{0x00, 0x01, 0xfe, 0xff} // binary-safe
		if err := s.PutValue(ctx, "k", want); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, ok, err := s.GetValue(ctx, "k")
		if err != nil || !ok || !bytes.Equal(got, want) {
			t.Fatalf("get = %x ok=%v err=%v", got, ok, err)
		}

		// Upsert.
		if err := s.PutValue(ctx, "k", []byte("v2")); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, _, _ = s.GetValue(ctx, "k")
		if string(got) != "v2" {
			t.Fatalf("upsert lost: %q", got)
		}

		if err := s.DeleteValue(ctx, "k"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetValue(ctx, "k"); ok {
			t.Fatal("deleted key still present")
		}
		// Deleting a missing key is not an error.
		if err := s.DeleteValue(ctx, "k"); err != nil {
			t.Fatalf("double delete: %v", err)
		}
	})
}

func TestDeletePrefix(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, open func() Store) {
		s := open()
		defer s.Close()
		ctx := context.Background()

		for _, k := range []string{"vault.v.a", "vault.v.b", "vault.master_key", "other"} {
			if err := s.PutValue(ctx, k, []byte(k)); err != nil {
				t.Fatalf("put %s: %v", k, err)
			}
		}
		if err := s.DeletePrefix(ctx, "vault.v."); err != nil {
			t.Fatalf("delete prefix: %v", err)
		}
		for _, k := range []string{"vault.v.a", "vault.v.b"} {
			if _, ok, _ := s.GetValue(ctx, k); ok {
				t.Fatalf("%s survived DeletePrefix", k)
			}
		}
		for _, k := range []string{"vault.master_key", "other"} {
			if _, ok, _ := s.GetValue(ctx, k); !ok {
				t.Fatalf("%s wrongly removed", k)
			}
		}
	})
}

func TestSeenSet(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, open func() Store) {
		s := open()
		defer s.Close()
		ctx := context.Background()

		if ok, err := s.HasSeen(ctx, "a"); err != nil || ok {
			t.Fatalf("fresh store HasSeen: ok=%v err=%v", ok, err)
		}
		if err := s.AddSeen(ctx, "a", "b"); err != nil {
			t.Fatalf("add: %v", err)
		}
		// Idempotent union.
		if err := s.AddSeen(ctx, "b", "c"); err != nil {
			t.Fatalf("add: %v", err)
		}

		for _, id := range []string{"a", "b", "c"} {
			ok, err := s.HasSeen(ctx, id)
			if err != nil || !ok {
				t.Fatalf("HasSeen(%s): ok=%v err=%v", id, ok, err)
			}
		}

		ids, err := s.LoadSeen(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("LoadSeen = %v, want 3 ids", ids)
		}
	})
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()

		s := open()
		if err := s.PutValue(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.AddSeen(ctx, "id1"); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		s = open()
		defer s.Close()
		got, ok, err := s.GetValue(ctx, "k")
		if err != nil || !ok || string(got) != "v" {
			t.Fatalf("kv lost across reopen: %q ok=%v err=%v", got, ok, err)
		}
		ok, err = s.HasSeen(ctx, "id1")
		if err != nil || !ok {
			t.Fatalf("seen-set lost across reopen: ok=%v err=%v", ok, err)
		}
	})
}

func TestFileStoreJournalCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "store")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Enough single-id writes to cross the compaction threshold.
	for i := 0; i < 1200; i++ {
		if err := s.AddSeen(ctx, fmt.Sprintf("id%04d", i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ids, err := s.LoadSeen(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ids) != 1200 {
		t.Fatalf("LoadSeen after compaction = %d ids, want 1200", len(ids))
	}
}
