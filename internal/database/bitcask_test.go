package database

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundtrip(t *testing.T) {
	db := openTestDB(t)

	value := []byte(`{"identifier":"some-item","files":[{"name":"a.mp3"}]}`)
	if err := db.Put(TaskKey("abc"), value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := db.Get(TaskKey("abc"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("roundtrip mismatch: got %q, want %q", got, value)
	}
}

func TestGetMissingKey(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Get([]byte("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingKey(t *testing.T) {
	db := openTestDB(t)
	if err := db.Delete([]byte("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHas(t *testing.T) {
	db := openTestDB(t)
	if db.Has(CacheKey("x")) {
		t.Error("Has reported a key that was never written")
	}
	if err := db.Put(CacheKey("x"), []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if !db.Has(CacheKey("x")) {
		t.Error("Has missed a written key")
	}
}

func TestFoldPrefixSeparatesFamilies(t *testing.T) {
	db := openTestDB(t)

	puts := map[string][]byte{
		string(TaskKey("t1")):   []byte("task one"),
		string(TaskKey("t2")):   []byte("task two"),
		string(CacheKey("it1")): []byte("cache one"),
	}
	for key, value := range puts {
		if err := db.Put([]byte(key), value); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]string{}
	err := db.FoldPrefix(TaskKeyPrefix, func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("FoldPrefix failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 task records, got %d: %v", len(seen), seen)
	}
	// Prefix must be stripped from keys handed to the callback.
	if seen["t1"] != "task one" || seen["t2"] != "task two" {
		t.Errorf("unexpected fold results: %v", seen)
	}
}

func TestValuesAreCompressedAtRest(t *testing.T) {
	db := openTestDB(t)

	// Compressible payload, so the stored form must begin with the
	// gzip magic rather than the plaintext.
	value := bytes.Repeat([]byte("abcdefgh"), 512)
	if err := db.Put(TaskKey("big"), value); err != nil {
		t.Fatal(err)
	}

	raw, err := db.db.Get(TaskKey("big"))
	if err != nil {
		t.Fatalf("raw get failed: %v", err)
	}
	if !bytes.HasPrefix(raw, gzipMagicBytes) {
		t.Error("stored value is not gzip-compressed")
	}
	if len(raw) >= len(value) {
		t.Errorf("compression did not shrink value: %d >= %d", len(raw), len(value))
	}
}
