package objfs

import (
	"bytes"
	"errors"
	"testing"
)

func testStorageEngine(t *testing.T, store ObjectStorageEngine) {
	t.Helper()

	err := store.Put("test.a", [][]byte{[]byte("hello "), []byte("world")})
	if err != nil {
		t.Fatal(err)
	}
	err = store.Put("test.b", [][]byte{[]byte("xyz")})
	if err != nil {
		t.Fatal(err)
	}
	err = store.Put("other", [][]byte{[]byte("ignored")})
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 5)
	n, err := store.Get("test.a", 6, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || !bytes.Equal(buf, []byte("world")) {
		t.Fatalf("ranged get: %d %q", n, buf[:n])
	}

	_, err = store.Get("test.missing", 0, buf)
	if !errors.Is(err, ErrNoSuchObject) {
		t.Fatalf("expected ErrNoSuchObject, got %v", err)
	}

	keys, err := store.List("test.")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "test.a" || keys[1] != "test.b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestMemStorageEngine(t *testing.T) {
	store := NewMemStorageEngine()
	defer store.Close()
	testStorageEngine(t, store)
}

func TestDirStorageEngine(t *testing.T) {
	store, err := NewObjectStorageEngine("file:" + t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStorageEngine(t, store)
}

func TestStorageSpecParsing(t *testing.T) {
	_, err := NewObjectStorageEngine("mem:")
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewObjectStorageEngine("s3://user:pass@127.0.0.1:9000/prefix/?bucket=b&secure=false")
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewObjectStorageEngine("s3://127.0.0.1:9000/")
	if err == nil {
		t.Fatal("expected s3 spec without bucket to be rejected")
	}

	_, err = NewObjectStorageEngine("bogus:whatever")
	if err == nil {
		t.Fatal("expected unknown spec to be rejected")
	}
}
