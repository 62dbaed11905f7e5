package objfs

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func tmpFs(t *testing.T) (*Fs, ObjectStorageEngine) {
	t.Helper()
	store := NewMemStorageEngine()
	fs, err := Mount(store, MountOpts{Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return fs, store
}

func remount(t *testing.T, fs *Fs, store ObjectStorageEngine) *Fs {
	t.Helper()
	err := fs.Close()
	if err != nil {
		t.Fatal(err)
	}
	fs2, err := Mount(store, MountOpts{Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = fs2.Close() })
	return fs2
}

func mustWrite(t *testing.T, fs *Fs, path string, data []byte, offset int64) {
	t.Helper()
	n, err := fs.Write(path, data, offset)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("short write: %d of %d", n, len(data))
	}
}

func mustReadAll(t *testing.T, fs *Fs, path string) []byte {
	t.Helper()
	st, err := fs.GetAttr(path)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, st.Size)
	n, err := fs.Read(path, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	return buf[:n]
}

func TestMountEmptyHasRoot(t *testing.T) {
	fs, _ := tmpFs(t)

	st, err := fs.GetAttr("/")
	if err != nil {
		t.Fatal(err)
	}
	if st.Ino != ROOT_INO {
		t.Fatalf("expected root inode %d, got %d", ROOT_INO, st.Ino)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Fatalf("root is not a directory: mode %o", st.Mode)
	}

	ents, err := fs.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Fatalf("expected empty root, got %v", ents)
	}
}

func TestCreateWriteReadRemount(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/hello.txt", 0o644, 1000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/hello.txt", []byte("hello world"), 0)

	if got := mustReadAll(t, fs, "/hello.txt"); !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q", got)
	}

	fs = remount(t, fs, store)

	if got := mustReadAll(t, fs, "/hello.txt"); !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("after remount: got %q", got)
	}
	st, err := fs.GetAttr("/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Uid != 1000 || st.Gid != 1000 {
		t.Fatalf("ownership lost: uid=%d gid=%d", st.Uid, st.Gid)
	}
	if st.Mode != unix.S_IFREG|0o644 {
		t.Fatalf("mode lost: %o", st.Mode)
	}
}

func TestOverwriteSplitsExtents(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("aaaaa"), 0)
	mustWrite(t, fs, "/f", []byte("bb"), 1)

	want := []byte("abbaa")
	if got := mustReadAll(t, fs, "/f"); !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	fs = remount(t, fs, store)
	if got := mustReadAll(t, fs, "/f"); !bytes.Equal(got, want) {
		t.Fatalf("after remount: got %q, want %q", got, want)
	}
}

func TestReadMixesFlushedAndBufferedData(t *testing.T) {
	fs, _ := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("hello"), 0)
	err = fs.Fsync()
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("HE"), 0)

	if got := mustReadAll(t, fs, "/f"); !bytes.Equal(got, []byte("HEllo")) {
		t.Fatalf("got %q", got)
	}
}

func TestSparseReadZeroFills(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/sparse", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/sparse", []byte("x"), 100)

	st, err := fs.GetAttr("/sparse")
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 101 {
		t.Fatalf("expected size 101, got %d", st.Size)
	}

	want := append(make([]byte, 100), 'x')
	if got := mustReadAll(t, fs, "/sparse"); !bytes.Equal(got, want) {
		t.Fatalf("got %v", got)
	}

	fs = remount(t, fs, store)
	if got := mustReadAll(t, fs, "/sparse"); !bytes.Equal(got, want) {
		t.Fatalf("after remount: got %v", got)
	}
}

func TestReadPastEof(t *testing.T) {
	fs, _ := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("abc"), 0)

	buf := make([]byte, 10)
	n, err := fs.Read("/f", buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 bytes, got %d", n)
	}

	n, err = fs.Read("/f", buf, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes past eof, got %d", n)
	}
}

func TestTruncateShrink(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("0123456789"), 0)

	err = fs.Truncate("/f", 4)
	if err != nil {
		t.Fatal(err)
	}
	if got := mustReadAll(t, fs, "/f"); !bytes.Equal(got, []byte("0123")) {
		t.Fatalf("got %q", got)
	}

	fs = remount(t, fs, store)
	if got := mustReadAll(t, fs, "/f"); !bytes.Equal(got, []byte("0123")) {
		t.Fatalf("after remount: got %q", got)
	}
}

func TestTruncateGrowZeroFills(t *testing.T) {
	fs, _ := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("ab"), 0)

	err = fs.Truncate("/f", 6)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'a', 'b', 0, 0, 0, 0}
	if got := mustReadAll(t, fs, "/f"); !bytes.Equal(got, want) {
		t.Fatalf("got %v", got)
	}
}

func TestMkdirTreeAndReadDir(t *testing.T) {
	fs, store := tmpFs(t)

	for _, dir := range []string{"/a", "/a/b", "/a/b/c"} {
		err := fs.Mkdir(dir, 0o755, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
	}
	err := fs.Create("/a/b/file", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	fs = remount(t, fs, store)

	ents, err := fs.ReadDir("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 2 || ents[0].Name != "c" || ents[1].Name != "file" {
		t.Fatalf("unexpected entries: %v", ents)
	}
}

func TestRename(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Mkdir("/src", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Mkdir("/dst", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Create("/src/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/src/f", []byte("data"), 0)

	err = fs.Rename("/src/f", "/dst/g")
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.GetAttr("/src/f")
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", err)
	}

	fs = remount(t, fs, store)
	if got := mustReadAll(t, fs, "/dst/g"); !bytes.Equal(got, []byte("data")) {
		t.Fatalf("after remount: got %q", got)
	}
}

func TestRenameOntoExistingFails(t *testing.T) {
	fs, _ := tmpFs(t)

	err := fs.Create("/a", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Create("/b", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	err = fs.Rename("/a", "/b")
	if !errors.Is(err, unix.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestUnlink(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("data"), 0)

	err = fs.Unlink("/f")
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.GetAttr("/f")
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", err)
	}

	fs = remount(t, fs, store)
	_, err = fs.GetAttr("/f")
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("after remount: expected ENOENT, got %v", err)
	}
}

func TestRmdir(t *testing.T) {
	fs, _ := tmpFs(t)

	err := fs.Mkdir("/d", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Create("/d/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	err = fs.Rmdir("/d")
	if !errors.Is(err, unix.ENOTEMPTY) {
		t.Fatalf("expected ENOTEMPTY, got %v", err)
	}

	err = fs.Unlink("/d/f")
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Rmdir("/d")
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.GetAttr("/d")
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestSymlink(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Symlink("../target/path", "/link", 1000, 1000)
	if err != nil {
		t.Fatal(err)
	}

	fs = remount(t, fs, store)

	target, err := fs.Readlink("/link")
	if err != nil {
		t.Fatal(err)
	}
	if string(target) != "../target/path" {
		t.Fatalf("got %q", target)
	}
	st, err := fs.GetAttr("/link")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		t.Fatalf("expected symlink, got mode %o", st.Mode)
	}
}

func TestMknod(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Mknod("/fifo", unix.S_IFIFO|0o600, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	fs = remount(t, fs, store)

	st, err := fs.GetAttr("/fifo")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != unix.S_IFIFO|0o600 {
		t.Fatalf("got mode %o", st.Mode)
	}
}

func TestChmodAndUtimensPersist(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Chmod("/f", 0o400)
	if err != nil {
		t.Fatal(err)
	}
	mtime := time.Unix(1600000000, 12345)
	err = fs.Utimens("/f", &mtime)
	if err != nil {
		t.Fatal(err)
	}

	fs = remount(t, fs, store)

	st, err := fs.GetAttr("/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != unix.S_IFREG|0o400 {
		t.Fatalf("got mode %o", st.Mode)
	}
	if st.Mtimesec != 1600000000 || st.Mtimensec != 12345 {
		t.Fatalf("got mtime %d.%d", st.Mtimesec, st.Mtimensec)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	fs, _ := tmpFs(t)

	err := fs.Mkdir("/d", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.GetAttr("/missing")
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", err)
	}
	err = fs.Create("/f", 0o644, 0, 0)
	if !errors.Is(err, unix.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
	_, err = fs.GetAttr("/f/child")
	if !errors.Is(err, unix.ENOTDIR) {
		t.Fatalf("expected ENOTDIR, got %v", err)
	}
	err = fs.Unlink("/d")
	if !errors.Is(err, unix.EISDIR) {
		t.Fatalf("expected EISDIR, got %v", err)
	}
	err = fs.Rmdir("/f")
	if !errors.Is(err, unix.ENOTDIR) {
		t.Fatalf("expected ENOTDIR, got %v", err)
	}
	_, err = fs.Readlink("/f")
	if !errors.Is(err, unix.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", err)
	}
	err = fs.Create("/"+strings.Repeat("x", NAME_MAX+1), 0o644, 0, 0)
	if !errors.Is(err, unix.ENAMETOOLONG) {
		t.Fatalf("expected ENAMETOOLONG, got %v", err)
	}
}

func TestSmallBuffersForceManyObjects(t *testing.T) {
	store := NewMemStorageEngine()
	fs, err := Mount(store, MountOpts{
		Prefix:         "test",
		MetaBufferSize: 1,
		DataBufferSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	paths := []string{"/a", "/b", "/c", "/d"}
	for _, p := range paths {
		err := fs.Create(p, 0o644, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		mustWrite(t, fs, p, []byte("data for "+p), 0)
	}
	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	keys, err := store.List("test.")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) < len(paths) {
		t.Fatalf("expected at least %d objects, got %v", len(paths), keys)
	}

	fs, err = Mount(store, MountOpts{Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()
	for _, p := range paths {
		if got := mustReadAll(t, fs, p); !bytes.Equal(got, []byte("data for "+p)) {
			t.Fatalf("%s: got %q", p, got)
		}
	}
}

func TestFsyncMakesDataVisibleToNewMount(t *testing.T) {
	store := NewMemStorageEngine()
	fs, err := Mount(store, MountOpts{Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	err = fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, fs, "/f", []byte("durable"), 0)
	err = fs.Fsync()
	if err != nil {
		t.Fatal(err)
	}

	fs2, err := Mount(store, MountOpts{Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer fs2.Close()
	if got := mustReadAll(t, fs2, "/f"); !bytes.Equal(got, []byte("durable")) {
		t.Fatalf("got %q", got)
	}
}

type rawRec struct {
	typ     int
	payload []byte
}

// putLogObject assembles a log object from raw records and stores it
// under the given index.
func putLogObject(t *testing.T, store ObjectStorageEngine, prefix string, index uint32, recs ...rawRec) {
	t.Helper()
	var meta []byte
	var err error
	for _, rec := range recs {
		meta, err = appendRecord(meta, rec.typ, rec.payload)
		if err != nil {
			t.Fatal(err)
		}
	}
	hdr := objHeader{
		Magic:   OBJFS_MAGIC,
		Version: 1,
		Type:    OBJ_TYPE_DATA,
		HdrLen:  uint32(OBJ_HEADER_SIZE + len(meta)),
		Index:   index,
	}
	key := prefix + "." + fmt.Sprintf("%08x", index)
	err = store.Put(key, [][]byte{hdr.MarshalBinary(), meta})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMountRejectsRenameOntoOccupiedName(t *testing.T) {
	store := NewMemStorageEngine()

	dirInode := logInode{Inum: ROOT_INO, Mode: unix.S_IFDIR | 0o755}
	fileA := logInode{Inum: 2, Mode: unix.S_IFREG | 0o644}
	fileB := logInode{Inum: 3, Mode: unix.S_IFREG | 0o644}

	putLogObject(t, store, "test", 0,
		rawRec{LOG_INODE, dirInode.payload()},
		rawRec{LOG_INODE, fileA.payload()},
		rawRec{LOG_CREATE, (&logDirent{Parent: ROOT_INO, Inum: 2, Name: []byte("a")}).payload()},
		rawRec{LOG_INODE, fileB.payload()},
		rawRec{LOG_CREATE, (&logDirent{Parent: ROOT_INO, Inum: 3, Name: []byte("b")}).payload()},
		rawRec{LOG_RENAME, (&logRename{
			Inum:    2,
			Parent1: ROOT_INO,
			Parent2: ROOT_INO,
			Name1:   []byte("a"),
			Name2:   []byte("b"),
		}).payload()},
	)

	_, err := Mount(store, MountOpts{Prefix: "test"})
	if err == nil {
		t.Fatal("expected mount to reject a rename onto an occupied name")
	}
}

func TestRemountDoesNotReuseInodeNumbers(t *testing.T) {
	fs, store := tmpFs(t)

	err := fs.Create("/a", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Create("/b", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	fs = remount(t, fs, store)

	err = fs.Create("/c", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint32]string)
	for _, path := range []string{"/", "/a", "/b", "/c"} {
		st, err := fs.GetAttr(path)
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := seen[st.Ino]; ok {
			t.Fatalf("inode %d reused by %s and %s", st.Ino, prev, path)
		}
		seen[st.Ino] = path
	}

	st, err := fs.GetAttr("/c")
	if err != nil {
		t.Fatal(err)
	}
	if st.Ino != 4 {
		t.Fatalf("expected the next inode number after remount to be 4, got %d", st.Ino)
	}
}

func TestMountRejectsForeignKeys(t *testing.T) {
	store := NewMemStorageEngine()
	err := store.Put("test.0000000g", [][]byte{[]byte("not ours")})
	if err != nil {
		t.Fatal(err)
	}

	_, err = Mount(store, MountOpts{Prefix: "test"})
	if err == nil {
		t.Fatal("expected mount to reject a non-hex object key")
	}
}

func TestMountRejectsCorruptObject(t *testing.T) {
	store := NewMemStorageEngine()
	err := store.Put("test.00000000", [][]byte{[]byte("this is not a log object")})
	if err != nil {
		t.Fatal(err)
	}

	_, err = Mount(store, MountOpts{Prefix: "test"})
	if err == nil {
		t.Fatal("expected mount of corrupt object to fail")
	}
}

type failingStorageEngine struct {
	ObjectStorageEngine
	failPuts bool
}

func (s *failingStorageEngine) Put(key string, vecs [][]byte) error {
	if s.failPuts {
		return errors.New("injected put failure")
	}
	return s.ObjectStorageEngine.Put(key, vecs)
}

func TestFailedFlushPoisonsMount(t *testing.T) {
	store := &failingStorageEngine{ObjectStorageEngine: NewMemStorageEngine()}
	fs, err := Mount(store, MountOpts{Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	err = fs.Create("/f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	store.failPuts = true
	err = fs.Fsync()
	if err == nil {
		t.Fatal("expected fsync to fail")
	}

	_, err = fs.GetAttr("/f")
	if !errors.Is(err, unix.EIO) {
		t.Fatalf("expected EIO after failed flush, got %v", err)
	}
}
