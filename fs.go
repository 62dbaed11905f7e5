package objfs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	DEFAULT_META_BUFFER_SIZE = 64 * 1024
	DEFAULT_DATA_BUFFER_SIZE = 16 * 1024 * 1024

	NAME_MAX = 255
)

type MountOpts struct {
	// Key prefix for log objects; keys are "<prefix>.<index:8-hex>".
	Prefix string
	// Flush thresholds for the record and file-data buffers.
	MetaBufferSize int
	DataBufferSize int
	Log            logrus.FieldLogger
}

// Fs is the filesystem core. All state is reconstructed at mount time by
// replaying the object log; mutations append records and data to the
// in-memory buffers and flush them as a new numbered object.
//
// The core is deliberately serialized: every operation takes one
// process-wide lock for its full duration, including any object store
// calls it makes. The bottleneck is the remote PUT, not CPU.
type Fs struct {
	store   ObjectStorageEngine
	prefix  string
	log     logrus.FieldLogger
	mountId string

	metaThreshold int
	dataThreshold int

	lock      sync.Mutex
	inodes    map[uint32]*inode
	nextInum  uint32
	thisIndex uint32

	// Log records and file data for the object being assembled. Data
	// offsets inside records are relative to the start of data.
	meta []byte
	data []byte

	// Inodes with attribute changes not yet captured by an INODE record;
	// drained into the record stream when the object is closed.
	dirty map[uint32]*inode

	// Header length per remote object, never invalidated - objects are
	// immutable once put.
	dataOffsets map[uint32]uint32

	failed atomicBool
	closed atomicBool
}

func Mount(store ObjectStorageEngine, opts MountOpts) (*Fs, error) {
	if opts.Prefix == "" {
		opts.Prefix = "fs"
	}
	if opts.MetaBufferSize == 0 {
		opts.MetaBufferSize = DEFAULT_META_BUFFER_SIZE
	}
	if opts.DataBufferSize == 0 {
		opts.DataBufferSize = DEFAULT_DATA_BUFFER_SIZE
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	mountId := uuid.NewString()

	fs := &Fs{
		store:         store,
		prefix:        opts.Prefix,
		log:           opts.Log.WithField("mount_id", mountId),
		mountId:       mountId,
		metaThreshold: opts.MetaBufferSize,
		dataThreshold: opts.DataBufferSize,
		inodes:        make(map[uint32]*inode),
		nextInum:      ROOT_INO + 1,
		dirty:         make(map[uint32]*inode),
		dataOffsets:   make(map[uint32]uint32),
	}

	err := fs.replayLog()
	if err != nil {
		return nil, fmt.Errorf("unable to mount %q: %w", opts.Prefix, err)
	}

	if _, ok := fs.inodes[ROOT_INO]; !ok {
		root := newInode(ROOT_INO, unix.S_IFDIR|0o755)
		root.touch()
		fs.inodes[ROOT_INO] = root
		// The root INODE record leads the first object so that replay of
		// any later CREATE always finds its parent.
		fs.emitInode(root)
	}

	fs.log.WithFields(logrus.Fields{
		"inodes":     len(fs.inodes),
		"next_index": fs.thisIndex,
	}).Info("mounted")

	return fs, nil
}

func (fs *Fs) objectKey(index uint32) string {
	return fmt.Sprintf("%s.%08x", fs.prefix, index)
}

// guard rejects operations once a flush has failed or the fs is closed.
// A failed PUT is fatal to the mount: records already buffered for the
// lost object cannot be undone from memory.
func (fs *Fs) guard() error {
	if fs.failed.Load() || fs.closed.Load() {
		return unix.EIO
	}
	return nil
}

func (fs *Fs) emitRecord(typ int, payload []byte) {
	buf, err := appendRecord(fs.meta, typ, payload)
	if err != nil {
		// Callers bound every variable-length field well below the
		// 12-bit payload limit.
		panic(err)
	}
	fs.meta = buf
}

func (fs *Fs) emitInode(ino *inode) {
	rec := logInode{
		Inum:      ino.inum,
		Mode:      ino.mode,
		Uid:       ino.uid,
		Gid:       ino.gid,
		Rdev:      ino.rdev,
		Mtimesec:  ino.mtimesec,
		Mtimensec: ino.mtimensec,
	}
	fs.emitRecord(LOG_INODE, rec.payload())
}

func (fs *Fs) emitCreate(parent uint32, name string, inum uint32) {
	rec := logDirent{Parent: parent, Inum: inum, Name: []byte(name)}
	fs.emitRecord(LOG_CREATE, rec.payload())
}

func (fs *Fs) emitDelete(parent uint32, name string, inum uint32) {
	rec := logDirent{Parent: parent, Inum: inum, Name: []byte(name)}
	fs.emitRecord(LOG_DELETE, rec.payload())
}

func (fs *Fs) emitTrunc(inum uint32, newSize int64) {
	rec := logTrunc{Inum: inum, NewSize: newSize}
	fs.emitRecord(LOG_TRUNC, rec.payload())
}

func (fs *Fs) markDirty(ino *inode) {
	fs.dirty[ino.inum] = ino
	metricDirtyInodes.Set(float64(len(fs.dirty)))
}

// flush closes the current object: late attribute changes are captured as
// INODE records, the object is assembled as header|records|data and put
// under the next key, and both buffers restart empty.
func (fs *Fs) flush() error {
	if len(fs.meta) == 0 && len(fs.data) == 0 && len(fs.dirty) == 0 {
		return nil
	}

	for inum, ino := range fs.dirty {
		fs.emitInode(ino)
		delete(fs.dirty, inum)
	}
	metricDirtyInodes.Set(0)

	hdr := objHeader{
		Magic:   OBJFS_MAGIC,
		Version: 1,
		Type:    OBJ_TYPE_DATA,
		HdrLen:  uint32(OBJ_HEADER_SIZE + len(fs.meta)),
		Index:   fs.thisIndex,
	}
	key := fs.objectKey(fs.thisIndex)

	err := fs.store.Put(key, [][]byte{hdr.MarshalBinary(), fs.meta, fs.data})
	if err != nil {
		fs.failed.Store(true)
		fs.log.WithField("key", key).WithError(err).Error("object put failed, mount is dead")
		return fmt.Errorf("unable to put object %q: %w", key, err)
	}

	total := OBJ_HEADER_SIZE + len(fs.meta) + len(fs.data)
	fs.log.WithFields(logrus.Fields{
		"key":        key,
		"meta_bytes": len(fs.meta),
		"data_bytes": len(fs.data),
	}).Debug("flushed object")
	metricFlushes.Inc()
	metricFlushedBytes.Add(float64(total))

	fs.dataOffsets[fs.thisIndex] = hdr.HdrLen
	fs.meta = fs.meta[:0]
	fs.data = fs.data[:0]
	fs.thisIndex++
	return nil
}

func (fs *Fs) maybeFlush() error {
	if len(fs.meta) > fs.metaThreshold || len(fs.data) > fs.dataThreshold {
		return fs.flush()
	}
	return nil
}

// headerLength returns the byte position of object index's data section,
// fetching and caching the object header on first use.
func (fs *Fs) headerLength(index uint32) (uint32, error) {
	if n, ok := fs.dataOffsets[index]; ok {
		return n, nil
	}
	buf := make([]byte, OBJ_HEADER_SIZE)
	n, err := fs.store.Get(fs.objectKey(index), 0, buf)
	if err != nil {
		return 0, err
	}
	if n != OBJ_HEADER_SIZE {
		return 0, fmt.Errorf("short read of object %q header", fs.objectKey(index))
	}
	var hdr objHeader
	err = hdr.UnmarshalBinary(buf)
	if err != nil {
		return 0, err
	}
	fs.dataOffsets[index] = hdr.HdrLen
	return hdr.HdrLen, nil
}

// readData fills buf with file data stored at offset off in object
// index's data section, either from the local data buffer or with a
// ranged get.
func (fs *Fs) readData(buf []byte, index uint32, off int64) error {
	if index == fs.thisIndex {
		copy(buf, fs.data[off:off+int64(len(buf))])
		return nil
	}
	hdrLen, err := fs.headerLength(index)
	if err != nil {
		fs.log.WithField("index", index).WithError(err).Error("unable to read object header")
		return unix.EIO
	}
	n, err := fs.store.Get(fs.objectKey(index), uint64(hdrLen)+uint64(off), buf)
	if err != nil || n != uint64(len(buf)) {
		fs.log.WithField("index", index).WithError(err).Error("unable to read object data")
		return unix.EIO
	}
	metricRemoteReadBytes.Add(float64(n))
	return nil
}

func zeroFill(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

func (fs *Fs) GetAttr(path string) (Stat, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return Stat{}, err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return Stat{}, err
	}
	return ino.stat(), nil
}

func (fs *Fs) ReadDir(path string) ([]DirEnt, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return nil, err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if ino.kind != OBJ_DIR {
		return nil, unix.ENOTDIR
	}
	ents := make([]DirEnt, 0, len(ino.children))
	for name, childInum := range ino.children {
		child, ok := fs.inodes[childInum]
		if !ok {
			return nil, unix.EIO
		}
		ents = append(ents, DirEnt{Name: name, Stat: child.stat()})
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name < ents[j].Name })
	return ents, nil
}

// createNode is the shared tail of mkdir, create and mknod.
func (fs *Fs) createNode(path string, mode, rdev, uid, gid uint32) error {
	existing, parent, leaf, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if existing != nil {
		return unix.EEXIST
	}
	if len(leaf) > NAME_MAX {
		return unix.ENAMETOOLONG
	}

	inum := fs.nextInum
	fs.nextInum++

	ino := newInode(inum, mode)
	ino.uid = uid
	ino.gid = gid
	ino.rdev = rdev
	ino.touch()

	fs.inodes[inum] = ino
	parent.children[leaf] = inum
	parent.touch()

	fs.emitInode(ino)
	fs.emitCreate(parent.inum, leaf, inum)
	fs.markDirty(parent)

	return fs.maybeFlush()
}

func (fs *Fs) Mkdir(path string, mode, uid, gid uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	return fs.createNode(path, (mode&^unix.S_IFMT)|unix.S_IFDIR, 0, uid, gid)
}

func (fs *Fs) Create(path string, mode, uid, gid uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	return fs.createNode(path, (mode&^unix.S_IFMT)|unix.S_IFREG, 0, uid, gid)
}

func (fs *Fs) Mknod(path string, mode, rdev, uid, gid uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	return fs.createNode(path, mode, rdev, uid, gid)
}

func (fs *Fs) Symlink(target, path string, uid, gid uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	if len(target) > NAME_MAX {
		return unix.ENAMETOOLONG
	}

	existing, parent, leaf, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if existing != nil {
		return unix.EEXIST
	}
	if len(leaf) > NAME_MAX {
		return unix.ENAMETOOLONG
	}

	inum := fs.nextInum
	fs.nextInum++

	ino := newInode(inum, unix.S_IFLNK|0o777)
	ino.uid = uid
	ino.gid = gid
	ino.target = []byte(target)
	ino.touch()

	fs.inodes[inum] = ino
	parent.children[leaf] = inum
	parent.touch()

	// INODE first so replay can attach the target, CREATE last.
	fs.emitInode(ino)
	fs.emitRecord(LOG_SYMLNK, (&logSymlink{Inum: inum, Target: ino.target}).payload())
	fs.emitCreate(parent.inum, leaf, inum)
	fs.markDirty(parent)

	return fs.maybeFlush()
}

func (fs *Fs) Readlink(path string) ([]byte, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return nil, err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if ino.kind != OBJ_SYMLINK {
		return nil, unix.EINVAL
	}
	target := make([]byte, len(ino.target))
	copy(target, ino.target)
	return target, nil
}

func (fs *Fs) Unlink(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}

	ino, parent, leaf, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if ino == nil {
		return unix.ENOENT
	}
	if ino.kind == OBJ_DIR {
		return unix.EISDIR
	}

	// Files are fully truncated before deletion so that replay never
	// sees extents for a dead inode.
	if ino.kind == OBJ_FILE {
		ino.extents.truncate(0)
		ino.size = 0
		fs.emitTrunc(ino.inum, 0)
	}
	fs.emitDelete(parent.inum, leaf, ino.inum)

	delete(parent.children, leaf)
	delete(fs.inodes, ino.inum)
	delete(fs.dirty, ino.inum)
	parent.touch()
	fs.markDirty(parent)

	return fs.maybeFlush()
}

func (fs *Fs) Rmdir(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}

	ino, parent, leaf, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if ino == nil {
		return unix.ENOENT
	}
	if ino.kind != OBJ_DIR {
		return unix.ENOTDIR
	}
	if len(ino.children) != 0 {
		return unix.ENOTEMPTY
	}

	fs.emitDelete(parent.inum, leaf, ino.inum)

	delete(parent.children, leaf)
	delete(fs.inodes, ino.inum)
	delete(fs.dirty, ino.inum)
	parent.touch()
	fs.markDirty(parent)

	return fs.maybeFlush()
}

// Rename moves an entry between directories. Renaming onto an existing
// name is refused with EEXIST rather than replacing the target.
func (fs *Fs) Rename(src, dst string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}

	srcIno, srcParent, srcLeaf, err := fs.resolveParent(src)
	if err != nil {
		return err
	}
	if srcIno == nil {
		return unix.ENOENT
	}
	dstIno, dstParent, dstLeaf, err := fs.resolveParent(dst)
	if err != nil {
		return err
	}
	if dstIno != nil {
		return unix.EEXIST
	}
	if len(dstLeaf) > NAME_MAX {
		return unix.ENAMETOOLONG
	}

	delete(srcParent.children, srcLeaf)
	srcParent.touch()
	fs.markDirty(srcParent)

	dstParent.children[dstLeaf] = srcIno.inum
	dstParent.touch()
	fs.markDirty(dstParent)

	rec := logRename{
		Inum:    srcIno.inum,
		Parent1: srcParent.inum,
		Parent2: dstParent.inum,
		Name1:   []byte(srcLeaf),
		Name2:   []byte(dstLeaf),
	}
	fs.emitRecord(LOG_RENAME, rec.payload())

	return fs.maybeFlush()
}

func (fs *Fs) Chmod(path string, mode uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return err
	}
	ino.mode = (mode &^ unix.S_IFMT) | (ino.mode & unix.S_IFMT)
	fs.markDirty(ino)
	return fs.maybeFlush()
}

// Utimens sets the modification time; a nil mtime means now. Attribute
// changes carry no dedicated record kind, they ride the INODE record
// emitted when the current object closes.
func (fs *Fs) Utimens(path string, mtime *time.Time) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if mtime == nil {
		ino.touch()
	} else {
		ino.setMtime(*mtime)
	}
	fs.markDirty(ino)
	return fs.maybeFlush()
}

// Truncate shrinks or grows a file. Growing is a pure size change: the
// extent map is untouched and no TRUNC record is emitted, since TRUNC
// requires new_size <= size at replay.
func (fs *Fs) Truncate(path string, size int64) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if ino.kind == OBJ_DIR {
		return unix.EISDIR
	}
	if ino.kind != OBJ_FILE {
		return unix.EINVAL
	}

	if size <= ino.size {
		ino.extents.truncate(size)
		fs.emitTrunc(ino.inum, size)
	}
	ino.size = size
	ino.touch()
	fs.markDirty(ino)

	return fs.maybeFlush()
}

func (fs *Fs) Write(path string, buf []byte, offset int64) (int, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return 0, err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if ino.kind == OBJ_DIR {
		return 0, unix.EISDIR
	}
	if ino.kind != OBJ_FILE {
		return 0, unix.EINVAL
	}
	if len(buf) == 0 {
		return 0, nil
	}

	newSize := ino.size
	if offset+int64(len(buf)) > newSize {
		newSize = offset + int64(len(buf))
	}

	objOffset := uint32(len(fs.data))
	rec := logData{
		Inum:       ino.inum,
		ObjOffset:  objOffset,
		FileOffset: offset,
		Size:       newSize,
		Len:        uint32(len(buf)),
	}
	fs.emitRecord(LOG_DATA, rec.payload())
	fs.data = append(fs.data, buf...)

	ino.extents.update(offset, extent{
		Objnum: fs.thisIndex,
		Offset: objOffset,
		Len:    uint32(len(buf)),
	})
	ino.size = newSize
	ino.touch()
	fs.markDirty(ino)

	err = fs.maybeFlush()
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (fs *Fs) Read(path string, buf []byte, offset int64) (int, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return 0, err
	}
	ino, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if ino.kind == OBJ_DIR {
		return 0, unix.EISDIR
	}
	if ino.kind != OBJ_FILE {
		return 0, unix.EINVAL
	}

	if offset >= ino.size {
		return 0, nil
	}
	if offset+int64(len(buf)) > ino.size {
		buf = buf[:ino.size-offset]
	}

	pos := offset
	produced := 0
	i := ino.extents.lookup(offset)
	for produced < len(buf) {
		if i >= ino.extents.size() {
			// Hole through to the size bound.
			zeroFill(buf[produced:])
			produced = len(buf)
			break
		}
		ent := ino.extents.ents[i]
		if ent.Base > pos {
			// Hole before the next extent.
			n := ent.Base - pos
			if n > int64(len(buf)-produced) {
				n = int64(len(buf) - produced)
			}
			zeroFill(buf[produced : produced+int(n)])
			produced += int(n)
			pos += n
			continue
		}
		skip := pos - ent.Base
		n := int64(ent.Len) - skip
		if n > int64(len(buf)-produced) {
			n = int64(len(buf) - produced)
		}
		err := fs.readData(buf[produced:produced+int(n)], ent.Objnum, int64(ent.Offset)+skip)
		if err != nil {
			return produced, err
		}
		produced += int(n)
		pos += n
		i++
	}
	return produced, nil
}

type StatFs struct {
	Bsize   uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameMax uint32
}

func (fs *Fs) StatFs() StatFs {
	return StatFs{
		Bsize:   4096,
		NameMax: NAME_MAX,
	}
}

// Fsync forces the current object out. Completed operations are only
// durable once the object containing their records has been put.
func (fs *Fs) Fsync() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := fs.guard(); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *Fs) Close() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.closed.Load() {
		return nil
	}
	var flushErr error
	if !fs.failed.Load() {
		flushErr = fs.flush()
	}
	fs.closed.Store(true)
	closeErr := fs.store.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
