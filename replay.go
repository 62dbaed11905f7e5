package objfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Mount-time replay. The log objects under the key prefix are listed,
// their header sections fetched in parallel, then replayed strictly in
// index order. Replay is all or nothing: any malformed object or record
// that does not apply cleanly aborts the mount.

const replayFetchConcurrency = 8

// parseObjectKey extracts the object index from "<prefix>.<8-hex>" keys.
// Keys with a ".ck" suffix are checkpoints, reserved and skipped; any
// other key under the prefix is an error.
func (fs *Fs) parseObjectKey(key string) (uint32, bool, error) {
	if strings.HasSuffix(key, ".ck") {
		return 0, false, nil
	}
	i := strings.LastIndexByte(key, '.')
	if i == -1 || len(key)-i-1 != 8 {
		return 0, false, fmt.Errorf("unexpected object key %q", key)
	}
	index, err := strconv.ParseUint(key[i+1:], 16, 32)
	if err != nil {
		return 0, false, fmt.Errorf("unexpected object key %q", key)
	}
	return uint32(index), true, nil
}

// fetchHeader pulls the full header section of one object: records plus
// the 20 byte fixed header, everything before the data section.
func (fs *Fs) fetchHeader(index uint32) ([]byte, error) {
	key := fs.objectKey(index)

	fixed := make([]byte, OBJ_HEADER_SIZE)
	n, err := fs.store.Get(key, 0, fixed)
	if err != nil {
		return nil, fmt.Errorf("unable to get object %q: %w", key, err)
	}
	if n != OBJ_HEADER_SIZE {
		return nil, fmt.Errorf("object %q truncated: %d bytes", key, n)
	}
	var hdr objHeader
	err = hdr.UnmarshalBinary(fixed)
	if err != nil {
		return nil, fmt.Errorf("object %q: %w", key, err)
	}
	if hdr.Index != index {
		return nil, fmt.Errorf("object %q claims index %d", key, hdr.Index)
	}

	full := make([]byte, hdr.HdrLen)
	n, err = fs.store.Get(key, 0, full)
	if err != nil {
		return nil, fmt.Errorf("unable to get object %q: %w", key, err)
	}
	if n != uint64(hdr.HdrLen) {
		return nil, fmt.Errorf("object %q truncated: %d of %d header bytes", key, n, hdr.HdrLen)
	}
	return full, nil
}

func (fs *Fs) replayLog() error {
	keys, err := fs.store.List(fs.prefix + ".")
	if err != nil {
		return fmt.Errorf("unable to list objects: %w", err)
	}

	var indices []uint32
	for _, key := range keys {
		index, ok, err := fs.parseObjectKey(key)
		if err != nil {
			return err
		}
		if ok {
			indices = append(indices, index)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	headers := make([][]byte, len(indices))
	var group errgroup.Group
	group.SetLimit(replayFetchConcurrency)
	for i, index := range indices {
		i, index := i, index
		group.Go(func() error {
			hdr, err := fs.fetchHeader(index)
			if err != nil {
				return err
			}
			headers[i] = hdr
			return nil
		})
	}
	err = group.Wait()
	if err != nil {
		return err
	}

	for i, index := range indices {
		err := fs.replayObject(index, headers[i])
		if err != nil {
			return fmt.Errorf("unable to replay object %q: %w", fs.objectKey(index), err)
		}
	}

	if len(indices) != 0 {
		fs.thisIndex = indices[len(indices)-1] + 1
	}
	return nil
}

func (fs *Fs) replayObject(index uint32, hdr []byte) error {
	var h objHeader
	err := h.UnmarshalBinary(hdr)
	if err != nil {
		return err
	}
	if h.Type != OBJ_TYPE_DATA {
		return fmt.Errorf("unexpected object type %d", h.Type)
	}
	if int(h.HdrLen) != len(hdr) {
		return fmt.Errorf("header length %d does not match %d fetched bytes", h.HdrLen, len(hdr))
	}
	fs.dataOffsets[index] = h.HdrLen

	it := recordIter{rest: hdr[OBJ_HEADER_SIZE:]}
	for !it.done() {
		typ, payload, err := it.next()
		if err != nil {
			return err
		}
		switch typ {
		case LOG_INODE:
			err = fs.replayInode(payload)
		case LOG_TRUNC:
			err = fs.replayTrunc(payload)
		case LOG_DELETE:
			err = fs.replayDelete(payload)
		case LOG_SYMLNK:
			err = fs.replaySymlink(payload)
		case LOG_RENAME:
			err = fs.replayRename(payload)
		case LOG_DATA:
			err = fs.replayData(index, payload)
		case LOG_CREATE:
			err = fs.replayCreate(payload)
		case LOG_NULL:
			// Padding, no payload semantics.
		default:
			err = fmt.Errorf("unknown record type %d", typ)
		}
		if err != nil {
			return err
		}
		metricReplayedRecords.Inc()
	}
	return nil
}

func (fs *Fs) bumpNextInum(inum uint32) {
	if inum >= fs.nextInum {
		fs.nextInum = inum + 1
	}
}

// replayInode creates the inode on first sight and refreshes its
// attributes on every later sight; the file type is fixed by the first
// record.
func (fs *Fs) replayInode(payload []byte) error {
	rec, err := parseLogInode(payload)
	if err != nil {
		return err
	}
	ino, ok := fs.inodes[rec.Inum]
	if !ok {
		ino = newInode(rec.Inum, rec.Mode)
		fs.inodes[rec.Inum] = ino
	} else {
		ino.mode = rec.Mode
	}
	ino.uid = rec.Uid
	ino.gid = rec.Gid
	ino.rdev = rec.Rdev
	ino.mtimesec = rec.Mtimesec
	ino.mtimensec = rec.Mtimensec
	fs.bumpNextInum(rec.Inum)
	return nil
}

func (fs *Fs) replayTrunc(payload []byte) error {
	rec, err := parseLogTrunc(payload)
	if err != nil {
		return err
	}
	ino, ok := fs.inodes[rec.Inum]
	if !ok {
		return fmt.Errorf("TRUNC of unknown inode %d", rec.Inum)
	}
	if ino.kind != OBJ_FILE {
		return fmt.Errorf("TRUNC of non file inode %d", rec.Inum)
	}
	if rec.NewSize > ino.size {
		return fmt.Errorf("TRUNC of inode %d grows %d to %d", rec.Inum, ino.size, rec.NewSize)
	}
	ino.extents.truncate(rec.NewSize)
	ino.size = rec.NewSize
	return nil
}

func (fs *Fs) replayCreate(payload []byte) error {
	rec, err := parseLogDirent(payload)
	if err != nil {
		return err
	}
	parent, ok := fs.inodes[rec.Parent]
	if !ok {
		return fmt.Errorf("CREATE under unknown directory %d", rec.Parent)
	}
	if parent.kind != OBJ_DIR {
		return fmt.Errorf("CREATE under non directory %d", rec.Parent)
	}
	parent.children[string(rec.Name)] = rec.Inum
	fs.bumpNextInum(rec.Inum)
	return nil
}

func (fs *Fs) replayDelete(payload []byte) error {
	rec, err := parseLogDirent(payload)
	if err != nil {
		return err
	}
	parent, ok := fs.inodes[rec.Parent]
	if !ok {
		return fmt.Errorf("DELETE under unknown directory %d", rec.Parent)
	}
	if _, ok := fs.inodes[rec.Inum]; !ok {
		return fmt.Errorf("DELETE of unknown inode %d", rec.Inum)
	}
	delete(parent.children, string(rec.Name))
	delete(fs.inodes, rec.Inum)
	return nil
}

func (fs *Fs) replaySymlink(payload []byte) error {
	rec, err := parseLogSymlink(payload)
	if err != nil {
		return err
	}
	ino, ok := fs.inodes[rec.Inum]
	if !ok {
		return fmt.Errorf("SYMLNK for unknown inode %d", rec.Inum)
	}
	if ino.kind != OBJ_SYMLINK {
		return fmt.Errorf("SYMLNK for non symlink inode %d", rec.Inum)
	}
	ino.target = append([]byte(nil), rec.Target...)
	return nil
}

func (fs *Fs) replayRename(payload []byte) error {
	rec, err := parseLogRename(payload)
	if err != nil {
		return err
	}
	src, ok := fs.inodes[rec.Parent1]
	if !ok || src.kind != OBJ_DIR {
		return fmt.Errorf("RENAME from unknown directory %d", rec.Parent1)
	}
	dst, ok := fs.inodes[rec.Parent2]
	if !ok || dst.kind != OBJ_DIR {
		return fmt.Errorf("RENAME into unknown directory %d", rec.Parent2)
	}
	name1 := string(rec.Name1)
	if src.children[name1] != rec.Inum {
		return fmt.Errorf("RENAME of %q: directory %d does not hold inode %d", name1, rec.Parent1, rec.Inum)
	}
	name2 := string(rec.Name2)
	if _, ok := dst.children[name2]; ok {
		return fmt.Errorf("RENAME onto occupied name %q in directory %d", name2, rec.Parent2)
	}
	delete(src.children, name1)
	dst.children[name2] = rec.Inum
	return nil
}

func (fs *Fs) replayData(index uint32, payload []byte) error {
	rec, err := parseLogData(payload)
	if err != nil {
		return err
	}
	ino, ok := fs.inodes[rec.Inum]
	if !ok {
		return fmt.Errorf("DATA for unknown inode %d", rec.Inum)
	}
	if ino.kind != OBJ_FILE {
		return fmt.Errorf("DATA for non file inode %d", rec.Inum)
	}
	ino.extents.update(rec.FileOffset, extent{
		Objnum: index,
		Offset: rec.ObjOffset,
		Len:    rec.Len,
	})
	ino.size = rec.Size
	return nil
}
