package objfs

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const ROOT_INO = 1

const (
	OBJ_FILE = iota + 1
	OBJ_DIR
	OBJ_SYMLINK
	OBJ_OTHER
)

// inode is the in-memory representation of one filesystem entity. The
// kind tag selects which payload fields are meaningful: extents for
// files, children for directories, target for symlinks, none for other.
// Directory entries refer to children by inode number only; the inode
// table owns every inode exclusively.
type inode struct {
	kind      int
	inum      uint32
	mode      uint32
	uid       uint32
	gid       uint32
	rdev      uint32
	size      int64
	mtimesec  int64
	mtimensec int64

	extents  extentMap
	children map[string]uint32
	target   []byte
}

func kindFromMode(mode uint32) int {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return OBJ_DIR
	case unix.S_IFREG:
		return OBJ_FILE
	case unix.S_IFLNK:
		return OBJ_SYMLINK
	default:
		return OBJ_OTHER
	}
}

func newInode(inum, mode uint32) *inode {
	ino := &inode{
		kind: kindFromMode(mode),
		inum: inum,
		mode: mode,
	}
	if ino.kind == OBJ_DIR {
		ino.children = make(map[string]uint32)
	}
	return ino
}

func (ino *inode) setMtime(t time.Time) {
	ino.mtimesec = t.Unix()
	ino.mtimensec = int64(t.Nanosecond())
}

func (ino *inode) touch() {
	ino.setMtime(time.Now())
}

// Stat is the attribute view handed to callers; one per getattr or
// readdir entry. Hard links are not supported so Nlink is always 1.
type Stat struct {
	Ino       uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Size      int64
	Blocks    int64
	Mtimesec  int64
	Mtimensec int64
}

func (ino *inode) stat() Stat {
	return Stat{
		Ino:       ino.inum,
		Mode:      ino.mode,
		Nlink:     1,
		Uid:       ino.uid,
		Gid:       ino.gid,
		Rdev:      ino.rdev,
		Size:      ino.size,
		Blocks:    (ino.size + 4095) / 4096,
		Mtimesec:  ino.mtimesec,
		Mtimensec: ino.mtimensec,
	}
}

type DirEnt struct {
	Name string
	Stat Stat
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// walk resolves a component vector to an inode number starting at the
// root, failing with ENOENT or ENOTDIR like the kernel would.
func (fs *Fs) walk(parts []string) (uint32, error) {
	inum := uint32(ROOT_INO)
	for _, name := range parts {
		ino, ok := fs.inodes[inum]
		if !ok {
			return 0, unix.ENOENT
		}
		if ino.kind != OBJ_DIR {
			return 0, unix.ENOTDIR
		}
		child, ok := ino.children[name]
		if !ok {
			return 0, unix.ENOENT
		}
		inum = child
	}
	return inum, nil
}

func (fs *Fs) resolve(path string) (*inode, error) {
	inum, err := fs.walk(splitPath(path))
	if err != nil {
		return nil, err
	}
	ino, ok := fs.inodes[inum]
	if !ok {
		return nil, unix.ENOENT
	}
	return ino, nil
}

// resolveParent resolves a path to (inode, parent directory, leaf name).
// The returned inode is nil when the leaf does not exist; the parent is
// always a directory on success.
func (fs *Fs) resolveParent(path string) (*inode, *inode, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, nil, "", unix.EINVAL
	}
	leaf := parts[len(parts)-1]
	parentInum, err := fs.walk(parts[:len(parts)-1])
	if err != nil {
		return nil, nil, "", err
	}
	parent, ok := fs.inodes[parentInum]
	if !ok {
		return nil, nil, "", unix.ENOENT
	}
	if parent.kind != OBJ_DIR {
		return nil, nil, "", unix.ENOTDIR
	}
	if childInum, ok := parent.children[leaf]; ok {
		if child, ok := fs.inodes[childInum]; ok {
			return child, parent, leaf, nil
		}
	}
	return nil, parent, leaf, nil
}
