package objfs

import (
	"errors"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"golang.org/x/sys/unix"
)

func errToFuseStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return fuse.Status(errno)
	}
	return fuse.EIO
}

func fillFuseAttr(st *Stat, out *fuse.Attr) {
	out.Ino = uint64(st.Ino)
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Blksize = 4096
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Owner.Uid = st.Uid
	out.Owner.Gid = st.Gid
	out.Rdev = st.Rdev
	// Only the modification time is tracked; mirror it everywhere.
	out.Atime = uint64(st.Mtimesec)
	out.Atimensec = uint32(st.Mtimensec)
	out.Mtime = uint64(st.Mtimesec)
	out.Mtimensec = uint32(st.Mtimensec)
	out.Ctime = uint64(st.Mtimesec)
	out.Ctimensec = uint32(st.Mtimensec)
}

// FuseFs adapts the path based core to go-fuse. The core does its own
// locking so the adapter is stateless apart from the handle it wraps.
type FuseFs struct {
	pathfs.FileSystem
	fs *Fs
}

func NewFuseFs(fs *Fs) *FuseFs {
	return &FuseFs{
		FileSystem: pathfs.NewDefaultFileSystem(),
		fs:         fs,
	}
}

func (f *FuseFs) String() string {
	return "objfs"
}

func (f *FuseFs) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	st, err := f.fs.GetAttr(name)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	out := &fuse.Attr{}
	fillFuseAttr(&st, out)
	return out, fuse.OK
}

func (f *FuseFs) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	ents, err := f.fs.ReadDir(name)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	stream := make([]fuse.DirEntry, 0, len(ents))
	for _, ent := range ents {
		stream = append(stream, fuse.DirEntry{
			Name: ent.Name,
			Mode: ent.Stat.Mode,
			Ino:  uint64(ent.Stat.Ino),
		})
	}
	return stream, fuse.OK
}

func (f *FuseFs) Mkdir(name string, mode uint32, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Mkdir(name, mode, context.Owner.Uid, context.Owner.Gid))
}

func (f *FuseFs) Rmdir(name string, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Rmdir(name))
}

func (f *FuseFs) Unlink(name string, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Unlink(name))
}

func (f *FuseFs) Rename(oldName string, newName string, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Rename(oldName, newName))
}

func (f *FuseFs) Mknod(name string, mode uint32, dev uint32, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Mknod(name, mode, dev, context.Owner.Uid, context.Owner.Gid))
}

func (f *FuseFs) Symlink(value string, linkName string, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Symlink(value, linkName, context.Owner.Uid, context.Owner.Gid))
}

func (f *FuseFs) Readlink(name string, context *fuse.Context) (string, fuse.Status) {
	target, err := f.fs.Readlink(name)
	if err != nil {
		return "", errToFuseStatus(err)
	}
	return string(target), fuse.OK
}

func (f *FuseFs) Chmod(name string, mode uint32, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Chmod(name, mode))
}

func (f *FuseFs) Utimens(name string, atime *time.Time, mtime *time.Time, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Utimens(name, mtime))
}

func (f *FuseFs) Truncate(name string, size uint64, context *fuse.Context) fuse.Status {
	return errToFuseStatus(f.fs.Truncate(name, int64(size)))
}

func (f *FuseFs) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	_, err := f.fs.GetAttr(name)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	if flags&uint32(unix.O_TRUNC) != 0 {
		err := f.fs.Truncate(name, 0)
		if err != nil {
			return nil, errToFuseStatus(err)
		}
	}
	return newFuseFile(f.fs, name), fuse.OK
}

func (f *FuseFs) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	err := f.fs.Create(name, mode, context.Owner.Uid, context.Owner.Gid)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	return newFuseFile(f.fs, name), fuse.OK
}

func (f *FuseFs) StatFs(name string) *fuse.StatfsOut {
	st := f.fs.StatFs()
	return &fuse.StatfsOut{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   st.Bsize,
		NameLen: st.NameMax,
	}
}

type fuseFile struct {
	nodefs.File
	fs   *Fs
	path string
}

func newFuseFile(fs *Fs, path string) nodefs.File {
	return &fuseFile{
		File: nodefs.NewDefaultFile(),
		fs:   fs,
		path: path,
	}
}

func (f *fuseFile) String() string {
	return "objfsFile"
}

func (f *fuseFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	n, err := f.fs.Read(f.path, dest, off)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (f *fuseFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, err := f.fs.Write(f.path, data, off)
	if err != nil {
		return 0, errToFuseStatus(err)
	}
	return uint32(n), fuse.OK
}

func (f *fuseFile) Truncate(size uint64) fuse.Status {
	return errToFuseStatus(f.fs.Truncate(f.path, int64(size)))
}

func (f *fuseFile) GetAttr(out *fuse.Attr) fuse.Status {
	st, err := f.fs.GetAttr(f.path)
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseAttr(&st, out)
	return fuse.OK
}

func (f *fuseFile) Fsync(flags int) fuse.Status {
	return errToFuseStatus(f.fs.Fsync())
}

func (f *fuseFile) Flush() fuse.Status {
	return fuse.OK
}

func (f *fuseFile) Utimens(atime *time.Time, mtime *time.Time) fuse.Status {
	return errToFuseStatus(f.fs.Utimens(f.path, mtime))
}
