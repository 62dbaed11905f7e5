package objfs

import (
	"encoding/binary"
	"fmt"
)

// Everything in an object is little-endian on the wire regardless of the
// host. The record stream is a sequence of framed records, each a 2 byte
// header packing a 4 bit type tag and a 12 bit payload length, followed by
// the payload.

const (
	LOG_INODE  = 1
	LOG_TRUNC  = 2
	LOG_DELETE = 3
	LOG_SYMLNK = 4
	LOG_RENAME = 5
	LOG_DATA   = 6
	LOG_CREATE = 7
	LOG_NULL   = 8
)

const (
	OBJFS_MAGIC = 0x5346424F // "OBFS"

	OBJ_TYPE_DATA       = 1
	OBJ_TYPE_CHECKPOINT = 2

	OBJ_HEADER_SIZE = 20

	RECORD_HEADER_SIZE = 2
	MAX_PAYLOAD_SIZE   = 4095
)

type objHeader struct {
	Magic   uint32
	Version uint32
	Type    uint32
	HdrLen  uint32 // bytes from object start to the end of the record stream
	Index   uint32
}

func (h *objHeader) MarshalBinary() []byte {
	buf := make([]byte, OBJ_HEADER_SIZE)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Type)
	binary.LittleEndian.PutUint32(buf[12:16], h.HdrLen)
	binary.LittleEndian.PutUint32(buf[16:20], h.Index)
	return buf
}

func (h *objHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < OBJ_HEADER_SIZE {
		return fmt.Errorf("object header truncated: %d bytes", len(buf))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Type = binary.LittleEndian.Uint32(buf[8:12])
	h.HdrLen = binary.LittleEndian.Uint32(buf[12:16])
	h.Index = binary.LittleEndian.Uint32(buf[16:20])
	if h.Magic != OBJFS_MAGIC {
		return fmt.Errorf("bad object magic %#x", h.Magic)
	}
	if h.Version != 1 {
		return fmt.Errorf("unsupported object version %d", h.Version)
	}
	if h.HdrLen < OBJ_HEADER_SIZE {
		return fmt.Errorf("object header length %d shorter than header", h.HdrLen)
	}
	return nil
}

func appendRecord(buf []byte, typ int, payload []byte) ([]byte, error) {
	if len(payload) > MAX_PAYLOAD_SIZE {
		return buf, fmt.Errorf("record payload too large: %d bytes", len(payload))
	}
	frame := uint16(typ&0xf) | uint16(len(payload))<<4
	buf = append(buf, byte(frame), byte(frame>>8))
	buf = append(buf, payload...)
	return buf, nil
}

// recordIter walks a record stream, it does not copy payloads.
type recordIter struct {
	rest []byte
}

func (it *recordIter) done() bool {
	return len(it.rest) == 0
}

func (it *recordIter) next() (int, []byte, error) {
	if len(it.rest) < RECORD_HEADER_SIZE {
		return 0, nil, fmt.Errorf("record stream truncated: %d trailing bytes", len(it.rest))
	}
	frame := binary.LittleEndian.Uint16(it.rest)
	typ := int(frame & 0xf)
	length := int(frame >> 4)
	if len(it.rest) < RECORD_HEADER_SIZE+length {
		return 0, nil, fmt.Errorf("record payload truncated: want %d bytes, have %d", length, len(it.rest)-RECORD_HEADER_SIZE)
	}
	payload := it.rest[RECORD_HEADER_SIZE : RECORD_HEADER_SIZE+length]
	it.rest = it.rest[RECORD_HEADER_SIZE+length:]
	return typ, payload, nil
}

type logInode struct {
	Inum      uint32
	Mode      uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Mtimesec  int64
	Mtimensec int64
}

const logInodeSize = 36

func (r *logInode) payload() []byte {
	buf := make([]byte, logInodeSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Inum)
	binary.LittleEndian.PutUint32(buf[4:8], r.Mode)
	binary.LittleEndian.PutUint32(buf[8:12], r.Uid)
	binary.LittleEndian.PutUint32(buf[12:16], r.Gid)
	binary.LittleEndian.PutUint32(buf[16:20], r.Rdev)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.Mtimesec))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.Mtimensec))
	return buf
}

func parseLogInode(p []byte) (logInode, error) {
	var r logInode
	if len(p) != logInodeSize {
		return r, fmt.Errorf("bad INODE record size %d", len(p))
	}
	r.Inum = binary.LittleEndian.Uint32(p[0:4])
	r.Mode = binary.LittleEndian.Uint32(p[4:8])
	r.Uid = binary.LittleEndian.Uint32(p[8:12])
	r.Gid = binary.LittleEndian.Uint32(p[12:16])
	r.Rdev = binary.LittleEndian.Uint32(p[16:20])
	r.Mtimesec = int64(binary.LittleEndian.Uint64(p[20:28]))
	r.Mtimensec = int64(binary.LittleEndian.Uint64(p[28:36]))
	return r, nil
}

type logTrunc struct {
	Inum    uint32
	NewSize int64
}

const logTruncSize = 12

func (r *logTrunc) payload() []byte {
	buf := make([]byte, logTruncSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Inum)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.NewSize))
	return buf
}

func parseLogTrunc(p []byte) (logTrunc, error) {
	var r logTrunc
	if len(p) != logTruncSize {
		return r, fmt.Errorf("bad TRUNC record size %d", len(p))
	}
	r.Inum = binary.LittleEndian.Uint32(p[0:4])
	r.NewSize = int64(binary.LittleEndian.Uint64(p[4:12]))
	return r, nil
}

type logData struct {
	Inum       uint32
	ObjOffset  uint32 // bytes from the start of this object's data section
	FileOffset int64
	Size       int64 // file size after this write
	Len        uint32
}

const logDataSize = 28

func (r *logData) payload() []byte {
	buf := make([]byte, logDataSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Inum)
	binary.LittleEndian.PutUint32(buf[4:8], r.ObjOffset)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.FileOffset))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Size))
	binary.LittleEndian.PutUint32(buf[24:28], r.Len)
	return buf
}

func parseLogData(p []byte) (logData, error) {
	var r logData
	if len(p) != logDataSize {
		return r, fmt.Errorf("bad DATA record size %d", len(p))
	}
	r.Inum = binary.LittleEndian.Uint32(p[0:4])
	r.ObjOffset = binary.LittleEndian.Uint32(p[4:8])
	r.FileOffset = int64(binary.LittleEndian.Uint64(p[8:16]))
	r.Size = int64(binary.LittleEndian.Uint64(p[16:24]))
	r.Len = binary.LittleEndian.Uint32(p[24:28])
	return r, nil
}

// logCreate and logDelete share a wire layout, they differ only in tag.
type logDirent struct {
	Parent uint32
	Inum   uint32
	Name   []byte
}

func (r *logDirent) payload() []byte {
	buf := make([]byte, 9+len(r.Name))
	binary.LittleEndian.PutUint32(buf[0:4], r.Parent)
	binary.LittleEndian.PutUint32(buf[4:8], r.Inum)
	buf[8] = byte(len(r.Name))
	copy(buf[9:], r.Name)
	return buf
}

func parseLogDirent(p []byte) (logDirent, error) {
	var r logDirent
	if len(p) < 9 {
		return r, fmt.Errorf("bad dirent record size %d", len(p))
	}
	r.Parent = binary.LittleEndian.Uint32(p[0:4])
	r.Inum = binary.LittleEndian.Uint32(p[4:8])
	nameLen := int(p[8])
	if len(p) != 9+nameLen {
		return r, fmt.Errorf("bad dirent record: name length %d, payload %d", nameLen, len(p))
	}
	r.Name = p[9:]
	return r, nil
}

type logSymlink struct {
	Inum   uint32
	Target []byte
}

func (r *logSymlink) payload() []byte {
	buf := make([]byte, 5+len(r.Target))
	binary.LittleEndian.PutUint32(buf[0:4], r.Inum)
	buf[4] = byte(len(r.Target))
	copy(buf[5:], r.Target)
	return buf
}

func parseLogSymlink(p []byte) (logSymlink, error) {
	var r logSymlink
	if len(p) < 5 {
		return r, fmt.Errorf("bad SYMLNK record size %d", len(p))
	}
	r.Inum = binary.LittleEndian.Uint32(p[0:4])
	targetLen := int(p[4])
	if len(p) != 5+targetLen {
		return r, fmt.Errorf("bad SYMLNK record: target length %d, payload %d", targetLen, len(p))
	}
	r.Target = p[5:]
	return r, nil
}

type logRename struct {
	Inum    uint32
	Parent1 uint32 // source directory
	Parent2 uint32 // destination directory
	Name1   []byte
	Name2   []byte
}

func (r *logRename) payload() []byte {
	buf := make([]byte, 14+len(r.Name1)+len(r.Name2))
	binary.LittleEndian.PutUint32(buf[0:4], r.Inum)
	binary.LittleEndian.PutUint32(buf[4:8], r.Parent1)
	binary.LittleEndian.PutUint32(buf[8:12], r.Parent2)
	buf[12] = byte(len(r.Name1))
	buf[13] = byte(len(r.Name2))
	copy(buf[14:], r.Name1)
	copy(buf[14+len(r.Name1):], r.Name2)
	return buf
}

func parseLogRename(p []byte) (logRename, error) {
	var r logRename
	if len(p) < 14 {
		return r, fmt.Errorf("bad RENAME record size %d", len(p))
	}
	r.Inum = binary.LittleEndian.Uint32(p[0:4])
	r.Parent1 = binary.LittleEndian.Uint32(p[4:8])
	r.Parent2 = binary.LittleEndian.Uint32(p[8:12])
	n1 := int(p[12])
	n2 := int(p[13])
	if len(p) != 14+n1+n2 {
		return r, fmt.Errorf("bad RENAME record: name lengths %d+%d, payload %d", n1, n2, len(p))
	}
	r.Name1 = p[14 : 14+n1]
	r.Name2 = p[14+n1:]
	return r, nil
}
