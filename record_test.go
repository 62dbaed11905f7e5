package objfs

import (
	"bytes"
	"testing"
)

func TestObjHeaderRoundTrip(t *testing.T) {
	hdr := objHeader{
		Magic:   OBJFS_MAGIC,
		Version: 1,
		Type:    OBJ_TYPE_DATA,
		HdrLen:  1234,
		Index:   42,
	}
	buf := hdr.MarshalBinary()
	if len(buf) != OBJ_HEADER_SIZE {
		t.Fatalf("expected %d header bytes, got %d", OBJ_HEADER_SIZE, len(buf))
	}

	var decoded objHeader
	err := decoded.UnmarshalBinary(buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != hdr {
		t.Fatalf("expected %+v, got %+v", hdr, decoded)
	}
}

func TestObjHeaderRejectsBadMagic(t *testing.T) {
	hdr := objHeader{Magic: 0xdeadbeef, Version: 1, HdrLen: OBJ_HEADER_SIZE}
	var decoded objHeader
	err := decoded.UnmarshalBinary(hdr.MarshalBinary())
	if err == nil {
		t.Fatal("expected bad magic to be rejected")
	}
}

func TestObjHeaderRejectsBadVersion(t *testing.T) {
	hdr := objHeader{Magic: OBJFS_MAGIC, Version: 2, HdrLen: OBJ_HEADER_SIZE}
	var decoded objHeader
	err := decoded.UnmarshalBinary(hdr.MarshalBinary())
	if err == nil {
		t.Fatal("expected bad version to be rejected")
	}
}

func TestRecordFraming(t *testing.T) {
	var stream []byte
	var err error

	stream, err = appendRecord(stream, LOG_NULL, nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err = appendRecord(stream, LOG_DATA, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}

	it := recordIter{rest: stream}

	typ, payload, err := it.next()
	if err != nil {
		t.Fatal(err)
	}
	if typ != LOG_NULL || len(payload) != 0 {
		t.Fatalf("expected empty NULL record, got type %d payload %v", typ, payload)
	}

	typ, payload, err = it.next()
	if err != nil {
		t.Fatal(err)
	}
	if typ != LOG_DATA || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Fatalf("expected DATA record, got type %d payload %v", typ, payload)
	}

	if !it.done() {
		t.Fatal("expected iterator to be exhausted")
	}
}

func TestRecordFramingRejectsOversizedPayload(t *testing.T) {
	_, err := appendRecord(nil, LOG_DATA, make([]byte, MAX_PAYLOAD_SIZE+1))
	if err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
}

func TestRecordIterRejectsTruncatedStream(t *testing.T) {
	stream, err := appendRecord(nil, LOG_DATA, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}

	it := recordIter{rest: stream[:len(stream)-1]}
	_, _, err = it.next()
	if err == nil {
		t.Fatal("expected truncated payload to be rejected")
	}

	it = recordIter{rest: stream[:1]}
	_, _, err = it.next()
	if err == nil {
		t.Fatal("expected truncated frame to be rejected")
	}
}

func TestLogInodeRoundTrip(t *testing.T) {
	rec := logInode{
		Inum:      7,
		Mode:      0o100644,
		Uid:       1000,
		Gid:       1000,
		Rdev:      0,
		Mtimesec:  1700000000,
		Mtimensec: 999999999,
	}
	p := rec.payload()
	if len(p) != logInodeSize {
		t.Fatalf("expected %d byte payload, got %d", logInodeSize, len(p))
	}
	decoded, err := parseLogInode(p)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != rec {
		t.Fatalf("expected %+v, got %+v", rec, decoded)
	}
}

func TestLogDataRoundTrip(t *testing.T) {
	rec := logData{
		Inum:       9,
		ObjOffset:  4096,
		FileOffset: 1 << 33,
		Size:       (1 << 33) + 100,
		Len:        100,
	}
	decoded, err := parseLogData(rec.payload())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != rec {
		t.Fatalf("expected %+v, got %+v", rec, decoded)
	}
}

func TestLogDirentRoundTrip(t *testing.T) {
	rec := logDirent{Parent: 1, Inum: 2, Name: []byte("hello.txt")}
	decoded, err := parseLogDirent(rec.payload())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Parent != rec.Parent || decoded.Inum != rec.Inum || !bytes.Equal(decoded.Name, rec.Name) {
		t.Fatalf("expected %+v, got %+v", rec, decoded)
	}

	_, err = parseLogDirent(rec.payload()[:10])
	if err == nil {
		t.Fatal("expected truncated dirent to be rejected")
	}
}

func TestLogRenameRoundTrip(t *testing.T) {
	rec := logRename{
		Inum:    5,
		Parent1: 1,
		Parent2: 3,
		Name1:   []byte("old"),
		Name2:   []byte("new-name"),
	}
	decoded, err := parseLogRename(rec.payload())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Inum != rec.Inum ||
		decoded.Parent1 != rec.Parent1 ||
		decoded.Parent2 != rec.Parent2 ||
		!bytes.Equal(decoded.Name1, rec.Name1) ||
		!bytes.Equal(decoded.Name2, rec.Name2) {
		t.Fatalf("expected %+v, got %+v", rec, decoded)
	}
}

func TestLogSymlinkRoundTrip(t *testing.T) {
	rec := logSymlink{Inum: 11, Target: []byte("../some/where")}
	decoded, err := parseLogSymlink(rec.payload())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Inum != rec.Inum || !bytes.Equal(decoded.Target, rec.Target) {
		t.Fatalf("expected %+v, got %+v", rec, decoded)
	}
}

func TestLogTruncRoundTrip(t *testing.T) {
	rec := logTrunc{Inum: 4, NewSize: 1 << 40}
	decoded, err := parseLogTrunc(rec.payload())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != rec {
		t.Fatalf("expected %+v, got %+v", rec, decoded)
	}
}
