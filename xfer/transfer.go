package xfer

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SUS81/sdk/xferkey"
)

// Direction is which way the bytes move for a Transfer.
type Direction uint8

const (
	Get Direction = iota
	Put
)

func (d Direction) String() string {
	if d == Put {
		return "PUT"
	}
	return "GET"
}

// fingerprintSampleLimit bounds the fingerprint computation to the first
// 16 MiB of the file for a size/mtime/CRC identity scheme that stays cheap
// on large files.
const fingerprintSampleLimit = 16 * 1024 * 1024

// Fingerprint identifies a local file independent of its name or path: size,
// modification time, and a four-word CRC over the file contents. Two files
// with the same Fingerprint are considered the same content for transfer
// deduplication purposes at the collaborator layer (out of scope here, but
// the identity itself is part of the Transfer key).
type Fingerprint struct {
	Size  int64
	MTime int64 // unix seconds
	CRC   [4]int32
}

// ComputeFingerprint derives a Fingerprint from file content and metadata.
// The CRC is four CRC-32 (IEEE) values, one per quarter of the first
// fingerprintSampleLimit bytes of the file (or the whole file, if smaller),
// stored as a four-word int32 array.
func ComputeFingerprint(r io.ReaderAt, size, mtime int64) (Fingerprint, error) {
	sample := size
	if sample > fingerprintSampleLimit {
		sample = fingerprintSampleLimit
	}

	fp := Fingerprint{Size: size, MTime: mtime}
	if sample == 0 {
		return fp, nil
	}

	segLen := sample / 4
	if segLen == 0 {
		segLen = sample
	}

	buf := make([]byte, 64*1024)
	for seg := 0; seg < 4; seg++ {
		start := int64(seg) * segLen
		end := start + segLen
		if seg == 3 || end > sample {
			end = sample
		}
		if start >= end {
			continue
		}

		crc := crc32.NewIEEE()
		remaining := end - start
		off := start
		for remaining > 0 {
			n := int64(len(buf))
			if n > remaining {
				n = remaining
			}
			read, err := r.ReadAt(buf[:n], off)
			if read > 0 {
				crc.Write(buf[:read])
			}
			if err != nil && err != io.EOF {
				return Fingerprint{}, errors.Errorf("failed to sample file for fingerprint: %+v", err)
			}
			off += int64(read)
			remaining -= int64(read)
			if read == 0 {
				break
			}
		}
		fp.CRC[seg] = int32(crc.Sum32())
	}

	return fp, nil
}

// FileAttachment is one client-facing sink or source attached to a
// Transfer. LocalID is a bookkeeping handle, never serialized to the wire
// record.
type FileAttachment struct {
	LocalID uuid.UUID
	Path    string
}

// Transfer is the per-file descriptor: it is the unit
// persisted to the cache table and resumed across restarts.
type Transfer struct {
	Direction Direction
	Size      int64

	Key   xferkey.TransferKey
	CtrIV uint64

	// MetaMac is the expected mac-of-macs for a GET, or the computed one
	// once a PUT completes.
	MetaMac xferkey.Block

	// Pos is the next byte to schedule; ProgressCompleted is the largest
	// offset durably written and MAC-matched.
	Pos               int64
	ProgressCompleted int64

	ChunkMacs *ChunkMacMap

	// UlToken is the opaque upload-completion token, set once a PUT's final
	// connection returns it.
	UlToken []byte

	Files []FileAttachment

	Fingerprint Fingerprint

	// IsRaid records whether this Transfer runs the 6-part RAID download
	// scheme, so a resumed Transfer reloaded from the cache knows which
	// buffer geometry to rebuild without the caller having to remember.
	IsRaid bool

	// SlotIndex is this Transfer's row in its owning Client's slot table,
	// or noSlot if it is not currently scheduled. It is bookkeeping only
	// and never serialized to the wire record.
	SlotIndex int

	// Wire-record-only fields, present only in the serialized transfer record.
	FSID       uint64 // 0 if not part of a sync filesystem scan
	ParentDBID uint32
	NodeHandle [6]byte
	LocalName  string
	Syncable   bool
	ShortName  string // optional; empty means absent
}

// NewTransfer constructs a Transfer in its initial state: nothing scheduled,
// nothing completed, an empty ChunkMacMap.
func NewTransfer(dir Direction, size int64, key xferkey.TransferKey, ctriv uint64) *Transfer {
	return &Transfer{
		Direction: dir,
		Size:      size,
		Key:       key,
		CtrIV:     ctriv,
		ChunkMacs: NewChunkMacMap(),
		SlotIndex: noSlot,
	}
}

// Validate checks the core invariant: 0 <= progresscompleted <= pos <= size.
func (t *Transfer) Validate() error {
	if t.Pos < 0 || t.Pos > t.Size {
		return errors.Errorf("pos %d out of range [0,%d]", t.Pos, t.Size)
	}
	if t.ProgressCompleted < 0 || t.ProgressCompleted > t.Pos {
		return errors.Errorf(
			"progresscompleted %d out of range [0,%d]", t.ProgressCompleted, t.Pos)
	}
	return nil
}

// IsComplete reports whether every byte of the file has been durably
// written and MAC-matched.
func (t *Transfer) IsComplete() bool {
	return t.ProgressCompleted == t.Size
}

// expansion flag bits within the wire record's single expansion-flag byte.
const (
	flagHasShortName byte = 1 << 0
)

// MarshalRecord encodes the Transfer in a bit-exact field order:
// size (i64) | fsid-or-zero (u64) | parent-dbid (u32) |
// node-handle (6 bytes) | localname (u16-length string) | {crc(16 bytes),
// mtime(varint64)} | syncable (u8) | expansion-flag (u8) | optional
// shortname (u16-length string). The {crc,mtime} block is nominally
// optional for non-file records, but every Transfer in this engine is a
// file transfer, so the block is always written; there is no folder
// variant of a Transfer to disambiguate against.
func (t *Transfer) MarshalRecord() []byte {
	var buf bytes.Buffer

	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(t.Size))
	buf.Write(b8[:])

	binary.LittleEndian.PutUint64(b8[:], t.FSID)
	buf.Write(b8[:])

	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], t.ParentDBID)
	buf.Write(b4[:])

	buf.Write(t.NodeHandle[:])

	writeString16(&buf, t.LocalName)

	for _, c := range t.Fingerprint.CRC {
		binary.LittleEndian.PutUint32(b4[:], uint32(c))
		buf.Write(b4[:])
	}
	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(varintBuf[:], t.Fingerprint.MTime)
	buf.Write(varintBuf[:n])

	syncable := byte(0)
	if t.Syncable {
		syncable = 1
	}
	buf.WriteByte(syncable)

	flags := byte(0)
	if t.ShortName != "" {
		flags |= flagHasShortName
	}
	buf.WriteByte(flags)

	if t.ShortName != "" {
		writeString16(&buf, t.ShortName)
	}

	return buf.Bytes()
}

// UnmarshalTransferRecord decodes a Transfer record produced by
// MarshalRecord. It rejects inputs shorter than the fixed-field minimum and
// fails if trailing data remains after every field (including any optional
// ones signalled by the expansion flag) has been consumed.
func UnmarshalTransferRecord(data []byte) (*Transfer, error) {
	r := &byteReader{data: data}

	size, err := r.readI64()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for size: %+v", err)
	}
	fsid, err := r.readU64()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for fsid: %+v", err)
	}
	parentDBID, err := r.readU32()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for parent-dbid: %+v", err)
	}
	var nodeHandle [6]byte
	if err := r.readBytes(nodeHandle[:]); err != nil {
		return nil, errors.Errorf("transfer record too short for node-handle: %+v", err)
	}
	localName, err := r.readString16()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for localname: %+v", err)
	}

	t := &Transfer{
		Size:       size,
		FSID:       fsid,
		ParentDBID: parentDBID,
		NodeHandle: nodeHandle,
		LocalName:  localName,
	}

	// The {crc,mtime} fingerprint block is unconditional: every Transfer in
	// this engine is a file transfer (see MarshalRecord).
	var crc [4]int32
	for i := range crc {
		v, err := r.readU32()
		if err != nil {
			return nil, errors.Errorf("transfer record too short for crc: %+v", err)
		}
		crc[i] = int32(v)
	}
	mtime, err := r.readVarint()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for mtime: %+v", err)
	}
	t.Fingerprint = Fingerprint{Size: size, MTime: mtime, CRC: crc}

	syncable, err := r.readByte()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for syncable: %+v", err)
	}
	t.Syncable = syncable != 0

	flags, err := r.readByte()
	if err != nil {
		return nil, errors.Errorf("transfer record too short for expansion flags: %+v", err)
	}

	if flags&flagHasShortName != 0 {
		shortName, err := r.readString16()
		if err != nil {
			return nil, errors.Errorf("transfer record too short for shortname: %+v", err)
		}
		t.ShortName = shortName
	}

	if r.remaining() != 0 {
		return nil, errors.Errorf(
			"transfer record has %d trailing bytes", r.remaining())
	}

	return t, nil
}

// resume-state format version, bumped if the encoding below ever changes
// shape.
const resumeStateVersion = 1

// MarshalResumeState encodes everything a restart needs to rebuild this
// Transfer's Slot and continue from where it left off: direction, raid
// flag, size, key, ctriv, metamac, pos, progresscompleted, the chunk-mac
// map, and the attached file list. This is a distinct contract from
// MarshalRecord, which is the bit-exact node-tree wire record consumed
// elsewhere and carries none of the resumption state.
func (t *Transfer) MarshalResumeState() []byte {
	var buf bytes.Buffer

	buf.WriteByte(resumeStateVersion)
	buf.WriteByte(byte(t.Direction))
	raidFlag := byte(0)
	if t.IsRaid {
		raidFlag = 1
	}
	buf.WriteByte(raidFlag)

	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(t.Size))
	buf.Write(b8[:])

	buf.Write(t.Key[:])

	binary.LittleEndian.PutUint64(b8[:], t.CtrIV)
	buf.Write(b8[:])

	buf.Write(t.MetaMac[:])

	binary.LittleEndian.PutUint64(b8[:], uint64(t.Pos))
	buf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], uint64(t.ProgressCompleted))
	buf.Write(b8[:])

	offsets := t.ChunkMacs.Offsets()
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(len(offsets)))
	buf.Write(b4[:])
	for _, pos := range offsets {
		mac, finished, _ := t.ChunkMacs.Entry(pos)
		binary.LittleEndian.PutUint64(b8[:], uint64(pos))
		buf.Write(b8[:])
		buf.Write(mac[:])
		fin := byte(0)
		if finished {
			fin = 1
		}
		buf.WriteByte(fin)
	}

	binary.LittleEndian.PutUint32(b4[:], uint32(len(t.Files)))
	buf.Write(b4[:])
	for _, f := range t.Files {
		idBytes, _ := f.LocalID.MarshalBinary()
		buf.Write(idBytes)
		writeString16(&buf, f.Path)
	}

	return buf.Bytes()
}

// UnmarshalResumeState decodes a blob produced by MarshalResumeState. It
// returns a fresh Transfer with its ChunkMacs map repopulated and Files
// list restored; SlotIndex is set to noSlot, as for NewTransfer.
func UnmarshalResumeState(data []byte) (*Transfer, error) {
	r := &byteReader{data: data}

	version, err := r.readByte()
	if err != nil {
		return nil, errors.Errorf("resume state too short for version: %+v", err)
	}
	if version != resumeStateVersion {
		return nil, errors.Errorf("resume state has unsupported version %d", version)
	}

	dir, err := r.readByte()
	if err != nil {
		return nil, errors.Errorf("resume state too short for direction: %+v", err)
	}
	raidFlag, err := r.readByte()
	if err != nil {
		return nil, errors.Errorf("resume state too short for raid flag: %+v", err)
	}

	size, err := r.readI64()
	if err != nil {
		return nil, errors.Errorf("resume state too short for size: %+v", err)
	}

	var key xferkey.TransferKey
	if err := r.readBytes(key[:]); err != nil {
		return nil, errors.Errorf("resume state too short for key: %+v", err)
	}

	ctriv, err := r.readU64()
	if err != nil {
		return nil, errors.Errorf("resume state too short for ctriv: %+v", err)
	}

	var metaMac xferkey.Block
	if err := r.readBytes(metaMac[:]); err != nil {
		return nil, errors.Errorf("resume state too short for metamac: %+v", err)
	}

	pos, err := r.readI64()
	if err != nil {
		return nil, errors.Errorf("resume state too short for pos: %+v", err)
	}
	progressCompleted, err := r.readI64()
	if err != nil {
		return nil, errors.Errorf("resume state too short for progresscompleted: %+v", err)
	}

	t := NewTransfer(Direction(dir), size, key, ctriv)
	t.IsRaid = raidFlag != 0
	t.MetaMac = metaMac
	t.Pos = pos
	t.ProgressCompleted = progressCompleted

	numChunks, err := r.readU32()
	if err != nil {
		return nil, errors.Errorf("resume state too short for chunk count: %+v", err)
	}
	for i := uint32(0); i < numChunks; i++ {
		chunkPos, err := r.readI64()
		if err != nil {
			return nil, errors.Errorf("resume state too short for chunk offset: %+v", err)
		}
		var mac xferkey.Block
		if err := r.readBytes(mac[:]); err != nil {
			return nil, errors.Errorf("resume state too short for chunk mac: %+v", err)
		}
		finished, err := r.readByte()
		if err != nil {
			return nil, errors.Errorf("resume state too short for chunk finished flag: %+v", err)
		}
		t.ChunkMacs.Insert(chunkPos, mac)
		if finished != 0 {
			t.ChunkMacs.MarkFinished(chunkPos)
		}
	}

	numFiles, err := r.readU32()
	if err != nil {
		return nil, errors.Errorf("resume state too short for file count: %+v", err)
	}
	for i := uint32(0); i < numFiles; i++ {
		var idBytes [16]byte
		if err := r.readBytes(idBytes[:]); err != nil {
			return nil, errors.Errorf("resume state too short for file id: %+v", err)
		}
		id, err := uuid.FromBytes(idBytes[:])
		if err != nil {
			return nil, errors.Errorf("resume state has invalid file id: %+v", err)
		}
		path, err := r.readString16()
		if err != nil {
			return nil, errors.Errorf("resume state too short for file path: %+v", err)
		}
		t.Files = append(t.Files, FileAttachment{LocalID: id, Path: path})
	}

	if r.remaining() != 0 {
		return nil, errors.Errorf("resume state has %d trailing bytes", r.remaining())
	}

	return t, nil
}

func writeString16(buf *bytes.Buffer, s string) {
	var b2 [2]byte
	binary.LittleEndian.PutUint16(b2[:], uint16(len(s)))
	buf.Write(b2[:])
	buf.WriteString(s)
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) remaining() int { return len(r.data) - r.pos }

func (r *byteReader) readBytes(dst []byte) error {
	if r.remaining() < len(dst) {
		return errors.Errorf("short read: need %d, have %d", len(dst), r.remaining())
	}
	copy(dst, r.data[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *byteReader) readByte() (byte, error) {
	var b [1]byte
	if err := r.readBytes(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) readI64() (int64, error) {
	var b [8]byte
	if err := r.readBytes(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func (r *byteReader) readU64() (uint64, error) {
	var b [8]byte
	if err := r.readBytes(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *byteReader) readU32() (uint32, error) {
	var b [4]byte
	if err := r.readBytes(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *byteReader) readString16() (string, error) {
	var lenBuf [2]byte
	if err := r.readBytes(lenBuf[:]); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(lenBuf[:]))
	if r.remaining() < n {
		return "", errors.Errorf("short read: need %d, have %d", n, r.remaining())
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *byteReader) readVarint() (int64, error) {
	v, n := binary.Varint(r.data[r.pos:])
	if n <= 0 {
		return 0, errors.Errorf("invalid varint")
	}
	r.pos += n
	return v, nil
}
