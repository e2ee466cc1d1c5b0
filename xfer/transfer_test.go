package xfer

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/SUS81/sdk/xferkey"
)

func TestNewTransfer_InitialState(t *testing.T) {
	var key xferkey.TransferKey
	tr := NewTransfer(Put, 1000, key, 7)

	if tr.SlotIndex != noSlot {
		t.Errorf("SlotIndex = %d, want noSlot (%d)", tr.SlotIndex, noSlot)
	}
	if tr.ChunkMacs == nil {
		t.Fatalf("ChunkMacs is nil")
	}
	if tr.ChunkMacs.Len() != 0 {
		t.Errorf("ChunkMacs.Len() = %d, want 0", tr.ChunkMacs.Len())
	}
	if tr.Pos != 0 || tr.ProgressCompleted != 0 {
		t.Errorf("Pos/ProgressCompleted = %d/%d, want 0/0", tr.Pos, tr.ProgressCompleted)
	}
}

func TestDirection_String(t *testing.T) {
	if Get.String() != "GET" {
		t.Errorf("Get.String() = %q, want GET", Get.String())
	}
	if Put.String() != "PUT" {
		t.Errorf("Put.String() = %q, want PUT", Put.String())
	}
}

func TestTransfer_Validate(t *testing.T) {
	tr := &Transfer{Size: 100, Pos: 50, ProgressCompleted: 20}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate() on a valid transfer returned %v", err)
	}

	tr.Pos = 150
	if err := tr.Validate(); err == nil {
		t.Errorf("Validate() did not reject pos > size")
	}

	tr.Pos = 50
	tr.ProgressCompleted = 60
	if err := tr.Validate(); err == nil {
		t.Errorf("Validate() did not reject progresscompleted > pos")
	}
}

func TestTransfer_IsComplete(t *testing.T) {
	tr := &Transfer{Size: 100, ProgressCompleted: 100}
	if !tr.IsComplete() {
		t.Errorf("IsComplete() false when progresscompleted == size")
	}
	tr.ProgressCompleted = 99
	if tr.IsComplete() {
		t.Errorf("IsComplete() true when progresscompleted < size")
	}
}

// Tests that MarshalRecord/UnmarshalTransferRecord round-trip every field
// the wire record carries, including the optional shortname.
func TestTransferRecord_RoundTrip_WithShortName(t *testing.T) {
	tr := &Transfer{
		Size:       123456,
		FSID:       99,
		ParentDBID: 7,
		NodeHandle: [6]byte{1, 2, 3, 4, 5, 6},
		LocalName:  "report-final-v2.pdf",
		Fingerprint: Fingerprint{
			CRC:   [4]int32{1, -2, 3, -4},
			MTime: 1700000000,
		},
		Syncable:  true,
		ShortName: "report.pdf",
	}

	data := tr.MarshalRecord()
	got, err := UnmarshalTransferRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalTransferRecord() error: %v", err)
	}

	if got.Size != tr.Size || got.FSID != tr.FSID || got.ParentDBID != tr.ParentDBID {
		t.Errorf("scalar fields mismatch: got %+v, want %+v", got, tr)
	}
	if got.NodeHandle != tr.NodeHandle {
		t.Errorf("NodeHandle = %v, want %v", got.NodeHandle, tr.NodeHandle)
	}
	if got.LocalName != tr.LocalName {
		t.Errorf("LocalName = %q, want %q", got.LocalName, tr.LocalName)
	}
	if got.Fingerprint.CRC != tr.Fingerprint.CRC {
		t.Errorf("CRC = %v, want %v", got.Fingerprint.CRC, tr.Fingerprint.CRC)
	}
	if got.Fingerprint.MTime != tr.Fingerprint.MTime {
		t.Errorf("MTime = %d, want %d", got.Fingerprint.MTime, tr.Fingerprint.MTime)
	}
	if got.Syncable != tr.Syncable {
		t.Errorf("Syncable = %t, want %t", got.Syncable, tr.Syncable)
	}
	if got.ShortName != tr.ShortName {
		t.Errorf("ShortName = %q, want %q", got.ShortName, tr.ShortName)
	}
}

// Tests the no-shortname path: the expansion flag must come back clear and
// ShortName empty.
func TestTransferRecord_RoundTrip_NoShortName(t *testing.T) {
	tr := &Transfer{
		Size:      42,
		LocalName: "x",
	}
	data := tr.MarshalRecord()
	got, err := UnmarshalTransferRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalTransferRecord() error: %v", err)
	}
	if got.ShortName != "" {
		t.Errorf("ShortName = %q, want empty", got.ShortName)
	}
}

// Tests that trailing bytes past the last field are rejected.
func TestTransferRecord_TrailingBytesRejected(t *testing.T) {
	tr := &Transfer{Size: 10, LocalName: "a"}
	data := tr.MarshalRecord()
	data = append(data, 0xFF)

	if _, err := UnmarshalTransferRecord(data); err == nil {
		t.Errorf("UnmarshalTransferRecord() accepted trailing garbage")
	}
}

// Tests that a truncated record is rejected rather than silently zero-filled.
func TestTransferRecord_TruncatedRejected(t *testing.T) {
	tr := &Transfer{Size: 10, LocalName: "a"}
	data := tr.MarshalRecord()

	if _, err := UnmarshalTransferRecord(data[:len(data)-3]); err == nil {
		t.Errorf("UnmarshalTransferRecord() accepted a truncated record")
	}
}

// Tests that MarshalResumeState/UnmarshalResumeState round-trip every
// field a restart needs, including chunk MACs with a mix of finished and
// pending entries and an attached file.
func TestResumeState_RoundTrip(t *testing.T) {
	var key xferkey.TransferKey
	copy(key[:], []byte("0123456789abcdef"))

	tr := NewTransfer(Get, 1<<20, key, 0xabcdef)
	tr.IsRaid = true
	tr.MetaMac = xferkey.Block{1, 2, 3}
	tr.Pos = 524288
	tr.ProgressCompleted = 262144
	tr.ChunkMacs.Insert(0, xferkey.Block{0xaa})
	tr.ChunkMacs.MarkFinished(0)
	tr.ChunkMacs.Insert(131072, xferkey.Block{0xbb})
	tr.Files = []FileAttachment{{LocalID: mustUUID(t), Path: "/tmp/out.bin"}}

	data := tr.MarshalResumeState()
	got, err := UnmarshalResumeState(data)
	if err != nil {
		t.Fatalf("UnmarshalResumeState() error: %v", err)
	}

	if got.Direction != tr.Direction || got.IsRaid != tr.IsRaid || got.Size != tr.Size {
		t.Errorf("scalar fields mismatch: got %+v, want %+v", got, tr)
	}
	if got.Key != tr.Key || got.CtrIV != tr.CtrIV || got.MetaMac != tr.MetaMac {
		t.Errorf("crypto fields mismatch: got %+v, want %+v", got, tr)
	}
	if got.Pos != tr.Pos || got.ProgressCompleted != tr.ProgressCompleted {
		t.Errorf("Pos/ProgressCompleted = %d/%d, want %d/%d",
			got.Pos, got.ProgressCompleted, tr.Pos, tr.ProgressCompleted)
	}
	if got.ChunkMacs.Len() != 2 {
		t.Fatalf("ChunkMacs.Len() = %d, want 2", got.ChunkMacs.Len())
	}
	if mac, finished, exists := got.ChunkMacs.Entry(0); !exists || !finished || mac != (xferkey.Block{0xaa}) {
		t.Errorf("chunk 0 = (%v,%t,%t), want (%v,true,true)", mac, finished, exists, xferkey.Block{0xaa})
	}
	if mac, finished, exists := got.ChunkMacs.Entry(131072); !exists || finished || mac != (xferkey.Block{0xbb}) {
		t.Errorf("chunk 131072 = (%v,%t,%t), want (%v,false,true)", mac, finished, exists, xferkey.Block{0xbb})
	}
	if len(got.Files) != 1 || got.Files[0].Path != "/tmp/out.bin" || got.Files[0].LocalID != tr.Files[0].LocalID {
		t.Errorf("Files = %+v, want %+v", got.Files, tr.Files)
	}
}

// Tests that a version byte other than the one this build writes is
// rejected rather than silently misparsed.
func TestResumeState_RejectsUnknownVersion(t *testing.T) {
	var key xferkey.TransferKey
	tr := NewTransfer(Get, 100, key, 0)
	data := tr.MarshalResumeState()
	data[0] = 0xFF

	if _, err := UnmarshalResumeState(data); err == nil {
		t.Errorf("UnmarshalResumeState() accepted an unknown version byte")
	}
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatalf("uuid.NewRandom() error: %v", err)
	}
	return id
}

func TestComputeFingerprint_SmallFile(t *testing.T) {
	content := []byte("hello world, this is a small test file")
	fp, err := ComputeFingerprint(bytes.NewReader(content), int64(len(content)), 1700000000)
	if err != nil {
		t.Fatalf("ComputeFingerprint() error: %v", err)
	}
	if fp.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", fp.Size, len(content))
	}
	if fp.MTime != 1700000000 {
		t.Errorf("MTime = %d, want 1700000000", fp.MTime)
	}

	// Recomputing over identical content must be deterministic.
	fp2, err := ComputeFingerprint(bytes.NewReader(content), int64(len(content)), 1700000000)
	if err != nil {
		t.Fatalf("second ComputeFingerprint() error: %v", err)
	}
	if fp.CRC != fp2.CRC {
		t.Errorf("CRC not deterministic: %v != %v", fp.CRC, fp2.CRC)
	}
}

func TestComputeFingerprint_EmptyFile(t *testing.T) {
	fp, err := ComputeFingerprint(bytes.NewReader(nil), 0, 0)
	if err != nil {
		t.Fatalf("ComputeFingerprint() error: %v", err)
	}
	if fp.CRC != ([4]int32{}) {
		t.Errorf("CRC for empty file = %v, want zero value", fp.CRC)
	}
}
