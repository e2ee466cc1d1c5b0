package xfer

import "testing"

func TestConnState_String(t *testing.T) {
	cases := []struct {
		s    ConnState
		want string
	}{
		{CReady, "READY"},
		{CPrepared, "PREPARED"},
		{CInflight, "INFLIGHT"},
		{CSuccess, "SUCCESS"},
		{CDecrypting, "DECRYPTING"},
		{CDecrypted, "DECRYPTED"},
		{CEncrypting, "ENCRYPTING"},
		{CAsyncIO, "ASYNCIO"},
		{CFailure, "FAILURE"},
		{CDone, "DONE"},
		{ConnState(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("%d.String() = %q, want %q", c.s, got, c.want)
		}
	}
}

func TestNewConnection_Download(t *testing.T) {
	c := newConnection(0, nil, true)
	if c.State != CReady {
		t.Errorf("State = %v, want CReady", c.State)
	}
	if c.payload.download == nil {
		t.Fatalf("payload.download is nil for a GET connection")
	}
	if c.payload.upload != nil {
		t.Errorf("payload.upload non-nil for a GET connection")
	}
}

func TestNewConnection_Upload(t *testing.T) {
	c := newConnection(1, nil, false)
	if c.payload.upload == nil {
		t.Fatalf("payload.upload is nil for a PUT connection")
	}
	if c.payload.upload.localMacs == nil {
		t.Errorf("localMacs not initialized for a PUT connection")
	}
	if c.payload.download != nil {
		t.Errorf("payload.download non-nil for a PUT connection")
	}
}

func TestConnection_MarkDiscardIsDiscarded(t *testing.T) {
	c := newConnection(0, nil, true)
	if c.IsDiscarded() {
		t.Fatalf("IsDiscarded() true before MarkDiscard")
	}
	c.MarkDiscard()
	if !c.IsDiscarded() {
		t.Errorf("IsDiscarded() false after MarkDiscard")
	}
}

func TestConnection_Reset(t *testing.T) {
	c := newConnection(0, nil, true)
	c.State = CSuccess
	c.Piece = &FilePiece{Pos: 5}
	c.payload.download.bufferReleased = true

	c.reset()

	if c.State != CReady {
		t.Errorf("State after reset = %v, want CReady", c.State)
	}
	if c.Piece != nil {
		t.Errorf("Piece after reset = %v, want nil", c.Piece)
	}
	if c.payload.download.bufferReleased {
		t.Errorf("bufferReleased after reset = true, want false")
	}
}
