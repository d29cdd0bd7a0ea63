package tftp

import (
	"bytes"
	"os"
	"testing"
	"time"
)

// startTestServer binds the request transport on a kernel-chosen port
// and returns the port to aim the client at.
func startTestServer(t *testing.T) (uint16, *Server) {
	t.Helper()
	tr, err := Open(0)
	if err != nil {
		t.Fatalf("open request transport: %v", err)
	}
	s := &Server{Timeout: 2 * time.Second}
	go func() { _ = s.serve(tr) }()
	t.Cleanup(s.Close)
	return tr.LocalPort(), s
}

// chdir changes the working directory to dir for the duration of the test,
// restoring the original directory on cleanup (mirrors testing.T.Chdir).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore chdir: %v", err)
		}
	})
}

func testClient(port uint16) *Client {
	return &Client{Host: "127.0.0.1", Port: port, Timeout: 2 * time.Second}
}

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%17)
	}
	return b
}

func TestOctetReadRoundTrip(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	content := patternBytes(1300) // two full blocks and a short tail
	if err := os.WriteFile("served.bin", content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var sink bytes.Buffer
	if err := testClient(port).Read("served.bin", &sink); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), content) {
		t.Fatalf("read %d bytes, want %d", sink.Len(), len(content))
	}
}

func TestOctetReadBlockAlignedFile(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	content := patternBytes(2 * BlockSize) // forces a zero-length final block
	if err := os.WriteFile("aligned.bin", content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var sink bytes.Buffer
	if err := testClient(port).Read("aligned.bin", &sink); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), content) {
		t.Fatalf("read %d bytes, want %d", sink.Len(), len(content))
	}
}

func TestOctetWriteRoundTrip(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	content := patternBytes(900)
	if err := testClient(port).Write("stored.bin", bytes.NewReader(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := os.ReadFile("stored.bin")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("stored %d bytes, want %d", len(got), len(content))
	}
}

func TestReadMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	var sink bytes.Buffer
	err := testClient(port).Read("no-such-file", &sink)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "tftp: server: File not found" {
		t.Fatalf("err = %q", got)
	}
}

func TestNetASCIITransferViaRawPackets(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	raw := []byte("line one\nline two\ncr here\rend")
	if err := os.WriteFile("text.txt", raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	server, err := Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr, err := OpenEphemeral()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(server, Request{Op: OpRRQ, Filename: "text.txt", Mode: ModeNetASCII}); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}

	var encoded []byte
	block := uint16(1)
	for {
		r, err := tr.Receive(2 * time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		d, ok := r.Packet.(Data)
		if !ok {
			t.Fatalf("got %+v, want DATA", r.Packet)
		}
		if d.Block != block {
			t.Fatalf("block = %d, want %d", d.Block, block)
		}
		encoded = append(encoded, d.Payload...)
		if err := tr.Send(r.From, Ack{Block: d.Block}); err != nil {
			t.Fatalf("send ACK: %v", err)
		}
		if len(d.Payload) < BlockSize {
			break
		}
		block++
	}

	if !bytes.Equal(encoded, ToNetASCII(raw)) {
		t.Fatalf("wire payload = %q, want NetASCII encoding", encoded)
	}
	if !bytes.Equal(FromNetASCII(encoded), raw) {
		t.Fatalf("decoded = %q, want %q", FromNetASCII(encoded), raw)
	}
}

func TestNetASCIIWriteDecodedAtCompletion(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	server, err := Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr, err := OpenEphemeral()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(server, Request{Op: OpWRQ, Filename: "out.txt", Mode: ModeNetASCII}); err != nil {
		t.Fatalf("send WRQ: %v", err)
	}
	r, err := tr.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if a, ok := r.Packet.(Ack); !ok || a.Block != 0 {
		t.Fatalf("got %+v, want ACK(0)", r.Packet)
	}

	raw := []byte("hello\nworld\n")
	if err := tr.Send(r.From, Data{Block: 1, Payload: ToNetASCII(raw)}); err != nil {
		t.Fatalf("send DATA: %v", err)
	}
	r, err = tr.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if a, ok := r.Packet.(Ack); !ok || a.Block != 1 {
		t.Fatalf("got %+v, want ACK(1)", r.Packet)
	}

	got, err := os.ReadFile("out.txt")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("file = %q, want %q", got, raw)
	}
}

func TestDuplicateDataIsReacknowledged(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	server, err := Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr, err := OpenEphemeral()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(server, Request{Op: OpWRQ, Filename: "dup.bin", Mode: ModeOctet}); err != nil {
		t.Fatalf("send WRQ: %v", err)
	}
	r, err := tr.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	peer := r.From

	full := patternBytes(BlockSize)
	if err := tr.Send(peer, Data{Block: 1, Payload: full}); err != nil {
		t.Fatalf("send DATA: %v", err)
	}
	r, err = tr.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if a, ok := r.Packet.(Ack); !ok || a.Block != 1 {
		t.Fatalf("got %+v, want ACK(1)", r.Packet)
	}

	// Pretend the acknowledgement was lost and retransmit the block.
	if err := tr.Send(peer, Data{Block: 1, Payload: full}); err != nil {
		t.Fatalf("resend DATA: %v", err)
	}
	r, err = tr.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive after duplicate: %v", err)
	}
	if a, ok := r.Packet.(Ack); !ok || a.Block != 1 {
		t.Fatalf("duplicate DATA answered with %+v, want ACK(1)", r.Packet)
	}
}

func TestRequestPortRejectsNonRequest(t *testing.T) {
	chdir(t, t.TempDir())
	port, _ := startTestServer(t)

	server, err := Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr, err := OpenEphemeral()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(server, Ack{Block: 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	r, err := tr.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	e, ok := r.Packet.(Error)
	if !ok || e.Code != ErrIllegalOpcode {
		t.Fatalf("got %+v, want ERROR(ILLEGAL_OPCODE)", r.Packet)
	}
}

func TestClientRejectsForeignTransferID(t *testing.T) {
	// A fake server answers the request from one socket, then a
	// stranger interferes from another; the client must answer the
	// stranger with UNKNOWN_TRANSFER_ID and finish the transfer.
	fake, err := OpenEphemeral()
	if err != nil {
		t.Fatalf("open fake server: %v", err)
	}
	defer fake.Close()
	stranger, err := OpenEphemeral()
	if err != nil {
		t.Fatalf("open stranger: %v", err)
	}
	defer stranger.Close()

	done := make(chan error, 1)
	var sink bytes.Buffer
	go func() {
		c := &Client{Host: "127.0.0.1", Port: fake.LocalPort(), Timeout: 2 * time.Second}
		done <- c.Read("f", &sink)
	}()

	// Serve block 1 (full) from the fake server.
	r, err := fake.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("fake server receive: %v", err)
	}
	if _, ok := r.Packet.(Request); !ok {
		t.Fatalf("got %+v, want RRQ", r.Packet)
	}
	client := r.From
	if err := fake.Send(client, Data{Block: 1, Payload: patternBytes(BlockSize)}); err != nil {
		t.Fatalf("fake server send: %v", err)
	}
	if _, err := fake.Receive(2 * time.Second); err != nil {
		t.Fatalf("fake server await ACK: %v", err)
	}

	// Interfere from a different port.
	if err := stranger.Send(client, Data{Block: 2, Payload: []byte("bogus")}); err != nil {
		t.Fatalf("stranger send: %v", err)
	}
	sr, err := stranger.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("stranger receive: %v", err)
	}
	if e, ok := sr.Packet.(Error); !ok || e.Code != ErrUnknownTransferID {
		t.Fatalf("stranger got %+v, want ERROR(UNKNOWN_TRANSFER_ID)", sr.Packet)
	}

	// Finish the real transfer with a short block.
	if err := fake.Send(client, Data{Block: 2, Payload: []byte("tail")}); err != nil {
		t.Fatalf("fake server send tail: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if got := sink.Len(); got != BlockSize+4 {
		t.Fatalf("sink = %d bytes, want %d", got, BlockSize+4)
	}
}
