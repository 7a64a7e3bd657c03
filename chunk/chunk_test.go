package chunk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
	"github.com/CloudNetService/CloudNet-sub027/transport"
)

type memSink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	closed    bool
	discarded bool
}

func (m *memSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) Discard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = true
	return nil
}

func (m *memSink) state() ([]byte, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.buf.Bytes()), m.closed, m.discarded
}

// connect wires a sender side channel to a receiver over an in-memory pipe.
func connect(t *testing.T, r *Receiver) (*transport.Channel, *transport.Channel) {
	t.Helper()
	a, b := net.Pipe()
	ls := transport.NewListeners()
	r.Listen(ls)
	remote := transport.New(b, ls, transport.WithHeartbeat(0))
	local := transport.New(a, transport.NewListeners(), transport.WithHeartbeat(0))
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

// sinkRecorder registers a handler on transfer channel "test" that hands out
// memory sinks and reports their outcome.
type sinkRecorder struct {
	mu     sync.Mutex
	sinks  []*memSink
	status chan Status
}

func record(r *Receiver) *sinkRecorder {
	rec := &sinkRecorder{status: make(chan Status, 8)}
	r.RegisterHandler("test", func(info SessionInfo) (Handler, error) {
		s := &memSink{}
		rec.mu.Lock()
		rec.sinks = append(rec.sinks, s)
		rec.mu.Unlock()
		return Handler{Sink: s, Done: func(_ SessionInfo, st Status) { rec.status <- st }}, nil
	})
	return rec
}

func (rec *sinkRecorder) sink(t *testing.T, i int) *memSink {
	t.Helper()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if i >= len(rec.sinks) {
		t.Fatalf("expect at least %d sessions, got %d", i+1, len(rec.sinks))
	}
	return rec.sinks[i]
}

func (rec *sinkRecorder) wait(t *testing.T) Status {
	t.Helper()
	select {
	case st := <-rec.status:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("session never completed")
		return Failure
	}
}

func sendAndWait(t *testing.T, s *Sender, src io.Reader, dests ...Destination) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := s.Send(ctx, src, dests...).Get(ctx)
	if err != nil {
		t.Fatalf("transfer did not complete: %v", err)
	}
	return st
}

func TestReassembly(t *testing.T) {
	const k = 16
	for _, n := range []int{0, 1, k - 1, k, k + 1, 7*k + 3} {
		r := NewReceiver()
		rec := record(r)
		local, _ := connect(t, r)

		data := make([]byte, n)
		rand.Read(data)
		st := sendAndWait(t, NewSender(WithTransferChannel("test"), WithChunkSize(k)), bytes.NewReader(data), local)
		if st != Success {
			t.Fatalf("n=%d: transfer status %v", n, st)
		}
		if got := rec.wait(t); got != Success {
			t.Fatalf("n=%d: receiver status %v", n, got)
		}
		got, closed, discarded := rec.sink(t, 0).state()
		if !bytes.Equal(got, data) {
			t.Fatalf("n=%d: reassembled %d bytes, want %d", n, len(got), n)
		}
		if !closed || discarded {
			t.Fatalf("n=%d: sink closed=%v discarded=%v", n, closed, discarded)
		}
		if r.Sessions() != 0 {
			t.Fatalf("n=%d: session not released", n)
		}
	}
}

func chunkPacket(session uuid.UUID, seq int32, final bool, payload string) *protocol.Packet {
	c := Chunk{Session: session, Seq: seq, Final: final, Payload: []byte(payload)}
	return protocol.NewPacket(protocol.ChannelChunkTransfer, c.Marshal())
}

func TestOutOfOrderAbortsSession(t *testing.T) {
	r := NewReceiver()
	sink := &memSink{}
	info := SessionInfo{ID: uuid.New(), TransferChannel: "local", ChunkSize: 4}
	result, err := r.Open(info, func(SessionInfo) (io.WriteCloser, error) { return sink, nil })
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	r.HandlePacket(nil, chunkPacket(info.ID, 0, false, "aaaa"))
	r.HandlePacket(nil, chunkPacket(info.ID, 2, false, "cccc"))
	r.HandlePacket(nil, chunkPacket(info.ID, 1, true, "bb"))

	if st := result.GetTimeout(5*time.Second, Success); st != Failure {
		t.Fatalf("expect Failure, got %v", st)
	}
	got, closed, discarded := sink.state()
	if !discarded || closed {
		t.Fatalf("expect discarded sink, closed=%v discarded=%v", closed, discarded)
	}
	if string(got) == "aaaabbcccc" || string(got) == "aaaaccccbb" {
		t.Fatalf("session reassembled out of order: %q", got)
	}
	if r.Sessions() != 0 {
		t.Fatal("aborted session still registered")
	}
}

func TestDuplicateOpenRejected(t *testing.T) {
	r := NewReceiver()
	info := SessionInfo{ID: uuid.New(), ChunkSize: 1}
	sinks := func(SessionInfo) (io.WriteCloser, error) { return &memSink{}, nil }
	if _, err := r.Open(info, sinks); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open(info, sinks); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expect ErrSessionExists, got %v", err)
	}
	if _, err := r.Open(SessionInfo{ID: uuid.New()}, sinks); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expect ErrInvalidSession for chunk size 0, got %v", err)
	}
}

func TestPreOpenedSessionAcceptsRemoteOpen(t *testing.T) {
	r := NewReceiver() // no handlers at all
	local, _ := connect(t, r)

	sink := &memSink{}
	s := NewSender(WithChunkSize(8))
	// without handlers a regular transfer is rejected
	if st := sendAndWait(t, s, bytes.NewReader([]byte("payload")), local); st != Failure {
		t.Fatalf("expect Failure without handler, got %v", st)
	}

	info := SessionInfo{ID: uuid.New(), ChunkSize: 8}
	result, err := r.Open(info, func(SessionInfo) (io.WriteCloser, error) { return sink, nil })
	if err != nil {
		t.Fatal(err)
	}
	f, err := local.SendQuery(protocol.NewPacket(protocol.ChannelChunkSession, control{op: opOpen, info: info}.marshal()))
	if err != nil {
		t.Fatal(err)
	}
	if st := statusOf(f.GetTimeout(5*time.Second, nil)); st != Success {
		t.Fatalf("pre-opened session rejected: %v", st)
	}
	local.SendPacket(chunkPacket(info.ID, 0, false, "12345678"))
	final, err := local.SendQuery(chunkPacket(info.ID, 1, true, "9"))
	if err != nil {
		t.Fatal(err)
	}
	if st := statusOf(final.GetTimeout(5*time.Second, nil)); st != Success {
		t.Fatalf("final chunk answered %v", st)
	}
	if st := result.GetTimeout(time.Second, Failure); st != Success {
		t.Fatalf("local future got %v", st)
	}
	if got, _, _ := sink.state(); string(got) != "123456789" {
		t.Fatalf("sink holds %q", got)
	}
}

func TestNoHandler(t *testing.T) {
	r := NewReceiver()
	record(r)
	local, _ := connect(t, r)

	st := sendAndWait(t, NewSender(WithTransferChannel("nobody")), bytes.NewReader([]byte("x")), local)
	if st != Failure {
		t.Fatalf("expect Failure, got %v", st)
	}
	if r.Sessions() != 0 {
		t.Fatal("rejected session registered")
	}
}

func TestUnknownSessionFinalChunk(t *testing.T) {
	r := NewReceiver()
	local, _ := connect(t, r)
	f, err := local.SendQuery(chunkPacket(uuid.New(), 0, true, ""))
	if err != nil {
		t.Fatal(err)
	}
	resp := f.GetTimeout(5*time.Second, nil)
	if resp == nil || resp.IsEmpty() || statusOf(resp) != Failure {
		t.Fatalf("expect explicit Failure answer, got %+v", resp)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestSourceErrorAborts(t *testing.T) {
	r := NewReceiver()
	rec := record(r)
	local, _ := connect(t, r)

	src := &failingReader{data: bytes.Repeat([]byte("z"), 40), err: errors.New("disk gone")}
	st := sendAndWait(t, NewSender(WithTransferChannel("test"), WithChunkSize(16)), src, local)
	if st != Failure {
		t.Fatalf("expect Failure, got %v", st)
	}
	if got := rec.wait(t); got != Failure {
		t.Fatalf("receiver status %v", got)
	}
	if _, _, discarded := rec.sink(t, 0).state(); !discarded {
		t.Fatal("partial output not discarded")
	}
	select {
	case extra := <-rec.status:
		t.Fatalf("session reported twice, second %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcast(t *testing.T) {
	r1, r2 := NewReceiver(), NewReceiver()
	rec1, rec2 := record(r1), record(r2)
	d1, _ := connect(t, r1)
	d2, _ := connect(t, r2)

	data := bytes.Repeat([]byte("template"), 100)
	st := sendAndWait(t, NewSender(WithTransferChannel("test"), WithChunkSize(64)), bytes.NewReader(data), d1, d2)
	if st != Success {
		t.Fatalf("broadcast status %v", st)
	}
	for i, rec := range []*sinkRecorder{rec1, rec2} {
		rec.wait(t)
		if got, _, _ := rec.sink(t, 0).state(); !bytes.Equal(got, data) {
			t.Fatalf("receiver %d got %d bytes", i, len(got))
		}
	}
}

func TestBroadcastWithRefusingDestination(t *testing.T) {
	accepting, refusing := NewReceiver(), NewReceiver()
	rec := record(accepting)
	d1, _ := connect(t, accepting)
	d2, _ := connect(t, refusing) // no handler for "test"

	st := sendAndWait(t, NewSender(WithTransferChannel("test"), WithChunkSize(4)), bytes.NewReader([]byte("hello world")), d1, d2)
	if st != Failure {
		t.Fatalf("expect Failure when one destination refuses, got %v", st)
	}
	// the destination that accepted still gets the whole stream
	if got := rec.wait(t); got != Success {
		t.Fatalf("accepting receiver status %v", got)
	}
	if got, closed, _ := rec.sink(t, 0).state(); string(got) != "hello world" || !closed {
		t.Fatalf("accepting receiver holds %q (closed %v)", got, closed)
	}
	if refusing.Sessions() != 0 {
		t.Fatal("refusing receiver registered a session")
	}
}

func openQuery(t *testing.T, ch *transport.Channel, info SessionInfo) *future.Future[*protocol.Packet] {
	t.Helper()
	f, err := ch.SendQuery(protocol.NewPacket(protocol.ChannelChunkSession, control{op: opOpen, info: info}.marshal()))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSlowFactoryDoesNotBlockChannel(t *testing.T) {
	r := NewReceiver()
	release := make(chan struct{})
	sink := &memSink{}
	r.RegisterHandler("slow", func(SessionInfo) (Handler, error) {
		<-release
		return Handler{Sink: sink}, nil
	})
	local, _ := connect(t, r)

	slow := openQuery(t, local, SessionInfo{ID: uuid.New(), TransferChannel: "slow", ChunkSize: 4})
	// answered while the first factory is still blocked
	other := openQuery(t, local, SessionInfo{ID: uuid.New(), TransferChannel: "missing", ChunkSize: 4})
	if resp := other.GetTimeout(2*time.Second, nil); resp == nil || resp.IsEmpty() || statusOf(resp) != Failure {
		t.Fatalf("second open not answered while the factory blocks: %+v", resp)
	}
	if slow.IsDone() {
		t.Fatal("open answered before its factory returned")
	}

	close(release)
	if st := statusOf(slow.GetTimeout(5*time.Second, nil)); st != Success {
		t.Fatalf("slow open answered %v", st)
	}
	if r.Sessions() != 1 {
		t.Fatalf("expect 1 session, got %d", r.Sessions())
	}
}

func TestAbortWhileOpening(t *testing.T) {
	r := NewReceiver()
	entered := make(chan struct{})
	release := make(chan struct{})
	sink := &memSink{}
	r.RegisterHandler("slow", func(SessionInfo) (Handler, error) {
		close(entered)
		<-release
		return Handler{Sink: sink}, nil
	})
	local, _ := connect(t, r)

	info := SessionInfo{ID: uuid.New(), TransferChannel: "slow", ChunkSize: 4}
	f := openQuery(t, local, info)
	<-entered
	if err := local.SendPacket(protocol.NewPacket(protocol.ChannelChunkSession, control{op: opAbort, info: info}.marshal())); err != nil {
		t.Fatal(err)
	}
	// packets are handled in order, so once this is answered the abort was seen
	barrier := openQuery(t, local, SessionInfo{ID: uuid.New(), TransferChannel: "missing", ChunkSize: 4})
	barrier.GetTimeout(2*time.Second, nil)

	close(release)
	if st := statusOf(f.GetTimeout(5*time.Second, nil)); st != Failure {
		t.Fatalf("expect aborted open to be refused, got %v", st)
	}
	if _, _, discarded := sink.state(); !discarded {
		t.Fatal("sink of the aborted open not discarded")
	}
	if r.Sessions() != 0 {
		t.Fatalf("aborted open left %d sessions", r.Sessions())
	}
}

func TestNoDestinations(t *testing.T) {
	if st := sendAndWait(t, NewSender(), bytes.NewReader(nil)); st != Success {
		t.Fatalf("expect Success without destinations, got %v", st)
	}
}

func TestChannelCloseFailsSession(t *testing.T) {
	r := NewReceiver()
	rec := record(r)
	local, remote := connect(t, r)

	src, w := io.Pipe()
	defer w.Close()
	result := NewSender(WithTransferChannel("test"), WithChunkSize(4)).Send(context.Background(), src, local)
	w.Write([]byte("abcd")) // one full chunk, the transfer then blocks on the source

	deadline := time.Now().Add(5 * time.Second)
	for r.Sessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	remote.Close()

	if got := rec.wait(t); got != Failure {
		t.Fatalf("expect Failure after channel close, got %v", got)
	}
	w.CloseWithError(errors.New("stop"))
	if st := result.GetTimeout(5*time.Second, Success); st != Failure {
		t.Fatalf("sender status %v", st)
	}
}

func TestRateLimit(t *testing.T) {
	r := NewReceiver()
	record(r)
	local, _ := connect(t, r)

	s := NewSender(WithTransferChannel("test"), WithChunkSize(512), WithRateLimit(1024))
	start := time.Now()
	if st := sendAndWait(t, s, bytes.NewReader(make([]byte, 2048)), local); st != Success {
		t.Fatalf("status %v", st)
	}
	// 1024 bytes of burst, the other 1024 take about a second
	if elapsed := time.Since(start); elapsed < 700*time.Millisecond {
		t.Fatalf("rate limit not applied, took %v", elapsed)
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSink(dir, "lobby.tar.zst")
	if err != nil {
		t.Fatal(err)
	}
	s.Write([]byte("content"))
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatal("target visible before Close")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "lobby.tar.zst")); string(got) != "content" {
		t.Fatalf("file holds %q", got)
	}

	d, err := NewFileSink(dir, "broken")
	if err != nil {
		t.Fatal(err)
	}
	d.Write([]byte("partial"))
	if err := d.Discard(); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expect only the completed file, found %d entries", len(entries))
	}
}

func TestWireFormat(t *testing.T) {
	c := Chunk{Session: uuid.New(), Seq: 300, Final: true, Payload: []byte{1, 2, 3}}
	raw := c.Marshal()
	want := append(append([]byte{}, c.Session[:]...), 0xac, 0x02, 1, 3, 1, 2, 3)
	if !bytes.Equal(raw, want) {
		t.Fatalf("chunk layout:\n got %x\nwant %x", raw, want)
	}
	back, err := UnmarshalChunk(raw)
	if err != nil || back.Seq != 300 || !back.Final || !bytes.Equal(back.Payload, c.Payload) {
		t.Fatalf("UnmarshalChunk = %+v %v", back, err)
	}
	if _, err := UnmarshalChunk(raw[:10]); err == nil {
		t.Fatal("truncated chunk decoded")
	}

	info := SessionInfo{ID: uuid.New(), TransferChannel: "deploy", ChunkSize: 1024, ExtraData: []byte("x")}
	ctl, err := unmarshalControl(control{op: opOpen, info: info}.marshal())
	if err != nil || ctl.info.TransferChannel != "deploy" || ctl.info.ChunkSize != 1024 || string(ctl.info.ExtraData) != "x" {
		t.Fatalf("control round trip = %+v %v", ctl, err)
	}
}

type brokenDestination struct{}

func (brokenDestination) SendPacket(*protocol.Packet) error { return transport.ErrClosed }

func (brokenDestination) SendQuery(*protocol.Packet) (*future.Future[*protocol.Packet], error) {
	return nil, transport.ErrClosed
}

func TestFailedRepliesAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	local, _ := connect(t, NewReceiver())
	local.Close()
	p := &protocol.Packet{Channel: protocol.ChannelChunkSession, ID: uuid.New()}
	reply(log, local, p, Success)
	if n := logs.FilterMessage("cannot answer chunk packet").Len(); n != 1 {
		t.Fatalf("expect 1 log entry for the failed reply, got %d", n)
	}

	s := NewSender(WithSenderLogger(log))
	s.abort(SessionInfo{ID: uuid.New(), ChunkSize: 1}, []Destination{brokenDestination{}})
	if n := logs.FilterMessage("cannot send chunk session abort").Len(); n != 1 {
		t.Fatalf("expect 1 log entry for the failed abort, got %d", n)
	}
}
