package server

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/common"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testSeq atomic.Int32

func TestMain(m *testing.M) {
	if err := common.InitLoggers("error"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func testConfig(mutate func(c *common.ServerConfig)) common.ServerConfig {
	conf := common.ServerConfig{
		Name:            fmt.Sprintf("srvtest-%d-%d", os.Getpid(), testSeq.Add(1)),
		Host:            "127.0.0.1",
		RecvThreads:     2,
		WorkThreads:     2,
		QueuesPerWorker: 2,
		Queue:           common.QueueConf{Slots: 16, SlotSize: 256},
		ScanTimeout:     50 * time.Millisecond,
		IdleTimeout:     time.Minute,
	}
	if mutate != nil {
		mutate(&conf)
	}
	return conf
}

func newTestServer(t *testing.T, mutate func(c *common.ServerConfig)) *Server {
	t.Helper()
	srv, err := New(testConfig(mutate))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(srv.Destroy)
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectClosed waits until the server closes conn
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "reset") {
			return
		}
		t.Fatalf("expected connection close, got %v", err)
	}
}

type received struct {
	msgType uint16
	payload []byte
	arg     any
}

func recordingHandler(ch chan<- received) HandleFunc {
	return func(msgType uint16, payload []byte, arg any) error {
		ch <- received{msgType: msgType, payload: bytes.Clone(payload), arg: arg}
		return nil
	}
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

func TestDeliverSingleMessage(t *testing.T) {
	srv := newTestServer(t, nil)
	got := make(chan received, 4)
	if err := srv.Register(42, recordingHandler(got), "ctx"); err != nil {
		t.Fatal(err)
	}
	if err := srv.Startup(); err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 128)
	conn := dial(t, srv)
	if _, err := conn.Write(common.EncodeMessage(42, common.FlagApplication, payload)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		if msg.msgType != 42 || !bytes.Equal(msg.payload, payload) || msg.arg != "ctx" {
			t.Fatalf("unexpected delivery: type %d, %d bytes, arg %v", msg.msgType, len(msg.payload), msg.arg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}

	waitFor(t, "processed counter", func() bool { return srv.Stats().Processed == 1 })
	st := srv.Stats()
	if st.Received != 1 || st.Dropped != 0 || st.RecvErrors != 0 {
		t.Errorf("unexpected counters: %+v", st)
	}
	if st.Connections != 1 || st.Accepted != 1 {
		t.Errorf("expected one connection, got %d (accepted %d)", st.Connections, st.Accepted)
	}
	if st.AveragePayload != 128 {
		t.Errorf("expected average payload 128, got %d", st.AveragePayload)
	}

	select {
	case msg := <-got:
		t.Fatalf("handler invoked twice, second type %d", msg.msgType)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDeliverFragmentedStream writes several messages split at arbitrary points
func TestDeliverFragmentedStream(t *testing.T) {
	srv := newTestServer(t, nil)
	got := make(chan received, 16)
	_ = srv.Register(7, recordingHandler(got), nil)
	_ = srv.Startup()

	var stream []byte
	for i := 0; i < 10; i++ {
		stream = append(stream, common.EncodeMessage(7, common.FlagApplication, []byte(fmt.Sprintf("msg-%d", i)))...)
	}

	conn := dial(t, srv)
	for off := 0; off < len(stream); off += 5 {
		end := min(off+5, len(stream))
		if _, err := conn.Write(stream[off:end]); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		select {
		case msg := <-got:
			seen[string(msg.payload)] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 10 messages delivered", i)
		}
	}
	for i := 0; i < 10; i++ {
		if !seen[fmt.Sprintf("msg-%d", i)] {
			t.Errorf("msg-%d missing", i)
		}
	}
}

func TestEmptyPayloadAndUnregisteredType(t *testing.T) {
	srv := newTestServer(t, nil)
	got := make(chan received, 4)
	_ = srv.Register(1, recordingHandler(got), nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	_, _ = conn.Write(common.EncodeMessage(1, common.FlagApplication, nil))
	_, _ = conn.Write(common.EncodeMessage(2, common.FlagApplication, []byte("nobody listens")))

	select {
	case msg := <-got:
		if len(msg.payload) != 0 {
			t.Errorf("expected empty payload, got %d bytes", len(msg.payload))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("empty message not delivered")
	}

	// the unregistered type is consumed without an error
	waitFor(t, "both messages processed", func() bool { return srv.Stats().Processed == 2 })
	if st := srv.Stats(); st.WorkErrors != 0 {
		t.Errorf("expected no worker errors, got %d", st.WorkErrors)
	}
}

// TestBatchedNotificationSweep checks that messages below the notify batch are
// still drained by the periodic sweeps
func TestBatchedNotificationSweep(t *testing.T) {
	srv := newTestServer(t, func(c *common.ServerConfig) { c.NotifyBatch = 1000 })
	got := make(chan received, 8)
	_ = srv.Register(3, recordingHandler(got), nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	for i := 0; i < 5; i++ {
		_, _ = conn.Write(common.EncodeMessage(3, common.FlagApplication, []byte{byte(i)}))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-got:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 5 messages delivered", i)
		}
	}
}

// --------------------------------------------------------------------------
// Protocol errors and backpressure
// --------------------------------------------------------------------------

func TestCorruptMarkClosesConnection(t *testing.T) {
	srv := newTestServer(t, nil)
	got := make(chan received, 1)
	_ = srv.Register(42, recordingHandler(got), nil)
	_ = srv.Startup()

	frame := common.EncodeMessage(42, common.FlagApplication, []byte("payload"))
	frame[7] ^= 0xFF

	conn := dial(t, srv)
	_, _ = conn.Write(frame)
	expectClosed(t, conn)

	waitFor(t, "error counter", func() bool { return srv.Stats().RecvErrors == 1 })
	st := srv.Stats()
	if st.Received != 0 {
		t.Errorf("corrupt message counted as received: %+v", st)
	}
	waitFor(t, "connection cleanup", func() bool { return srv.Stats().Connections == 0 })

	select {
	case <-got:
		t.Fatal("handler invoked for a corrupt message")
	case <-time.After(100 * time.Millisecond):
	}

	// every slot went back to its queue
	for i, q := range srv.queues {
		if q.Available() != q.Cap() {
			t.Errorf("queue %d leaked %d slots", i, q.Cap()-q.Available())
		}
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	srv := newTestServer(t, nil)
	_ = srv.Startup()

	hdr := common.NewHeader(5, common.FlagApplication, 1<<20)
	buf := make([]byte, common.HeaderSize)
	_ = hdr.Encode(buf)

	conn := dial(t, srv)
	_, _ = conn.Write(buf)
	expectClosed(t, conn)
	waitFor(t, "error counter", func() bool { return srv.Stats().RecvErrors == 1 })
}

func TestFullQueuesDiscard(t *testing.T) {
	srv := newTestServer(t, func(c *common.ServerConfig) {
		c.RecvThreads = 1
		c.WorkThreads = 1
		c.QueuesPerWorker = 1
		c.Queue.Slots = 1
	})

	started := make(chan struct{}, 4)
	unblock := make(chan struct{})
	_ = srv.Register(9, func(uint16, []byte, any) error {
		started <- struct{}{}
		<-unblock
		return nil
	}, nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	_, _ = conn.Write(common.EncodeMessage(9, common.FlagApplication, []byte("first")))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first message not dispatched")
	}

	// the only slot is held by the blocked handler
	_, _ = conn.Write(common.EncodeMessage(9, common.FlagApplication, []byte("second")))
	_, _ = conn.Write(common.EncodeMessage(9, common.FlagApplication, []byte("third")))
	waitFor(t, "two drops", func() bool { return srv.Stats().Dropped == 2 })
	close(unblock)

	waitFor(t, "first processed", func() bool { return srv.Stats().Processed == 1 })
	st := srv.Stats()
	if st.Received != 3 || st.RecvErrors != 0 {
		t.Errorf("unexpected counters: %+v", st)
	}

	// the connection survives and later messages are delivered again
	_, _ = conn.Write(common.EncodeMessage(9, common.FlagApplication, []byte("fourth")))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("message after discard not delivered")
	}
}

func TestHandlerFailuresAreCounted(t *testing.T) {
	srv := newTestServer(t, nil)
	_ = srv.Register(1, func(uint16, []byte, any) error { return errors.New("boom") }, nil)
	_ = srv.Register(2, func(uint16, []byte, any) error { panic("handler bug") }, nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	_, _ = conn.Write(common.EncodeMessage(1, common.FlagApplication, nil))
	_, _ = conn.Write(common.EncodeMessage(2, common.FlagApplication, nil))

	waitFor(t, "worker errors", func() bool { return srv.Stats().WorkErrors == 2 })
	if st := srv.Stats(); st.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", st.Processed)
	}
}

// --------------------------------------------------------------------------
// System messages and connection lifecycle
// --------------------------------------------------------------------------

func TestKeepaliveReply(t *testing.T) {
	srv := newTestServer(t, nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	_, _ = conn.Write(common.NewKeepaliveRequest())

	reply := make([]byte, common.HeaderSize)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("no keepalive reply: %v", err)
	}
	hdr, err := common.DecodeHeader(reply)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != common.SysTypeKeepaliveReply || hdr.Flag != common.FlagSystem || hdr.Length != 0 {
		t.Errorf("unexpected reply %s", hdr)
	}
	if st := srv.Stats(); st.Received != 0 {
		t.Errorf("system message counted as application message: %+v", st)
	}
}

func TestLinkInfo(t *testing.T) {
	srv := newTestServer(t, func(c *common.ServerConfig) { c.RecvThreads = 1 })
	_ = srv.Startup()

	conn := dial(t, srv)
	_, _ = conn.Write(common.NewLinkInfoReport(true))

	r := srv.receivers[0]
	waitFor(t, "connection", func() bool { return srv.Stats().Connections == 1 })

	// the connection state is owned by the receive loop, probe it through a keepalive round trip
	_, _ = conn.Write(common.NewKeepaliveRequest())
	reply := make([]byte, common.HeaderSize)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if r.stats.errors.Value() != 0 {
		t.Errorf("link info caused an error")
	}
}

func TestIdleConnectionIsClosed(t *testing.T) {
	srv := newTestServer(t, func(c *common.ServerConfig) { c.IdleTimeout = 150 * time.Millisecond })
	_ = srv.Startup()

	conn := dial(t, srv)
	waitFor(t, "connection", func() bool { return srv.Stats().Connections == 1 })
	expectClosed(t, conn)
	waitFor(t, "connection cleanup", func() bool { return srv.Stats().Connections == 0 })
}

func TestPeerCloseIsNotAnError(t *testing.T) {
	srv := newTestServer(t, nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	waitFor(t, "connection", func() bool { return srv.Stats().Connections == 1 })
	_ = conn.Close()
	waitFor(t, "connection cleanup", func() bool { return srv.Stats().Connections == 0 })
	if st := srv.Stats(); st.RecvErrors != 0 {
		t.Errorf("orderly close counted as error")
	}
}

// warmNetpoll makes the runtime create its own poller descriptors before counting
func warmNetpoll(t *testing.T) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Close()
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot list descriptors: %v", err)
	}
	return len(entries)
}

// TestDestroyReleasesDescriptors runs a full lifecycle with open connections
// and checks that no descriptor survives Destroy
func TestDestroyReleasesDescriptors(t *testing.T) {
	warmNetpoll(t)
	before := openFDs(t)

	for round := 0; round < 3; round++ {
		srv, err := New(testConfig(nil))
		if err != nil {
			t.Fatal(err)
		}
		if err := srv.Startup(); err != nil {
			t.Fatal(err)
		}

		var conns []net.Conn
		for i := 0; i < 8; i++ {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
			if err != nil {
				t.Fatal(err)
			}
			conns = append(conns, conn)
		}
		waitFor(t, "all connections", func() bool { return srv.Stats().Connections == 8 })

		srv.Destroy()
		srv.Destroy()
		for _, c := range conns {
			_ = c.Close()
		}
	}

	waitFor(t, "descriptor count", func() bool { return openFDs(t) <= before })
}

func TestConnectionChurnKeepsDescriptorsStable(t *testing.T) {
	srv := newTestServer(t, nil)
	if err := srv.Startup(); err != nil {
		t.Fatal(err)
	}
	warmNetpoll(t)
	before := openFDs(t)

	bad := common.EncodeMessage(7, common.FlagApplication, []byte("x"))
	bad[7] ^= 0xFF // corrupt the mark

	for cycle := 0; cycle < 50; cycle++ {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
		if err != nil {
			t.Fatal(err)
		}
		if cycle%2 == 1 {
			_, _ = conn.Write(bad)
		}
		_ = conn.Close()
	}

	waitFor(t, "connection cleanup", func() bool { return srv.Stats().Connections == 0 })
	waitFor(t, "descriptor count", func() bool { return openFDs(t) <= before })
}

func TestDestroyWithoutStartup(t *testing.T) {
	warmNetpoll(t)
	before := openFDs(t)
	srv, err := New(testConfig(nil))
	if err != nil {
		t.Fatal(err)
	}
	srv.Destroy()
	if after := openFDs(t); after > before {
		t.Errorf("leaked %d descriptors", after-before)
	}
	if err := srv.Startup(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Registration and configuration
// --------------------------------------------------------------------------

func TestRegister(t *testing.T) {
	srv := newTestServer(t, nil)
	noop := func(uint16, []byte, any) error { return nil }

	if err := srv.Register(10, noop, nil); err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(10, noop, nil); !errors.Is(err, ErrDuplicateHandler) {
		t.Errorf("expected ErrDuplicateHandler, got %v", err)
	}
	if err := srv.Register(common.TypeMax, noop, nil); !errors.Is(err, ErrTypeRange) {
		t.Errorf("expected ErrTypeRange, got %v", err)
	}
	if err := srv.Register(11, nil, nil); err == nil {
		t.Error("expected error for nil handler")
	}

	if err := srv.Startup(); err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(12, noop, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := srv.Startup(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Startup: expected ErrAlreadyStarted, got %v", err)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	if _, err := New(common.ServerConfig{}); !errors.Is(err, common.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for missing name, got %v", err)
	}
	conf := testConfig(func(c *common.ServerConfig) { c.Queue.SlotSize = 4 })
	if _, err := New(conf); !errors.Is(err, common.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for tiny slots, got %v", err)
	}
}

func TestDuplicateServiceName(t *testing.T) {
	srv := newTestServer(t, nil)
	conf := srv.Config()
	conf.Port = 0
	if _, err := New(conf); err == nil {
		t.Fatal("second service with the same name must fail to bind its command sockets")
	}
}

// --------------------------------------------------------------------------
// Queries and metrics
// --------------------------------------------------------------------------

func TestQueries(t *testing.T) {
	srv := newTestServer(t, func(c *common.ServerConfig) { c.RecvThreads = 3 })
	_ = srv.Startup()

	conf := srv.Config()
	ch, err := command.Listen(command.Address("", conf.Name, command.RoleQuery, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	listenAddr := command.Address("", conf.Name, command.RoleListen, 0)

	if err := ch.Send(listenAddr, command.New(command.TypeQueryConfig)); err != nil {
		t.Fatal(err)
	}
	reply, _, err := ch.RecvTimeout(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != command.TypeQueryConfigReply {
		t.Fatalf("unexpected reply %s", reply.Type)
	}
	if reply.Config.Name != conf.Name || int(reply.Config.Port) != srv.Port() || reply.Config.Queues != 4 {
		t.Errorf("unexpected config reply %+v", reply.Config)
	}

	if err := ch.Send(listenAddr, command.New(command.TypeQueryRecvStats)); err != nil {
		t.Fatal(err)
	}
	seen := map[int32]bool{}
	for i := 0; i < 3; i++ {
		reply, _, err := ch.RecvTimeout(3 * time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if reply.Type != command.TypeQueryRecvStatsReply {
			t.Fatalf("unexpected reply %s", reply.Type)
		}
		seen[reply.RecvStats.Index] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected replies from 3 receive roles, got %v", seen)
	}

	if err := ch.Send(listenAddr, command.New(command.TypeQueryWorkStats)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		reply, _, err := ch.RecvTimeout(3 * time.Second)
		if err != nil || reply.Type != command.TypeQueryWorkStatsReply {
			t.Fatalf("work stats reply %d: %v %s", i, err, reply.Type)
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	srv := newTestServer(t, nil)
	got := make(chan received, 1)
	_ = srv.Register(1, recordingHandler(got), nil)
	_ = srv.Startup()

	conn := dial(t, srv)
	_, _ = conn.Write(common.EncodeMessage(1, common.FlagApplication, []byte("x")))
	<-got
	waitFor(t, "processed", func() bool { return srv.Stats().Processed == 1 })

	var buf bytes.Buffer
	srv.WritePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		`smtc_received_total{service="` + srv.Config().Name + `",role="recv",index="0"}`,
		`smtc_processed_total{`,
		`smtc_queue_depth{`,
		`smtc_accepted_total{service="` + srv.Config().Name + `"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}
