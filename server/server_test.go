package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	testclock "k8s.io/utils/clock/testing"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/conn"
	"github.com/momentics/hioload-ftp/control"
	"github.com/momentics/hioload-ftp/fake"
	"github.com/momentics/hioload-ftp/internal/concurrency"
	"github.com/momentics/hioload-ftp/internal/logging"
	"github.com/momentics/hioload-ftp/internal/session"
	"github.com/momentics/hioload-ftp/reactor"
)

const listenFD = 3

// harness drives a Server with scripted sockets instead of a live reactor.
type harness struct {
	srv   *Server
	reg   *fake.Registrar
	queue *concurrency.BlockingQueue[*session.Session]
	prom  *prometheus.Registry
	clock *testclock.FakePassiveClock

	mu       sync.Mutex
	nextFD   int
	sockets  map[int]*fake.Socket
	acceptQ  []error
	accepts  int
	dataSock map[int]*fake.Socket
	// dialMode: "" connects at once, "pending" leaves the connect in
	// progress, "fail" returns a dead connection
	dialMode string
}

func newHarness(t *testing.T, cfg control.Config) *harness {
	t.Helper()
	h := &harness{
		reg:      fake.NewRegistrar(),
		queue:    concurrency.NewBlockingQueue[*session.Session](16),
		prom:     prometheus.NewRegistry(),
		clock:    testclock.NewFakePassiveClock(time.Now()),
		nextFD:   10,
		sockets:  make(map[int]*fake.Socket),
		dataSock: make(map[int]*fake.Socket),
	}
	log := logging.NewTestLogger()
	h.srv = New(cfg, h.reg, h.queue, log,
		WithMetrics(control.NewMetrics(h.prom)),
		WithClock(h.clock),
		WithAcceptor(h.accept),
		WithSessionOptions(session.WithDialer(h.dial)),
	)
	return h
}

func (h *harness) accept(int, logr.Logger) (*conn.Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepts++
	if len(h.acceptQ) > 0 {
		err := h.acceptQ[0]
		h.acceptQ = h.acceptQ[1:]
		return nil, err
	}
	fd := h.nextFD
	h.nextFD++
	sock := fake.NewSocket()
	h.sockets[fd] = sock
	return conn.New(fd, sock, logr.Discard()), nil
}

func (h *harness) dial(string, logr.Logger) *conn.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	fd := h.nextFD
	h.nextFD++
	sock := fake.NewSocket()
	h.dataSock[fd] = sock
	switch h.dialMode {
	case "pending":
		return conn.NewDialing(fd, sock, logr.Discard())
	case "fail":
		c := conn.New(fd, sock, logr.Discard())
		_ = c.Close()
		return c
	}
	return conn.New(fd, sock, logr.Discard())
}

func (h *harness) acceptCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepts
}

func (h *harness) data(fd int) *fake.Socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dataSock[fd]
}

// openData schedules a data channel for sess and plays the reactor side.
func (h *harness) openData(t *testing.T, sess *session.Session) {
	t.Helper()
	require.NoError(t, sess.OpenDataChannel("127.0.0.1:2020"))
	require.Equal(t, 1, h.reg.RunPosted())
}

func (h *harness) failAccept(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acceptQ = append(h.acceptQ, errs...)
}

// admit accepts one connection and returns its fd.
func (h *harness) admit(t *testing.T) int {
	t.Helper()
	fd := h.nextFD
	h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	return fd
}

func (h *harness) socket(fd int) *fake.Socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sockets[fd]
}

func (h *harness) assertMetric(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, testutil.GatherAndCompare(h.prom, strings.NewReader(body), name))
}

func testConfig() control.Config {
	cfg := control.NewOptions().Config()
	cfg.MaxClients = 2
	cfg.IdleTimeout = time.Minute
	return cfg
}

func TestReady_AdmitsUpToMaxClients(t *testing.T) {
	h := newHarness(t, testConfig())

	first := h.admit(t)
	second := h.admit(t)
	third := h.admit(t)

	assert.Equal(t, 2, h.srv.Sessions())
	assert.Equal(t, 2, h.srv.Tracked())
	for _, fd := range []int{first, second} {
		sess, ok := h.srv.Lookup(fd)
		require.True(t, ok)
		assert.Equal(t, fd, sess.FD())
		tok, ok := h.reg.Token(fd)
		require.True(t, ok)
		assert.Equal(t, reactor.Notify(fd), tok)
	}

	_, ok := h.srv.Lookup(third)
	assert.False(t, ok)
	assert.Zero(t, h.reg.Count(fake.OpRegister, third), "refused connection never registered")
	assert.Equal(t, 1, h.socket(third).ShutdownCalls())
	assert.Equal(t, 1, h.socket(third).CloseCalls())

	h.assertMetric(t, "miniftp_connections_rejected_total", `
# HELP miniftp_connections_rejected_total Count of connections refused because the client limit was reached.
# TYPE miniftp_connections_rejected_total counter
miniftp_connections_rejected_total 1
`)
	h.assertMetric(t, "miniftp_sessions_active", `
# HELP miniftp_sessions_active Number of live sessions.
# TYPE miniftp_sessions_active gauge
miniftp_sessions_active 2
`)
}

func TestReady_AcceptErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	h.failAccept(unix.EAGAIN, unix.ECONNABORTED)

	h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	assert.Zero(t, h.srv.Sessions())
	assert.False(t, h.srv.isPaused(listenFD), "one aborted connection does not pause")
	assert.Zero(t, h.reg.Count(fake.OpReregister, listenFD))

	h.assertMetric(t, "miniftp_accept_errors_total", `
# HELP miniftp_accept_errors_total Count of failed accept calls.
# TYPE miniftp_accept_errors_total counter
miniftp_accept_errors_total 1
`)

	// the server keeps accepting afterwards
	h.admit(t)
	assert.Equal(t, 1, h.srv.Sessions())
}

func TestReady_DescriptorExhaustionPausesListener(t *testing.T) {
	h := newHarness(t, testConfig())
	h.failAccept(unix.EMFILE, unix.ENFILE)

	h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	require.True(t, h.srv.isPaused(listenFD))
	calls := h.reg.Calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, fake.Call{Op: fake.OpReregister, FD: listenFD, Events: 0}, last)

	// wakes already batched for the listener are ignored while paused
	for i := 0; i < 100; i++ {
		h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	}
	assert.Equal(t, 1, h.acceptCalls())

	// the sweep tick re-arms it; the next failure pauses it again
	h.srv.Notify(reactor.Timer(99), reactor.EventIn)
	assert.False(t, h.srv.isPaused(listenFD))
	calls = h.reg.Calls()
	assert.Equal(t, fake.Call{Op: fake.OpReregister, FD: listenFD, Events: reactor.ListenInterest}, calls[len(calls)-1])
	h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	assert.True(t, h.srv.isPaused(listenFD))

	h.srv.Sweep()
	h.admit(t)
	assert.Equal(t, 1, h.srv.Sessions())
	assert.Equal(t, 3, h.acceptCalls())

	h.assertMetric(t, "miniftp_listener_pauses_total", `
# HELP miniftp_listener_pauses_total Count of times the listener was paused after a persistent accept error.
# TYPE miniftp_listener_pauses_total counter
miniftp_listener_pauses_total 2
`)
	h.assertMetric(t, "miniftp_accept_errors_total", `
# HELP miniftp_accept_errors_total Count of failed accept calls.
# TYPE miniftp_accept_errors_total counter
miniftp_accept_errors_total 2
`)
}

func TestReady_UnpausableListenerStillBacksOff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.SetError(errors.New("epoll gone"))
	h.failAccept(unix.EMFILE)

	h.srv.Ready(reactor.Listen(listenFD), reactor.EventIn)
	assert.False(t, h.srv.isPaused(listenFD))
	assert.Equal(t, 1, h.reg.Count(fake.OpReregister, listenFD))
}

func TestReady_IgnoresOtherKinds(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.Ready(reactor.Notify(listenFD), reactor.EventIn)
	assert.Zero(t, h.srv.Sessions())
}

func TestReady_RegisterFailureClosesConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reg.SetError(errors.New("epoll full"))

	fd := h.admit(t)
	assert.Zero(t, h.srv.Sessions())
	assert.Equal(t, 1, h.socket(fd).CloseCalls())
}

func TestNotify_PendingBytesArePushed(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)

	h.socket(fd).AddReads(fake.Data([]byte("USER ftp\r\n")))
	h.srv.Notify(reactor.Notify(fd), reactor.EventIn|reactor.EventOut)

	require.Equal(t, 1, h.queue.Len())
	sess, ok := h.queue.PopFront()
	require.True(t, ok)
	assert.Equal(t, fd, sess.FD())
	assert.Equal(t, []byte("USER ftp\r\n"), sess.GetMsg())

	// writable only: nothing to hand over
	h.srv.Notify(reactor.Notify(fd), reactor.EventOut)
	assert.Zero(t, h.queue.Len())
	assert.Equal(t, 1, h.srv.Sessions())
}

func TestNotify_EndOfStreamPushesThenTearsDown(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)

	block := strings.Repeat("a", conn.ReadChunk)
	h.socket(fd).AddReads(fake.Data([]byte(block)), fake.EOF())
	h.srv.Notify(reactor.Notify(fd), reactor.EventIn)

	assert.Zero(t, h.srv.Sessions())
	assert.False(t, h.reg.Registered(fd))
	assert.Equal(t, 1, h.socket(fd).CloseCalls())

	sess, ok := h.queue.PopFront()
	require.True(t, ok)
	proto := fake.NewProtocol(1)
	h.srv.Work(proto)(context.Background(), sess)
	assert.Equal(t, []byte(block), <-proto.Msgs, "final bytes still delivered")
}

func TestNotify_ClosedTearsDownWithoutPush(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)

	h.socket(fd).AddReads(fake.Errno(unix.ECONNRESET))
	h.srv.Notify(reactor.Notify(fd), reactor.EventIn)

	assert.Zero(t, h.queue.Len())
	assert.Zero(t, h.srv.Sessions())
	assert.Zero(t, h.srv.Tracked())

	// a second event for the same fd in the batch is ignored
	h.srv.Notify(reactor.Notify(fd), reactor.EventIn)
	assert.Equal(t, 1, h.socket(fd).CloseCalls())

	h.assertMetric(t, "miniftp_connections_closed_total", `
# HELP miniftp_connections_closed_total Count of sessions torn down, by reason.
# TYPE miniftp_connections_closed_total counter
miniftp_connections_closed_total{reason="error"} 1
`)
}

func TestNotify_ProtocolCloseFlushesThenTearsDown(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)

	require.NoError(t, sess.Send([]byte("221 bye\r\n")))
	sess.Close()
	h.srv.Notify(reactor.Notify(fd), reactor.EventOut)

	assert.Equal(t, []byte("221 bye\r\n"), h.socket(fd).Written())
	assert.Zero(t, h.srv.Sessions())
	h.assertMetric(t, "miniftp_connections_closed_total", `
# HELP miniftp_connections_closed_total Count of sessions torn down, by reason.
# TYPE miniftp_connections_closed_total counter
miniftp_connections_closed_total{reason="protocol"} 1
`)
}

func TestNotify_TimerSweepsIdleSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	stale := h.admit(t)
	h.clock.SetTime(h.clock.Now().Add(45 * time.Second))
	fresh := h.admit(t)

	h.clock.SetTime(h.clock.Now().Add(30 * time.Second))
	h.srv.Notify(reactor.Timer(99), reactor.EventIn)

	_, ok := h.srv.Lookup(stale)
	assert.False(t, ok)
	_, ok = h.srv.Lookup(fresh)
	assert.True(t, ok)
	assert.Equal(t, 1, h.socket(stale).CloseCalls())
	assert.Zero(t, h.socket(fresh).CloseCalls())

	// activity refreshes the tracker
	h.clock.SetTime(h.clock.Now().Add(20 * time.Second))
	h.socket(fresh).AddReads(fake.Data([]byte("NOOP\r\n")))
	h.srv.Notify(reactor.Notify(fresh), reactor.EventIn)
	h.clock.SetTime(h.clock.Now().Add(50 * time.Second))
	h.srv.Notify(reactor.Timer(99), reactor.EventIn)
	assert.Equal(t, 1, h.srv.Sessions())
}

func TestNotify_IdleEvictionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 0
	h := newHarness(t, cfg)
	h.admit(t)

	h.clock.SetTime(h.clock.Now().Add(24 * time.Hour))
	h.srv.Sweep()
	assert.Equal(t, 1, h.srv.Sessions())
}

func TestNotify_DataChannelRouting(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)

	h.openData(t, sess)
	dataFD, ok := sess.DataFD()
	require.True(t, ok)
	owner, ok := h.srv.Channels().Owner(dataFD)
	require.True(t, ok)
	assert.Equal(t, fd, owner)

	dsock := h.data(dataFD)
	dsock.AddReads(fake.Data([]byte("chunk")))
	h.srv.Notify(reactor.Notify(dataFD), reactor.EventIn)

	got, ok := h.queue.PopFront()
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, []byte("chunk"), sess.GetDataMsg())

	// peer closes the data connection: released, control stays up
	tail := strings.Repeat("z", conn.ReadChunk)
	dsock.AddReads(fake.Data([]byte(tail)), fake.EOF())
	h.srv.Notify(reactor.Notify(dataFD), reactor.EventIn)
	_, ok = sess.DataFD()
	assert.False(t, ok)
	assert.Zero(t, h.srv.Channels().Len())
	assert.Equal(t, 1, dsock.CloseCalls())
	assert.Equal(t, 1, h.srv.Sessions())
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, []byte(tail), sess.GetDataMsg())
}

func TestNotify_DataChannelConnectSettles(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialMode = "pending"
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)

	h.openData(t, sess)
	dataFD := sess.DataConn().FD()
	_, ok := sess.DataFD()
	assert.False(t, ok)
	assert.Zero(t, h.queue.Len())

	h.srv.Notify(reactor.Notify(dataFD), reactor.EventOut)
	_, ok = sess.DataFD()
	assert.True(t, ok)
	got, ok := h.queue.PopFront()
	require.True(t, ok)
	assert.Same(t, sess, got, "connected channel hands the session back")
	assert.Equal(t, 1, h.data(dataFD).ConnectCalls())
}

func TestNotify_DataChannelConnectRefused(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialMode = "pending"
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)

	h.openData(t, sess)
	dataFD := sess.DataConn().FD()
	h.data(dataFD).AddConnectResults(unix.ECONNREFUSED)

	h.srv.Notify(reactor.Notify(dataFD), reactor.EventOut|reactor.EventErr|reactor.EventHup)
	assert.Nil(t, sess.DataConn())
	assert.Zero(t, h.srv.Channels().Len())
	assert.Equal(t, 1, h.data(dataFD).CloseCalls())
	assert.Equal(t, 1, h.queue.Len())
	assert.ErrorIs(t, sess.DataErr(), unix.ECONNREFUSED)
	assert.Equal(t, 1, h.srv.Sessions(), "control channel survives")
}

func TestNotify_DialFailureQueuesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialMode = "fail"
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)

	h.openData(t, sess)
	assert.Nil(t, sess.DataConn())
	got, ok := h.queue.PopFront()
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.ErrorIs(t, sess.DataErr(), api.ErrNotConnected)
}

func TestPush_FullQueueWaitsForWorker(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)
	for h.queue.TryPushBack(sess) {
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.srv.push(sess)
	}()
	select {
	case <-done:
		t.Fatal("push returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := h.queue.PopFront()
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push did not resume after a worker took an item")
	}
	assert.Equal(t, h.queue.Cap(), h.queue.Len())
	h.assertMetric(t, "miniftp_task_queue_full_total", `
# HELP miniftp_task_queue_full_total Count of pushes that found the task queue full and waited for a worker.
# TYPE miniftp_task_queue_full_total counter
miniftp_task_queue_full_total 1
`)
}

func TestShutdown_TearsDownEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.admit(t)
	b := h.admit(t)
	sess, _ := h.srv.Lookup(a)
	h.openData(t, sess)

	h.srv.Shutdown()
	h.srv.Shutdown()

	assert.Zero(t, h.srv.Sessions())
	assert.Zero(t, h.srv.Channels().Len())
	for _, fd := range []int{a, b} {
		assert.Equal(t, 1, h.socket(fd).CloseCalls())
		assert.False(t, h.reg.Registered(fd))
	}
	assert.True(t, sess.TornDown())
}

func TestWork_RunsProtocolAndCountsErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	fd := h.admit(t)
	sess, _ := h.srv.Lookup(fd)

	proto := fake.NewProtocol(1)
	proto.Reply = func(msg []byte) []byte { return append([]byte("200 "), msg...) }
	h.socket(fd).AddReads(fake.Data([]byte("NOOP\r\n")))
	h.srv.Notify(reactor.Notify(fd), reactor.EventIn)
	item, ok := h.queue.PopFront()
	require.True(t, ok)

	work := h.srv.Work(proto)
	work(context.Background(), item)
	assert.Equal(t, []byte("NOOP\r\n"), <-proto.Msgs)
	h.srv.Notify(reactor.Notify(fd), reactor.EventOut)
	assert.Equal(t, []byte("200 NOOP\r\n"), h.socket(fd).Written())

	failing := h.srv.Work(api.ProtocolFunc(func(context.Context, api.Session) error {
		return errors.New("syntax error")
	}))
	failing(context.Background(), sess)
	h.assertMetric(t, "miniftp_protocol_errors_total", `
# HELP miniftp_protocol_errors_total Count of errors returned by the protocol handler.
# TYPE miniftp_protocol_errors_total counter
miniftp_protocol_errors_total 1
`)

	// torn down sessions are skipped silently
	h.srv.Shutdown()
	failing(context.Background(), sess)
	h.assertMetric(t, "miniftp_protocol_errors_total", `
# HELP miniftp_protocol_errors_total Count of errors returned by the protocol handler.
# TYPE miniftp_protocol_errors_total counter
miniftp_protocol_errors_total 1
`)
}
