package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"dbtunnel/config"
	ncerr "dbtunnel/internal/errors"
	"dbtunnel/internal/metrics"
	"dbtunnel/util"
)

// readyResult is sent exactly once from the worker to Start.
type readyResult struct {
	port uint16
	addr string
	err  error
}

// directTCPIP is the RFC 4254 §7.2 channel-open payload.
type directTCPIP struct {
	RAddr string
	RPort uint32
	LAddr string
	LPort uint32
}

// pendingConn is an accepted local socket waiting for its channel.
type pendingConn struct {
	conn  net.Conn
	since time.Time
}

type openResult struct {
	id  uint64
	ch  ssh.Channel
	err error
}

// worker owns the SSH client, the listener, the pending set and the
// pairs.  Only the run goroutine touches them; helper goroutines report
// back over the channels below.
type worker struct {
	settings   *config.Settings
	remoteHost string
	remotePort uint16
	opts       Options
	log        *util.Logger
	metrics    *metrics.Collector

	ready    chan readyResult
	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error // why the loop stopped on its own; read after done

	accepted    chan net.Conn
	acceptErr   chan error
	opened      chan openResult
	pumped      chan uint64
	keptAlive   chan error
	sessionLost chan error

	nextID  uint64
	pending map[uint64]*pendingConn
	pairs   map[uint64]*pair

	wg sync.WaitGroup
}

func newWorker(s *config.Settings, host string, port uint16, opts Options) *worker {
	return &worker{
		settings:    s,
		remoteHost:  host,
		remotePort:  port,
		opts:        opts,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		ready:       make(chan readyResult, 1),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		accepted:    make(chan net.Conn),
		acceptErr:   make(chan error),
		opened:      make(chan openResult),
		pumped:      make(chan uint64),
		keptAlive:   make(chan error),
		sessionLost: make(chan error),
		pending:     make(map[uint64]*pendingConn),
		pairs:       make(map[uint64]*pair),
	}
}

// run is the worker goroutine.  It reports readiness, serves until
// shutdown or session loss, and returns only after every helper
// goroutine has exited.
func (w *worker) run() {
	defer close(w.done)
	defer w.wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-w.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	client, err := w.bootstrap(ctx)
	cancel()
	if err != nil {
		w.ready <- readyResult{err: err}
		return
	}

	ln, err := net.Listen("tcp", w.opts.ListenAddress)
	if err != nil {
		client.Close()
		w.ready <- readyResult{err: ncerr.Wrap("listen", w.opts.ListenAddress, err)}
		return
	}
	port, err := util.PortOf(ln.Addr())
	if err != nil {
		ln.Close()
		client.Close()
		w.ready <- readyResult{err: ncerr.Wrap("listen", w.opts.ListenAddress, err)}
		return
	}

	w.ready <- readyResult{port: port, addr: ln.Addr().String()}
	w.log.Info("listening on %s -> %s via %s",
		ln.Addr(), util.FormatAddr(w.remoteHost, int(w.remotePort)), w.settings.Addr())

	w.serve(client, ln)
	w.teardown(client, ln)
}

// serve is the event loop.
func (w *worker) serve(client *ssh.Client, ln net.Listener) {
	w.spawn(func() { w.acceptLoop(ln) })
	w.spawn(func() { w.monitor(client) })

	sweep := time.NewTicker(w.opts.SweepInterval)
	defer sweep.Stop()
	keepAlive := time.NewTicker(w.opts.KeepAliveInterval)
	defer keepAlive.Stop()
	keepAliveInFlight := false

	for {
		select {
		case <-w.shutdown:
			w.log.Debug("shutdown requested")
			return

		case conn := <-w.accepted:
			w.admit(client, conn)
			w.drainAccepted(client)

		case err := <-w.acceptErr:
			w.err = ncerr.Wrap("accept", ln.Addr().String(), err)
			w.log.Error("listener failed: %v", err)
			w.metrics.RecordError(w.err.Error())
			return

		case r := <-w.opened:
			w.promote(r)

		case id := <-w.pumped:
			w.reap(id)

		case now := <-sweep.C:
			w.expire(now)

		case <-keepAlive.C:
			if keepAliveInFlight {
				continue
			}
			keepAliveInFlight = true
			w.spawn(func() { w.sendKeepAlive(client) })

		case err := <-w.keptAlive:
			keepAliveInFlight = false
			if err != nil {
				w.log.Warn("keep-alive failed: %v", err)
				w.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
				continue
			}
			w.metrics.KeepAliveSent()
			w.log.Debug("keep-alive OK")

		case err := <-w.sessionLost:
			w.err = ncerr.WrapSSH("session", w.settings.Host, w.bastionPort(), fmt.Errorf("connection lost: %w", err))
			w.log.Error("SSH session to %s ended: %v", w.settings.Addr(), err)
			w.metrics.RecordError(w.err.Error())
			return
		}
	}
}

// stop signals shutdown.  Safe to call more than once.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.shutdown) })
}

// bastionPort returns the configured SSH port, defaulting to 22.
func (w *worker) bastionPort() int {
	if w.settings.Port == 0 {
		return config.DefaultSSHPort
	}
	return w.settings.Port
}

func (w *worker) spawn(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// ── accept & channel negotiation ─────────────────────────────────────

func (w *worker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case w.acceptErr <- err:
			case <-w.shutdown:
			}
			return
		}
		select {
		case w.accepted <- conn:
		case <-w.shutdown:
			conn.Close()
			return
		}
	}
}

// drainAccepted admits every connection already waiting, so a burst of
// connects is handled in one pass.
func (w *worker) drainAccepted(client *ssh.Client) {
	for {
		select {
		case conn := <-w.accepted:
			w.admit(client, conn)
		default:
			return
		}
	}
}

func (w *worker) admit(client *ssh.Client, conn net.Conn) {
	w.nextID++
	id := w.nextID
	w.pending[id] = &pendingConn{conn: conn, since: time.Now()}
	w.metrics.Accepted()
	w.log.Verbose("#%d accepted %s", id, conn.RemoteAddr())

	payload := directTCPIP{
		RAddr: w.remoteHost,
		RPort: uint32(w.remotePort),
		LAddr: "127.0.0.1",
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		payload.LAddr = addr.IP.String()
		payload.LPort = uint32(addr.Port)
	}
	w.spawn(func() { w.openChannel(client, id, payload) })
}

// openChannel blocks until the server answers the channel open.  A
// channel nobody is waiting for any more is closed here.
func (w *worker) openChannel(client *ssh.Client, id uint64, payload directTCPIP) {
	ch, reqs, err := client.OpenChannel("direct-tcpip", ssh.Marshal(&payload))
	if err == nil {
		w.spawn(func() { ssh.DiscardRequests(reqs) })
	}
	select {
	case w.opened <- openResult{id: id, ch: ch, err: err}:
	case <-w.shutdown:
		if ch != nil {
			ch.Close()
		}
	}
}

func (w *worker) promote(r openResult) {
	pc, ok := w.pending[r.id]
	if !ok {
		// Expired while the open was in flight.
		if r.ch != nil {
			r.ch.Close()
		}
		return
	}
	delete(w.pending, r.id)
	w.metrics.PendingResolved()

	if r.err != nil {
		w.log.Debug("#%d channel to %s failed: %v",
			r.id, util.FormatAddr(w.remoteHost, int(w.remotePort)), r.err)
		w.metrics.ChannelFailed()
		w.metrics.RecordError(fmt.Sprintf("channel: %v", r.err))
		pc.conn.Close()
		return
	}

	p := newPair(r.id, pc.conn, r.ch, w.metrics.ForwardedToRemote, w.metrics.ForwardedToLocal)
	w.pairs[r.id] = p
	w.metrics.PairOpened()
	w.log.Verbose("#%d forwarding after %v", r.id, time.Since(pc.since).Truncate(time.Millisecond))
	p.onError(func(dir string, err error) {
		w.log.Debug("#%d %s: %v", r.id, dir, err)
		w.metrics.RecordError(fmt.Sprintf("forward %s: %v", dir, err))
	})
	p.start(&w.wg, w.pumpDone)
}

// expire drops pending connections that have waited for their channel
// longer than the connect timeout.
func (w *worker) expire(now time.Time) {
	for id, pc := range w.pending {
		if now.Sub(pc.since) < w.opts.ConnectTimeout {
			continue
		}
		delete(w.pending, id)
		w.metrics.PendingResolved()
		w.metrics.PendingExpired()
		w.log.Debug("#%d no channel after %v, dropped", id, w.opts.ConnectTimeout)
		pc.conn.Close()
	}
}

// ── forwarding ───────────────────────────────────────────────────────

func (w *worker) pumpDone(id uint64) {
	select {
	case w.pumped <- id:
	case <-w.shutdown:
	}
}

func (w *worker) reap(id uint64) {
	p, ok := w.pairs[id]
	if !ok || !p.removable() {
		return
	}
	delete(w.pairs, id)
	p.close()
	w.metrics.PairClosed()
	w.log.Verbose("#%d closed", id)
}

// ── session health ───────────────────────────────────────────────────

func (w *worker) sendKeepAlive(client *ssh.Client) {
	_, _, err := client.SendRequest(config.KeepAliveRequest, true, nil)
	select {
	case w.keptAlive <- err:
	case <-w.shutdown:
	}
}

// monitor reports the end of the SSH connection.
func (w *worker) monitor(client *ssh.Client) {
	err := client.Wait()
	if err == nil {
		err = fmt.Errorf("closed by server")
	}
	select {
	case w.sessionLost <- err:
	case <-w.shutdown:
	}
}

// teardown releases everything the worker owns.  In-flight data is not
// drained.  Closing the client unblocks pending opens, keep-alives and
// the monitor.
func (w *worker) teardown(client *ssh.Client, ln net.Listener) {
	w.stop()
	ln.Close()
	for id, pc := range w.pending {
		pc.conn.Close()
		delete(w.pending, id)
		w.metrics.PendingResolved()
	}
	for id, p := range w.pairs {
		p.close()
		delete(w.pairs, id)
		w.metrics.PairClosed()
	}
	client.Close()
	w.log.Info("tunnel closed")
}
