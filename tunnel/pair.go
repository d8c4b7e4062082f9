package tunnel

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"dbtunnel/util"
)

// pump moves bytes from src to dst through buf.  It is driven by a
// single goroutine, which is the only one to touch buf.
type pump struct {
	src io.Reader
	dst io.WriteCloser
	buf Buffer

	srcClosed atomic.Bool // src reached EOF or failed
	dstFailed atomic.Bool // a write to dst failed; further bytes are dropped
	drained   atomic.Bool // srcClosed and buf empty; the goroutine has returned

	counted func(n int64)
	report  func(err error) // unexpected read or write errors; may be nil
}

// run reads a chunk whenever the buffer is empty, then writes until the
// buffer drains.  When src ends, dst is half-closed so the peer sees
// the end of the stream.
func (p *pump) run() {
	defer p.drained.Store(true)

	chunk := util.GetBuf()
	defer util.PutBuf(chunk)

	for {
		if p.buf.Empty() && !p.srcClosed.Load() {
			n, err := p.src.Read(*chunk)
			if n > 0 && !p.dstFailed.Load() {
				p.buf.Push((*chunk)[:n])
			}
			if err != nil {
				p.srcClosed.Store(true)
				p.fail("read", err)
			}
		}

		for !p.buf.Empty() {
			n, err := p.dst.Write(p.buf.Pending())
			p.buf.Consume(n)
			if n > 0 && p.counted != nil {
				p.counted(int64(n))
			}
			if err != nil {
				p.dstFailed.Store(true)
				p.buf.Reset()
				p.fail("write", err)
			}
		}

		if p.srcClosed.Load() {
			if !p.dstFailed.Load() {
				util.CloseWrite(p.dst) //nolint:errcheck
			}
			return
		}
	}
}

func (p *pump) fail(op string, err error) {
	if p.report != nil && !util.IsHarmless(err) {
		p.report(fmt.Errorf("%s: %w", op, err))
	}
}

// pair couples an accepted local connection with its direct-tcpip
// channel.
type pair struct {
	id     uint64
	local  io.ReadWriteCloser
	remote io.ReadWriteCloser

	up   pump // local -> remote
	down pump // remote -> local

	closeOnce sync.Once
}

func newPair(id uint64, local, remote io.ReadWriteCloser, toRemote, toLocal func(int64)) *pair {
	p := &pair{id: id, local: local, remote: remote}
	p.up = pump{src: local, dst: remote, counted: toRemote}
	p.down = pump{src: remote, dst: local, counted: toLocal}
	return p
}

// onError routes unexpected pump errors to fn, tagged with the
// direction.  Must be called before start.
func (p *pair) onError(fn func(dir string, err error)) {
	p.up.report = func(err error) { fn("local->remote", err) }
	p.down.report = func(err error) { fn("remote->local", err) }
}

// localClosed reports whether the local client has stopped sending.
func (p *pair) localClosed() bool { return p.up.srcClosed.Load() }

// remoteClosed reports whether the channel has stopped sending.
func (p *pair) remoteClosed() bool { return p.down.srcClosed.Load() }

// removable holds once both directions have ended and every buffered
// byte has been delivered or found undeliverable.
func (p *pair) removable() bool {
	return p.localClosed() && p.remoteClosed() &&
		p.up.drained.Load() && p.down.drained.Load()
}

// start runs both pumps.  done is called once per pump as it returns.
func (p *pair) start(wg *sync.WaitGroup, done func(id uint64)) {
	wg.Add(2)
	for _, pm := range []*pump{&p.up, &p.down} {
		go func(pm *pump) {
			defer wg.Done()
			pm.run()
			done(p.id)
		}(pm)
	}
}

// close closes both legs.  Pumps still blocked on a read or write
// return with an error.
func (p *pair) close() {
	p.closeOnce.Do(func() {
		p.remote.Close()
		p.local.Close()
	})
}
