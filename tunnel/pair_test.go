package tunnel

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pairHarness wires a pair between two loopback TCP connections.  The
// "remote" connection stands in for the SSH channel.
type pairHarness struct {
	pair   *pair
	client io.ReadWriter // local client end
	peer   io.ReadWriter // far end of the fake channel

	clientConn, peerConn interface{ CloseWrite() error }

	done chan uint64
	wg   sync.WaitGroup

	toRemote, toLocal atomic.Int64
}

func newPairHarness(t *testing.T) *pairHarness {
	t.Helper()
	client, local := tcpPair(t)
	remote, peer := tcpPair(t)

	h := &pairHarness{
		client:     client,
		peer:       peer,
		clientConn: client,
		peerConn:   peer,
		done:       make(chan uint64, 2),
	}
	h.pair = newPair(7, local, remote,
		func(n int64) { h.toRemote.Add(n) },
		func(n int64) { h.toLocal.Add(n) })
	h.pair.start(&h.wg, func(id uint64) { h.done <- id })
	t.Cleanup(func() {
		h.pair.close()
		h.wg.Wait()
	})
	return h
}

func (h *pairHarness) waitPumps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case id := <-h.done:
			if id != 7 {
				t.Fatalf("pump reported pair %d, want 7", id)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for pump")
		}
	}
}

func TestPair_RoundTrip(t *testing.T) {
	h := newPairHarness(t)

	up := bytes.Repeat([]byte("query;"), 10000)
	down := bytes.Repeat([]byte("row|"), 20000)

	go func() {
		h.client.Write(up) //nolint:errcheck
	}()
	got := make([]byte, len(up))
	if _, err := io.ReadFull(h.peer, got); err != nil {
		t.Fatalf("reading at peer: %v", err)
	}
	if !bytes.Equal(got, up) {
		t.Fatal("local -> remote bytes differ")
	}

	go func() {
		h.peer.Write(down) //nolint:errcheck
	}()
	got = make([]byte, len(down))
	if _, err := io.ReadFull(h.client, got); err != nil {
		t.Fatalf("reading at client: %v", err)
	}
	if !bytes.Equal(got, down) {
		t.Fatal("remote -> local bytes differ")
	}

	if h.toRemote.Load() != int64(len(up)) || h.toLocal.Load() != int64(len(down)) {
		t.Errorf("counted (%d, %d), want (%d, %d)",
			h.toRemote.Load(), h.toLocal.Load(), len(up), len(down))
	}
}

// TestPair_HalfClose checks that a client EOF reaches the peer while
// the reverse direction keeps flowing, and that the pair only becomes
// removable once both directions have finished.
func TestPair_HalfClose(t *testing.T) {
	h := newPairHarness(t)

	if _, err := h.client.Write([]byte("last request")); err != nil {
		t.Fatal(err)
	}
	if err := h.clientConn.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(h.peer)
	if err != nil {
		t.Fatalf("peer ReadAll: %v", err)
	}
	if string(got) != "last request" {
		t.Fatalf("peer got %q", got)
	}
	h.waitPumps(t, 1)

	if !h.pair.localClosed() || h.pair.remoteClosed() {
		t.Fatalf("flags = (%v, %v), want (true, false)", h.pair.localClosed(), h.pair.remoteClosed())
	}
	if h.pair.removable() {
		t.Fatal("pair must not be removable while the remote side is open")
	}

	// The reply still flows after the client's half-close.
	if _, err := h.peer.Write([]byte("late reply")); err != nil {
		t.Fatal(err)
	}
	if err := h.peerConn.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	got, err = io.ReadAll(h.client)
	if err != nil {
		t.Fatalf("client ReadAll: %v", err)
	}
	if string(got) != "late reply" {
		t.Fatalf("client got %q", got)
	}
	h.waitPumps(t, 1)

	if !h.pair.removable() {
		t.Fatal("pair should be removable once both sides closed and drained")
	}
}

// TestPair_PeerReset checks that a channel torn down mid-stream does not
// wedge the pair: bytes already sent the other way arrive, bytes that
// can no longer be delivered are dropped, and the local side is read
// to EOF before the pair is removable.
func TestPair_PeerReset(t *testing.T) {
	h := newPairHarness(t)

	if _, err := h.peer.Write([]byte("bye")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 3)
	if _, err := io.ReadFull(h.client, got); err != nil {
		t.Fatalf("reading at client: %v", err)
	}
	if string(got) != "bye" {
		t.Fatalf("client got %q", got)
	}

	peer := h.peer.(*net.TCPConn)
	if err := peer.SetLinger(0); err != nil {
		t.Fatal(err)
	}
	peer.Close()
	h.waitPumps(t, 1)

	if !h.pair.remoteClosed() || h.pair.localClosed() {
		t.Fatalf("flags = (%v, %v), want (false, true)", h.pair.localClosed(), h.pair.remoteClosed())
	}
	// The reset reaches the client as a plain EOF.
	if rest, err := io.ReadAll(h.client); err != nil || len(rest) != 0 {
		t.Fatalf("client ReadAll = (%q, %v), want clean EOF", rest, err)
	}

	if _, err := h.client.Write(bytes.Repeat([]byte("orphan;"), 1000)); err != nil {
		t.Fatal(err)
	}
	if err := h.clientConn.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	h.waitPumps(t, 1)

	if !h.pair.up.dstFailed.Load() {
		t.Error("write to the reset channel should have failed")
	}
	if n := h.toRemote.Load(); n != 0 {
		t.Errorf("counted %d bytes to remote, want 0", n)
	}
	if h.toLocal.Load() != 3 {
		t.Errorf("counted %d bytes to local, want 3", h.toLocal.Load())
	}
	if !h.pair.removable() {
		t.Fatal("pair should be removable once the local side reached EOF")
	}
}

func TestPair_CloseUnblocksPumps(t *testing.T) {
	h := newPairHarness(t)

	h.pair.close()
	h.pair.close()
	h.waitPumps(t, 2)

	if !h.pair.removable() {
		t.Error("closed pair should be removable")
	}
}
