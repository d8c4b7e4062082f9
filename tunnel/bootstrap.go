package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "dbtunnel/internal/errors"
	"dbtunnel/internal/retry"
)

// bootstrap connects to the bastion, verifies its host key and
// authenticates.  Cancelling ctx aborts the dial or the handshake.
func (w *worker) bootstrap(ctx context.Context) (*ssh.Client, error) {
	s := w.settings
	port := w.bastionPort()

	verifier, err := newHostKeyVerifier(s)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", s.Host, port, err)
	}

	auth, releaseAuth, err := buildAuthMethods(s)
	defer releaseAuth()
	if err != nil {
		return nil, ncerr.WrapSSH("auth", s.Host, port, err)
	}

	addr := s.Addr()
	tcpConn, err := w.dialBastion(ctx, addr)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:              s.Username,
		Auth:              auth,
		HostKeyCallback:   verifier.Callback,
		HostKeyAlgorithms: verifier.HostKeyAlgorithms(addr),
		BannerCallback: func(message string) error {
			w.log.Verbose("banner: %s", strings.TrimSpace(message))
			return nil
		},
	}

	// The handshake has no context of its own; closing the socket is
	// what unblocks it.
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	defer stop()

	w.log.Debug("SSH handshake with %s as %s (host keys %v)", addr, s.Username, clientCfg.HostKeyAlgorithms)
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	if err != nil {
		tcpConn.Close()
		return nil, classifyHandshake(ctx, s.Host, port, verifier, err)
	}

	// A successful NewClientConn means the server accepted one of our
	// methods; there is no separate "authenticated" flag to consult.
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// dialBastion opens the TCP leg, retrying transient errors within the
// startup window.
func (w *worker) dialBastion(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn

	b := w.opts.DialBackoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		w.log.Verbose("dial %s attempt %d failed, retrying in %v: %v",
			addr, attempt, wait.Truncate(time.Millisecond), err)
	}
	err := b.Do(ctx, func(_ int) error {
		c, err := w.opts.Dialer.Dial(ctx, "tcp", addr)
		if err != nil {
			ne := ncerr.Wrap("dial", addr, err)
			if !ncerr.IsRetryable(ne) {
				return retry.Permanent(ne)
			}
			return ne
		}
		conn = c
		return nil
	})
	if err != nil {
		if ncerr.As(err, new(*ncerr.NetworkError)) {
			return nil, err
		}
		return nil, ncerr.Wrap("dial", addr, err)
	}
	return conn, nil
}

// classifyHandshake turns an opaque handshake error into the startup
// error taxonomy.  Host-key checks run before authentication, so a
// verified key followed by "unable to authenticate" is an auth failure.
func classifyHandshake(ctx context.Context, host string, port int, v *hostKeyVerifier, err error) error {
	switch {
	case v.err != nil:
		return ncerr.WrapSSH("hostkey", host, port, v.err)
	case ctx.Err() != nil:
		return ncerr.WrapSSH("handshake", host, port, fmt.Errorf("aborted: %w", ctx.Err()))
	case v.verified && strings.Contains(err.Error(), "unable to authenticate"):
		return ncerr.WrapSSH("auth", host, port, fmt.Errorf("%w: %v", ncerr.ErrAuthFailed, err))
	default:
		return ncerr.WrapSSH("handshake", host, port, err)
	}
}
