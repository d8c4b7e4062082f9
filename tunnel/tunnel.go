// Package tunnel forwards local TCP connections to a fixed remote
// endpoint through an SSH bastion, the way `ssh -L` does.
//
// [Start] connects and authenticates, binds an ephemeral port on
// 127.0.0.1 and returns once the port is ready.  Every connection
// accepted on that port is carried over its own direct-tcpip channel
// of a single SSH session.  A failure on one forwarded connection never
// affects the others or the tunnel.
package tunnel

import (
	"context"
	"fmt"
	"time"

	"dbtunnel/config"
	ncerr "dbtunnel/internal/errors"
	"dbtunnel/internal/metrics"
	"dbtunnel/internal/retry"
	"dbtunnel/internal/transport"
	"dbtunnel/util"
)

// Options tunes a tunnel.  The zero value uses the defaults from the
// config package.
type Options struct {
	Logger  *util.Logger
	Metrics *metrics.Collector

	// Dialer reaches the bastion; DialBackoff retries transient
	// failures of that dial.
	Dialer      transport.Dialer
	DialBackoff retry.Backoff

	ListenAddress     string
	ReadyTimeout      time.Duration // bound on Start
	ConnectTimeout    time.Duration // bound on a pending connection
	KeepAliveInterval time.Duration
	SweepInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = util.Discard()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Dialer == nil {
		o.Dialer = &transport.TCPDialer{Timeout: config.DefaultDialTimeout}
	}
	if o.DialBackoff.MaxAttempts == 0 {
		o.DialBackoff = *retry.DialBackoff()
	}
	if o.ListenAddress == "" {
		o.ListenAddress = config.DefaultListenAddress
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = config.DefaultReadyTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = config.DefaultConnectTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = config.DefaultKeepAliveInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.DefaultSweepInterval
	}
	return o
}

// Tunnel is a running forwarder.  Its local port never changes.
type Tunnel struct {
	port uint16
	addr string
	w    *worker
}

// Start opens a tunnel to remoteHost:remotePort through the bastion in
// s with default options.
func Start(ctx context.Context, s *config.Settings, remoteHost string, remotePort uint16) (*Tunnel, error) {
	return StartWithOptions(ctx, s, remoteHost, remotePort, Options{})
}

// StartWithOptions is [Start] with explicit options.
//
// It blocks until the local port is bound or startup fails, for at most
// opts.ReadyTimeout.  ctx only bounds startup; once running, the tunnel
// lives until [Tunnel.Close].
func StartWithOptions(ctx context.Context, s *config.Settings, remoteHost string, remotePort uint16, opts Options) (*Tunnel, error) {
	if s == nil || !s.Enabled {
		return nil, ncerr.ErrTunnelDisabled
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if remoteHost == "" || remotePort == 0 {
		return nil, &ncerr.ConfigError{
			Field:   "remote",
			Value:   util.FormatAddr(remoteHost, int(remotePort)),
			Message: "target host and port are required",
		}
	}

	opts = opts.withDefaults()
	settings := *s
	w := newWorker(&settings, remoteHost, remotePort, opts)
	w.log.Verbose("connecting to %s as %s", settings.Addr(), settings.Username)
	go w.run()

	timer := time.NewTimer(opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case r := <-w.ready:
		if r.err != nil {
			<-w.done
			return nil, r.err
		}
		return &Tunnel{port: r.port, addr: r.addr, w: w}, nil

	case <-timer.C:
		w.stop()
		<-w.done
		return nil, fmt.Errorf("%w after %v", ncerr.ErrStartupTimeout, opts.ReadyTimeout)

	case <-ctx.Done():
		w.stop()
		<-w.done
		return nil, ctx.Err()
	}
}

// LocalPort returns the port on 127.0.0.1 that forwards to the target.
func (t *Tunnel) LocalPort() uint16 { return t.port }

// LocalAddr returns the listener address, e.g. "127.0.0.1:54012".
func (t *Tunnel) LocalAddr() string { return t.addr }

// Stats returns a snapshot of the tunnel's counters.
func (t *Tunnel) Stats() metrics.Snapshot { return t.w.metrics.Snapshot() }

// Done is closed once the tunnel has stopped, either through Close or
// because the SSH session or the listener failed.
func (t *Tunnel) Done() <-chan struct{} { return t.w.done }

// Err returns why the tunnel stopped on its own.  It is nil while the
// tunnel runs and after a plain Close.
func (t *Tunnel) Err() error {
	select {
	case <-t.w.done:
		return t.w.err
	default:
		return nil
	}
}

// Close stops the tunnel and waits for every goroutine it started.
// Open forwarded connections are closed without draining.  Calling
// Close more than once is safe.
func (t *Tunnel) Close() error {
	t.w.stop()
	<-t.w.done
	return nil
}
