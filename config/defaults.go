package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across the tunnel, CLI flags, and profile loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultListenAddress is where the tunnel binds its ephemeral
	// local port.  Only loopback clients may use the tunnel.
	DefaultListenAddress = "127.0.0.1:0"

	// DefaultKeepAliveInterval is how often the worker sends an SSH
	// keep-alive, regardless of traffic.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultReadyTimeout bounds how long Start waits for the worker
	// to report a local port or a startup failure.
	DefaultReadyTimeout = 10 * time.Second

	// DefaultConnectTimeout is how long an accepted local connection
	// may wait for its SSH channel before it is dropped.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultSweepInterval is how often the worker looks for expired
	// pending connections.  It bounds how far past the connect timeout
	// a stalled connection can live.
	DefaultSweepInterval = 100 * time.Millisecond

	// DefaultDialTimeout is the TCP connect timeout for the bastion.
	DefaultDialTimeout = 10 * time.Second

	// KeepAliveRequest is the global request name OpenSSH answers.
	KeepAliveRequest = "keepalive@openssh.com"
)
