package config

import (
	"fmt"

	ncerr "dbtunnel/internal/errors"
)

// Config holds everything the dbtunnel command needs for one run: the
// bastion settings, the forwarded target, and output options.
type Config struct {
	SSH Settings

	// ── Target ───────────────────────────────────────────────────────
	RemoteHost string
	RemotePort uint16

	// ── Sources ──────────────────────────────────────────────────────
	TunnelSpec  string // raw user@host[:port] from -T
	ProfilePath string
	PasswordEnv string // name of an env var holding the SSH password

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	Stats   bool
}

// ApplyTunnelSpec parses c.TunnelSpec into the SSH settings.  The user
// part is optional when a username is already configured.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	c.SSH.Enabled = true
	c.SSH.Host = host
	c.SSH.Port = port
	if user != "" {
		c.SSH.Username = user
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RemoteHost == "" {
		return &ncerr.ConfigError{
			Field:   "remote-host",
			Message: "target host is required",
			Hint:    "dbtunnel -T user@bastion <remote-host> <remote-port>",
		}
	}
	if c.RemotePort == 0 {
		return &ncerr.ConfigError{
			Field:   "remote-port",
			Message: "target port is required",
		}
	}
	if !c.SSH.Enabled {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Message: "no SSH bastion configured",
			Hint:    "use --tunnel user@bastion[:port] or --profile FILE",
		}
	}
	return c.SSH.Validate()
}
