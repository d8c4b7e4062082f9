// Package config defines the tunnel settings and the runtime
// configuration of the dbtunnel command, and provides helpers for
// parsing bastion specifications and target ports.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	ncerr "dbtunnel/internal/errors"
	"dbtunnel/util"
)

// AuthMethod selects how the tunnel authenticates to the bastion.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
	AuthAgent      AuthMethod = "agent"
)

// Settings describes one SSH bastion.  A tunnel reads it once at
// startup and never mutates it.
type Settings struct {
	Enabled  bool       `yaml:"enabled"`
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	Username string     `yaml:"username"`
	Auth     AuthMethod `yaml:"auth_method"`

	Password string `yaml:"password,omitempty"`

	// PrivateKey holds either a path to a key file or the key text
	// itself; see [LooksLikePrivateKey].
	PrivateKey string `yaml:"private_key,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`

	// KnownHostsPath overrides $HOME/.ssh/known_hosts.
	KnownHostsPath string `yaml:"known_hosts,omitempty"`
}

// Addr returns the bastion's "host:port", bracketing IPv6 literals.
func (s *Settings) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return util.FormatAddr(s.Host, port)
}

// Validate checks that the settings are complete enough to attempt a
// connection.  Disabled settings are always valid.
func (s *Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Host) == "" {
		return &ncerr.ConfigError{
			Field:   "host",
			Message: "SSH host is required",
			Hint:    "use --tunnel user@bastion[:port]",
		}
	}
	if s.Port < 0 || s.Port > 65535 {
		return &ncerr.ConfigError{
			Field:   "port",
			Value:   s.Port,
			Message: "out of range 1-65535",
		}
	}
	if strings.TrimSpace(s.Username) == "" {
		return &ncerr.ConfigError{
			Field:   "username",
			Message: "SSH username is required",
			Hint:    "prefix the bastion with user@",
		}
	}

	switch s.Auth {
	case AuthPassword:
		if s.Password == "" {
			return &ncerr.ConfigError{
				Field:   "password",
				Message: "required for password authentication",
				Hint:    "use --password to be prompted, or --password-env NAME",
			}
		}
	case AuthPrivateKey:
		if strings.TrimSpace(s.PrivateKey) == "" {
			return &ncerr.ConfigError{
				Field:   "private_key",
				Message: "required for private key authentication",
				Hint:    "use --identity ~/.ssh/id_ed25519",
			}
		}
	case AuthAgent:
	default:
		return &ncerr.ConfigError{
			Field:   "auth_method",
			Value:   string(s.Auth),
			Message: "unknown authentication method",
			Hint:    "expected password, private_key or agent",
			Err:     ncerr.ErrUnsupportedAuth,
		}
	}
	return nil
}

// LooksLikePrivateKey reports whether input is key text rather than a
// path to a key file.
func LooksLikePrivateKey(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "-----BEGIN ") &&
		strings.Contains(input, "PRIVATE KEY-----")
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort parses a TCP port in the range 1-65535.
func ParsePort(spec string) (uint16, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return uint16(port), nil
}

// ParseTarget splits "host:port" into the forwarded host and port.
// IPv6 literals must be bracketed.
func ParseTarget(spec string) (string, uint16, error) {
	host, p, err := net.SplitHostPort(spec)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q – expected host:port", spec)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid target %q – host is empty", spec)
	}
	port, err := ParsePort(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port], where host may be a bracketed
// IPv6 literal.
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?(\[[^\[\]@]+\]|[^:\[\]@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222" or "admin@[2001:db8::1]:22".  Port
// defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = strings.TrimSuffix(strings.TrimPrefix(m[2], "["), "]")
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}
