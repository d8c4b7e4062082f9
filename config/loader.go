package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Profile file  (profile.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the DBTUNNEL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DBTUNNEL_PROFILE"); v != "" {
		cfg.ProfilePath = v
	}
	if v := os.Getenv("DBTUNNEL_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("DBTUNNEL_SSH_USER"); v != "" {
		cfg.SSH.Username = v
	}
	if v := os.Getenv("DBTUNNEL_SSH_KEY"); v != "" {
		cfg.SSH.Auth = AuthPrivateKey
		cfg.SSH.PrivateKey = v
	}
	if v := os.Getenv("DBTUNNEL_SSH_PASSPHRASE"); v != "" {
		cfg.SSH.Passphrase = v
	}
	if v := os.Getenv("DBTUNNEL_SSH_PASSWORD"); v != "" {
		cfg.SSH.Auth = AuthPassword
		cfg.SSH.Password = v
	}
	if envBool("DBTUNNEL_SSH_AGENT") {
		cfg.SSH.Auth = AuthAgent
	}
	if v := os.Getenv("DBTUNNEL_KNOWN_HOSTS"); v != "" {
		cfg.SSH.KnownHostsPath = v
	}

	if envBool("DBTUNNEL_STATS") {
		cfg.Stats = true
	}
	if v := envInt("DBTUNNEL_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
