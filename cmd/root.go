// Package cmd wires up the CLI flags and runs the tunnel.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"dbtunnel/config"
	ncerr "dbtunnel/internal/errors"
	"dbtunnel/internal/metrics"
	"dbtunnel/tunnel"
	"dbtunnel/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X dbtunnel/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// flags holds the raw command-line values.  They are applied on top of
// the profile and environment only when set explicitly.
type flags struct {
	tunnelSpec  string
	password    bool
	passwordEnv string
	identity    string
	passphrase  bool
	agent       bool
	knownHosts  string
	profile     string
	stats       bool
	verbose     int
	dryRun      bool
	showVersion bool
	showHelp    bool
}

// secretReader reads a secret without echoing it.
type secretReader func(prompt string) (string, error)

// Execute parses args and runs the tunnel until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, readSecret)
}

func run(ctx context.Context, args []string, out io.Writer, prompt secretReader) error {
	var f flags
	fs := flag.NewFlagSet("dbtunnel", flag.ContinueOnError)

	// ── bastion ──────────────────────────────────────────────────
	fs.StringVarP(&f.tunnelSpec, "tunnel", "T", "", "SSH bastion as [user@]host[:port]")
	fs.BoolVar(&f.password, "password", false, "Prompt for the SSH password")
	fs.StringVar(&f.passwordEnv, "password-env", "", "Read the SSH password from env var `NAME`")
	fs.StringVarP(&f.identity, "identity", "i", "", "SSH private key file")
	fs.BoolVar(&f.passphrase, "passphrase", false, "Prompt for the private key passphrase")
	fs.BoolVar(&f.agent, "agent", false, "Authenticate with ssh-agent")
	fs.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	fs.StringVar(&f.profile, "profile", "", "YAML connection profile")

	// ── output ───────────────────────────────────────────────────
	fs.BoolVar(&f.stats, "stats", false, "Print JSON metrics on exit")
	fs.CountVarP(&f.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Validate configuration and exit")

	fs.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&f.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if f.showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if f.showVersion {
		fmt.Fprintf(out, "dbtunnel %s\n", version)
		return nil
	}

	cfg, err := resolve(fs, &f, prompt)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if f.dryRun {
		fmt.Fprintf(out, "bastion %s@%s auth %s\ntarget %s\n",
			cfg.SSH.Username, cfg.SSH.Addr(), cfg.SSH.Auth,
			util.FormatAddr(cfg.RemoteHost, int(cfg.RemotePort)))
		return nil
	}

	// ── run ──────────────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	collector := metrics.New()

	tun, err := tunnel.StartWithOptions(ctx, &cfg.SSH, cfg.RemoteHost, cfg.RemotePort, tunnel.Options{
		Logger:  logger.Named("tunnel"),
		Metrics: collector,
	})
	if err != nil {
		if ncerr.IsHostKeyError(err) {
			return fmt.Errorf("%w\n  hint: check the bastion's fingerprint, then add it with ssh-keyscan -p PORT HOST >> ~/.ssh/known_hosts", err)
		}
		return err
	}

	fmt.Fprintf(out, "forwarding %s -> %s via %s\n", tun.LocalAddr(),
		util.FormatAddr(cfg.RemoteHost, int(cfg.RemotePort)), cfg.SSH.Addr())

	select {
	case <-ctx.Done():
		logger.Verbose("signal received, closing tunnel")
	case <-tun.Done():
	}
	tun.Close()

	if cfg.Stats {
		fmt.Fprintln(out, collector.JSON())
	}
	return tun.Err()
}

// resolve builds the configuration.  Precedence, highest first: flags,
// environment, profile, defaults.
func resolve(fs *flag.FlagSet, f *flags, prompt secretReader) (*config.Config, error) {
	cfg := &config.Config{}

	profilePath := os.Getenv("DBTUNNEL_PROFILE")
	if fs.Changed("profile") {
		profilePath = f.profile
	}
	if profilePath != "" {
		p, err := config.LoadProfile(profilePath)
		if err != nil {
			return nil, err
		}
		p.Apply(cfg)
	}

	config.LoadFromEnv(cfg)
	cfg.ProfilePath = profilePath

	if fs.Changed("tunnel") {
		cfg.TunnelSpec = f.tunnelSpec
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return nil, err
	}
	if fs.Changed("known-hosts") {
		cfg.SSH.KnownHostsPath = f.knownHosts
	}
	if fs.Changed("stats") {
		cfg.Stats = f.stats
	}
	if fs.Changed("verbose") {
		cfg.Verbose = f.verbose
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, err
	}
	if err := resolveAuth(cfg, fs, f, prompt); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveAuth(cfg *config.Config, fs *flag.FlagSet, f *flags, prompt secretReader) error {
	s := &cfg.SSH

	switch {
	case f.agent:
		s.Auth = config.AuthAgent
	case fs.Changed("identity"):
		s.Auth = config.AuthPrivateKey
		s.PrivateKey = f.identity
	case f.password || f.passwordEnv != "":
		s.Auth = config.AuthPassword
	case s.Auth == "":
		if os.Getenv("SSH_AUTH_SOCK") != "" {
			s.Auth = config.AuthAgent
		} else {
			s.Auth = config.AuthPassword
		}
	}

	if f.passwordEnv != "" {
		cfg.PasswordEnv = f.passwordEnv
		s.Password = os.Getenv(f.passwordEnv)
		if s.Password == "" {
			return fmt.Errorf("password-env: %s is empty or unset", f.passwordEnv)
		}
	}

	if !s.Enabled || s.Host == "" {
		// Validate reports the missing bastion; do not prompt for it.
		return nil
	}

	if s.Auth == config.AuthPassword && (f.password || s.Password == "") {
		pass, err := prompt(fmt.Sprintf("%s@%s's password: ", s.Username, s.Host))
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		s.Password = pass
	}
	if s.Auth == config.AuthPrivateKey && f.passphrase {
		pass, err := prompt(fmt.Sprintf("Enter passphrase for %s: ", s.PrivateKey))
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		s.Passphrase = pass
	}
	return nil
}

// parsePositional accepts "<host> <port>", "<host:port>", or nothing
// when a profile supplies the target.
func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0:
		return nil
	case 1:
		host, port, err := config.ParseTarget(remaining[0])
		if err != nil {
			return err
		}
		cfg.RemoteHost, cfg.RemotePort = host, port
	case 2:
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return fmt.Errorf("remote port: %w", err)
		}
		cfg.RemoteHost, cfg.RemotePort = remaining[0], port
	default:
		return fmt.Errorf("too many arguments (use --help for usage)")
	}
	return nil
}

// readSecret prompts on stderr and reads from the terminal without
// echo.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; use --password-env or a profile")
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `dbtunnel – SSH tunnel for database clients v%s

Forwards an ephemeral port on 127.0.0.1 to a database behind an SSH
bastion.  Only hosts already in known_hosts are trusted.

Usage:
  dbtunnel -T user@bastion[:port] [options] <remote-host> <remote-port>
  dbtunnel -T user@bastion[:port] [options] <remote-host:remote-port>
  dbtunnel --profile prod.yaml

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  dbtunnel -T admin@bastion db-internal 5432            Password prompt
  dbtunnel -T deploy@bastion -i ~/.ssh/id_ed25519 mongo.internal 27017
  dbtunnel -T deploy@bastion:2222 --agent 10.0.3.7:3306
  DBTUNNEL_SSH_PASSWORD=... dbtunnel -T admin@bastion db 5432

Environment:
  DBTUNNEL_PROFILE DBTUNNEL_TUNNEL DBTUNNEL_SSH_USER DBTUNNEL_SSH_KEY
  DBTUNNEL_SSH_PASSPHRASE DBTUNNEL_SSH_PASSWORD DBTUNNEL_SSH_AGENT
  DBTUNNEL_KNOWN_HOSTS DBTUNNEL_STATS DBTUNNEL_VERBOSE
`)
}
