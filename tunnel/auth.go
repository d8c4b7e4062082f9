package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"dbtunnel/config"
	ncerr "dbtunnel/internal/errors"
)

// buildAuthMethods turns the configured authentication variant into
// ssh.AuthMethods.  The returned cleanup releases the agent socket and
// must be called once the handshake is over.
func buildAuthMethods(s *config.Settings) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	switch s.Auth {
	case config.AuthPassword:
		return []ssh.AuthMethod{
			ssh.Password(s.Password),
			// Many bastions route passwords through keyboard-interactive.
			ssh.KeyboardInteractive(passwordChallenge(s.Password)),
		}, noop, nil

	case config.AuthPrivateKey:
		signer, err := privateKeySigner(s.PrivateKey, s.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case config.AuthAgent:
		return agentAuth()

	default:
		return nil, noop, fmt.Errorf("%w: %q", ncerr.ErrUnsupportedAuth, s.Auth)
	}
}

// passwordChallenge answers every keyboard-interactive prompt with the
// password.  Prompts with no questions get no answers.
func passwordChallenge(password string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

// privateKeySigner loads a key given either as PEM text or as a path.
func privateKeySigner(input, passphrase string) (ssh.Signer, error) {
	input = strings.TrimSpace(input)

	var data []byte
	if config.LooksLikePrivateKey(input) {
		data = []byte(input + "\n")
	} else {
		path, err := expandHome(input)
		if err != nil {
			return nil, err
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("key is encrypted and no passphrase was given")
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

func agentAuth() ([]ssh.AuthMethod, func(), error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, func() {}, fmt.Errorf("ssh-agent: SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, func() {}, fmt.Errorf("ssh-agent: connecting to %s: %w", sock, err)
	}
	cleanup := func() { conn.Close() }
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, cleanup, nil
}

// expandHome resolves a leading "~/" against the home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ── host-key verification ────────────────────────────────────────────

// knownHostsPath returns the known_hosts file to verify against.  A
// missing file is an error: an unknown bastion is never trusted
// implicitly.
func knownHostsPath(s *config.Settings) (string, error) {
	path := s.KnownHostsPath
	if path == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", ncerr.ErrKnownHostsNotFound
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ncerr.ErrKnownHostsNotFound, path)
	}
	return path, nil
}

// hostKeyVerifier wraps a knownhosts callback and remembers the
// verdict, so a rejected key can be reported precisely even though the
// handshake error that carries it is opaque.
type hostKeyVerifier struct {
	check    ssh.HostKeyCallback
	verified bool
	err      error
}

func newHostKeyVerifier(s *config.Settings) (*hostKeyVerifier, error) {
	path, err := knownHostsPath(s)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ncerr.ErrHostKeyCheck, path, err)
	}
	return &hostKeyVerifier{check: cb}, nil
}

// Callback is the ssh.HostKeyCallback handed to the client config.
func (v *hostKeyVerifier) Callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.err = classifyHostKey(v.check(hostname, remote, key), hostname)
	v.verified = v.err == nil
	return v.err
}

// HostKeyAlgorithms lists the host-key algorithms known_hosts can vouch
// for at hostname, in file order.  Without it the server may pick a key
// type that known_hosts does not hold and a trusted host fails as a
// mismatch.  A host with no entries yields nil.
func (v *hostKeyVerifier) HostKeyAlgorithms(hostname string) []string {
	err := v.check(hostname, &net.TCPAddr{}, placeholderKey{})
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return nil
	}
	return hostKeyAlgorithms(keyErr.Want)
}

func hostKeyAlgorithms(want []knownhosts.KnownKey) []string {
	known := append([]knownhosts.KnownKey(nil), want...)
	sort.SliceStable(known, func(i, j int) bool {
		if known[i].Filename != known[j].Filename {
			return known[i].Filename < known[j].Filename
		}
		return known[i].Line < known[j].Line
	})

	var algos []string
	seen := make(map[string]bool)
	for _, k := range known {
		for _, algo := range keyAlgorithms(k.Key.Type()) {
			if !seen[algo] {
				seen[algo] = true
				algos = append(algos, algo)
			}
		}
	}
	return algos
}

// keyAlgorithms maps a key type onto the signature algorithms it can
// be presented with.
func keyAlgorithms(keyType string) []string {
	if keyType == ssh.KeyAlgoRSA {
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{keyType}
}

// placeholderKey matches no known_hosts line, so checking it reports
// every key recorded for the host.
type placeholderKey struct{}

func (placeholderKey) Type() string    { return "placeholder" }
func (placeholderKey) Marshal() []byte { return []byte("placeholder") }
func (placeholderKey) Verify([]byte, *ssh.Signature) error {
	return errors.New("placeholder key cannot verify")
}

// classifyHostKey maps a knownhosts result onto Match (nil), Mismatch,
// NotFound, or Failure.
func classifyHostKey(err error, hostname string) error {
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return fmt.Errorf("%w: %s", ncerr.ErrHostKeyNotFound, hostname)
		}
		want := keyErr.Want[0]
		return fmt.Errorf("%w: %s (expected %s key from %s:%d)", ncerr.ErrHostKeyMismatch,
			hostname, want.Key.Type(), want.Filename, want.Line)
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return fmt.Errorf("%w: %s key for %s is revoked", ncerr.ErrHostKeyCheck,
			revoked.Revoked.Key.Type(), hostname)
	}
	return fmt.Errorf("%w: %v", ncerr.ErrHostKeyCheck, err)
}
