package tunnel

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"dbtunnel/config"
)

const (
	testUser     = "dba"
	testPassword = "s3cret"
)

// testBastion is an in-process SSH server that allows direct-tcpip.
type testBastion struct {
	addr    string
	port    int
	hostKey ssh.Signer
}

// bastionOption adjusts the test server before it starts serving.
type bastionOption func(*gliderssh.Server)

// withHostKey adds a host key next to the default ed25519 one.
func withHostKey(signer ssh.Signer) bastionOption {
	return func(srv *gliderssh.Server) { srv.AddHostKey(signer) }
}

// withAuthorizedKey accepts public-key authentication for key.
func withAuthorizedKey(key ssh.PublicKey) bastionOption {
	return func(srv *gliderssh.Server) {
		srv.PublicKeyHandler = func(_ gliderssh.Context, offered gliderssh.PublicKey) bool {
			return bytes.Equal(offered.Marshal(), key.Marshal())
		}
	}
}

// startBastion serves SSH on a loopback port until the test ends.  A
// nil direct handler uses the stock forwarding handler.
func startBastion(t *testing.T, direct gliderssh.ChannelHandler, opts ...bastionOption) *testBastion {
	t.Helper()

	if direct == nil {
		direct = gliderssh.DirectTCPIPHandler
	}
	hostKey := newSigner(t)

	srv := &gliderssh.Server{
		PasswordHandler: func(_ gliderssh.Context, password string) bool {
			return password == testPassword
		},
		LocalPortForwardingCallback: func(_ gliderssh.Context, _ string, _ uint32) bool {
			return true
		},
		ChannelHandlers: map[string]gliderssh.ChannelHandler{
			"direct-tcpip": direct,
		},
	}
	srv.AddHostKey(hostKey)
	for _, opt := range opts {
		opt(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	return &testBastion{
		addr:    ln.Addr().String(),
		port:    ln.Addr().(*net.TCPAddr).Port,
		hostKey: hostKey,
	}
}

// settings returns password settings for the bastion, trusting its
// host key through a fresh known_hosts file.
func (b *testBastion) settings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           b.port,
		Username:       testUser,
		Auth:           config.AuthPassword,
		Password:       testPassword,
		KnownHostsPath: writeKnownHosts(t, b.addr, b.hostKey.PublicKey()),
	}
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func newECDSASigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// writeKnownHosts writes a known_hosts file with one line per key for
// addr.
func writeKnownHosts(t *testing.T, addr string, keys ...ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	var buf bytes.Buffer
	for _, key := range keys {
		buf.WriteString(knownhosts.Line([]string{knownhosts.Normalize(addr)}, key) + "\n")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// writePrivateKey writes an OpenSSH-format ed25519 key and returns the
// path, the PEM text and the public half.  A non-empty passphrase
// encrypts it.
func writePrivateKey(t *testing.T, passphrase string) (string, string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test@dbtunnel")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test@dbtunnel", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	text := pem.EncodeToMemory(block)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, text, 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return path, string(text), sshPub
}

// startEcho runs a TCP echo server that half-closes after the client
// does.
func startEcho(t *testing.T) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
				c.(*net.TCPConn).CloseWrite()
			}(c)
		}
	}()

	host, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(p)
	return host, uint16(port)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return dialed.(*net.TCPConn), server.(*net.TCPConn)
}
