package errors

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
)

func TestNetworkError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  NetworkError
		want string
	}{
		{
			name: "retryable",
			err:  NetworkError{Op: "dial", Addr: "bastion:22", Err: io.EOF, Retryable: true},
			want: "dial bastion:22: EOF (retryable)",
		},
		{
			name: "non-retryable",
			err:  NetworkError{Op: "listen", Addr: "127.0.0.1:0", Err: fmt.Errorf("bind failed")},
			want: "listen 127.0.0.1:0: bind failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSHError_Format(t *testing.T) {
	err := WrapSSH("auth", "bastion.example.com", 22, ErrAuthFailed)
	want := "ssh auth bastion.example.com:22: authentication failed"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !Is(err, ErrAuthFailed) {
		t.Error("should unwrap to ErrAuthFailed")
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "port",
				Value:   99999,
				Message: "out of range 1-65535",
				Hint:    "use a port between 1 and 65535",
			},
			want: "config: port=99999: out of range 1-65535\n  hint: use a port between 1 and 65535",
		},
		{
			name: "missing value no hint",
			err:  ConfigError{Field: "username", Message: "required"},
			want: "config: username: required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := Wrap("dial", "10.0.0.1:22", inner)

	if err.Op != "dial" || err.Addr != "10.0.0.1:22" {
		t.Errorf("wrong fields: Op=%q Addr=%q", err.Op, err.Addr)
	}
	if !Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: true}, true},
		{"non-retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF}, false},
		{"temporary dns", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{IsTemporary: true}}, true},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsHostKeyError(t *testing.T) {
	for _, err := range []error{ErrHostKeyMismatch, ErrHostKeyNotFound, ErrHostKeyCheck, ErrKnownHostsNotFound} {
		wrapped := WrapSSH("hostkey", "h", 22, err)
		if !IsHostKeyError(wrapped) {
			t.Errorf("%v should be a host-key error", err)
		}
	}
	if IsHostKeyError(ErrAuthFailed) {
		t.Error("auth failure is not a host-key error")
	}
}

// The user-facing messages are matched by callers; keep the wording.
func TestSentinelMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrHostKeyMismatch, "mismatch"},
		{ErrHostKeyNotFound, "not present"},
		{ErrKnownHostsNotFound, "not found"},
		{ErrAuthFailed, "authentication failed"},
		{ErrStartupTimeout, "timed out"},
	}
	for _, tt := range tests {
		if !strings.Contains(tt.err.Error(), tt.want) {
			t.Errorf("%q should contain %q", tt.err, tt.want)
		}
	}
}

func TestSentinels(t *testing.T) {
	sentinels := []error{
		ErrTunnelDisabled, ErrStartupTimeout,
		ErrKnownHostsNotFound, ErrHostKeyNotFound, ErrHostKeyMismatch,
		ErrHostKeyCheck, ErrAuthFailed, ErrUnsupportedAuth,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	err := error(&ConfigError{Field: "auth_method", Value: "gssapi", Message: "unknown", Err: ErrUnsupportedAuth})
	if !Is(err, ErrUnsupportedAuth) {
		t.Error("ConfigError should unwrap to its sentinel")
	}
	if Is(&ConfigError{Field: "host", Message: "required"}, ErrUnsupportedAuth) {
		t.Error("ConfigError without Err should not match")
	}
}
