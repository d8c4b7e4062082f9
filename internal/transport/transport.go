// Package transport provides the dialers used to reach the SSH
// bastion.  The tunnel talks to a Dialer rather than calling net.Dial
// directly so the bastion leg can be redirected in tests.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}
