package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultTCPPort is the loopback fallback port when Unix sockets are not
// usable.
const DefaultTCPPort = 15433

// Endpoint names where the daemon listens: a Unix socket path or a
// loopback TCP address.
type Endpoint struct {
	Network string `json:"network"` // "unix" or "tcp"
	Addr    string `json:"addr"`
}

// UnixEndpoint returns a Unix-socket endpoint at path.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{Network: "unix", Addr: path}
}

// TCPEndpoint returns a loopback TCP endpoint on port.
func TCPEndpoint(host string, port int) Endpoint {
	if host == "" {
		host = "127.0.0.1"
	}
	return Endpoint{Network: "tcp", Addr: fmt.Sprintf("%s:%d", host, port)}
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Addr
}

// Listen binds the endpoint, retrying with exponential backoff (100,
// 200, 400 ms) on address-in-use — a peer may be mid-bind during a
// startup race and resolve either way within a few hundred milliseconds.
func (e Endpoint) Listen(ctx context.Context) (net.Listener, error) {
	if e.Network == "unix" {
		// A leftover socket file from a dead daemon blocks bind; the
		// caller has already health-checked it, so it is safe to clear.
		if _, err := os.Stat(e.Addr); err == nil {
			_ = os.Remove(e.Addr)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 400 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	bo := backoff.WithContext(b, ctx)

	var listener net.Listener
	err := backoff.Retry(func() error {
		var err error
		listener, err = net.Listen(e.Network, e.Addr)
		if err == nil {
			return nil
		}
		if isAddrInUse(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err != nil {
		return nil, err
	}
	return listener, nil
}

// Dial connects to the endpoint with a short timeout.
func (e Endpoint) Dial(timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return net.DialTimeout(e.Network, e.Addr, timeout)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); ok {
		return opErr.Op == "listen" && errors.Is(err, syscall.EADDRINUSE)
	}
	return false
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
