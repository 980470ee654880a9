package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// Client describes how to reach one host.
type Client struct {
	Host       string
	Port       int
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

// Conn is an open SSH connection.
type Conn struct {
	client *xssh.Client
	addr   string
}

func (c *Client) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial connects with retries and linear backoff. It gives up when ctx is done.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	addr := c.addr()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dialContext(ctx, addr, cfg)
		if err == nil {
			return &Conn{client: cli, addr: addr}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt+1).Msg("ssh dial failed")
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("ssh dial %s: %w", addr, lastErr)
}

func dialContext(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Run executes command and returns its combined output. A cancelled ctx closes
// the session.
func (c *Conn) Run(ctx context.Context, command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Close()
		return out.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("run %q: %w", command, err)
		}
		return out.String(), nil
	}
}

func (c *Conn) Addr() string { return c.addr }

func (c *Conn) Close() error { return c.client.Close() }
