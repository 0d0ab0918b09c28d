package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client runs commands on one remote host over a single SSH connection.
// The connection is opened on first use and reopened after it breaks.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

// NewClient creates a new SSH client. No connection is made until Connect or
// the first Run.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.isConnected && c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	var client *ssh.Client
	if c.config.IsProxyEnabled() {
		client, err = c.dialViaProxy(ctx, clientConfig)
	} else {
		client, err = c.dialDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.client = client
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stop = make(chan struct{})
		go c.keepAlive(client, c.stop)
	}

	log.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dialDirect establishes a direct SSH connection, honouring ctx while the
// handshake is in progress.
func (c *Client) dialDirect(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		return r.client, nil
	}
}

// dialViaProxy establishes an SSH connection through a jump host.
func (c *Client) dialViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyConfig.Address())
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	pc, chans, reqs, err := ssh.NewClientConn(conn, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}
	proxyClient := ssh.NewClient(pc, chans, reqs)

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return nil, &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return nil, &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}

	c.proxy = proxyClient
	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}

	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	c.isConnected = false

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is alive by running a no-op command.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Run(ctx, "true", nil)
	return err
}

// Info returns information about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// keepAlive sends periodic keep-alive requests and drops the connection
// after too many consecutive failures, so the next Run reconnects.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			retries = 0
			continue
		}

		retries++
		log.Warn().Err(err).Int("retries", retries).Str("host", c.config.Host).Msg("keep-alive failed")
		if retries >= c.config.MaxKeepAliveRetries {
			log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, dropping connection")
			c.drop(client)
			return
		}
	}
}

// session opens a session, connecting first if needed.
func (c *Client) session(ctx context.Context) (*ssh.Session, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	session, err := c.client.NewSession()
	if err != nil {
		// The connection is gone; reconnect on the next call.
		_ = c.closeLocked()
		return nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	c.lastUsedAt = time.Now()
	return session, nil
}

// drop closes client if it is still the active connection.
func (c *Client) drop(client *ssh.Client) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.client == client {
		_ = c.closeLocked()
	}
}
