package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	// Generate a test host key
	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

// handleChannel serves one exec request. "cat" echoes stdin back, which is how
// the tests check that batch input reaches the remote command.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		command := string(req.Payload[4:]) // Skip the length prefix
		if req.WantReply {
			req.Reply(true, nil)
		}

		switch command {
		case "true":
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "echo test":
			channel.Write([]byte("test\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "cat":
			io.Copy(channel, channel)
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "bad-flow":
			channel.Stderr().Write([]byte("ovs-ofctl: unknown keyword\n"))
			channel.SendRequest("exit-status", false, exitStatus(1))
		default:
			channel.Write([]byte("command: " + command + "\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		}
		return
	}
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func newTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newTestClient(t, server)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.Info()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}
}

func TestClientRejectsBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newTestClient(t, server)
	client.config.Password = "wrong"

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.ExitStatus() != 0 {
		t.Errorf("expected transport error without exit status, got %v", err)
	}
}

func TestClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newTestClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newTestClient(t, server)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	// Run reconnects on demand
	if _, err := client.Run(ctx, "true", nil); err != nil {
		t.Errorf("expected reconnect on run, got %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected again")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newTestClient(t, server)
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		stdout, err := client.Run(ctx, "echo test", nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "test" {
			t.Errorf("expected stdout 'test', got '%s'", stdout)
		}
	})

	t.Run("stdin is delivered", func(t *testing.T) {
		input := "add table=0,priority=10,in_port=1,actions=output:2\n"
		stdout, err := client.Run(ctx, "cat", []byte(input))
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != strings.TrimSpace(input) {
			t.Errorf("expected stdin echoed back, got '%s'", stdout)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res, err := client.Exec(ctx, "bad-flow", nil)
		if err == nil {
			t.Fatal("expected error for failing command")
		}

		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			t.Fatalf("expected TransportError, got %T", err)
		}
		if transportErr.ExitStatus() != 1 || transportErr.Temporary() {
			t.Errorf("expected permanent exit status 1, got %d", transportErr.ExitStatus())
		}
		if !strings.Contains(err.Error(), "unknown keyword") {
			t.Errorf("expected stderr in error, got '%v'", err)
		}
		if res.Stderr != "ovs-ofctl: unknown keyword" {
			t.Errorf("unexpected stderr '%s'", res.Stderr)
		}
	})

	t.Run("sudo prefix", func(t *testing.T) {
		client.config.Sudo = true
		defer func() { client.config.Sudo = false }()

		stdout, err := client.Run(ctx, "ovs-ofctl show br0", nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "command: sudo -n ovs-ofctl show br0" {
			t.Errorf("unexpected stdout '%s'", stdout)
		}
	})
}

func TestClientUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	host, port := parseAddress(addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.Run(context.Background(), "true", nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || !transportErr.Temporary() {
		t.Errorf("expected temporary transport error, got %v", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	// Create a temporary key file
	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyBytes := pem.EncodeToMemory(pemBlock)

	if err := os.WriteFile(keyPath, keyBytes, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
