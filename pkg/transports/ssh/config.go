package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds SSH connection configuration for one switch host.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// User is the SSH username
	User string `yaml:"user" validate:"required"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth_method" validate:"omitempty,oneof=password key"`

	// Password for password-based authentication
	Password string `yaml:"password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// Sudo prefixes every command with "sudo -n"
	Sudo bool `yaml:"sudo"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaxKeepAliveRetries is the maximum number of keep-alive failures before
	// the connection is dropped
	MaxKeepAliveRetries int `yaml:"max_keepalive_retries"`

	// ProxyHost is the hostname of a jump/proxy host (optional)
	ProxyHost string `yaml:"proxy_host"`

	// ProxyPort is the port of the proxy host
	ProxyPort int `yaml:"proxy_port"`

	// ProxyUser is the username for the proxy host
	ProxyUser string `yaml:"proxy_user"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     10 * time.Second,
		KeepAliveInterval:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig(c.Host, c.User)
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.AuthMethod == "" {
		c.AuthMethod = d.AuthMethod
	}
	if c.KnownHostsPath == "" && c.StrictHostKeyChecking {
		c.KnownHostsPath = d.KnownHostsPath
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxKeepAliveRetries == 0 {
		c.MaxKeepAliveRetries = d.MaxKeepAliveRetries
	}
	if c.ProxyPort == 0 {
		c.ProxyPort = d.ProxyPort
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			// Try default key locations
			homeDir := os.Getenv("HOME")
			defaultKeys := []string{
				filepath.Join(homeDir, ".ssh", "id_ed25519"),
				filepath.Join(homeDir, ".ssh", "id_rsa"),
				filepath.Join(homeDir, ".ssh", "id_ecdsa"),
			}
			for _, keyPath := range defaultKeys {
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Switch OSes commonly prompt through keyboard-interactive instead.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	// Configure host key callback
	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		// Insecure: accept any host key (only for lab fabrics)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}

// IsProxyEnabled returns true if a proxy/jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// proxyConfig derives the jump host configuration. The proxy authenticates
// with the same credentials as the target.
func (c *Config) proxyConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            c.AuthMethod,
		Password:              c.Password,
		PrivateKeyPath:        c.PrivateKeyPath,
		PrivateKeyPassphrase:  c.PrivateKeyPassphrase,
		ConnectionTimeout:     c.ConnectionTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsPath:        c.KnownHostsPath,
	}
}
