// Package config loads runtime configuration for a dhtnode process,
// generalizing the teacher's config package (a package-level singleton
// loaded once via godotenv) from a single encryption-key setting to the
// full set of knobs a node needs: listen address, identity file and
// passphrase, bootstrap peers, and the HTTP control surface address.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of one dhtnode process.
type Config struct {
	// ListenAddr is the TCP address the node's PeerLink listens on.
	ListenAddr string

	// HTTPAddr is the address the control-surface HTTP server binds, or
	// "" to disable it.
	HTTPAddr string

	// IdentityPath is where the sealed identity keypair is persisted.
	IdentityPath string

	// IdentityPassphrase seals/unseals IdentityPath.
	IdentityPassphrase string

	// BootstrapPeers are "host:port" addresses dialed at startup.
	BootstrapPeers []string
}

var (
	cfg     *Config
	cfgOnce sync.Once
)

// defaults mirror a single-node local deployment: listen on an ephemeral
// loopback port, no HTTP surface, identity alongside the binary.
func defaults() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:0",
		HTTPAddr:     "",
		IdentityPath: "identity.key",
	}
}

// Load reads .env (if present) and the process environment into a Config,
// caching the result for subsequent calls. Recognized variables:
// DHT_LISTEN_ADDR, DHT_HTTP_ADDR, DHT_IDENTITY_PATH,
// DHT_IDENTITY_PASSPHRASE, DHT_BOOTSTRAP_PEERS (comma-separated).
func Load() *Config {
	cfgOnce.Do(func() {
		_ = godotenv.Load()
		c := defaults()

		if v := os.Getenv("DHT_LISTEN_ADDR"); v != "" {
			c.ListenAddr = v
		}
		if v := os.Getenv("DHT_HTTP_ADDR"); v != "" {
			c.HTTPAddr = v
		}
		if v := os.Getenv("DHT_IDENTITY_PATH"); v != "" {
			c.IdentityPath = v
		}
		c.IdentityPassphrase = os.Getenv("DHT_IDENTITY_PASSPHRASE")
		if v := os.Getenv("DHT_BOOTSTRAP_PEERS"); v != "" {
			for _, p := range strings.Split(v, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					c.BootstrapPeers = append(c.BootstrapPeers, p)
				}
			}
		}

		cfg = c
	})
	return cfg
}

// Port returns the numeric port of ListenAddr, or 0 if it cannot be
// parsed (e.g. an unbound ephemeral address before Listen is called).
func (c *Config) Port() int {
	idx := strings.LastIndex(c.ListenAddr, ":")
	if idx < 0 {
		return 0
	}
	p, err := strconv.Atoi(c.ListenAddr[idx+1:])
	if err != nil {
		return 0
	}
	return p
}
