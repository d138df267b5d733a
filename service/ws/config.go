// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"
)

// TLSConfig configures the optional TLS socket variant. Certificates
// come from the static cert/key pair, or from an autocert manager when
// AutocertEnable is set; CertFile and KeyFile are then ignored.
type TLSConfig struct {
	Enable bool `toml:"enable" envconfig:"ENABLE"`

	CertFile string `toml:"cert_file" envconfig:"CERT_FILE"`
	KeyFile  string `toml:"key_file" envconfig:"KEY_FILE"`

	// AutocertEnable switches cert sourcing to golang.org/x/crypto/acme/autocert
	// instead of CertFile/KeyFile, for deployments that front the
	// listener directly with a public ACME-capable hostname.
	AutocertEnable bool     `toml:"autocert_enable" envconfig:"AUTOCERT_ENABLE"`
	AutocertHosts  []string `toml:"autocert_hosts" envconfig:"AUTOCERT_HOSTS"`
	AutocertCache  string   `toml:"autocert_cache_dir" envconfig:"AUTOCERT_CACHE_DIR"`
}

func (c TLSConfig) IsValid() error {
	if !c.Enable {
		return nil
	}
	if c.AutocertEnable {
		if len(c.AutocertHosts) == 0 {
			return fmt.Errorf("at least one autocert host must be configured")
		}
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file must be set when TLS is enabled and autocert is disabled")
	}
	return nil
}

// tlsConfig builds the *tls.Config the server's TLS socket variant
// should use, sourcing certificates either from disk or from an
// autocert.Manager per the TLSConfig above.
func (c TLSConfig) tlsConfig() (*tls.Config, error) {
	if c.AutocertEnable {
		mgr := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.AutocertHosts...),
		}
		if c.AutocertCache != "" {
			mgr.Cache = autocert.DirCache(c.AutocertCache)
		}
		return mgr.TLSConfig(), nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ServerConfig configures a Server, validated the same way every
// config type in this module is: an IsValid method called once before
// use.
type ServerConfig struct {
	ListenAddress string `toml:"listen_address" envconfig:"LISTEN_ADDRESS"`

	// ReadChunkBytes bounds a single non-blocking read syscall.
	ReadChunkBytes int `toml:"read_chunk_bytes" envconfig:"READ_CHUNK_BYTES"`

	// PollTimeoutMillis is the timeout LoopOnce passes to the poller
	// when no deadline-driven work (e.g. an external ticker) needs a
	// tighter bound. -1 waits indefinitely.
	PollTimeoutMillis int `toml:"poll_timeout_millis" envconfig:"POLL_TIMEOUT_MILLIS"`

	TLS TLSConfig `toml:"tls" envconfig:"TLS"`
}

func (c *ServerConfig) SetDefaults() {
	if c.ReadChunkBytes == 0 {
		c.ReadChunkBytes = readChunkSize
	}
	if c.PollTimeoutMillis == 0 {
		c.PollTimeoutMillis = -1
	}
}

func (c ServerConfig) IsValid() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must be set")
	}
	if c.ReadChunkBytes <= 0 {
		return fmt.Errorf("read_chunk_bytes must be positive")
	}
	if err := c.TLS.IsValid(); err != nil {
		return fmt.Errorf("invalid tls config: %w", err)
	}
	return nil
}
